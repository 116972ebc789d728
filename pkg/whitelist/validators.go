package whitelist

import (
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
)

// maxValueLength caps every parameter value regardless of type.
const maxValueLength = 256

// shellMetachars are rejected in every value. Validated values are
// substituted into shell templates, so nothing that could terminate or
// extend a command may pass.
const shellMetachars = "`$|;&><\n\r\\"

var (
	hostnameRe = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9.-]*[a-zA-Z0-9])?$`)
	pathRe     = regexp.MustCompile(`^[a-zA-Z0-9_./-]+$`)
)

func screenValue(value string) error {
	if value == "" {
		return fmt.Errorf("empty value")
	}
	if len(value) > maxValueLength {
		return fmt.Errorf("value exceeds %d characters", maxValueLength)
	}
	if strings.ContainsAny(value, shellMetachars) {
		return fmt.Errorf("value contains shell metacharacters")
	}
	return nil
}

func validateValue(p Param, value string) error {
	switch p.Type {
	case "ip":
		if net.ParseIP(value) == nil {
			return fmt.Errorf("not a valid IP address")
		}
	case "hostname":
		if len(value) > 255 || !hostnameRe.MatchString(value) {
			return fmt.Errorf("not a valid hostname")
		}
	case "integer":
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("not an integer")
		}
		if p.Min != nil && n < *p.Min {
			return fmt.Errorf("below minimum %d", *p.Min)
		}
		if p.Max != nil && n > *p.Max {
			return fmt.Errorf("above maximum %d", *p.Max)
		}
	case "choice":
		for _, choice := range p.Choices {
			if value == choice {
				return nil
			}
		}
		return fmt.Errorf("not one of %v", p.Choices)
	case "path":
		if strings.HasPrefix(value, "/") || strings.HasPrefix(value, "~") {
			return fmt.Errorf("absolute paths not allowed")
		}
		if strings.Contains(value, ":") {
			return fmt.Errorf("drive markers not allowed")
		}
		for _, seg := range strings.Split(value, "/") {
			if seg == ".." {
				return fmt.Errorf("parent-directory segments not allowed")
			}
		}
		if !pathRe.MatchString(value) {
			return fmt.Errorf("path contains unsafe characters")
		}
	case "", "string":
		// Screened already; no further shape requirements.
	default:
		return fmt.Errorf("unknown validator type %q", p.Type)
	}
	return nil
}
