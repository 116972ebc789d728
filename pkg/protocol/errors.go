package protocol

import (
	"errors"
	"fmt"
)

// Error codes returned by the coordinator and used by the agent when
// classifying rejections. These are part of the wire contract.
const (
	CodeUnauthorized         = "unauthorized"
	CodeAlreadyInitialized   = "already_initialized"
	CodeDuplicateClient      = "duplicate_client"
	CodeUnknownClient        = "unknown_client"
	CodeUnknownCommand       = "unknown_command"
	CodeInvalidParameter     = "invalid_parameter"
	CodeUnknownEnvelope      = "unknown_envelope"
	CodeInvalidSignature     = "invalid_signature"
	CodeReplayDetected       = "replay_detected"
	CodeExpired              = "expired"
	CodeSessionLimitExceeded = "session_limit_exceeded"
	CodeClientOffline        = "client_offline"
	CodeRateLimited          = "rate_limited"
)

// CodedError pairs a stable machine-readable code with a human message.
type CodedError struct {
	Code    string
	Message string
}

func (e *CodedError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

// Errf builds a CodedError with a formatted message.
func Errf(code, format string, args ...any) *CodedError {
	return &CodedError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// ErrCode extracts the stable code from err, or "" if err carries none.
func ErrCode(err error) string {
	if err == nil {
		return ""
	}
	var ce *CodedError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}
