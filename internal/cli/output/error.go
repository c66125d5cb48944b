package output

import (
	"errors"
	"net/http"

	"github.com/chmlfrp/frplauncher/internal/cliclient"
)

// StructuredError is an error with a machine-readable code.
type StructuredError struct {
	Code            string `json:"code" yaml:"code"`
	Message         string `json:"message" yaml:"message"`
	Guidance        string `json:"guidance,omitempty" yaml:"guidance,omitempty"`
	RecoveryCommand string `json:"recovery_command,omitempty" yaml:"recovery_command,omitempty"`
}

// Error implements the error interface for StructuredError.
func (e StructuredError) Error() string {
	return e.Message
}

// Error codes
const (
	ErrCodeDaemonNotRunning = "DAEMON_NOT_RUNNING"
	ErrCodeAuthRequired     = "AUTH_REQUIRED"
	ErrCodeTunnelNotFound   = "TUNNEL_NOT_FOUND"
	ErrCodeBusy             = "BUSY"
	ErrCodeFrpcMissing      = "FRPC_MISSING"
	ErrCodeRemoteAPI        = "REMOTE_API_ERROR"
	ErrCodeInvalidInput     = "INVALID_INPUT"
	ErrCodeOperationFailed  = "OPERATION_FAILED"
)

// FromError classifies err, adding guidance for the failures a user can fix.
func FromError(err error) StructuredError {
	var se StructuredError
	if errors.As(err, &se) {
		return se
	}
	out := StructuredError{Code: ErrCodeOperationFailed, Message: err.Error()}

	if errors.Is(err, cliclient.ErrDaemonUnavailable) {
		out.Code = ErrCodeDaemonNotRunning
		out.RecoveryCommand = "frplauncher serve"
		return out
	}

	var reqErr *cliclient.RequestError
	if !errors.As(err, &reqErr) {
		return out
	}
	switch reqErr.Status {
	case http.StatusUnauthorized:
		out.Code = ErrCodeAuthRequired
		out.RecoveryCommand = "frplauncher login"
	case http.StatusNotFound:
		out.Code = ErrCodeTunnelNotFound
		out.RecoveryCommand = "frplauncher tunnels --refresh"
	case http.StatusConflict:
		out.Code = ErrCodeBusy
		out.Guidance = "Another tunnel is starting. Wait for it to finish and retry."
	case http.StatusServiceUnavailable:
		out.Code = ErrCodeFrpcMissing
		out.Guidance = "Download frpc into the data directory or set --frpc-path."
	case http.StatusBadGateway:
		out.Code = ErrCodeRemoteAPI
	case http.StatusBadRequest:
		out.Code = ErrCodeInvalidInput
	}
	return out
}
