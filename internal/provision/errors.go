package provision

import (
	"errors"

	"github.com/clawup/clawup/internal/shell"
)

var (
	// ErrConnection is fatal: the SSH session could not be established.
	ErrConnection = errors.New("connection failed")
	// ErrEngineInstall is fatal: docker is still missing after the install script ran.
	ErrEngineInstall = errors.New("docker installation failed")
	// ErrComposeUp is fatal: docker compose up exited non-zero.
	ErrComposeUp = errors.New("docker compose failed")
	// ErrInvalidRequest is returned before connecting when the request is malformed.
	ErrInvalidRequest = errors.New("invalid provisioning request")
)

// WarningKind classifies a tolerated failure.
type WarningKind string

const (
	PostConfigureWarning    WarningKind = "post_configure"
	ReadinessTimeoutWarning WarningKind = "readiness_timeout"
)

// Warning records a non-fatal problem; the run still succeeds.
type Warning struct {
	Kind    WarningKind `json:"kind"`
	Key     string      `json:"key,omitempty"`
	Message string      `json:"message"`
}

// ErrorKind maps a run error to the short kind reported in the terminal event.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrConnection):
		return "connection"
	case errors.Is(err, ErrEngineInstall):
		return "engine_install"
	case errors.Is(err, ErrComposeUp):
		return "compose_up"
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, shell.ErrPasswordRequired):
		return "invalid_request"
	}
	return "internal"
}
