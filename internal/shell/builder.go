// ABOUTME: Builds the exact command strings submitted to the remote session.
// ABOUTME: Script bodies and secrets travel base64-encoded; only simple tokens are quoted inline.

// Package shell constructs remote shell commands for provisioning steps.
//
// Every script body is transported as base64 and decoded on the remote side
// inside a command substitution, so user-supplied secrets never pass through
// the outer shell's quoting rules. When the SSH credential is a password,
// privileged scripts pipe that password (also base64 encoded) to `sudo -S`.
package shell

import (
	"encoding/base64"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/clawup/clawup/internal/models"
)

// ErrPasswordRequired is returned when escalation needs a password that was not supplied.
var ErrPasswordRequired = errors.New("sudo password is required for password authentication")

const defaultSudoPath = "sudo"

var sudoPromptRE = regexp.MustCompile(`\[sudo\] password for [^:\n]*: ?`)

// Builder wraps scripts for one SSH identity.
type Builder struct {
	AuthType models.AuthType
	Username string
	Password string
	// SudoPath overrides the escalation binary; tests point it at a stub.
	SudoPath string
}

// NewBuilder returns a Builder for the request's SSH identity.
func NewBuilder(req models.ProvisioningRequest) Builder {
	return Builder{
		AuthType: req.AuthType,
		Username: req.Username,
		Password: req.Password,
	}
}

// Privileged returns a command that runs script as root.
//
// Root logins run the script directly. Password logins pipe the password to
// `sudo -S` with an empty prompt; key logins use `sudo -n` and rely on
// passwordless sudo being configured.
func (b Builder) Privileged(script string) (string, error) {
	inner := "bash -c " + decodeSubst(script)
	if b.Username == "root" {
		return inner, nil
	}
	sudo := b.SudoPath
	if sudo == "" {
		sudo = defaultSudoPath
	}
	switch b.AuthType {
	case models.AuthPassword:
		if b.Password == "" {
			return "", ErrPasswordRequired
		}
		return fmt.Sprintf("{ %s; echo; } | %s -S -p '' %s", Decode(b.Password), sudo, inner), nil
	case models.AuthKey:
		return fmt.Sprintf("%s -n %s", sudo, inner), nil
	}
	return "", fmt.Errorf("unsupported auth type %q", b.AuthType)
}

// Plain returns a command that runs script as the login user.
func (b Builder) Plain(script string) string {
	return "bash -c " + decodeSubst(script)
}

// Decode returns a pipeline that writes payload to stdout on the remote side.
func Decode(payload string) string {
	return "printf '%s' " + Quote(base64.StdEncoding.EncodeToString([]byte(payload))) + " | base64 -d"
}

func decodeSubst(payload string) string {
	return `"$(` + Decode(payload) + `)"`
}

// Quote minimally quotes s for POSIX shells. Safe characters are left bare;
// anything else is wrapped in single quotes with embedded quotes escaped.
func Quote(s string) string {
	if s == "" {
		return "''"
	}
	if strings.IndexFunc(s, func(r rune) bool {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return false
		}
		switch r {
		case '-', '_', '.', '/', '@', ':', ',', '+', '=':
			return false
		}
		return true
	}) == -1 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// ScrubSudoPrompt removes sudo password prompts from captured output.
func ScrubSudoPrompt(output string) string {
	return sudoPromptRE.ReplaceAllString(output, "")
}

// IsSudoPrompt reports whether a stderr line is sudo prompt noise.
func IsSudoPrompt(line string) bool {
	return strings.Contains(strings.ToLower(line), "password for")
}
