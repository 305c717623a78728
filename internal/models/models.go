// Package models provides data structures and constants shared across clawup.
//
// This package contains the core domain models:
//   - ProvisioningRequest: everything a single provisioning run needs
//   - Run: the persisted record of one provisioning run
//
// All models are designed for database persistence and JSON serialization.
package models

import (
	"errors"
	"strings"
	"time"
)

// AuthType selects how the SSH session authenticates.
type AuthType string

const (
	// AuthPassword authenticates with a password; privilege escalation pipes it to sudo.
	AuthPassword AuthType = "password"
	// AuthKey authenticates with a private key; escalation assumes passwordless sudo.
	AuthKey AuthType = "key"
)

const (
	DefaultSSHPort     = 22
	DefaultSSHUsername = "root"
	DefaultProvider    = "openai"
)

// ProvisioningRequest carries all inputs for one provisioning run.
//
// Exactly one of Password or PrivateKey is set, matching AuthType.
type ProvisioningRequest struct {
	Environment   string   `json:"environment,omitempty"`
	Host          string   `json:"host"`
	Port          int      `json:"port,omitempty"`
	Username      string   `json:"username,omitempty"`
	AuthType      AuthType `json:"auth_type,omitempty"`
	Password      string   `json:"password,omitempty"`
	PrivateKey    string   `json:"private_key,omitempty"`
	Passphrase    string   `json:"passphrase,omitempty"`
	AIProvider    string   `json:"ai_provider,omitempty"`
	AIKey         string   `json:"ai_key,omitempty"`
	AIModel       string   `json:"ai_model,omitempty"`
	TelegramToken string   `json:"telegram_token,omitempty"`
	DiscordToken  string   `json:"discord_token,omitempty"`
}

// Normalize trims fields and fills SSH defaults in place.
func (r *ProvisioningRequest) Normalize() {
	r.Environment = strings.TrimSpace(r.Environment)
	r.Host = strings.TrimSpace(r.Host)
	r.Username = strings.TrimSpace(r.Username)
	r.AIProvider = strings.ToLower(strings.TrimSpace(r.AIProvider))
	r.AIKey = strings.TrimSpace(r.AIKey)
	r.AIModel = strings.TrimSpace(r.AIModel)
	r.TelegramToken = strings.TrimSpace(r.TelegramToken)
	r.DiscordToken = strings.TrimSpace(r.DiscordToken)
	if r.Port == 0 {
		r.Port = DefaultSSHPort
	}
	if r.Username == "" {
		r.Username = DefaultSSHUsername
	}
	if r.AuthType == "" {
		switch {
		case r.PrivateKey != "" && r.Password == "":
			r.AuthType = AuthKey
		default:
			r.AuthType = AuthPassword
		}
	}
}

// Validate checks the request invariants. It does not contact the host.
func (r ProvisioningRequest) Validate() error {
	if r.Host == "" {
		return errors.New("host is required")
	}
	if r.Port <= 0 || r.Port > 65535 {
		return errors.New("port must be between 1 and 65535")
	}
	if r.Username == "" {
		return errors.New("username is required")
	}
	switch r.AuthType {
	case AuthPassword:
		if r.Password == "" {
			return errors.New("password is required for password auth")
		}
		if r.PrivateKey != "" {
			return errors.New("private_key must be empty for password auth")
		}
	case AuthKey:
		if strings.TrimSpace(r.PrivateKey) == "" {
			return errors.New("private_key is required for key auth")
		}
		if r.Password != "" {
			return errors.New("password must be empty for key auth")
		}
	default:
		return errors.New("auth_type must be password or key")
	}
	return nil
}

// Secrets returns every secret value carried by the request.
func (r ProvisioningRequest) Secrets() []string {
	var out []string
	for _, value := range []string{r.Password, r.PrivateKey, r.Passphrase, r.AIKey, r.TelegramToken, r.DiscordToken} {
		if value != "" {
			out = append(out, value)
		}
	}
	return out
}

// RunStatus represents the lifecycle state of a provisioning run.
type RunStatus string

const (
	RunRunning   RunStatus = "RUNNING"
	RunSucceeded RunStatus = "SUCCEEDED"
	RunFailed    RunStatus = "FAILED"
)

// Run is the persisted record of one provisioning run.
//
// The access token itself is never stored; TokenHash is its sha256.
type Run struct {
	ID           string
	Host         string
	Port         int
	Username     string
	Environment  string
	Provider     string
	Status       RunStatus
	AccessURL    string
	TokenHash    string
	Error        string
	WarningsJSON string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	FinishedAt   *time.Time
}
