package daemon

import (
	"encoding/json"

	"github.com/clawup/clawup/internal/progress"
)

type V1ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
	Code    string `json:"code,omitempty"`
}

// V1TestSSHRequest is the body of POST /api/test-ssh.
type V1TestSSHRequest struct {
	Host       string `json:"host"`
	Port       int    `json:"port,omitempty"`
	Username   string `json:"username,omitempty"`
	AuthType   string `json:"auth_type,omitempty"`
	Password   string `json:"password,omitempty"`
	PrivateKey string `json:"private_key,omitempty"`
	Passphrase string `json:"passphrase,omitempty"`
}

// V1TestKeyRequest is the body of POST /api/test-key.
type V1TestKeyRequest struct {
	Type     string `json:"type"`
	Key      string `json:"key"`
	Provider string `json:"provider,omitempty"`
}

type V1ValidationResponse struct {
	Success  bool     `json:"success"`
	Message  string   `json:"message"`
	Provider string   `json:"provider,omitempty"`
	Models   []string `json:"models,omitempty"`
	HostKey  string   `json:"host_key,omitempty"`
}

// V1InstallBatchResponse is returned by POST /api/install?stream=false.
type V1InstallBatchResponse struct {
	Success bool             `json:"success"`
	RunID   string           `json:"run_id"`
	Stages  []progress.Event `json:"stages"`
}

type V1Run struct {
	ID          string          `json:"id"`
	Host        string          `json:"host"`
	Port        int             `json:"port"`
	Username    string          `json:"username"`
	Environment string          `json:"environment,omitempty"`
	Provider    string          `json:"provider,omitempty"`
	Status      string          `json:"status"`
	AccessURL   string          `json:"access_url,omitempty"`
	TokenHash   string          `json:"token_sha256,omitempty"`
	Error       string          `json:"error,omitempty"`
	Warnings    json.RawMessage `json:"warnings,omitempty"`
	CreatedAt   string          `json:"created_at"`
	UpdatedAt   string          `json:"updated_at"`
	FinishedAt  string          `json:"finished_at,omitempty"`
}

type V1RunsResponse struct {
	Runs []V1Run `json:"runs"`
}

type V1Event struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id"`
	Timestamp string          `json:"ts"`
	Progress  int             `json:"progress"`
	Message   string          `json:"log"`
	Extras    json.RawMessage `json:"extras,omitempty"`
}

type V1EventsResponse struct {
	Events []V1Event `json:"events"`
	LastID int64     `json:"last_id,omitempty"`
}
