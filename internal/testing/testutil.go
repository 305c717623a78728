// ABOUTME: Package testing provides shared test utilities and helper functions for clawup.
//
// This package contains test helpers, factory functions for creating test data,
// and assertion utilities shared by the package test suites.
//
// Key utilities:
//   - Model factories: NewTestRequest, NewTestRun
//   - Fakes: FakeSession, FakeConnector, MockHTTPHandler
//   - Test helpers: TempFile, AssertJSONEqual, DecodeCommand
//   - Test constants: FixedTime, TestHost, TestToken
package testing

import (
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clawup/clawup/internal/models"
)

// FixedTime is a fixed timestamp for deterministic tests.
var FixedTime = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

// Common test constants used across the test suite.
const (
	TestHost     = "203.0.113.10"
	TestUser     = "ubuntu"
	TestPassword = `pa"ss$word`
	TestAIKey    = "sk-test-0123456789"
	TestToken    = "00112233445566778899aabbccddeeff"
	TestRunID    = "run_0011223344556677"
)

// AssertJSONEqual asserts that two JSON values are semantically equal,
// ignoring whitespace and key order.
func AssertJSONEqual(t *testing.T, want, got any, msgAndArgs ...interface{}) {
	t.Helper()
	wantBytes, err := json.Marshal(want)
	require.NoError(t, err, "failed to marshal 'want' to JSON")
	gotBytes, err := json.Marshal(got)
	require.NoError(t, err, "failed to marshal 'got' to JSON")

	var wantAny, gotAny any
	require.NoError(t, json.Unmarshal(wantBytes, &wantAny), "failed to unmarshal 'want'")
	require.NoError(t, json.Unmarshal(gotBytes, &gotAny), "failed to unmarshal 'got'")

	assert.Equal(t, wantAny, gotAny, msgAndArgs...)
}

// TempFile creates a temporary file with the given content and returns its path.
func TempFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "testfile")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600), "failed to write temp file")
	return path
}

// ParseTime parses an RFC3339 timestamp or fails the test.
func ParseTime(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, s)
	require.NoError(t, err, "failed to parse time %q", s)
	return ts
}

var payloadRE = regexp.MustCompile(`printf '%s' '?([A-Za-z0-9+/=]+)'? \| base64 -d\)`)

// DecodeCommand returns the script carried by a wrapped remote command, or
// cmd unchanged when it carries no encoded script. Only the payload decoded
// inside a command substitution counts; an encoded sudo password does not.
func DecodeCommand(cmd string) string {
	matches := payloadRE.FindAllStringSubmatch(cmd, -1)
	if len(matches) == 0 {
		return cmd
	}
	raw, err := base64.StdEncoding.DecodeString(matches[len(matches)-1][1])
	if err != nil {
		return cmd
	}
	return string(raw)
}

// ============================================================================
// Model Factory Functions
// ============================================================================

// RequestOpts holds optional overrides for NewTestRequest.
type RequestOpts struct {
	Host          string
	Port          int
	Username      string
	AuthType      models.AuthType
	Password      string
	PrivateKey    string
	AIProvider    string
	AIKey         string
	AIModel       string
	TelegramToken string
	DiscordToken  string
}

// NewTestRequest creates a normalized password-auth request with default values.
func NewTestRequest(opts RequestOpts) models.ProvisioningRequest {
	if opts.Host == "" {
		opts.Host = TestHost
	}
	if opts.Username == "" {
		opts.Username = TestUser
	}
	if opts.AuthType == "" {
		opts.AuthType = models.AuthPassword
	}
	if opts.AuthType == models.AuthPassword && opts.Password == "" {
		opts.Password = TestPassword
	}
	if opts.AIProvider == "" {
		opts.AIProvider = models.DefaultProvider
	}
	req := models.ProvisioningRequest{
		Host:          opts.Host,
		Port:          opts.Port,
		Username:      opts.Username,
		AuthType:      opts.AuthType,
		Password:      opts.Password,
		PrivateKey:    opts.PrivateKey,
		AIProvider:    opts.AIProvider,
		AIKey:         opts.AIKey,
		AIModel:       opts.AIModel,
		TelegramToken: opts.TelegramToken,
		DiscordToken:  opts.DiscordToken,
	}
	req.Normalize()
	return req
}

// RunOpts holds optional overrides for NewTestRun.
type RunOpts struct {
	ID        string
	Host      string
	Status    models.RunStatus
	CreatedAt time.Time
}

// NewTestRun creates a running run record with default values.
func NewTestRun(opts RunOpts) models.Run {
	if opts.ID == "" {
		opts.ID = TestRunID
	}
	if opts.Host == "" {
		opts.Host = TestHost
	}
	if opts.Status == "" {
		opts.Status = models.RunRunning
	}
	if opts.CreatedAt.IsZero() {
		opts.CreatedAt = FixedTime
	}
	return models.Run{
		ID:        opts.ID,
		Host:      opts.Host,
		Port:      models.DefaultSSHPort,
		Username:  TestUser,
		Provider:  models.DefaultProvider,
		Status:    opts.Status,
		CreatedAt: opts.CreatedAt,
		UpdatedAt: opts.CreatedAt,
	}
}
