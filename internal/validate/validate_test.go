package validate

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clawup/clawup/internal/models"
	"github.com/clawup/clawup/internal/remote"
	testutil "github.com/clawup/clawup/internal/testing"
)

func TestInferProvider(t *testing.T) {
	tests := map[string]string{
		"sk-ant-api03-xyz": "anthropic",
		"sk-or-v1-abc":     "openrouter",
		"gsk_123":          "groq",
		"AIzaSyA":          "gemini",
		"sk-proj-123":      "openai",
		"":                 "openai",
	}
	for key, want := range tests {
		assert.Equal(t, want, InferProvider(key), key)
	}
}

func TestModelsCatalog(t *testing.T) {
	assert.Equal(t, []string{"gemini-1.5-pro", "gemini-1.5-flash", "gemini-1.0-pro"}, Models("gemini"))
	assert.Equal(t, []string{"default"}, Models("mistral"))
}

func TestAIValidKeyReturnsCatalog(t *testing.T) {
	mock := testutil.NewMockHTTPHandler()
	mock.AddResponse(http.MethodGet, "/v1/models", http.StatusOK, map[string]any{"data": []any{}})
	srv := mock.NewTestServer(t)
	v := &Validator{Client: srv.Client(), ProviderURLs: map[string]string{"anthropic": srv.URL}}

	res := v.AI(context.Background(), "sk-ant-api03-good", "")

	assert.True(t, res.Success, res.Message)
	assert.Equal(t, "anthropic", res.Provider)
	assert.Equal(t, Models("anthropic"), res.Models)
	reqs := mock.GetRequests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "sk-ant-api03-good", reqs[0].Header.Get("x-api-key"))
	assert.Equal(t, anthropicVersion, reqs[0].Header.Get("anthropic-version"))
}

func TestAIRejectedKey(t *testing.T) {
	mock := testutil.NewMockHTTPHandler()
	mock.AddResponse(http.MethodGet, "/openai/v1/models", http.StatusUnauthorized, map[string]any{"error": "invalid"})
	srv := mock.NewTestServer(t)
	v := &Validator{Client: srv.Client(), ProviderURLs: map[string]string{"groq": srv.URL}}

	res := v.AI(context.Background(), "gsk_bad", "groq")

	assert.False(t, res.Success)
	assert.Equal(t, "Invalid groq API key.", res.Message)
	assert.Empty(t, res.Models)
	assert.Equal(t, "Bearer gsk_bad", mock.GetRequests()[0].Header.Get("Authorization"))
}

func TestAIUnknownProviderAcceptsKey(t *testing.T) {
	res := (&Validator{}).AI(context.Background(), "key", "mistral")
	assert.True(t, res.Success)
	assert.Equal(t, []string{"default"}, res.Models)
}

func TestAIRequiresKey(t *testing.T) {
	res := (&Validator{}).AI(context.Background(), "  ", "")
	assert.False(t, res.Success)
	assert.Equal(t, "API key is required", res.Message)
}

func TestTelegram(t *testing.T) {
	mock := testutil.NewMockHTTPHandler()
	mock.AddResponse(http.MethodGet, "/bot123:good/getMe", http.StatusOK, map[string]any{
		"ok":     true,
		"result": map[string]any{"username": "claw_bot"},
	})
	mock.AddResponse(http.MethodGet, "/bot123:bad/getMe", http.StatusUnauthorized, map[string]any{
		"ok":          false,
		"description": "Unauthorized",
	})
	srv := mock.NewTestServer(t)
	v := &Validator{Client: srv.Client(), TelegramURL: srv.URL}

	ok := v.Telegram(context.Background(), "123:good")
	assert.True(t, ok.Success)
	assert.Equal(t, "Telegram bot @claw_bot verified.", ok.Message)

	bad := v.Telegram(context.Background(), "123:bad")
	assert.False(t, bad.Success)
	assert.Equal(t, "Invalid Telegram bot token: Unauthorized", bad.Message)
}

func TestDiscord(t *testing.T) {
	mock := testutil.NewMockHTTPHandler()
	mock.AddResponse(http.MethodGet, "/api/v10/users/@me", http.StatusOK, map[string]any{"id": "42", "username": "clawbot", "bot": true})
	srv := mock.NewTestServer(t)
	v := &Validator{Client: srv.Client(), DiscordURL: srv.URL}

	res := v.Discord(context.Background(), "disc-token")

	assert.True(t, res.Success, res.Message)
	assert.Equal(t, "Bot disc-token", mock.GetRequests()[0].Header.Get("Authorization"))
	assert.Empty(t, v.Discord(context.Background(), "").Models)
}

func TestSSHRunsTrueAndCloses(t *testing.T) {
	sess := testutil.NewFakeSession()
	conn := &testutil.FakeConnector{Session: sess}
	v := &Validator{Connector: conn}

	res := v.SSH(context.Background(), models.ProvisioningRequest{Host: testutil.TestHost, Password: "pw"})

	assert.True(t, res.Success, res.Message)
	assert.Equal(t, []string{"true"}, sess.Commands())
	assert.Equal(t, 1, sess.CloseCount())
	creds := conn.Connects()
	require.Len(t, creds, 1)
	assert.Equal(t, remote.Credentials{Host: testutil.TestHost, Port: 22, Username: "root", Password: "pw"}, creds[0])
}

type fingerprintSession struct {
	*testutil.FakeSession
}

func (fingerprintSession) HostKeyFingerprint() string {
	return "SHA256:nThbg6kXUpJWGl7E1IGOCspRomTxdCARLviKw6E5SY8"
}

func TestSSHReportsHostKey(t *testing.T) {
	sess := fingerprintSession{testutil.NewFakeSession()}
	v := &Validator{Connector: connectorFunc(func(context.Context, remote.Credentials) (remote.Session, error) {
		return sess, nil
	})}

	res := v.SSH(context.Background(), models.ProvisioningRequest{Host: testutil.TestHost, Password: "pw"})

	require.True(t, res.Success, res.Message)
	assert.Equal(t, "SHA256:nThbg6kXUpJWGl7E1IGOCspRomTxdCARLviKw6E5SY8", res.HostKey)
	assert.Equal(t, 1, sess.CloseCount())
}

type connectorFunc func(context.Context, remote.Credentials) (remote.Session, error)

func (f connectorFunc) Connect(ctx context.Context, creds remote.Credentials) (remote.Session, error) {
	return f(ctx, creds)
}

func TestSSHConnectFailure(t *testing.T) {
	v := &Validator{Connector: &testutil.FakeConnector{Err: errors.New("ssh connection failed: unable to authenticate")}}
	res := v.SSH(context.Background(), models.ProvisioningRequest{Host: testutil.TestHost, Password: "pw"})
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "unable to authenticate")
}

func TestSSHRejectsInvalidRequest(t *testing.T) {
	res := (&Validator{}).SSH(context.Background(), models.ProvisioningRequest{Password: "pw"})
	assert.Equal(t, Result{Message: "host is required"}, res)
}
