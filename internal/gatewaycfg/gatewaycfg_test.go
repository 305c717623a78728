package gatewaycfg

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clawup/clawup/internal/models"
)

const testToken = "0123456789abcdef0123456789abcdef"

func TestBuildGeminiUsesGoogleNamespaceAndDefaultModel(t *testing.T) {
	doc := Build(models.ProvisioningRequest{AIProvider: "gemini", AIKey: "AIzaKey"}, testToken)

	require.NotNil(t, doc.Models)
	assert.Equal(t, map[string]ProviderSettings{"google": {APIKey: "AIzaKey"}}, doc.Models.Providers)
	require.NotNil(t, doc.Agents)
	assert.Equal(t, "google/gemini-1.5-pro", doc.Agents.Defaults.Model.Primary)
}

func TestBuildOmitsSectionsWithoutCredentials(t *testing.T) {
	doc := Build(models.ProvisioningRequest{AIProvider: "openai"}, testToken)
	assert.Nil(t, doc.Models)
	assert.Nil(t, doc.Agents)
	assert.Nil(t, doc.Channels)

	data, err := doc.Marshal()
	require.NoError(t, err)
	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, []string{"gateway"}, sortedKeys(raw))
}

func TestBuildChannelTemplates(t *testing.T) {
	doc := Build(models.ProvisioningRequest{TelegramToken: "123:abc", DiscordToken: "disc"}, testToken)
	data, err := doc.Marshal()
	require.NoError(t, err)

	var raw struct {
		Channels map[string]map[string]any `json:"channels"`
	}
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, map[string]any{
		"enabled":     true,
		"botToken":    "123:abc",
		"dmPolicy":    "pairing",
		"groupPolicy": "allowlist",
		"groups":      map[string]any{},
	}, raw.Channels["telegram"])
	assert.Equal(t, map[string]any{
		"enabled": true,
		"token":   "disc",
		"dm":      map[string]any{"policy": "pairing"},
		"guilds":  map[string]any{},
	}, raw.Channels["discord"])
}

func TestDocumentRoundTrip(t *testing.T) {
	req := models.ProvisioningRequest{
		AIProvider:    "openrouter",
		AIKey:         "sk-or-xyz",
		AIModel:       "meta-llama/llama-3.1-405b-instruct",
		TelegramToken: "123:abc",
		DiscordToken:  "disc",
	}
	doc := Build(req, testToken)
	data, err := doc.Marshal()
	require.NoError(t, err)

	parsed, err := Parse(data)
	require.NoError(t, err)
	if diff := cmp.Diff(doc, parsed); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte(`{"gateway":{"bind":"lan"},"extra":1}`))
	assert.Error(t, err)
}

func TestFullModelID(t *testing.T) {
	openai, _ := ResolveProvider("openai")
	openrouter, _ := ResolveProvider("openrouter")
	tests := []struct {
		name     string
		provider Provider
		model    string
		want     string
	}{
		{"default", openai, "", "openai/gpt-4o"},
		{"bare", openai, "gpt-4o-mini", "openai/gpt-4o-mini"},
		{"already qualified", openai, "openai/gpt-4o", "openai/gpt-4o"},
		{"foreign namespace kept", openai, "custom/model", "custom/model"},
		{"openrouter vendor id", openrouter, "openai/gpt-4o", "openrouter/openai/gpt-4o"},
		{"openrouter qualified", openrouter, "openrouter/openai/gpt-4o", "openrouter/openai/gpt-4o"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FullModelID(tt.provider, tt.model))
		})
	}
}

func TestResolveProviderFallsBackToPublicID(t *testing.T) {
	p, ok := ResolveProvider("Mistral")
	assert.False(t, ok)
	assert.Equal(t, "mistral", p.Namespace)
	assert.Equal(t, "MISTRAL_API_KEY", p.EnvVar)
	assert.Equal(t, []string{"default"}, ModelCatalog("mistral"))

	p, ok = ResolveProvider("")
	assert.True(t, ok)
	assert.Equal(t, "openai", p.ID)
}

func TestSettingsOrder(t *testing.T) {
	doc := Build(models.ProvisioningRequest{AIProvider: "anthropic", AIKey: "sk-ant-1", TelegramToken: "t"}, testToken)
	var keys []string
	for _, s := range doc.Settings() {
		keys = append(keys, s.Key)
	}
	assert.Equal(t, []string{
		"gateway.bind",
		"gateway.auth.token",
		"gateway.controlUi.allowInsecureAuth",
		"gateway.controlUi.dangerouslyDisableDeviceAuth",
		"models.providers.anthropic.apiKey",
		"agents.defaults.model.primary",
		"channels.telegram.botToken",
	}, keys)
	assert.Equal(t, testToken, doc.Settings()[1].Value)
	assert.True(t, doc.Settings()[1].Secret)
}

func TestNewComposeUsesAbsolutePaths(t *testing.T) {
	req := models.ProvisioningRequest{AIProvider: "gemini", AIKey: "AIza1", TelegramToken: "tg"}
	c := NewCompose(req, ComposeOptions{StateDir: "/home/u/.openclaw", WorkspaceDir: "/home/u/.openclaw/workspace"})

	svc, ok := c.Services[ServiceName]
	require.True(t, ok)
	assert.Equal(t, DefaultImage, svc.Image)
	assert.Equal(t, ContainerName, svc.ContainerName)
	assert.Equal(t, "always", svc.Restart)
	assert.Equal(t, []string{"18789:18789"}, svc.Ports)
	assert.Equal(t, []string{
		"/home/u/.openclaw:/home/node/.openclaw",
		"/home/u/.openclaw/workspace:/home/node/.openclaw/workspace",
	}, svc.Volumes)
	assert.Equal(t, []string{"NODE_ENV=production", "GEMINI_API_KEY=AIza1", "TELEGRAM_TOKEN=tg"}, svc.Environment)

	data, err := c.Marshal()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "services:\n  openclaw:\n"), string(data))
	parsed, err := ParseCompose(data)
	require.NoError(t, err)
	if diff := cmp.Diff(c, parsed); diff != "" {
		t.Fatalf("compose round trip mismatch (-want +got):\n%s", diff)
	}
}
