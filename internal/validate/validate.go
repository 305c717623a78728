// ABOUTME: Checks user-supplied credentials against the live services before a run.
// ABOUTME: Every check returns a Result; transport problems are reported, never returned as errors.

// Package validate tests SSH credentials, AI provider keys and messaging bot
// tokens on behalf of the setup wizard.
package validate

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/clawup/clawup/internal/buildinfo"
	"github.com/clawup/clawup/internal/gatewaycfg"
	"github.com/clawup/clawup/internal/models"
	"github.com/clawup/clawup/internal/provision"
	"github.com/clawup/clawup/internal/remote"
)

const (
	defaultTimeout     = 10 * time.Second
	defaultTelegramURL = "https://api.telegram.org"
	defaultDiscordURL  = "https://discord.com"
	maxBodyBytes       = 1 << 20
	anthropicVersion   = "2023-06-01"
)

// DefaultProviderURLs are the API base URLs probed for each provider.
var DefaultProviderURLs = map[string]string{
	"openai":     "https://api.openai.com",
	"anthropic":  "https://api.anthropic.com",
	"gemini":     "https://generativelanguage.googleapis.com",
	"groq":       "https://api.groq.com",
	"openrouter": "https://openrouter.ai",
}

// Result is the outcome of one credential check.
type Result struct {
	Success  bool     `json:"success"`
	Message  string   `json:"message"`
	Provider string   `json:"provider,omitempty"`
	Models   []string `json:"models,omitempty"`
	// HostKey is the SHA256 fingerprint the SSH server presented.
	HostKey string `json:"host_key,omitempty"`
}

type hostKeyReporter interface {
	HostKeyFingerprint() string
}

// Validator runs credential checks.
type Validator struct {
	Client       *http.Client
	Connector    provision.Connector
	TelegramURL  string
	DiscordURL   string
	ProviderURLs map[string]string
	Timeout      time.Duration
	Logger       *log.Logger
}

// InferProvider guesses the provider from a key prefix, defaulting to openai.
func InferProvider(key string) string {
	key = strings.TrimSpace(key)
	switch {
	case strings.HasPrefix(key, "sk-ant-"):
		return "anthropic"
	case strings.HasPrefix(key, "sk-or-"):
		return "openrouter"
	case strings.HasPrefix(key, "gsk_"):
		return "groq"
	case strings.HasPrefix(key, "AIza"):
		return "gemini"
	}
	return models.DefaultProvider
}

// Models returns the selectable model catalog for provider.
func Models(provider string) []string {
	return gatewaycfg.ModelCatalog(provider)
}

// SSH opens a session with the request's credentials, runs `true` and closes it.
func (v *Validator) SSH(ctx context.Context, req models.ProvisioningRequest) Result {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return Result{Message: err.Error()}
	}
	if v.Connector == nil {
		return Result{Message: "ssh connector is not configured"}
	}
	sess, err := v.Connector.Connect(ctx, remote.Credentials{
		Host:       req.Host,
		Port:       req.Port,
		Username:   req.Username,
		Password:   req.Password,
		PrivateKey: req.PrivateKey,
		Passphrase: req.Passphrase,
	})
	if err != nil {
		return Result{Message: fmt.Sprintf("SSH connection failed: %v", err)}
	}
	defer func() {
		if cerr := sess.Close(); cerr != nil {
			v.logger().Printf("validate ssh %s: close: %v", req.Host, cerr)
		}
	}()
	res, err := sess.Run(ctx, "true")
	if err != nil {
		return Result{Message: fmt.Sprintf("SSH command failed: %v", err)}
	}
	if res.ExitCode != 0 {
		return Result{Message: fmt.Sprintf("SSH command exited %d", res.ExitCode)}
	}
	out := Result{Success: true, Message: fmt.Sprintf("Connected to %s as %s.", req.Host, req.Username)}
	if hk, ok := sess.(hostKeyReporter); ok {
		out.HostKey = hk.HostKeyFingerprint()
	}
	return out
}

// AI probes the provider's model listing with key. An empty provider is
// inferred from the key prefix.
func (v *Validator) AI(ctx context.Context, key, provider string) Result {
	key = strings.TrimSpace(key)
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" {
		provider = InferProvider(key)
	}
	if key == "" {
		return Result{Message: "API key is required", Provider: provider}
	}
	req, err := v.providerRequest(ctx, provider, key)
	if err != nil {
		return Result{Message: err.Error(), Provider: provider}
	}
	if req == nil {
		// No known endpoint: accept the key and offer the generic catalog.
		return Result{Success: true, Message: "Provider is not verified; key accepted as entered.", Provider: provider, Models: Models(provider)}
	}
	status, _, err := v.do(req)
	if err != nil {
		return Result{Message: fmt.Sprintf("Could not reach %s: %v", provider, err), Provider: provider}
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return Result{Message: fmt.Sprintf("Invalid %s API key.", provider), Provider: provider}
	}
	if status >= 300 {
		return Result{Message: fmt.Sprintf("%s returned HTTP %d", provider, status), Provider: provider}
	}
	return Result{Success: true, Message: "Key validated successfully!", Provider: provider, Models: Models(provider)}
}

func (v *Validator) providerRequest(ctx context.Context, provider, key string) (*http.Request, error) {
	base := v.ProviderURLs[provider]
	if base == "" {
		base = DefaultProviderURLs[provider]
	}
	if base == "" {
		return nil, nil
	}
	base = strings.TrimRight(base, "/")
	var (
		path   string
		header = http.Header{}
	)
	switch provider {
	case "openai":
		path = "/v1/models"
		header.Set("Authorization", "Bearer "+key)
	case "anthropic":
		path = "/v1/models"
		header.Set("x-api-key", key)
		header.Set("anthropic-version", anthropicVersion)
	case "gemini":
		path = "/v1beta/models"
		header.Set("x-goog-api-key", key)
	case "groq":
		path = "/openai/v1/models"
		header.Set("Authorization", "Bearer "+key)
	case "openrouter":
		path = "/api/v1/auth/key"
		header.Set("Authorization", "Bearer "+key)
	default:
		path = "/v1/models"
		header.Set("Authorization", "Bearer "+key)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+path, nil)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", provider, err)
	}
	req.Header = header
	return req, nil
}

type telegramMe struct {
	OK     bool `json:"ok"`
	Result struct {
		Username  string `json:"username"`
		FirstName string `json:"first_name"`
	} `json:"result"`
	Description string `json:"description"`
}

// Telegram calls getMe with token.
func (v *Validator) Telegram(ctx context.Context, token string) Result {
	token = strings.TrimSpace(token)
	if token == "" {
		return Result{Message: "Telegram bot token is required"}
	}
	base := strings.TrimRight(firstNonEmpty(v.TelegramURL, defaultTelegramURL), "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/bot"+url.PathEscape(token)+"/getMe", nil)
	if err != nil {
		return Result{Message: "Invalid Telegram bot token format."}
	}
	status, body, err := v.do(req)
	if err != nil {
		// The token is part of the URL; keep it out of the message.
		return Result{Message: "Could not reach Telegram."}
	}
	var me telegramMe
	_ = json.Unmarshal(body, &me)
	if status != http.StatusOK || !me.OK {
		msg := "Invalid Telegram bot token."
		if me.Description != "" {
			msg = fmt.Sprintf("Invalid Telegram bot token: %s", me.Description)
		}
		return Result{Message: msg}
	}
	name := me.Result.Username
	if name == "" {
		name = me.Result.FirstName
	}
	return Result{Success: true, Message: fmt.Sprintf("Telegram bot @%s verified.", name)}
}

type discordMe struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Bot      bool   `json:"bot"`
	Message  string `json:"message"`
}

// Discord fetches the bot's own user with token.
func (v *Validator) Discord(ctx context.Context, token string) Result {
	token = strings.TrimSpace(token)
	if token == "" {
		return Result{Message: "Discord bot token is required"}
	}
	base := strings.TrimRight(firstNonEmpty(v.DiscordURL, defaultDiscordURL), "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/api/v10/users/@me", nil)
	if err != nil {
		return Result{Message: fmt.Sprintf("build discord request: %v", err)}
	}
	req.Header.Set("Authorization", "Bot "+token)
	status, body, err := v.do(req)
	if err != nil {
		return Result{Message: fmt.Sprintf("Could not reach Discord: %v", err)}
	}
	var me discordMe
	_ = json.Unmarshal(body, &me)
	if status != http.StatusOK || me.ID == "" {
		msg := "Invalid Discord bot token."
		if me.Message != "" {
			msg = fmt.Sprintf("Invalid Discord bot token: %s", me.Message)
		}
		return Result{Message: msg}
	}
	return Result{Success: true, Message: fmt.Sprintf("Discord bot %s verified.", me.Username)}
}

func (v *Validator) do(req *http.Request) (int, []byte, error) {
	client := v.Client
	if client == nil {
		timeout := v.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	req.Header.Set("User-Agent", buildinfo.UserAgent())
	req.Header.Set("Accept", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, body, nil
}

func (v *Validator) logger() *log.Logger {
	if v.Logger != nil {
		return v.Logger
	}
	return log.Default()
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
