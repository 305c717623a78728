// ABOUTME: Builds the gateway settings document written to ~/.openclaw/openclaw.json.
// ABOUTME: Sections without credentials are omitted; channel templates carry schema-required empty objects.

// Package gatewaycfg materializes the gateway settings document and the
// compose descriptor for one provisioning run.
package gatewaycfg

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/clawup/clawup/internal/models"
)

const (
	BindLAN = "lan"

	DMPolicyPairing      = "pairing"
	GroupPolicyAllowlist = "allowlist"
)

// Document is the gateway settings document.
type Document struct {
	Gateway  Gateway   `json:"gateway"`
	Models   *Models   `json:"models,omitempty"`
	Agents   *Agents   `json:"agents,omitempty"`
	Channels *Channels `json:"channels,omitempty"`
}

type Gateway struct {
	Bind      string      `json:"bind"`
	Auth      GatewayAuth `json:"auth"`
	ControlUI ControlUI   `json:"controlUi"`
}

type GatewayAuth struct {
	Token string `json:"token"`
}

type ControlUI struct {
	AllowInsecureAuth            bool `json:"allowInsecureAuth"`
	DangerouslyDisableDeviceAuth bool `json:"dangerouslyDisableDeviceAuth"`
}

type Models struct {
	Providers map[string]ProviderSettings `json:"providers"`
}

type ProviderSettings struct {
	APIKey string `json:"apiKey"`
}

type Agents struct {
	Defaults AgentDefaults `json:"defaults"`
}

type AgentDefaults struct {
	Model ModelSelection `json:"model"`
}

type ModelSelection struct {
	Primary string `json:"primary"`
}

// Channels holds per-channel settings; a nil channel is not configured.
type Channels struct {
	Telegram *TelegramChannel `json:"telegram,omitempty"`
	Discord  *DiscordChannel  `json:"discord,omitempty"`
}

// TelegramChannel requires groups to be present even when empty.
type TelegramChannel struct {
	Enabled     bool                       `json:"enabled"`
	BotToken    string                     `json:"botToken"`
	DMPolicy    string                     `json:"dmPolicy"`
	GroupPolicy string                     `json:"groupPolicy"`
	Groups      map[string]json.RawMessage `json:"groups"`
}

// DiscordChannel requires guilds to be present even when empty.
type DiscordChannel struct {
	Enabled bool                       `json:"enabled"`
	Token   string                     `json:"token"`
	DM      DiscordDM                  `json:"dm"`
	Guilds  map[string]json.RawMessage `json:"guilds"`
}

type DiscordDM struct {
	Policy string `json:"policy"`
}

// Build returns the settings document for req with the given access token.
func Build(req models.ProvisioningRequest, token string) Document {
	doc := Document{
		Gateway: Gateway{
			Bind: BindLAN,
			Auth: GatewayAuth{Token: token},
			ControlUI: ControlUI{
				AllowInsecureAuth:            true,
				DangerouslyDisableDeviceAuth: true,
			},
		},
	}
	if req.AIKey != "" {
		p, _ := ResolveProvider(req.AIProvider)
		doc.Models = &Models{Providers: map[string]ProviderSettings{p.Namespace: {APIKey: req.AIKey}}}
		if id := FullModelID(p, req.AIModel); id != "" {
			doc.Agents = &Agents{Defaults: AgentDefaults{Model: ModelSelection{Primary: id}}}
		}
	}
	if req.TelegramToken != "" || req.DiscordToken != "" {
		doc.Channels = &Channels{}
	}
	if req.TelegramToken != "" {
		doc.Channels.Telegram = &TelegramChannel{
			Enabled:     true,
			BotToken:    req.TelegramToken,
			DMPolicy:    DMPolicyPairing,
			GroupPolicy: GroupPolicyAllowlist,
			Groups:      map[string]json.RawMessage{},
		}
	}
	if req.DiscordToken != "" {
		doc.Channels.Discord = &DiscordChannel{
			Enabled: true,
			Token:   req.DiscordToken,
			DM:      DiscordDM{Policy: DMPolicyPairing},
			Guilds:  map[string]json.RawMessage{},
		}
	}
	return doc
}

// Marshal renders the document as indented JSON with a trailing newline.
func (d Document) Marshal() ([]byte, error) {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal gateway settings: %w", err)
	}
	return append(data, '\n'), nil
}

// Parse decodes a settings document, rejecting unknown fields.
func Parse(data []byte) (Document, error) {
	var doc Document
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return Document{}, fmt.Errorf("parse gateway settings: %w", err)
	}
	return doc, nil
}

// Setting is one key applied with the in-container config CLI.
type Setting struct {
	Key    string
	Value  string
	Secret bool
}

// Settings flattens the document into the ordered keys applied after start.
func (d Document) Settings() []Setting {
	out := []Setting{
		{Key: "gateway.bind", Value: d.Gateway.Bind},
		{Key: "gateway.auth.token", Value: d.Gateway.Auth.Token, Secret: true},
		{Key: "gateway.controlUi.allowInsecureAuth", Value: strconv.FormatBool(d.Gateway.ControlUI.AllowInsecureAuth)},
		{Key: "gateway.controlUi.dangerouslyDisableDeviceAuth", Value: strconv.FormatBool(d.Gateway.ControlUI.DangerouslyDisableDeviceAuth)},
	}
	if d.Models != nil {
		for _, ns := range sortedKeys(d.Models.Providers) {
			out = append(out, Setting{Key: "models.providers." + ns + ".apiKey", Value: d.Models.Providers[ns].APIKey, Secret: true})
		}
	}
	if d.Agents != nil && d.Agents.Defaults.Model.Primary != "" {
		out = append(out, Setting{Key: "agents.defaults.model.primary", Value: d.Agents.Defaults.Model.Primary})
	}
	if d.Channels != nil {
		if tg := d.Channels.Telegram; tg != nil {
			out = append(out, Setting{Key: "channels.telegram.botToken", Value: tg.BotToken, Secret: true})
		}
		if dc := d.Channels.Discord; dc != nil {
			out = append(out, Setting{Key: "channels.discord.token", Value: dc.Token, Secret: true})
		}
	}
	return out
}
