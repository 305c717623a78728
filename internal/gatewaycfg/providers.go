package gatewaycfg

import "strings"

// Provider describes how one AI provider is wired into the gateway.
type Provider struct {
	// ID is the public identifier the wizard uses.
	ID string
	// Namespace is the identifier the gateway uses in its settings and model ids.
	Namespace string
	// EnvVar carries the API key into the container.
	EnvVar string
	// DefaultModel is used when the request names no model.
	DefaultModel string
	// Models is the catalog offered for selection.
	Models []string
}

var providers = map[string]Provider{
	"openai": {
		ID: "openai", Namespace: "openai", EnvVar: "OPENAI_API_KEY", DefaultModel: "gpt-4o",
		Models: []string{"gpt-4o", "gpt-4o-mini", "gpt-4-turbo", "gpt-3.5-turbo"},
	},
	"anthropic": {
		ID: "anthropic", Namespace: "anthropic", EnvVar: "ANTHROPIC_API_KEY", DefaultModel: "claude-3-5-sonnet-20240620",
		Models: []string{"claude-3-5-sonnet-20240620", "claude-3-opus-20240229", "claude-3-sonnet-20240229", "claude-3-haiku-20240307"},
	},
	"gemini": {
		ID: "gemini", Namespace: "google", EnvVar: "GEMINI_API_KEY", DefaultModel: "gemini-1.5-pro",
		Models: []string{"gemini-1.5-pro", "gemini-1.5-flash", "gemini-1.0-pro"},
	},
	"groq": {
		ID: "groq", Namespace: "groq", EnvVar: "GROQ_API_KEY", DefaultModel: "llama3-70b-8192",
		Models: []string{"llama3-70b-8192", "llama3-8b-8192", "mixtral-8x7b-32768"},
	},
	"openrouter": {
		ID: "openrouter", Namespace: "openrouter", EnvVar: "OPENROUTER_API_KEY", DefaultModel: "anthropic/claude-3.5-sonnet",
		Models: []string{"anthropic/claude-3.5-sonnet", "openai/gpt-4o", "meta-llama/llama-3.1-405b-instruct", "google/gemini-pro-1.5"},
	},
}

// ResolveProvider looks up a provider by public id. Unknown ids resolve to a
// provider whose namespace is the id itself and whose key variable is derived
// from it; ok reports whether the id was known.
func ResolveProvider(id string) (Provider, bool) {
	id = strings.ToLower(strings.TrimSpace(id))
	if id == "" {
		id = "openai"
	}
	if p, ok := providers[id]; ok {
		p.Models = append([]string(nil), p.Models...)
		return p, true
	}
	return Provider{
		ID:        id,
		Namespace: id,
		EnvVar:    strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(id)) + "_API_KEY",
		Models:    []string{"default"},
	}, false
}

// ModelCatalog returns the selectable model catalog for a provider.
func ModelCatalog(id string) []string {
	p, _ := ResolveProvider(id)
	return p.Models
}

// KnownProviders lists the public ids in the lookup table.
func KnownProviders() []string {
	return []string{"openai", "anthropic", "gemini", "groq", "openrouter"}
}

// FullModelID qualifies model with the provider namespace unless it already
// carries one. An empty model selects the provider default.
func FullModelID(p Provider, model string) string {
	model = strings.TrimSpace(model)
	if model == "" {
		model = p.DefaultModel
	}
	if model == "" {
		return ""
	}
	if strings.HasPrefix(model, p.Namespace+"/") {
		return model
	}
	// openrouter catalog ids are vendor/model and still route through openrouter.
	if strings.Contains(model, "/") && p.ID != "openrouter" {
		return model
	}
	return p.Namespace + "/" + model
}
