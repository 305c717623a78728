package gatewaycfg

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/clawup/clawup/internal/models"
)

const (
	ServiceName   = "openclaw"
	ContainerName = "openclaw-gateway"
	DefaultImage  = "ghcr.io/openclaw/openclaw:main"
	DefaultPort   = 18789

	containerStateDir     = "/home/node/.openclaw"
	containerWorkspaceDir = "/home/node/.openclaw/workspace"
	gatewayCommand        = "node dist/index.js gateway --bind lan --allow-unconfigured"
)

// Compose is the compose descriptor deployed to the target host.
type Compose struct {
	Services map[string]Service `yaml:"services"`
}

type Service struct {
	Image         string   `yaml:"image"`
	ContainerName string   `yaml:"container_name"`
	Restart       string   `yaml:"restart"`
	Command       string   `yaml:"command"`
	Ports         []string `yaml:"ports"`
	Volumes       []string `yaml:"volumes"`
	Environment   []string `yaml:"environment"`
}

// ComposeOptions carries host-specific values for the descriptor.
// StateDir and WorkspaceDir must be absolute paths on the target host.
type ComposeOptions struct {
	Image        string
	Port         int
	StateDir     string
	WorkspaceDir string
}

// NewCompose builds the descriptor for req.
func NewCompose(req models.ProvisioningRequest, opts ComposeOptions) Compose {
	image := opts.Image
	if image == "" {
		image = DefaultImage
	}
	port := opts.Port
	if port <= 0 {
		port = DefaultPort
	}
	env := []string{"NODE_ENV=production"}
	if req.AIKey != "" {
		p, _ := ResolveProvider(req.AIProvider)
		env = append(env, p.EnvVar+"="+req.AIKey)
	}
	if req.TelegramToken != "" {
		env = append(env, "TELEGRAM_TOKEN="+req.TelegramToken)
	}
	if req.DiscordToken != "" {
		env = append(env, "DISCORD_TOKEN="+req.DiscordToken)
	}
	portMap := strconv.Itoa(port) + ":" + strconv.Itoa(DefaultPort)
	return Compose{Services: map[string]Service{
		ServiceName: {
			Image:         image,
			ContainerName: ContainerName,
			Restart:       "always",
			Command:       gatewayCommand,
			Ports:         []string{portMap},
			Volumes: []string{
				opts.StateDir + ":" + containerStateDir,
				opts.WorkspaceDir + ":" + containerWorkspaceDir,
			},
			Environment: env,
		},
	}}
}

// Marshal renders the descriptor as YAML.
func (c Compose) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return nil, fmt.Errorf("marshal compose descriptor: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("marshal compose descriptor: %w", err)
	}
	return buf.Bytes(), nil
}

// ParseCompose decodes a compose descriptor.
func ParseCompose(data []byte) (Compose, error) {
	var c Compose
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Compose{}, fmt.Errorf("parse compose descriptor: %w", err)
	}
	return c, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
