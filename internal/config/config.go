package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds daemon listener settings, storage paths and provisioning policy.
type Config struct {
	ConfigPath        string
	Listen            string
	MetricsListen     string
	DataDir           string
	DBPath            string
	KnownHostsPath    string
	StrictHostKey     bool
	SSHDialTimeout    time.Duration
	LockWaitAttempts  int
	LockWaitInterval  time.Duration
	SettleDelay       time.Duration
	ReadinessAttempts int
	ReadinessInterval time.Duration
	ReadinessMarker   string
	GatewayImage      string
	GatewayPort       int
	TelegramAPIURL    string
	DiscordAPIURL     string
	ProviderAPIURLs   map[string]string
	ValidationTimeout time.Duration
	MaxConcurrentRuns int
	ControlToken      string
	ControlAllowCIDRs []string
	ValidateRateQPS   float64
	ValidateRateBurst int
}

// FileConfig represents supported YAML config overrides.
type FileConfig struct {
	Listen            string            `yaml:"listen"`
	MetricsListen     string            `yaml:"metrics_listen"`
	DataDir           string            `yaml:"data_dir"`
	DBPath            string            `yaml:"db_path"`
	KnownHostsPath    string            `yaml:"known_hosts_path"`
	StrictHostKey     *bool             `yaml:"strict_host_key"`
	SSHDialTimeout    string            `yaml:"ssh_dial_timeout"`
	LockWaitAttempts  int               `yaml:"lock_wait_attempts"`
	LockWaitInterval  string            `yaml:"lock_wait_interval"`
	SettleDelay       string            `yaml:"settle_delay"`
	ReadinessAttempts int               `yaml:"readiness_attempts"`
	ReadinessInterval string            `yaml:"readiness_interval"`
	ReadinessMarker   string            `yaml:"readiness_marker"`
	GatewayImage      string            `yaml:"gateway_image"`
	GatewayPort       int               `yaml:"gateway_port"`
	TelegramAPIURL    string            `yaml:"telegram_api_url"`
	DiscordAPIURL     string            `yaml:"discord_api_url"`
	ProviderAPIURLs   map[string]string `yaml:"provider_api_urls"`
	ValidationTimeout string            `yaml:"validation_timeout"`
	MaxConcurrentRuns int               `yaml:"max_concurrent_runs"`
	ControlToken      string            `yaml:"control_token"`
	ControlAllowCIDRs []string          `yaml:"control_allow_cidrs"`
	ValidateRateQPS   *float64          `yaml:"validate_rate_qps"`
	ValidateRateBurst *int              `yaml:"validate_rate_burst"`
}

func DefaultConfig() Config {
	dataDir := "/var/lib/clawup"
	return Config{
		ConfigPath:        "/etc/clawup/config.yaml",
		Listen:            "127.0.0.1:8790",
		DataDir:           dataDir,
		DBPath:            filepath.Join(dataDir, "clawup.db"),
		KnownHostsPath:    filepath.Join(dataDir, "known_hosts"),
		SSHDialTimeout:    15 * time.Second,
		LockWaitAttempts:  5,
		LockWaitInterval:  5 * time.Second,
		SettleDelay:       5 * time.Second,
		ReadinessAttempts: 15,
		ReadinessInterval: 2 * time.Second,
		ReadinessMarker:   "listening on",
		GatewayImage:      "ghcr.io/openclaw/openclaw:main",
		GatewayPort:       18789,
		TelegramAPIURL:    "https://api.telegram.org",
		DiscordAPIURL:     "https://discord.com",
		ValidationTimeout: 10 * time.Second,
		MaxConcurrentRuns: 4,
		ValidateRateQPS:   1,
		ValidateRateBurst: 5,
	}
}

// Load reads the YAML config file and applies overrides to defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		cfg.ConfigPath = path
	}
	data, err := os.ReadFile(cfg.ConfigPath)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", cfg.ConfigPath, err)
	}
	var fileCfg FileConfig
	if err := yaml.Unmarshal(data, &fileCfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", cfg.ConfigPath, err)
	}
	if err := applyFileConfig(&cfg, fileCfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", cfg.ConfigPath, err)
	}
	if fileCfg.DataDir != "" && fileCfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.DataDir, "clawup.db")
	}
	if fileCfg.DataDir != "" && fileCfg.KnownHostsPath == "" {
		cfg.KnownHostsPath = filepath.Join(cfg.DataDir, "known_hosts")
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyFileConfig(cfg *Config, fileCfg FileConfig) error {
	if fileCfg.Listen != "" {
		cfg.Listen = fileCfg.Listen
	}
	if fileCfg.MetricsListen != "" {
		cfg.MetricsListen = fileCfg.MetricsListen
	}
	if fileCfg.DataDir != "" {
		cfg.DataDir = fileCfg.DataDir
	}
	if fileCfg.DBPath != "" {
		cfg.DBPath = fileCfg.DBPath
	}
	if fileCfg.KnownHostsPath != "" {
		cfg.KnownHostsPath = fileCfg.KnownHostsPath
	}
	if fileCfg.StrictHostKey != nil {
		cfg.StrictHostKey = *fileCfg.StrictHostKey
	}
	if fileCfg.LockWaitAttempts > 0 {
		cfg.LockWaitAttempts = fileCfg.LockWaitAttempts
	}
	if fileCfg.ReadinessAttempts > 0 {
		cfg.ReadinessAttempts = fileCfg.ReadinessAttempts
	}
	if fileCfg.ReadinessMarker != "" {
		cfg.ReadinessMarker = fileCfg.ReadinessMarker
	}
	if fileCfg.GatewayImage != "" {
		cfg.GatewayImage = fileCfg.GatewayImage
	}
	if fileCfg.GatewayPort > 0 {
		cfg.GatewayPort = fileCfg.GatewayPort
	}
	if fileCfg.TelegramAPIURL != "" {
		cfg.TelegramAPIURL = fileCfg.TelegramAPIURL
	}
	if fileCfg.DiscordAPIURL != "" {
		cfg.DiscordAPIURL = fileCfg.DiscordAPIURL
	}
	if len(fileCfg.ProviderAPIURLs) > 0 {
		cfg.ProviderAPIURLs = make(map[string]string, len(fileCfg.ProviderAPIURLs))
		for provider, base := range fileCfg.ProviderAPIURLs {
			cfg.ProviderAPIURLs[strings.ToLower(strings.TrimSpace(provider))] = strings.TrimSpace(base)
		}
	}
	if fileCfg.MaxConcurrentRuns > 0 {
		cfg.MaxConcurrentRuns = fileCfg.MaxConcurrentRuns
	}
	if token := strings.TrimSpace(fileCfg.ControlToken); token != "" {
		cfg.ControlToken = token
	}
	if len(fileCfg.ControlAllowCIDRs) > 0 {
		cfg.ControlAllowCIDRs = append([]string(nil), fileCfg.ControlAllowCIDRs...)
	}
	// Zero disables the validation rate limit, so presence matters here.
	if fileCfg.ValidateRateQPS != nil {
		cfg.ValidateRateQPS = *fileCfg.ValidateRateQPS
	}
	if fileCfg.ValidateRateBurst != nil {
		cfg.ValidateRateBurst = *fileCfg.ValidateRateBurst
	}
	durations := []struct {
		key   string
		value string
		dest  *time.Duration
	}{
		{"ssh_dial_timeout", fileCfg.SSHDialTimeout, &cfg.SSHDialTimeout},
		{"lock_wait_interval", fileCfg.LockWaitInterval, &cfg.LockWaitInterval},
		{"settle_delay", fileCfg.SettleDelay, &cfg.SettleDelay},
		{"readiness_interval", fileCfg.ReadinessInterval, &cfg.ReadinessInterval},
		{"validation_timeout", fileCfg.ValidationTimeout, &cfg.ValidationTimeout},
	}
	for _, d := range durations {
		if strings.TrimSpace(d.value) == "" {
			continue
		}
		parsed, err := time.ParseDuration(strings.TrimSpace(d.value))
		if err != nil {
			return fmt.Errorf("%s: %w", d.key, err)
		}
		*d.dest = parsed
	}
	return nil
}

// Validate performs basic validation without exposing secrets.
func (c Config) Validate() error {
	if c.ConfigPath == "" {
		return fmt.Errorf("config_path is required")
	}
	if c.Listen == "" {
		return fmt.Errorf("listen is required")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	listenHost, _, err := net.SplitHostPort(c.Listen)
	if err != nil {
		return fmt.Errorf("listen must be host:port: %w", err)
	}
	if !isLoopbackHost(listenHost) && strings.TrimSpace(c.ControlToken) == "" {
		return fmt.Errorf("control_token is required when listen is not localhost (got %q)", listenHost)
	}
	for _, cidr := range c.ControlAllowCIDRs {
		if _, _, err := net.ParseCIDR(strings.TrimSpace(cidr)); err != nil {
			return fmt.Errorf("control_allow_cidrs: %w", err)
		}
	}
	if c.ValidateRateQPS < 0 || c.ValidateRateBurst < 0 {
		return fmt.Errorf("validate rate limits must not be negative")
	}
	if strings.TrimSpace(c.MetricsListen) != "" {
		host, _, err := net.SplitHostPort(c.MetricsListen)
		if err != nil {
			return fmt.Errorf("metrics_listen must be host:port: %w", err)
		}
		if !isLoopbackHost(host) {
			return fmt.Errorf("metrics_listen must be localhost-only (got %q)", host)
		}
	}
	if c.StrictHostKey && strings.TrimSpace(c.KnownHostsPath) == "" {
		return fmt.Errorf("known_hosts_path is required when strict_host_key is enabled")
	}
	if c.SSHDialTimeout <= 0 {
		return fmt.Errorf("ssh_dial_timeout must be positive")
	}
	if c.LockWaitAttempts <= 0 {
		return fmt.Errorf("lock_wait_attempts must be positive")
	}
	if c.LockWaitInterval < 0 || c.SettleDelay < 0 || c.ReadinessInterval < 0 {
		return fmt.Errorf("wait intervals must not be negative")
	}
	if c.ReadinessAttempts <= 0 {
		return fmt.Errorf("readiness_attempts must be positive")
	}
	if strings.TrimSpace(c.ReadinessMarker) == "" {
		return fmt.Errorf("readiness_marker is required")
	}
	if strings.TrimSpace(c.GatewayImage) == "" {
		return fmt.Errorf("gateway_image is required")
	}
	if c.GatewayPort <= 0 || c.GatewayPort > 65535 {
		return fmt.Errorf("gateway_port must be between 1 and 65535")
	}
	for key, raw := range map[string]string{"telegram_api_url": c.TelegramAPIURL, "discord_api_url": c.DiscordAPIURL} {
		if err := validateBaseURL(raw); err != nil {
			return fmt.Errorf("%s %w", key, err)
		}
	}
	for provider, raw := range c.ProviderAPIURLs {
		if err := validateBaseURL(raw); err != nil {
			return fmt.Errorf("provider_api_urls.%s %w", provider, err)
		}
	}
	if c.ValidationTimeout <= 0 {
		return fmt.Errorf("validation_timeout must be positive")
	}
	if c.MaxConcurrentRuns <= 0 {
		return fmt.Errorf("max_concurrent_runs must be positive")
	}
	return nil
}

func validateBaseURL(raw string) error {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("is invalid: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("must be an http(s) URL")
	}
	if parsed.Host == "" {
		return fmt.Errorf("must include a host")
	}
	return nil
}

func isLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback()
}
