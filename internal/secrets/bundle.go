// Package secrets loads encrypted credential bundles for the clawup CLI.
//
// A bundle holds the SSH, AI provider and messaging credentials of one target
// host so they do not have to be typed on the command line. Supported forms:
//
//   - age encryption (default)
//   - sops encryption (optional, requires the sops binary)
//   - plaintext YAML/JSON, only when explicitly allowed
//
// Bundles are decrypted in memory and never written to disk in plaintext.
package secrets

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"

	"filippo.io/age"
	"gopkg.in/yaml.v3"

	"github.com/clawup/clawup/internal/models"
)

const (
	// BundleVersion is the current bundle format version.
	BundleVersion = 1
)

// DefaultSopsAllowlist lists the sops binaries accepted without configuration.
var DefaultSopsAllowlist = []string{"/usr/bin/sops", "/usr/local/bin/sops"}

// Bundle describes decrypted credentials for one target host.
type Bundle struct {
	Version     int            `json:"version" yaml:"version"`
	Environment string         `json:"environment,omitempty" yaml:"environment,omitempty"`
	SSH         SSHBundle      `json:"ssh,omitempty" yaml:"ssh,omitempty"`
	AI          AIBundle       `json:"ai,omitempty" yaml:"ai,omitempty"`
	Channels    ChannelsBundle `json:"channels,omitempty" yaml:"channels,omitempty"`
}

// SSHBundle stores how to reach and log in to the host.
type SSHBundle struct {
	Host       string `json:"host,omitempty" yaml:"host,omitempty"`
	Port       int    `json:"port,omitempty" yaml:"port,omitempty"`
	Username   string `json:"username,omitempty" yaml:"username,omitempty"`
	Password   string `json:"password,omitempty" yaml:"password,omitempty"`
	PrivateKey string `json:"private_key,omitempty" yaml:"private_key,omitempty"`
	Passphrase string `json:"passphrase,omitempty" yaml:"passphrase,omitempty"`
}

// AIBundle stores the model provider credentials.
type AIBundle struct {
	Provider string `json:"provider,omitempty" yaml:"provider,omitempty"`
	Key      string `json:"key,omitempty" yaml:"key,omitempty"`
	Model    string `json:"model,omitempty" yaml:"model,omitempty"`
}

// ChannelsBundle stores messaging bot tokens.
type ChannelsBundle struct {
	Telegram string `json:"telegram,omitempty" yaml:"telegram,omitempty"`
	Discord  string `json:"discord,omitempty" yaml:"discord,omitempty"`
}

// Apply copies bundle values into req for every field req leaves empty.
// Values already present in req win.
func (b Bundle) Apply(req *models.ProvisioningRequest) {
	if req == nil {
		return
	}
	fill(&req.Environment, b.Environment)
	fill(&req.Host, b.SSH.Host)
	fill(&req.Username, b.SSH.Username)
	if req.Port == 0 {
		req.Port = b.SSH.Port
	}
	// Credentials come as a pair; take the bundle's only when req has none.
	if req.Password == "" && req.PrivateKey == "" {
		req.Password = b.SSH.Password
		req.PrivateKey = b.SSH.PrivateKey
		req.Passphrase = b.SSH.Passphrase
		if req.AuthType == "" && b.SSH.PrivateKey != "" && b.SSH.Password == "" {
			req.AuthType = models.AuthKey
		}
	}
	fill(&req.AIProvider, b.AI.Provider)
	fill(&req.AIKey, b.AI.Key)
	fill(&req.AIModel, b.AI.Model)
	fill(&req.TelegramToken, b.Channels.Telegram)
	fill(&req.DiscordToken, b.Channels.Discord)
}

func fill(dst *string, value string) {
	if strings.TrimSpace(*dst) == "" {
		*dst = value
	}
}

// Store locates and decrypts bundles.
type Store struct {
	Dir            string
	AgeKeyPath     string
	SopsPath       string
	SopsAllowlist  []string
	AllowPlaintext bool
	SopsDecrypt    func(ctx context.Context, path string, env []string) ([]byte, error)
}

// Load locates, decrypts, and parses the bundle by name or path.
//
// The name can be a bundle name searched in Dir, or a file path. Without an
// extension the candidates are tried in order: .age, .sops.yaml, .sops.yml,
// .sops.json and, when plaintext is allowed, .yaml, .yml, .json.
func (s Store) Load(ctx context.Context, name string) (Bundle, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Bundle{}, errors.New("bundle name is required")
	}
	path, err := s.resolvePath(name)
	if err != nil {
		return Bundle{}, err
	}
	payload, err := s.decrypt(ctx, path)
	if err != nil {
		return Bundle{}, err
	}
	bundle, err := parseBundle(payload)
	if err != nil {
		return Bundle{}, fmt.Errorf("parse bundle %s: %w", path, err)
	}
	return bundle, nil
}

// Seal writes bundle to w encrypted to the given age recipients.
func Seal(w io.Writer, bundle Bundle, recipients ...age.Recipient) error {
	if len(recipients) == 0 {
		return errors.New("at least one age recipient is required")
	}
	if bundle.Version == 0 {
		bundle.Version = BundleVersion
	}
	payload, err := yaml.Marshal(bundle)
	if err != nil {
		return fmt.Errorf("marshal bundle: %w", err)
	}
	enc, err := age.Encrypt(w, recipients...)
	if err != nil {
		return fmt.Errorf("age encrypt: %w", err)
	}
	if _, err := enc.Write(payload); err != nil {
		return fmt.Errorf("write bundle: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("finish bundle: %w", err)
	}
	return nil
}

// ParseRecipients parses age public keys, one per element.
func ParseRecipients(keys []string) ([]age.Recipient, error) {
	out := make([]age.Recipient, 0, len(keys))
	for _, key := range keys {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		r, err := age.ParseX25519Recipient(key)
		if err != nil {
			return nil, fmt.Errorf("parse age recipient: %w", err)
		}
		out = append(out, r)
	}
	if len(out) == 0 {
		return nil, errors.New("at least one age recipient is required")
	}
	return out, nil
}

func (s Store) resolvePath(name string) (string, error) {
	candidates := []string{}
	if filepath.IsAbs(name) {
		candidates = append(candidates, name)
	} else {
		if s.Dir != "" {
			candidates = append(candidates, filepath.Join(s.Dir, name))
		}
		candidates = append(candidates, name)
	}
	if filepath.Ext(name) != "" {
		for _, candidate := range candidates {
			if fileExists(candidate) {
				return candidate, nil
			}
		}
		return "", fmt.Errorf("bundle %s not found", name)
	}
	for _, candidate := range candidates {
		if path, ok := findBundleFile(candidate, s.AllowPlaintext); ok {
			return path, nil
		}
	}
	return "", fmt.Errorf("bundle %s not found", name)
}

func (s Store) decrypt(ctx context.Context, path string) ([]byte, error) {
	lower := strings.ToLower(filepath.Base(path))
	if strings.HasSuffix(lower, ".age") {
		return decryptAge(path, s.AgeKeyPath)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read bundle %s: %w", path, err)
	}
	if looksLikeSops(lower, data) {
		return s.decryptSops(ctx, path)
	}
	if s.AllowPlaintext {
		return data, nil
	}
	return nil, fmt.Errorf("bundle %s is not encrypted (.age or sops)", path)
}

func (s Store) decryptSops(ctx context.Context, path string) ([]byte, error) {
	if s.SopsDecrypt != nil {
		return s.SopsDecrypt(ctx, path, s.sopsEnv())
	}
	bin, err := s.sopsPath()
	if err != nil {
		return nil, err
	}
	return decryptSops(ctx, bin, path, s.sopsEnv())
}

// sopsPath returns the sops binary to execute. It must be an absolute path
// listed in the allowlist.
func (s Store) sopsPath() (string, error) {
	path := strings.TrimSpace(s.SopsPath)
	if path == "" {
		path = DefaultSopsAllowlist[0]
	}
	if strings.ContainsAny(path, " \t\n") {
		return "", fmt.Errorf("sops path %q must not contain whitespace", path)
	}
	if !filepath.IsAbs(path) {
		return "", fmt.Errorf("sops path %q must be absolute", path)
	}
	allow := s.SopsAllowlist
	if len(allow) == 0 {
		allow = DefaultSopsAllowlist
	}
	if !slices.Contains(allow, filepath.Clean(path)) {
		return "", fmt.Errorf("sops path %q is not in the allowlist", path)
	}
	return path, nil
}

func (s Store) sopsEnv() []string {
	if strings.TrimSpace(s.AgeKeyPath) == "" {
		return nil
	}
	return []string{"SOPS_AGE_KEY_FILE=" + s.AgeKeyPath}
}

func findBundleFile(base string, allowPlain bool) (string, bool) {
	candidates := []string{
		base + ".age",
		base + ".sops.yaml",
		base + ".sops.yml",
		base + ".sops.json",
	}
	if allowPlain {
		candidates = append(candidates,
			base+".yaml",
			base+".yml",
			base+".json",
		)
	}
	for _, candidate := range candidates {
		if fileExists(candidate) {
			return candidate, true
		}
	}
	return "", false
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}

func looksLikeSops(name string, data []byte) bool {
	if strings.Contains(name, ".sops.") || strings.HasSuffix(name, ".sops") {
		return true
	}
	if bytes.Contains(data, []byte("\nsops:")) {
		return true
	}
	return bytes.Contains(data, []byte(`"sops"`))
}

func parseBundle(data []byte) (Bundle, error) {
	var bundle Bundle
	if err := yaml.Unmarshal(data, &bundle); err != nil {
		return Bundle{}, err
	}
	if bundle.Version == 0 {
		bundle.Version = BundleVersion
	}
	if bundle.Version != BundleVersion {
		return Bundle{}, fmt.Errorf("unsupported bundle version %d", bundle.Version)
	}
	return bundle, nil
}

func decryptAge(path, keyPath string) ([]byte, error) {
	if strings.TrimSpace(keyPath) == "" {
		return nil, errors.New("age key path is required for .age bundles")
	}
	keyData, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("read age key %s: %w", keyPath, err)
	}
	identities, err := parseAgeIdentities(keyData)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open bundle %s: %w", path, err)
	}
	defer file.Close()
	reader, err := age.Decrypt(file, identities...)
	if err != nil {
		return nil, fmt.Errorf("decrypt bundle %s: %w", path, err)
	}
	payload, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read bundle %s: %w", path, err)
	}
	return payload, nil
}

func parseAgeIdentities(data []byte) ([]age.Identity, error) {
	var identities []age.Identity
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "AGE-SECRET-KEY-") {
			continue
		}
		identity, err := age.ParseX25519Identity(line)
		if err != nil {
			return nil, fmt.Errorf("parse age identity: %w", err)
		}
		identities = append(identities, identity)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read age key: %w", err)
	}
	if len(identities) == 0 {
		return nil, errors.New("no age identities found")
	}
	return identities, nil
}

func decryptSops(ctx context.Context, sopsPath, bundlePath string, extraEnv []string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, sopsPath, "-d", bundlePath)
	cmd.Env = append(os.Environ(), extraEnv...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("sops decrypt %s: %w: %s", bundlePath, err, msg)
		}
		return nil, fmt.Errorf("sops decrypt %s: %w", bundlePath, err)
	}
	return stdout.Bytes(), nil
}
