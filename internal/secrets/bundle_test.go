package secrets

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"filippo.io/age"

	"github.com/clawup/clawup/internal/models"
)

func TestLoadBundleAge(t *testing.T) {
	t.Parallel()
	tmp := t.TempDir()
	bundle := Bundle{
		Environment: "prod",
		SSH:         SSHBundle{Host: "203.0.113.10", Username: "ubuntu", Password: "pw"},
		AI:          AIBundle{Provider: "anthropic", Key: "sk-ant-test", Model: "claude-3-5-sonnet-20240620"},
		Channels:    ChannelsBundle{Telegram: "123:abc"},
	}
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		t.Fatalf("generate age identity: %v", err)
	}
	var encrypted bytes.Buffer
	if err := Seal(&encrypted, bundle, identity.Recipient()); err != nil {
		t.Fatalf("seal bundle: %v", err)
	}
	if bytes.Contains(encrypted.Bytes(), []byte("sk-ant-test")) {
		t.Fatalf("sealed bundle contains plaintext key")
	}
	if err := osWriteFile(filepath.Join(tmp, "prod.age"), encrypted.Bytes()); err != nil {
		t.Fatalf("write bundle: %v", err)
	}
	keyPath := filepath.Join(tmp, "age.key")
	if err := osWriteFile(keyPath, []byte("# created: test\n"+identity.String()+"\n")); err != nil {
		t.Fatalf("write age key: %v", err)
	}

	store := Store{Dir: tmp, AgeKeyPath: keyPath}
	loaded, err := store.Load(context.Background(), "prod")
	if err != nil {
		t.Fatalf("load bundle: %v", err)
	}
	if loaded.Version != BundleVersion {
		t.Fatalf("version = %d", loaded.Version)
	}
	if loaded.AI.Key != "sk-ant-test" || loaded.SSH.Host != "203.0.113.10" || loaded.Channels.Telegram != "123:abc" {
		t.Fatalf("loaded bundle = %+v", loaded)
	}
}

func TestLoadBundleAgeRequiresKey(t *testing.T) {
	t.Parallel()
	tmp := t.TempDir()
	if err := osWriteFile(filepath.Join(tmp, "prod.age"), []byte("x")); err != nil {
		t.Fatalf("write bundle: %v", err)
	}
	_, err := Store{Dir: tmp}.Load(context.Background(), "prod")
	if err == nil || !strings.Contains(err.Error(), "age key path is required") {
		t.Fatalf("expected age key error, got %v", err)
	}
}

func TestLoadBundleSops(t *testing.T) {
	t.Parallel()
	tmp := t.TempDir()
	plaintext := `version: 1
ssh:
  host: 198.51.100.7
  private_key: KEY
ai:
  key: gsk_test
`
	bundlePath := filepath.Join(tmp, "lab.sops.yaml")
	stub := []byte("ai: ENC[...]\nsops:\n  version: 3.9.0\n")
	if err := osWriteFile(bundlePath, stub); err != nil {
		t.Fatalf("write sops stub: %v", err)
	}
	called := false
	store := Store{
		Dir:        tmp,
		AgeKeyPath: filepath.Join(tmp, "age.key"),
		SopsDecrypt: func(ctx context.Context, path string, env []string) ([]byte, error) {
			called = true
			if !strings.Contains(path, "lab.sops.yaml") {
				return nil, fmt.Errorf("unexpected bundle path: %s", path)
			}
			if len(env) != 1 || !strings.HasPrefix(env[0], "SOPS_AGE_KEY_FILE=") {
				return nil, fmt.Errorf("unexpected env: %v", env)
			}
			return []byte(plaintext), nil
		},
	}
	bundle, err := store.Load(context.Background(), "lab")
	if err != nil {
		t.Fatalf("load sops bundle: %v", err)
	}
	if !called {
		t.Fatalf("expected sops decrypt to be called")
	}
	if bundle.SSH.PrivateKey != "KEY" || bundle.AI.Key != "gsk_test" {
		t.Fatalf("bundle = %+v", bundle)
	}
}

func TestLoadBundlePlaintextGate(t *testing.T) {
	t.Parallel()
	tmp := t.TempDir()
	if err := osWriteFile(filepath.Join(tmp, "dev.yaml"), []byte("version: 1\nai:\n  key: k\n")); err != nil {
		t.Fatalf("write bundle: %v", err)
	}
	if _, err := (Store{Dir: tmp}).Load(context.Background(), "dev"); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected not found without plaintext, got %v", err)
	}
	if _, err := (Store{Dir: tmp}).Load(context.Background(), "dev.yaml"); err == nil || !strings.Contains(err.Error(), "not encrypted") {
		t.Fatalf("expected not encrypted error, got %v", err)
	}
	bundle, err := Store{Dir: tmp, AllowPlaintext: true}.Load(context.Background(), "dev")
	if err != nil {
		t.Fatalf("load plaintext: %v", err)
	}
	if bundle.AI.Key != "k" {
		t.Fatalf("ai key = %q", bundle.AI.Key)
	}
}

func TestLoadBundleRejectsVersion(t *testing.T) {
	t.Parallel()
	tmp := t.TempDir()
	if err := osWriteFile(filepath.Join(tmp, "dev.yaml"), []byte("version: 2\n")); err != nil {
		t.Fatalf("write bundle: %v", err)
	}
	_, err := Store{Dir: tmp, AllowPlaintext: true}.Load(context.Background(), "dev")
	if err == nil || !strings.Contains(err.Error(), "unsupported bundle version 2") {
		t.Fatalf("expected version error, got %v", err)
	}
}

func TestApplyKeepsExplicitValues(t *testing.T) {
	t.Parallel()
	bundle := Bundle{
		Environment: "prod",
		SSH:         SSHBundle{Host: "bundle-host", Port: 2222, Username: "deploy", PrivateKey: "KEY", Passphrase: "pp"},
		AI:          AIBundle{Provider: "groq", Key: "gsk_bundle", Model: "mixtral-8x7b-32768"},
		Channels:    ChannelsBundle{Telegram: "tg", Discord: "dc"},
	}
	req := models.ProvisioningRequest{Host: "flag-host", AIKey: "gsk_flag"}

	bundle.Apply(&req)

	if req.Host != "flag-host" || req.AIKey != "gsk_flag" {
		t.Fatalf("explicit values overwritten: %+v", req)
	}
	if req.Port != 2222 || req.Username != "deploy" || req.Environment != "prod" {
		t.Fatalf("ssh defaults not applied: %+v", req)
	}
	if req.PrivateKey != "KEY" || req.Passphrase != "pp" || req.AuthType != models.AuthKey {
		t.Fatalf("key credentials not applied: %+v", req)
	}
	if req.AIProvider != "groq" || req.AIModel != "mixtral-8x7b-32768" || req.TelegramToken != "tg" || req.DiscordToken != "dc" {
		t.Fatalf("ai/channel values not applied: %+v", req)
	}
}

func TestApplyDoesNotMixCredentials(t *testing.T) {
	t.Parallel()
	bundle := Bundle{SSH: SSHBundle{PrivateKey: "KEY"}}
	req := models.ProvisioningRequest{Password: "typed"}
	bundle.Apply(&req)
	if req.PrivateKey != "" || req.Password != "typed" {
		t.Fatalf("credentials mixed: %+v", req)
	}
	bundle.Apply(nil)
}

func TestParseRecipients(t *testing.T) {
	t.Parallel()
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		t.Fatalf("generate age identity: %v", err)
	}
	recipients, err := ParseRecipients([]string{"", identity.Recipient().String()})
	if err != nil || len(recipients) != 1 {
		t.Fatalf("parse recipients = %v, %v", recipients, err)
	}
	if _, err := ParseRecipients([]string{"age1nope"}); err == nil {
		t.Fatalf("expected parse error")
	}
	if _, err := ParseRecipients(nil); err == nil {
		t.Fatalf("expected missing recipient error")
	}
}

func TestSopsPathRejectsRelative(t *testing.T) {
	t.Parallel()
	store := Store{SopsPath: "bin/sops"}
	if _, err := store.sopsPath(); err == nil || !strings.Contains(err.Error(), "absolute") {
		t.Fatalf("expected absolute path error, got %v", err)
	}
}

func TestSopsPathRejectsWhitespace(t *testing.T) {
	t.Parallel()
	store := Store{SopsPath: "/usr/bin/sops -d"}
	if _, err := store.sopsPath(); err == nil || !strings.Contains(err.Error(), "whitespace") {
		t.Fatalf("expected whitespace error, got %v", err)
	}
}

func TestSopsPathAllowlist(t *testing.T) {
	t.Parallel()
	tmp := t.TempDir()
	binPath := filepath.Join(tmp, "sops")
	if err := os.WriteFile(binPath, []byte("#!/bin/sh\n"), 0o700); err != nil {
		t.Fatalf("write sops stub: %v", err)
	}
	store := Store{SopsPath: binPath, SopsAllowlist: []string{binPath}}
	resolved, err := store.sopsPath()
	if err != nil {
		t.Fatalf("expected allowlisted path, got %v", err)
	}
	if resolved != binPath {
		t.Fatalf("resolved path = %q, want %q", resolved, binPath)
	}
}

func TestSopsPathRejectsUnlisted(t *testing.T) {
	t.Parallel()
	store := Store{SopsPath: filepath.Join(t.TempDir(), "sops")}
	if _, err := store.sopsPath(); err == nil || !strings.Contains(err.Error(), "allowlist") {
		t.Fatalf("expected allowlist error, got %v", err)
	}
}

func osWriteFile(path string, data []byte) error {
	return os.WriteFile(path, data, 0o600)
}
