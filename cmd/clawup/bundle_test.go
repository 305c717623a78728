package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"filippo.io/age"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clawup/clawup/internal/secrets"
)

const plainBundle = `environment: prod
ssh:
  host: 203.0.113.10
  username: ubuntu
  password: hunter22
ai:
  provider: anthropic
  key: sk-ant-bundle
channels:
  telegram: "123:abc"
`

func TestBundleSealRoundTrip(t *testing.T) {
	dir := t.TempDir()
	identity, err := age.GenerateX25519Identity()
	require.NoError(t, err)
	keyPath := filepath.Join(dir, "age.key")
	require.NoError(t, os.WriteFile(keyPath, []byte(identity.String()+"\n"), 0o600))
	in := filepath.Join(dir, "prod.yaml")
	require.NoError(t, os.WriteFile(in, []byte(plainBundle), 0o600))
	out := filepath.Join(dir, "prod.age")

	res := runCLI(t, newTestApp(), "bundle", "seal", "--recipient", identity.Recipient().String(), "--in", in, "--out", out)
	require.Equal(t, 0, res.code, res.stderr)
	assert.Contains(t, res.stderr, "sealed bundle written to "+out)

	sealed, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "sk-ant-bundle")
	info, err := os.Stat(out)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err := secrets.Store{Dir: dir, AgeKeyPath: keyPath}.Load(context.Background(), "prod")
	require.NoError(t, err)
	want := secrets.Bundle{
		Version:     secrets.BundleVersion,
		Environment: "prod",
		SSH:         secrets.SSHBundle{Host: "203.0.113.10", Username: "ubuntu", Password: "hunter22"},
		AI:          secrets.AIBundle{Provider: "anthropic", Key: "sk-ant-bundle"},
		Channels:    secrets.ChannelsBundle{Telegram: "123:abc"},
	}
	if diff := cmp.Diff(want, loaded); diff != "" {
		t.Fatalf("loaded bundle mismatch (-want +got):\n%s", diff)
	}

	res = runCLI(t, newTestApp(), "bundle", "show", "prod", "--secrets-dir", dir, "--age-key", keyPath)
	require.Equal(t, 0, res.code, res.stderr)
	assert.Contains(t, res.stdout, "ssh:         ubuntu@203.0.113.10")
	assert.Contains(t, res.stdout, "ssh auth:    [password]")
	assert.Contains(t, res.stdout, "ai:          anthropic [key]")
	assert.Contains(t, res.stdout, "channels:    [telegram]")
	assert.NotContains(t, res.stdout, "hunter22")
	assert.NotContains(t, res.stdout, "sk-ant-bundle")
}

func TestBundleSealFromStdin(t *testing.T) {
	identity, err := age.GenerateX25519Identity()
	require.NoError(t, err)

	a := newTestApp()
	cmd := newRootCmd(a)
	var stdout, stderr strings.Builder
	cmd.SetIn(strings.NewReader(plainBundle))
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs([]string{"bundle", "seal", "--recipient", identity.Recipient().String()})
	require.NoError(t, cmd.Execute())

	assert.True(t, strings.HasPrefix(stdout.String(), "age-encryption.org/v1"))
}

func TestBundleSealErrors(t *testing.T) {
	identity, err := age.GenerateX25519Identity()
	require.NoError(t, err)
	empty := filepath.Join(t.TempDir(), "empty.yaml")
	require.NoError(t, os.WriteFile(empty, []byte("environment: prod\n"), 0o600))

	cases := []struct {
		name string
		args []string
		want string
	}{
		{name: "no recipient", args: []string{"bundle", "seal", "--in", empty}, want: "at least one age recipient is required"},
		{name: "bad recipient", args: []string{"bundle", "seal", "--recipient", "age1nope", "--in", empty}, want: "parse age recipient"},
		{name: "no credentials", args: []string{"bundle", "seal", "--recipient", identity.Recipient().String(), "--in", empty}, want: "bundle has no credentials"},
		{name: "missing input", args: []string{"bundle", "seal", "--recipient", identity.Recipient().String(), "--in", filepath.Join(t.TempDir(), "nope.yaml")}, want: "open bundle"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := runCLI(t, newTestApp(), tc.args...)
			assert.Equal(t, 1, res.code)
			assert.Contains(t, res.stderr, tc.want)
		})
	}
}
