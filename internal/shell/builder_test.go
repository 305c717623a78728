package shell

import (
	"encoding/base64"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clawup/clawup/internal/models"
)

var payloadRE = regexp.MustCompile(`printf '%s' '?([A-Za-z0-9+/=]+)'? \| base64 -d`)

// lastPayload decodes the last base64 payload embedded in cmd.
func lastPayload(t *testing.T, cmd string) string {
	t.Helper()
	matches := payloadRE.FindAllStringSubmatch(cmd, -1)
	require.NotEmpty(t, matches, "no payload in %q", cmd)
	raw, err := base64.StdEncoding.DecodeString(matches[len(matches)-1][1])
	require.NoError(t, err)
	return string(raw)
}

func TestPrivilegedRootRunsDirectly(t *testing.T) {
	b := Builder{AuthType: models.AuthPassword, Username: "root", Password: "pw"}
	cmd, err := b.Privileged("whoami")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(cmd, "bash -c "), cmd)
	assert.NotContains(t, cmd, "sudo")
	assert.Equal(t, "whoami", lastPayload(t, cmd))
}

func TestPrivilegedKeyAuthUsesNonInteractiveSudo(t *testing.T) {
	b := Builder{AuthType: models.AuthKey, Username: "ubuntu"}
	cmd, err := b.Privileged("apt-get update")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(cmd, "sudo -n bash -c "), cmd)
	assert.Equal(t, "apt-get update", lastPayload(t, cmd))
}

func TestPrivilegedPasswordAuthRequiresPassword(t *testing.T) {
	b := Builder{AuthType: models.AuthPassword, Username: "ubuntu"}
	_, err := b.Privileged("true")
	assert.ErrorIs(t, err, ErrPasswordRequired)
}

func TestPrivilegedPasswordNeverAppearsInClear(t *testing.T) {
	password := `p"a$s'w d`
	b := Builder{AuthType: models.AuthPassword, Username: "ubuntu", Password: password}
	cmd, err := b.Privileged("docker compose up -d")
	require.NoError(t, err)
	assert.NotContains(t, cmd, password)
	assert.Contains(t, cmd, "sudo -S -p ''")
}

func TestPrivilegedPasswordReachesSudoVerbatim(t *testing.T) {
	for _, bin := range []string{"sh", "bash", "base64"} {
		if _, err := exec.LookPath(bin); err != nil {
			t.Skipf("%s not available", bin)
		}
	}
	dir := t.TempDir()
	capture := filepath.Join(dir, "captured")
	marker := filepath.Join(dir, "ran")
	stub := filepath.Join(dir, "fakesudo")
	script := "#!/bin/sh\n" +
		"IFS= read -r pw\n" +
		"printf '%s' \"$pw\" > \"$CAPTURE\"\n" +
		"while [ $# -gt 0 ] && [ \"$1\" != bash ]; do shift; done\n" +
		"exec \"$@\"\n"
	require.NoError(t, os.WriteFile(stub, []byte(script), 0o755))

	password := `pa"ss$word 'x` + "`id`"
	b := Builder{AuthType: models.AuthPassword, Username: "ubuntu", Password: password, SudoPath: stub}
	cmd, err := b.Privileged("echo ok > " + Quote(marker))
	require.NoError(t, err)

	run := exec.Command("sh", "-c", cmd)
	run.Env = append(os.Environ(), "CAPTURE="+capture)
	out, err := run.CombinedOutput()
	require.NoError(t, err, string(out))

	got, err := os.ReadFile(capture)
	require.NoError(t, err)
	assert.Equal(t, password, string(got))
	ran, err := os.ReadFile(marker)
	require.NoError(t, err)
	assert.Equal(t, "ok\n", string(ran))
}

func TestPlainRunsAsLoginUser(t *testing.T) {
	cmd := Builder{Username: "ubuntu"}.Plain("echo hi")
	assert.NotContains(t, cmd, "sudo")
	assert.Equal(t, "echo hi", lastPayload(t, cmd))
}

func TestQuote(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", "''"},
		{"gateway.auth.token", "gateway.auth.token"},
		{"/home/u/.openclaw", "/home/u/.openclaw"},
		{"a b", "'a b'"},
		{"it's", `'it'\''s'`},
		{"$HOME", "'$HOME'"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Quote(tt.in), tt.in)
	}
}

func TestScrubSudoPrompt(t *testing.T) {
	in := "[sudo] password for ubuntu: Docker version 27.0.1"
	assert.Equal(t, "Docker version 27.0.1", ScrubSudoPrompt(in))
	assert.Equal(t, "plain", ScrubSudoPrompt("plain"))
	assert.True(t, IsSudoPrompt("[sudo] Password for ubuntu: "))
	assert.False(t, IsSudoPrompt("Setting up docker-ce"))
}
