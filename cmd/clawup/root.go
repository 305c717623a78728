package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/clawup/clawup/internal/buildinfo"
	"github.com/clawup/clawup/internal/config"
	"github.com/clawup/clawup/internal/secrets"
)

// errReported marks a failure whose details were already printed.
var errReported = errors.New("command failed")

// app carries process-level dependencies shared by all commands.
type app struct {
	v            *viper.Viper
	stdinFd      int
	isTerminal   func(fd uintptr) bool
	readPassword func(fd int) ([]byte, error)
	termWidth    func(fd int) (int, int, error)
	noColor      bool
}

func newApp() *app {
	return &app{
		v:            viper.New(),
		stdinFd:      int(os.Stdin.Fd()),
		isTerminal:   isatty.IsTerminal,
		readPassword: term.ReadPassword,
		termWidth:    term.GetSize,
		noColor:      os.Getenv("NO_COLOR") != "",
	}
}

func newRootCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clawup",
		Short: "Provision the OpenClaw gateway onto a remote Linux host",
		Long: `clawup drives a clawupd daemon that installs Docker and the OpenClaw
gateway on a remote host over SSH, then reports the gateway URL and token.

Quick start:
  clawup test-ssh --host 203.0.113.10 --user ubuntu --ask-password
  clawup test-key ai --key "$OPENAI_API_KEY"
  clawup install --bundle prod-gateway
  clawup runs list`,
		Version:       buildinfo.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetVersionTemplate("{{.Version}}\n")

	pf := cmd.PersistentFlags()
	pf.String("addr", defaultAddr, "clawupd API address (env CLAWUP_ADDR)")
	pf.String("token", "", "bearer token for clawupd (env CLAWUP_TOKEN)")
	pf.Duration("timeout", defaultRequestTimeout, "timeout for non-streaming requests")
	pf.Bool("json", false, "print raw JSON responses")
	pf.String("secrets-dir", defaultConfigPath("secrets"), "directory holding credential bundles (env CLAWUP_SECRETS_DIR)")
	pf.String("age-key", defaultConfigPath("age.key"), "age identity for .age bundles (env CLAWUP_AGE_KEY)")
	for _, name := range []string{"addr", "token", "timeout", "json", "secrets-dir", "age-key"} {
		_ = a.v.BindPFlag(name, pf.Lookup(name))
	}
	a.v.SetEnvPrefix("CLAWUP")
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()

	cmd.AddCommand(
		newInstallCmd(a),
		newTestSSHCmd(a),
		newTestKeyCmd(a),
		newRunsCmd(a),
		newBundleCmd(a),
		newVersionCmd(),
	)
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the clawup version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), buildinfo.String())
		},
	}
}

func defaultConfigPath(name string) string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "clawup", name)
}

func (a *app) client() *apiClient {
	return newAPIClient(a.v.GetString("addr"), a.v.GetString("token"), a.v.GetDuration("timeout"))
}

func (a *app) jsonOutput() bool {
	return a.v.GetBool("json")
}

// secret returns the named flag, falling back to its CLAWUP_* variable.
func (a *app) secret(cmd *cobra.Command, name string) string {
	if value, err := cmd.Flags().GetString(name); err == nil && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return strings.TrimSpace(a.v.GetString(name))
}

func (a *app) secretsStore(errOut io.Writer) secrets.Store {
	keyPath := strings.TrimSpace(a.v.GetString("age-key"))
	if keyPath != "" {
		if warning, err := config.CheckPrivateFile("age key", keyPath); err == nil && warning != "" {
			fmt.Fprintln(errOut, "warning:", warning)
		}
	}
	return secrets.Store{
		Dir:        strings.TrimSpace(a.v.GetString("secrets-dir")),
		AgeKeyPath: keyPath,
	}
}

// promptSecret reads a value from the terminal without echo.
func (a *app) promptSecret(cmd *cobra.Command, prompt string) (string, error) {
	if !a.isTerminal(uintptr(a.stdinFd)) {
		return "", errors.New("stdin is not a terminal; cannot prompt for a password")
	}
	errOut := cmd.ErrOrStderr()
	fmt.Fprint(errOut, prompt)
	data, err := a.readPassword(a.stdinFd)
	fmt.Fprintln(errOut)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	value := strings.TrimSpace(string(data))
	if value == "" {
		return "", errors.New("password cannot be empty")
	}
	return value, nil
}

// terminalOutput reports whether w is an interactive terminal and its width.
func (a *app) terminalOutput(w io.Writer) (bool, int) {
	f, ok := w.(*os.File)
	if !ok || !a.isTerminal(f.Fd()) {
		return false, 0
	}
	width := 0
	if a.termWidth != nil {
		if cols, _, err := a.termWidth(int(f.Fd())); err == nil {
			width = cols
		}
	}
	return !a.noColor, width
}
