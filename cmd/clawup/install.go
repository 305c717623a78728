package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/clawup/clawup/internal/gatewaycfg"
	"github.com/clawup/clawup/internal/models"
)

// sshFlags collects how to reach the target host.
type sshFlags struct {
	bundle      string
	host        string
	port        int
	user        string
	keyFile     string
	askPassword bool
}

func (f *sshFlags) register(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringVar(&f.bundle, "bundle", "", "credential bundle name or path")
	flags.StringVar(&f.host, "host", "", "target host name or address")
	flags.IntVar(&f.port, "port", 0, "SSH port (default 22)")
	flags.StringVar(&f.user, "user", "", "SSH user (default root)")
	flags.StringVar(&f.keyFile, "key-file", "", "private key file for key authentication")
	flags.BoolVar(&f.askPassword, "ask-password", false, "prompt for the SSH password")
}

// buildRequest merges flags, prompts, and the optional bundle into a request.
// Flags win over bundle values.
func (a *app) buildRequest(ctx context.Context, cmd *cobra.Command, f *sshFlags) (models.ProvisioningRequest, error) {
	req := models.ProvisioningRequest{
		Host:     f.host,
		Port:     f.port,
		Username: f.user,
	}
	if env, err := cmd.Flags().GetString("environment"); err == nil {
		req.Environment = env
	}
	if f.keyFile != "" {
		data, err := os.ReadFile(f.keyFile)
		if err != nil {
			return req, fmt.Errorf("read key file: %w", err)
		}
		req.AuthType = models.AuthKey
		req.PrivateKey = string(data)
		req.Passphrase = a.secret(cmd, "passphrase")
	}
	if f.askPassword {
		password, err := a.promptSecret(cmd, "SSH password: ")
		if err != nil {
			return req, err
		}
		req.AuthType = models.AuthPassword
		req.Password = password
	}
	if f.bundle != "" {
		bundle, err := a.secretsStore(cmd.ErrOrStderr()).Load(ctx, f.bundle)
		if err != nil {
			return req, err
		}
		bundle.Apply(&req)
	}
	req.Normalize()
	return req, nil
}

func newInstallCmd(a *app) *cobra.Command {
	var ssh sshFlags
	cmd := &cobra.Command{
		Use:   "install",
		Short: "Provision the gateway onto a host and stream progress",
		Long: `Install Docker and the OpenClaw gateway on the target host.

Progress is streamed as "[ 42%] message" lines. The command exits non-zero
when the run fails. Secrets can come from flags, CLAWUP_* variables
(CLAWUP_AI_KEY, CLAWUP_TELEGRAM_TOKEN, CLAWUP_DISCORD_TOKEN) or a bundle.

Examples:
  clawup install --bundle prod-gateway
  clawup install --host 203.0.113.10 --user ubuntu --ask-password \
    --provider anthropic --telegram-token "$TELEGRAM_TOKEN"`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			req, err := a.buildRequest(ctx, cmd, &ssh)
			if err != nil {
				return err
			}
			provider, _ := cmd.Flags().GetString("provider")
			model, _ := cmd.Flags().GetString("model")
			if strings.TrimSpace(provider) != "" {
				req.AIProvider = provider
			}
			if strings.TrimSpace(model) != "" {
				req.AIModel = model
			}
			if key := a.secret(cmd, "ai-key"); key != "" {
				req.AIKey = key
			}
			if token := a.secret(cmd, "telegram-token"); token != "" {
				req.TelegramToken = token
			}
			if token := a.secret(cmd, "discord-token"); token != "" {
				req.DiscordToken = token
			}
			req.Normalize()
			if err := req.Validate(); err != nil {
				return err
			}
			if a.jsonOutput() {
				return a.installBatch(cmd, req)
			}
			return a.installStream(cmd, req)
		},
	}
	ssh.register(cmd)
	flags := cmd.Flags()
	flags.String("environment", "", "label recorded with the run")
	flags.String("provider", "", "AI provider ("+strings.Join(gatewaycfg.KnownProviders(), ", ")+")")
	flags.String("model", "", "AI model (provider default when empty)")
	flags.String("ai-key", "", "AI provider API key (env CLAWUP_AI_KEY)")
	flags.String("telegram-token", "", "Telegram bot token (env CLAWUP_TELEGRAM_TOKEN)")
	flags.String("discord-token", "", "Discord bot token (env CLAWUP_DISCORD_TOKEN)")
	flags.String("passphrase", "", "private key passphrase (env CLAWUP_PASSPHRASE)")
	return cmd
}

func (a *app) installStream(cmd *cobra.Command, req models.ProvisioningRequest) error {
	out := cmd.OutOrStdout()
	color, width := a.terminalOutput(out)
	r := newRenderer(out, color, width)
	runID, last, err := a.client().streamInstall(cmd.Context(), req, r.event)
	if runID != "" {
		fmt.Fprintf(cmd.ErrOrStderr(), "run %s\n", runID)
	}
	if err != nil {
		return err
	}
	if failed(last) {
		return errReported
	}
	r.summary(last)
	return nil
}

type installBatchResponse struct {
	Success bool   `json:"success"`
	RunID   string `json:"run_id"`
}

func (a *app) installBatch(cmd *cobra.Command, req models.ProvisioningRequest) error {
	client := a.client()
	client.timeout = 0
	data, err := client.doJSON(cmd.Context(), http.MethodPost, "/api/install?stream=false", req)
	if err != nil {
		return err
	}
	if err := prettyPrintJSON(cmd.OutOrStdout(), data); err != nil {
		return err
	}
	var resp installBatchResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return fmt.Errorf("decode install response: %w", err)
	}
	if !resp.Success {
		return errReported
	}
	return nil
}
