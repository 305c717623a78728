package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"github.com/clawup/clawup/internal/gatewaycfg"
	"github.com/clawup/clawup/internal/models"
)

func newTestSSHCmd(a *app) *cobra.Command {
	var ssh sshFlags
	cmd := &cobra.Command{
		Use:   "test-ssh",
		Short: "Check that the daemon can log in to a host",
		Long: `Connect to the host with the given credentials, run a no-op command
and disconnect. Nothing on the host is changed.

Example:
  clawup test-ssh --host 203.0.113.10 --user ubuntu --key-file ~/.ssh/id_ed25519`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req, err := a.buildRequest(cmd.Context(), cmd, &ssh)
			if err != nil {
				return err
			}
			if req.Host == "" {
				return errors.New("--host or --bundle is required")
			}
			payload := testSSHRequest{
				Host:       req.Host,
				Port:       req.Port,
				Username:   req.Username,
				AuthType:   string(req.AuthType),
				Password:   req.Password,
				PrivateKey: req.PrivateKey,
				Passphrase: req.Passphrase,
			}
			data, err := a.client().doJSON(cmd.Context(), http.MethodPost, "/api/test-ssh", payload)
			if err != nil {
				return err
			}
			return a.printValidation(cmd.OutOrStdout(), data)
		},
	}
	ssh.register(cmd)
	cmd.Flags().String("passphrase", "", "private key passphrase (env CLAWUP_PASSPHRASE)")
	return cmd
}

func newTestKeyCmd(a *app) *cobra.Command {
	var bundle string
	cmd := &cobra.Command{
		Use:   "test-key <ai|telegram|discord>",
		Short: "Check an AI provider key or a bot token",
		Long: `Validate a credential against its service without provisioning anything.
For AI keys the provider is inferred from the key prefix unless --provider is set.
The key defaults to the matching bundle entry or CLAWUP_KEY.

Examples:
  clawup test-key ai --key "$ANTHROPIC_API_KEY"
  clawup test-key telegram --bundle prod-gateway`,
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"ai", "telegram", "discord"},
		RunE: func(cmd *cobra.Command, args []string) error {
			kind := strings.ToLower(strings.TrimSpace(args[0]))
			provider, _ := cmd.Flags().GetString("provider")
			key := a.secret(cmd, "key")
			if key == "" && bundle != "" {
				var req models.ProvisioningRequest
				loaded, err := a.secretsStore(cmd.ErrOrStderr()).Load(cmd.Context(), bundle)
				if err != nil {
					return err
				}
				loaded.Apply(&req)
				switch kind {
				case "ai":
					key = req.AIKey
					if provider == "" {
						provider = req.AIProvider
					}
				case "telegram":
					key = req.TelegramToken
				case "discord":
					key = req.DiscordToken
				}
			}
			if key == "" {
				return errors.New("--key, CLAWUP_KEY or a bundle entry is required")
			}
			payload := testKeyRequest{Type: kind, Key: key, Provider: strings.TrimSpace(provider)}
			data, err := a.client().doJSON(cmd.Context(), http.MethodPost, "/api/test-key", payload)
			if err != nil {
				return err
			}
			return a.printValidation(cmd.OutOrStdout(), data)
		},
	}
	flags := cmd.Flags()
	flags.String("key", "", "key or token to check (env CLAWUP_KEY)")
	flags.String("provider", "", "AI provider ("+strings.Join(gatewaycfg.KnownProviders(), ", ")+"); inferred from the key when empty")
	flags.StringVar(&bundle, "bundle", "", "credential bundle to read the key from")
	return cmd
}

// printValidation renders a validation response and fails when it reports failure.
func (a *app) printValidation(w io.Writer, data []byte) error {
	var resp validationResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return fmt.Errorf("decode validation response: %w", err)
	}
	if a.jsonOutput() {
		if err := prettyPrintJSON(w, data); err != nil {
			return err
		}
	} else {
		status := "ok"
		if !resp.Success {
			status = "failed"
		}
		fmt.Fprintf(w, "%s: %s\n", status, resp.Message)
		if resp.Provider != "" {
			fmt.Fprintf(w, "provider: %s\n", resp.Provider)
		}
		if len(resp.Models) > 0 {
			fmt.Fprintf(w, "models: %s\n", strings.Join(resp.Models, ", "))
		}
		if resp.HostKey != "" {
			fmt.Fprintf(w, "host key: %s\n", resp.HostKey)
		}
	}
	if !resp.Success {
		return errReported
	}
	return nil
}
