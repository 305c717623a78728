package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/clawup/clawup/internal/secrets"
)

func newBundleCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bundle",
		Short: "Manage encrypted credential bundles",
	}
	cmd.AddCommand(newBundleSealCmd(), newBundleShowCmd(a))
	return cmd
}

func newBundleSealCmd() *cobra.Command {
	var recipients []string
	var in, out string
	cmd := &cobra.Command{
		Use:   "seal",
		Short: "Encrypt a plaintext YAML bundle with age",
		Long: `Read a plaintext bundle (YAML) and write it encrypted to age recipients.

Example:
  clawup bundle seal --recipient age1... --in prod.yaml --out ~/.config/clawup/secrets/prod.age
  shred -u prod.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			parsed, err := secrets.ParseRecipients(recipients)
			if err != nil {
				return err
			}
			var src io.Reader = cmd.InOrStdin()
			if in != "" && in != "-" {
				f, err := os.Open(in)
				if err != nil {
					return fmt.Errorf("open bundle: %w", err)
				}
				defer f.Close()
				src = f
			}
			data, err := io.ReadAll(src)
			if err != nil {
				return fmt.Errorf("read bundle: %w", err)
			}
			var bundle secrets.Bundle
			if err := yaml.Unmarshal(data, &bundle); err != nil {
				return fmt.Errorf("parse bundle: %w", err)
			}
			if bundle.SSH.Host == "" && bundle.AI.Key == "" && bundle.Channels.Telegram == "" && bundle.Channels.Discord == "" {
				return errors.New("bundle has no credentials")
			}
			var sealed bytes.Buffer
			if err := secrets.Seal(&sealed, bundle, parsed...); err != nil {
				return err
			}
			if out == "" || out == "-" {
				_, err := cmd.OutOrStdout().Write(sealed.Bytes())
				return err
			}
			if err := os.WriteFile(out, sealed.Bytes(), 0o600); err != nil {
				return fmt.Errorf("write sealed bundle: %w", err)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "sealed bundle written to %s\n", out)
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringSliceVar(&recipients, "recipient", nil, "age recipient public key (repeatable)")
	flags.StringVar(&in, "in", "-", "plaintext bundle file, - for stdin")
	flags.StringVar(&out, "out", "-", "output file, - for stdout")
	return cmd
}

func newBundleShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show <name>",
		Short: "Decrypt a bundle and print which fields it sets, without values",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bundle, err := a.secretsStore(cmd.ErrOrStderr()).Load(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "version:     %d\n", bundle.Version)
			fmt.Fprintf(w, "environment: %s\n", dash(bundle.Environment))
			fmt.Fprintf(w, "ssh:         %s\n", dash(sshTarget(bundle.SSH)))
			fmt.Fprintf(w, "ssh auth:    %s\n", present(map[string]string{"password": bundle.SSH.Password, "private_key": bundle.SSH.PrivateKey}))
			fmt.Fprintf(w, "ai:          %s %s\n", dash(bundle.AI.Provider), present(map[string]string{"key": bundle.AI.Key}))
			fmt.Fprintf(w, "channels:    %s\n", present(map[string]string{"telegram": bundle.Channels.Telegram, "discord": bundle.Channels.Discord}))
			return nil
		},
	}
}

func sshTarget(ssh secrets.SSHBundle) string {
	if ssh.Host == "" {
		return ""
	}
	target := ssh.Host
	if ssh.Username != "" {
		target = ssh.Username + "@" + target
	}
	if ssh.Port != 0 {
		target = fmt.Sprintf("%s:%d", target, ssh.Port)
	}
	return target
}

// present lists the names of non-empty values in a stable order.
func present(values map[string]string) string {
	var names []string
	for _, name := range []string{"password", "private_key", "key", "telegram", "discord"} {
		if value, ok := values[name]; ok && strings.TrimSpace(value) != "" {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return "(none)"
	}
	return "[" + strings.Join(names, ", ") + "]"
}
