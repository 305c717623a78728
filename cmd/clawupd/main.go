package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/clawup/clawup/internal/buildinfo"
	"github.com/clawup/clawup/internal/config"
	"github.com/clawup/clawup/internal/daemon"
)

// runDaemon is replaced in tests.
var runDaemon = daemon.Run

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "clawupd:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:           "clawupd",
		Short:         "Serve the clawup provisioning API",
		Version:       buildinfo.String(),
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(v.GetString("config"))
			if err != nil {
				return err
			}
			if listen := strings.TrimSpace(v.GetString("listen")); listen != "" {
				cfg.Listen = listen
				if err := cfg.Validate(); err != nil {
					return err
				}
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			log.Printf("clawupd: %s listening on %s", buildinfo.Version, cfg.Listen)
			if err := runDaemon(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	cmd.SetVersionTemplate("{{.Version}}\n")

	flags := cmd.Flags()
	flags.String("config", "", "path to config file (env CLAWUP_CONFIG)")
	flags.String("listen", "", "override the API listen address (env CLAWUP_LISTEN)")
	_ = v.BindPFlag("config", flags.Lookup("config"))
	_ = v.BindPFlag("listen", flags.Lookup("listen"))
	v.SetEnvPrefix("CLAWUP")
	v.AutomaticEnv()
	return cmd
}

// loadConfig reads path, or the default config path when path is empty.
// A missing default file means built-in defaults; a missing explicit file is an error.
func loadConfig(path string) (config.Config, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = config.DefaultConfig().ConfigPath
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			cfg := config.DefaultConfig()
			return cfg, cfg.Validate()
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}
	warning, err := config.CheckPrivateFile("config", cfg.ConfigPath)
	if err != nil {
		if cfg.ControlToken != "" {
			return cfg, err
		}
		log.Printf("clawupd: %v", err)
	}
	if warning != "" {
		log.Printf("clawupd: %s", warning)
	}
	return cfg, nil
}
