package main

import (
	"io"
	"log/slog"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/projectchat/chatauth/internal/settings"
)

// Global flags available to all subcommands.
var configFile string

// NewRootCmd creates the root command for chatauthd.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chatauthd",
		Short: "chatauth maintenance tool",
		Long: `chatauthd runs maintenance for the chat authentication core: credential
schema migrations, the expiry sweep, and a refresh rotation load test.

Settings come from --config (YAML) and CHATAUTH_* environment variables.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path (YAML)")

	cmd.AddCommand(NewMigrateCmd())
	cmd.AddCommand(NewSweepCmd())
	cmd.AddCommand(NewLoadtestCmd())

	return cmd
}

func loadSettings() (*settings.Settings, error) {
	s, err := settings.Load(configFile)
	if err != nil {
		return nil, oops.Code("CONFIG_INVALID").With("config", configFile).Wrap(err)
	}
	return s, nil
}

func newLogger(w io.Writer, s *settings.Settings) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: s.LogLevel()}))
}
