package main

import (
	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/projectchat/chatauth/credential/postgres"
	"github.com/projectchat/chatauth/internal/settings"
)

// NewMigrateCmd creates the migrate subcommand.
func NewMigrateCmd() *cobra.Command {
	var down bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the refresh credential schema",
		Long:  `Apply the embedded refresh credential migrations to database.url.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := loadSettings()
			if err != nil {
				return err
			}
			return runMigrate(cmd, s, down)
		},
	}
	cmd.Flags().BoolVar(&down, "down", false, "drop the schema instead of applying it")
	return cmd
}

func runMigrate(cmd *cobra.Command, s *settings.Settings, down bool) error {
	if s.Database.URL == "" {
		return oops.Code("CONFIG_INVALID").Errorf("database.url (CHATAUTH_DATABASE_URL) is required")
	}

	m, err := postgres.NewMigrator(s.Database.URL)
	if err != nil {
		return err
	}
	defer func() { _ = m.Close() }()

	if down {
		cmd.Println("Dropping credential schema...")
		if err := m.Down(); err != nil {
			return err
		}
	} else {
		cmd.Println("Running migrations...")
		if err := m.Up(); err != nil {
			return err
		}
	}

	v, dirty, err := m.Version()
	if err != nil {
		return err
	}
	cmd.Printf("Schema version %d (dirty=%t)\n", v, dirty)
	return nil
}
