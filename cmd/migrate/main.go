package main

import (
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"github.com/Keyring-Network/keyring-gavryn/orchestrator/internal/config"
	"github.com/Keyring-Network/keyring-gavryn/orchestrator/internal/store/postgres"
)

var (
	loadConfig = config.Load
	migrate    = postgres.Migrate
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Fatal(err)
	}
}

func newRootCmd() *cobra.Command {
	var direction string
	var steps int
	var dsn string

	root := &cobra.Command{
		Use:           "migrate",
		Short:         "Apply the run store schema migrations",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if direction != "up" && direction != "down" {
				return fmt.Errorf("direction must be up or down, got %q", direction)
			}
			if dsn == "" {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				dsn = cfg.PostgresURL
			}
			if err := migrate(dsn, direction, steps); err != nil {
				return fmt.Errorf("migrate %s: %w", direction, err)
			}
			cmd.Printf("migrations applied (%s)\n", direction)
			return nil
		},
	}
	root.Flags().StringVar(&direction, "direction", "up", "up or down")
	root.Flags().IntVar(&steps, "steps", 0, "number of steps (0 = all)")
	root.Flags().StringVar(&dsn, "dsn", "", "postgres url (defaults to POSTGRES_URL)")
	return root
}
