package cli

import (
	"context"
	"strings"

	"github.com/spf13/cobra"

	"github.com/canonica-labs/dbtester/internal/errors"
	"github.com/canonica-labs/dbtester/internal/storage"
)

func (c *CLI) newMigrateCmd() *cobra.Command {
	var status bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending store migrations",
		Long: `Apply pending schema migrations to the configured store, or list them
with --status. The in-memory store has no schema.`,
		Args: exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runMigrate(commandContext(cmd), status)
		},
	}

	cmd.Flags().BoolVar(&status, "status", false, "list migrations without applying them")

	return cmd
}

func (c *CLI) runMigrate(ctx context.Context, statusOnly bool) error {
	if strings.EqualFold(c.cfg.Store.Driver, "memory") {
		return errors.NewConfigurationError("store.driver", "the memory store has no migrations")
	}

	db, err := storage.Open(ctx, c.cfg.StoreOptions())
	if err != nil {
		return err
	}
	defer db.Close()

	runner := storage.NewMigrationRunner(db)
	if statusOnly {
		all, err := runner.Status(ctx)
		if err != nil {
			return err
		}
		if c.jsonOutput {
			type row struct {
				Version string `json:"version"`
				Name    string `json:"name"`
				Applied bool   `json:"applied"`
			}
			rows := make([]row, len(all))
			for i, m := range all {
				rows[i] = row{Version: m.Version, Name: m.Name, Applied: m.Applied}
			}
			return c.outputJSON(rows)
		}
		for _, m := range all {
			state := "pending"
			if m.Applied {
				state = "applied"
			}
			c.printf("%-8s %s\n", state, m.Name)
		}
		return nil
	}

	applied, err := runner.Run(ctx)
	if err != nil {
		return err
	}
	if c.jsonOutput {
		if applied == nil {
			applied = []string{}
		}
		return c.outputJSON(map[string]interface{}{"applied": applied})
	}
	if len(applied) == 0 {
		c.println("✓ Store is up to date")
		return nil
	}
	for _, name := range applied {
		c.printf("✓ Applied %s\n", name)
	}
	return nil
}
