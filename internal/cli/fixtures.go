package cli

import (
	"context"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/canonica-labs/dbtester/internal/errors"
	"github.com/canonica-labs/dbtester/internal/fixtures"
	"github.com/canonica-labs/dbtester/internal/vault"
)

const defaultFixtureFile = "fixtures.yaml"

func (c *CLI) newFixturesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fixtures",
		Short: "Load connections, test users and workflows from YAML",
		Long: `Manage fixture files declaring target connections, test users and
workflows.

Commands:
  init     - Generate an example fixture file
  validate - Validate a fixture file
  apply    - Write a fixture file to the store`,
	}

	cmd.AddCommand(c.newFixturesInitCmd())
	cmd.AddCommand(c.newFixturesValidateCmd())
	cmd.AddCommand(c.newFixturesApplyCmd())

	return cmd
}

func (c *CLI) newFixturesInitCmd() *cobra.Command {
	var outputDir string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Generate an example fixture file",
		Long: `Generate an example fixture file. The store is not touched; only a
template file is created.`,
		Args: exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runFixturesInit(outputDir)
		},
	}

	cmd.Flags().StringVarP(&outputDir, "output", "o", ".", "output directory for the fixture file")

	return cmd
}

func (c *CLI) runFixturesInit(outputDir string) error {
	path, err := fixtures.Init(outputDir)
	if err != nil {
		return errors.NewValidation("output", err.Error())
	}

	absPath, _ := filepath.Abs(path)
	if c.jsonOutput {
		return c.outputJSON(map[string]interface{}{
			"status": "created",
			"path":   absPath,
		})
	}

	c.printf("✓ Fixture file created: %s\n", absPath)
	c.println("\nNext steps:")
	c.println("  1. Edit the file to describe your connections and test users")
	c.println("  2. Run 'dbtester fixtures validate' to check it")
	c.println("  3. Run 'dbtester fixtures apply' to write it to the store")
	return nil
}

func (c *CLI) newFixturesValidateCmd() *cobra.Command {
	var path string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a fixture file",
		Long: `Validate a fixture file without writing anything.

This command:
  - Rejects unknown fields
  - Checks every connection, user and workflow definition
  - Checks user and workflow connection references`,
		Args: exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := c.loadFixtures(path)
			if err != nil {
				return err
			}
			if c.jsonOutput {
				return c.outputJSON(map[string]interface{}{
					"status":      "valid",
					"path":        path,
					"connections": len(f.Connections),
					"users":       len(f.Users),
					"workflows":   len(f.Workflows),
				})
			}

			c.printf("✓ Fixture file is valid: %s\n", path)
			c.println("\nSummary:")
			c.printf("  Connections: %d\n", len(f.Connections))
			c.printf("  Users:       %d\n", len(f.Users))
			c.printf("  Workflows:   %d\n", len(f.Workflows))
			return nil
		},
	}

	cmd.Flags().StringVarP(&path, "file", "f", defaultFixtureFile, "fixture file path")

	return cmd
}

func (c *CLI) newFixturesApplyCmd() *cobra.Command {
	var (
		path   string
		dryRun bool
	)

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Write a fixture file to the store",
		Long: `Write every connection, test user and workflow of a fixture file to
the store. Entities with the same id are replaced, so apply is idempotent.

Plaintext credentials are encrypted with the vault key first.`,
		Args: exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runFixturesApply(commandContext(cmd), path, dryRun)
		},
	}

	cmd.Flags().StringVarP(&path, "file", "f", defaultFixtureFile, "fixture file path")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be written without writing")

	return cmd
}

func (c *CLI) runFixturesApply(ctx context.Context, path string, dryRun bool) error {
	f, err := c.loadFixtures(path)
	if err != nil {
		return err
	}

	if dryRun {
		c.println("Dry-run mode: showing what would be applied")
		for _, conn := range f.Connections {
			c.printf("  connection %s\n", conn.ID)
		}
		for _, u := range f.Users {
			c.printf("  user       %s\n", u.ID)
		}
		for _, wf := range f.Workflows {
			c.printf("  workflow   %s\n", wf.ID)
		}
		c.println("\nNo changes were made.")
		return nil
	}

	rt, err := c.openRuntime(ctx, f.NeedsVault())
	if err != nil {
		return err
	}
	defer rt.Close()

	var cipher vault.Cipher
	if rt.vault != nil {
		cipher = rt.vault
	}
	res, err := f.Apply(ctx, rt.repo, cipher)
	if err != nil {
		return err
	}

	if c.jsonOutput {
		return c.outputJSON(map[string]interface{}{
			"status":      "applied",
			"path":        path,
			"connections": res.Connections,
			"users":       res.Users,
			"workflows":   res.Workflows,
		})
	}
	c.printf("✓ Applied %s: %d connections, %d users, %d workflows\n",
		path, res.Connections, res.Users, res.Workflows)
	return nil
}

func (c *CLI) loadFixtures(path string) (*fixtures.File, error) {
	c.debugf("Loading fixtures: %s\n", path)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, &errors.TesterError{
			Code:       errors.CodeValidation,
			Message:    "fixture file not found: " + path,
			Reason:     "the file does not exist",
			Suggestion: "run 'dbtester fixtures init' to create one",
		}
	}

	f, err := fixtures.LoadFile(path)
	if err != nil {
		return nil, err
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}
