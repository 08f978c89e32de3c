package cli

import (
	"context"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/canonica-labs/dbtester/internal/accounts"
)

func (c *CLI) newConnectionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "connections",
		Aliases: []string{"connection", "conn"},
		Short:   "Check target connections",
		Long: `Check stored target connections.

Commands:
  test  - Open a session with the connection's credentials`,
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "test <connection-id>",
		Short: "Open a session with the connection's credentials",
		Long: `Connect to the target with the stored credentials of a connection and
record the outcome on the connection.

Exits with code 5 when the connection fails.

Examples:
  dbtester connections test warehouse`,
		Args: exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			check, err := withRuntimeResult(c, ctx, true, func(rt *runtime) (*accounts.ConnectionCheck, error) {
				return rt.accounts.TestConnection(ctx, args[0])
			})
			if err != nil {
				return err
			}

			if c.jsonOutput {
				if err := c.outputJSON(check); err != nil {
					return err
				}
			} else if check.IsConnectionValid {
				c.printf("%s %s: %s\n", color.GreenString("✓"), args[0], check.Message)
			} else {
				c.printf("%s %s: %s (%s)\n", color.RedString("✗"), args[0], check.Message, check.Class)
				c.printf("  → %s\n", firstLine(check.ErrorMessage))
			}
			if !check.IsConnectionValid {
				return errUnsuccessful
			}
			return nil
		},
	})

	return cmd
}

func (c *CLI) newUsersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "users",
		Aliases: []string{"user"},
		Short:   "Provision and check test user roles",
		Long: `Manage the login roles of test users on their target.

create, drop and verify run with the credentials of the user's connection.
validate logs in as the test user.

Commands:
  create    - Create the login role and grant the assigned role
  drop      - Drop the login role
  verify    - Check that the login role exists
  validate  - Log in with the test user's credentials

verify and validate exit with code 5 when the check fails.`,
	}

	cmd.AddCommand(c.newUserCmd("create <user-id>", "Create the login role and grant the assigned role",
		(*accounts.Service).CreateUser, func(*accounts.UserCheck) bool { return true }))
	cmd.AddCommand(c.newUserCmd("drop <user-id>", "Drop the login role",
		(*accounts.Service).DropUser, func(*accounts.UserCheck) bool { return true }))
	cmd.AddCommand(c.newUserCmd("verify <user-id>", "Check that the login role exists",
		(*accounts.Service).VerifyUser, func(u *accounts.UserCheck) bool { return u.Exists }))
	cmd.AddCommand(c.newUserCmd("validate <user-id>", "Log in with the test user's credentials",
		(*accounts.Service).ValidateUser, func(u *accounts.UserCheck) bool { return u.Valid }))

	return cmd
}

func (c *CLI) newUserCmd(use, short string, op func(*accounts.Service, context.Context, string) (*accounts.UserCheck, error), passed func(*accounts.UserCheck) bool) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			check, err := withRuntimeResult(c, ctx, true, func(rt *runtime) (*accounts.UserCheck, error) {
				return op(rt.accounts, ctx, args[0])
			})
			if err != nil {
				return err
			}

			ok := passed(check)
			if c.jsonOutput {
				if err := c.outputJSON(check); err != nil {
					return err
				}
			} else {
				mark := color.GreenString("✓")
				if !ok {
					mark = color.RedString("✗")
				}
				c.printf("%s %s (%s): %s\n", mark, check.UserID, check.Username, check.Message)
				if check.ErrorMessage != "" {
					c.printf("  → %s\n", firstLine(check.ErrorMessage))
				}
			}
			if !ok {
				return errUnsuccessful
			}
			return nil
		},
	}
}
