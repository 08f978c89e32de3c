package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/canonica-labs/dbtester/internal/engine"
	"github.com/canonica-labs/dbtester/internal/errors"
	"github.com/canonica-labs/dbtester/internal/executor"
	"github.com/canonica-labs/dbtester/internal/permissions"
	"github.com/canonica-labs/dbtester/internal/probe"
	"github.com/canonica-labs/dbtester/internal/report"
	"github.com/canonica-labs/dbtester/internal/workflow"
)

func (c *CLI) newProbeCmd() *cobra.Command {
	var (
		userID       string
		connectionID string
		expect       string
	)

	cmd := &cobra.Command{
		Use:   "probe <permission> [object]",
		Short: "Test one permission as a test user",
		Long: fmt.Sprintf(`Probe whether a test user holds a permission.

The probe runs as the test user on its own connection. Writes are rolled
back or aimed at scratch objects that are dropped afterwards.

Permissions: %s

With --expect the command exits with code 5 when the outcome differs.

Examples:
  dbtester probe select public.accounts --user analyst
  dbtester probe create --user analyst --expect denied`, joinPermissions()),
		Args: rangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			perm, err := permissions.ParsePermission(args[0])
			if err != nil {
				return errors.NewValidation("permission", err.Error())
			}
			object := ""
			if len(args) == 2 {
				object = args[1]
			}
			if userID == "" {
				return errors.NewValidation("user", "required")
			}
			want, err := parseExpect(expect)
			if err != nil {
				return err
			}
			return c.runProbe(commandContext(cmd), userID, connectionID, perm, object, want)
		},
	}

	cmd.Flags().StringVarP(&userID, "user", "u", "", "test user to probe as (required)")
	cmd.Flags().StringVarP(&connectionID, "connection", "c", "", "connection overriding the user's")
	cmd.Flags().StringVar(&expect, "expect", "", "expected outcome: granted or denied")

	return cmd
}

func (c *CLI) runProbe(ctx context.Context, userID, connectionID string, perm permissions.Permission, object string, want *bool) error {
	rt, err := c.openRuntime(ctx, true)
	if err != nil {
		return err
	}
	defer rt.Close()

	user, conn, err := c.resolveUser(ctx, rt, userID, connectionID)
	if err != nil {
		return err
	}
	password, err := rt.vault.Decrypt(user.EncryptedPassword)
	if err != nil {
		return errors.NewConfigurationError("vault.key",
			fmt.Sprintf("cannot decrypt password of test user %s: %v", user.Username, err))
	}

	res := rt.engine.TestPermission(ctx, conn, user.Username, password, perm, object)

	if c.jsonOutput {
		if err := c.outputJSON(res); err != nil {
			return err
		}
	} else {
		c.printPermission(res)
	}

	if res.Class == probe.ClassValidation {
		return errors.NewValidation("object", res.ErrorMessage)
	}
	if want != nil && res.HasPermission != *want {
		return errUnsuccessful
	}
	return nil
}

func (c *CLI) newExpectCmd() *cobra.Command {
	var (
		connectionID string
		record       bool
	)

	cmd := &cobra.Command{
		Use:   "expect <user-id>",
		Short: "Check every expected permission of a test user",
		Long: `Probe every permission a test user is expected to hold or lack and
compare the outcome with the expectation.

With --record the expectations are saved as a workflow and run through the
executor, so the run appears in 'dbtester runs list'.

Exits with code 5 when any expectation does not match.`,
		Args: exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runExpect(commandContext(cmd), args[0], connectionID, record)
		},
	}

	cmd.Flags().StringVarP(&connectionID, "connection", "c", "", "connection overriding the user's")
	cmd.Flags().BoolVar(&record, "record", false, "save the expectations as a workflow and record the run")

	return cmd
}

func (c *CLI) runExpect(ctx context.Context, userID, connectionID string, record bool) error {
	rt, err := c.openRuntime(ctx, true)
	if err != nil {
		return err
	}
	defer rt.Close()

	user, conn, err := c.resolveUser(ctx, rt, userID, connectionID)
	if err != nil {
		return err
	}
	if len(user.ExpectedPermissions) == 0 {
		return errors.NewValidation("expectedPermissions",
			fmt.Sprintf("test user %s has no expected permissions", user.ID))
	}

	if record {
		wf := workflow.FromExpectations(user)
		wf.ConnectionID = conn.ID
		if err := rt.repo.SaveWorkflow(ctx, wf); err != nil {
			return err
		}
		run, err := rt.svc.Execute(ctx, executor.ExecuteRequest{
			WorkflowID:   wf.ID,
			ConnectionID: conn.ID,
			UserID:       user.ID,
		})
		if err != nil {
			return err
		}
		if c.jsonOutput {
			if err := c.outputJSON(run); err != nil {
				return err
			}
		} else if !c.quiet {
			report.NewPrinter(c.out, c.noColor).Run(run)
		}
		if !run.IsSuccessful {
			return errUnsuccessful
		}
		return nil
	}

	results, err := rt.engine.TestExpectations(ctx, conn, user)
	if err != nil {
		return err
	}

	if c.jsonOutput {
		if err := c.outputJSON(results); err != nil {
			return err
		}
	} else {
		c.printExpectations(user, results)
	}

	for _, r := range results {
		if !r.Matches {
			return errUnsuccessful
		}
	}
	return nil
}

// resolveUser loads a test user and the connection to test it on.
func (c *CLI) resolveUser(ctx context.Context, rt *runtime, userID, connectionID string) (*workflow.TestUser, *workflow.DatabaseConnection, error) {
	user, err := rt.repo.GetTestUser(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	if connectionID == "" {
		connectionID = user.ConnectionID
	}
	conn, err := rt.repo.GetConnection(ctx, connectionID)
	if err != nil {
		return nil, nil, err
	}
	return user, conn, nil
}

func (c *CLI) printPermission(res engine.PermissionResult) {
	target := res.ObjectName
	if target == "" {
		target = "database"
	}
	switch {
	case res.HasPermission:
		c.printf("%s %s on %s: granted\n", color.GreenString("✓"), res.Permission, target)
	case res.Denied:
		c.printf("%s %s on %s: denied\n", color.RedString("✗"), res.Permission, target)
	default:
		c.printf("%s %s on %s: not held (%s)\n", color.YellowString("!"), res.Permission, target, res.Class)
	}
	if res.ErrorMessage != "" && !res.HasPermission {
		c.printf("  → %s\n", firstLine(res.ErrorMessage))
	}
	if res.Notes != "" {
		c.printf("  notes: %s\n", res.Notes)
	}
	c.debugf("statement: %s\n", res.Statement)
}

func (c *CLI) printExpectations(user *workflow.TestUser, results []engine.ExpectationResult) {
	c.printf("Expectations of %s (%s)\n", user.Name, user.Username)
	matched := 0
	for _, r := range results {
		label := color.GreenString("PASS")
		if r.Matches {
			matched++
		} else {
			label = color.RedString("FAIL")
		}
		want := "denied"
		if r.Expectation.IsGranted {
			want = "granted"
		}
		got := "denied"
		if r.Result.HasPermission {
			got = "granted"
		} else if !r.Result.Denied && r.Result.Class != "" {
			got = string(r.Result.Class)
		}
		target := r.Expectation.ObjectName
		if target == "" {
			target = "database"
		}
		c.printf("  %s  %-10s %-28s expected %-7s got %s\n", label, r.Expectation.Permission, target, want, got)
	}
	c.printf("%d of %d expectations matched\n", matched, len(results))
}

func parseExpect(s string) (*bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return nil, nil
	case "granted", "grant", "yes":
		v := true
		return &v, nil
	case "denied", "deny", "no":
		v := false
		return &v, nil
	}
	return nil, errors.NewValidation("expect", fmt.Sprintf("expected granted or denied, got %q", s))
}

func joinPermissions() string {
	all := permissions.AllPermissions()
	names := make([]string, len(all))
	for i, p := range all {
		names[i] = strings.ToLower(p.String())
	}
	return strings.Join(names, ", ")
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
