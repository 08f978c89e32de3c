package cli

import (
	"context"
	"time"

	"github.com/spf13/cobra"
)

// newStatusCmd creates the status command.
func (c *CLI) newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show gateway status",
		Long: `Display gateway health and readiness of its components
(store, vault).`,
		Args: exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runStatus(commandContext(cmd))
		},
	}
}

func (c *CLI) runStatus(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client := c.newGatewayClient()

	health, err := client.GetHealthInfo(ctx)
	if err != nil {
		c.errorf("✗ Gateway: unreachable (%s)\n", client.Endpoint())
		return err
	}
	ready, err := client.GetReadiness(ctx)
	if err != nil {
		return err
	}

	if c.jsonOutput {
		return c.outputJSON(map[string]interface{}{
			"endpoint":  client.Endpoint(),
			"status":    health.Status,
			"version":   health.Version,
			"ready":     ready.Ready,
			"readiness": ready.Checks,
		})
	}

	c.printf("✓ Gateway: %s (%s, version %s)\n", health.Status, client.Endpoint(), health.Version)
	for _, check := range ready.Checks {
		mark := "✓"
		state := "ready"
		if !check.Ready {
			mark, state = "✗", "not ready"
		}
		c.printf("%s %-8s %s\n", mark, check.Name, state)
		if check.Message != "" && !check.Ready {
			c.printf("  → %s\n", check.Message)
		}
	}
	return nil
}

// newAuditCmd creates the audit command.
func (c *CLI) newAuditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Audit and reporting commands",
		Long:  `Commands for the operation audit log kept by the gateway.`,
	}

	cmd.AddCommand(c.newAuditSummaryCmd())

	return cmd
}

func (c *CLI) newAuditSummaryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "summary",
		Short: "Show audit summary",
		Long: `Display aggregated operation statistics:
  - Passed, failed and mismatched operation counts
  - Top failure reasons
  - Most probed permissions

No credentials or row data are exposed.`,
		Args: exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runAuditSummary(commandContext(cmd))
		},
	}
}

func (c *CLI) runAuditSummary(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	summary, err := c.newGatewayClient().GetAuditSummary(ctx)
	if err != nil {
		return err
	}

	if c.jsonOutput {
		return c.outputJSON(summary)
	}

	c.println("Operation Summary:")
	c.printf("  Passed:     %d\n", summary.PassedCount)
	c.printf("  Failed:     %d\n", summary.FailedCount)
	c.printf("  Mismatched: %d\n", summary.MismatchedCount)

	if len(summary.TopFailureReasons) > 0 {
		c.println("\nTop Failure Reasons:")
		for _, r := range summary.TopFailureReasons {
			c.printf("  - %s: %d\n", r.Reason, r.Count)
		}
	}

	if len(summary.TopPermissions) > 0 {
		c.println("\nTop Permissions:")
		for _, p := range summary.TopPermissions {
			c.printf("  - %s: %d\n", p.Permission, p.Count)
		}
	}
	return nil
}
