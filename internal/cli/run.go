package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/canonica-labs/dbtester/internal/errors"
	"github.com/canonica-labs/dbtester/internal/executor"
	"github.com/canonica-labs/dbtester/internal/report"
	"github.com/canonica-labs/dbtester/internal/workflow"
	"github.com/canonica-labs/dbtester/pkg/models"
)

// RunOptions holds the flags of the run command.
type RunOptions struct {
	UserID       string
	ConnectionID string
	Params       []string
	Parallel     int
	Remote       bool
	PollInterval time.Duration
}

func (c *CLI) newRunCmd() *cobra.Command {
	opts := &RunOptions{}

	cmd := &cobra.Command{
		Use:   "run <workflow-id>...",
		Short: "Run one or more workflows",
		Long: `Run workflows against their target database and print a report.

Every operation runs in order and gets a result; a failing step never stops
the run. The command exits with code 5 when any run is unsuccessful.

Interrupting the command cancels the runs before their next operation.

Examples:
  dbtester run analyst-read-only --user analyst
  dbtester run table-access --user analyst --param table=sales.orders
  dbtester run wf-a wf-b wf-c --parallel 3
  dbtester run analyst-read-only --remote`,
		Args: minimumArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runWorkflows(cmd.Context(), args, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.UserID, "user", "u", "", "test user to run probes as")
	cmd.Flags().StringVarP(&opts.ConnectionID, "connection", "c", "", "connection overriding the workflow default")
	cmd.Flags().StringArrayVarP(&opts.Params, "param", "p", nil, "template parameter as name=value (repeatable)")
	cmd.Flags().IntVar(&opts.Parallel, "parallel", 1, "workflows to run at the same time")
	cmd.Flags().BoolVar(&opts.Remote, "remote", false, "start the runs on the gateway and follow them")
	cmd.Flags().DurationVar(&opts.PollInterval, "poll", 500*time.Millisecond, "gateway polling interval with --remote")

	return cmd
}

func (c *CLI) runWorkflows(ctx context.Context, workflowIDs []string, opts *RunOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	params, err := parseParams(opts.Params)
	if err != nil {
		return err
	}
	if opts.Parallel < 1 {
		return errors.NewValidation("parallel", "must be at least 1")
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	var runOne func(ctx context.Context, req executor.ExecuteRequest) (*workflow.TestRun, error)
	if opts.Remote {
		client := c.newGatewayClient()
		runOne = func(ctx context.Context, req executor.ExecuteRequest) (*workflow.TestRun, error) {
			return c.followRemote(ctx, client, req, opts.PollInterval)
		}
	} else {
		rt, err := c.openRuntime(ctx, true)
		if err != nil {
			return err
		}
		defer rt.Close()
		runOne = rt.svc.Execute
	}

	// Runs are independent: a workflow that fails to start does not cancel
	// the others, and every finished run is still reported.
	runs := make([]*workflow.TestRun, len(workflowIDs))
	errs := make([]error, len(workflowIDs))
	var g errgroup.Group
	g.SetLimit(opts.Parallel)
	for i, id := range workflowIDs {
		i, id := i, id
		g.Go(func() error {
			c.debugf("running workflow %s\n", id)
			runs[i], errs[i] = runOne(ctx, executor.ExecuteRequest{
				WorkflowID:   id,
				ConnectionID: opts.ConnectionID,
				UserID:       opts.UserID,
				Parameters:   params,
			})
			return nil
		})
	}
	_ = g.Wait()

	finished := make([]*workflow.TestRun, 0, len(runs))
	var firstErr error
	for i, run := range runs {
		if errs[i] != nil {
			if firstErr == nil {
				firstErr = errs[i]
			}
			if len(workflowIDs) > 1 {
				c.errorf("✗ %s: %s\n", workflowIDs[i], shortError(errs[i]))
			}
			continue
		}
		finished = append(finished, run)
	}

	if c.jsonOutput {
		if len(workflowIDs) == 1 {
			if len(finished) == 1 {
				if err := c.outputJSON(finished[0]); err != nil {
					return err
				}
			}
		} else if err := c.outputJSON(finished); err != nil {
			return err
		}
	} else if !c.quiet {
		p := report.NewPrinter(c.out, c.noColor)
		for i, run := range finished {
			if i > 0 {
				c.println("")
			}
			p.Run(run)
		}
	}

	if firstErr != nil {
		return firstErr
	}
	for _, run := range finished {
		if !run.IsSuccessful {
			return errUnsuccessful
		}
	}
	return nil
}

// shortError renders err on one line for per-workflow failure lines.
func shortError(err error) string {
	if te, ok := errors.AsTesterError(err); ok {
		return te.Short()
	}
	return err.Error()
}

// followRemote starts a run on the gateway and polls it until it finishes.
// Cancelling ctx cancels the remote run.
func (c *CLI) followRemote(ctx context.Context, client *GatewayClient, req executor.ExecuteRequest, every time.Duration) (*workflow.TestRun, error) {
	id, err := client.StartRun(ctx, models.ExecuteRunRequest{
		WorkflowID:   req.WorkflowID,
		ConnectionID: req.ConnectionID,
		UserID:       req.UserID,
		Parameters:   req.Parameters,
	})
	if err != nil {
		return nil, err
	}
	c.debugf("gateway run %s started\n", id)

	ticker := time.NewTicker(every)
	defer ticker.Stop()
	cancelled := false
	for {
		run, err := client.GetRun(context.WithoutCancel(ctx), id)
		if err != nil {
			return nil, err
		}
		if run.State.IsTerminal() {
			return run, nil
		}
		if ctx.Err() != nil && !cancelled {
			cancelled = true
			if err := client.CancelRun(context.WithoutCancel(ctx), id); err != nil {
				c.debugf("cancel of %s failed: %v\n", id, err)
			}
		}
		<-ticker.C
	}
}

// parseParams turns name=value pairs into a parameter map.
func parseParams(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	params := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		name, value, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, errors.NewValidation("param", fmt.Sprintf("expected name=value, got %q", pair))
		}
		params[strings.TrimSpace(name)] = value
	}
	return params, nil
}

func (c *CLI) newRunsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect, export and cancel test runs",
		Long: `Inspect recorded test runs.

Commands:
  list    - List recent runs
  show    - Show one run with every result
  export  - Export a run as CSV or JSON
  cancel  - Cancel a run in flight on the gateway`,
	}

	cmd.AddCommand(c.newRunsListCmd())
	cmd.AddCommand(c.newRunsShowCmd())
	cmd.AddCommand(c.newRunsExportCmd())
	cmd.AddCommand(c.newRunsCancelCmd())

	return cmd
}

func (c *CLI) newRunsListCmd() *cobra.Command {
	var (
		count      int
		workflowID string
		remote     bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs, newest first",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			var runs []*workflow.TestRun
			var err error
			if remote {
				runs, err = c.newGatewayClient().ListRuns(ctx, count, workflowID)
			} else {
				runs, err = withRuntimeResult(c, ctx, false, func(rt *runtime) ([]*workflow.TestRun, error) {
					return rt.svc.GetRecentTestRuns(ctx, count, workflowID)
				})
			}
			if err != nil {
				return err
			}
			if c.jsonOutput {
				return c.outputJSON(runs)
			}
			if !c.quiet {
				report.NewPrinter(c.out, c.noColor).Runs(runs)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&count, "count", "n", 0, "number of runs (default 10)")
	cmd.Flags().StringVarP(&workflowID, "workflow", "w", "", "only runs of this workflow")
	cmd.Flags().BoolVar(&remote, "remote", false, "ask the gateway instead of the local store")

	return cmd
}

func (c *CLI) newRunsShowCmd() *cobra.Command {
	var remote bool

	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a run with every operation result",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			run, err := c.loadRun(commandContext(cmd), args[0], remote)
			if err != nil {
				return err
			}
			if c.jsonOutput {
				return c.outputJSON(run)
			}
			if !c.quiet {
				report.NewPrinter(c.out, c.noColor).Run(run)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&remote, "remote", false, "ask the gateway instead of the local store")

	return cmd
}

func (c *CLI) newRunsExportCmd() *cobra.Command {
	var (
		format string
		output string
		remote bool
	)

	cmd := &cobra.Command{
		Use:   "export <run-id>",
		Short: "Export a run as CSV or JSON",
		Long: `Export a run to a file named testrun-<id>-<start>.<format>.

Use --output - to write to standard output.`,
		Args: exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := report.ParseFormat(format)
			if err != nil {
				return err
			}
			run, err := c.loadRun(commandContext(cmd), args[0], remote)
			if err != nil {
				return err
			}
			exp, err := report.ExportRun(run, f)
			if err != nil {
				return err
			}
			if output == "-" {
				_, err := c.out.Write(exp.Content)
				return err
			}

			path := filepath.Join(output, exp.FileName)
			if err := os.WriteFile(path, exp.Content, 0o644); err != nil {
				return fmt.Errorf("failed to write export: %w", err)
			}
			if c.jsonOutput {
				return c.outputJSON(map[string]interface{}{"path": path, "format": string(f)})
			}
			c.printf("✓ Exported run %s to %s\n", run.ID, path)
			return nil
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "csv", "export format: csv or json")
	cmd.Flags().StringVarP(&output, "output", "o", ".", "output directory, or - for standard output")
	cmd.Flags().BoolVar(&remote, "remote", false, "fetch the run from the gateway")

	return cmd
}

func (c *CLI) newRunsCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel a run in flight on the gateway",
		Long: `Ask the gateway to stop a run before its next operation.

The run keeps the results of the operations that already finished and is
recorded as cancelled.`,
		Args: exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.newGatewayClient().CancelRun(commandContext(cmd), args[0]); err != nil {
				return err
			}
			if c.jsonOutput {
				return c.outputJSON(models.CancelResponse{RunID: args[0], Cancelled: true})
			}
			c.printf("✓ Cancellation requested for run %s\n", args[0])
			return nil
		},
	}
}

func (c *CLI) loadRun(ctx context.Context, id string, remote bool) (*workflow.TestRun, error) {
	if remote {
		return c.newGatewayClient().GetRun(ctx, id)
	}
	return withRuntimeResult(c, ctx, false, func(rt *runtime) (*workflow.TestRun, error) {
		return rt.svc.GetTestRunResult(ctx, id)
	})
}

// withRuntimeResult opens the local stack for the duration of fn.
func withRuntimeResult[T any](c *CLI, ctx context.Context, needVault bool, fn func(rt *runtime) (T, error)) (T, error) {
	var zero T
	rt, err := c.openRuntime(ctx, needVault)
	if err != nil {
		return zero, err
	}
	defer rt.Close()
	return fn(rt)
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
