package cli

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/canonica-labs/dbtester/internal/errors"
	"github.com/canonica-labs/dbtester/internal/template"
	"github.com/canonica-labs/dbtester/internal/workflow"
)

func (c *CLI) newWorkflowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "workflow",
		Aliases: []string{"workflows", "wf"},
		Short:   "Browse, clone and instantiate workflows",
		Long: `Manage stored workflows.

Commands:
  list         - List every workflow
  templates    - List template workflows
  show         - Show a workflow with its operations
  clone        - Copy a workflow under a new name
  instantiate  - Create a workflow from a template`,
	}

	cmd.AddCommand(c.newWorkflowListCmd(false))
	cmd.AddCommand(c.newWorkflowListCmd(true))
	cmd.AddCommand(c.newWorkflowShowCmd())
	cmd.AddCommand(c.newWorkflowCloneCmd())
	cmd.AddCommand(c.newWorkflowInstantiateCmd())

	return cmd
}

func (c *CLI) newWorkflowListCmd(templatesOnly bool) *cobra.Command {
	use, short := "list", "List every workflow"
	if templatesOnly {
		use, short = "templates", "List template workflows"
	}

	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			wfs, err := withRuntimeResult(c, ctx, false, func(rt *runtime) ([]*workflow.TestWorkflow, error) {
				if templatesOnly {
					return rt.repo.ListTemplates(ctx)
				}
				return rt.repo.ListWorkflows(ctx)
			})
			if err != nil {
				return err
			}
			if c.jsonOutput {
				return c.outputJSON(wfs)
			}

			if len(wfs) == 0 {
				c.println("No workflows found.")
				return nil
			}
			for _, wf := range wfs {
				kind := ""
				if wf.IsTemplate {
					kind = " [template]"
				}
				c.printf("%-36s  %s%s  (%d operations)\n", wf.ID, wf.Name, kind, len(wf.Operations))
			}
			return nil
		},
	}
}

func (c *CLI) newWorkflowShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <workflow-id>",
		Short: "Show a workflow with its operations",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			wf, err := withRuntimeResult(c, ctx, false, func(rt *runtime) (*workflow.TestWorkflow, error) {
				return rt.repo.GetWorkflow(ctx, args[0])
			})
			if err != nil {
				return err
			}
			if c.jsonOutput {
				return c.outputJSON(wf)
			}
			c.printWorkflow(wf)
			return nil
		},
	}
}

func (c *CLI) newWorkflowCloneCmd() *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "clone <workflow-id>",
		Short: "Copy a workflow under a new name",
		Long: `Copy a workflow and all its operations. The copy gets new ids and is
never a template; template tokens are copied unchanged.`,
		Args: exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			wf, err := withRuntimeResult(c, ctx, false, func(rt *runtime) (*workflow.TestWorkflow, error) {
				return template.NewInstantiator(rt.repo).CloneWorkflow(ctx, args[0], name)
			})
			if err != nil {
				return err
			}
			return c.reportCreated(wf)
		},
	}

	cmd.Flags().StringVarP(&name, "name", "n", "", "name of the copy (default: the source name)")

	return cmd
}

func (c *CLI) newWorkflowInstantiateCmd() *cobra.Command {
	var (
		name   string
		params []string
	)

	cmd := &cobra.Command{
		Use:   "instantiate <template-id>",
		Short: "Create a workflow from a template",
		Long: `Create a concrete workflow from a template, replacing every
{{param.<name>}} token with the given value or the parameter default.
Tokens without a value or default are kept as written.

Example:
  dbtester workflow instantiate table-access --name "orders access" --param table=sales.orders`,
		Args: exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			values, err := parseParams(params)
			if err != nil {
				return err
			}
			if strings.TrimSpace(name) == "" {
				return errors.NewValidation("name", "required")
			}
			ctx := commandContext(cmd)
			wf, err := withRuntimeResult(c, ctx, false, func(rt *runtime) (*workflow.TestWorkflow, error) {
				return template.NewInstantiator(rt.repo).CreateFromTemplate(ctx, args[0], name, values)
			})
			if err != nil {
				return err
			}
			if tokens := template.UnresolvedTokens(wf); len(tokens) > 0 {
				c.errorf("warning: unresolved tokens left as written: %s\n", strings.Join(tokens, ", "))
			}
			return c.reportCreated(wf)
		},
	}

	cmd.Flags().StringVarP(&name, "name", "n", "", "name of the new workflow (required)")
	cmd.Flags().StringArrayVarP(&params, "param", "p", nil, "parameter value as name=value (repeatable)")

	return cmd
}

func (c *CLI) reportCreated(wf *workflow.TestWorkflow) error {
	if c.jsonOutput {
		return c.outputJSON(wf)
	}
	c.printf("✓ Created workflow %s (%s)\n", wf.Name, wf.ID)
	return nil
}

func (c *CLI) printWorkflow(wf *workflow.TestWorkflow) {
	c.printf("Workflow: %s\n", wf.Name)
	c.printf("  ID:         %s\n", wf.ID)
	if wf.Description != "" {
		c.printf("  About:      %s\n", wf.Description)
	}
	if wf.ConnectionID != "" {
		c.printf("  Connection: %s\n", wf.ConnectionID)
	}
	if wf.IsTemplate {
		c.println("  Template:   yes")
		for _, p := range wf.Parameters {
			c.printf("    %s = %q\n", template.Token(p.Name), p.DefaultValue)
		}
	}
	c.println("")
	c.println("Operations:")
	for _, op := range wf.OrderedOperations() {
		expect := "succeed"
		if !op.ExpectSuccess {
			expect = "fail"
		}
		switch op.Kind {
		case workflow.KindProbePermission:
			target := op.ObjectName
			if target == "" {
				target = "database"
			}
			c.printf("  %2d. %s: probe %s on %s, expect %s\n", op.SequenceOrder, op.Name, op.Permission, target, expect)
		default:
			as := "connection"
			if op.RunAsTestUser {
				as = "test user"
			}
			c.printf("  %2d. %s: sql as %s, expect %s\n", op.SequenceOrder, op.Name, as, expect)
			c.printf("      %s\n", op.SQLStatement)
		}
	}
}
