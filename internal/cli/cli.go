// Package cli provides the command-line interface for dbtester.
// Workflows run locally against the configured store unless a command talks
// to the gateway (runs cancel, status, audit).
package cli

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/canonica-labs/dbtester/internal/config"
	"github.com/canonica-labs/dbtester/internal/errors"
	"github.com/canonica-labs/dbtester/internal/probe"
)

// Exit codes
const (
	ExitSuccess       = 0
	ExitValidation    = 1
	ExitConfiguration = 2
	ExitConnection    = 3
	ExitInternal      = 4
	ExitUnsuccessful  = 5
)

// Version information (set at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// errUnsuccessful marks a run that completed but did not pass. The report
// has already been printed.
var errUnsuccessful = stderrors.New("run unsuccessful")

// CLI holds the command-line interface state.
type CLI struct {
	rootCmd *cobra.Command
	cfg     *config.Config
	out     io.Writer
	errOut  io.Writer

	// proberOpts are appended to the configured probe options.
	proberOpts []probe.Option

	// Global flags
	configPath string
	endpoint   string
	jsonOutput bool
	quiet      bool
	debug      bool
	noColor    bool
}

// Option configures a CLI.
type Option func(*CLI)

// WithOutput redirects standard output and standard error.
func WithOutput(out, errOut io.Writer) Option {
	return func(c *CLI) {
		c.out = out
		c.errOut = errOut
	}
}

// WithProberOptions adds options to every target database session, after
// the configured ones.
func WithProberOptions(opts ...probe.Option) Option {
	return func(c *CLI) {
		c.proberOpts = append(c.proberOpts, opts...)
	}
}

// New creates a new CLI instance.
func New(opts ...Option) *CLI {
	cli := &CLI{out: os.Stdout, errOut: os.Stderr}
	for _, opt := range opts {
		opt(cli)
	}
	cli.rootCmd = cli.newRootCmd()
	return cli
}

// SetArgs overrides os.Args[1:].
func (c *CLI) SetArgs(args []string) {
	c.rootCmd.SetArgs(args)
}

// Execute runs the CLI and returns the process exit code.
func (c *CLI) Execute() int {
	err := c.rootCmd.Execute()
	if err == nil {
		return ExitSuccess
	}
	if stderrors.Is(err, errUnsuccessful) {
		return ExitUnsuccessful
	}
	c.errorf("Error: %v\n", err)
	return exitCode(err)
}

func exitCode(err error) int {
	switch errors.CodeOf(err) {
	case errors.CodeValidation:
		return ExitValidation
	case errors.CodeConfiguration:
		return ExitConfiguration
	case errors.CodeConnection:
		return ExitConnection
	}
	return ExitInternal
}

func (c *CLI) newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dbtester",
		Short: "dbtester - database permission testing",
		Long: `dbtester verifies that database users hold exactly the permissions
they are expected to hold.

It runs workflows of permission probes and raw SQL statements as test users
against a target database and records which outcomes matched expectations.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if c.noColor {
				color.NoColor = true
			}
			return c.initConfig()
		},
	}
	cmd.SetOut(c.out)
	cmd.SetErr(c.errOut)
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return errors.NewValidation("flags", err.Error())
	})

	// Global flags
	cmd.PersistentFlags().StringVar(&c.configPath, "config", "", "config file (default: ~/.dbtester/dbtester.yaml)")
	cmd.PersistentFlags().StringVar(&c.endpoint, "endpoint", "", "gateway endpoint (overrides config)")
	cmd.PersistentFlags().BoolVar(&c.jsonOutput, "json", false, "machine-readable JSON output")
	cmd.PersistentFlags().BoolVar(&c.quiet, "quiet", false, "suppress non-essential output")
	cmd.PersistentFlags().BoolVar(&c.debug, "debug", false, "verbose debug logs")
	cmd.PersistentFlags().BoolVar(&c.noColor, "no-color", false, "disable colored output")

	cmd.AddCommand(c.newRunCmd())
	cmd.AddCommand(c.newRunsCmd())
	cmd.AddCommand(c.newProbeCmd())
	cmd.AddCommand(c.newExpectCmd())
	cmd.AddCommand(c.newWorkflowCmd())
	cmd.AddCommand(c.newConnectionsCmd())
	cmd.AddCommand(c.newUsersCmd())
	cmd.AddCommand(c.newVaultCmd())
	cmd.AddCommand(c.newMigrateCmd())
	cmd.AddCommand(c.newFixturesCmd())
	cmd.AddCommand(c.newStatusCmd())
	cmd.AddCommand(c.newAuditCmd())
	cmd.AddCommand(c.newDoctorCmd())
	cmd.AddCommand(c.newVersionCmd())

	return cmd
}

func (c *CLI) initConfig() error {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return err
	}
	c.cfg = cfg

	// Override with flags
	if c.endpoint != "" {
		c.cfg.Endpoint = c.endpoint
	}
	return nil
}

// validArgs reports positional argument errors as validation errors.
func validArgs(check cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := check(cmd, args); err != nil {
			return errors.NewValidation("args", err.Error())
		}
		return nil
	}
}

func exactArgs(n int) cobra.PositionalArgs { return validArgs(cobra.ExactArgs(n)) }

func rangeArgs(lo, hi int) cobra.PositionalArgs { return validArgs(cobra.RangeArgs(lo, hi)) }

func minimumArgs(n int) cobra.PositionalArgs { return validArgs(cobra.MinimumNArgs(n)) }

// Helper functions for output

func (c *CLI) printf(format string, args ...interface{}) {
	if !c.quiet {
		fmt.Fprintf(c.out, format, args...)
	}
}

func (c *CLI) println(args ...interface{}) {
	if !c.quiet {
		fmt.Fprintln(c.out, args...)
	}
}

func (c *CLI) errorf(format string, args ...interface{}) {
	fmt.Fprintf(c.errOut, format, args...)
}

func (c *CLI) debugf(format string, args ...interface{}) {
	if c.debug {
		fmt.Fprintf(c.errOut, "[DEBUG] "+format, args...)
	}
}

func (c *CLI) outputJSON(v interface{}) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// newGatewayClient creates a new gateway client with current config.
func (c *CLI) newGatewayClient() *GatewayClient {
	return NewGatewayClient(c.cfg.Endpoint)
}
