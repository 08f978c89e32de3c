package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/canonica-labs/dbtester/internal/status"
	"github.com/canonica-labs/dbtester/internal/storage"
	"github.com/canonica-labs/dbtester/internal/vault"
)

func (c *CLI) newDoctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run local diagnostics",
		Long: `Run diagnostics of the local setup.

Checks:
  - configuration
  - store connectivity
  - vault key
  - gateway connectivity

Exits with code 5 when any check fails.`,
		Args: exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runDoctor(commandContext(cmd))
		},
	}
}

func (c *CLI) runDoctor(ctx context.Context) error {
	checks := []DiagnosticCheck{c.checkConfig()}
	checks = append(checks, c.checkLocal(ctx)...)
	checks = append(checks, c.checkGateway(ctx))

	allPassed := true
	for _, check := range checks {
		if !check.Passed {
			allPassed = false
		}
	}

	if c.jsonOutput {
		if err := c.outputJSON(map[string]interface{}{
			"checks":     checks,
			"all_passed": allPassed,
		}); err != nil {
			return err
		}
	} else {
		c.println("dbtester Diagnostics")
		c.println("====================")
		c.println("")
		for _, check := range checks {
			c.printCheck(check)
		}
		c.println("")
		if allPassed {
			c.println("✓ All checks passed")
		} else {
			c.println("✗ Some checks failed - see above for details")
		}
	}

	if !allPassed {
		return errUnsuccessful
	}
	return nil
}

// DiagnosticCheck represents a single diagnostic check result.
type DiagnosticCheck struct {
	Name    string `json:"name"`
	Passed  bool   `json:"passed"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func (c *CLI) printCheck(check DiagnosticCheck) {
	mark := "✗"
	if check.Passed {
		mark = "✓"
	}
	c.printf("%s %s: %s\n", mark, check.Name, check.Message)
	if check.Details != "" && !check.Passed {
		c.printf("  → %s\n", check.Details)
	}
}

func (c *CLI) checkConfig() DiagnosticCheck {
	check := DiagnosticCheck{Name: "Configuration"}

	if err := c.cfg.Validate(); err != nil {
		check.Message = "Invalid configuration"
		check.Details = err.Error()
		return check
	}

	check.Passed = true
	check.Message = fmt.Sprintf("Store driver: %s", c.cfg.Store.Driver)
	return check
}

// checkLocal runs the readiness checks against the local store and vault.
func (c *CLI) checkLocal(ctx context.Context) []DiagnosticCheck {
	ctx, cancel := context.WithTimeout(ctx, status.DefaultCheckTimeout)
	defer cancel()

	var pinger status.Pinger
	if strings.EqualFold(c.cfg.Store.Driver, "memory") {
		pinger = storage.NewMemoryRepository()
	} else if db, err := storage.Open(ctx, c.cfg.StoreOptions()); err != nil {
		return []DiagnosticCheck{
			{Name: "Store", Message: "Cannot open store", Details: err.Error()},
			c.vaultCheck(ctx),
		}
	} else {
		defer db.Close()
		pinger = storage.NewPostgresRepository(db)
	}

	res := status.NewChecker().Add("store", status.StoreCheck(pinger)).Check(ctx)
	store := DiagnosticCheck{Name: "Store", Passed: res.Ready, Message: "Reachable"}
	if !res.Ready {
		store.Message = "Unreachable"
		store.Details = res.Components[0].Message
	}
	return []DiagnosticCheck{store, c.vaultCheck(ctx)}
}

func (c *CLI) vaultCheck(ctx context.Context) DiagnosticCheck {
	check := DiagnosticCheck{Name: "Vault"}

	var cipher vault.Cipher
	v, err := c.cfg.NewVault()
	if err == nil {
		cipher = v
	}
	res := status.NewChecker().Add("vault", status.VaultCheck(cipher)).Check(ctx)
	if !res.Ready {
		check.Message = "Not usable"
		check.Details = res.Components[0].Message
		return check
	}

	check.Passed = true
	check.Message = "Key loaded"
	return check
}

func (c *CLI) checkGateway(ctx context.Context) DiagnosticCheck {
	check := DiagnosticCheck{Name: "Gateway Connectivity"}

	if c.cfg.Endpoint == "" {
		check.Message = "No endpoint configured"
		check.Details = "Set endpoint in config or use --endpoint flag"
		return check
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if _, err := c.newGatewayClient().CheckHealth(ctx); err != nil {
		check.Message = "Cannot connect to gateway"
		check.Details = firstLine(err.Error())
		return check
	}

	check.Passed = true
	check.Message = fmt.Sprintf("Connected to %s", c.cfg.Endpoint)
	return check
}
