package cli

import (
	"context"
	"fmt"
	"os"
	goruntime "runtime"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/canonica-labs/dbtester/internal/storage"
)

func (c *CLI) newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Display version information",
		Long: `Display the CLI build, the schema version of the configured store and
the version of the gateway, if one is configured.`,
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runVersion(commandContext(cmd))
		},
	}
}

func (c *CLI) runVersion(ctx context.Context) error {
	info := VersionInfo{
		Version:   Version,
		GitCommit: GitCommit,
		BuildDate: BuildDate,
		GoVersion: goruntime.Version(),
		OS:        goruntime.GOOS,
		Arch:      goruntime.GOARCH,
	}

	store := c.storeVersion(ctx)

	var serverVersion, serverStatus string
	if c.cfg != nil && c.cfg.Endpoint != "" {
		ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if health, err := c.newGatewayClient().GetHealthInfo(ctx); err == nil {
			serverVersion = health.Version
			serverStatus = health.Status
		} else {
			serverStatus = "unavailable"
		}
	} else {
		serverStatus = "not configured"
	}

	if c.jsonOutput {
		output := struct {
			VersionInfo
			Store  StoreVersion `json:"store"`
			Server struct {
				Version string `json:"version,omitempty"`
				Status  string `json:"status"`
			} `json:"server"`
		}{
			VersionInfo: info,
			Store:       store,
		}
		output.Server.Version = serverVersion
		output.Server.Status = serverStatus
		return c.outputJSON(output)
	}

	c.println("dbtester CLI")
	c.printf("  Version:    %s\n", info.Version)
	c.printf("  Git Commit: %s\n", info.GitCommit)
	c.printf("  Build Date: %s\n", info.BuildDate)
	c.printf("  Go Version: %s\n", info.GoVersion)
	c.printf("  OS/Arch:    %s/%s\n", info.OS, info.Arch)

	c.println("")
	c.println("Store:")
	c.printf("  Driver: %s\n", store.Driver)
	c.printf("  Schema: %s\n", store.describe())

	c.println("")
	c.println("Gateway:")
	if serverVersion != "" {
		c.printf("  Version: %s\n", serverVersion)
	}
	c.printf("  Status:  %s\n", serverStatus)

	return nil
}

// VersionInfo represents version information for JSON output.
type VersionInfo struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
}

// StoreVersion describes the schema of the configured store.
type StoreVersion struct {
	Driver  string `json:"driver"`
	Current string `json:"schema_version,omitempty"`
	Latest  string `json:"latest_version,omitempty"`
	Status  string `json:"status"`
}

func (s StoreVersion) describe() string {
	switch s.Status {
	case "current":
		return s.Current
	case "behind":
		current := s.Current
		if current == "" {
			current = "none"
		}
		return fmt.Sprintf("%s (latest %s, run 'dbtester migrate')", current, s.Latest)
	}
	return s.Status
}

// storeVersion reads the applied schema version without creating a store
// that does not exist yet.
func (c *CLI) storeVersion(ctx context.Context) StoreVersion {
	if c.cfg == nil {
		return StoreVersion{Status: "not configured"}
	}
	sv := StoreVersion{Driver: c.cfg.Store.Driver}
	switch {
	case strings.EqualFold(sv.Driver, "memory"):
		sv.Status = "in-memory, no schema"
		return sv
	case strings.EqualFold(sv.Driver, "sqlite"):
		if _, err := os.Stat(c.cfg.Store.DSN); err != nil {
			sv.Status = "not created"
			return sv
		}
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	db, err := storage.Open(ctx, c.cfg.StoreOptions())
	if err != nil {
		sv.Status = "unavailable"
		return sv
	}
	defer db.Close()

	sv.Current, sv.Latest, err = storage.NewMigrationRunner(db).SchemaVersion(ctx)
	switch {
	case err != nil:
		sv.Status = "unavailable"
	case sv.Current == sv.Latest:
		sv.Status = "current"
	default:
		sv.Status = "behind"
	}
	return sv
}

// SetVersionInfo sets the version information (called from main).
func SetVersionInfo(version, commit, date string) {
	if version != "" {
		Version = version
	}
	if commit != "" {
		GitCommit = commit
	}
	if date != "" {
		BuildDate = date
	}
}

// GetVersionString returns a formatted version string.
func GetVersionString() string {
	return fmt.Sprintf("dbtester version %s (commit: %s, built: %s)",
		Version, GitCommit, BuildDate)
}
