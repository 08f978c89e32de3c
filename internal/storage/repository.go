// Package storage persists connections, test users, workflows and runs.
//
// The executor consumes storage only through the narrow WorkflowStore,
// ConnectionStore and RunStore interfaces. PostgresRepository is the
// production implementation; MemoryRepository backs tests and dry runs.
package storage

import (
	"context"

	"github.com/canonica-labs/dbtester/internal/workflow"
)

// DefaultRecentRuns is the count RecentRuns uses when asked for zero or fewer.
const DefaultRecentRuns = 10

// WorkflowStore persists workflow definitions.
// All implementations must be thread-safe and context-aware.
type WorkflowStore interface {
	// GetWorkflow retrieves a workflow with its operations ordered by
	// sequence order and its parameters.
	// Returns an ErrNotFound if the workflow does not exist.
	GetWorkflow(ctx context.Context, id string) (*workflow.TestWorkflow, error)

	// SaveWorkflow creates or replaces a workflow and all its operations.
	// Returns an error if the definition is invalid.
	SaveWorkflow(ctx context.Context, wf *workflow.TestWorkflow) error

	// ListWorkflows returns every workflow, templates included, by name.
	// Returns an empty slice (not nil) if none exist.
	ListWorkflows(ctx context.Context) ([]*workflow.TestWorkflow, error)

	// ListTemplates returns only template workflows.
	ListTemplates(ctx context.Context) ([]*workflow.TestWorkflow, error)
}

// ConnectionStore persists target connections and test users.
type ConnectionStore interface {
	// GetConnection retrieves a connection.
	// Returns an ErrNotFound if it does not exist.
	GetConnection(ctx context.Context, id string) (*workflow.DatabaseConnection, error)

	// GetTestUser retrieves a test user with its expected permissions.
	// Returns an ErrNotFound if it does not exist.
	GetTestUser(ctx context.Context, id string) (*workflow.TestUser, error)

	// SaveConnection creates or replaces a connection.
	SaveConnection(ctx context.Context, c *workflow.DatabaseConnection) error

	// SaveTestUser creates or replaces a test user.
	SaveTestUser(ctx context.Context, u *workflow.TestUser) error
}

// RunStore persists completed and cancelled test runs.
type RunStore interface {
	// SaveRun creates or replaces a run and its results.
	SaveRun(ctx context.Context, run *workflow.TestRun) error

	// GetRun retrieves a run with its results in execution order.
	// Returns an ErrNotFound if it does not exist.
	GetRun(ctx context.Context, id string) (*workflow.TestRun, error)

	// RecentRuns returns up to count runs, newest first. A non-empty
	// workflowID restricts the result to runs of that workflow.
	RecentRuns(ctx context.Context, count int, workflowID string) ([]*workflow.TestRun, error)
}

// Repository is the full persistence surface.
type Repository interface {
	WorkflowStore
	ConnectionStore
	RunStore

	// CheckConnectivity verifies the backing store is reachable.
	CheckConnectivity(ctx context.Context) error
}

func normalizeCount(count int) int {
	if count <= 0 {
		return DefaultRecentRuns
	}
	return count
}
