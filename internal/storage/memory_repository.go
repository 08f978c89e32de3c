package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/canonica-labs/dbtester/internal/errors"
	"github.com/canonica-labs/dbtester/internal/permissions"
	"github.com/canonica-labs/dbtester/internal/workflow"
)

// MemoryRepository is an in-memory Repository. It is thread-safe, respects
// context cancellation and hands out copies so callers never share state
// with the store.
type MemoryRepository struct {
	mu          sync.RWMutex
	workflows   map[string]*workflow.TestWorkflow
	connections map[string]*workflow.DatabaseConnection
	users       map[string]*workflow.TestUser
	runs        map[string]*workflow.TestRun

	// Test helpers for simulating failures.
	connectivityFailure bool
	persistenceFailure  bool
}

var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository creates an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		workflows:   make(map[string]*workflow.TestWorkflow),
		connections: make(map[string]*workflow.DatabaseConnection),
		users:       make(map[string]*workflow.TestUser),
		runs:        make(map[string]*workflow.TestRun),
	}
}

// checkContext verifies the context is not cancelled or timed out.
func checkContext(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

// GetWorkflow retrieves a workflow.
func (r *MemoryRepository) GetWorkflow(ctx context.Context, id string) (*workflow.TestWorkflow, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	wf, ok := r.workflows[id]
	if !ok {
		return nil, errors.NewNotFound("workflow", id)
	}
	c := wf.Copy()
	c.Operations = wf.OrderedOperations()
	return c, nil
}

// SaveWorkflow creates or replaces a workflow.
func (r *MemoryRepository) SaveWorkflow(ctx context.Context, wf *workflow.TestWorkflow) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	if err := wf.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.persistenceFailure {
		return errors.NewDatabaseUnavailable("persistence failure (simulated)")
	}

	wf.AssignIDs()
	now := time.Now().UTC()
	c := wf.Copy()
	if existing, ok := r.workflows[wf.ID]; ok {
		c.CreatedAt = existing.CreatedAt
	} else if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	r.workflows[wf.ID] = c
	return nil
}

// ListWorkflows returns every workflow sorted by name.
func (r *MemoryRepository) ListWorkflows(ctx context.Context) ([]*workflow.TestWorkflow, error) {
	return r.listWorkflows(ctx, false)
}

// ListTemplates returns template workflows sorted by name.
func (r *MemoryRepository) ListTemplates(ctx context.Context) ([]*workflow.TestWorkflow, error) {
	return r.listWorkflows(ctx, true)
}

func (r *MemoryRepository) listWorkflows(ctx context.Context, templatesOnly bool) ([]*workflow.TestWorkflow, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*workflow.TestWorkflow, 0, len(r.workflows))
	for _, wf := range r.workflows {
		if templatesOnly && !wf.IsTemplate {
			continue
		}
		c := wf.Copy()
		c.Operations = wf.OrderedOperations()
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == out[j].Name {
			return out[i].ID < out[j].ID
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

// GetConnection retrieves a connection.
func (r *MemoryRepository) GetConnection(ctx context.Context, id string) (*workflow.DatabaseConnection, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.connections[id]
	if !ok {
		return nil, errors.NewNotFound("connection", id)
	}
	cp := *c
	return &cp, nil
}

// SaveConnection creates or replaces a connection.
func (r *MemoryRepository) SaveConnection(ctx context.Context, c *workflow.DatabaseConnection) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	if err := c.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.persistenceFailure {
		return errors.NewDatabaseUnavailable("persistence failure (simulated)")
	}
	if c.ID == "" {
		c.ID = workflow.NewID()
	}
	cp := *c
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	r.connections[c.ID] = &cp
	return nil
}

// GetTestUser retrieves a test user.
func (r *MemoryRepository) GetTestUser(ctx context.Context, id string) (*workflow.TestUser, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	u, ok := r.users[id]
	if !ok {
		return nil, errors.NewNotFound("user", id)
	}
	return copyUser(u), nil
}

// SaveTestUser creates or replaces a test user.
func (r *MemoryRepository) SaveTestUser(ctx context.Context, u *workflow.TestUser) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	if err := u.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.persistenceFailure {
		return errors.NewDatabaseUnavailable("persistence failure (simulated)")
	}
	if u.ID == "" {
		u.ID = workflow.NewID()
	}
	cp := copyUser(u)
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	r.users[u.ID] = cp
	return nil
}

// SaveRun creates or replaces a run.
func (r *MemoryRepository) SaveRun(ctx context.Context, run *workflow.TestRun) error {
	if err := checkContext(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.persistenceFailure {
		return errors.NewDatabaseUnavailable("persistence failure (simulated)")
	}
	if run.ID == "" {
		run.ID = workflow.NewID()
	}
	r.runs[run.ID] = run.Copy()
	return nil
}

// GetRun retrieves a run.
func (r *MemoryRepository) GetRun(ctx context.Context, id string) (*workflow.TestRun, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	run, ok := r.runs[id]
	if !ok {
		return nil, errors.NewNotFound("run", id)
	}
	return run.Copy(), nil
}

// RecentRuns returns up to count runs, newest first.
func (r *MemoryRepository) RecentRuns(ctx context.Context, count int, workflowID string) ([]*workflow.TestRun, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	count = normalizeCount(count)

	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*workflow.TestRun, 0, len(r.runs))
	for _, run := range r.runs {
		if workflowID != "" && run.WorkflowID != workflowID {
			continue
		}
		out = append(out, run.Copy())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartTime.After(out[j].StartTime)
	})
	if len(out) > count {
		out = out[:count]
	}
	return out, nil
}

func copyUser(u *workflow.TestUser) *workflow.TestUser {
	cp := *u
	cp.ExpectedPermissions = append([]permissions.Expectation(nil), u.ExpectedPermissions...)
	return &cp
}

// SetConnectivityFailure simulates an unreachable store.
func (r *MemoryRepository) SetConnectivityFailure(fail bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectivityFailure = fail
}

// SetPersistenceFailure makes every write fail.
func (r *MemoryRepository) SetPersistenceFailure(fail bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.persistenceFailure = fail
}

// CheckConnectivity reports the simulated connectivity state.
func (r *MemoryRepository) CheckConnectivity(ctx context.Context) error {
	if err := checkContext(ctx); err != nil {
		return err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.connectivityFailure {
		return errors.NewDatabaseUnavailable("connectivity failure (simulated)")
	}
	return nil
}
