// Package executor runs workflows.
//
// A run walks the workflow's operations strictly in sequence order, one
// connection per step, and never stops early: every step gets a result so a
// single run shows every permission gap. Cancellation is cooperative and is
// observed only between steps.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/canonica-labs/dbtester/internal/engine"
	"github.com/canonica-labs/dbtester/internal/errors"
	"github.com/canonica-labs/dbtester/internal/observability"
	"github.com/canonica-labs/dbtester/internal/permissions"
	"github.com/canonica-labs/dbtester/internal/probe"
	"github.com/canonica-labs/dbtester/internal/storage"
	"github.com/canonica-labs/dbtester/internal/template"
	"github.com/canonica-labs/dbtester/internal/vault"
	"github.com/canonica-labs/dbtester/internal/workflow"
)

// StatementRunner runs one raw statement on its own connection.
type StatementRunner interface {
	Run(ctx context.Context, params probe.ServerParams, username, password, sqlText string) probe.Outcome
}

// PermissionTester runs one permission probe.
type PermissionTester interface {
	TestPermission(ctx context.Context, conn *workflow.DatabaseConnection, username, password string, perm permissions.Permission, objectName string) engine.PermissionResult
}

// Dependencies are the collaborators of a Service.
type Dependencies struct {
	Workflows   storage.WorkflowStore
	Connections storage.ConnectionStore
	Runs        storage.RunStore
	Runner      StatementRunner
	Tester      PermissionTester
	Cipher      vault.Cipher

	// Audit receives one entry per operation result. Defaults to a no-op.
	Audit observability.AuditLogger

	// Logger is the process logger. Defaults to a no-op.
	Logger *zap.Logger
}

// ExecuteRequest selects what to run and as whom.
type ExecuteRequest struct {
	WorkflowID string `json:"workflowId"`

	// ConnectionID overrides the workflow's default connection.
	ConnectionID string `json:"connectionId,omitempty"`

	// UserID is the test user probes run as.
	UserID string `json:"userId,omitempty"`

	// Parameters fill template tokens.
	Parameters map[string]string `json:"parameters,omitempty"`
}

// Service executes workflows and tracks the runs in flight.
type Service struct {
	deps Dependencies
	now  func() time.Time

	mu     sync.Mutex
	active map[string]*activeRun
	wg     sync.WaitGroup
}

// activeRun is a run in flight. run is guarded by mu; cancel is polled
// between operations.
type activeRun struct {
	mu     sync.Mutex
	run    *workflow.TestRun
	final  *workflow.TestRun
	cancel atomic.Bool
	// sealed is set once the last cancellation point has passed; guarded by mu.
	sealed bool
	done   chan struct{}
}

// prepared is everything a run needs, resolved before it is registered.
type prepared struct {
	wf   *workflow.TestWorkflow
	conn *workflow.DatabaseConnection
	user *workflow.TestUser
	ar   *activeRun
}

// NewService creates a Service.
func NewService(deps Dependencies) *Service {
	if deps.Audit == nil {
		deps.Audit = observability.NoopLogger{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Service{
		deps:   deps,
		now:    time.Now,
		active: make(map[string]*activeRun),
	}
}

// Execute runs a workflow to completion or cancellation and returns the
// saved run. Only lookup and storage errors are returned; every operation
// failure is recorded on the run.
func (s *Service) Execute(ctx context.Context, req ExecuteRequest) (*workflow.TestRun, error) {
	p, err := s.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	s.wg.Add(1)
	defer s.wg.Done()
	return s.execute(ctx, p)
}

// Start begins a run in the background and returns its id once the run is
// registered. The run does not stop when ctx ends; use CancelTestRun.
func (s *Service) Start(ctx context.Context, req ExecuteRequest) (string, error) {
	p, err := s.prepare(ctx, req)
	if err != nil {
		return "", err
	}
	runCtx := context.WithoutCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.execute(runCtx, p); err != nil {
			s.deps.Logger.Error("background run failed",
				zap.String("run_id", p.ar.run.ID),
				zap.Error(err))
		}
	}()
	return p.ar.run.ID, nil
}

// ExecuteWorkflow starts workflowID with its default connection and no test
// user, and returns the run id.
func (s *Service) ExecuteWorkflow(ctx context.Context, workflowID string) (string, error) {
	return s.Start(ctx, ExecuteRequest{WorkflowID: workflowID})
}

// GetTestRunResult returns a run. A run in flight is returned as a snapshot
// of its progress.
func (s *Service) GetTestRunResult(ctx context.Context, id string) (*workflow.TestRun, error) {
	s.mu.Lock()
	ar, ok := s.active[id]
	s.mu.Unlock()
	if ok {
		ar.mu.Lock()
		defer ar.mu.Unlock()
		return ar.run.Copy(), nil
	}
	return s.deps.Runs.GetRun(ctx, id)
}

// GetRecentTestRuns returns up to count saved runs, newest first. A count of
// zero or less means storage.DefaultRecentRuns. workflowID may be empty.
func (s *Service) GetRecentTestRuns(ctx context.Context, count int, workflowID string) ([]*workflow.TestRun, error) {
	return s.deps.Runs.RecentRuns(ctx, count, workflowID)
}

// CancelTestRun asks an active run to stop before its next operation. It
// returns false when the run is unknown, already finished, or already
// executing its last operation, since such a run completes regardless.
func (s *Service) CancelTestRun(id string) bool {
	s.mu.Lock()
	ar, ok := s.active[id]
	s.mu.Unlock()
	if !ok {
		return false
	}
	ar.mu.Lock()
	if ar.sealed {
		ar.mu.Unlock()
		return false
	}
	ar.cancel.Store(true)
	ar.run.CancelRequested = true
	ar.mu.Unlock()
	s.deps.Logger.Info("run cancellation requested", zap.String("run_id", id))
	return true
}

// ActiveRuns returns the ids of runs in flight.
func (s *Service) ActiveRuns() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.active))
	for id := range s.active {
		ids = append(ids, id)
	}
	return ids
}

// Wait blocks until run id finishes and returns it.
func (s *Service) Wait(ctx context.Context, id string) (*workflow.TestRun, error) {
	s.mu.Lock()
	ar, ok := s.active[id]
	s.mu.Unlock()
	if !ok {
		return s.deps.Runs.GetRun(ctx, id)
	}
	select {
	case <-ar.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	ar.mu.Lock()
	defer ar.mu.Unlock()
	return ar.final.Copy(), nil
}

// Shutdown cancels every active run and waits for them to be saved.
func (s *Service) Shutdown(ctx context.Context) error {
	for _, id := range s.ActiveRuns() {
		s.CancelTestRun(id)
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) prepare(ctx context.Context, req ExecuteRequest) (*prepared, error) {
	if strings.TrimSpace(req.WorkflowID) == "" {
		return nil, errors.NewValidation("workflowId", "required")
	}
	wf, err := s.deps.Workflows.GetWorkflow(ctx, req.WorkflowID)
	if err != nil {
		return nil, err
	}
	wf.Operations = wf.OrderedOperations()

	if wf.IsTemplate || len(req.Parameters) > 0 {
		wf = template.Instantiate(wf, req.Parameters)
		if tokens := template.UnresolvedTokens(wf); len(tokens) > 0 {
			s.deps.Logger.Warn("unresolved template tokens left verbatim",
				zap.String("workflow_id", wf.ID),
				zap.Strings("tokens", tokens))
		}
	}

	var user *workflow.TestUser
	if req.UserID != "" {
		if user, err = s.deps.Connections.GetTestUser(ctx, req.UserID); err != nil {
			return nil, err
		}
	}

	connID := req.ConnectionID
	if connID == "" {
		connID = wf.ConnectionID
	}
	if connID == "" && user != nil {
		connID = user.ConnectionID
	}
	if connID == "" {
		return nil, errors.NewValidation("connectionId", "no connection given and the workflow has no default")
	}
	conn, err := s.deps.Connections.GetConnection(ctx, connID)
	if err != nil {
		return nil, err
	}

	run := &workflow.TestRun{
		ID:               workflow.NewID(),
		WorkflowID:       wf.ID,
		WorkflowName:     wf.Name,
		ConnectionID:     conn.ID,
		UserID:           req.UserID,
		State:            workflow.StatePending,
		StartTime:        s.now().UTC(),
		OperationResults: []workflow.OperationResult{},
	}
	ar := &activeRun{run: run, done: make(chan struct{})}

	s.mu.Lock()
	s.active[run.ID] = ar
	s.mu.Unlock()

	return &prepared{wf: wf, conn: conn, user: user, ar: ar}, nil
}

func (s *Service) execute(ctx context.Context, p *prepared) (*workflow.TestRun, error) {
	ar := p.ar
	ar.mu.Lock()
	ar.run.State = workflow.StateRunning
	runID := ar.run.ID
	ar.mu.Unlock()

	s.deps.Logger.Info("run started",
		zap.String("run_id", runID),
		zap.String("workflow", p.wf.Name),
		zap.Int("operations", len(p.wf.Operations)))

	cancelled := false
	last := len(p.wf.Operations) - 1
	for i, op := range p.wf.Operations {
		ar.mu.Lock()
		stop := ar.cancel.Load() || ctx.Err() != nil
		if !stop && i == last {
			ar.sealed = true
		}
		ar.mu.Unlock()
		if stop {
			cancelled = true
			break
		}

		res := s.runOperation(ctx, p, op)

		ar.mu.Lock()
		ar.run.OperationResults = append(ar.run.OperationResults, res)
		ar.mu.Unlock()

		s.audit(ctx, p, op, res)
	}

	end := s.now().UTC()
	ar.mu.Lock()
	ar.sealed = true
	ar.run.EndTime = &end
	if cancelled {
		ar.run.State = workflow.StateCancelled
		ar.run.CancelRequested = true
		ar.run.IsCompleted = false
		ar.run.IsSuccessful = false
	} else {
		ar.run.State = workflow.StateCompleted
		ar.run.IsCompleted = true
		ar.run.IsSuccessful = workflow.DeriveSuccess(ar.run.OperationResults)
	}
	final := ar.run.Copy()
	ar.final = final
	ar.mu.Unlock()

	sum := final.Summarize()
	s.deps.Logger.Info("run finished",
		zap.String("run_id", runID),
		zap.String("workflow", final.WorkflowName),
		zap.String("state", string(final.State)),
		zap.Bool("successful", final.IsSuccessful),
		zap.Int("total", sum.Total),
		zap.Int("passed", sum.Passed),
		zap.Int("failed", sum.Failed),
		zap.Int("mismatched", sum.Mismatched),
		zap.Duration("duration", end.Sub(final.StartTime)))

	err := s.deps.Runs.SaveRun(context.WithoutCancel(ctx), final.Copy())

	s.mu.Lock()
	delete(s.active, runID)
	s.mu.Unlock()
	close(ar.done)

	if err != nil {
		s.deps.Logger.Error("failed to save run", zap.String("run_id", runID), zap.Error(err))
		return final, fmt.Errorf("failed to save run %s: %w", runID, err)
	}
	return final, nil
}

// observation is what a step produced before expectations are applied.
type observation struct {
	success     bool
	class       probe.ErrorClass
	message     string
	notes       string
	resultCount *int
	resultData  string
}

func (s *Service) runOperation(ctx context.Context, p *prepared, op workflow.TestOperation) workflow.OperationResult {
	start := s.now().UTC()

	var obs observation
	switch op.Kind {
	case workflow.KindRawSQL:
		obs = s.runRawSQL(ctx, p, op)
	case workflow.KindProbePermission:
		obs = s.runProbe(ctx, p, op)
	default:
		obs = observation{class: probe.ClassValidation, message: fmt.Sprintf("unknown operation kind %q", op.Kind), notes: "validation"}
	}

	end := s.now().UTC()
	if end.Before(start) {
		end = start
	}

	// A denial the step expected counts as success; nothing else does.
	expectedDenial := !obs.success && !op.ExpectSuccess && obs.class == probe.ClassPrivilegeDenied

	return workflow.OperationResult{
		ID:                     workflow.NewID(),
		OperationID:            op.ID,
		OperationName:          op.Name,
		StartTime:              start,
		EndTime:                end,
		IsSuccessful:           obs.success || expectedDenial,
		ErrorMessage:           obs.message,
		ResultCount:            obs.resultCount,
		ResultData:             obs.resultData,
		MatchesExpectedOutcome: obs.success == op.ExpectSuccess,
		Notes:                  obs.notes,
	}
}

func (s *Service) runRawSQL(ctx context.Context, p *prepared, op workflow.TestOperation) observation {
	var username, password string
	var err error
	if op.RunAsTestUser {
		username, password, err = s.userCredentials(p)
	} else {
		username, password, err = s.connectionCredentials(p.conn)
	}
	if err != nil {
		return credentialFailure(err)
	}

	out := s.deps.Runner.Run(ctx, p.conn.ServerParams(), username, password, op.SQLStatement)
	obs := observation{
		success: out.Success,
		class:   out.Class,
		message: out.ErrorMessage,
	}
	if !out.Success {
		if out.Class == probe.ClassPrivilegeDenied {
			obs.notes = "permission denied"
		}
		return obs
	}

	if out.Kind == probe.KindQuery {
		obs.resultCount = out.ResultCount
		if len(out.Rows) > 0 {
			if data, err := json.Marshal(out.Rows); err == nil {
				obs.resultData = string(data)
			}
		}
	} else if out.RowsAffected != nil {
		obs.notes = fmt.Sprintf("%d rows affected", *out.RowsAffected)
	}
	return obs
}

func (s *Service) runProbe(ctx context.Context, p *prepared, op workflow.TestOperation) observation {
	username, password, err := s.userCredentials(p)
	if err != nil {
		return credentialFailure(err)
	}

	res := s.deps.Tester.TestPermission(ctx, p.conn, username, password, op.Permission, op.ObjectName)
	return observation{
		success: res.HasPermission,
		class:   res.Class,
		message: res.ErrorMessage,
		notes:   res.Notes,
	}
}

// userCredentials decrypts the test user's password for one step. Nothing
// is cached.
func (s *Service) userCredentials(p *prepared) (string, string, error) {
	if p.user == nil {
		return "", "", errors.NewValidation("userId", "a test user is required for this operation")
	}
	if s.deps.Cipher == nil {
		return "", "", errors.NewConfigurationError("vault.key", "no vault configured")
	}
	password, err := s.deps.Cipher.Decrypt(p.user.EncryptedPassword)
	if err != nil {
		return "", "", errors.NewConnectionFailed(p.conn.Server, p.conn.DatabaseName,
			fmt.Errorf("cannot decrypt password of test user %s: %w", p.user.Username, err))
	}
	return p.user.Username, password, nil
}

// connectionCredentials decrypts the connection's own credentials for one
// step.
func (s *Service) connectionCredentials(conn *workflow.DatabaseConnection) (string, string, error) {
	if s.deps.Cipher == nil {
		return "", "", errors.NewConfigurationError("vault.key", "no vault configured")
	}
	username, err := s.deps.Cipher.Decrypt(conn.EncryptedUsername)
	if err != nil {
		return "", "", errors.NewConnectionFailed(conn.Server, conn.DatabaseName,
			fmt.Errorf("cannot decrypt username of connection %s: %w", conn.Name, err))
	}
	password, err := s.deps.Cipher.Decrypt(conn.EncryptedPassword)
	if err != nil {
		return "", "", errors.NewConnectionFailed(conn.Server, conn.DatabaseName,
			fmt.Errorf("cannot decrypt password of connection %s: %w", conn.Name, err))
	}
	return username, password, nil
}

func credentialFailure(err error) observation {
	out := probe.FailedOutcome(err, probe.KindCommand)
	notes := "credentials"
	if out.Class == probe.ClassValidation {
		notes = "validation"
	}
	return observation{class: out.Class, message: out.ErrorMessage, notes: notes}
}

func (s *Service) audit(ctx context.Context, p *prepared, op workflow.TestOperation, res workflow.OperationResult) {
	outcome := observability.OutcomeFail
	if res.Passed() {
		outcome = observability.OutcomePass
	}
	entry := observability.OperationLogEntry{
		RunID:      p.ar.run.ID,
		Workflow:   p.wf.Name,
		Operation:  op.Name,
		Kind:       string(op.Kind),
		Permission: string(op.Permission),
		ObjectName: op.ObjectName,
		Outcome:    outcome,
		Matches:    res.MatchesExpectedOutcome,
		Duration:   res.Duration(),
		Error:      res.ErrorMessage,
	}
	if op.Kind == workflow.KindProbePermission || op.RunAsTestUser {
		if p.user != nil {
			entry.User = p.user.Username
		}
	}
	if err := s.deps.Audit.LogOperation(context.WithoutCancel(ctx), entry); err != nil {
		s.deps.Logger.Warn("audit log failed", zap.String("run_id", entry.RunID), zap.Error(err))
	}
}
