package executor

import (
	"bytes"
	"context"
	"database/sql"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/canonica-labs/dbtester/internal/engine"
	"github.com/canonica-labs/dbtester/internal/errors"
	"github.com/canonica-labs/dbtester/internal/observability"
	"github.com/canonica-labs/dbtester/internal/permissions"
	"github.com/canonica-labs/dbtester/internal/probe"
	"github.com/canonica-labs/dbtester/internal/storage"
	"github.com/canonica-labs/dbtester/internal/vault"
	"github.com/canonica-labs/dbtester/internal/workflow"
)

type call struct {
	username string
	password string
	sql      string
}

// fakeRunner records raw statements. Statements listed in fail return the
// given outcome; everything else succeeds as a one-row query.
type fakeRunner struct {
	mu    sync.Mutex
	calls []call
	fail  map[string]probe.Outcome
	hook  func(n int)
}

func (f *fakeRunner) Run(_ context.Context, _ probe.ServerParams, username, password, sqlText string) probe.Outcome {
	f.mu.Lock()
	f.calls = append(f.calls, call{username, password, sqlText})
	n := len(f.calls)
	out, failed := f.fail[sqlText]
	hook := f.hook
	f.mu.Unlock()

	if hook != nil {
		hook(n)
	}
	if failed {
		return out
	}
	count := 1
	return probe.Outcome{
		Success:     true,
		Kind:        probe.Classify(sqlText),
		Rows:        []map[string]any{{"n": 1}},
		ResultCount: &count,
	}
}

func (f *fakeRunner) Calls() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

// fakeTester answers probes from a table; unlisted permissions are held.
type fakeTester struct {
	mu      sync.Mutex
	results map[permissions.Permission]engine.PermissionResult
	users   []string
}

func (f *fakeTester) TestPermission(_ context.Context, _ *workflow.DatabaseConnection, username, _ string, perm permissions.Permission, objectName string) engine.PermissionResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users = append(f.users, username)
	if res, ok := f.results[perm]; ok {
		return res
	}
	return engine.PermissionResult{Permission: perm, ObjectName: objectName, HasPermission: true}
}

func denied(perm permissions.Permission) engine.PermissionResult {
	return engine.PermissionResult{
		Permission:   perm,
		Denied:       true,
		Class:        probe.ClassPrivilegeDenied,
		SQLState:     "42501",
		ErrorMessage: "permission denied for table accounts",
		Notes:        "permission denied",
	}
}

type fixture struct {
	repo   *storage.MemoryRepository
	runner *fakeRunner
	tester *fakeTester
	audit  *observability.JSONLogger
	svc    *Service
	conn   *workflow.DatabaseConnection
	user   *workflow.TestUser
	cipher *vault.Vault
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	key, err := vault.GenerateKey()
	require.NoError(t, err)
	v, err := vault.New(key)
	require.NoError(t, err)

	encrypt := func(s string) string {
		out, err := v.Encrypt(s)
		require.NoError(t, err)
		return out
	}

	repo := storage.NewMemoryRepository()
	ctx := context.Background()
	conn := &workflow.DatabaseConnection{
		Name:              "warehouse",
		Server:            "db.internal",
		DatabaseName:      "dw",
		EncryptedUsername: encrypt("admin"),
		EncryptedPassword: encrypt("admin-pw"),
	}
	require.NoError(t, repo.SaveConnection(ctx, conn))

	user := &workflow.TestUser{
		Name:              "analyst",
		Username:          "analyst",
		EncryptedPassword: encrypt("analyst-pw"),
		ConnectionID:      conn.ID,
	}
	require.NoError(t, repo.SaveTestUser(ctx, user))

	f := &fixture{
		repo:   repo,
		runner: &fakeRunner{fail: map[string]probe.Outcome{}},
		tester: &fakeTester{results: map[permissions.Permission]engine.PermissionResult{}},
		audit:  observability.NewJSONLogger(&bytes.Buffer{}),
		conn:   conn,
		user:   user,
		cipher: v,
	}
	f.svc = NewService(Dependencies{
		Workflows:   repo,
		Connections: repo,
		Runs:        repo,
		Runner:      f.runner,
		Tester:      f.tester,
		Cipher:      v,
		Audit:       f.audit,
	})
	return f
}

func (f *fixture) save(t *testing.T, name string, ops ...workflow.TestOperation) *workflow.TestWorkflow {
	t.Helper()
	for i := range ops {
		ops[i].SequenceOrder = i + 1
	}
	wf := &workflow.TestWorkflow{Name: name, ConnectionID: f.conn.ID, Operations: ops}
	require.NoError(t, f.repo.SaveWorkflow(context.Background(), wf))
	return wf
}

func probeOp(name string, perm permissions.Permission, object string, expect bool) workflow.TestOperation {
	return workflow.TestOperation{Name: name, Kind: workflow.KindProbePermission, Permission: perm, ObjectName: object, ExpectSuccess: expect}
}

func rawOp(name, sqlText string, expect bool) workflow.TestOperation {
	return workflow.TestOperation{Name: name, Kind: workflow.KindRawSQL, SQLStatement: sqlText, ExpectSuccess: expect}
}

// TestExecute_MissingGrantDoesNotStopRun verifies a failed expectation is
// recorded and later operations still run.
func TestExecute_MissingGrantDoesNotStopRun(t *testing.T) {
	f := newFixture(t)
	f.tester.results[permissions.PermissionCreate] = denied(permissions.PermissionCreate)
	wf := f.save(t, "create then read",
		probeOp("create", permissions.PermissionCreate, "", true),
		probeOp("read", permissions.PermissionSelect, "accounts", true),
	)

	run, err := f.svc.Execute(context.Background(), ExecuteRequest{WorkflowID: wf.ID, UserID: f.user.ID})
	require.NoError(t, err)

	require.Len(t, run.OperationResults, 2)
	first := run.OperationResults[0]
	assert.False(t, first.IsSuccessful)
	assert.False(t, first.MatchesExpectedOutcome)
	assert.Contains(t, first.ErrorMessage, "permission denied")
	assert.True(t, run.OperationResults[1].IsSuccessful)
	assert.True(t, run.OperationResults[1].MatchesExpectedOutcome)

	assert.True(t, run.IsCompleted)
	assert.Equal(t, workflow.StateCompleted, run.State)
	assert.False(t, run.IsSuccessful)
	require.NotNil(t, run.EndTime)
	assert.False(t, run.EndTime.Before(run.StartTime))
}

// TestExecute_ExpectedDenialSucceeds verifies a denial the operation
// expected contributes success.
func TestExecute_ExpectedDenialSucceeds(t *testing.T) {
	f := newFixture(t)
	f.tester.results[permissions.PermissionSelect] = denied(permissions.PermissionSelect)
	wf := f.save(t, "revoked select", probeOp("no select", permissions.PermissionSelect, "accounts", false))

	run, err := f.svc.Execute(context.Background(), ExecuteRequest{WorkflowID: wf.ID, UserID: f.user.ID})
	require.NoError(t, err)

	require.Len(t, run.OperationResults, 1)
	res := run.OperationResults[0]
	assert.True(t, res.IsSuccessful)
	assert.True(t, res.MatchesExpectedOutcome)
	assert.Equal(t, "permission denied", res.Notes)
	assert.True(t, run.IsSuccessful)
}

// TestExecute_ConnectionFailureNeverSucceeds verifies a connection failure
// is not mistaken for an expected denial.
func TestExecute_ConnectionFailureNeverSucceeds(t *testing.T) {
	f := newFixture(t)
	f.tester.results[permissions.PermissionSelect] = engine.PermissionResult{
		Class:        probe.ClassConnection,
		ErrorMessage: "connection refused",
	}
	wf := f.save(t, "unreachable", probeOp("no select", permissions.PermissionSelect, "accounts", false))

	run, err := f.svc.Execute(context.Background(), ExecuteRequest{WorkflowID: wf.ID, UserID: f.user.ID})
	require.NoError(t, err)

	res := run.OperationResults[0]
	assert.False(t, res.IsSuccessful)
	assert.True(t, res.MatchesExpectedOutcome)
	assert.False(t, run.IsSuccessful)
}

// TestExecute_RunSuccessIsConjunction verifies the run succeeds only when
// every result is successful and matches.
func TestExecute_RunSuccessIsConjunction(t *testing.T) {
	f := newFixture(t)
	f.runner.fail["DELETE FROM audit"] = probe.Outcome{Class: probe.ClassDriver, ErrorMessage: "relation does not exist"}
	f.tester.results[permissions.PermissionDrop] = denied(permissions.PermissionDrop)

	wf := f.save(t, "mixed",
		rawOp("read", "SELECT 1", true),
		rawOp("delete", "DELETE FROM audit", false),
		probeOp("drop", permissions.PermissionDrop, "", false),
		probeOp("usage", permissions.PermissionUsage, "", true),
	)

	run, err := f.svc.Execute(context.Background(), ExecuteRequest{WorkflowID: wf.ID, UserID: f.user.ID})
	require.NoError(t, err)
	require.Len(t, run.OperationResults, 4)

	want := true
	for _, r := range run.OperationResults {
		want = want && r.IsSuccessful && r.MatchesExpectedOutcome
	}
	assert.Equal(t, want, run.IsSuccessful)
	assert.False(t, run.IsSuccessful)
	assert.False(t, run.OperationResults[1].IsSuccessful)
	assert.True(t, run.OperationResults[1].MatchesExpectedOutcome)
	assert.True(t, run.OperationResults[2].Passed())
}

// TestExecute_Credentials verifies raw SQL uses the connection's credentials
// unless it runs as the test user, and probes always run as the test user.
func TestExecute_Credentials(t *testing.T) {
	f := newFixture(t)
	wf := f.save(t, "creds",
		rawOp("as admin", "SELECT 1", true),
		workflow.TestOperation{Name: "as user", Kind: workflow.KindRawSQL, SQLStatement: "SELECT 2", ExpectSuccess: true, RunAsTestUser: true},
		probeOp("probe", permissions.PermissionConnect, "", true),
	)

	_, err := f.svc.Execute(context.Background(), ExecuteRequest{WorkflowID: wf.ID, UserID: f.user.ID})
	require.NoError(t, err)

	calls := f.runner.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, call{"admin", "admin-pw", "SELECT 1"}, calls[0])
	assert.Equal(t, call{"analyst", "analyst-pw", "SELECT 2"}, calls[1])
	assert.Equal(t, []string{"analyst"}, f.tester.users)
}

// TestExecute_QueryResults verifies row counts and captured rows are kept.
func TestExecute_QueryResults(t *testing.T) {
	f := newFixture(t)
	wf := f.save(t, "rows", rawOp("read", "SELECT n FROM t", true))

	run, err := f.svc.Execute(context.Background(), ExecuteRequest{WorkflowID: wf.ID})
	require.NoError(t, err)

	res := run.OperationResults[0]
	require.NotNil(t, res.ResultCount)
	assert.Equal(t, 1, *res.ResultCount)
	assert.JSONEq(t, `[{"n":1}]`, res.ResultData)
}

// TestExecute_ProbeWithoutUser verifies a probe without a test user fails
// validation and the run continues.
func TestExecute_ProbeWithoutUser(t *testing.T) {
	f := newFixture(t)
	wf := f.save(t, "no user",
		probeOp("probe", permissions.PermissionSelect, "accounts", true),
		rawOp("read", "SELECT 1", true),
	)

	run, err := f.svc.Execute(context.Background(), ExecuteRequest{WorkflowID: wf.ID})
	require.NoError(t, err)

	require.Len(t, run.OperationResults, 2)
	assert.False(t, run.OperationResults[0].IsSuccessful)
	assert.Equal(t, "validation", run.OperationResults[0].Notes)
	assert.True(t, run.OperationResults[1].IsSuccessful)
	assert.Empty(t, f.tester.users)
}

// TestExecute_BadCredentialsRecorded verifies a credential that cannot be
// decrypted fails the operation, not the run.
func TestExecute_BadCredentialsRecorded(t *testing.T) {
	f := newFixture(t)
	f.conn.EncryptedPassword = "garbage"
	require.NoError(t, f.repo.SaveConnection(context.Background(), f.conn))
	wf := f.save(t, "bad creds", rawOp("read", "SELECT 1", true))

	run, err := f.svc.Execute(context.Background(), ExecuteRequest{WorkflowID: wf.ID})
	require.NoError(t, err)

	res := run.OperationResults[0]
	assert.False(t, res.IsSuccessful)
	assert.Equal(t, "credentials", res.Notes)
	assert.Contains(t, res.ErrorMessage, "cannot decrypt password of connection warehouse")
	assert.Empty(t, f.runner.Calls())
}

// TestExecute_Template verifies parameters are substituted before running
// and the stored template is untouched.
func TestExecute_Template(t *testing.T) {
	f := newFixture(t)
	wf := &workflow.TestWorkflow{
		Name:         "tmpl",
		ConnectionID: f.conn.ID,
		IsTemplate:   true,
		Parameters:   []workflow.TemplateParameter{{Name: "table", DefaultValue: "accounts"}},
		Operations: []workflow.TestOperation{
			rawOp("read", "SELECT * FROM {{param.table}}", true),
		},
	}
	wf.Operations[0].SequenceOrder = 1
	require.NoError(t, f.repo.SaveWorkflow(context.Background(), wf))

	_, err := f.svc.Execute(context.Background(), ExecuteRequest{WorkflowID: wf.ID, Parameters: map[string]string{"table": "orders"}})
	require.NoError(t, err)
	_, err = f.svc.Execute(context.Background(), ExecuteRequest{WorkflowID: wf.ID})
	require.NoError(t, err)

	calls := f.runner.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "SELECT * FROM orders", calls[0].sql)
	assert.Equal(t, "SELECT * FROM accounts", calls[1].sql)

	stored, err := f.repo.GetWorkflow(context.Background(), wf.ID)
	require.NoError(t, err)
	assert.Equal(t, "SELECT * FROM {{param.table}}", stored.Operations[0].SQLStatement)
}

// TestExecute_NotFound verifies lookup errors propagate.
func TestExecute_NotFound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Execute(ctx, ExecuteRequest{WorkflowID: "missing"})
	assert.True(t, errors.IsNotFound(err))

	wf := f.save(t, "w", rawOp("read", "SELECT 1", true))
	_, err = f.svc.Execute(ctx, ExecuteRequest{WorkflowID: wf.ID, ConnectionID: "missing"})
	assert.True(t, errors.IsNotFound(err))

	_, err = f.svc.Execute(ctx, ExecuteRequest{WorkflowID: wf.ID, UserID: "missing"})
	assert.True(t, errors.IsNotFound(err))

	_, err = f.svc.Execute(ctx, ExecuteRequest{})
	assert.Equal(t, errors.CodeValidation, errors.CodeOf(err))
	assert.Empty(t, f.svc.ActiveRuns())
}

// TestExecute_CancelBetweenOperations verifies a cancel requested during the
// second of five operations leaves exactly two results.
func TestExecute_CancelBetweenOperations(t *testing.T) {
	f := newFixture(t)
	wf := f.save(t, "five",
		rawOp("1", "SELECT 1", true),
		rawOp("2", "SELECT 2", true),
		rawOp("3", "SELECT 3", true),
		rawOp("4", "SELECT 4", true),
		rawOp("5", "SELECT 5", true),
	)
	f.runner.hook = func(n int) {
		if n == 2 {
			ids := f.svc.ActiveRuns()
			require.Len(t, ids, 1)
			assert.True(t, f.svc.CancelTestRun(ids[0]))
		}
	}

	run, err := f.svc.Execute(context.Background(), ExecuteRequest{WorkflowID: wf.ID})
	require.NoError(t, err)

	assert.Len(t, run.OperationResults, 2)
	assert.False(t, run.IsCompleted)
	assert.False(t, run.IsSuccessful)
	assert.True(t, run.CancelRequested)
	assert.Equal(t, workflow.StateCancelled, run.State)

	stored, err := f.svc.GetTestRunResult(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Len(t, stored.OperationResults, 2)
	assert.False(t, stored.IsCompleted)
	assert.Equal(t, workflow.StateCancelled, stored.State)

	assert.False(t, f.svc.CancelTestRun(run.ID))
}

// TestCancelTestRun_DuringLastOperation verifies a cancel that arrives
// while the last operation runs is refused and the run completes.
func TestCancelTestRun_DuringLastOperation(t *testing.T) {
	f := newFixture(t)
	wf := f.save(t, "two", rawOp("1", "SELECT 1", true), rawOp("2", "SELECT 2", true))

	var accepted []bool
	f.runner.hook = func(n int) {
		ids := f.svc.ActiveRuns()
		require.Len(t, ids, 1)
		accepted = append(accepted, f.svc.CancelTestRun(ids[0]))
	}

	run, err := f.svc.Execute(context.Background(), ExecuteRequest{WorkflowID: wf.ID})
	require.NoError(t, err)

	// The first cancel lands before operation 2 and stops the run there.
	assert.Equal(t, []bool{true}, accepted)
	assert.Equal(t, workflow.StateCancelled, run.State)

	accepted = nil
	wf2 := f.save(t, "one", rawOp("1", "SELECT 1", true))
	run, err = f.svc.Execute(context.Background(), ExecuteRequest{WorkflowID: wf2.ID})
	require.NoError(t, err)

	assert.Equal(t, []bool{false}, accepted)
	assert.Equal(t, workflow.StateCompleted, run.State)
	assert.True(t, run.IsCompleted)
	assert.True(t, run.IsSuccessful)
	assert.False(t, run.CancelRequested)
}

// TestExecute_ContextCancelled verifies a cancelled context is observed
// between operations and the partial run is still saved.
func TestExecute_ContextCancelled(t *testing.T) {
	f := newFixture(t)
	wf := f.save(t, "ctx", rawOp("1", "SELECT 1", true), rawOp("2", "SELECT 2", true))

	ctx, cancel := context.WithCancel(context.Background())
	f.runner.hook = func(n int) {
		if n == 1 {
			cancel()
		}
	}

	run, err := f.svc.Execute(ctx, ExecuteRequest{WorkflowID: wf.ID})
	require.NoError(t, err)
	assert.Len(t, run.OperationResults, 1)
	assert.Equal(t, workflow.StateCancelled, run.State)

	_, err = f.repo.GetRun(context.Background(), run.ID)
	assert.NoError(t, err)
}

// TestStart_Async verifies a background run can be observed, waited for
// and listed.
func TestStart_Async(t *testing.T) {
	f := newFixture(t)
	wf := f.save(t, "async", rawOp("1", "SELECT 1", true), rawOp("2", "SELECT 2", true))

	release := make(chan struct{})
	reached := make(chan struct{})
	f.runner.hook = func(n int) {
		if n == 1 {
			close(reached)
			<-release
		}
	}

	id, err := f.svc.ExecuteWorkflow(context.Background(), wf.ID)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	<-reached
	live, err := f.svc.GetTestRunResult(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, workflow.StateRunning, live.State)
	assert.False(t, live.IsCompleted)
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	run, err := f.svc.Wait(ctx, id)
	require.NoError(t, err)
	assert.True(t, run.IsCompleted)
	assert.True(t, run.IsSuccessful)
	assert.Len(t, run.OperationResults, 2)

	recent, err := f.svc.GetRecentTestRuns(context.Background(), 0, "")
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, id, recent[0].ID)
	assert.False(t, f.svc.CancelTestRun(id))
}

// TestCancelTestRun_Unknown verifies unknown runs cannot be cancelled.
func TestCancelTestRun_Unknown(t *testing.T) {
	f := newFixture(t)
	assert.False(t, f.svc.CancelTestRun("nope"))
}

// TestShutdown verifies active runs are cancelled and saved.
func TestShutdown(t *testing.T) {
	f := newFixture(t)
	wf := f.save(t, "long", rawOp("1", "SELECT 1", true), rawOp("2", "SELECT 2", true))

	release := make(chan struct{})
	reached := make(chan struct{})
	f.runner.hook = func(n int) {
		if n == 1 {
			close(reached)
			<-release
		}
	}

	id, err := f.svc.Start(context.Background(), ExecuteRequest{WorkflowID: wf.ID})
	require.NoError(t, err)
	<-reached

	go func() {
		time.Sleep(10 * time.Millisecond)
		close(release)
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.svc.Shutdown(ctx))

	run, err := f.repo.GetRun(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, workflow.StateCancelled, run.State)
	assert.Len(t, run.OperationResults, 1)
}

// TestExecute_Audit verifies one audit entry per result with the test user
// only on steps that ran as the test user.
func TestExecute_Audit(t *testing.T) {
	var buf bytes.Buffer
	f := newFixture(t)
	audit := observability.NewJSONLogger(&buf)
	f.svc.deps.Audit = audit
	f.tester.results[permissions.PermissionCreate] = denied(permissions.PermissionCreate)

	wf := f.save(t, "audited",
		rawOp("read", "SELECT 1", true),
		probeOp("create", permissions.PermissionCreate, "", true),
	)
	_, err := f.svc.Execute(context.Background(), ExecuteRequest{WorkflowID: wf.ID, UserID: f.user.ID})
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.NotContains(t, lines[0], `"user"`)
	assert.NotContains(t, buf.String(), "admin")
	assert.NotContains(t, buf.String(), "analyst-pw")
	assert.Contains(t, lines[1], `"user":"analyst"`)
	assert.Contains(t, lines[1], `"outcome":"fail"`)

	summary := audit.GetAuditSummary(context.Background())
	assert.Equal(t, 1, summary.PassedCount)
	assert.Equal(t, 1, summary.FailedCount)
}

// TestExecute_SelectOnlyIsIdempotent verifies two runs of a read-only
// workflow against an unchanged database agree operation by operation.
func TestExecute_SelectOnlyIsIdempotent(t *testing.T) {
	f := newFixture(t)
	path := filepath.Join(t.TempDir(), "target.db")
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE accounts (id INTEGER); INSERT INTO accounts VALUES (1), (2)`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	f.svc.deps.Runner = probe.New(probe.WithDriver("sqlite", func(probe.ServerParams, string, string) string { return path }))
	wf := f.save(t, "reads",
		rawOp("count", "SELECT count(*) AS n FROM accounts", true),
		rawOp("missing", "SELECT * FROM missing_table", false),
		rawOp("all", "select id from accounts order by id", true),
	)

	ctx := context.Background()
	first, err := f.svc.Execute(ctx, ExecuteRequest{WorkflowID: wf.ID})
	require.NoError(t, err)
	second, err := f.svc.Execute(ctx, ExecuteRequest{WorkflowID: wf.ID})
	require.NoError(t, err)

	require.Len(t, first.OperationResults, 3)
	require.Len(t, second.OperationResults, 3)
	for i := range first.OperationResults {
		assert.Equal(t, first.OperationResults[i].IsSuccessful, second.OperationResults[i].IsSuccessful, i)
		assert.Equal(t, first.OperationResults[i].ResultData, second.OperationResults[i].ResultData, i)
	}
	assert.True(t, first.OperationResults[0].IsSuccessful)
	assert.False(t, first.OperationResults[1].IsSuccessful)
	require.NotNil(t, first.OperationResults[2].ResultCount)
	assert.Equal(t, 2, *first.OperationResults[2].ResultCount)
}
