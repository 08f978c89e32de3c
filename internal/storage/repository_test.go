package storage

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/canonica-labs/dbtester/internal/errors"
	"github.com/canonica-labs/dbtester/internal/permissions"
	"github.com/canonica-labs/dbtester/internal/workflow"
)

func sqliteDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := Open(context.Background(), PostgresConfig{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "store.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = NewMigrationRunner(db).Run(context.Background())
	require.NoError(t, err)
	return db
}

// repositories returns every Repository implementation under test.
func repositories(t *testing.T) map[string]Repository {
	return map[string]Repository{
		"memory": NewMemoryRepository(),
		"sql":    NewPostgresRepository(sqliteDB(t)),
	}
}

func sampleWorkflow() *workflow.TestWorkflow {
	return &workflow.TestWorkflow{
		Name:         "reporting grants",
		ConnectionID: "conn-1",
		IsTemplate:   true,
		Parameters: []workflow.TemplateParameter{
			{Name: "table", DefaultValue: "public.orders"},
		},
		Operations: []workflow.TestOperation{
			{Name: "cannot delete", Kind: workflow.KindProbePermission, SequenceOrder: 2,
				Permission: permissions.PermissionDelete, ObjectName: "{{param.table}}"},
			{Name: "can select", Kind: workflow.KindProbePermission, SequenceOrder: 1,
				Permission: permissions.PermissionSelect, ObjectName: "{{param.table}}", ExpectSuccess: true},
			{Name: "count", Kind: workflow.KindRawSQL, SequenceOrder: 3,
				SQLStatement: "SELECT count(*) FROM {{param.table}}", ExpectSuccess: true, RunAsTestUser: true},
		},
	}
}

// TestRepository_WorkflowRoundTrip verifies operations come back ordered
// with parameters intact.
func TestRepository_WorkflowRoundTrip(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			wf := sampleWorkflow()
			require.NoError(t, repo.SaveWorkflow(ctx, wf))
			require.NotEmpty(t, wf.ID)

			got, err := repo.GetWorkflow(ctx, wf.ID)
			require.NoError(t, err)
			assert.Equal(t, "reporting grants", got.Name)
			assert.True(t, got.IsTemplate)
			require.Len(t, got.Parameters, 1)
			assert.Equal(t, "public.orders", got.Parameters[0].DefaultValue)

			require.Len(t, got.Operations, 3)
			assert.Equal(t, "can select", got.Operations[0].Name)
			assert.Equal(t, "cannot delete", got.Operations[1].Name)
			assert.Equal(t, workflow.KindRawSQL, got.Operations[2].Kind)
			assert.True(t, got.Operations[2].RunAsTestUser)
			assert.Equal(t, permissions.PermissionDelete, got.Operations[1].Permission)
			for _, op := range got.Operations {
				assert.NotEmpty(t, op.ID)
			}
		})
	}
}

// TestRepository_SaveWorkflowReplacesOperations verifies a second save
// replaces the operation list.
func TestRepository_SaveWorkflowReplacesOperations(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			wf := sampleWorkflow()
			require.NoError(t, repo.SaveWorkflow(ctx, wf))

			wf.Operations = wf.OrderedOperations()[:1]
			wf.Name = "renamed"
			require.NoError(t, repo.SaveWorkflow(ctx, wf))

			got, err := repo.GetWorkflow(ctx, wf.ID)
			require.NoError(t, err)
			assert.Equal(t, "renamed", got.Name)
			require.Len(t, got.Operations, 1)
			assert.Equal(t, "can select", got.Operations[0].Name)
		})
	}
}

// TestRepository_SaveWorkflowRejectsInvalid verifies validation runs before
// anything is written.
func TestRepository_SaveWorkflowRejectsInvalid(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			wf := &workflow.TestWorkflow{Name: ""}
			err := repo.SaveWorkflow(context.Background(), wf)
			require.Error(t, err)
			assert.Equal(t, errors.CodeValidation, errors.CodeOf(err))
		})
	}
}

// TestRepository_ListTemplates verifies only templates are listed.
func TestRepository_ListTemplates(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			tmpl := sampleWorkflow()
			require.NoError(t, repo.SaveWorkflow(ctx, tmpl))

			plain := sampleWorkflow()
			plain.Name = "adhoc"
			plain.IsTemplate = false
			require.NoError(t, repo.SaveWorkflow(ctx, plain))

			all, err := repo.ListWorkflows(ctx)
			require.NoError(t, err)
			require.Len(t, all, 2)
			assert.Equal(t, "adhoc", all[0].Name)

			templates, err := repo.ListTemplates(ctx)
			require.NoError(t, err)
			require.Len(t, templates, 1)
			assert.Equal(t, tmpl.ID, templates[0].ID)
			assert.Len(t, templates[0].Operations, 3)
		})
	}
}

// TestRepository_NotFound verifies missing rows map to ErrNotFound.
func TestRepository_NotFound(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := repo.GetWorkflow(ctx, "missing")
			assert.True(t, errors.IsNotFound(err))
			_, err = repo.GetConnection(ctx, "missing")
			assert.True(t, errors.IsNotFound(err))
			_, err = repo.GetTestUser(ctx, "missing")
			assert.True(t, errors.IsNotFound(err))
			_, err = repo.GetRun(ctx, "missing")
			assert.True(t, errors.IsNotFound(err))
		})
	}
}

// TestRepository_ConnectionAndUser verifies credentials and expected
// permissions survive storage.
func TestRepository_ConnectionAndUser(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			conn := &workflow.DatabaseConnection{
				Name:              "warehouse",
				Server:            "db.internal",
				Port:              5433,
				DatabaseName:      "dw",
				EncryptedUsername: "enc-user",
				EncryptedPassword: "enc-pass",
				SSLMode:           "require",
			}
			require.NoError(t, repo.SaveConnection(ctx, conn))

			user := &workflow.TestUser{
				Name:              "analyst",
				Username:          "analyst",
				EncryptedPassword: "enc-analyst",
				ConnectionID:      conn.ID,
				AssignedRole:      "reporting",
				ExpectedPermissions: []permissions.Expectation{
					{Permission: permissions.PermissionSelect, ObjectName: "public.orders", IsGranted: true},
					{Permission: permissions.PermissionCreate},
				},
			}
			require.NoError(t, repo.SaveTestUser(ctx, user))

			gotConn, err := repo.GetConnection(ctx, conn.ID)
			require.NoError(t, err)
			assert.Equal(t, 5433, gotConn.Port)
			assert.Equal(t, "enc-pass", gotConn.EncryptedPassword)
			assert.Equal(t, "require", gotConn.SSLMode)
			assert.False(t, gotConn.IsConnectionValid)
			assert.Nil(t, gotConn.LastConnectionTest)

			tested := time.Date(2025, 5, 14, 18, 0, 0, 0, time.UTC)
			gotConn.IsConnectionValid = true
			gotConn.LastConnectionTest = &tested
			require.NoError(t, repo.SaveConnection(ctx, gotConn))
			gotConn, err = repo.GetConnection(ctx, conn.ID)
			require.NoError(t, err)
			assert.True(t, gotConn.IsConnectionValid)
			require.NotNil(t, gotConn.LastConnectionTest)
			assert.True(t, tested.Equal(*gotConn.LastConnectionTest))

			gotUser, err := repo.GetTestUser(ctx, user.ID)
			require.NoError(t, err)
			assert.Equal(t, "enc-analyst", gotUser.EncryptedPassword)
			assert.Equal(t, user.ExpectedPermissions, gotUser.ExpectedPermissions)
		})
	}
}

func sampleRun(workflowID string, start time.Time) *workflow.TestRun {
	end := start.Add(2 * time.Second)
	count := 1
	return &workflow.TestRun{
		WorkflowID:   workflowID,
		WorkflowName: "reporting grants",
		State:        workflow.StateCompleted,
		StartTime:    start,
		EndTime:      &end,
		IsCompleted:  true,
		IsSuccessful: true,
		OperationResults: []workflow.OperationResult{
			{OperationID: "op-1", OperationName: "can select", StartTime: start, EndTime: start.Add(time.Second),
				IsSuccessful: true, MatchesExpectedOutcome: true, ResultCount: &count, ResultData: `[{"id":1}]`},
			{OperationID: "op-2", OperationName: "cannot delete", StartTime: start.Add(time.Second), EndTime: end,
				IsSuccessful: true, MatchesExpectedOutcome: true, ErrorMessage: "permission denied for table orders"},
		},
	}
}

// TestRepository_RunRoundTrip verifies results keep execution order and
// nullable fields.
func TestRepository_RunRoundTrip(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
			run := sampleRun("wf-1", start)
			require.NoError(t, repo.SaveRun(ctx, run))

			got, err := repo.GetRun(ctx, run.ID)
			require.NoError(t, err)
			assert.Equal(t, workflow.StateCompleted, got.State)
			assert.True(t, got.IsCompleted)
			assert.True(t, got.StartTime.Equal(start))
			require.NotNil(t, got.EndTime)
			assert.True(t, got.EndTime.Equal(start.Add(2*time.Second)))

			require.Len(t, got.OperationResults, 2)
			first, second := got.OperationResults[0], got.OperationResults[1]
			assert.Equal(t, "can select", first.OperationName)
			require.NotNil(t, first.ResultCount)
			assert.Equal(t, 1, *first.ResultCount)
			assert.Equal(t, `[{"id":1}]`, first.ResultData)
			assert.Nil(t, second.ResultCount)
			assert.Equal(t, "permission denied for table orders", second.ErrorMessage)
			assert.Equal(t, time.Second, second.Duration())
		})
	}
}

// TestRepository_RunWithoutEndTime verifies a cancelled run without an end
// time round-trips.
func TestRepository_RunWithoutEndTime(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			run := &workflow.TestRun{
				WorkflowID:      "wf-1",
				State:           workflow.StateCancelled,
				StartTime:       time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
				CancelRequested: true,
			}
			require.NoError(t, repo.SaveRun(ctx, run))

			got, err := repo.GetRun(ctx, run.ID)
			require.NoError(t, err)
			assert.Nil(t, got.EndTime)
			assert.False(t, got.IsCompleted)
			assert.True(t, got.CancelRequested)
			assert.Empty(t, got.OperationResults)
		})
	}
}

// TestRepository_RecentRuns verifies newest-first ordering, the count limit,
// the default count and the workflow filter.
func TestRepository_RecentRuns(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
			for i := 0; i < 12; i++ {
				wfID := "wf-a"
				if i%2 == 1 {
					wfID = "wf-b"
				}
				require.NoError(t, repo.SaveRun(ctx, sampleRun(wfID, base.Add(time.Duration(i)*time.Minute))))
			}

			runs, err := repo.RecentRuns(ctx, 3, "")
			require.NoError(t, err)
			require.Len(t, runs, 3)
			assert.True(t, runs[0].StartTime.Equal(base.Add(11*time.Minute)))
			assert.True(t, runs[1].StartTime.Equal(base.Add(10*time.Minute)))
			assert.True(t, runs[2].StartTime.Equal(base.Add(9*time.Minute)))
			assert.Len(t, runs[0].OperationResults, 2)

			runs, err = repo.RecentRuns(ctx, 0, "")
			require.NoError(t, err)
			assert.Len(t, runs, DefaultRecentRuns)

			runs, err = repo.RecentRuns(ctx, 100, "wf-b")
			require.NoError(t, err)
			require.Len(t, runs, 6)
			for _, r := range runs {
				assert.Equal(t, "wf-b", r.WorkflowID)
			}
		})
	}
}

// TestRepository_CheckConnectivity verifies a reachable store reports no
// error.
func TestRepository_CheckConnectivity(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			assert.NoError(t, repo.CheckConnectivity(context.Background()))
		})
	}
}

// TestMemoryRepository_SimulatedFailures verifies the failure switches.
func TestMemoryRepository_SimulatedFailures(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	repo.SetConnectivityFailure(true)
	assert.Error(t, repo.CheckConnectivity(ctx))

	repo.SetPersistenceFailure(true)
	err := repo.SaveRun(ctx, &workflow.TestRun{WorkflowID: "wf"})
	require.Error(t, err)
	assert.Equal(t, errors.CodeInternal, errors.CodeOf(err))
}

// TestMemoryRepository_ReturnsCopies verifies callers cannot mutate stored
// state.
func TestMemoryRepository_ReturnsCopies(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	wf := sampleWorkflow()
	require.NoError(t, repo.SaveWorkflow(ctx, wf))

	got, err := repo.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	got.Operations[0].Name = "mutated"
	wf.Operations[0].Name = "mutated too"

	again, err := repo.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, "can select", again.Operations[0].Name)
	assert.Equal(t, "cannot delete", again.Operations[1].Name)
}

// TestMemoryRepository_RespectsContext verifies a cancelled context fails
// fast.
func TestMemoryRepository_RespectsContext(t *testing.T) {
	repo := NewMemoryRepository()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := repo.GetRun(ctx, "any")
	assert.ErrorIs(t, err, context.Canceled)
}

// TestMigrationRunner_Idempotent verifies a second run applies nothing and
// Status reports every migration applied.
func TestMigrationRunner_Idempotent(t *testing.T) {
	db := sqliteDB(t)
	runner := NewMigrationRunner(db)
	ctx := context.Background()

	applied, err := runner.Run(ctx)
	require.NoError(t, err)
	assert.Empty(t, applied)

	status, err := runner.Status(ctx)
	require.NoError(t, err)
	require.Len(t, status, 5)
	assert.Equal(t, "000001_create_connections", status[0].Name)
	for _, m := range status {
		assert.True(t, m.Applied, m.Name)
	}
}

// TestMigrationRunner_SchemaVersion verifies the applied and known versions
// before and after migrating.
func TestMigrationRunner_SchemaVersion(t *testing.T) {
	db, err := Open(context.Background(), PostgresConfig{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "v.db")})
	require.NoError(t, err)
	defer db.Close()
	runner := NewMigrationRunner(db)

	current, latest, err := runner.SchemaVersion(context.Background())
	require.NoError(t, err)
	assert.Empty(t, current)
	assert.Equal(t, "000005", latest)

	_, err = runner.Run(context.Background())
	require.NoError(t, err)
	current, latest, err = runner.SchemaVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "000005", current)
	assert.Equal(t, latest, current)
}
