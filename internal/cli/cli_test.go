package cli

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/canonica-labs/dbtester/internal/executor"
	"github.com/canonica-labs/dbtester/internal/gateway"
	"github.com/canonica-labs/dbtester/internal/probe"
	"github.com/canonica-labs/dbtester/internal/storage"
	"github.com/canonica-labs/dbtester/internal/vault"
	"github.com/canonica-labs/dbtester/internal/workflow"
)

const testFixtures = `
connections:
  - id: target
    name: target
    server: localhost
    database: target
    username: owner
    password: owner-pw

users:
  - id: reader
    username: reader
    password: reader-pw
    connection: target
    role: readers
    expect:
      - permission: select
        object: accounts
        granted: true

workflows:
  - id: reads
    name: reads
    connection: target
    operations:
      - name: count
        kind: RawSql
        sql: SELECT count(*) AS n FROM accounts
        expectSuccess: true
      - name: ids
        kind: RawSql
        sql: SELECT id FROM accounts ORDER BY id
        expectSuccess: true

  - id: broken
    name: broken
    connection: target
    operations:
      - name: missing
        kind: RawSql
        sql: SELECT * FROM missing_table
        expectSuccess: true

  - id: table-read
    name: table read
    connection: target
    template: true
    parameters:
      - name: table
        default: accounts
    operations:
      - name: read
        kind: ProbePermission
        permission: SELECT
        object: "{{param.table}}"
        expectSuccess: true
`

// testEnv is a config file over a SQLite store and a SQLite target.
type testEnv struct {
	dir        string
	configPath string
	targetPath string

	// proberOpts follow the target driver option.
	proberOpts []probe.Option
}

func newTestEnv(t *testing.T, withKey bool) *testEnv {
	t.Helper()
	t.Setenv("DBTESTER_VAULT_KEY", "")

	dir := t.TempDir()
	env := &testEnv{
		dir:        dir,
		configPath: filepath.Join(dir, "dbtester.yaml"),
		targetPath: filepath.Join(dir, "target.db"),
	}

	db, err := sql.Open("sqlite", env.targetPath)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE accounts (id INTEGER); INSERT INTO accounts VALUES (1), (2)`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	cfg := "store:\n  driver: sqlite\n  dsn: " + filepath.Join(dir, "store.db") + "\n  migrate: true\n  audit: true\n"
	if withKey {
		key, err := vault.GenerateKey()
		require.NoError(t, err)
		cfg += "vault:\n  key: " + key + "\n"
	}
	require.NoError(t, os.WriteFile(env.configPath, []byte(cfg), 0o600))
	return env
}

// run executes the CLI against the environment and returns the exit code,
// standard output and standard error.
func (e *testEnv) run(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var out, errOut bytes.Buffer
	target := e.targetPath
	c := New(
		WithOutput(&out, &errOut),
		WithProberOptions(probe.WithDriver("sqlite", func(probe.ServerParams, string, string) string { return target })),
		WithProberOptions(e.proberOpts...),
	)
	c.SetArgs(append([]string{"--config", e.configPath, "--no-color"}, args...))
	return c.Execute(), out.String(), errOut.String()
}

func (e *testEnv) applyFixtures(t *testing.T) {
	t.Helper()
	path := filepath.Join(e.dir, "fixtures.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testFixtures), 0o600))
	code, out, errOut := e.run(t, "fixtures", "apply", "-f", path)
	require.Equal(t, ExitSuccess, code, errOut)
	require.Contains(t, out, "1 connections, 1 users, 3 workflows")
}

// TestRun_Success verifies a passing workflow exits 0 and is recorded.
func TestRun_Success(t *testing.T) {
	env := newTestEnv(t, true)
	env.applyFixtures(t)

	code, out, errOut := env.run(t, "--json", "run", "reads")
	require.Equal(t, ExitSuccess, code, errOut)

	var run workflow.TestRun
	require.NoError(t, json.Unmarshal([]byte(out), &run))
	assert.Equal(t, "reads", run.WorkflowID)
	assert.True(t, run.IsCompleted)
	assert.True(t, run.IsSuccessful)
	require.Len(t, run.OperationResults, 2)
	require.NotNil(t, run.OperationResults[1].ResultCount)
	assert.Equal(t, 2, *run.OperationResults[1].ResultCount)

	code, out, errOut = env.run(t, "--json", "runs", "list", "-w", "reads")
	require.Equal(t, ExitSuccess, code, errOut)
	var runs []workflow.TestRun
	require.NoError(t, json.Unmarshal([]byte(out), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, run.ID, runs[0].ID)
}

// TestRun_Unsuccessful verifies a failing step exits 5 without an error
// message.
func TestRun_Unsuccessful(t *testing.T) {
	env := newTestEnv(t, true)
	env.applyFixtures(t)

	code, out, errOut := env.run(t, "run", "broken")
	assert.Equal(t, ExitUnsuccessful, code)
	assert.NotContains(t, errOut, "Error:")
	assert.Contains(t, out, "broken")
}

// TestRun_Parallel verifies several workflows run in one invocation and any
// failure decides the exit code.
func TestRun_Parallel(t *testing.T) {
	env := newTestEnv(t, true)
	env.applyFixtures(t)

	code, out, errOut := env.run(t, "--json", "run", "reads", "broken", "--parallel", "2")
	assert.Equal(t, ExitUnsuccessful, code, errOut)

	var runs []workflow.TestRun
	require.NoError(t, json.Unmarshal([]byte(out), &runs))
	require.Len(t, runs, 2)
	assert.Equal(t, "reads", runs[0].WorkflowID)
	assert.True(t, runs[0].IsSuccessful)
	assert.Equal(t, "broken", runs[1].WorkflowID)
	assert.False(t, runs[1].IsSuccessful)
}

// TestRun_MissingWorkflowDoesNotStopOthers verifies a workflow that cannot
// be loaded is reported without aborting the other runs of the invocation.
func TestRun_MissingWorkflowDoesNotStopOthers(t *testing.T) {
	env := newTestEnv(t, true)
	env.applyFixtures(t)

	code, out, errOut := env.run(t, "--json", "run", "no-such-workflow", "reads", "--parallel", "1")
	assert.Equal(t, ExitValidation, code)
	assert.Contains(t, errOut, "no-such-workflow")

	var runs []workflow.TestRun
	require.NoError(t, json.Unmarshal([]byte(out), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, "reads", runs[0].WorkflowID)
	assert.Equal(t, workflow.StateCompleted, runs[0].State)
	assert.True(t, runs[0].IsSuccessful)

	code, out, errOut = env.run(t, "--json", "runs", "list", "-w", "reads")
	require.Equal(t, ExitSuccess, code, errOut)
	var stored []workflow.TestRun
	require.NoError(t, json.Unmarshal([]byte(out), &stored))
	require.Len(t, stored, 1)
	assert.Equal(t, workflow.StateCompleted, stored[0].State)
}

// TestRun_Template verifies a template runs with its parameter defaults.
func TestRun_Template(t *testing.T) {
	env := newTestEnv(t, true)
	env.applyFixtures(t)

	code, out, errOut := env.run(t, "--json", "run", "table-read", "--user", "reader", "--param", "table=accounts")
	require.Equal(t, ExitSuccess, code, errOut)

	var run workflow.TestRun
	require.NoError(t, json.Unmarshal([]byte(out), &run))
	require.Len(t, run.OperationResults, 1)
	assert.True(t, run.OperationResults[0].IsSuccessful, run.OperationResults[0].ErrorMessage)
}

// TestRun_ExitCodes verifies each error category maps to its exit code.
func TestRun_ExitCodes(t *testing.T) {
	env := newTestEnv(t, true)
	env.applyFixtures(t)

	code, _, errOut := env.run(t, "run", "reads", "--param", "novalue")
	assert.Equal(t, ExitValidation, code)
	assert.Contains(t, errOut, "name=value")

	code, _, _ = env.run(t, "run", "no-such-workflow")
	assert.Equal(t, ExitValidation, code)

	code, _, _ = env.run(t, "run")
	assert.Equal(t, ExitValidation, code)

	code, _, _ = env.run(t, "run", "reads", "--no-such-flag")
	assert.Equal(t, ExitValidation, code)

	noKey := newTestEnv(t, false)
	code, _, errOut = noKey.run(t, "run", "reads")
	assert.Equal(t, ExitConfiguration, code)
	assert.Contains(t, errOut, "vault")
}

// TestRunsShowAndExport verifies a recorded run can be shown and exported.
func TestRunsShowAndExport(t *testing.T) {
	env := newTestEnv(t, true)
	env.applyFixtures(t)

	code, out, errOut := env.run(t, "--json", "run", "reads")
	require.Equal(t, ExitSuccess, code, errOut)
	var run workflow.TestRun
	require.NoError(t, json.Unmarshal([]byte(out), &run))

	code, out, errOut = env.run(t, "runs", "show", run.ID)
	require.Equal(t, ExitSuccess, code, errOut)
	assert.Contains(t, out, "count")

	exportDir := t.TempDir()
	code, out, errOut = env.run(t, "runs", "export", run.ID, "-o", exportDir)
	require.Equal(t, ExitSuccess, code, errOut)
	assert.Contains(t, out, "Exported run "+run.ID)

	matches, err := filepath.Glob(filepath.Join(exportDir, "testrun-"+run.ID+"-*.csv"))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	data, err := os.ReadFile(matches[0])
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	assert.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "run_id,"))

	code, out, errOut = env.run(t, "runs", "export", run.ID, "-f", "json", "-o", "-")
	require.Equal(t, ExitSuccess, code, errOut)
	var exported workflow.TestRun
	require.NoError(t, json.Unmarshal([]byte(out), &exported))
	assert.Equal(t, run.ID, exported.ID)

	code, _, _ = env.run(t, "runs", "export", run.ID, "-f", "pdf")
	assert.Equal(t, ExitValidation, code)

	code, _, _ = env.run(t, "runs", "show", "no-such-run")
	assert.Equal(t, ExitValidation, code)
}

// TestProbe verifies a single permission probe and the --expect outcome.
func TestProbe(t *testing.T) {
	env := newTestEnv(t, true)
	env.applyFixtures(t)

	code, out, errOut := env.run(t, "probe", "select", "accounts", "--user", "reader")
	require.Equal(t, ExitSuccess, code, errOut)
	assert.Contains(t, out, "granted")

	code, _, _ = env.run(t, "probe", "select", "accounts", "--user", "reader", "--expect", "denied")
	assert.Equal(t, ExitUnsuccessful, code)

	code, _, _ = env.run(t, "probe", "select", "--user", "reader")
	assert.Equal(t, ExitValidation, code)

	code, _, _ = env.run(t, "probe", "select", "accounts")
	assert.Equal(t, ExitValidation, code)

	code, _, _ = env.run(t, "probe", "fly", "accounts", "--user", "reader")
	assert.Equal(t, ExitValidation, code)
}

// TestExpect verifies expectations are checked and optionally recorded.
func TestExpect(t *testing.T) {
	env := newTestEnv(t, true)
	env.applyFixtures(t)

	code, out, errOut := env.run(t, "expect", "reader")
	require.Equal(t, ExitSuccess, code, errOut)
	assert.Contains(t, out, "1 of 1 expectations matched")

	code, out, errOut = env.run(t, "--json", "expect", "reader", "--record")
	require.Equal(t, ExitSuccess, code, errOut)
	var run workflow.TestRun
	require.NoError(t, json.Unmarshal([]byte(out), &run))
	assert.True(t, run.IsSuccessful)
	assert.Equal(t, "reader", run.UserID)

	code, _, _ = env.run(t, "expect", "nobody")
	assert.Equal(t, ExitValidation, code)
}

// TestWorkflowCommands verifies listing, cloning and instantiation.
func TestWorkflowCommands(t *testing.T) {
	env := newTestEnv(t, true)
	env.applyFixtures(t)

	code, out, errOut := env.run(t, "workflow", "templates")
	require.Equal(t, ExitSuccess, code, errOut)
	assert.Contains(t, out, "table-read")
	assert.NotContains(t, out, "reads ")

	code, out, errOut = env.run(t, "--json", "workflow", "instantiate", "table-read", "--name", "accounts read", "-p", "table=accounts")
	require.Equal(t, ExitSuccess, code, errOut)
	var wf workflow.TestWorkflow
	require.NoError(t, json.Unmarshal([]byte(out), &wf))
	assert.False(t, wf.IsTemplate)
	assert.NotEqual(t, "table-read", wf.ID)
	require.Len(t, wf.Operations, 1)
	assert.Equal(t, "accounts", wf.Operations[0].ObjectName)

	code, out, errOut = env.run(t, "--json", "workflow", "clone", "reads", "--name", "reads copy")
	require.Equal(t, ExitSuccess, code, errOut)
	var clone workflow.TestWorkflow
	require.NoError(t, json.Unmarshal([]byte(out), &clone))
	assert.Equal(t, "reads copy", clone.Name)
	assert.NotEqual(t, "reads", clone.ID)
	assert.Len(t, clone.Operations, 2)

	code, out, errOut = env.run(t, "workflow", "show", clone.ID)
	require.Equal(t, ExitSuccess, code, errOut)
	assert.Contains(t, out, "SELECT count(*) AS n FROM accounts")

	code, _, _ = env.run(t, "workflow", "instantiate", "reads", "--name", "x")
	assert.Equal(t, ExitValidation, code)

	code, _, _ = env.run(t, "workflow", "instantiate", "table-read")
	assert.Equal(t, ExitValidation, code)
}

// TestVault verifies key generation and an encrypt/decrypt round trip.
func TestVault(t *testing.T) {
	env := newTestEnv(t, true)

	code, out, errOut := env.run(t, "vault", "keygen")
	require.Equal(t, ExitSuccess, code, errOut)
	_, err := vault.New(strings.TrimSpace(out))
	assert.NoError(t, err)

	code, out, errOut = env.run(t, "vault", "encrypt", "s3cret")
	require.Equal(t, ExitSuccess, code, errOut)
	sealed := strings.TrimSpace(out)
	assert.NotContains(t, sealed, "s3cret")

	code, out, errOut = env.run(t, "vault", "decrypt", sealed)
	require.Equal(t, ExitSuccess, code, errOut)
	assert.Equal(t, "s3cret", strings.TrimSpace(out))

	code, _, _ = env.run(t, "vault", "decrypt", "not-base64!")
	assert.Equal(t, ExitValidation, code)

	noKey := newTestEnv(t, false)
	code, _, _ = noKey.run(t, "vault", "encrypt", "s3cret")
	assert.Equal(t, ExitConfiguration, code)
}

// TestFixtures verifies init, validate and a rejected fixture file.
func TestFixtures(t *testing.T) {
	env := newTestEnv(t, true)
	dir := t.TempDir()

	code, out, errOut := env.run(t, "fixtures", "init", "-o", dir)
	require.Equal(t, ExitSuccess, code, errOut)
	assert.Contains(t, out, "Fixture file created")

	code, out, errOut = env.run(t, "fixtures", "validate", "-f", filepath.Join(dir, "fixtures.yaml"))
	require.Equal(t, ExitSuccess, code, errOut)
	assert.Contains(t, out, "Fixture file is valid")

	code, _, _ = env.run(t, "fixtures", "init", "-o", dir)
	assert.Equal(t, ExitValidation, code)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("connections:\n  - id: x\n    colour: blue\n"), 0o600))
	code, _, _ = env.run(t, "fixtures", "validate", "-f", bad)
	assert.Equal(t, ExitValidation, code)

	code, _, _ = env.run(t, "fixtures", "validate", "-f", filepath.Join(dir, "missing.yaml"))
	assert.Equal(t, ExitValidation, code)
}

// TestMigrate verifies migrations are applied once and listed.
func TestMigrate(t *testing.T) {
	env := newTestEnv(t, true)

	code, _, errOut := env.run(t, "migrate")
	require.Equal(t, ExitSuccess, code, errOut)

	code, out, errOut := env.run(t, "migrate")
	require.Equal(t, ExitSuccess, code, errOut)
	assert.Contains(t, out, "up to date")

	code, out, errOut = env.run(t, "migrate", "--status")
	require.Equal(t, ExitSuccess, code, errOut)
	assert.Contains(t, out, "applied")
	assert.NotContains(t, out, "pending")
}

// TestVersion verifies the store schema version is reported without
// creating the store.
func TestVersion(t *testing.T) {
	env := newTestEnv(t, false)
	storePath := filepath.Join(env.dir, "store.db")

	code, out, errOut := env.run(t, "version")
	require.Equal(t, ExitSuccess, code, errOut)
	assert.Contains(t, out, "Driver: sqlite")
	assert.Contains(t, out, "Schema: not created")
	assert.NoFileExists(t, storePath)

	code, _, errOut = env.run(t, "migrate")
	require.Equal(t, ExitSuccess, code, errOut)

	code, out, errOut = env.run(t, "--json", "version")
	require.Equal(t, ExitSuccess, code, errOut)
	var info struct {
		Store StoreVersion `json:"store"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.Equal(t, "current", info.Store.Status)
	assert.Equal(t, "000005", info.Store.Current)
}

// TestGatewayCommands verifies the commands that talk to a gateway.
func TestGatewayCommands(t *testing.T) {
	env := newTestEnv(t, true)

	repo := storage.NewMemoryRepository()
	gw := gateway.New(gateway.Dependencies{
		Runs:      executor.NewService(executor.Dependencies{Workflows: repo, Connections: repo, Runs: repo}),
		Workflows: repo,
		Version:   "9.9.9",
	})
	srv := httptest.NewServer(gw)
	defer srv.Close()

	code, out, errOut := env.run(t, "--endpoint", srv.URL, "status")
	require.Equal(t, ExitSuccess, code, errOut)
	assert.Contains(t, out, "9.9.9")

	code, out, errOut = env.run(t, "--endpoint", srv.URL, "audit", "summary")
	require.Equal(t, ExitSuccess, code, errOut)
	assert.Contains(t, out, "Passed:")

	code, _, _ = env.run(t, "--endpoint", srv.URL, "runs", "show", "no-such-run", "--remote")
	assert.Equal(t, ExitValidation, code)

	code, _, _ = env.run(t, "--endpoint", srv.URL, "runs", "cancel", "no-such-run")
	assert.Equal(t, ExitValidation, code)

	code, out, _ = env.run(t, "--endpoint", srv.URL, "--json", "version")
	require.Equal(t, ExitSuccess, code)
	assert.Contains(t, out, `"version": "9.9.9"`)

	srv.Close()
	code, _, _ = env.run(t, "--endpoint", srv.URL, "status")
	assert.Equal(t, ExitConnection, code)
}

// TestRemoteRun verifies --remote starts a run on the gateway and follows it
// to completion.
func TestRemoteRun(t *testing.T) {
	env := newTestEnv(t, true)

	repo := storage.NewMemoryRepository()
	ctx := context.Background()
	require.NoError(t, repo.SaveConnection(ctx, &workflow.DatabaseConnection{
		ID: "target", Name: "target", Server: "localhost", DatabaseName: "target",
	}))
	wf := &workflow.TestWorkflow{
		ID: "reads", Name: "reads", ConnectionID: "target",
		Operations: []workflow.TestOperation{
			{Name: "count", Kind: workflow.KindRawSQL, SequenceOrder: 1, SQLStatement: "SELECT count(*) FROM accounts", ExpectSuccess: true},
		},
	}
	require.NoError(t, repo.SaveWorkflow(ctx, wf))

	key, err := vault.GenerateKey()
	require.NoError(t, err)
	v, err := vault.New(key)
	require.NoError(t, err)

	target := env.targetPath
	svc := executor.NewService(executor.Dependencies{
		Workflows:   repo,
		Connections: repo,
		Runs:        repo,
		Cipher:      v,
		Runner:      probe.New(probe.WithDriver("sqlite", func(probe.ServerParams, string, string) string { return target })),
	})
	srv := httptest.NewServer(gateway.New(gateway.Dependencies{Runs: svc, Workflows: repo}))
	defer srv.Close()

	code, out, errOut := env.run(t, "--endpoint", srv.URL, "--json", "run", "reads", "--remote", "--poll", "10ms")
	require.Equal(t, ExitSuccess, code, errOut)

	var run workflow.TestRun
	require.NoError(t, json.Unmarshal([]byte(out), &run))
	assert.True(t, run.IsSuccessful)
	assert.Equal(t, workflow.StateCompleted, run.State)
}
