package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/canonica-labs/dbtester/internal/errors"
	"github.com/canonica-labs/dbtester/internal/permissions"
	"github.com/canonica-labs/dbtester/internal/workflow"
)

// PostgresRepository implements Repository over database/sql. The SQL
// sticks to the subset PostgreSQL and SQLite share, so the same repository
// serves a local single-file store.
type PostgresRepository struct {
	db  *sql.DB
	now func() time.Time
}

var _ Repository = (*PostgresRepository)(nil)

// PostgresConfig configures the store connection pool.
type PostgresConfig struct {
	// Driver is the database/sql driver name: postgres or sqlite.
	Driver string

	// DSN is the driver connection string.
	DSN string

	// MaxOpenConns is the maximum number of open connections.
	MaxOpenConns int

	// MaxIdleConns is the maximum number of idle connections.
	MaxIdleConns int

	// ConnMaxLifetime is the maximum connection lifetime.
	ConnMaxLifetime time.Duration
}

// Open opens and pings the store database described by cfg.
func Open(ctx context.Context, cfg PostgresConfig) (*sql.DB, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = "postgres"
	}
	db, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, errors.NewDatabaseUnavailable(err.Error())
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if driver == "sqlite" {
		// one writer at a time; concurrent runs queue instead of failing with SQLITE_BUSY
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.NewDatabaseUnavailable(err.Error())
	}
	return db, nil
}

// NewPostgresRepository creates a repository over db.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db, now: time.Now}
}

// CheckConnectivity verifies database connectivity.
func (r *PostgresRepository) CheckConnectivity(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return errors.NewDatabaseUnavailable(err.Error())
	}
	return nil
}

// SaveWorkflow upserts the workflow row and replaces its operations.
func (r *PostgresRepository) SaveWorkflow(ctx context.Context, wf *workflow.TestWorkflow) error {
	if err := wf.Validate(); err != nil {
		return err
	}
	wf.AssignIDs()

	params, err := json.Marshal(wf.Parameters)
	if err != nil {
		return fmt.Errorf("failed to encode parameters: %w", err)
	}

	now := r.now().UTC()
	if wf.CreatedAt.IsZero() {
		wf.CreatedAt = now
	}
	wf.UpdatedAt = now

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO test_workflows (id, name, description, connection_id, is_template, parameters, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO UPDATE SET
		   name = excluded.name,
		   description = excluded.description,
		   connection_id = excluded.connection_id,
		   is_template = excluded.is_template,
		   parameters = excluded.parameters,
		   updated_at = excluded.updated_at`,
		wf.ID, wf.Name, wf.Description, wf.ConnectionID, wf.IsTemplate, string(params), wf.CreatedAt.UTC(), now,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert workflow: %w", err)
	}

	if _, err = tx.ExecContext(ctx, `DELETE FROM test_operations WHERE workflow_id = $1`, wf.ID); err != nil {
		return fmt.Errorf("failed to clear operations: %w", err)
	}
	for _, op := range wf.Operations {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO test_operations (id, workflow_id, name, description, kind, sequence_order,
			   permission, sql_statement, object_name, expect_success, run_as_test_user)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			op.ID, wf.ID, op.Name, op.Description, string(op.Kind), op.SequenceOrder,
			string(op.Permission), op.SQLStatement, op.ObjectName, op.ExpectSuccess, op.RunAsTestUser,
		)
		if err != nil {
			return fmt.Errorf("failed to insert operation %s: %w", op.Name, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetWorkflow retrieves a workflow with ordered operations.
func (r *PostgresRepository) GetWorkflow(ctx context.Context, id string) (*workflow.TestWorkflow, error) {
	wf, err := scanWorkflow(r.db.QueryRowContext(ctx,
		`SELECT id, name, description, connection_id, is_template, parameters, created_at, updated_at
		 FROM test_workflows WHERE id = $1`, id))
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFound("workflow", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}
	if wf.Operations, err = r.loadOperations(ctx, wf.ID); err != nil {
		return nil, err
	}
	return wf, nil
}

// ListWorkflows returns every workflow sorted by name.
func (r *PostgresRepository) ListWorkflows(ctx context.Context) ([]*workflow.TestWorkflow, error) {
	return r.listWorkflows(ctx, `SELECT id, name, description, connection_id, is_template, parameters, created_at, updated_at
		 FROM test_workflows ORDER BY name, id`)
}

// ListTemplates returns template workflows sorted by name.
func (r *PostgresRepository) ListTemplates(ctx context.Context) ([]*workflow.TestWorkflow, error) {
	return r.listWorkflows(ctx, `SELECT id, name, description, connection_id, is_template, parameters, created_at, updated_at
		 FROM test_workflows WHERE is_template = TRUE ORDER BY name, id`)
}

func (r *PostgresRepository) listWorkflows(ctx context.Context, query string) ([]*workflow.TestWorkflow, error) {
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}
	out := []*workflow.TestWorkflow{}
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan workflow: %w", err)
		}
		out = append(out, wf)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for _, wf := range out {
		if wf.Operations, err = r.loadOperations(ctx, wf.ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(s scanner) (*workflow.TestWorkflow, error) {
	var wf workflow.TestWorkflow
	var params string
	if err := s.Scan(&wf.ID, &wf.Name, &wf.Description, &wf.ConnectionID, &wf.IsTemplate,
		&params, &wf.CreatedAt, &wf.UpdatedAt); err != nil {
		return nil, err
	}
	if params != "" {
		if err := json.Unmarshal([]byte(params), &wf.Parameters); err != nil {
			return nil, fmt.Errorf("failed to decode parameters of %s: %w", wf.ID, err)
		}
	}
	return &wf, nil
}

func (r *PostgresRepository) loadOperations(ctx context.Context, workflowID string) ([]workflow.TestOperation, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, name, description, kind, sequence_order, permission, sql_statement,
		        object_name, expect_success, run_as_test_user
		 FROM test_operations WHERE workflow_id = $1 ORDER BY sequence_order`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to get operations: %w", err)
	}
	defer rows.Close()

	ops := []workflow.TestOperation{}
	for rows.Next() {
		var op workflow.TestOperation
		var kind, perm string
		if err := rows.Scan(&op.ID, &op.Name, &op.Description, &kind, &op.SequenceOrder, &perm,
			&op.SQLStatement, &op.ObjectName, &op.ExpectSuccess, &op.RunAsTestUser); err != nil {
			return nil, fmt.Errorf("failed to scan operation: %w", err)
		}
		op.Kind = workflow.OperationKind(kind)
		op.Permission = permissions.Permission(perm)
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// SaveConnection upserts a connection.
func (r *PostgresRepository) SaveConnection(ctx context.Context, c *workflow.DatabaseConnection) error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.ID == "" {
		c.ID = workflow.NewID()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = r.now().UTC()
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO database_connections (id, name, server, port, database_name, encrypted_username,
		   encrypted_password, max_pool_size, min_pool_size, connection_timeout_seconds, ssl_mode, created_at,
		   is_connection_valid, last_connection_test)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		 ON CONFLICT (id) DO UPDATE SET
		   name = excluded.name,
		   server = excluded.server,
		   port = excluded.port,
		   database_name = excluded.database_name,
		   encrypted_username = excluded.encrypted_username,
		   encrypted_password = excluded.encrypted_password,
		   max_pool_size = excluded.max_pool_size,
		   min_pool_size = excluded.min_pool_size,
		   connection_timeout_seconds = excluded.connection_timeout_seconds,
		   ssl_mode = excluded.ssl_mode,
		   is_connection_valid = excluded.is_connection_valid,
		   last_connection_test = excluded.last_connection_test`,
		c.ID, c.Name, c.Server, c.Port, c.DatabaseName, c.EncryptedUsername, c.EncryptedPassword,
		c.MaxPoolSize, c.MinPoolSize, c.ConnectionTimeoutSeconds, c.SSLMode, c.CreatedAt.UTC(),
		c.IsConnectionValid, utcOrNil(c.LastConnectionTest),
	)
	if err != nil {
		return fmt.Errorf("failed to save connection: %w", err)
	}
	return nil
}

// GetConnection retrieves a connection.
func (r *PostgresRepository) GetConnection(ctx context.Context, id string) (*workflow.DatabaseConnection, error) {
	var c workflow.DatabaseConnection
	var tested sql.NullTime
	err := r.db.QueryRowContext(ctx,
		`SELECT id, name, server, port, database_name, encrypted_username, encrypted_password,
		        max_pool_size, min_pool_size, connection_timeout_seconds, ssl_mode, created_at,
		        is_connection_valid, last_connection_test
		 FROM database_connections WHERE id = $1`, id,
	).Scan(&c.ID, &c.Name, &c.Server, &c.Port, &c.DatabaseName, &c.EncryptedUsername, &c.EncryptedPassword,
		&c.MaxPoolSize, &c.MinPoolSize, &c.ConnectionTimeoutSeconds, &c.SSLMode, &c.CreatedAt,
		&c.IsConnectionValid, &tested)
	if tested.Valid {
		t := tested.Time.UTC()
		c.LastConnectionTest = &t
	}
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFound("connection", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	return &c, nil
}

// SaveTestUser upserts a test user.
func (r *PostgresRepository) SaveTestUser(ctx context.Context, u *workflow.TestUser) error {
	if err := u.Validate(); err != nil {
		return err
	}
	if u.ID == "" {
		u.ID = workflow.NewID()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = r.now().UTC()
	}
	expected, err := json.Marshal(u.ExpectedPermissions)
	if err != nil {
		return fmt.Errorf("failed to encode expected permissions: %w", err)
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO test_users (id, name, username, encrypted_password, connection_id, assigned_role,
		   expected_permissions, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO UPDATE SET
		   name = excluded.name,
		   username = excluded.username,
		   encrypted_password = excluded.encrypted_password,
		   connection_id = excluded.connection_id,
		   assigned_role = excluded.assigned_role,
		   expected_permissions = excluded.expected_permissions`,
		u.ID, u.Name, u.Username, u.EncryptedPassword, u.ConnectionID, u.AssignedRole,
		string(expected), u.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save test user: %w", err)
	}
	return nil
}

// GetTestUser retrieves a test user.
func (r *PostgresRepository) GetTestUser(ctx context.Context, id string) (*workflow.TestUser, error) {
	var u workflow.TestUser
	var expected string
	err := r.db.QueryRowContext(ctx,
		`SELECT id, name, username, encrypted_password, connection_id, assigned_role,
		        expected_permissions, created_at
		 FROM test_users WHERE id = $1`, id,
	).Scan(&u.ID, &u.Name, &u.Username, &u.EncryptedPassword, &u.ConnectionID, &u.AssignedRole,
		&expected, &u.CreatedAt)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFound("user", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get test user: %w", err)
	}
	if expected != "" {
		if err := json.Unmarshal([]byte(expected), &u.ExpectedPermissions); err != nil {
			return nil, fmt.Errorf("failed to decode expected permissions of %s: %w", id, err)
		}
	}
	return &u, nil
}

// utcOrNil returns t in UTC, or a SQL NULL when t is nil.
func utcOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

// SaveRun upserts a run and replaces its results.
func (r *PostgresRepository) SaveRun(ctx context.Context, run *workflow.TestRun) error {
	if run.ID == "" {
		run.ID = workflow.NewID()
	}

	endTime := utcOrNil(run.EndTime)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO test_runs (id, workflow_id, workflow_name, connection_id, user_id, state,
		   start_time, end_time, is_completed, is_successful, cancel_requested)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (id) DO UPDATE SET
		   state = excluded.state,
		   end_time = excluded.end_time,
		   is_completed = excluded.is_completed,
		   is_successful = excluded.is_successful,
		   cancel_requested = excluded.cancel_requested`,
		run.ID, run.WorkflowID, run.WorkflowName, run.ConnectionID, run.UserID, string(run.State),
		run.StartTime.UTC(), endTime, run.IsCompleted, run.IsSuccessful, run.CancelRequested,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert run: %w", err)
	}

	if _, err = tx.ExecContext(ctx, `DELETE FROM operation_results WHERE run_id = $1`, run.ID); err != nil {
		return fmt.Errorf("failed to clear results: %w", err)
	}
	for i := range run.OperationResults {
		res := &run.OperationResults[i]
		if res.ID == "" {
			res.ID = workflow.NewID()
		}
		var count any
		if res.ResultCount != nil {
			count = int64(*res.ResultCount)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO operation_results (id, run_id, position, operation_id, operation_name, start_time,
			   end_time, is_successful, error_message, result_count, result_data, matches_expected_outcome, notes)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			res.ID, run.ID, i, res.OperationID, res.OperationName, res.StartTime.UTC(), res.EndTime.UTC(),
			res.IsSuccessful, res.ErrorMessage, count, res.ResultData, res.MatchesExpectedOutcome, res.Notes,
		)
		if err != nil {
			return fmt.Errorf("failed to insert result %d: %w", i, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

const runColumns = `id, workflow_id, workflow_name, connection_id, user_id, state, start_time, end_time,
		        is_completed, is_successful, cancel_requested`

func scanRun(s scanner) (*workflow.TestRun, error) {
	var run workflow.TestRun
	var state string
	var end sql.NullTime
	if err := s.Scan(&run.ID, &run.WorkflowID, &run.WorkflowName, &run.ConnectionID, &run.UserID, &state,
		&run.StartTime, &end, &run.IsCompleted, &run.IsSuccessful, &run.CancelRequested); err != nil {
		return nil, err
	}
	run.State = workflow.RunState(state)
	if end.Valid {
		t := end.Time
		run.EndTime = &t
	}
	return &run, nil
}

// GetRun retrieves a run with its results.
func (r *PostgresRepository) GetRun(ctx context.Context, id string) (*workflow.TestRun, error) {
	run, err := scanRun(r.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM test_runs WHERE id = $1`, id))
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFound("run", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	if run.OperationResults, err = r.loadResults(ctx, run.ID); err != nil {
		return nil, err
	}
	return run, nil
}

// RecentRuns returns up to count runs, newest first.
func (r *PostgresRepository) RecentRuns(ctx context.Context, count int, workflowID string) ([]*workflow.TestRun, error) {
	count = normalizeCount(count)

	var rows *sql.Rows
	var err error
	if workflowID == "" {
		rows, err = r.db.QueryContext(ctx,
			`SELECT `+runColumns+` FROM test_runs ORDER BY start_time DESC LIMIT $1`, count)
	} else {
		rows, err = r.db.QueryContext(ctx,
			`SELECT `+runColumns+` FROM test_runs WHERE workflow_id = $1 ORDER BY start_time DESC LIMIT $2`,
			workflowID, count)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}

	out := []*workflow.TestRun{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for _, run := range out {
		if run.OperationResults, err = r.loadResults(ctx, run.ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r *PostgresRepository) loadResults(ctx context.Context, runID string) ([]workflow.OperationResult, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, operation_id, operation_name, start_time, end_time, is_successful, error_message,
		        result_count, result_data, matches_expected_outcome, notes
		 FROM operation_results WHERE run_id = $1 ORDER BY position`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get results: %w", err)
	}
	defer rows.Close()

	results := []workflow.OperationResult{}
	for rows.Next() {
		var res workflow.OperationResult
		var count sql.NullInt64
		if err := rows.Scan(&res.ID, &res.OperationID, &res.OperationName, &res.StartTime, &res.EndTime,
			&res.IsSuccessful, &res.ErrorMessage, &count, &res.ResultData, &res.MatchesExpectedOutcome,
			&res.Notes); err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		if count.Valid {
			n := int(count.Int64)
			res.ResultCount = &n
		}
		results = append(results, res)
	}
	return results, rows.Err()
}
