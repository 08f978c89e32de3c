// Package observability provides structured logging for dbtester.
//
// Two streams are kept apart: the process log (zap, see NewLogger) and the
// audit log, which records one OperationLogEntry for every operation a run
// executes. Credentials never appear in either.
package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Outcome values recorded in the audit log.
const (
	OutcomePass = "pass"
	OutcomeFail = "fail"
)

// topN bounds the ranked lists of an AuditSummary.
const topN = 5

// OperationLogEntry contains the fields recorded for every executed
// operation.
type OperationLogEntry struct {
	// RunID is the run the operation belongs to.
	// Required: every entry must be attributable to a run.
	RunID string

	// Workflow is the workflow name.
	Workflow string

	// Operation is the operation name.
	// Required.
	Operation string

	// Kind is ProbePermission or RawSql.
	Kind string

	// Permission and ObjectName are set for probes.
	Permission string
	ObjectName string

	// User is the database username the step ran as.
	User string

	// Outcome is "pass" or "fail".
	Outcome string

	// Matches reports whether the observed outcome matched the expectation.
	Matches bool

	// Duration is how long the step took. Must be non-negative.
	Duration time.Duration

	// Error is the driver or validation message, empty on success.
	Error string
}

// Validate checks that all required fields are present.
func (e *OperationLogEntry) Validate() error {
	if e.RunID == "" {
		return fmt.Errorf("observability: run_id is required")
	}
	if e.Operation == "" {
		return fmt.Errorf("observability: operation is required")
	}
	if e.Duration < 0 {
		return fmt.Errorf("observability: duration cannot be negative")
	}
	if e.Outcome != OutcomePass && e.Outcome != OutcomeFail {
		return fmt.Errorf("observability: outcome must be %q or %q", OutcomePass, OutcomeFail)
	}
	return nil
}

// AuditLogger records operation results.
type AuditLogger interface {
	// LogOperation records one executed operation.
	// Returns an error if logging fails or the entry is invalid.
	LogOperation(ctx context.Context, entry OperationLogEntry) error

	// GetAuditSummary returns aggregated audit statistics.
	GetAuditSummary(ctx context.Context) *AuditSummary
}

// AuditSummary represents aggregated audit statistics.
type AuditSummary struct {
	PassedCount       int                 `json:"passed_count"`
	FailedCount       int                 `json:"failed_count"`
	MismatchedCount   int                 `json:"mismatched_count"`
	TopFailureReasons []FailureReasonStat `json:"top_failure_reasons"`
	TopPermissions    []PermissionStat    `json:"top_permissions"`
}

// FailureReasonStat counts one failure message.
type FailureReasonStat struct {
	Reason string `json:"reason"`
	Count  int    `json:"count"`
}

// PermissionStat counts probes of one permission.
type PermissionStat struct {
	Permission string `json:"permission"`
	Count      int    `json:"count"`
}

// jsonLogOutput is the structured format for JSON audit lines.
type jsonLogOutput struct {
	Timestamp  string `json:"timestamp"`
	Level      string `json:"level"`
	RunID      string `json:"run_id"`
	Workflow   string `json:"workflow,omitempty"`
	Operation  string `json:"operation"`
	Kind       string `json:"kind"`
	Permission string `json:"permission,omitempty"`
	ObjectName string `json:"object,omitempty"`
	User       string `json:"user,omitempty"`
	Outcome    string `json:"outcome"`
	Matches    bool   `json:"matches"`
	DurationMs int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

func toOutput(entry OperationLogEntry, now time.Time) jsonLogOutput {
	level := "info"
	if entry.Outcome == OutcomeFail {
		level = "warn"
	}
	return jsonLogOutput{
		Timestamp:  now.UTC().Format(time.RFC3339),
		Level:      level,
		RunID:      entry.RunID,
		Workflow:   entry.Workflow,
		Operation:  entry.Operation,
		Kind:       entry.Kind,
		Permission: entry.Permission,
		ObjectName: entry.ObjectName,
		User:       entry.User,
		Outcome:    entry.Outcome,
		Matches:    entry.Matches,
		DurationMs: entry.Duration.Milliseconds(),
		Error:      entry.Error,
	}
}

// JSONLogger implements AuditLogger with JSON lines output.
type JSONLogger struct {
	writer  io.Writer
	entries []OperationLogEntry // Track entries for audit summary
	mu      sync.RWMutex
}

// NewJSONLogger creates a new JSON logger writing to the given writer.
func NewJSONLogger(w io.Writer) *JSONLogger {
	return &JSONLogger{
		writer:  w,
		entries: make([]OperationLogEntry, 0),
	}
}

// LogOperation writes entry as one JSON line.
func (l *JSONLogger) LogOperation(ctx context.Context, entry OperationLogEntry) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("observability: context error: %w", err)
	}
	if err := entry.Validate(); err != nil {
		return err
	}

	data, err := json.Marshal(toOutput(entry, time.Now()))
	if err != nil {
		return fmt.Errorf("observability: failed to marshal log: %w", err)
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.writer.Write(data); err != nil {
		return fmt.Errorf("observability: failed to write log: %w", err)
	}
	l.entries = append(l.entries, entry)
	return nil
}

// GetAuditSummary aggregates every entry logged so far.
func (l *JSONLogger) GetAuditSummary(_ context.Context) *AuditSummary {
	l.mu.RLock()
	defer l.mu.RUnlock()

	summary := &AuditSummary{}
	reasons := make(map[string]int)
	perms := make(map[string]int)

	for _, entry := range l.entries {
		if entry.Outcome == OutcomePass {
			summary.PassedCount++
		} else {
			summary.FailedCount++
		}
		if !entry.Matches {
			summary.MismatchedCount++
		}
		if entry.Error != "" {
			reasons[entry.Error]++
		}
		if entry.Permission != "" {
			perms[entry.Permission]++
		}
	}

	summary.TopFailureReasons = make([]FailureReasonStat, 0, len(reasons))
	for reason, count := range reasons {
		summary.TopFailureReasons = append(summary.TopFailureReasons, FailureReasonStat{Reason: reason, Count: count})
	}
	sort.Slice(summary.TopFailureReasons, func(i, j int) bool {
		a, b := summary.TopFailureReasons[i], summary.TopFailureReasons[j]
		if a.Count == b.Count {
			return a.Reason < b.Reason
		}
		return a.Count > b.Count
	})
	if len(summary.TopFailureReasons) > topN {
		summary.TopFailureReasons = summary.TopFailureReasons[:topN]
	}

	summary.TopPermissions = make([]PermissionStat, 0, len(perms))
	for perm, count := range perms {
		summary.TopPermissions = append(summary.TopPermissions, PermissionStat{Permission: perm, Count: count})
	}
	sort.Slice(summary.TopPermissions, func(i, j int) bool {
		a, b := summary.TopPermissions[i], summary.TopPermissions[j]
		if a.Count == b.Count {
			return a.Permission < b.Permission
		}
		return a.Count > b.Count
	})
	if len(summary.TopPermissions) > topN {
		summary.TopPermissions = summary.TopPermissions[:topN]
	}

	return summary
}

// NoopLogger discards every entry.
type NoopLogger struct{}

// LogOperation does nothing.
func (NoopLogger) LogOperation(context.Context, OperationLogEntry) error { return nil }

// GetAuditSummary returns an empty summary.
func (NoopLogger) GetAuditSummary(context.Context) *AuditSummary {
	return &AuditSummary{
		TopFailureReasons: []FailureReasonStat{},
		TopPermissions:    []PermissionStat{},
	}
}

// PersistentLogger implements AuditLogger by writing to the audit_logs
// table of the store. Audit entries survive restarts.
type PersistentLogger struct {
	db     *sql.DB
	writer io.Writer // optional: also write JSON lines
	mu     sync.Mutex
	now    func() time.Time
}

// NewPersistentLogger creates a logger that persists audit entries.
func NewPersistentLogger(db *sql.DB) (*PersistentLogger, error) {
	return NewPersistentLoggerWithWriter(db, nil)
}

// NewPersistentLoggerWithWriter creates a logger that persists to both the
// database and a writer.
func NewPersistentLoggerWithWriter(db *sql.DB, w io.Writer) (*PersistentLogger, error) {
	if db == nil {
		return nil, fmt.Errorf("observability: database connection is required for persistent logging")
	}
	return &PersistentLogger{db: db, writer: w, now: time.Now}, nil
}

// LogOperation inserts entry into audit_logs.
func (l *PersistentLogger) LogOperation(ctx context.Context, entry OperationLogEntry) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("observability: context error: %w", err)
	}
	if err := entry.Validate(); err != nil {
		return err
	}

	now := l.now()
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO audit_logs (
			id, logged_at, run_id, workflow, operation, kind, permission,
			object_name, username, outcome, matches, duration_ms, error
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		uuid.NewString(),
		now.UTC(),
		entry.RunID,
		entry.Workflow,
		entry.Operation,
		entry.Kind,
		nullableString(entry.Permission),
		nullableString(entry.ObjectName),
		nullableString(entry.User),
		entry.Outcome,
		entry.Matches,
		entry.Duration.Milliseconds(),
		nullableString(entry.Error),
	)
	if err != nil {
		return fmt.Errorf("observability: failed to persist audit log: %w", err)
	}

	if l.writer != nil {
		if data, err := json.Marshal(toOutput(entry, now)); err == nil {
			l.mu.Lock()
			l.writer.Write(append(data, '\n'))
			l.mu.Unlock()
		}
	}
	return nil
}

// GetAuditSummary aggregates the persisted entries. Query failures leave the
// affected fields at their zero values.
func (l *PersistentLogger) GetAuditSummary(ctx context.Context) *AuditSummary {
	summary := &AuditSummary{
		TopFailureReasons: []FailureReasonStat{},
		TopPermissions:    []PermissionStat{},
	}

	l.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM audit_logs WHERE outcome = $1`, OutcomePass,
	).Scan(&summary.PassedCount)
	l.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM audit_logs WHERE outcome = $1`, OutcomeFail,
	).Scan(&summary.FailedCount)
	l.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM audit_logs WHERE matches = FALSE`,
	).Scan(&summary.MismatchedCount)

	rows, err := l.db.QueryContext(ctx, `
		SELECT error, COUNT(*) AS cnt
		FROM audit_logs
		WHERE error IS NOT NULL AND error <> ''
		GROUP BY error
		ORDER BY cnt DESC, error
		LIMIT $1`, topN)
	if err == nil {
		for rows.Next() {
			var stat FailureReasonStat
			if rows.Scan(&stat.Reason, &stat.Count) == nil {
				summary.TopFailureReasons = append(summary.TopFailureReasons, stat)
			}
		}
		rows.Close()
	}

	rows, err = l.db.QueryContext(ctx, `
		SELECT permission, COUNT(*) AS cnt
		FROM audit_logs
		WHERE permission IS NOT NULL
		GROUP BY permission
		ORDER BY cnt DESC, permission
		LIMIT $1`, topN)
	if err == nil {
		for rows.Next() {
			var stat PermissionStat
			if rows.Scan(&stat.Permission, &stat.Count) == nil {
				summary.TopPermissions = append(summary.TopPermissions, stat)
			}
		}
		rows.Close()
	}

	return summary
}

// nullableString converts empty strings to nil for SQL NULL.
func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
