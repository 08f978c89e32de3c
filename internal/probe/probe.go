// Package probe opens short-lived database connections under a given user's
// credentials and executes single statements against them.
//
// Execute never returns an error: every driver failure is folded into an
// Outcome with Success=false and a message scrubbed of the password.
package probe

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/xwb1989/sqlparser"
	"go.uber.org/zap"

	"github.com/canonica-labs/dbtester/internal/errors"
)

// DefaultMaxRows bounds the rows captured in an Outcome.
const DefaultMaxRows = 100

// ServerParams identifies a database server. It never carries credentials.
type ServerParams struct {
	Server         string
	Port           int
	Database       string
	SSLMode        string
	ConnectTimeout time.Duration
	MaxPoolSize    int
	MinPoolSize    int
}

// StatementKind classifies a statement by what it returns.
type StatementKind string

const (
	KindQuery   StatementKind = "query"
	KindCommand StatementKind = "command"
)

// ErrorClass classifies a driver failure.
type ErrorClass string

const (
	ClassNone            ErrorClass = ""
	ClassPrivilegeDenied ErrorClass = "privilege_denied"
	ClassAuthentication  ErrorClass = "authentication"
	ClassConnection      ErrorClass = "connection"
	ClassValidation      ErrorClass = "validation"
	ClassDriver          ErrorClass = "driver"
)

// Outcome is the result of executing one statement.
type Outcome struct {
	Success      bool
	ErrorMessage string
	Class        ErrorClass
	SQLState     string
	Kind         StatementKind

	// Rows holds at most the prober's row limit; ResultCount counts all rows.
	Rows         []map[string]any
	ResultCount  *int
	RowsAffected *int64
}

// DSNFunc builds a driver connection string. It is called immediately before
// connecting and its result is never stored.
type DSNFunc func(params ServerParams, username, password string) string

// Prober opens connections and executes statements.
type Prober struct {
	driver           string
	dsn              DSNFunc
	maxRows          int
	statementTimeout time.Duration
	roles            RoleSQL
	logger           *zap.Logger
}

// Option configures a Prober.
type Option func(*Prober)

// WithDriver sets the database/sql driver and its DSN builder.
func WithDriver(driver string, dsn DSNFunc) Option {
	return func(p *Prober) {
		p.driver = driver
		p.dsn = dsn
	}
}

// WithMaxRows sets how many rows an Outcome captures.
func WithMaxRows(n int) Option {
	return func(p *Prober) {
		if n >= 0 {
			p.maxRows = n
		}
	}
}

// WithStatementTimeout bounds every Execute call. Zero means no bound beyond
// the caller's context.
func WithStatementTimeout(d time.Duration) Option {
	return func(p *Prober) { p.statementTimeout = d }
}

// WithLogger sets the process logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Prober) {
		if l != nil {
			p.logger = l
		}
	}
}

// New creates a Prober for PostgreSQL unless WithDriver says otherwise.
func New(opts ...Option) *Prober {
	p := &Prober{
		driver:  "postgres",
		dsn:     PostgresDSN,
		maxRows: DefaultMaxRows,
		roles:   PostgresRoles{},
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// PostgresDSN builds a lib/pq key/value connection string with every value
// quoted.
func PostgresDSN(params ServerParams, username, password string) string {
	sslMode := params.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	port := params.Port
	if port == 0 {
		port = 5432
	}
	parts := []string{
		"host=" + quoteDSN(params.Server),
		fmt.Sprintf("port=%d", port),
		"dbname=" + quoteDSN(params.Database),
		"user=" + quoteDSN(username),
		"password=" + quoteDSN(password),
		"sslmode=" + quoteDSN(sslMode),
	}
	if params.ConnectTimeout > 0 {
		secs := int(params.ConnectTimeout / time.Second)
		if secs < 1 {
			secs = 1
		}
		parts = append(parts, fmt.Sprintf("connect_timeout=%d", secs))
	}
	return strings.Join(parts, " ")
}

func quoteDSN(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}

// Conn is one open session under one user's credentials.
type Conn struct {
	db       *sql.DB
	conn     *sql.Conn
	prober   *Prober
	username string
	password string
}

// Open connects as username and verifies the session. Authentication
// rejections and unreachable servers are returned as connection errors.
func (p *Prober) Open(ctx context.Context, params ServerParams, username, password string) (*Conn, error) {
	db, err := sql.Open(p.driver, p.dsn(params, username, password))
	if err != nil {
		return nil, errors.NewConnectionFailed(params.Server, params.Database, scrub(err, password))
	}

	maxOpen := params.MaxPoolSize
	if maxOpen <= 0 {
		maxOpen = 1
	}
	db.SetMaxOpenConns(maxOpen)
	if params.MinPoolSize > 0 {
		db.SetMaxIdleConns(min(params.MinPoolSize, maxOpen))
	}

	openCtx := ctx
	if params.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		openCtx, cancel = context.WithTimeout(ctx, params.ConnectTimeout)
		defer cancel()
	}

	conn, err := db.Conn(openCtx)
	if err == nil {
		err = conn.PingContext(openCtx)
		if err != nil {
			conn.Close()
		}
	}
	if err != nil {
		db.Close()
		class, _ := ClassifyError(err)
		p.logger.Debug("connect failed",
			zap.String("server", params.Server),
			zap.String("database", params.Database),
			zap.String("user", username),
			zap.String("class", string(class)))
		if class == ClassAuthentication {
			return nil, errors.NewAuthenticationFailed(params.Server, params.Database, username, scrub(err, password))
		}
		return nil, errors.NewConnectionFailed(params.Server, params.Database, scrub(err, password))
	}

	return &Conn{db: db, conn: conn, prober: p, username: username, password: password}, nil
}

// Close releases the session and its pool.
func (c *Conn) Close() error {
	c.password = ""
	cerr := c.conn.Close()
	if err := c.db.Close(); err != nil {
		return err
	}
	return cerr
}

// Execute runs sqlText and classifies it as query or command. It never
// returns an error.
func (c *Conn) Execute(ctx context.Context, sqlText string, args ...any) (out Outcome) {
	kind := Classify(sqlText)
	out = Outcome{Kind: kind}

	defer func() {
		if r := recover(); r != nil {
			out = Outcome{
				Kind:         kind,
				Class:        ClassDriver,
				ErrorMessage: scrubMessage(fmt.Sprintf("driver panic: %v", r), c.password),
			}
		}
	}()

	if c.prober.statementTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.prober.statementTimeout)
		defer cancel()
	}

	var err error
	if kind == KindQuery {
		err = c.query(ctx, sqlText, args, &out)
	} else {
		var res sql.Result
		res, err = c.conn.ExecContext(ctx, sqlText, args...)
		if err == nil {
			if n, rerr := res.RowsAffected(); rerr == nil {
				out.RowsAffected = &n
			}
		}
	}

	if err != nil {
		out.Success = false
		out.Rows = nil
		out.ResultCount = nil
		out.RowsAffected = nil
		out.Class, out.SQLState = ClassifyError(err)
		out.ErrorMessage = scrubMessage(err.Error(), c.password)
		c.prober.logger.Debug("statement failed",
			zap.String("user", c.username),
			zap.String("kind", string(kind)),
			zap.String("class", string(out.Class)),
			zap.String("sqlstate", out.SQLState))
		return out
	}
	out.Success = true
	return out
}

func (c *Conn) query(ctx context.Context, sqlText string, args []any, out *Outcome) error {
	rows, err := c.conn.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return err
	}

	count := 0
	for rows.Next() {
		count++
		if count > c.prober.maxRows {
			continue
		}
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return err
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		out.Rows = append(out.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	out.ResultCount = &count
	return nil
}

// Run opens a connection, executes sqlText and closes the connection. A
// connection failure is reported as an unsuccessful Outcome.
func (p *Prober) Run(ctx context.Context, params ServerParams, username, password, sqlText string) Outcome {
	conn, err := p.Open(ctx, params, username, password)
	if err != nil {
		return FailedOutcome(err, Classify(sqlText))
	}
	defer conn.Close()
	return conn.Execute(ctx, sqlText)
}

// FailedOutcome converts an error raised before a statement could run into
// an unsuccessful Outcome.
func FailedOutcome(err error, kind StatementKind) Outcome {
	out := Outcome{Kind: kind, Class: ClassDriver}

	var connErr *errors.ErrConnection
	var valErr *errors.ErrValidation
	switch {
	case stderrors.As(err, &connErr):
		out.Class = ClassConnection
		if connErr.AuthFail {
			out.Class = ClassAuthentication
		}
		out.ErrorMessage = connErr.Short()
		if connErr.Cause != nil {
			out.ErrorMessage += ": " + connErr.Cause.Error()
		}
	case stderrors.As(err, &valErr):
		out.Class = ClassValidation
		out.ErrorMessage = valErr.Message
	default:
		out.ErrorMessage = err.Error()
	}
	return out
}

// Classify reports whether sqlText is a query or a command. After leading
// comments are stripped, text starting with SELECT (any case) is a query.
func Classify(sqlText string) StatementKind {
	s := strings.TrimSpace(sqlparser.StripLeadingComments(sqlText))
	if len(s) >= 6 && strings.EqualFold(s[:6], "select") {
		return KindQuery
	}
	return KindCommand
}

// ClassifyError maps a driver error to an ErrorClass and its SQLSTATE, if any.
func ClassifyError(err error) (ErrorClass, string) {
	if err == nil {
		return ClassNone, ""
	}

	var pqErr *pq.Error
	if stderrors.As(err, &pqErr) {
		code := string(pqErr.Code)
		switch {
		case code == "42501":
			return ClassPrivilegeDenied, code
		case code == "28P01" || code == "28000":
			return ClassAuthentication, code
		case strings.HasPrefix(code, "08") || strings.HasPrefix(code, "57P"):
			return ClassConnection, code
		}
		return ClassDriver, code
	}

	var netErr net.Error
	if stderrors.As(err, &netErr) || stderrors.Is(err, context.DeadlineExceeded) {
		return ClassConnection, ""
	}

	// Drivers without SQLSTATE codes.
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission denied") || strings.Contains(msg, "not authorized"):
		return ClassPrivilegeDenied, ""
	case strings.Contains(msg, "authentication failed"):
		return ClassAuthentication, ""
	case strings.Contains(msg, "connection refused") || strings.Contains(msg, "unable to open"):
		return ClassConnection, ""
	}
	return ClassDriver, ""
}

type scrubbedError struct {
	msg string
	err error
}

func (e *scrubbedError) Error() string { return e.msg }
func (e *scrubbedError) Unwrap() error { return e.err }

func scrub(err error, password string) error {
	return &scrubbedError{msg: scrubMessage(err.Error(), password), err: err}
}

func scrubMessage(msg, password string) string {
	if password == "" {
		return msg
	}
	return strings.ReplaceAll(msg, password, "********")
}
