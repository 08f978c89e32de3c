// Package engine tests one permission at a time by running its probe under
// the test user's own credentials.
//
// Any failure of the probe means the permission is not held. A failure of
// the privilege-denied class is flagged as a denial; everything else keeps
// its class so callers can tell a denial from a broken connection.
package engine

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/canonica-labs/dbtester/internal/errors"
	"github.com/canonica-labs/dbtester/internal/permissions"
	"github.com/canonica-labs/dbtester/internal/probe"
	"github.com/canonica-labs/dbtester/internal/vault"
	"github.com/canonica-labs/dbtester/internal/workflow"
)

// Opener opens impersonated sessions.
type Opener interface {
	Open(ctx context.Context, params probe.ServerParams, username, password string) (*probe.Conn, error)
}

// PermissionResult is the outcome of one permission test.
type PermissionResult struct {
	Permission    permissions.Permission `json:"permission"`
	ObjectName    string                 `json:"objectName,omitempty"`
	HasPermission bool                   `json:"hasPermission"`

	// Denied is true when the server refused the probe for lack of
	// privilege.
	Denied       bool             `json:"denied"`
	ErrorMessage string           `json:"errorMessage,omitempty"`
	Class        probe.ErrorClass `json:"class,omitempty"`
	SQLState     string           `json:"sqlState,omitempty"`

	// Statement is the probe SQL, for diagnostics.
	Statement string `json:"statement,omitempty"`
	Notes     string `json:"notes,omitempty"`
}

// ExpectationResult pairs an expected permission with what was observed.
type ExpectationResult struct {
	Expectation permissions.Expectation `json:"expectation"`
	Result      PermissionResult        `json:"result"`
	Matches     bool                    `json:"matches"`
}

// Engine runs permission probes.
type Engine struct {
	opener   Opener
	resolver permissions.Resolver
	cipher   vault.Cipher
	suffix   func() string
	logger   *zap.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithResolver replaces the probe catalog.
func WithResolver(r permissions.Resolver) Option {
	return func(e *Engine) { e.resolver = r }
}

// WithSuffix replaces the scratch suffix generator.
func WithSuffix(f func() string) Option {
	return func(e *Engine) { e.suffix = f }
}

// WithLogger sets the process logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// New creates an Engine. cipher decrypts stored test user passwords and may
// be nil when only TestPermission is used.
func New(opener Opener, cipher vault.Cipher, opts ...Option) *Engine {
	e := &Engine{
		opener:   opener,
		resolver: permissions.NewCatalog(),
		cipher:   cipher,
		suffix:   workflow.ScratchSuffix,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// TestPermission probes perm on objectName as username. Validation failures
// return before any database call.
func (e *Engine) TestPermission(ctx context.Context, conn *workflow.DatabaseConnection, username, password string, perm permissions.Permission, objectName string) PermissionResult {
	res := PermissionResult{Permission: perm, ObjectName: objectName}

	p, err := e.resolver.Resolve(perm, objectName, e.suffix())
	if err != nil {
		res.Class = probe.ClassValidation
		res.ErrorMessage = validationMessage(err)
		res.Notes = "validation"
		return res
	}
	res.Statement = strings.Join(p.Statements, ";\n")
	res.Notes = p.Notes

	session, err := e.opener.Open(ctx, conn.ServerParams(), username, password)
	if err != nil {
		out := probe.FailedOutcome(err, probe.KindCommand)
		res.Class = out.Class
		res.ErrorMessage = out.ErrorMessage
		e.logger.Debug("probe connection failed",
			zap.String("permission", perm.String()),
			zap.String("user", username),
			zap.String("class", string(out.Class)))
		return res
	}
	defer session.Close()

	for _, stmt := range p.Statements {
		out := session.Execute(ctx, stmt)
		if !out.Success {
			res.Class = out.Class
			res.SQLState = out.SQLState
			res.ErrorMessage = out.ErrorMessage
			res.Denied = out.Class == probe.ClassPrivilegeDenied
			if res.Denied {
				res.Notes = joinNotes("permission denied", p.Notes)
			}
			e.logger.Debug("probe failed",
				zap.String("permission", perm.String()),
				zap.String("object", objectName),
				zap.String("user", username),
				zap.String("class", string(out.Class)),
				zap.String("sqlstate", out.SQLState))
			return res
		}
	}

	res.HasPermission = true
	return res
}

// TestExpectations probes every expected permission of user against conn.
// Decryption failures are reported on every result rather than returned.
func (e *Engine) TestExpectations(ctx context.Context, conn *workflow.DatabaseConnection, user *workflow.TestUser) ([]ExpectationResult, error) {
	if e.cipher == nil {
		return nil, errors.NewConfigurationError("vault.key", "a vault is required to decrypt test user passwords")
	}

	password, derr := e.cipher.Decrypt(user.EncryptedPassword)

	results := make([]ExpectationResult, 0, len(user.ExpectedPermissions))
	for _, exp := range user.ExpectedPermissions {
		if err := ctx.Err(); err != nil {
			return results, err
		}

		var res PermissionResult
		if derr != nil {
			res = PermissionResult{
				Permission:   exp.Permission,
				ObjectName:   exp.ObjectName,
				Class:        probe.ClassConnection,
				ErrorMessage: fmt.Sprintf("cannot decrypt password of %s: %s", user.Username, validationMessage(derr)),
				Notes:        "credentials",
			}
		} else {
			res = e.TestPermission(ctx, conn, user.Username, password, exp.Permission, exp.ObjectName)
		}
		results = append(results, ExpectationResult{
			Expectation: exp,
			Result:      res,
			Matches:     res.HasPermission == exp.IsGranted,
		})
	}
	return results, nil
}

func validationMessage(err error) string {
	var te interface{ Short() string }
	if stderrors.As(err, &te) {
		return te.Short()
	}
	return err.Error()
}

func joinNotes(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	}
	return a + "; " + b
}
