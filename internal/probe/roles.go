package probe

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/canonica-labs/dbtester/internal/errors"
)

// RoleSQL renders the statements that manage login roles on a target. Every
// name and secret it embeds must be quoted by the implementation.
type RoleSQL interface {
	RoleExists(username string) string
	CreateRole(username, password string) string
	GrantRole(role, username string) string
	DropRole(username string) string
}

// PostgresRoles manages roles through the PostgreSQL catalog.
type PostgresRoles struct{}

func (PostgresRoles) RoleExists(username string) string {
	return "SELECT 1 FROM pg_catalog.pg_roles WHERE rolname = " + pq.QuoteLiteral(username)
}

func (PostgresRoles) CreateRole(username, password string) string {
	return fmt.Sprintf("CREATE ROLE %s WITH LOGIN PASSWORD %s", pq.QuoteIdentifier(username), pq.QuoteLiteral(password))
}

func (PostgresRoles) GrantRole(role, username string) string {
	return fmt.Sprintf("GRANT %s TO %s", pq.QuoteIdentifier(role), pq.QuoteIdentifier(username))
}

func (PostgresRoles) DropRole(username string) string {
	return "DROP ROLE IF EXISTS " + pq.QuoteIdentifier(username)
}

// WithRoleSQL replaces the role statements, for targets that are not
// PostgreSQL.
func WithRoleSQL(r RoleSQL) Option {
	return func(p *Prober) {
		if r != nil {
			p.roles = r
		}
	}
}

// RoleSpec describes a login role to provision. Role, when set, is granted
// to the new login.
type RoleSpec struct {
	Username string
	Password string
	Role     string
}

// Admin is the session used for role management: the connection's own
// credentials.
type Admin struct {
	Params   ServerParams
	Username string
	Password string
}

// TestConnection opens and closes a session as username.
func (p *Prober) TestConnection(ctx context.Context, params ServerParams, username, password string) error {
	conn, err := p.Open(ctx, params, username, password)
	if err != nil {
		return err
	}
	return conn.Close()
}

// RoleExists reports whether username is a role on the target.
func (p *Prober) RoleExists(ctx context.Context, admin Admin, username string) (bool, error) {
	if strings.TrimSpace(username) == "" {
		return false, errors.NewValidation("username", "required")
	}
	conn, err := p.Open(ctx, admin.Params, admin.Username, admin.Password)
	if err != nil {
		return false, err
	}
	defer conn.Close()
	return conn.roleExists(ctx, username)
}

// CreateRole creates a login role unless it already exists, then grants
// spec.Role to it. It reports whether the role was created.
func (p *Prober) CreateRole(ctx context.Context, admin Admin, spec RoleSpec) (bool, error) {
	if strings.TrimSpace(spec.Username) == "" {
		return false, errors.NewValidation("username", "required")
	}
	conn, err := p.Open(ctx, admin.Params, admin.Username, admin.Password)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	exists, err := conn.roleExists(ctx, spec.Username)
	if err != nil {
		return false, err
	}
	created := false
	if !exists {
		out := conn.Execute(ctx, p.roles.CreateRole(spec.Username, spec.Password))
		switch {
		case out.Success:
			created = true
		case out.SQLState == "42710":
			// created concurrently
		default:
			return false, roleError("create role", spec.Username, out, spec.Password)
		}
	}

	if spec.Role != "" {
		if out := conn.Execute(ctx, p.roles.GrantRole(spec.Role, spec.Username)); !out.Success {
			return created, roleError("grant role "+spec.Role, spec.Username, out, spec.Password)
		}
	}

	p.logger.Info("role provisioned",
		zap.String("server", admin.Params.Server),
		zap.String("role", spec.Username),
		zap.Bool("created", created),
		zap.String("granted", spec.Role))
	return created, nil
}

// DropRole drops username if it exists and reports whether it did.
func (p *Prober) DropRole(ctx context.Context, admin Admin, username string) (bool, error) {
	if strings.TrimSpace(username) == "" {
		return false, errors.NewValidation("username", "required")
	}
	conn, err := p.Open(ctx, admin.Params, admin.Username, admin.Password)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	exists, err := conn.roleExists(ctx, username)
	if err != nil || !exists {
		return false, err
	}
	if out := conn.Execute(ctx, p.roles.DropRole(username)); !out.Success {
		return false, roleError("drop role", username, out, "")
	}
	p.logger.Info("role dropped",
		zap.String("server", admin.Params.Server),
		zap.String("role", username))
	return true, nil
}

func (c *Conn) roleExists(ctx context.Context, username string) (bool, error) {
	out := c.Execute(ctx, c.prober.roles.RoleExists(username))
	if !out.Success {
		return false, roleError("look up role", username, out, "")
	}
	return out.ResultCount != nil && *out.ResultCount > 0, nil
}

// roleError turns a failed role statement into a typed error. secret is
// removed from the message.
func roleError(action, username string, out Outcome, secret string) error {
	cause := stderrors.New(scrubMessage(out.ErrorMessage, secret))
	if out.Class == ClassPrivilegeDenied {
		return errors.NewPermissionDenied(strings.ToUpper(action), username, cause)
	}
	return fmt.Errorf("failed to %s %s: %w", action, username, errors.NewDriverError(out.SQLState, cause))
}
