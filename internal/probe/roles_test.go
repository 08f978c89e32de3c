package probe

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canonica-labs/dbtester/internal/errors"
)

// tableRoles keeps roles in plain SQLite tables.
type tableRoles struct{ createTable string }

func lit(s string) string { return "'" + strings.ReplaceAll(s, "'", "''") + "'" }

func (tableRoles) RoleExists(username string) string {
	return "SELECT 1 FROM roles WHERE rolname = " + lit(username)
}

func (r tableRoles) CreateRole(username, password string) string {
	table := r.createTable
	if table == "" {
		table = "roles"
	}
	return "INSERT INTO " + table + " (rolname, password) VALUES (" + lit(username) + ", " + lit(password) + ")"
}

func (tableRoles) GrantRole(role, username string) string {
	return "INSERT INTO role_grants (role, member) VALUES (" + lit(role) + ", " + lit(username) + ")"
}

func (tableRoles) DropRole(username string) string {
	return "DELETE FROM roles WHERE rolname = " + lit(username)
}

func rolesTarget(t *testing.T, roles RoleSQL) (*Prober, Admin) {
	t.Helper()
	p, params := sqliteProber(t, WithRoleSQL(roles))
	for _, stmt := range []string{
		"CREATE TABLE roles (rolname TEXT PRIMARY KEY, password TEXT)",
		"CREATE TABLE role_grants (role TEXT, member TEXT)",
	} {
		out := p.Run(context.Background(), params, "admin", "admin-pw", stmt)
		require.True(t, out.Success, out.ErrorMessage)
	}
	return p, Admin{Params: params, Username: "admin", Password: "admin-pw"}
}

// TestPostgresRoles_Quoting verifies names and passwords are quoted.
func TestPostgresRoles_Quoting(t *testing.T) {
	r := PostgresRoles{}
	assert.Equal(t, `SELECT 1 FROM pg_catalog.pg_roles WHERE rolname = 'o''brien'`, r.RoleExists("o'brien"))
	assert.Equal(t, `CREATE ROLE "a""b" WITH LOGIN PASSWORD 'p''w'`, r.CreateRole(`a"b`, "p'w"))
	assert.Equal(t, `GRANT "readers" TO "a""b"`, r.GrantRole("readers", `a"b`))
	assert.Equal(t, `DROP ROLE IF EXISTS "x; DROP TABLE t"`, r.DropRole("x; DROP TABLE t"))
}

// TestRoleLifecycle verifies create is idempotent, grants the assigned role
// and drop removes the role once.
func TestRoleLifecycle(t *testing.T) {
	p, admin := rolesTarget(t, tableRoles{})
	ctx := context.Background()

	exists, err := p.RoleExists(ctx, admin, "analyst")
	require.NoError(t, err)
	assert.False(t, exists)

	created, err := p.CreateRole(ctx, admin, RoleSpec{Username: "analyst", Password: "pw", Role: "readers"})
	require.NoError(t, err)
	assert.True(t, created)

	created, err = p.CreateRole(ctx, admin, RoleSpec{Username: "analyst", Password: "pw"})
	require.NoError(t, err)
	assert.False(t, created)

	exists, err = p.RoleExists(ctx, admin, "analyst")
	require.NoError(t, err)
	assert.True(t, exists)

	out := p.Run(ctx, admin.Params, "admin", "admin-pw", "SELECT role FROM role_grants WHERE member = 'analyst'")
	require.True(t, out.Success, out.ErrorMessage)
	require.Equal(t, 1, *out.ResultCount)
	assert.Equal(t, "readers", out.Rows[0]["role"])

	dropped, err := p.DropRole(ctx, admin, "analyst")
	require.NoError(t, err)
	assert.True(t, dropped)

	dropped, err = p.DropRole(ctx, admin, "analyst")
	require.NoError(t, err)
	assert.False(t, dropped)
}

// TestCreateRole_FailureHidesPassword verifies a failed create is an error
// whose message does not carry the new password.
func TestCreateRole_FailureHidesPassword(t *testing.T) {
	p, admin := rolesTarget(t, tableRoles{createTable: "missing_roles"})

	_, err := p.CreateRole(context.Background(), admin, RoleSpec{Username: "analyst", Password: "s3cret-pw"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "create role")
	assert.NotContains(t, err.Error(), "s3cret-pw")
}

// TestRoles_RequireUsername verifies nothing is sent for an empty name.
func TestRoles_RequireUsername(t *testing.T) {
	p := New(WithDriver("no-such-driver", PostgresDSN))
	admin := Admin{Params: ServerParams{Server: "x", Database: "y"}}

	_, err := p.CreateRole(context.Background(), admin, RoleSpec{})
	assert.Equal(t, errors.CodeValidation, errors.CodeOf(err))
	_, err = p.DropRole(context.Background(), admin, " ")
	assert.Equal(t, errors.CodeValidation, errors.CodeOf(err))
	_, err = p.RoleExists(context.Background(), admin, "")
	assert.Equal(t, errors.CodeValidation, errors.CodeOf(err))
}

// TestTestConnection verifies a reachable target opens and an unreachable
// one is a connection error.
func TestTestConnection(t *testing.T) {
	p, params := sqliteProber(t)
	require.NoError(t, p.TestConnection(context.Background(), params, "u", "pw"))

	bad := New(WithDriver("no-such-driver", PostgresDSN))
	err := bad.TestConnection(context.Background(), ServerParams{Server: "x", Database: "y"}, "u", "pw")
	assert.Equal(t, errors.CodeConnection, errors.CodeOf(err))
}
