package permissions

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canonica-labs/dbtester/internal/errors"
)

// TestCatalog_TableScopedRequiresObject verifies that every table-scoped
// permission rejects a missing object name before producing SQL.
func TestCatalog_TableScopedRequiresObject(t *testing.T) {
	c := NewCatalog()
	for _, p := range append(TableScoped(), PermissionExecute) {
		probe, err := c.Resolve(p, "  ", "abc123")
		if err == nil {
			t.Fatalf("%s: expected validation error, got probe %+v", p, probe)
		}
		if errors.CodeOf(err) != errors.CodeValidation {
			t.Errorf("%s: expected validation code, got %v", p, errors.CodeOf(err))
		}
		if len(probe.Statements) != 0 {
			t.Errorf("%s: expected no statements on validation failure", p)
		}
	}
}

// TestCatalog_EveryPermissionResolves verifies the catalog covers the
// whole enumeration.
func TestCatalog_EveryPermissionResolves(t *testing.T) {
	c := NewCatalog()
	for _, p := range AllPermissions() {
		obj := ""
		if p.RequiresObject() {
			obj = "public.accounts"
		}
		probe, err := c.Resolve(p, obj, "abc123")
		require.NoError(t, err, p)
		assert.Equal(t, p, probe.Permission)
		if p == PermissionConnect {
			assert.Empty(t, probe.Statements)
			assert.Equal(t, ProbeKindConnect, probe.Kind)
			continue
		}
		assert.NotEmpty(t, probe.Statements, p)
	}
}

// TestCatalog_SelectQuotesIdentifier verifies schema-qualified names are
// quoted part by part.
func TestCatalog_SelectQuotesIdentifier(t *testing.T) {
	probe, err := NewCatalog().Resolve(PermissionSelect, "sales.orders", "abc")
	require.NoError(t, err)
	assert.Equal(t, `SELECT * FROM "sales"."orders" LIMIT 1`, probe.Statements[0])
}

// TestCatalog_RejectsInjection verifies names outside the identifier grammar
// are validation errors.
func TestCatalog_RejectsInjection(t *testing.T) {
	c := NewCatalog()
	bad := []string{
		"accounts; DROP TABLE users",
		"accounts--",
		`"accounts"`,
		"a.b.c",
		"1accounts",
		"accounts'",
		"acc ounts",
	}
	for _, name := range bad {
		_, err := c.Resolve(PermissionSelect, name, "abc")
		if err == nil {
			t.Errorf("expected %q to be rejected", name)
		}
	}
}

// TestCatalog_ScratchNamesUnique verifies structural probes embed the
// run-scoped suffix, so two resolutions never share a scratch object.
func TestCatalog_ScratchNamesUnique(t *testing.T) {
	c := NewCatalog()
	for _, p := range []Permission{PermissionCreate, PermissionDrop, PermissionAlter, PermissionTemporary} {
		a, err := c.Resolve(p, "", "aaa111")
		require.NoError(t, err)
		b, err := c.Resolve(p, "", "bbb222")
		require.NoError(t, err)

		assert.Equal(t, ProbeKindScratch, a.Kind)
		assert.NotEqual(t, a.ScratchName, b.ScratchName)
		assert.True(t, strings.HasPrefix(a.ScratchName, ScratchPrefix))
		assert.Contains(t, a.Statements[0], a.ScratchName)
		assert.Contains(t, a.Statements[0], "DROP TABLE")
		assert.Contains(t, a.Statements[0], "RAISE;")
	}
}

// TestCatalog_StructuralTableName verifies a bare table name on CREATE,
// DROP and ALTER does not become the schema of the scratch table.
func TestCatalog_StructuralTableName(t *testing.T) {
	for _, p := range []Permission{PermissionCreate, PermissionDrop, PermissionAlter} {
		t.Run(string(p), func(t *testing.T) {
			probe, err := NewCatalog().Resolve(p, "orders", "abc")
			require.NoError(t, err)
			sql := probe.Statements[0]
			assert.Contains(t, sql, `CREATE TABLE "dbtester_probe_abc" (id integer);`)
			assert.NotContains(t, sql, `"orders"`)
		})
	}
}

// TestCatalog_CreateInQualifiedSchema verifies the schema part of a
// schema.table name places the scratch table.
func TestCatalog_CreateInQualifiedSchema(t *testing.T) {
	probe, err := NewCatalog().Resolve(PermissionCreate, "reporting.orders", "abc")
	require.NoError(t, err)
	assert.Contains(t, probe.Statements[0], `CREATE TABLE "reporting"."dbtester_probe_abc"`)
	assert.NotContains(t, probe.Statements[0], `"orders"`)
}

// TestCatalog_BadSuffix verifies the suffix cannot carry SQL.
func TestCatalog_BadSuffix(t *testing.T) {
	_, err := NewCatalog().Resolve(PermissionCreate, "", "x$; DROP")
	assert.Error(t, err)
	_, err = NewCatalog().Resolve(PermissionCreate, "", "")
	assert.Error(t, err)
}

// TestCatalog_ExecuteNeverInvokes verifies EXECUTE consults the catalog and
// raises insufficient_privilege instead of calling the routine.
func TestCatalog_ExecuteNeverInvokes(t *testing.T) {
	probe, err := NewCatalog().Resolve(PermissionExecute, "billing.close_month", "abc")
	require.NoError(t, err)
	sql := probe.Statements[0]
	assert.Contains(t, sql, "has_function_privilege")
	assert.Contains(t, sql, "'billing'")
	assert.Contains(t, sql, "'close_month'")
	assert.Contains(t, sql, "insufficient_privilege")
	assert.NotContains(t, sql, "close_month(")
}

// TestCatalog_FixedReferenceObjects verifies USAGE, REFERENCES and TRIGGER
// ignore the operation's object.
func TestCatalog_FixedReferenceObjects(t *testing.T) {
	c := NewCatalog()
	for _, p := range []Permission{PermissionUsage, PermissionReferences, PermissionTrigger} {
		probe, err := c.Resolve(p, "accounts", "abc")
		require.NoError(t, err)
		assert.NotContains(t, probe.Statements[0], "accounts")
		assert.Equal(t, ProbeKindCatalog, probe.Kind)
	}
}

// TestCatalog_DollarTagFromSuffix verifies a name containing '$' cannot close
// the block body.
func TestCatalog_DollarTagFromSuffix(t *testing.T) {
	probe, err := NewCatalog().Resolve(PermissionTruncate, "a$$b", "f00d")
	require.NoError(t, err)
	sql := probe.Statements[0]
	assert.True(t, strings.HasPrefix(sql, "DO $pf00d$"))
	assert.True(t, strings.HasSuffix(sql, "$pf00d$"))
}

// TestParsePermission verifies case-insensitive parsing.
func TestParsePermission(t *testing.T) {
	p, err := ParsePermission(" select ")
	require.NoError(t, err)
	assert.Equal(t, PermissionSelect, p)

	p, err = ParsePermission("temp")
	require.NoError(t, err)
	assert.Equal(t, PermissionTemporary, p)

	_, err = ParsePermission("GRANT")
	assert.Error(t, err)
}

// TestExpectation_Validate verifies object requirements carry over.
func TestExpectation_Validate(t *testing.T) {
	assert.Error(t, Expectation{Permission: PermissionSelect, IsGranted: true}.Validate())
	assert.NoError(t, Expectation{Permission: PermissionSelect, ObjectName: "accounts"}.Validate())
	assert.NoError(t, Expectation{Permission: PermissionConnect, IsGranted: true}.Validate())
	assert.Error(t, Expectation{Permission: "BOGUS"}.Validate())
}
