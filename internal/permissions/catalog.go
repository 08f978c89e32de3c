package permissions

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/lib/pq"

	"github.com/canonica-labs/dbtester/internal/errors"
)

// ScratchPrefix prefixes every scratch object a structural probe creates.
const ScratchPrefix = "dbtester_probe_"

// ProbeKind describes how a probe verifies its permission.
type ProbeKind string

const (
	// ProbeKindStatement runs a statement that the server plans or executes
	// only when the privilege is held.
	ProbeKindStatement ProbeKind = "statement"

	// ProbeKindCatalog evaluates a has_*_privilege predicate and raises
	// insufficient_privilege when it is false.
	ProbeKindCatalog ProbeKind = "catalog"

	// ProbeKindScratch creates and drops a uniquely named scratch object.
	ProbeKindScratch ProbeKind = "scratch"

	// ProbeKindConnect is satisfied by opening the connection.
	ProbeKindConnect ProbeKind = "connect"
)

// Probe is the resolved SQL for one permission check.
type Probe struct {
	Permission Permission
	ObjectName string
	Kind       ProbeKind
	Statements []string

	// ScratchName is set for scratch probes.
	ScratchName string
	Notes       string
}

// Resolver resolves permission probes.
type Resolver interface {
	Resolve(p Permission, objectName, suffix string) (Probe, error)
}

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_$]*(\.[A-Za-z_][A-Za-z0-9_$]*)?$`)

var suffixPattern = regexp.MustCompile(`^[a-z0-9]{1,40}$`)

// ValidateIdentifier checks that name is a plain, optionally schema-qualified
// identifier.
func ValidateIdentifier(name string) error {
	if !identifierPattern.MatchString(name) {
		return errors.NewInvalidIdentifier(name)
	}
	return nil
}

// QuoteName quotes each part of a validated, optionally schema-qualified name.
func QuoteName(name string) string {
	parts := strings.Split(name, ".")
	for i, part := range parts {
		parts[i] = pq.QuoteIdentifier(part)
	}
	return strings.Join(parts, ".")
}

type probeBuilder func(obj, scratch, tag string) Probe

// Catalog maps each permission to its probe. It is immutable after
// construction and safe for concurrent use.
type Catalog struct {
	builders map[Permission]probeBuilder
}

var _ Resolver = (*Catalog)(nil)

// NewCatalog creates the PostgreSQL probe catalog.
func NewCatalog() *Catalog {
	return &Catalog{builders: map[Permission]probeBuilder{
		PermissionSelect:     selectProbe,
		PermissionInsert:     insertProbe,
		PermissionUpdate:     updateProbe,
		PermissionDelete:     deleteProbe,
		PermissionTruncate:   truncateProbe,
		PermissionCreate:     createProbe,
		PermissionDrop:       dropProbe,
		PermissionAlter:      alterProbe,
		PermissionTemporary:  temporaryProbe,
		PermissionExecute:    executeProbe,
		PermissionConnect:    connectProbe,
		PermissionUsage:      usageProbe,
		PermissionReferences: referencesProbe,
		PermissionTrigger:    triggerProbe,
		PermissionAll:        allProbe,
	}}
}

// Resolve returns the probe for p. Table-scoped permissions and EXECUTE
// require objectName; a missing or malformed name is a validation error and
// nothing is sent to the server. suffix makes scratch names unique per run
// and must be lowercase alphanumeric.
func (c *Catalog) Resolve(p Permission, objectName, suffix string) (Probe, error) {
	build, ok := c.builders[p]
	if !ok {
		return Probe{}, errors.NewValidation("permission", fmt.Sprintf("unsupported permission %q", p))
	}

	objectName = strings.TrimSpace(objectName)
	if p.RequiresObject() && objectName == "" {
		return Probe{}, errors.NewObjectNameRequired(p.String(), p.ObjectKind())
	}
	if objectName != "" {
		if err := ValidateIdentifier(objectName); err != nil {
			return Probe{}, err
		}
	}
	if !suffixPattern.MatchString(suffix) {
		return Probe{}, errors.NewValidation("suffix", "scratch suffix must be 1-40 lowercase alphanumerics")
	}

	probe := build(objectName, ScratchPrefix+suffix, "p"+suffix)
	probe.Permission = p
	probe.ObjectName = objectName
	return probe, nil
}

func selectProbe(obj, _, _ string) Probe {
	return Probe{
		Kind:       ProbeKindStatement,
		Statements: []string{fmt.Sprintf("SELECT * FROM %s LIMIT 1", QuoteName(obj))},
	}
}

func insertProbe(obj, _, _ string) Probe {
	return Probe{
		Kind:       ProbeKindStatement,
		Statements: []string{fmt.Sprintf("EXPLAIN INSERT INTO %s DEFAULT VALUES", QuoteName(obj))},
		Notes:      "planned, not executed",
	}
}

// updateProbe plans an UPDATE of the table's first column. UPDATE needs a
// SET target, so the column is looked up inside the block.
func updateProbe(obj, _, tag string) Probe {
	body := fmt.Sprintf(`DECLARE col text;
BEGIN
  SELECT quote_ident(a.attname) INTO col
    FROM pg_catalog.pg_attribute a
   WHERE a.attrelid = %[1]s::regclass AND a.attnum > 0 AND NOT a.attisdropped
   ORDER BY a.attnum LIMIT 1;
  IF col IS NULL THEN
    RAISE EXCEPTION 'table %% has no columns', %[1]s USING ERRCODE = 'undefined_column';
  END IF;
  EXECUTE format('EXPLAIN UPDATE %%s SET %%s = %%s WHERE false', %[1]s, col, col);
END`, pq.QuoteLiteral(QuoteName(obj)))
	return Probe{
		Kind:       ProbeKindStatement,
		Statements: []string{doBlock(tag, body)},
		Notes:      "planned, not executed",
	}
}

func deleteProbe(obj, _, _ string) Probe {
	return Probe{
		Kind:       ProbeKindStatement,
		Statements: []string{fmt.Sprintf("EXPLAIN DELETE FROM %s WHERE false", QuoteName(obj))},
		Notes:      "planned, not executed",
	}
}

// truncateProbe uses the catalog because TRUNCATE cannot be planned.
func truncateProbe(obj, _, tag string) Probe {
	lit := pq.QuoteLiteral(QuoteName(obj))
	return catalogProbe(tag,
		fmt.Sprintf("has_table_privilege(current_user, %s, 'TRUNCATE')", lit),
		fmt.Sprintf("permission denied for table %s", obj), "")
}

func createProbe(obj, scratch, tag string) Probe {
	name := scratchName(obj, scratch)
	return scratchProbe(tag, scratch,
		fmt.Sprintf("CREATE TABLE %s (id integer);\n  DROP TABLE %s;", name, name),
		fmt.Sprintf("DROP TABLE IF EXISTS %s;", name))
}

func dropProbe(obj, scratch, tag string) Probe {
	p := createProbe(obj, scratch, tag)
	p.Notes = "drop of a table the user just created"
	return p
}

func alterProbe(obj, scratch, tag string) Probe {
	name := scratchName(obj, scratch)
	return scratchProbe(tag, scratch,
		fmt.Sprintf("CREATE TABLE %s (id integer);\n  ALTER TABLE %s ADD COLUMN probe_col integer;\n  DROP TABLE %s;", name, name, name),
		fmt.Sprintf("DROP TABLE IF EXISTS %s;", name))
}

func temporaryProbe(_, scratch, tag string) Probe {
	name := pq.QuoteIdentifier(scratch)
	return scratchProbe(tag, scratch,
		fmt.Sprintf("CREATE TEMPORARY TABLE %s (id integer);\n  DROP TABLE %s;", name, name),
		fmt.Sprintf("DROP TABLE IF EXISTS pg_temp.%s;", name))
}

// executeProbe checks the routine exists and that current_user may execute
// it. The routine is never invoked.
func executeProbe(obj, _, tag string) Probe {
	schemaPred := "n.nspname = ANY (current_schemas(false))"
	routine := obj
	if i := strings.IndexByte(obj, '.'); i >= 0 {
		schemaPred = "n.nspname = " + pq.QuoteLiteral(obj[:i])
		routine = obj[i+1:]
	}
	from := fmt.Sprintf(`FROM pg_catalog.pg_proc p
      JOIN pg_catalog.pg_namespace n ON n.oid = p.pronamespace
     WHERE p.proname = %s AND %s`, pq.QuoteLiteral(routine), schemaPred)
	lit := pq.QuoteLiteral(obj)
	body := fmt.Sprintf(`BEGIN
  IF NOT EXISTS (SELECT 1 %[1]s) THEN
    RAISE EXCEPTION 'routine %% does not exist', %[2]s USING ERRCODE = 'undefined_function';
  END IF;
  IF NOT EXISTS (SELECT 1 %[1]s AND has_function_privilege(current_user, p.oid, 'EXECUTE')) THEN
    RAISE EXCEPTION 'permission denied for routine %%', %[2]s USING ERRCODE = 'insufficient_privilege';
  END IF;
END`, from, lit)
	return Probe{
		Kind:       ProbeKindCatalog,
		Statements: []string{doBlock(tag, body)},
		Notes:      "routine not invoked",
	}
}

func connectProbe(_, _, _ string) Probe {
	return Probe{Kind: ProbeKindConnect, Notes: "satisfied by opening the connection"}
}

// The USAGE, REFERENCES and TRIGGER probes check a fixed reference object,
// not the operation's object.
func usageProbe(_, _, tag string) Probe {
	return catalogProbe(tag,
		"has_schema_privilege(current_user, 'public', 'USAGE')",
		"permission denied for schema public",
		"checked against schema public")
}

func referencesProbe(_, _, tag string) Probe {
	return catalogProbe(tag,
		"has_any_column_privilege(current_user, 'information_schema.columns', 'REFERENCES')",
		"permission denied: REFERENCES on information_schema.columns",
		"checked against information_schema.columns")
}

func triggerProbe(_, _, tag string) Probe {
	return catalogProbe(tag,
		"has_table_privilege(current_user, 'information_schema.columns', 'TRIGGER')",
		"permission denied: TRIGGER on information_schema.columns",
		"checked against information_schema.columns")
}

func allProbe(_, _, _ string) Probe {
	return Probe{
		Kind:       ProbeKindStatement,
		Statements: []string{"SELECT 1 FROM information_schema.tables LIMIT 1"},
		Notes:      "generic catalog read",
	}
}

func catalogProbe(tag, predicate, denied, notes string) Probe {
	body := fmt.Sprintf(`BEGIN
  IF NOT %s THEN
    RAISE EXCEPTION USING ERRCODE = 'insufficient_privilege', MESSAGE = %s;
  END IF;
END`, predicate, pq.QuoteLiteral(denied))
	return Probe{
		Kind:       ProbeKindCatalog,
		Statements: []string{doBlock(tag, body)},
		Notes:      notes,
	}
}

// scratchProbe wraps work in a block whose handler cleans up and re-raises,
// so a failed probe leaves nothing behind.
func scratchProbe(tag, scratch, work, cleanup string) Probe {
	body := fmt.Sprintf(`BEGIN
  %s
EXCEPTION WHEN OTHERS THEN
  %s
  RAISE;
END`, work, cleanup)
	return Probe{
		Kind:        ProbeKindScratch,
		Statements:  []string{doBlock(tag, body)},
		ScratchName: scratch,
	}
}

// scratchName places the scratch table in the schema of a qualified
// schema.table name. A bare name is a table, not a schema, and is ignored.
func scratchName(obj, scratch string) string {
	i := strings.IndexByte(obj, '.')
	if i < 0 {
		return pq.QuoteIdentifier(scratch)
	}
	return pq.QuoteIdentifier(obj[:i]) + "." + pq.QuoteIdentifier(scratch)
}

// doBlock builds an anonymous block. The dollar-quote tag is derived from the
// run-scoped suffix so an object name cannot terminate the body.
func doBlock(tag, body string) string {
	return fmt.Sprintf("DO $%s$\n%s\n$%s$", tag, body, tag)
}
