// Package fixtures loads connections, test users and workflows declared in
// YAML and applies them to the stores.
//
// A fixture file is:
//   - human-readable
//   - versionable
//   - strict: unknown fields fail
//
// Plaintext credentials in a fixture are encrypted with the vault before
// they are stored; they are never written back.
package fixtures

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/canonica-labs/dbtester/internal/errors"
	"github.com/canonica-labs/dbtester/internal/permissions"
	"github.com/canonica-labs/dbtester/internal/storage"
	"github.com/canonica-labs/dbtester/internal/vault"
	"github.com/canonica-labs/dbtester/internal/workflow"
)

// File is a parsed fixture file.
type File struct {
	Connections []Connection            `yaml:"connections,omitempty"`
	Users       []User                  `yaml:"users,omitempty"`
	Workflows   []workflow.TestWorkflow `yaml:"workflows,omitempty"`

	// validated tracks if Validate() has been called
	validated bool

	// path is the source file path
	path string
}

// Connection declares a target database. Either the plaintext or the
// encrypted form of each credential may be given.
type Connection struct {
	ID                string `yaml:"id"`
	Name              string `yaml:"name"`
	Server            string `yaml:"server"`
	Port              int    `yaml:"port,omitempty"`
	Database          string `yaml:"database"`
	Username          string `yaml:"username,omitempty"`
	Password          string `yaml:"password,omitempty"`
	EncryptedUsername string `yaml:"encryptedUsername,omitempty"`
	EncryptedPassword string `yaml:"encryptedPassword,omitempty"`
	MaxPoolSize       int    `yaml:"maxPoolSize,omitempty"`
	MinPoolSize       int    `yaml:"minPoolSize,omitempty"`
	TimeoutSeconds    int    `yaml:"timeoutSeconds,omitempty"`
	SSLMode           string `yaml:"sslMode,omitempty"`
}

// User declares a test user.
type User struct {
	ID                string        `yaml:"id"`
	Name              string        `yaml:"name,omitempty"`
	Username          string        `yaml:"username"`
	Password          string        `yaml:"password,omitempty"`
	EncryptedPassword string        `yaml:"encryptedPassword,omitempty"`
	Connection        string        `yaml:"connection"`
	Role              string        `yaml:"role,omitempty"`
	Expect            []Expectation `yaml:"expect,omitempty"`
}

// Expectation declares one expected permission. Permission names are
// case-insensitive.
type Expectation struct {
	Permission string `yaml:"permission"`
	Object     string `yaml:"object,omitempty"`
	Granted    bool   `yaml:"granted"`
}

// Result counts what Apply wrote.
type Result struct {
	Connections int
	Users       int
	Workflows   int
}

// Stores are the stores fixtures are applied to.
type Stores interface {
	storage.WorkflowStore
	storage.ConnectionStore
}

// LoadFile reads and parses a fixture file.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.NewValidation("fixtures", fmt.Sprintf("failed to read %s: %v", path, err))
	}
	f, err := Load(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	f.path = path
	return f, nil
}

// Load parses fixtures from r. Unknown fields fail.
func Load(r io.Reader) (*File, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var f File
	if err := dec.Decode(&f); err != nil && err != io.EOF {
		return nil, errors.NewValidation("fixtures", fmt.Sprintf("failed to parse YAML: %v", err))
	}

	// Normalize permission names before validation
	for i := range f.Workflows {
		wf := &f.Workflows[i]
		for j := range wf.Operations {
			op := &wf.Operations[j]
			if op.SequenceOrder == 0 {
				op.SequenceOrder = j + 1
			}
			if op.Permission != "" {
				p, err := permissions.ParsePermission(string(op.Permission))
				if err != nil {
					return nil, errors.NewValidation(
						fmt.Sprintf("workflows[%d].operations[%d].permission", i, j), err.Error())
				}
				op.Permission = p
			}
		}
	}
	return &f, nil
}

// Path returns the file the fixtures were loaded from, if any.
func (f *File) Path() string {
	return f.path
}

// Validate checks every entity and every reference between them.
func (f *File) Validate() error {
	conns := make(map[string]bool, len(f.Connections))
	for i, c := range f.Connections {
		field := fmt.Sprintf("connections[%d]", i)
		if strings.TrimSpace(c.ID) == "" {
			return errors.NewValidation(field+".id", "required")
		}
		if conns[c.ID] {
			return errors.NewValidation(field+".id", fmt.Sprintf("duplicate connection %s", c.ID))
		}
		conns[c.ID] = true
		if c.Username != "" && c.EncryptedUsername != "" {
			return errors.NewValidation(field, "give username or encryptedUsername, not both")
		}
		if c.Password != "" && c.EncryptedPassword != "" {
			return errors.NewValidation(field, "give password or encryptedPassword, not both")
		}
		if err := c.model().Validate(); err != nil {
			return prefixed(field, err)
		}
	}

	users := make(map[string]bool, len(f.Users))
	for i, u := range f.Users {
		field := fmt.Sprintf("users[%d]", i)
		if strings.TrimSpace(u.ID) == "" {
			return errors.NewValidation(field+".id", "required")
		}
		if users[u.ID] {
			return errors.NewValidation(field+".id", fmt.Sprintf("duplicate user %s", u.ID))
		}
		users[u.ID] = true
		if u.Password != "" && u.EncryptedPassword != "" {
			return errors.NewValidation(field, "give password or encryptedPassword, not both")
		}
		if !conns[u.Connection] {
			return errors.NewValidation(field+".connection",
				fmt.Sprintf("references unknown connection '%s'", u.Connection))
		}
		model, err := u.model()
		if err != nil {
			return prefixed(field, err)
		}
		if err := model.Validate(); err != nil {
			return prefixed(field, err)
		}
	}

	ids := make(map[string]bool, len(f.Workflows))
	for i := range f.Workflows {
		wf := &f.Workflows[i]
		field := fmt.Sprintf("workflows[%d]", i)
		if strings.TrimSpace(wf.ID) == "" {
			return errors.NewValidation(field+".id", "required")
		}
		if ids[wf.ID] {
			return errors.NewValidation(field+".id", fmt.Sprintf("duplicate workflow %s", wf.ID))
		}
		ids[wf.ID] = true
		if wf.ConnectionID != "" && !conns[wf.ConnectionID] {
			return errors.NewValidation(field+".connection",
				fmt.Sprintf("references unknown connection '%s'", wf.ConnectionID))
		}
		if err := wf.Validate(); err != nil {
			return prefixed(field, err)
		}
	}

	f.validated = true
	return nil
}

// IsValidated returns true if Validate() has been called successfully.
func (f *File) IsValidated() bool {
	return f.validated
}

// NeedsVault reports whether any plaintext credential must be encrypted.
func (f *File) NeedsVault() bool {
	for _, c := range f.Connections {
		if c.Username != "" || c.Password != "" {
			return true
		}
	}
	for _, u := range f.Users {
		if u.Password != "" {
			return true
		}
	}
	return false
}

// Apply writes every entity to stores, replacing entities with the same id,
// so applying a file twice does not duplicate anything.
func (f *File) Apply(ctx context.Context, stores Stores, cipher vault.Cipher) (Result, error) {
	var res Result
	if !f.validated {
		return res, fmt.Errorf("fixtures must be validated before apply")
	}
	if f.NeedsVault() && cipher == nil {
		return res, errors.NewConfigurationError("vault.key", "plaintext credentials in fixtures need a vault to encrypt them")
	}

	for _, c := range f.Connections {
		conn := c.model()
		if c.Username != "" {
			enc, err := cipher.Encrypt(c.Username)
			if err != nil {
				return res, fmt.Errorf("failed to encrypt username of connection '%s': %w", c.ID, err)
			}
			conn.EncryptedUsername = enc
		}
		if c.Password != "" {
			enc, err := cipher.Encrypt(c.Password)
			if err != nil {
				return res, fmt.Errorf("failed to encrypt password of connection '%s': %w", c.ID, err)
			}
			conn.EncryptedPassword = enc
		}
		if err := stores.SaveConnection(ctx, conn); err != nil {
			return res, fmt.Errorf("failed to save connection '%s': %w", c.ID, err)
		}
		res.Connections++
	}

	for _, u := range f.Users {
		user, err := u.model()
		if err != nil {
			return res, err
		}
		if u.Password != "" {
			enc, err := cipher.Encrypt(u.Password)
			if err != nil {
				return res, fmt.Errorf("failed to encrypt password of user '%s': %w", u.ID, err)
			}
			user.EncryptedPassword = enc
		}
		if err := stores.SaveTestUser(ctx, user); err != nil {
			return res, fmt.Errorf("failed to save user '%s': %w", u.ID, err)
		}
		res.Users++
	}

	for i := range f.Workflows {
		wf := f.Workflows[i].Copy()
		if err := stores.SaveWorkflow(ctx, wf); err != nil {
			return res, fmt.Errorf("failed to save workflow '%s': %w", wf.ID, err)
		}
		res.Workflows++
	}
	return res, nil
}

func (c Connection) model() *workflow.DatabaseConnection {
	return &workflow.DatabaseConnection{
		ID:                       c.ID,
		Name:                     c.Name,
		Server:                   c.Server,
		Port:                     c.Port,
		DatabaseName:             c.Database,
		EncryptedUsername:        c.EncryptedUsername,
		EncryptedPassword:        c.EncryptedPassword,
		MaxPoolSize:              c.MaxPoolSize,
		MinPoolSize:              c.MinPoolSize,
		ConnectionTimeoutSeconds: c.TimeoutSeconds,
		SSLMode:                  c.SSLMode,
	}
}

func (u User) model() (*workflow.TestUser, error) {
	name := u.Name
	if name == "" {
		name = u.Username
	}
	user := &workflow.TestUser{
		ID:                u.ID,
		Name:              name,
		Username:          u.Username,
		EncryptedPassword: u.EncryptedPassword,
		ConnectionID:      u.Connection,
		AssignedRole:      u.Role,
	}
	for i, exp := range u.Expect {
		p, err := permissions.ParsePermission(exp.Permission)
		if err != nil {
			return nil, errors.NewValidation(fmt.Sprintf("expect[%d].permission", i), err.Error())
		}
		user.ExpectedPermissions = append(user.ExpectedPermissions, permissions.Expectation{
			Permission: p,
			ObjectName: exp.Object,
			IsGranted:  exp.Granted,
		})
	}
	return user, nil
}

func prefixed(field string, err error) error {
	var ve *errors.ErrValidation
	if stderrors.As(err, &ve) {
		out := *ve
		out.Field = field + "." + ve.Field
		out.Reason = field + ": " + ve.Reason
		return &out
	}
	return err
}

// Init writes an example fixture file into dir and returns its path.
func Init(dir string) (string, error) {
	path := filepath.Join(dir, "fixtures.yaml")
	if _, err := os.Stat(path); err == nil {
		return "", fmt.Errorf("fixture file already exists: %s", path)
	}
	if err := os.WriteFile(path, []byte(Example), 0o600); err != nil {
		return "", fmt.Errorf("failed to write fixture file: %w", err)
	}
	return path, nil
}

// Example is the fixture file written by Init.
const Example = `# dbtester fixtures
# Generated by 'dbtester fixtures init'
# Plaintext credentials are encrypted with the vault key on apply.

connections:
  - id: warehouse
    name: warehouse
    server: localhost
    port: 5432
    database: warehouse
    username: dbtester_admin
    password: change-me

users:
  - id: analyst
    username: analyst
    password: change-me
    connection: warehouse
    role: reporting
    expect:
      - permission: SELECT
        object: public.accounts
        granted: true
      - permission: DELETE
        object: public.accounts
        granted: false
      - permission: CREATE
        granted: false

workflows:
  - id: analyst-read-only
    name: analyst is read-only
    connection: warehouse
    operations:
      - name: can read accounts
        kind: ProbePermission
        permission: SELECT
        object: public.accounts
        expectSuccess: true
      - name: cannot delete accounts
        kind: ProbePermission
        permission: DELETE
        object: public.accounts
        expectSuccess: false
      - name: row count
        kind: RawSql
        sql: SELECT count(*) FROM public.accounts
        expectSuccess: true
        runAsTestUser: true

  - id: table-access
    name: table access
    template: true
    parameters:
      - name: table
        description: schema-qualified table under test
        default: public.accounts
    operations:
      - name: read
        kind: ProbePermission
        permission: SELECT
        object: "{{param.table}}"
        expectSuccess: true
      - name: no truncate
        kind: ProbePermission
        permission: TRUNCATE
        object: "{{param.table}}"
        expectSuccess: false
`
