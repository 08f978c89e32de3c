// Package accounts checks target connections and provisions the login roles
// of test users. Role management runs under the connection's own
// credentials; user validation logs in as the test user.
package accounts

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/canonica-labs/dbtester/internal/errors"
	"github.com/canonica-labs/dbtester/internal/probe"
	"github.com/canonica-labs/dbtester/internal/storage"
	"github.com/canonica-labs/dbtester/internal/vault"
	"github.com/canonica-labs/dbtester/internal/workflow"
)

// Roles opens sessions and manages login roles. *probe.Prober implements it.
type Roles interface {
	TestConnection(ctx context.Context, params probe.ServerParams, username, password string) error
	RoleExists(ctx context.Context, admin probe.Admin, username string) (bool, error)
	CreateRole(ctx context.Context, admin probe.Admin, spec probe.RoleSpec) (bool, error)
	DropRole(ctx context.Context, admin probe.Admin, username string) (bool, error)
}

var _ Roles = (*probe.Prober)(nil)

// ConnectionCheck is the outcome of a connection test.
type ConnectionCheck struct {
	ConnectionID      string           `json:"connectionId,omitempty"`
	IsConnectionValid bool             `json:"isConnectionValid"`
	Message           string           `json:"message"`
	ErrorMessage      string           `json:"errorMessage,omitempty"`
	Class             probe.ErrorClass `json:"class,omitempty"`
	TestedAt          time.Time        `json:"testedAt"`
}

// UserCheck is the outcome of a test user operation.
type UserCheck struct {
	UserID       string `json:"userId"`
	Username     string `json:"username"`
	ConnectionID string `json:"connectionId"`
	AssignedRole string `json:"assignedRole,omitempty"`

	// Valid is set by ValidateUser: the user's credentials open a session.
	Valid bool `json:"isValid"`
	// Exists reports whether the role is present after the operation.
	Exists bool `json:"exists"`
	// Changed is true when CreateUser created or DropUser dropped the role.
	Changed bool `json:"changed"`

	Message      string `json:"message"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// Service runs account operations against stored connections and users.
type Service struct {
	roles  Roles
	store  storage.ConnectionStore
	cipher vault.Cipher
	now    func() time.Time
	logger *zap.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the process logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New creates a Service. cipher may be nil; every operation then fails with
// a configuration error.
func New(roles Roles, store storage.ConnectionStore, cipher vault.Cipher, opts ...Option) *Service {
	s := &Service{
		roles:  roles,
		store:  store,
		cipher: cipher,
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TestConnection opens a session with the stored connection's credentials
// and records the outcome on the connection. A failed connect is reported
// in the check, not returned.
func (s *Service) TestConnection(ctx context.Context, connectionID string) (*ConnectionCheck, error) {
	conn, err := s.store.GetConnection(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	username, password, err := s.connectionCredentials(conn)
	if err != nil {
		return nil, err
	}

	check := s.check(ctx, conn.ServerParams(), username, password)
	check.ConnectionID = conn.ID

	tested := check.TestedAt
	conn.IsConnectionValid = check.IsConnectionValid
	conn.LastConnectionTest = &tested
	if err := s.store.SaveConnection(ctx, conn); err != nil {
		return nil, err
	}

	s.logger.Info("connection tested",
		zap.String("connection", conn.ID),
		zap.Bool("valid", check.IsConnectionValid),
		zap.String("class", string(check.Class)))
	return check, nil
}

// TestConnectionDetails checks a connection that has not been saved.
func (s *Service) TestConnectionDetails(ctx context.Context, conn *workflow.DatabaseConnection, username, password string) (*ConnectionCheck, error) {
	if err := conn.Validate(); err != nil {
		return nil, err
	}
	return s.check(ctx, conn.ServerParams(), username, password), nil
}

func (s *Service) check(ctx context.Context, params probe.ServerParams, username, password string) *ConnectionCheck {
	check := &ConnectionCheck{Message: "Connection successful", IsConnectionValid: true}
	if err := s.roles.TestConnection(ctx, params, username, password); err != nil {
		out := probe.FailedOutcome(err, probe.KindCommand)
		check.IsConnectionValid = false
		check.Message = "Connection failed"
		check.ErrorMessage = out.ErrorMessage
		check.Class = out.Class
	}
	check.TestedAt = s.now().UTC()
	return check
}

// ValidateUser logs in as the test user.
func (s *Service) ValidateUser(ctx context.Context, userID string) (*UserCheck, error) {
	user, conn, err := s.resolve(ctx, userID)
	if err != nil {
		return nil, err
	}
	if s.cipher == nil {
		return nil, noVault()
	}
	password, err := s.cipher.Decrypt(user.EncryptedPassword)
	if err != nil {
		return nil, decryptFailed(conn, "password of test user "+user.Username, err)
	}

	check := newUserCheck(user)
	if err := s.roles.TestConnection(ctx, conn.ServerParams(), user.Username, password); err != nil {
		check.Message = "User is not valid"
		check.ErrorMessage = probe.FailedOutcome(err, probe.KindCommand).ErrorMessage
		return check, nil
	}
	check.Valid = true
	check.Exists = true
	check.Message = "User is valid"
	return check, nil
}

// VerifyUser reports whether the test user's role exists on the target.
func (s *Service) VerifyUser(ctx context.Context, userID string) (*UserCheck, error) {
	user, conn, err := s.resolve(ctx, userID)
	if err != nil {
		return nil, err
	}
	admin, err := s.admin(conn)
	if err != nil {
		return nil, err
	}
	exists, err := s.roles.RoleExists(ctx, admin, user.Username)
	if err != nil {
		return nil, err
	}
	check := newUserCheck(user)
	check.Exists = exists
	check.Message = fmt.Sprintf("role %s does not exist", user.Username)
	if exists {
		check.Message = fmt.Sprintf("role %s exists", user.Username)
	}
	return check, nil
}

// CreateUser creates the test user's login role with its stored password
// and grants the assigned role. An existing role is kept and still granted.
func (s *Service) CreateUser(ctx context.Context, userID string) (*UserCheck, error) {
	user, conn, err := s.resolve(ctx, userID)
	if err != nil {
		return nil, err
	}
	admin, err := s.admin(conn)
	if err != nil {
		return nil, err
	}
	password, err := s.cipher.Decrypt(user.EncryptedPassword)
	if err != nil {
		return nil, decryptFailed(conn, "password of test user "+user.Username, err)
	}

	created, err := s.roles.CreateRole(ctx, admin, probe.RoleSpec{
		Username: user.Username,
		Password: password,
		Role:     user.AssignedRole,
	})
	if err != nil {
		return nil, err
	}

	check := newUserCheck(user)
	check.Exists = true
	check.Changed = created
	check.Message = fmt.Sprintf("role %s already exists", user.Username)
	if created {
		check.Message = fmt.Sprintf("role %s created", user.Username)
	}
	if user.AssignedRole != "" {
		check.Message += fmt.Sprintf("; granted %s", user.AssignedRole)
	}
	return check, nil
}

// DropUser drops the test user's login role if it exists.
func (s *Service) DropUser(ctx context.Context, userID string) (*UserCheck, error) {
	user, conn, err := s.resolve(ctx, userID)
	if err != nil {
		return nil, err
	}
	admin, err := s.admin(conn)
	if err != nil {
		return nil, err
	}
	dropped, err := s.roles.DropRole(ctx, admin, user.Username)
	if err != nil {
		return nil, err
	}
	check := newUserCheck(user)
	check.Changed = dropped
	check.Message = fmt.Sprintf("role %s did not exist", user.Username)
	if dropped {
		check.Message = fmt.Sprintf("role %s dropped", user.Username)
	}
	return check, nil
}

func (s *Service) resolve(ctx context.Context, userID string) (*workflow.TestUser, *workflow.DatabaseConnection, error) {
	user, err := s.store.GetTestUser(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	conn, err := s.store.GetConnection(ctx, user.ConnectionID)
	if err != nil {
		return nil, nil, err
	}
	return user, conn, nil
}

func (s *Service) admin(conn *workflow.DatabaseConnection) (probe.Admin, error) {
	username, password, err := s.connectionCredentials(conn)
	if err != nil {
		return probe.Admin{}, err
	}
	return probe.Admin{Params: conn.ServerParams(), Username: username, Password: password}, nil
}

func (s *Service) connectionCredentials(conn *workflow.DatabaseConnection) (string, string, error) {
	if s.cipher == nil {
		return "", "", noVault()
	}
	username, err := s.cipher.Decrypt(conn.EncryptedUsername)
	if err != nil {
		return "", "", decryptFailed(conn, "username of connection "+conn.Name, err)
	}
	password, err := s.cipher.Decrypt(conn.EncryptedPassword)
	if err != nil {
		return "", "", decryptFailed(conn, "password of connection "+conn.Name, err)
	}
	return username, password, nil
}

func newUserCheck(user *workflow.TestUser) *UserCheck {
	return &UserCheck{
		UserID:       user.ID,
		Username:     user.Username,
		ConnectionID: user.ConnectionID,
		AssignedRole: user.AssignedRole,
	}
}

func noVault() error {
	return errors.NewConfigurationError("vault.key", "a vault is required to decrypt stored credentials")
}

func decryptFailed(conn *workflow.DatabaseConnection, what string, err error) error {
	return errors.NewConnectionFailed(conn.Server, conn.DatabaseName, fmt.Errorf("cannot decrypt %s: %w", what, err))
}
