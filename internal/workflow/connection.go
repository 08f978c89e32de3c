package workflow

import (
	"fmt"
	"strings"
	"time"

	"github.com/canonica-labs/dbtester/internal/errors"
	"github.com/canonica-labs/dbtester/internal/permissions"
	"github.com/canonica-labs/dbtester/internal/probe"
)

// DatabaseConnection is a target database. Credentials are stored encrypted
// and only decrypted for the duration of a single connect.
type DatabaseConnection struct {
	ID                       string    `json:"id" yaml:"id"`
	Name                     string    `json:"name" yaml:"name"`
	Server                   string    `json:"server" yaml:"server"`
	Port                     int       `json:"port" yaml:"port"`
	DatabaseName             string    `json:"databaseName" yaml:"database"`
	EncryptedUsername        string    `json:"-" yaml:"encryptedUsername"`
	EncryptedPassword        string    `json:"-" yaml:"encryptedPassword"`
	MaxPoolSize              int       `json:"maxPoolSize" yaml:"maxPoolSize"`
	MinPoolSize              int       `json:"minPoolSize" yaml:"minPoolSize"`
	ConnectionTimeoutSeconds int       `json:"connectionTimeoutSeconds" yaml:"timeoutSeconds"`
	SSLMode                  string    `json:"sslMode,omitempty" yaml:"sslMode,omitempty"`
	CreatedAt                time.Time `json:"createdAt" yaml:"-"`

	// Set by the last connection test; saving a redefined connection
	// clears them.
	IsConnectionValid  bool       `json:"isConnectionValid" yaml:"-"`
	LastConnectionTest *time.Time `json:"lastConnectionTest,omitempty" yaml:"-"`
}

// Validate checks the connection definition.
func (c *DatabaseConnection) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return errors.NewValidation("name", "required")
	}
	if strings.TrimSpace(c.Server) == "" {
		return errors.NewValidation("server", "required")
	}
	if strings.TrimSpace(c.DatabaseName) == "" {
		return errors.NewValidation("databaseName", "required")
	}
	if c.Port < 0 || c.Port > 65535 {
		return errors.NewValidation("port", fmt.Sprintf("out of range: %d", c.Port))
	}
	if c.MinPoolSize > c.MaxPoolSize && c.MaxPoolSize > 0 {
		return errors.NewValidation("minPoolSize", "must not exceed maxPoolSize")
	}
	return nil
}

// ServerParams returns the credential-free connect parameters.
func (c *DatabaseConnection) ServerParams() probe.ServerParams {
	timeout := c.ConnectionTimeoutSeconds
	if timeout <= 0 {
		timeout = 30
	}
	return probe.ServerParams{
		Server:         c.Server,
		Port:           c.Port,
		Database:       c.DatabaseName,
		SSLMode:        c.SSLMode,
		ConnectTimeout: time.Duration(timeout) * time.Second,
		MaxPoolSize:    c.MaxPoolSize,
		MinPoolSize:    c.MinPoolSize,
	}
}

// TestUser is a database user whose grants are under test.
type TestUser struct {
	ID                  string                    `json:"id" yaml:"id"`
	Name                string                    `json:"name" yaml:"name"`
	Username            string                    `json:"username" yaml:"username"`
	EncryptedPassword   string                    `json:"-" yaml:"encryptedPassword"`
	ConnectionID        string                    `json:"connectionId" yaml:"connection"`
	AssignedRole        string                    `json:"assignedRole,omitempty" yaml:"role,omitempty"`
	ExpectedPermissions []permissions.Expectation `json:"expectedPermissions,omitempty" yaml:"expect,omitempty"`
	CreatedAt           time.Time                 `json:"createdAt" yaml:"-"`
}

// Validate checks the user definition.
func (u *TestUser) Validate() error {
	if strings.TrimSpace(u.Username) == "" {
		return errors.NewValidation("username", "required")
	}
	if strings.TrimSpace(u.ConnectionID) == "" {
		return errors.NewValidation("connectionId", "required")
	}
	for i, exp := range u.ExpectedPermissions {
		if err := exp.Validate(); err != nil {
			return errors.NewValidation(fmt.Sprintf("expectedPermissions[%d]", i), err.Error())
		}
	}
	return nil
}
