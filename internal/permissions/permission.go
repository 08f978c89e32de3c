// Package permissions defines the privilege kinds dbtester can probe and the
// catalog of non-destructive SQL probes that verify them.
//
// A probe succeeds when the connected user holds the privilege and fails
// with a driver error (usually SQLSTATE 42501) when it does not.
package permissions

import (
	"fmt"
	"strings"
)

// Permission is a SQL-level privilege kind.
type Permission string

const (
	PermissionSelect     Permission = "SELECT"
	PermissionInsert     Permission = "INSERT"
	PermissionUpdate     Permission = "UPDATE"
	PermissionDelete     Permission = "DELETE"
	PermissionCreate     Permission = "CREATE"
	PermissionAlter      Permission = "ALTER"
	PermissionDrop       Permission = "DROP"
	PermissionTruncate   Permission = "TRUNCATE"
	PermissionReferences Permission = "REFERENCES"
	PermissionTrigger    Permission = "TRIGGER"
	PermissionUsage      Permission = "USAGE"
	PermissionConnect    Permission = "CONNECT"
	PermissionTemporary  Permission = "TEMPORARY"
	PermissionExecute    Permission = "EXECUTE"
	PermissionAll        Permission = "ALL"
)

// AllPermissions returns every valid permission in declaration order.
func AllPermissions() []Permission {
	return []Permission{
		PermissionSelect,
		PermissionInsert,
		PermissionUpdate,
		PermissionDelete,
		PermissionCreate,
		PermissionAlter,
		PermissionDrop,
		PermissionTruncate,
		PermissionReferences,
		PermissionTrigger,
		PermissionUsage,
		PermissionConnect,
		PermissionTemporary,
		PermissionExecute,
		PermissionAll,
	}
}

// TableScoped returns the permissions that are checked against a named table.
func TableScoped() []Permission {
	return []Permission{
		PermissionSelect,
		PermissionInsert,
		PermissionUpdate,
		PermissionDelete,
		PermissionTruncate,
	}
}

// IsValid checks if the permission is a known permission.
func (p Permission) IsValid() bool {
	for _, valid := range AllPermissions() {
		if p == valid {
			return true
		}
	}
	return false
}

// RequiresObject reports whether a probe for p needs a target object name.
func (p Permission) RequiresObject() bool {
	return p.ObjectKind() != ""
}

// ObjectKind names the kind of object p targets, or "" when p needs none.
func (p Permission) ObjectKind() string {
	switch p {
	case PermissionSelect, PermissionInsert, PermissionUpdate, PermissionDelete, PermissionTruncate:
		return "Table"
	case PermissionExecute:
		return "Routine"
	default:
		return ""
	}
}

// String returns the string representation of the permission.
func (p Permission) String() string {
	return string(p)
}

// ParsePermission parses a permission name case-insensitively.
// TEMP is accepted as an alias for TEMPORARY.
func ParsePermission(s string) (Permission, error) {
	p := Permission(strings.ToUpper(strings.TrimSpace(s)))
	if p == "TEMP" {
		p = PermissionTemporary
	}
	if !p.IsValid() {
		return "", fmt.Errorf("invalid permission: %s (valid: %v)", s, AllPermissions())
	}
	return p, nil
}

// Expectation asserts that a user does or does not hold a permission.
type Expectation struct {
	Permission Permission `json:"permission" yaml:"permission"`
	ObjectName string     `json:"objectName,omitempty" yaml:"object,omitempty"`
	IsGranted  bool       `json:"isGranted" yaml:"granted"`
}

// Validate checks that the expectation can be probed.
func (e Expectation) Validate() error {
	if !e.Permission.IsValid() {
		return fmt.Errorf("invalid permission: %s", e.Permission)
	}
	if e.Permission.RequiresObject() && strings.TrimSpace(e.ObjectName) == "" {
		return fmt.Errorf("%s expectation requires an object name", e.Permission)
	}
	return nil
}
