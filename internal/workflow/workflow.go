// Package workflow defines the test definitions dbtester executes and the
// runs it records: workflows of ordered operations, connections, test users
// and the results of running one against the other.
package workflow

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/canonica-labs/dbtester/internal/errors"
	"github.com/canonica-labs/dbtester/internal/permissions"
)

// OperationKind selects how an operation is executed.
type OperationKind string

const (
	// KindProbePermission resolves a permission probe and runs it as the
	// test user.
	KindProbePermission OperationKind = "ProbePermission"

	// KindRawSQL runs the operation's SQL statement verbatim.
	KindRawSQL OperationKind = "RawSql"
)

// IsValid checks if the kind is known.
func (k OperationKind) IsValid() bool {
	return k == KindProbePermission || k == KindRawSQL
}

// TestOperation is one step of a workflow.
type TestOperation struct {
	// ID is the unique identifier of the operation.
	ID string `json:"id" yaml:"id,omitempty"`

	// Name is a short label shown in run reports.
	Name string `json:"name" yaml:"name"`

	// Description explains what the step asserts.
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Kind selects probe or raw SQL execution.
	Kind OperationKind `json:"kind" yaml:"kind"`

	// SequenceOrder positions the step; orders are 1..n within a workflow.
	SequenceOrder int `json:"sequenceOrder" yaml:"order"`

	// Permission is the privilege a ProbePermission step checks.
	Permission permissions.Permission `json:"permission,omitempty" yaml:"permission,omitempty"`

	// SQLStatement is the statement a RawSql step runs.
	SQLStatement string `json:"sqlStatement,omitempty" yaml:"sql,omitempty"`

	// ObjectName is the probe target, optionally schema-qualified.
	ObjectName string `json:"objectName,omitempty" yaml:"object,omitempty"`

	// ExpectSuccess is the outcome the step asserts.
	ExpectSuccess bool `json:"expectSuccess" yaml:"expectSuccess"`

	// RunAsTestUser runs a RawSql step with the test user's credentials
	// instead of the connection's.
	RunAsTestUser bool `json:"runAsTestUser,omitempty" yaml:"runAsTestUser,omitempty"`
}

// TemplateParameter is a named substitution slot of a template workflow.
type TemplateParameter struct {
	Name         string `json:"name" yaml:"name"`
	Description  string `json:"description,omitempty" yaml:"description,omitempty"`
	DefaultValue string `json:"defaultValue,omitempty" yaml:"default,omitempty"`
}

// TestWorkflow is an ordered list of operations run against one connection
// and test user.
type TestWorkflow struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// ConnectionID is the default target when a run does not name one.
	ConnectionID string `json:"connectionId,omitempty" yaml:"connection,omitempty"`

	IsTemplate bool                `json:"isTemplate" yaml:"template,omitempty"`
	Parameters []TemplateParameter `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	Operations []TestOperation     `json:"operations" yaml:"operations"`

	CreatedAt time.Time `json:"createdAt" yaml:"-"`
	UpdatedAt time.Time `json:"updatedAt" yaml:"-"`
}

// Validate checks the workflow definition.
func (w *TestWorkflow) Validate() error {
	if strings.TrimSpace(w.Name) == "" {
		return errors.NewValidation("name", "required")
	}

	seen := make(map[int]bool, len(w.Operations))
	for i, op := range w.Operations {
		field := fmt.Sprintf("operations[%d]", i)
		if strings.TrimSpace(op.Name) == "" {
			return errors.NewValidation(field+".name", "required")
		}
		if !op.Kind.IsValid() {
			return errors.NewValidation(field+".kind",
				fmt.Sprintf("invalid kind: %s (valid: %s, %s)", op.Kind, KindProbePermission, KindRawSQL))
		}
		if op.Kind == KindProbePermission && !op.Permission.IsValid() {
			return errors.NewValidation(field+".permission",
				fmt.Sprintf("invalid permission: %s", op.Permission))
		}
		if op.Kind == KindRawSQL && strings.TrimSpace(op.SQLStatement) == "" {
			return errors.NewValidation(field+".sqlStatement", "required for RawSql operations")
		}
		if seen[op.SequenceOrder] {
			return errors.NewValidation(field+".sequenceOrder",
				fmt.Sprintf("duplicate sequence order %d", op.SequenceOrder))
		}
		seen[op.SequenceOrder] = true
	}
	for i := 1; i <= len(w.Operations); i++ {
		if !seen[i] {
			return errors.NewValidation("operations",
				fmt.Sprintf("sequence orders must be contiguous from 1, missing %d", i))
		}
	}

	names := make(map[string]bool, len(w.Parameters))
	for i, p := range w.Parameters {
		if strings.TrimSpace(p.Name) == "" {
			return errors.NewValidation(fmt.Sprintf("parameters[%d].name", i), "required")
		}
		if names[p.Name] {
			return errors.NewValidation(fmt.Sprintf("parameters[%d].name", i),
				fmt.Sprintf("duplicate parameter %s", p.Name))
		}
		names[p.Name] = true
	}
	return nil
}

// OrderedOperations returns the operations sorted by SequenceOrder. The
// workflow is not modified.
func (w *TestWorkflow) OrderedOperations() []TestOperation {
	ops := make([]TestOperation, len(w.Operations))
	copy(ops, w.Operations)
	sort.SliceStable(ops, func(i, j int) bool {
		return ops[i].SequenceOrder < ops[j].SequenceOrder
	})
	return ops
}

// Renumber assigns sequence orders 1..n following the current slice order.
func (w *TestWorkflow) Renumber() {
	for i := range w.Operations {
		w.Operations[i].SequenceOrder = i + 1
	}
}

// Clone returns a deep copy with fresh ids for the workflow and every
// operation. Order and parameters are preserved.
func (w *TestWorkflow) Clone() *TestWorkflow {
	c := *w
	c.ID = NewID()
	c.Parameters = append([]TemplateParameter(nil), w.Parameters...)
	c.Operations = w.OrderedOperations()
	for i := range c.Operations {
		c.Operations[i].ID = NewID()
	}
	c.CreatedAt = time.Time{}
	c.UpdatedAt = time.Time{}
	return &c
}

// Copy returns a deep copy that keeps every id.
func (w *TestWorkflow) Copy() *TestWorkflow {
	c := *w
	c.Parameters = append([]TemplateParameter(nil), w.Parameters...)
	c.Operations = append([]TestOperation(nil), w.Operations...)
	return &c
}

// AssignIDs fills in missing workflow and operation ids.
func (w *TestWorkflow) AssignIDs() {
	if w.ID == "" {
		w.ID = NewID()
	}
	for i := range w.Operations {
		if w.Operations[i].ID == "" {
			w.Operations[i].ID = NewID()
		}
	}
}

// NewID returns a new random identifier.
func NewID() string {
	return uuid.NewString()
}

// ScratchSuffix returns a run-scoped unique suffix for scratch object names.
func ScratchSuffix() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// FromExpectations builds the workflow that probes every expectation of
// user, one ProbePermission step per expectation.
func FromExpectations(user *TestUser) *TestWorkflow {
	w := &TestWorkflow{
		ID:           NewID(),
		Name:         fmt.Sprintf("expectations of %s", user.Name),
		Description:  fmt.Sprintf("generated from the expected permissions of test user %s", user.Username),
		ConnectionID: user.ConnectionID,
	}
	for i, exp := range user.ExpectedPermissions {
		name := exp.Permission.String()
		if exp.ObjectName != "" {
			name += " on " + exp.ObjectName
		}
		w.Operations = append(w.Operations, TestOperation{
			ID:            NewID(),
			Name:          name,
			Kind:          KindProbePermission,
			SequenceOrder: i + 1,
			Permission:    exp.Permission,
			ObjectName:    exp.ObjectName,
			ExpectSuccess: exp.IsGranted,
		})
	}
	return w
}
