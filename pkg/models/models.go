// Package models provides shared data models for the dbtester public API.
package models

import (
	"time"
)

// ExecuteRunRequest is the API request for starting a test run.
type ExecuteRunRequest struct {
	WorkflowID   string            `json:"workflowId"`
	ConnectionID string            `json:"connectionId,omitempty"`
	UserID       string            `json:"userId,omitempty"`
	Parameters   map[string]string `json:"parameters,omitempty"`
}

// RunAccepted is the API response for a run started in the background.
type RunAccepted struct {
	RunID string `json:"runId"`
}

// CancelResponse is the API response for a cancellation request.
type CancelResponse struct {
	RunID     string `json:"runId"`
	Cancelled bool   `json:"cancelled"`
}

// CloneRequest is the API request for cloning a workflow.
type CloneRequest struct {
	Name string `json:"name"`
}

// InstantiateRequest is the API request for creating a workflow from a
// template.
type InstantiateRequest struct {
	Name       string            `json:"name"`
	Parameters map[string]string `json:"parameters,omitempty"`
}

// ConnectionTestRequest is the API request for testing a connection: either
// a stored ConnectionID or the details of an unsaved connection.
type ConnectionTestRequest struct {
	ConnectionID string `json:"connectionId,omitempty"`
	Name         string `json:"name,omitempty"`
	Server       string `json:"server,omitempty"`
	Port         int    `json:"port,omitempty"`
	DatabaseName string `json:"databaseName,omitempty"`
	Username     string `json:"username,omitempty"`
	Password     string `json:"password,omitempty"`
	SSLMode      string `json:"sslMode,omitempty"`
}

// ValidateUserRequest is the API request for validating a test user's
// credentials.
type ValidateUserRequest struct {
	UserID string `json:"userId"`
}

// WorkflowSummary is the list view of a workflow.
type WorkflowSummary struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Description  string    `json:"description,omitempty"`
	ConnectionID string    `json:"connectionId,omitempty"`
	IsTemplate   bool      `json:"isTemplate"`
	Operations   int       `json:"operations"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// HealthResponse is the API response for the health endpoint.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// ReadinessCheck is one dependency checked by the readiness endpoint.
type ReadinessCheck struct {
	Name    string `json:"name"`
	Ready   bool   `json:"ready"`
	Message string `json:"message,omitempty"`
}

// ReadinessResponse is the API response for the readiness endpoint.
type ReadinessResponse struct {
	Ready  bool             `json:"ready"`
	Checks []ReadinessCheck `json:"checks"`
}

// ErrorResponse is the API response for errors.
type ErrorResponse struct {
	Error      string `json:"error"`
	Reason     string `json:"reason,omitempty"`
	Suggestion string `json:"suggestion,omitempty"`
	Code       int    `json:"code"`
}
