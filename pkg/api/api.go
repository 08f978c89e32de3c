// Package api defines the public API endpoints of the dbtester gateway.
package api

import (
	"net/url"
	"strings"
)

// API version
const Version = "0.1.0"

// API endpoints
const (
	EndpointRuns        = "/api/v1/runs"
	EndpointRun         = "/api/v1/runs/:id"
	EndpointRunCancel   = "/api/v1/runs/:id/cancel"
	EndpointRunExport   = "/api/v1/runs/:id/export"
	EndpointWorkflows   = "/api/v1/workflows"
	EndpointWorkflow    = "/api/v1/workflows/:id"
	EndpointClone       = "/api/v1/workflows/:id/clone"
	EndpointTemplates   = "/api/v1/templates"
	EndpointInstantiate = "/api/v1/templates/:id/instantiate"
	EndpointAudit       = "/api/v1/audit/summary"
	EndpointConnTest    = "/api/v1/connections/test"
	EndpointUserCheck   = "/api/v1/users/validate"
	EndpointUserRole    = "/api/v1/users/:id/role"
	EndpointHealth      = "/health"
	EndpointReady       = "/readyz"
)

// Query parameters
const (
	ParamCount      = "count"
	ParamWorkflowID = "workflowId"
	ParamFormat     = "format"
	ParamWait       = "wait"
)

// HTTP headers
const (
	HeaderContentType        = "Content-Type"
	HeaderContentDisposition = "Content-Disposition"
	HeaderRequestID          = "X-Request-ID"
	HeaderRunID              = "X-Run-ID"
)

// Content types
const (
	ContentTypeJSON = "application/json"
)

// Path fills the :id placeholder of endpoint.
func Path(endpoint, id string) string {
	return strings.Replace(endpoint, ":id", url.PathEscape(id), 1)
}
