// Package gateway serves the dbtester HTTP API: starting, inspecting,
// cancelling and exporting test runs, browsing, cloning and instantiating
// workflows, and checking connections and test users.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/canonica-labs/dbtester/internal/accounts"
	"github.com/canonica-labs/dbtester/internal/errors"
	"github.com/canonica-labs/dbtester/internal/executor"
	"github.com/canonica-labs/dbtester/internal/observability"
	"github.com/canonica-labs/dbtester/internal/report"
	"github.com/canonica-labs/dbtester/internal/status"
	"github.com/canonica-labs/dbtester/internal/storage"
	"github.com/canonica-labs/dbtester/internal/template"
	"github.com/canonica-labs/dbtester/internal/workflow"
	"github.com/canonica-labs/dbtester/pkg/api"
	"github.com/canonica-labs/dbtester/pkg/models"
)

// RunService executes and tracks test runs. *executor.Service implements it.
type RunService interface {
	Execute(ctx context.Context, req executor.ExecuteRequest) (*workflow.TestRun, error)
	Start(ctx context.Context, req executor.ExecuteRequest) (string, error)
	GetTestRunResult(ctx context.Context, id string) (*workflow.TestRun, error)
	GetRecentTestRuns(ctx context.Context, count int, workflowID string) ([]*workflow.TestRun, error)
	CancelTestRun(id string) bool
}

var _ RunService = (*executor.Service)(nil)

// AccountService tests connections and manages test user roles.
// *accounts.Service implements it.
type AccountService interface {
	TestConnection(ctx context.Context, connectionID string) (*accounts.ConnectionCheck, error)
	TestConnectionDetails(ctx context.Context, conn *workflow.DatabaseConnection, username, password string) (*accounts.ConnectionCheck, error)
	ValidateUser(ctx context.Context, userID string) (*accounts.UserCheck, error)
	VerifyUser(ctx context.Context, userID string) (*accounts.UserCheck, error)
	CreateUser(ctx context.Context, userID string) (*accounts.UserCheck, error)
	DropUser(ctx context.Context, userID string) (*accounts.UserCheck, error)
}

var _ AccountService = (*accounts.Service)(nil)

// Dependencies are the collaborators of a Gateway.
type Dependencies struct {
	Runs      RunService
	Workflows storage.WorkflowStore
	Audit     observability.AuditLogger

	// Accounts backs the connection test and user routes. They answer 503
	// when it is nil.
	Accounts AccountService

	// Readiness backs /readyz. Defaults to an empty, always-ready checker.
	Readiness *status.Checker

	Logger  *zap.Logger
	Version string
}

// Gateway is the HTTP front of the run service.
type Gateway struct {
	echo      *echo.Echo
	runs      RunService
	workflows storage.WorkflowStore
	templates *template.Instantiator
	accounts  AccountService
	audit     observability.AuditLogger
	readiness *status.Checker
	logger    *zap.Logger
	version   string
}

// New creates a Gateway with every route registered.
func New(deps Dependencies) *Gateway {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Audit == nil {
		deps.Audit = observability.NoopLogger{}
	}
	if deps.Readiness == nil {
		deps.Readiness = status.NewChecker()
	}
	if deps.Version == "" {
		deps.Version = api.Version
	}

	g := &Gateway{
		echo:      echo.New(),
		runs:      deps.Runs,
		workflows: deps.Workflows,
		templates: template.NewInstantiator(deps.Workflows),
		accounts:  deps.Accounts,
		audit:     deps.Audit,
		readiness: deps.Readiness,
		logger:    deps.Logger,
		version:   deps.Version,
	}
	g.echo.HideBanner = true
	g.echo.HidePort = true
	g.echo.HTTPErrorHandler = g.handleError

	g.echo.Use(middleware.Recover())
	g.echo.Use(middleware.RequestID())
	g.echo.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			g.logger.Info("request",
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
				zap.String("request_id", v.RequestID))
			return nil
		},
	}))

	g.routes()
	return g
}

func (g *Gateway) routes() {
	e := g.echo
	e.GET(api.EndpointHealth, g.Health)
	e.GET(api.EndpointReady, g.Ready)

	e.POST(api.EndpointRuns, g.StartRun)
	e.GET(api.EndpointRuns, g.ListRuns)
	e.GET(api.EndpointRun, g.GetRun)
	e.POST(api.EndpointRunCancel, g.CancelRun)
	e.GET(api.EndpointRunExport, g.ExportRun)

	e.GET(api.EndpointWorkflows, g.ListWorkflows)
	e.GET(api.EndpointWorkflow, g.GetWorkflow)
	e.POST(api.EndpointClone, g.CloneWorkflow)
	e.GET(api.EndpointTemplates, g.ListTemplates)
	e.POST(api.EndpointInstantiate, g.InstantiateTemplate)

	e.GET(api.EndpointAudit, g.AuditSummary)

	e.POST(api.EndpointConnTest, g.TestConnection)
	e.POST(api.EndpointUserCheck, g.ValidateUser)
	e.GET(api.EndpointUserRole, g.VerifyUser)
	e.PUT(api.EndpointUserRole, g.CreateUser)
	e.DELETE(api.EndpointUserRole, g.DropUser)
}

// ServeHTTP implements http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.echo.ServeHTTP(w, r)
}

// Health reports liveness
// (GET /health)
func (g *Gateway) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, models.HealthResponse{Status: "ok", Version: g.version})
}

// Ready reports whether the store and vault are usable
// (GET /readyz)
func (g *Gateway) Ready(c echo.Context) error {
	res := g.readiness.Check(c.Request().Context())
	out := models.ReadinessResponse{Ready: res.Ready, Checks: make([]models.ReadinessCheck, 0, len(res.Components))}
	for _, comp := range res.Components {
		out.Checks = append(out.Checks, models.ReadinessCheck{Name: comp.Name, Ready: comp.Ready, Message: comp.Message})
	}
	code := http.StatusOK
	if !res.Ready {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, out)
}

// StartRun starts a run in the background, or runs it to the end when
// wait=true
// (POST /api/v1/runs)
func (g *Gateway) StartRun(c echo.Context) error {
	var body models.ExecuteRunRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}
	req := executor.ExecuteRequest{
		WorkflowID:   body.WorkflowID,
		ConnectionID: body.ConnectionID,
		UserID:       body.UserID,
		Parameters:   body.Parameters,
	}
	ctx := c.Request().Context()

	if wait, _ := strconv.ParseBool(c.QueryParam(api.ParamWait)); wait {
		run, err := g.runs.Execute(ctx, req)
		if err != nil {
			return err
		}
		c.Response().Header().Set(api.HeaderRunID, run.ID)
		return c.JSON(http.StatusOK, run)
	}

	id, err := g.runs.Start(ctx, req)
	if err != nil {
		return err
	}
	c.Response().Header().Set(api.HeaderRunID, id)
	return c.JSON(http.StatusAccepted, models.RunAccepted{RunID: id})
}

// ListRuns returns recent runs, newest first
// (GET /api/v1/runs?count=&workflowId=)
func (g *Gateway) ListRuns(c echo.Context) error {
	count := 0
	if raw := c.QueryParam(api.ParamCount); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return errors.NewValidation(api.ParamCount, fmt.Sprintf("not a number: %q", raw))
		}
		count = n
	}
	runs, err := g.runs.GetRecentTestRuns(c.Request().Context(), count, c.QueryParam(api.ParamWorkflowID))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, runs)
}

// GetRun returns a run, live while it is in flight
// (GET /api/v1/runs/:id)
func (g *Gateway) GetRun(c echo.Context) error {
	run, err := g.runs.GetTestRunResult(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, run)
}

// CancelRun requests cancellation of an active run
// (POST /api/v1/runs/:id/cancel)
func (g *Gateway) CancelRun(c echo.Context) error {
	id := c.Param("id")
	if g.runs.CancelTestRun(id) {
		return c.JSON(http.StatusOK, models.CancelResponse{RunID: id, Cancelled: true})
	}
	run, err := g.runs.GetTestRunResult(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return echo.NewHTTPError(http.StatusConflict, fmt.Sprintf("run %s already finished (%s)", id, run.State))
}

// ExportRun downloads a run as CSV or JSON
// (GET /api/v1/runs/:id/export?format=)
func (g *Gateway) ExportRun(c echo.Context) error {
	format, err := report.ParseFormat(c.QueryParam(api.ParamFormat))
	if err != nil {
		return err
	}
	run, err := g.runs.GetTestRunResult(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	exp, err := report.ExportRun(run, format)
	if err != nil {
		return err
	}
	c.Response().Header().Set(api.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", exp.FileName))
	return c.Blob(http.StatusOK, exp.ContentType, exp.Content)
}

// ListWorkflows returns every workflow, templates included
// (GET /api/v1/workflows)
func (g *Gateway) ListWorkflows(c echo.Context) error {
	wfs, err := g.workflows.ListWorkflows(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, summaries(wfs))
}

// ListTemplates returns template workflows
// (GET /api/v1/templates)
func (g *Gateway) ListTemplates(c echo.Context) error {
	wfs, err := g.workflows.ListTemplates(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, summaries(wfs))
}

// GetWorkflow returns a workflow with its operations
// (GET /api/v1/workflows/:id)
func (g *Gateway) GetWorkflow(c echo.Context) error {
	wf, err := g.workflows.GetWorkflow(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, wf)
}

// CloneWorkflow copies a workflow under a new name
// (POST /api/v1/workflows/:id/clone)
func (g *Gateway) CloneWorkflow(c echo.Context) error {
	var body models.CloneRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}
	wf, err := g.templates.CloneWorkflow(c.Request().Context(), c.Param("id"), body.Name)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, wf)
}

// InstantiateTemplate creates a workflow from a template
// (POST /api/v1/templates/:id/instantiate)
func (g *Gateway) InstantiateTemplate(c echo.Context) error {
	var body models.InstantiateRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}
	wf, err := g.templates.CreateFromTemplate(c.Request().Context(), c.Param("id"), body.Name, body.Parameters)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, wf)
}

// AuditSummary returns aggregated operation outcomes
// (GET /api/v1/audit/summary)
func (g *Gateway) AuditSummary(c echo.Context) error {
	return c.JSON(http.StatusOK, g.audit.GetAuditSummary(c.Request().Context()))
}

// TestConnection opens a session to a stored or unsaved connection
// (POST /api/v1/connections/test)
func (g *Gateway) TestConnection(c echo.Context) error {
	if g.accounts == nil {
		return accountsUnavailable()
	}
	var body models.ConnectionTestRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}
	ctx := c.Request().Context()

	var (
		check *accounts.ConnectionCheck
		err   error
	)
	if body.ConnectionID != "" {
		check, err = g.accounts.TestConnection(ctx, body.ConnectionID)
	} else {
		name := body.Name
		if name == "" {
			name = body.Server
		}
		check, err = g.accounts.TestConnectionDetails(ctx, &workflow.DatabaseConnection{
			Name:         name,
			Server:       body.Server,
			Port:         body.Port,
			DatabaseName: body.DatabaseName,
			SSLMode:      body.SSLMode,
		}, body.Username, body.Password)
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, check)
}

// ValidateUser logs in with a test user's credentials
// (POST /api/v1/users/validate)
func (g *Gateway) ValidateUser(c echo.Context) error {
	if g.accounts == nil {
		return accountsUnavailable()
	}
	var body models.ValidateUserRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}
	if body.UserID == "" {
		return errors.NewValidation("userId", "required")
	}
	check, err := g.accounts.ValidateUser(c.Request().Context(), body.UserID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, check)
}

// VerifyUser reports whether a test user's role exists
// (GET /api/v1/users/:id/role)
func (g *Gateway) VerifyUser(c echo.Context) error {
	return g.userRole(c, AccountService.VerifyUser)
}

// CreateUser creates a test user's role and grants its assigned role
// (PUT /api/v1/users/:id/role)
func (g *Gateway) CreateUser(c echo.Context) error {
	return g.userRole(c, AccountService.CreateUser)
}

// DropUser drops a test user's role
// (DELETE /api/v1/users/:id/role)
func (g *Gateway) DropUser(c echo.Context) error {
	return g.userRole(c, AccountService.DropUser)
}

func (g *Gateway) userRole(c echo.Context, op func(AccountService, context.Context, string) (*accounts.UserCheck, error)) error {
	if g.accounts == nil {
		return accountsUnavailable()
	}
	check, err := op(g.accounts, c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, check)
}

func accountsUnavailable() error {
	return errors.NewConfigurationError("vault.key", "account operations need a vault to decrypt stored credentials")
}

func summaries(wfs []*workflow.TestWorkflow) []models.WorkflowSummary {
	out := make([]models.WorkflowSummary, 0, len(wfs))
	for _, wf := range wfs {
		out = append(out, models.WorkflowSummary{
			ID:           wf.ID,
			Name:         wf.Name,
			Description:  wf.Description,
			ConnectionID: wf.ConnectionID,
			IsTemplate:   wf.IsTemplate,
			Operations:   len(wf.Operations),
			UpdatedAt:    wf.UpdatedAt,
		})
	}
	return out
}

// handleError renders every error as an ErrorResponse.
func (g *Gateway) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	code, body := StatusFor(err)
	if code >= http.StatusInternalServerError {
		g.logger.Error("request failed",
			zap.String("path", c.Path()),
			zap.Int("status", code),
			zap.Error(err))
	}
	if c.Request().Method == http.MethodHead {
		err = c.NoContent(code)
	} else {
		err = c.JSON(code, body)
	}
	if err != nil {
		g.logger.Warn("failed to write error response", zap.Error(err))
	}
}

// StatusFor maps an error to its HTTP status and response body.
func StatusFor(err error) (int, models.ErrorResponse) {
	if he, ok := err.(*echo.HTTPError); ok {
		return he.Code, models.ErrorResponse{Error: fmt.Sprint(he.Message), Code: int(errors.CodeValidation)}
	}

	code := errors.CodeOf(err)
	body := models.ErrorResponse{Error: err.Error(), Code: int(code)}
	if te, ok := errors.AsTesterError(err); ok {
		body.Error = te.Message
		body.Reason = te.Reason
		body.Suggestion = te.Suggestion
	}

	switch {
	case errors.IsNotFound(err):
		return http.StatusNotFound, body
	case code == errors.CodeValidation:
		return http.StatusBadRequest, body
	case code == errors.CodeConnection:
		return http.StatusBadGateway, body
	case code == errors.CodeConfiguration:
		return http.StatusServiceUnavailable, body
	}
	return http.StatusInternalServerError, body
}

// Server wraps the gateway in an http.Server with the given timeouts.
func (g *Gateway) Server(addr string, read, write time.Duration) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      g,
		ReadTimeout:  read,
		WriteTimeout: write,
	}
}
