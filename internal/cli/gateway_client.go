package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/canonica-labs/dbtester/internal/errors"
	"github.com/canonica-labs/dbtester/internal/observability"
	"github.com/canonica-labs/dbtester/internal/workflow"
	"github.com/canonica-labs/dbtester/pkg/api"
	"github.com/canonica-labs/dbtester/pkg/models"
)

// GatewayClient is the HTTP client for the dbtester gateway. Runs started
// by a gateway live in that process, so cancelling them goes through it.
type GatewayClient struct {
	endpoint   string
	httpClient *http.Client
}

// NewGatewayClient creates a new gateway client.
func NewGatewayClient(endpoint string) *GatewayClient {
	return &GatewayClient{
		endpoint: strings.TrimRight(endpoint, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Endpoint returns the configured gateway endpoint.
func (c *GatewayClient) Endpoint() string {
	return c.endpoint
}

// StartRun starts a run on the gateway and returns its id.
func (c *GatewayClient) StartRun(ctx context.Context, req models.ExecuteRunRequest) (string, error) {
	var out models.RunAccepted
	if err := c.call(ctx, http.MethodPost, api.EndpointRuns, req, http.StatusAccepted, &out); err != nil {
		return "", err
	}
	return out.RunID, nil
}

// GetRun retrieves a run, live while it is in flight.
func (c *GatewayClient) GetRun(ctx context.Context, id string) (*workflow.TestRun, error) {
	var out workflow.TestRun
	if err := c.call(ctx, http.MethodGet, api.Path(api.EndpointRun, id), nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListRuns retrieves recent runs, newest first.
func (c *GatewayClient) ListRuns(ctx context.Context, count int, workflowID string) ([]*workflow.TestRun, error) {
	q := url.Values{}
	if count > 0 {
		q.Set(api.ParamCount, strconv.Itoa(count))
	}
	if workflowID != "" {
		q.Set(api.ParamWorkflowID, workflowID)
	}
	path := api.EndpointRuns
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out []*workflow.TestRun
	if err := c.call(ctx, http.MethodGet, path, nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CancelRun asks the gateway to cancel an active run.
func (c *GatewayClient) CancelRun(ctx context.Context, id string) error {
	var out models.CancelResponse
	return c.call(ctx, http.MethodPost, api.Path(api.EndpointRunCancel, id), nil, http.StatusOK, &out)
}

// GetHealthInfo retrieves the gateway health and version.
func (c *GatewayClient) GetHealthInfo(ctx context.Context) (*models.HealthResponse, error) {
	var out models.HealthResponse
	if err := c.call(ctx, http.MethodGet, api.EndpointHealth, nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CheckHealth verifies gateway connectivity.
func (c *GatewayClient) CheckHealth(ctx context.Context) (bool, error) {
	if _, err := c.GetHealthInfo(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// GetReadiness retrieves the gateway readiness checks. A not-ready gateway
// is not an error.
func (c *GatewayClient) GetReadiness(ctx context.Context) (*models.ReadinessResponse, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, api.EndpointReady, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusServiceUnavailable {
		return nil, c.parseErrorResponse(resp)
	}
	var out models.ReadinessResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &out, nil
}

// GetAuditSummary retrieves the audit summary from the gateway.
func (c *GatewayClient) GetAuditSummary(ctx context.Context) (*observability.AuditSummary, error) {
	var out observability.AuditSummary
	if err := c.call(ctx, http.MethodGet, api.EndpointAudit, nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// call performs a JSON request and decodes the response into out when the
// status is want.
func (c *GatewayClient) call(ctx context.Context, method, path string, in any, want int, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	resp, err := c.doRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		return c.parseErrorResponse(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// doRequest performs an HTTP request to the gateway.
func (c *GatewayClient) doRequest(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	if c.endpoint == "" {
		return nil, errors.NewConfigurationError("endpoint", "no gateway endpoint configured")
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set(api.HeaderContentType, api.ContentTypeJSON)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.NewGatewayUnavailable(c.endpoint, err)
	}
	return resp, nil
}

// parseErrorResponse turns an error response into a dbtester error of the
// matching category.
func (c *GatewayClient) parseErrorResponse(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)

	var errResp models.ErrorResponse
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error == "" {
		return fmt.Errorf("gateway error: %d - %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	code := errors.ErrorCode(errResp.Code)
	switch resp.StatusCode {
	case http.StatusNotFound, http.StatusBadRequest, http.StatusConflict:
		code = errors.CodeValidation
	}
	if code == 0 {
		code = errors.CodeInternal
	}
	return &errors.TesterError{
		Code:       code,
		Message:    errResp.Error,
		Reason:     errResp.Reason,
		Suggestion: errResp.Suggestion,
	}
}
