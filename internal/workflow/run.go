package workflow

import (
	"time"
)

// RunState is the lifecycle state of a TestRun.
type RunState string

const (
	StatePending   RunState = "Pending"
	StateRunning   RunState = "Running"
	StateCompleted RunState = "Completed"
	StateCancelled RunState = "Cancelled"
)

// IsTerminal reports whether the run can no longer change.
func (s RunState) IsTerminal() bool {
	return s == StateCompleted || s == StateCancelled
}

// OperationResult records the outcome of one operation.
type OperationResult struct {
	ID            string    `json:"id"`
	OperationID   string    `json:"operationId"`
	OperationName string    `json:"operationName"`
	StartTime     time.Time `json:"startTime"`
	EndTime       time.Time `json:"endTime"`

	// IsSuccessful is true when the step succeeded, or when it was expected
	// to fail and the server denied it for lack of privilege. Connection and
	// validation failures are never successful.
	IsSuccessful bool   `json:"isSuccessful"`
	ErrorMessage string `json:"errorMessage,omitempty"`
	ResultCount  *int   `json:"resultCount,omitempty"`

	// ResultData is a JSON array of the first rows of a query.
	ResultData string `json:"resultData,omitempty"`

	MatchesExpectedOutcome bool   `json:"matchesExpectedOutcome"`
	Notes                  string `json:"notes,omitempty"`
}

// Duration returns EndTime - StartTime.
func (r OperationResult) Duration() time.Duration {
	return r.EndTime.Sub(r.StartTime)
}

// Passed reports whether the result contributes success to its run.
func (r OperationResult) Passed() bool {
	return r.IsSuccessful && r.MatchesExpectedOutcome
}

// TestRun is one execution of a workflow.
type TestRun struct {
	ID               string            `json:"id"`
	WorkflowID       string            `json:"workflowId"`
	WorkflowName     string            `json:"workflowName"`
	ConnectionID     string            `json:"connectionId"`
	UserID           string            `json:"userId"`
	State            RunState          `json:"state"`
	StartTime        time.Time         `json:"startTime"`
	EndTime          *time.Time        `json:"endTime,omitempty"`
	IsCompleted      bool              `json:"isCompleted"`
	IsSuccessful     bool              `json:"isSuccessful"`
	CancelRequested  bool              `json:"cancelRequested"`
	OperationResults []OperationResult `json:"operationResults"`
}

// DeriveSuccess returns the AND of Passed over every result. A run with no
// results is successful.
func DeriveSuccess(results []OperationResult) bool {
	for _, r := range results {
		if !r.Passed() {
			return false
		}
	}
	return true
}

// Summary counts the results of a run.
type Summary struct {
	Total      int `json:"total"`
	Passed     int `json:"passed"`
	Failed     int `json:"failed"`
	Mismatched int `json:"mismatched"`
}

// Summarize counts passed, failed and mismatched results.
func (r *TestRun) Summarize() Summary {
	s := Summary{Total: len(r.OperationResults)}
	for _, res := range r.OperationResults {
		if res.Passed() {
			s.Passed++
		} else {
			s.Failed++
		}
		if !res.MatchesExpectedOutcome {
			s.Mismatched++
		}
	}
	return s
}

// Copy returns a deep copy of the run.
func (r *TestRun) Copy() *TestRun {
	c := *r
	if r.EndTime != nil {
		t := *r.EndTime
		c.EndTime = &t
	}
	c.OperationResults = make([]OperationResult, len(r.OperationResults))
	for i, res := range r.OperationResults {
		if res.ResultCount != nil {
			n := *res.ResultCount
			res.ResultCount = &n
		}
		c.OperationResults[i] = res
	}
	return &c
}
