// Package report renders test runs for people and for export.
package report

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/canonica-labs/dbtester/internal/errors"
	"github.com/canonica-labs/dbtester/internal/workflow"
)

// Format is an export format.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
)

// ParseFormat parses a format name case-insensitively.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatCSV, FormatJSON:
		return f, nil
	case "":
		return FormatCSV, nil
	}
	return "", errors.NewValidation("format", fmt.Sprintf("unsupported export format %q (valid: csv, json)", s))
}

// Export is a rendered run ready to be written or served.
type Export struct {
	FileName    string
	ContentType string
	Content     []byte
}

// csvHeader is the column order of CSV exports.
var csvHeader = []string{
	"run_id", "workflow", "operation", "start_time", "end_time", "duration_ms",
	"successful", "matches_expected", "passed", "result_count", "error", "notes",
}

// ExportRun renders run in format.
func ExportRun(run *workflow.TestRun, format Format) (*Export, error) {
	base := fmt.Sprintf("testrun-%s-%s", run.ID, run.StartTime.UTC().Format("20060102T150405Z"))

	switch format {
	case FormatJSON:
		data, err := json.MarshalIndent(run, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("failed to encode run %s: %w", run.ID, err)
		}
		return &Export{FileName: base + ".json", ContentType: "application/json", Content: data}, nil

	case FormatCSV:
		var buf bytes.Buffer
		if err := WriteCSV(&buf, run); err != nil {
			return nil, err
		}
		return &Export{FileName: base + ".csv", ContentType: "text/csv", Content: buf.Bytes()}, nil
	}
	return nil, errors.NewValidation("format", fmt.Sprintf("unsupported export format %q", format))
}

// WriteCSV writes one row per operation result.
func WriteCSV(w io.Writer, run *workflow.TestRun) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("failed to write csv: %w", err)
	}
	for _, r := range run.OperationResults {
		count := ""
		if r.ResultCount != nil {
			count = strconv.Itoa(*r.ResultCount)
		}
		row := []string{
			run.ID,
			run.WorkflowName,
			r.OperationName,
			r.StartTime.UTC().Format(time.RFC3339Nano),
			r.EndTime.UTC().Format(time.RFC3339Nano),
			strconv.FormatInt(r.Duration().Milliseconds(), 10),
			strconv.FormatBool(r.IsSuccessful),
			strconv.FormatBool(r.MatchesExpectedOutcome),
			strconv.FormatBool(r.Passed()),
			count,
			r.ErrorMessage,
			r.Notes,
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("failed to write csv: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// Printer writes human-readable run reports.
type Printer struct {
	w     io.Writer
	pass  *color.Color
	fail  *color.Color
	warn  *color.Color
	faint *color.Color
}

// NewPrinter creates a Printer. Colors follow color.NoColor unless noColor
// is set.
func NewPrinter(w io.Writer, noColor bool) *Printer {
	p := &Printer{
		w:     w,
		pass:  color.New(color.FgGreen, color.Bold),
		fail:  color.New(color.FgRed, color.Bold),
		warn:  color.New(color.FgYellow),
		faint: color.New(color.Faint),
	}
	if noColor {
		for _, c := range []*color.Color{p.pass, p.fail, p.warn, p.faint} {
			c.DisableColor()
		}
	}
	return p
}

// Run prints every result and the run verdict.
func (p *Printer) Run(run *workflow.TestRun) {
	fmt.Fprintf(p.w, "Run %s  workflow %q  state %s\n", run.ID, run.WorkflowName, run.State)
	for i, r := range run.OperationResults {
		label := p.pass.Sprint("PASS")
		if !r.Passed() {
			label = p.fail.Sprint("FAIL")
		}
		fmt.Fprintf(p.w, "  %s %2d. %s %s\n", label, i+1, r.OperationName,
			p.faint.Sprintf("(%s)", r.Duration().Round(time.Millisecond)))
		if !r.MatchesExpectedOutcome {
			fmt.Fprintf(p.w, "         %s\n", p.warn.Sprint("outcome differs from expectation"))
		}
		if r.ErrorMessage != "" {
			fmt.Fprintf(p.w, "         error: %s\n", firstLine(r.ErrorMessage))
		}
		if r.Notes != "" {
			fmt.Fprintf(p.w, "         notes: %s\n", r.Notes)
		}
	}

	sum := run.Summarize()
	verdict := p.pass.Sprint("SUCCESSFUL")
	switch {
	case run.State == workflow.StateCancelled:
		verdict = p.warn.Sprint("CANCELLED")
	case !run.IsSuccessful:
		verdict = p.fail.Sprint("UNSUCCESSFUL")
	}
	fmt.Fprintf(p.w, "%s  %d operations, %d passed, %d failed, %d mismatched\n",
		verdict, sum.Total, sum.Passed, sum.Failed, sum.Mismatched)
}

// Runs prints one line per run.
func (p *Printer) Runs(runs []*workflow.TestRun) {
	if len(runs) == 0 {
		fmt.Fprintln(p.w, "No runs found.")
		return
	}
	for _, run := range runs {
		status := p.pass.Sprint("ok  ")
		switch {
		case run.State == workflow.StateCancelled:
			status = p.warn.Sprint("cxl ")
		case !run.IsCompleted:
			status = p.warn.Sprint("... ")
		case !run.IsSuccessful:
			status = p.fail.Sprint("FAIL")
		}
		fmt.Fprintf(p.w, "%s %s  %s  %s  %d results\n", status, run.ID,
			run.StartTime.UTC().Format(time.RFC3339), run.WorkflowName, len(run.OperationResults))
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
