package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/olekukonko/tablewriter"
	"gopkg.in/yaml.v3"

	"github.com/lexfrei/go-aviatrix/api/controller"
	"github.com/lexfrei/go-aviatrix/export"
	"github.com/lexfrei/go-aviatrix/observability"
)

// Report formats.
const (
	reportTable = "table"
	reportJSON  = "json"
	reportYAML  = "yaml"
)

type reportView struct {
	State       string        `json:"state"                  yaml:"state"`
	FailedStage string        `json:"failed_stage,omitempty" yaml:"failed_stage,omitempty"`
	Output      string        `json:"output,omitempty"       yaml:"output,omitempty"`
	RunID       string        `json:"run_id,omitempty"       yaml:"run_id,omitempty"`
	Entries     []string      `json:"entries"                yaml:"entries"`
	Failures    []failureView `json:"failures"               yaml:"failures"`
	StagingDir  string        `json:"staging_dir,omitempty"  yaml:"staging_dir,omitempty"`
	Duration    string        `json:"duration"               yaml:"duration"`
	HTTP        httpView      `json:"http"                   yaml:"http"`
}

type failureView struct {
	Artifact string `json:"artifact" yaml:"artifact"`
	Class    string `json:"class"    yaml:"class"`
	Error    string `json:"error"    yaml:"error"`
}

type httpView struct {
	Calls         int    `json:"calls"           yaml:"calls"`
	Failures      int    `json:"failures"        yaml:"failures"`
	RateLimitWait string `json:"rate_limit_wait" yaml:"rate_limit_wait"`
}

func newReportView(report *export.Report, snap observability.TallySnapshot) reportView {
	view := reportView{
		State:      report.State.String(),
		Entries:    report.Entries,
		Failures:   make([]failureView, 0, len(report.Failures)),
		StagingDir: report.StagingDir,
		Duration:   report.Duration.Round(time.Millisecond).String(),
		HTTP: httpView{
			Calls:         snap.Calls(),
			Failures:      snap.HTTPFailures + sum(snap.Errors),
			RateLimitWait: snap.RateLimitWait.String(),
		},
	}

	if view.Entries == nil {
		view.Entries = []string{}
	}

	if report.State == export.StateFailed {
		view.FailedStage = report.FailedStage.String()
	} else {
		view.Output = report.Output
	}

	if report.Manifest != nil {
		view.RunID = report.Manifest.RunID
	}

	for _, f := range report.Failures {
		view.Failures = append(view.Failures, failureView{
			Artifact: f.Artifact,
			Class:    failureClass(f.Err),
			Error:    f.Err.Error(),
		})
	}

	return view
}

// failureClass names the kind of a per-artifact failure for the report.
func failureClass(err error) string {
	var extractErr *controller.ExtractError
	if errors.As(err, &extractErr) {
		return "extract"
	}

	var apiErr *controller.APIError
	if errors.As(err, &apiErr) {
		return "rejected"
	}

	if kind, ok := controller.KindOf(err); ok {
		return kind.String()
	}

	return "other"
}

func renderReport(w io.Writer, format string, report *export.Report, snap observability.TallySnapshot) error {
	if report == nil {
		return errors.New("no report")
	}

	view := newReportView(report, snap)

	switch format {
	case reportJSON:
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")

		if err := encoder.Encode(view); err != nil {
			return errors.Wrap(err, "encoding report to JSON")
		}

		return nil
	case reportYAML:
		encoder := yaml.NewEncoder(w)
		defer encoder.Close()

		if err := encoder.Encode(view); err != nil {
			return errors.Wrap(err, "encoding report to YAML")
		}

		return nil
	default:
		return renderTable(w, view)
	}
}

func renderTable(w io.Writer, view reportView) error {
	table := tablewriter.NewWriter(w)
	table.Header("Artifact", "Status", "Detail")

	for _, entry := range view.Entries {
		_ = table.Append([]string{entry, "ok", ""})
	}

	for _, f := range view.Failures {
		_ = table.Append([]string{f.Artifact, "failed", f.Class + ": " + f.Error})
	}

	if err := table.Render(); err != nil {
		return errors.Wrap(err, "rendering report table")
	}

	_, _ = fmt.Fprintf(w, "\nState: %s", view.State)
	if view.FailedStage != "" {
		_, _ = fmt.Fprintf(w, " (at %s)", view.FailedStage)
	}
	_, _ = fmt.Fprintln(w)

	if view.Output != "" {
		_, _ = fmt.Fprintf(w, "Archive: %s\n", view.Output)
	}
	if view.StagingDir != "" {
		_, _ = fmt.Fprintf(w, "Staged files kept in: %s\n", view.StagingDir)
	}
	_, _ = fmt.Fprintf(w, "Controller calls: %d (%d failed) in %s\n", view.HTTP.Calls, view.HTTP.Failures, view.Duration)

	return nil
}

func sum(m map[string]int) int {
	n := 0
	for _, v := range m {
		n += v
	}
	return n
}
