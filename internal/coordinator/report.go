package coordinator

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/elonfeng/foresight/pkg/source"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// Status is the final outcome of one source in a run.
type Status string

const (
	StatusPending    Status = "pending"
	StatusSucceeded  Status = "succeeded"
	StatusPartial    Status = "partial"
	StatusFailed     Status = "failed"
	StatusIncomplete Status = "incomplete"
)

// Phase is how far a source got through the pipeline.
type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhaseFetching    Phase = "fetching"
	PhaseNormalizing Phase = "normalizing"
	PhasePersisting  Phase = "persisting"
	PhaseDone        Phase = "done"
)

// Error kind keys used in SourceReport.Errors.
const (
	ErrValidation  = "validation"
	ErrCancelled   = "cancelled"
	ErrNoConnector = "configuration"
)

// SourceReport is the outcome of one source. Persisted counts successful
// persist calls; Unchanged is the subset that were no-ops.
type SourceReport struct {
	Name       string         `json:"name"`
	Kind       source.Kind    `json:"kind"`
	Target     string         `json:"target"`
	Status     Status         `json:"status"`
	Phase      Phase          `json:"phase"`
	Fetched    int            `json:"fetched"`
	Filtered   int            `json:"filtered"`
	Normalized int            `json:"normalized"`
	Persisted  int            `json:"persisted"`
	Unchanged  int            `json:"unchanged"`
	Errors     map[string]int `json:"errors,omitempty"`
	FirstError string         `json:"first_error,omitempty"`
	Duration   time.Duration  `json:"duration_ns"`
}

// ErrorCount returns the total number of recorded errors.
func (s SourceReport) ErrorCount() int {
	n := 0
	for _, c := range s.Errors {
		n += c
	}
	return n
}

func (s *SourceReport) record(kind string, msg string) {
	if s.Errors == nil {
		s.Errors = make(map[string]int)
	}
	s.Errors[kind]++
	if s.FirstError == "" {
		s.FirstError = msg
	}
}

// RunReport aggregates per-source outcomes of one run. Sources keep the
// configured order.
type RunReport struct {
	RunID       string         `json:"run_id"`
	StartedAt   time.Time      `json:"started_at"`
	FinishedAt  time.Time      `json:"finished_at"`
	SkipPersist bool           `json:"skip_persist"`
	Sources     []SourceReport `json:"sources"`
}

func newRunReport(runID string, started time.Time, skipPersist bool, sources []source.SourceConfig) *RunReport {
	r := &RunReport{
		RunID:       runID,
		StartedAt:   started,
		SkipPersist: skipPersist,
		Sources:     make([]SourceReport, len(sources)),
	}
	for i, sc := range sources {
		r.Sources[i] = SourceReport{
			Name:   sc.Name,
			Kind:   sc.Kind,
			Target: sc.Target,
			Status: StatusPending,
			Phase:  PhaseIdle,
		}
	}
	return r
}

// Failed reports total failure: every source failed or was cut short.
// A run with no sources did not fail.
func (r *RunReport) Failed() bool {
	if len(r.Sources) == 0 {
		return false
	}
	for _, sr := range r.Sources {
		if sr.Status != StatusFailed && sr.Status != StatusIncomplete {
			return false
		}
	}
	return true
}

// Source returns the report of the named source.
func (r *RunReport) Source(name string) (SourceReport, bool) {
	for _, sr := range r.Sources {
		if sr.Name == name {
			return sr, true
		}
	}
	return SourceReport{}, false
}

// Totals sums the counters of every source.
func (r *RunReport) Totals() SourceReport {
	var t SourceReport
	t.Name = "total"
	for _, sr := range r.Sources {
		t.Fetched += sr.Fetched
		t.Filtered += sr.Filtered
		t.Normalized += sr.Normalized
		t.Persisted += sr.Persisted
		t.Unchanged += sr.Unchanged
		for k, v := range sr.Errors {
			if t.Errors == nil {
				t.Errors = make(map[string]int)
			}
			t.Errors[k] += v
		}
	}
	return t
}

// ErrorKinds returns every distinct error kind seen in the run, sorted.
func (r *RunReport) ErrorKinds() []string {
	kinds := make([]string, 0)
	for k := range r.Totals().Errors {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Summary is a one-line description for logs and notifications.
func (r *RunReport) Summary() string {
	t := r.Totals()
	ok := 0
	for _, sr := range r.Sources {
		if sr.Status == StatusSucceeded || sr.Status == StatusPartial {
			ok++
		}
	}
	return fmt.Sprintf("run %s: %d/%d sources ok, fetched=%d normalized=%d persisted=%d errors=%d",
		shortID(r.RunID), ok, len(r.Sources), t.Fetched, t.Normalized, t.Persisted, t.ErrorCount())
}

// WriteJSON writes the report as indented JSON.
func (r *RunReport) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

// WriteTable renders the report as a table followed by first errors.
func (r *RunReport) WriteTable(w io.Writer) error {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.AppendHeader(table.Row{"Source", "Status", "Fetched", "Filtered", "Normalized", "Persisted", "Unchanged", "Errors"})
	for _, sr := range r.Sources {
		tw.AppendRow(table.Row{
			sr.Name, string(sr.Status),
			sr.Fetched, sr.Filtered, sr.Normalized,
			persistedCell(r.SkipPersist, sr.Persisted), persistedCell(r.SkipPersist, sr.Unchanged),
			formatErrors(sr.Errors),
		})
	}
	t := r.Totals()
	tw.AppendFooter(table.Row{
		"total", "",
		t.Fetched, t.Filtered, t.Normalized,
		persistedCell(r.SkipPersist, t.Persisted), persistedCell(r.SkipPersist, t.Unchanged),
		t.ErrorCount(),
	})

	configs := make([]table.ColumnConfig, 0, 6)
	for col := 3; col <= 7; col++ {
		configs = append(configs, table.ColumnConfig{Number: col, Align: text.AlignRight, AlignFooter: text.AlignRight})
	}
	tw.SetColumnConfigs(configs)

	var b strings.Builder
	fmt.Fprintf(&b, "Run %s (%s)", r.RunID, r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))
	if r.SkipPersist {
		b.WriteString(" [skip-persist]")
	}
	b.WriteString("\n")
	b.WriteString(tw.Render())
	b.WriteString("\n")
	for _, sr := range r.Sources {
		if sr.FirstError != "" {
			fmt.Fprintf(&b, "  %s: %s\n", sr.Name, sr.FirstError)
		}
	}
	_, err := io.WriteString(w, b.String())
	return err
}

func persistedCell(skip bool, n int) string {
	if skip {
		return "-"
	}
	return strconv.Itoa(n)
}

func formatErrors(errs map[string]int) string {
	if len(errs) == 0 {
		return "0"
	}
	keys := make([]string, 0, len(errs))
	for k := range errs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%d", k, errs[k])
	}
	return strings.Join(parts, " ")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
