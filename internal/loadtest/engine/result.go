package engine

import (
	"sort"
	"time"

	"github.com/wesleyorama2/rampart/internal/loadtest/metrics"
	"github.com/wesleyorama2/rampart/internal/loadtest/threshold"
)

// Result contains the complete outcome of a run.
type Result struct {
	// Run metadata
	RunID       string        `json:"runId"`
	Name        string        `json:"name,omitempty"`
	Description string        `json:"description,omitempty"`
	StartTime   time.Time     `json:"startTime"`
	EndTime     time.Time     `json:"endTime"`
	Duration    time.Duration `json:"duration"`

	// Verdict
	Passed            bool               `json:"passed"`
	Aborted           bool               `json:"aborted,omitempty"`
	Cancelled         bool               `json:"cancelled,omitempty"`
	AllowUndetermined bool               `json:"allowUndetermined,omitempty"`
	Thresholds        []threshold.Result `json:"thresholds"`

	// Iteration totals
	Iterations  int64 `json:"iterations"`
	Failed      int64 `json:"failedIterations"`
	Interrupted int64 `json:"interruptedIterations"`

	Checks     []CheckSummary `json:"checks,omitempty"`
	Metrics    []metrics.View `json:"metrics"`
	Submetrics []metrics.View `json:"submetrics,omitempty"`

	TimeSeries []*metrics.TimeBucket `json:"timeSeries,omitempty"`
	Phases     []metrics.PhaseChange `json:"phases,omitempty"`

	// ApproximateTrends counts trend series that exceeded the exact
	// sample ceiling and report histogram percentiles.
	ApproximateTrends int64 `json:"approximateTrends,omitempty"`
}

// CheckSummary aggregates one named check across all VUs.
type CheckSummary struct {
	Name   string  `json:"name"`
	Passes int64   `json:"passes"`
	Fails  int64   `json:"fails"`
	Rate   float64 `json:"rate"`
}

// Metric returns the final view of a metric or submetric by name.
func (r *Result) Metric(name string) (metrics.View, bool) {
	for _, v := range r.Metrics {
		if v.Name == name {
			return v, true
		}
	}
	for _, v := range r.Submetrics {
		if v.Name == name {
			return v, true
		}
	}
	return metrics.View{}, false
}

// FailedThresholds returns the results that did not pass.
func (r *Result) FailedThresholds() []threshold.Result {
	var out []threshold.Result
	for _, t := range r.Thresholds {
		if !t.Passed(r.AllowUndetermined) {
			out = append(out, t)
		}
	}
	return out
}

// summarizeChecks folds the tagged series of the checks metric by check
// name. Other tags, such as per-VU tags, are merged.
func summarizeChecks(store *metrics.Store) []CheckSummary {
	byName := make(map[string]*CheckSummary)
	for _, v := range store.TaggedViews(metrics.Checks) {
		name := v.TagSet[metrics.CheckTag]
		if name == "" {
			continue
		}
		cs, ok := byName[name]
		if !ok {
			cs = &CheckSummary{Name: name}
			byName[name] = cs
		}
		cs.Passes += v.Trues
		cs.Fails += v.Count - v.Trues
	}

	out := make([]CheckSummary, 0, len(byName))
	for _, cs := range byName {
		if total := cs.Passes + cs.Fails; total > 0 {
			cs.Rate = float64(cs.Passes) / float64(total)
		}
		out = append(out, *cs)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
