// Package loadtest runs virtual users: goroutines that repeatedly invoke an
// iteration function and emit its checks and timings as metric samples.
package loadtest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/wesleyorama2/rampart/internal/loadtest/metrics"
)

// IterationFunc performs one unit of work. It must be safe to call from many
// virtual users at once; state carried between calls belongs in the Iteration.
type IterationFunc func(ctx context.Context, it *Iteration) error

// Emitter receives the samples of one finished iteration, in emission order.
type Emitter interface {
	Emit(samples []metrics.Sample)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(samples []metrics.Sample)

// Emit calls f(samples).
func (f EmitterFunc) Emit(samples []metrics.Sample) { f(samples) }

// ErrRequestTimeout marks an operation that exceeded its deadline.
var ErrRequestTimeout = errors.New("request timed out")

// CheckResult is the outcome of one named assertion.
type CheckResult struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
}

// IterationError describes an iteration whose function returned an error.
type IterationError struct {
	VU        int
	Iteration int64
	Err       error
}

func (e *IterationError) Error() string {
	return fmt.Sprintf("vu %d iteration %d: %v", e.VU, e.Iteration, e.Err)
}

func (e *IterationError) Unwrap() error { return e.Err }

// IsTimeout reports whether err was caused by a deadline.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRequestTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// SuccessMode selects how check results combine into iteration success.
type SuccessMode string

const (
	// SuccessAll requires every check to pass.
	SuccessAll SuccessMode = "all"
	// SuccessAny requires at least one passing check.
	SuccessAny SuccessMode = "any"
	// SuccessNone disables the success metric.
	SuccessNone SuccessMode = "none"
)

// ParseSuccessMode parses a success mode. The empty string means all.
func ParseSuccessMode(s string) (SuccessMode, error) {
	switch SuccessMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", SuccessAll:
		return SuccessAll, nil
	case SuccessAny:
		return SuccessAny, nil
	case SuccessNone:
		return SuccessNone, nil
	default:
		return "", fmt.Errorf("invalid success mode %q (must be all, any or none)", s)
	}
}

// Iteration is the per-iteration context handed to an IterationFunc. It is
// created fresh for every call and must not be retained after it returns.
type Iteration struct {
	// VU is the id of the virtual user running this iteration.
	VU int
	// Number is the VU's iteration counter, starting at 1.
	Number int64

	start   time.Time
	tags    metrics.Tags
	checks  []CheckResult
	samples []metrics.Sample
}

func newIteration(vu int, number int64, tags metrics.Tags) *Iteration {
	return &Iteration{
		VU:     vu,
		Number: number,
		start:  time.Now(),
		tags:   tags,
	}
}

// NewIteration returns a standalone iteration, for driving an IterationFunc
// outside a virtual user.
func NewIteration(vu int, number int64) *Iteration {
	return newIteration(vu, number, nil)
}

// Start returns when the iteration began.
func (it *Iteration) Start() time.Time { return it.start }

// Check records a named boolean assertion and returns passed.
func (it *Iteration) Check(name string, passed bool) bool {
	it.checks = append(it.checks, CheckResult{Name: name, Passed: passed})

	value := 0.0
	if passed {
		value = 1
	}
	it.Add(metrics.Checks, value, metrics.Tags{metrics.CheckTag: name})
	return passed
}

// Measure records the duration of a named operation as `<op>_duration` in
// milliseconds. The metric must be registered as a Trend.
func (it *Iteration) Measure(op string, d time.Duration, tags metrics.Tags) {
	it.Add(metrics.DurationMetric(op), Milliseconds(d), tags)
}

// Add records a sample for a registered metric.
func (it *Iteration) Add(metric string, value float64, tags metrics.Tags) {
	it.samples = append(it.samples, metrics.Sample{
		Metric: metric,
		Value:  value,
		Time:   time.Now(),
		Tags:   it.tags.Merge(tags),
	})
}

// Sleep pauses for d or until ctx is done.
func (it *Iteration) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Checks returns the checks recorded so far.
func (it *Iteration) Checks() []CheckResult {
	out := make([]CheckResult, len(it.checks))
	copy(out, it.checks)
	return out
}

// Passed combines the checks according to mode. An iteration without checks
// passes.
func (it *Iteration) Passed(mode SuccessMode) bool {
	if len(it.checks) == 0 {
		return true
	}
	switch mode {
	case SuccessAny:
		for _, c := range it.checks {
			if c.Passed {
				return true
			}
		}
		return false
	default:
		for _, c := range it.checks {
			if !c.Passed {
				return false
			}
		}
		return true
	}
}

// Milliseconds converts a duration to fractional milliseconds.
func Milliseconds(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
