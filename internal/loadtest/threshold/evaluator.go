package threshold

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/wesleyorama2/rampart/internal/loadtest/metrics"
)

// Verdict is the outcome of one threshold evaluation.
type Verdict int

const (
	// Undetermined means the series had no samples.
	Undetermined Verdict = iota
	Pass
	Fail
)

func (v Verdict) String() string {
	switch v {
	case Pass:
		return "pass"
	case Fail:
		return "fail"
	default:
		return "undetermined"
	}
}

// MarshalText serializes a Verdict as a human readable string.
func (v Verdict) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// Definition declares a threshold on a metric or submetric.
type Definition struct {
	Metric         string
	Expression     string
	AbortOnFail    bool
	DelayAbortEval time.Duration
}

// Threshold is a parsed, bound threshold.
type Threshold struct {
	Metric         string
	Expr           *Expression
	AbortOnFail    bool
	DelayAbortEval time.Duration
}

// Result is the verdict of one threshold at a point in time.
type Result struct {
	Metric      string  `json:"metric"`
	Expression  string  `json:"expression"`
	Verdict     Verdict `json:"verdict"`
	Value       float64 `json:"value"`
	AbortOnFail bool    `json:"abortOnFail,omitempty"`
}

// Passed reports whether the result counts as passing.
func (r Result) Passed(allowUndetermined bool) bool {
	return r.Verdict == Pass || (r.Verdict == Undetermined && allowUndetermined)
}

// Evaluator evaluates a fixed set of thresholds against a metric store.
type Evaluator struct {
	store             *metrics.Store
	thresholds        []Threshold
	allowUndetermined bool
	logger            logrus.FieldLogger
}

// NewEvaluator parses every definition and binds it to the store. Submetric
// selectors are registered on the store so they see samples from now on.
// All problems are reported together.
func NewEvaluator(
	store *metrics.Store,
	defs []Definition,
	allowUndetermined bool,
	logger logrus.FieldLogger,
) (*Evaluator, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	var errs []error
	thresholds := make([]Threshold, 0, len(defs))

	for _, def := range defs {
		expr, err := Parse(def.Expression)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", def.Metric, err))
			continue
		}

		kind, ok := store.Kind(def.Metric)
		if !ok {
			errs = append(errs, fmt.Errorf("%w: %q", ErrUnknownMetric, def.Metric))
			continue
		}
		if !expr.Supports(kind) {
			errs = append(errs, fmt.Errorf("%w: %q is not defined for %s metric %q",
				ErrUnknownStatistic, expr.Statistic, kind, def.Metric))
			continue
		}

		name, err := store.AddSubmetric(def.Metric)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", def.Metric, err))
			continue
		}

		thresholds = append(thresholds, Threshold{
			Metric:         name,
			Expr:           expr,
			AbortOnFail:    def.AbortOnFail,
			DelayAbortEval: def.DelayAbortEval,
		})
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	return &Evaluator{
		store:             store,
		thresholds:        thresholds,
		allowUndetermined: allowUndetermined,
		logger:            logger.WithField("component", "thresholds"),
	}, nil
}

// Thresholds returns the bound thresholds in definition order.
func (e *Evaluator) Thresholds() []Threshold {
	out := make([]Threshold, len(e.thresholds))
	copy(out, e.thresholds)
	return out
}

// Evaluate checks every threshold against current store views. abort is true
// when a failing threshold has AbortOnFail set and elapsed has reached its
// DelayAbortEval.
func (e *Evaluator) Evaluate(elapsed time.Duration) (results []Result, abort bool) {
	results = make([]Result, 0, len(e.thresholds))

	for _, th := range e.thresholds {
		view, _ := e.store.Snapshot(th.Metric)
		verdict, value := th.Expr.Evaluate(view, elapsed)

		results = append(results, Result{
			Metric:      th.Metric,
			Expression:  th.Expr.Source,
			Verdict:     verdict,
			Value:       value,
			AbortOnFail: th.AbortOnFail,
		})

		if verdict == Fail && th.AbortOnFail && elapsed >= th.DelayAbortEval {
			if !abort {
				e.logger.WithFields(logrus.Fields{
					"metric":    th.Metric,
					"threshold": th.Expr.Source,
					"value":     value,
				}).Warn("Threshold breached, aborting test")
			}
			abort = true
		}
	}

	return results, abort
}

// Passed reports whether all results pass under this evaluator's policy.
func (e *Evaluator) Passed(results []Result) bool {
	return Passed(results, e.allowUndetermined)
}

// Passed is the AND of all results. Undetermined passes only when allowed.
func Passed(results []Result, allowUndetermined bool) bool {
	for _, r := range results {
		if !r.Passed(allowUndetermined) {
			return false
		}
	}
	return true
}
