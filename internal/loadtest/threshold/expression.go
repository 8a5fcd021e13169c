// Package threshold parses pass/fail criteria such as `p(95)<50` or
// `rate>0.99` and evaluates them against metric views.
package threshold

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/wesleyorama2/rampart/internal/loadtest/metrics"
)

var (
	// ErrInvalidExpression is returned for text that is not `<stat> <op> <number>`.
	ErrInvalidExpression = errors.New("invalid threshold expression")

	// ErrUnknownStatistic is returned for a statistic that does not exist or
	// does not apply to the metric's kind.
	ErrUnknownStatistic = errors.New("unknown threshold statistic")

	// ErrUnknownMetric is returned for a threshold on an unregistered metric.
	ErrUnknownMetric = errors.New("threshold references unknown metric")
)

// Statistic names.
const (
	StatRate       = "rate"
	StatCount      = "count"
	StatAvg        = "avg"
	StatMin        = "min"
	StatMax        = "max"
	StatMed        = "med"
	StatPercentile = "p"
)

var expressionRe = regexp.MustCompile(`^([A-Za-z]+[0-9.]*(?:\([^)]*\))?)\s*(<=|>=|==|!=|<|>)\s*(\S+)$`)

var percentileRe = regexp.MustCompile(`^p(?:\(\s*([0-9]+(?:\.[0-9]+)?)\s*\)|([0-9]+(?:\.[0-9]+)?))$`)

// Expression is a parsed threshold. It is immutable and safe to share.
type Expression struct {
	Source     string  `json:"source"`
	Statistic  string  `json:"statistic"`
	Percentile float64 `json:"percentile,omitempty"`
	Operator   string  `json:"operator"`
	Bound      float64 `json:"bound"`
}

// Parse parses `<statistic> <operator> <bound>`. Statistics are rate, count,
// avg, min, max, med and p(N) with N in [0,100].
func Parse(src string) (*Expression, error) {
	text := strings.TrimSpace(src)
	m := expressionRe.FindStringSubmatch(text)
	if m == nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidExpression, src)
	}

	bound, err := strconv.ParseFloat(m[3], 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: bound %q is not a number", ErrInvalidExpression, src, m[3])
	}

	expr := &Expression{Source: text, Operator: m[2], Bound: bound}

	stat := strings.ToLower(m[1])
	switch stat {
	case StatRate, StatCount, StatAvg, StatMin, StatMax, StatMed:
		expr.Statistic = stat
	default:
		pm := percentileRe.FindStringSubmatch(stat)
		if pm == nil {
			return nil, fmt.Errorf("%w: %q in %q", ErrUnknownStatistic, m[1], src)
		}
		raw := pm[1]
		if raw == "" {
			raw = pm[2]
		}
		pct, err := strconv.ParseFloat(raw, 64)
		if err != nil || pct < 0 || pct > 100 {
			return nil, fmt.Errorf("%w: percentile %q out of range [0,100] in %q", ErrUnknownStatistic, raw, src)
		}
		expr.Statistic = StatPercentile
		expr.Percentile = pct
	}

	return expr, nil
}

// MustParse is like Parse but panics on error.
func MustParse(src string) *Expression {
	e, err := Parse(src)
	if err != nil {
		panic(err)
	}
	return e
}

// Supports reports whether the statistic is defined for a metric kind.
func (e *Expression) Supports(kind metrics.Kind) bool {
	switch kind {
	case metrics.Counter:
		return e.Statistic == StatCount || e.Statistic == StatRate
	case metrics.Rate:
		return e.Statistic == StatRate || e.Statistic == StatCount
	case metrics.Trend:
		return e.Statistic != StatRate
	default:
		return false
	}
}

// Value extracts the statistic from a view. For counters, rate is the sum
// per second of elapsed time.
func (e *Expression) Value(v metrics.View, elapsed time.Duration) float64 {
	switch e.Statistic {
	case StatRate:
		if v.Kind == metrics.Counter {
			return v.PerSecond(elapsed)
		}
		return v.Rate
	case StatCount:
		if v.Kind == metrics.Counter {
			return v.Value
		}
		return float64(v.Count)
	case StatAvg:
		return v.Avg
	case StatMin:
		return v.Min
	case StatMax:
		return v.Max
	case StatMed:
		return v.Med
	case StatPercentile:
		return v.Percentile(e.Percentile)
	}
	return 0
}

// Evaluate compares the view against the bound. An empty series is
// Undetermined.
func (e *Expression) Evaluate(v metrics.View, elapsed time.Duration) (Verdict, float64) {
	if v.IsEmpty() {
		return Undetermined, 0
	}
	actual := e.Value(v, elapsed)
	if compare(actual, e.Operator, e.Bound) {
		return Pass, actual
	}
	return Fail, actual
}

func (e *Expression) String() string {
	return e.Source
}

// compare compares two values using the given operator.
func compare(actual float64, op string, bound float64) bool {
	switch op {
	case "<":
		return actual < bound
	case "<=":
		return actual <= bound
	case ">":
		return actual > bound
	case ">=":
		return actual >= bound
	case "==":
		return actual == bound
	case "!=":
		return actual != bound
	default:
		return false
	}
}
