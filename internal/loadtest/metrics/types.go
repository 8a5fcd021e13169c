// Package metrics provides the metric store shared by all virtual users.
//
// Metrics are registered by name and kind before a test starts. Samples are
// then recorded concurrently by virtual users and read back as point-in-time
// views by the threshold evaluator and by outputs.
package metrics

import (
	"errors"
	"sort"
	"strings"
	"time"
)

// Kind specifies how samples of a metric are aggregated.
type Kind int

const (
	// Counter sums the values of its samples.
	Counter Kind = iota
	// Rate tracks the fraction of non-zero samples.
	Rate
	// Trend keeps a distribution of values for percentile queries.
	Trend
)

// ErrInvalidKind is returned when a kind name cannot be parsed.
var ErrInvalidKind = errors.New("invalid metric kind")

func (k Kind) String() string {
	switch k {
	case Counter:
		return "counter"
	case Rate:
		return "rate"
	case Trend:
		return "trend"
	default:
		return "unknown"
	}
}

// MarshalText serializes a Kind as a human readable string.
func (k Kind) MarshalText() ([]byte, error) {
	switch k {
	case Counter, Rate, Trend:
		return []byte(k.String()), nil
	default:
		return nil, ErrInvalidKind
	}
}

// UnmarshalText deserializes a Kind from its string representation.
func (k *Kind) UnmarshalText(data []byte) error {
	parsed, err := ParseKind(string(data))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParseKind parses "counter", "rate" or "trend".
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "counter":
		return Counter, nil
	case "rate":
		return Rate, nil
	case "trend":
		return Trend, nil
	default:
		return 0, ErrInvalidKind
	}
}

// Sample is a single measurement. Samples are immutable once emitted.
type Sample struct {
	Metric string    `json:"metric"`
	Value  float64   `json:"value"`
	Time   time.Time `json:"time"`
	Tags   Tags      `json:"tags,omitempty"`
}

// Tags is a set of key/value labels attached to a sample.
type Tags map[string]string

// Key returns a canonical representation of the tag set, usable as a map key.
// An empty or nil set yields "".
func (t Tags) Key() string {
	if len(t) == 0 {
		return ""
	}

	keys := make([]string, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(t[k])
	}
	return sb.String()
}

// Contains reports whether every pair of other is present in t.
func (t Tags) Contains(other Tags) bool {
	for k, v := range other {
		if got, ok := t[k]; !ok || got != v {
			return false
		}
	}
	return true
}

// With returns a copy of t with key set to value.
func (t Tags) With(key, value string) Tags {
	out := make(Tags, len(t)+1)
	for k, v := range t {
		out[k] = v
	}
	out[key] = value
	return out
}

// Merge returns a copy of t overlaid with other.
func (t Tags) Merge(other Tags) Tags {
	if len(other) == 0 {
		return t
	}
	out := make(Tags, len(t)+len(other))
	for k, v := range t {
		out[k] = v
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}

// Phase represents a phase of the load test.
type Phase string

const (
	// PhaseInit is the phase before the first control tick
	PhaseInit Phase = "init"

	// PhaseRampUp is the phase when target concurrency is increasing
	PhaseRampUp Phase = "ramp-up"

	// PhaseSteady is the phase when target concurrency is flat
	PhaseSteady Phase = "steady"

	// PhaseRampDown is the phase when target concurrency is decreasing
	PhaseRampDown Phase = "ramp-down"

	// PhaseDraining is the phase when all virtual users were asked to stop
	PhaseDraining Phase = "draining"

	// PhaseDone indicates the test has completed
	PhaseDone Phase = "done"
)

// PhaseChange records when a phase transition occurred.
type PhaseChange struct {
	Phase      Phase     `json:"phase"`
	Timestamp  time.Time `json:"timestamp"`
	Iterations int64     `json:"iterations"`
}
