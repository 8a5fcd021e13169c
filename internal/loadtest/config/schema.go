// Package config provides load profile parsing and validation.
package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// TestConfig is the root configuration for a load test.
//
// Example YAML:
//
//	name: "GeoIP lookup"
//	settings:
//	  baseUrl: "http://localhost:8080"
//	  timeout: 5s
//	stages:
//	  - duration: 30s
//	    target: 50
//	  - duration: 1m
//	    target: 50
//	requests:
//	  - name: lookup
//	    method: GET
//	    url: "{{baseUrl}}/lookup/{{randomIP}}"
//	    checks:
//	      - name: "status is 200"
//	        type: status
//	        condition: eq
//	        value: "200"
//	thresholds:
//	  http_req_duration: ["p(95)<50", "p(99)<100"]
//	  success_rate: ["rate>0.99"]
type TestConfig struct {
	// Name of the test (for reporting)
	Name string `json:"name" yaml:"name"`

	// Description of the test (optional)
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Settings contains global HTTP settings
	Settings GlobalSettings `json:"settings,omitempty" yaml:"settings,omitempty"`

	// Variables are available to every request template
	Variables map[string]string `json:"variables,omitempty" yaml:"variables,omitempty"`

	// StartVUs is the concurrency before the first stage ramps
	StartVUs int `json:"startVUs,omitempty" yaml:"startVUs,omitempty"`

	// Stages defines the ramp profile
	Stages []StageConfig `json:"stages" yaml:"stages"`

	// Pacing controls time between iterations
	Pacing *PacingConfig `json:"pacing,omitempty" yaml:"pacing,omitempty"`

	// Requests are executed in order by every iteration
	Requests []RequestConfig `json:"requests" yaml:"requests"`

	// Thresholds maps a metric (or submetric selector) to its criteria
	Thresholds map[string][]ThresholdConfig `json:"thresholds,omitempty" yaml:"thresholds,omitempty"`

	// Metrics declares custom metrics by name and kind
	Metrics map[string]string `json:"metrics,omitempty" yaml:"metrics,omitempty"`

	// Success configures the per-iteration success rate
	Success SuccessConfig `json:"success,omitempty" yaml:"success,omitempty"`

	// Options for test execution
	Options ExecutionOptions `json:"options,omitempty" yaml:"options,omitempty"`
}

// GlobalSettings contains global HTTP settings.
type GlobalSettings struct {
	// BaseURL is substituted for {{baseUrl}}
	BaseURL string `json:"baseUrl,omitempty" yaml:"baseUrl,omitempty"`

	// Timeout is the default HTTP request timeout
	Timeout Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// MaxConnectionsPerHost limits connections per host
	MaxConnectionsPerHost int `json:"maxConnectionsPerHost,omitempty" yaml:"maxConnectionsPerHost,omitempty"`

	// MaxIdleConnsPerHost limits idle connections per host
	MaxIdleConnsPerHost int `json:"maxIdleConnsPerHost,omitempty" yaml:"maxIdleConnsPerHost,omitempty"`

	// InsecureSkipVerify skips TLS certificate verification
	InsecureSkipVerify bool `json:"insecureSkipVerify,omitempty" yaml:"insecureSkipVerify,omitempty"`

	// UserAgent is the default User-Agent header
	UserAgent string `json:"userAgent,omitempty" yaml:"userAgent,omitempty"`

	// Headers are default headers applied to all requests
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
}

// StageConfig defines a single ramp stage.
type StageConfig struct {
	// Duration of this stage (e.g., "30s", "2m")
	Duration string `json:"duration" yaml:"duration"`

	// Target VU count at the end of the stage
	Target int `json:"target" yaml:"target"`

	// Name is an optional name for this stage (for reporting)
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
}

// PacingConfig controls pacing between iterations.
type PacingConfig struct {
	// Type is the pacing strategy: "none", "constant", "random"
	Type string `json:"type" yaml:"type"`

	// Duration is the wait time for constant pacing
	Duration string `json:"duration,omitempty" yaml:"duration,omitempty"`

	// Min is the minimum wait time for random pacing
	Min string `json:"min,omitempty" yaml:"min,omitempty"`

	// Max is the maximum wait time for random pacing
	Max string `json:"max,omitempty" yaml:"max,omitempty"`
}

// RequestConfig defines a single HTTP request.
type RequestConfig struct {
	// Name for this request (tags http_req_duration)
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Method is the HTTP method (GET, POST, PUT, DELETE, etc.)
	Method string `json:"method" yaml:"method"`

	// URL is the request URL (supports variable substitution)
	URL string `json:"url" yaml:"url"`

	// Headers are request-specific headers
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`

	// Body is the request body (supports variable substitution)
	Body string `json:"body,omitempty" yaml:"body,omitempty"`

	// Timeout is request-specific timeout (overrides global)
	Timeout string `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// ThinkTime is wait time after this request
	ThinkTime string `json:"thinkTime,omitempty" yaml:"thinkTime,omitempty"`

	// Checks are named assertions on the response
	Checks []CheckConfig `json:"checks,omitempty" yaml:"checks,omitempty"`
}

// CheckConfig defines a named response check.
type CheckConfig struct {
	// Name is reported as the check tag; defaults to a description of the check
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Type is the check type: "status", "header", "body", "jsonpath", "schema", "duration"
	Type string `json:"type" yaml:"type"`

	// Condition is the comparison: "eq", "ne", "gt", "lt", "gte", "lte", "contains", "exists", "matches"
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`

	// Value is the expected value
	Value string `json:"value,omitempty" yaml:"value,omitempty"`

	// Path is the header name for header checks or a gjson path for jsonpath checks
	Path string `json:"path,omitempty" yaml:"path,omitempty"`

	// Schema is an inline JSON schema for schema checks
	Schema string `json:"schema,omitempty" yaml:"schema,omitempty"`
}

// ThresholdConfig is one criterion on a metric. It unmarshals from either a
// bare expression string or an object.
type ThresholdConfig struct {
	// Threshold is the expression, e.g. "p(95)<50"
	Threshold string `json:"threshold" yaml:"threshold"`

	// AbortOnFail stops the test as soon as the threshold fails
	AbortOnFail bool `json:"abortOnFail,omitempty" yaml:"abortOnFail,omitempty"`

	// DelayAbortEval is how long into the run abortOnFail is ignored
	DelayAbortEval Duration `json:"delayAbortEval,omitempty" yaml:"delayAbortEval,omitempty"`
}

type thresholdConfigObject ThresholdConfig

// UnmarshalJSON implements json.Unmarshaler.
func (t *ThresholdConfig) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*t = ThresholdConfig{Threshold: s}
		return nil
	}
	return json.Unmarshal(data, (*thresholdConfigObject)(t))
}

// MarshalJSON implements json.Marshaler. Plain thresholds are written as strings.
func (t ThresholdConfig) MarshalJSON() ([]byte, error) {
	if !t.AbortOnFail && t.DelayAbortEval == 0 {
		return json.Marshal(t.Threshold)
	}
	return json.Marshal(thresholdConfigObject(t))
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (t *ThresholdConfig) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		*t = ThresholdConfig{Threshold: value.Value}
		return nil
	}
	return value.Decode((*thresholdConfigObject)(t))
}

// SuccessConfig configures how iteration success is aggregated.
type SuccessConfig struct {
	// Mode is "all" (default), "any" or "none"
	Mode string `json:"mode,omitempty" yaml:"mode,omitempty"`

	// Metric is the Rate metric name (default "success_rate")
	Metric string `json:"metric,omitempty" yaml:"metric,omitempty"`
}

// ExecutionOptions controls test execution behavior.
type ExecutionOptions struct {
	// Tick is the control loop interval (default 100ms)
	Tick Duration `json:"tick,omitempty" yaml:"tick,omitempty"`

	// GracefulStop bounds draining; zero lets iterations finish however long they take
	GracefulStop Duration `json:"gracefulStop,omitempty" yaml:"gracefulStop,omitempty"`

	// AbortOnFail applies abortOnFail to every threshold
	AbortOnFail bool `json:"abortOnFail,omitempty" yaml:"abortOnFail,omitempty"`

	// AllowUndetermined lets thresholds on empty series pass
	AllowUndetermined bool `json:"allowUndetermined,omitempty" yaml:"allowUndetermined,omitempty"`

	// ExactSampleCeiling is the trend size above which percentiles become approximate
	ExactSampleCeiling int `json:"exactSampleCeiling,omitempty" yaml:"exactSampleCeiling,omitempty"`

	// ReuseConnections shares one HTTP transport across all VUs instead of
	// opening connections per iteration
	ReuseConnections bool `json:"reuseConnections,omitempty" yaml:"reuseConnections,omitempty"`
}

// Duration is a time.Duration that can be unmarshaled from JSON/YAML strings.
// Bare integers are seconds.
type Duration time.Duration

// GetDuration returns the duration or a default if empty.
func (d Duration) GetDuration(defaultValue time.Duration) time.Duration {
	if d == 0 {
		return defaultValue
	}
	return time.Duration(d)
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "null" {
		s = ""
	}
	return d.UnmarshalText([]byte(s))
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(s))
}

// UnmarshalText parses a duration string. It also serves environment variables.
func (d *Duration) UnmarshalText(text []byte) error {
	dur, err := ParseDurationString(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	if dur < 0 {
		return fmt.Errorf("duration %q must not be negative", text)
	}
	*d = Duration(dur)
	return nil
}

// String returns the duration as a string.
func (d Duration) String() string {
	return time.Duration(d).String()
}
