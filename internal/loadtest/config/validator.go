package config

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/wesleyorama2/rampart/internal/loadtest"
	"github.com/wesleyorama2/rampart/internal/loadtest/metrics"
	"github.com/wesleyorama2/rampart/internal/loadtest/threshold"
)

// ConfigError wraps every problem that prevents a run from starting. The
// CLI maps it to exit code 2.
type ConfigError struct {
	Source string
	Err    error
}

func (e *ConfigError) Error() string {
	if e.Source != "" {
		return fmt.Sprintf("config %s: %v", e.Source, e.Err)
	}
	return fmt.Sprintf("config: %v", e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// IsConfigError reports whether err is or wraps a *ConfigError.
func IsConfigError(err error) bool {
	var cerr *ConfigError
	return errors.As(err, &cerr)
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors struct {
	Errors []*ValidationError
}

func (e *ValidationErrors) Error() string {
	if len(e.Errors) == 0 {
		return "no validation errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e.Errors))
	for i, err := range e.Errors {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

// Add adds an error to the collection.
func (e *ValidationErrors) Add(field, message string) {
	e.Errors = append(e.Errors, &ValidationError{Field: field, Message: message})
}

// HasErrors returns true if there are any errors.
func (e *ValidationErrors) HasErrors() bool {
	return len(e.Errors) > 0
}

// Has reports whether any error was recorded for field.
func (e *ValidationErrors) Has(field string) bool {
	for _, err := range e.Errors {
		if err.Field == field {
			return true
		}
	}
	return false
}

// Validate validates the entire test configuration.
//
// Returns nil if valid, or a *ValidationErrors containing all validation errors.
func (c *TestConfig) Validate() error {
	errs := &ValidationErrors{}

	validateStages(c, errs)
	validatePacing(c.Pacing, errs)
	validateSettings(&c.Settings, errs)
	validateOptions(&c.Options, errs)

	if len(c.Requests) == 0 {
		errs.Add("requests", "at least one request is required")
	}
	for i := range c.Requests {
		validateRequest(fmt.Sprintf("requests[%d]", i), &c.Requests[i], c, errs)
	}

	mode, err := loadtest.ParseSuccessMode(c.Success.Mode)
	if err != nil {
		errs.Add("success.mode", err.Error())
	}
	if mode != loadtest.SuccessNone && c.Success.Metric == "" {
		errs.Add("success.metric", "metric name is required unless mode is none")
	}

	kinds := validateMetrics(c, errs)
	validateThresholds(c.Thresholds, kinds, errs)

	if errs.HasErrors() {
		return errs
	}
	return nil
}

func validateStages(c *TestConfig, errs *ValidationErrors) {
	if len(c.Stages) == 0 {
		errs.Add("stages", "at least one stage is required")
	}
	if c.StartVUs < 0 {
		errs.Add("startVUs", "startVUs must be >= 0")
	}
	for i, stage := range c.Stages {
		prefix := fmt.Sprintf("stages[%d]", i)
		d, err := ParseDurationString(stage.Duration)
		switch {
		case err != nil:
			errs.Add(prefix+".duration", err.Error())
		case d <= 0:
			errs.Add(prefix+".duration", "duration must be > 0")
		}
		if stage.Target < 0 {
			errs.Add(prefix+".target", "target must be >= 0")
		}
	}
}

func validatePacing(p *PacingConfig, errs *ValidationErrors) {
	if p == nil {
		return
	}
	pacing, err := p.toLoadtest()
	if err != nil {
		errs.Add("pacing", err.Error())
		return
	}
	switch pacing.Type {
	case loadtest.PacingNone, "":
	case loadtest.PacingConstant:
		if pacing.Duration <= 0 {
			errs.Add("pacing.duration", "duration is required for constant pacing")
		}
	case loadtest.PacingRandom:
		if pacing.Max < pacing.Min {
			errs.Add("pacing.max", "max must be >= min")
		}
	default:
		errs.Add("pacing.type", fmt.Sprintf("invalid pacing type '%s' (must be none, constant or random)", p.Type))
	}
}

func validateSettings(s *GlobalSettings, errs *ValidationErrors) {
	if s.BaseURL != "" {
		if _, err := url.Parse(s.BaseURL); err != nil {
			errs.Add("settings.baseUrl", fmt.Sprintf("invalid URL: %v", err))
		}
	}
	if s.MaxConnectionsPerHost < 0 {
		errs.Add("settings.maxConnectionsPerHost", "must be >= 0")
	}
	if s.MaxIdleConnsPerHost < 0 {
		errs.Add("settings.maxIdleConnsPerHost", "must be >= 0")
	}
}

func validateOptions(o *ExecutionOptions, errs *ValidationErrors) {
	if o.ExactSampleCeiling < 0 {
		errs.Add("options.exactSampleCeiling", "must be >= 0")
	}
}

var validMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

var placeholderRe = regexp.MustCompile(`\{\{[^}]*\}\}`)

func validateRequest(prefix string, req *RequestConfig, c *TestConfig, errs *ValidationErrors) {
	method := strings.ToUpper(req.Method)
	if method != "" && !validMethods[method] {
		errs.Add(prefix+".method", fmt.Sprintf("invalid HTTP method '%s'", req.Method))
	}

	if req.URL == "" {
		errs.Add(prefix+".url", "url is required")
	} else {
		resolved := ResolveVariables(req.URL, c.Variables, &c.Settings)
		// Runtime placeholders are filled per iteration
		resolved = placeholderRe.ReplaceAllString(resolved, "x")
		if _, err := url.Parse(resolved); err != nil {
			errs.Add(prefix+".url", fmt.Sprintf("invalid URL: %v", err))
		}
	}

	if _, err := ParseDurationString(req.Timeout); err != nil {
		errs.Add(prefix+".timeout", err.Error())
	}
	if _, err := ParseDurationString(req.ThinkTime); err != nil {
		errs.Add(prefix+".thinkTime", err.Error())
	}

	for i := range req.Checks {
		validateCheck(fmt.Sprintf("%s.checks[%d]", prefix, i), &req.Checks[i], errs)
	}
}

var validConditions = map[string]bool{
	"": true, "eq": true, "ne": true, "gt": true, "lt": true, "gte": true,
	"lte": true, "contains": true, "exists": true, "matches": true,
}

func validateCheck(prefix string, check *CheckConfig, errs *ValidationErrors) {
	if !validConditions[check.Condition] {
		errs.Add(prefix+".condition", fmt.Sprintf("invalid condition '%s'", check.Condition))
	}
	if check.Condition == "matches" {
		if _, err := regexp.Compile(check.Value); err != nil {
			errs.Add(prefix+".value", fmt.Sprintf("invalid pattern: %v", err))
		}
	}

	switch check.Type {
	case "status":
		if check.Condition != "exists" && check.Condition != "matches" {
			if _, err := strconv.Atoi(check.Value); err != nil {
				errs.Add(prefix+".value", "status value must be an integer")
			}
		}
	case "duration":
		if _, err := ParseDurationString(check.Value); err != nil {
			errs.Add(prefix+".value", err.Error())
		}
	case "header", "jsonpath":
		if check.Path == "" {
			errs.Add(prefix+".path", "path is required for "+check.Type+" checks")
		}
	case "body":
	case "schema":
		if check.Schema == "" {
			errs.Add(prefix+".schema", "schema is required for schema checks")
		} else if _, err := jsonschema.CompileString(prefix+".json", check.Schema); err != nil {
			errs.Add(prefix+".schema", fmt.Sprintf("invalid schema: %v", err))
		}
	default:
		errs.Add(prefix+".type", fmt.Sprintf("invalid check type '%s'", check.Type))
	}
}

// validateMetrics checks custom metric declarations and returns the kind of
// every metric a threshold may reference.
func validateMetrics(c *TestConfig, errs *ValidationErrors) map[string]metrics.Kind {
	kinds := make(map[string]metrics.Kind)

	for name, kind := range c.Metrics {
		field := "metrics." + name
		k, err := metrics.ParseKind(kind)
		if err != nil {
			errs.Add(field, fmt.Sprintf("invalid kind '%s' (must be counter, rate or trend)", kind))
			continue
		}
		if strings.ContainsAny(name, "{}") || name == "" {
			errs.Add(field, "invalid metric name")
			continue
		}
		if builtin, ok := metrics.BuiltinKind(name); ok && builtin != k {
			errs.Add(field, fmt.Sprintf("conflicts with built-in %s metric", builtin))
			continue
		}
		kinds[name] = k
	}

	if c.Success.Metric != "" && c.Success.Mode != string(loadtest.SuccessNone) {
		if prev, ok := kinds[c.Success.Metric]; ok && prev != metrics.Rate {
			errs.Add("success.metric", fmt.Sprintf("metric %s is declared as %s, not rate", c.Success.Metric, prev))
		}
		if builtin, ok := metrics.BuiltinKind(c.Success.Metric); ok && builtin != metrics.Rate {
			errs.Add("success.metric", fmt.Sprintf("conflicts with built-in %s metric", builtin))
		}
		kinds[c.Success.Metric] = metrics.Rate
	}

	return kinds
}

func validateThresholds(thresholds map[string][]ThresholdConfig, kinds map[string]metrics.Kind, errs *ValidationErrors) {
	for selector, list := range thresholds {
		field := "thresholds." + selector
		name, _, err := metrics.ParseSubmetric(selector)
		if err != nil {
			errs.Add(field, err.Error())
			continue
		}

		kind, ok := kinds[name]
		if !ok {
			kind, ok = metrics.BuiltinKind(name)
		}
		if !ok {
			errs.Add(field, fmt.Sprintf("unknown metric '%s'", name))
			continue
		}

		if len(list) == 0 {
			errs.Add(field, "at least one threshold is required")
		}
		for i, th := range list {
			expr, err := threshold.Parse(th.Threshold)
			if err != nil {
				errs.Add(fmt.Sprintf("%s[%d]", field, i), err.Error())
				continue
			}
			if !expr.Supports(kind) {
				errs.Add(fmt.Sprintf("%s[%d]", field, i),
					fmt.Sprintf("statistic '%s' is not defined for %s metrics", expr.Statistic, kind))
			}
		}
	}
}
