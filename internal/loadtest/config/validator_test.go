package config

import (
	"errors"
	"strings"
	"testing"
)

func validConfig() *TestConfig {
	cfg := &TestConfig{
		Name:   "Test",
		Stages: []StageConfig{{Duration: "30s", Target: 10}},
		Requests: []RequestConfig{{
			Method: "GET",
			URL:    "{{baseUrl}}/lookup/{{randomIP}}",
			Checks: []CheckConfig{{Name: "status is 200", Type: "status", Condition: "eq", Value: "200"}},
		}},
		Settings: GlobalSettings{BaseURL: "http://localhost:8080"},
	}
	ApplyDefaults(cfg)
	return cfg
}

func TestValidate_MinimalValid(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Errorf("Validate() returned error for valid config: %v", err)
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	cfg := &TestConfig{}
	err := cfg.Validate()

	var errs *ValidationErrors
	if !errors.As(err, &errs) {
		t.Fatalf("Validate() error = %v, want *ValidationErrors", err)
	}
	if !errs.Has("stages") || !errs.Has("requests") {
		t.Errorf("missing expected fields in: %v", err)
	}
	if !strings.Contains(err.Error(), "validation errors:") {
		t.Errorf("multi-error message = %q", err.Error())
	}
}

func TestValidate_Fields(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*TestConfig)
		field  string
	}{
		{"zero stage duration", func(c *TestConfig) { c.Stages[0].Duration = "0s" }, "stages[0].duration"},
		{"bad stage duration", func(c *TestConfig) { c.Stages[0].Duration = "soon" }, "stages[0].duration"},
		{"negative target", func(c *TestConfig) { c.Stages[0].Target = -1 }, "stages[0].target"},
		{"negative startVUs", func(c *TestConfig) { c.StartVUs = -2 }, "startVUs"},
		{"bad method", func(c *TestConfig) { c.Requests[0].Method = "FETCH" }, "requests[0].method"},
		{"missing url", func(c *TestConfig) { c.Requests[0].URL = "" }, "requests[0].url"},
		{"malformed url", func(c *TestConfig) { c.Requests[0].URL = "http://[::1" }, "requests[0].url"},
		{"bad timeout", func(c *TestConfig) { c.Requests[0].Timeout = "later" }, "requests[0].timeout"},
		{"bad check type", func(c *TestConfig) { c.Requests[0].Checks[0].Type = "magic" }, "requests[0].checks[0].type"},
		{"bad condition", func(c *TestConfig) { c.Requests[0].Checks[0].Condition = "roughly" }, "requests[0].checks[0].condition"},
		{"non-numeric status", func(c *TestConfig) { c.Requests[0].Checks[0].Value = "ok" }, "requests[0].checks[0].value"},
		{"jsonpath without path", func(c *TestConfig) {
			c.Requests[0].Checks = []CheckConfig{{Type: "jsonpath", Condition: "exists"}}
		}, "requests[0].checks[0].path"},
		{"invalid schema", func(c *TestConfig) {
			c.Requests[0].Checks = []CheckConfig{{Type: "schema", Schema: `{"type": 12}`}}
		}, "requests[0].checks[0].schema"},
		{"invalid pattern", func(c *TestConfig) {
			c.Requests[0].Checks = []CheckConfig{{Type: "body", Condition: "matches", Value: "("}}
		}, "requests[0].checks[0].value"},
		{"bad pacing type", func(c *TestConfig) { c.Pacing = &PacingConfig{Type: "bursty"} }, "pacing.type"},
		{"constant pacing without duration", func(c *TestConfig) { c.Pacing = &PacingConfig{Type: "constant"} }, "pacing.duration"},
		{"random pacing max < min", func(c *TestConfig) {
			c.Pacing = &PacingConfig{Type: "random", Min: "2s", Max: "1s"}
		}, "pacing.max"},
		{"bad success mode", func(c *TestConfig) { c.Success.Mode = "most" }, "success.mode"},
		{"bad metric kind", func(c *TestConfig) { c.Metrics = map[string]string{"orders": "gauge"} }, "metrics.orders"},
		{"builtin kind conflict", func(c *TestConfig) { c.Metrics = map[string]string{"checks": "trend"} }, "metrics.checks"},
		{"success metric not a rate", func(c *TestConfig) { c.Metrics = map[string]string{"success_rate": "counter"} }, "success.metric"},
		{"unknown threshold metric", func(c *TestConfig) {
			c.Thresholds = map[string][]ThresholdConfig{"nope": {{Threshold: "count>1"}}}
		}, "thresholds.nope"},
		{"bad threshold expression", func(c *TestConfig) {
			c.Thresholds = map[string][]ThresholdConfig{"http_req_duration": {{Threshold: "p95 about 50"}}}
		}, "thresholds.http_req_duration[0]"},
		{"unsupported statistic", func(c *TestConfig) {
			c.Thresholds = map[string][]ThresholdConfig{"http_req_duration": {{Threshold: "rate<1"}}}
		}, "thresholds.http_req_duration[0]"},
		{"empty threshold list", func(c *TestConfig) {
			c.Thresholds = map[string][]ThresholdConfig{"checks": {}}
		}, "thresholds.checks"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			var errs *ValidationErrors
			if !errors.As(err, &errs) {
				t.Fatalf("Validate() error = %v, want *ValidationErrors", err)
			}
			if !errs.Has(tt.field) {
				t.Errorf("expected error on %q, got: %v", tt.field, err)
			}
		})
	}
}

func TestValidate_ThresholdReferences(t *testing.T) {
	cfg := validConfig()
	cfg.Metrics = map[string]string{"orders_placed": "counter"}
	cfg.Thresholds = map[string][]ThresholdConfig{
		"http_req_duration":           {{Threshold: "p(95)<50"}, {Threshold: "p99 < 100"}},
		"success_rate":                {{Threshold: "rate>0.99"}},
		"checks{check:status is 200}": {{Threshold: "rate>=0.95"}},
		"http_req_failed":             {{Threshold: "rate<0.01"}},
		"iterations":                  {{Threshold: "count>0"}},
		"orders_placed":               {{Threshold: "rate>5"}},
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestValidate_SuccessModeNone(t *testing.T) {
	cfg := validConfig()
	cfg.Success = SuccessConfig{Mode: "none"}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}

	cfg.Thresholds = map[string][]ThresholdConfig{"success_rate": {{Threshold: "rate>0.9"}}}
	if err := cfg.Validate(); err == nil {
		t.Error("threshold on disabled success metric should be rejected")
	}
}

func TestConfigError(t *testing.T) {
	inner := errors.New("boom")
	err := &ConfigError{Source: "test.yaml", Err: inner}

	if !errors.Is(err, inner) {
		t.Error("ConfigError should unwrap")
	}
	if err.Error() != "config test.yaml: boom" {
		t.Errorf("Error() = %q", err.Error())
	}
	if IsConfigError(inner) {
		t.Error("plain error reported as ConfigError")
	}
}
