package output

import (
	"bytes"
	"testing"
	"time"

	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesleyorama2/rampart/internal/loadtest/engine"
	"github.com/wesleyorama2/rampart/internal/loadtest/executor"
	"github.com/wesleyorama2/rampart/internal/loadtest/metrics"
	"github.com/wesleyorama2/rampart/internal/loadtest/threshold"
)

func TestParseArgument(t *testing.T) {
	tests := []struct {
		in       string
		typ, arg string
	}{
		{"json", "json", ""},
		{"json=out.json", "json", "out.json"},
		{"prometheus=127.0.0.1:9100", "prometheus", "127.0.0.1:9100"},
		{"ndjson=a=b.ndjson", "ndjson", "a=b.ndjson"},
		{"", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			typ, arg := ParseArgument(tt.in)
			assert.Equal(t, tt.typ, typ)
			assert.Equal(t, tt.arg, arg)
		})
	}
}

func TestTypes(t *testing.T) {
	assert.Equal(t, []string{"html", "json", "ndjson", "prometheus"}, Types())
}

func TestCreate(t *testing.T) {
	logger, _ := logtest.NewNullLogger()

	outs, err := Create([]string{"json=result.json", "ndjson", "prometheus=127.0.0.1:0"}, Params{Logger: logger})
	require.NoError(t, err)
	require.Len(t, outs, 3)
	assert.Equal(t, "json (result.json)", outs[0].Description())
	assert.Equal(t, "ndjson (stdout)", outs[1].Description())
	assert.Equal(t, "prometheus (127.0.0.1:0)", outs[2].Description())

	_, err = Create([]string{"influxdb=http://localhost"}, Params{Logger: logger})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid output type 'influxdb'")
	assert.Contains(t, err.Error(), "html, json, ndjson, prometheus")

	_, err = Create([]string{"prometheus=no-port"}, Params{Logger: logger})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "could not create the 'prometheus' output")
}

func TestCreate_DefaultsToStdout(t *testing.T) {
	var buf bytes.Buffer
	outs, err := Create([]string{"json=-"}, Params{Stdout: &buf})
	require.NoError(t, err)
	require.Len(t, outs, 1)

	require.NoError(t, outs[0].Start(engine.RunInfo{}))
	require.NoError(t, outs[0].Stop(sampleResult()))
	assert.Contains(t, buf.String(), `"runId": "run-1"`)
}

var start = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func sampleInfo() engine.RunInfo {
	return engine.RunInfo{
		RunID:         "run-1",
		Name:          "geoip",
		StartTime:     start,
		TotalDuration: 2 * time.Minute,
		MaxVUs:        50,
		Stages: []executor.Stage{
			{Duration: time.Minute, Target: 50},
			{Duration: time.Minute, Target: 0},
		},
		Thresholds: []threshold.Threshold{
			{Metric: "http_req_duration", Expr: threshold.MustParse("p(95)<100")},
			{Metric: "success_rate", Expr: threshold.MustParse("rate>0.99")},
		},
		Metrics: map[string]metrics.Kind{
			"http_reqs":         metrics.Counter,
			"http_req_duration": metrics.Trend,
			"checks":            metrics.Rate,
		},
	}
}

func sampleSamples() []metrics.Sample {
	get := metrics.Tags{"method": "GET", "name": "lookup", "status": "200"}
	return []metrics.Sample{
		{Metric: "http_reqs", Value: 1, Time: start, Tags: get},
		{Metric: "http_reqs", Value: 1, Time: start, Tags: get},
		{Metric: "http_req_duration", Value: 8, Time: start, Tags: get},
		{Metric: "http_req_duration", Value: 40, Time: start, Tags: get},
		{Metric: "checks", Value: 1, Time: start, Tags: metrics.Tags{"check": "status is 200"}},
		{Metric: "checks", Value: 0, Time: start, Tags: metrics.Tags{"check": "has body"}},
	}
}

func sampleResult() *engine.Result {
	return &engine.Result{
		RunID:      "run-1",
		Name:       "geoip",
		StartTime:  start,
		EndTime:    start.Add(2 * time.Minute),
		Duration:   2 * time.Minute,
		Passed:     false,
		Iterations: 1200,
		Failed:     12,
		Thresholds: []threshold.Result{
			{Metric: "http_req_duration", Expression: "p(95)<100", Verdict: threshold.Pass, Value: 42.5},
			{Metric: "success_rate", Expression: "rate>0.99", Verdict: threshold.Fail, Value: 0.99, AbortOnFail: true},
		},
		Checks: []engine.CheckSummary{
			{Name: "status is 200", Passes: 1188, Fails: 12, Rate: 0.99},
		},
		Metrics: []metrics.View{
			{Name: "http_reqs", Kind: metrics.Counter, Count: 1200, Value: 1200},
			{Name: "http_req_duration", Kind: metrics.Trend, Count: 1200, Min: 2, Max: 180, Avg: 21.3, Med: 18, P90: 35, P95: 42.5, P99: 90},
			{Name: "success_rate", Kind: metrics.Rate, Count: 1200, Trues: 1188, Rate: 0.99},
			{Name: "data_received", Kind: metrics.Counter},
		},
	}
}
