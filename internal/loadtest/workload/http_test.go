package workload

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesleyorama2/rampart/internal/loadtest"
	"github.com/wesleyorama2/rampart/internal/loadtest/config"
	"github.com/wesleyorama2/rampart/internal/loadtest/metrics"
)

type collector struct {
	mu      sync.Mutex
	samples []metrics.Sample
}

func (c *collector) Emit(samples []metrics.Sample) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.samples = append(c.samples, samples...)
}

func (c *collector) byMetric(name string) []metrics.Sample {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []metrics.Sample
	for _, s := range c.samples {
		if s.Metric == name {
			out = append(out, s)
		}
	}
	return out
}

type recorded struct {
	path      string
	method    string
	body      string
	userAgent string
	token     string
}

// geoipServer mimics the lookup service the load profile targets.
func geoipServer(t *testing.T) (*httptest.Server, *[]recorded, *sync.Mutex) {
	t.Helper()
	var mu sync.Mutex
	var seen []recorded

	mux := http.NewServeMux()
	mux.HandleFunc("/lookup/", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		seen = append(seen, recorded{
			path:      r.URL.Path,
			method:    r.Method,
			body:      string(body),
			userAgent: r.UserAgent(),
			token:     r.Header.Get("X-Token"),
		})
		mu.Unlock()

		ip := strings.TrimPrefix(r.URL.Path, "/lookup/")
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"ip":       ip,
			"location": map[string]string{"country": "US", "city": "Austin"},
		})
	})
	mux.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(500 * time.Millisecond):
		}
	})
	mux.HandleFunc("/error", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &seen, &mu
}

func prepared(t *testing.T, cfg *config.TestConfig) *config.TestConfig {
	t.Helper()
	if len(cfg.Stages) == 0 {
		cfg.Stages = []config.StageConfig{{Duration: "1s", Target: 1}}
	}
	require.NoError(t, cfg.Prepare())
	return cfg
}

func newWorkload(t *testing.T, cfg *config.TestConfig) *HTTP {
	t.Helper()
	logger, _ := logtest.NewNullLogger()
	h, err := NewHTTP(prepared(t, cfg), logger)
	require.NoError(t, err)
	t.Cleanup(h.Close)
	return h
}

func runOnce(t *testing.T, h *HTTP) (loadtest.IterationOutcome, *collector) {
	t.Helper()
	logger, _ := logtest.NewNullLogger()
	c := &collector{}
	vu := loadtest.NewVirtualUser(3, h.Iterate, c, loadtest.DefaultVUOptions(), logger)
	return vu.RunIteration(context.Background()), c
}

func TestHTTP_GeoIPLookup(t *testing.T) {
	srv, seen, mu := geoipServer(t)

	h := newWorkload(t, &config.TestConfig{
		Settings: config.GlobalSettings{BaseURL: srv.URL},
		Requests: []config.RequestConfig{{
			Name: "lookup",
			URL:  "{{baseUrl}}/lookup/{{randomIP}}",
			Checks: []config.CheckConfig{
				{Name: "status is 200", Type: "status", Value: "200"},
				{Name: "content type is json", Type: "header", Path: "Content-Type", Value: "application/json"},
				{Name: "has valid location", Type: "body", Value: "location"},
				{Name: "country", Type: "jsonpath", Path: "$.location.country", Condition: "eq", Value: "US"},
				{Type: "schema", Schema: `{"type":"object","required":["ip","location"]}`},
			},
		}},
	})

	out, c := runOnce(t, h)
	require.NoError(t, out.Err)
	assert.True(t, out.Passed)

	checks := c.byMetric(metrics.Checks)
	require.Len(t, checks, 5)
	names := make([]string, 0, len(checks))
	for _, s := range checks {
		assert.Equal(t, 1.0, s.Value, s.Tags[metrics.CheckTag])
		names = append(names, s.Tags[metrics.CheckTag])
	}
	assert.Equal(t, []string{"status is 200", "content type is json", "has valid location", "country", "body matches schema"}, names)

	reqs := c.byMetric(metrics.HTTPReqs)
	require.Len(t, reqs, 1)
	assert.Equal(t, "lookup", reqs[0].Tags[TagName])
	assert.Equal(t, "GET", reqs[0].Tags[TagMethod])
	assert.Equal(t, "200", reqs[0].Tags[TagStatus])

	require.Len(t, c.byMetric(metrics.HTTPReqDuration), 1)
	assert.Equal(t, 0.0, c.byMetric(metrics.HTTPReqFailed)[0].Value)
	assert.Greater(t, c.byMetric(metrics.DataReceived)[0].Value, 0.0)
	assert.Equal(t, 1.0, c.byMetric(metrics.DefaultSuccessMetric)[0].Value)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, *seen, 1)
	ip := strings.TrimPrefix((*seen)[0].path, "/lookup/")
	assert.NotNil(t, net.ParseIP(ip), "path %q should carry an IPv4 address", (*seen)[0].path)
	assert.Equal(t, config.DefaultUserAgent, (*seen)[0].userAgent)
}

func TestHTTP_TemplatesHeadersAndBody(t *testing.T) {
	srv, seen, mu := geoipServer(t)

	h := newWorkload(t, &config.TestConfig{
		Settings:  config.GlobalSettings{BaseURL: srv.URL, Headers: map[string]string{"X-Token": "{{token}}"}},
		Variables: map[string]string{"token": "secret"},
		Requests: []config.RequestConfig{
			{Method: "post", URL: "{{baseUrl}}/lookup/vu-{{vu}}-it-{{iteration}}", Body: `{"vu":{{vu}}}`, ThinkTime: "1ms"},
			{URL: "{{baseUrl}}/lookup/second"},
		},
	})

	out, c := runOnce(t, h)
	require.NoError(t, out.Err)
	assert.True(t, out.Passed, "iterations without checks pass")
	assert.Len(t, c.byMetric(metrics.HTTPReqs), 2)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, *seen, 2)
	assert.Equal(t, "/lookup/vu-3-it-1", (*seen)[0].path)
	assert.Equal(t, "POST", (*seen)[0].method)
	assert.Equal(t, `{"vu":3}`, (*seen)[0].body)
	assert.Equal(t, "secret", (*seen)[0].token)
	assert.Equal(t, "/lookup/second", (*seen)[1].path)
}

func TestHTTP_RequestTimeoutFailsChecks(t *testing.T) {
	srv, _, _ := geoipServer(t)

	h := newWorkload(t, &config.TestConfig{
		Settings: config.GlobalSettings{BaseURL: srv.URL},
		Requests: []config.RequestConfig{{
			Name:    "slow",
			URL:     "{{baseUrl}}/slow",
			Timeout: "50ms",
			Checks:  []config.CheckConfig{{Name: "status is 200", Type: "status", Value: "200"}},
		}},
	})

	start := time.Now()
	out, c := runOnce(t, h)
	assert.Less(t, time.Since(start), 400*time.Millisecond)

	require.Error(t, out.Err)
	assert.True(t, errors.Is(out.Err, ErrRequestTimeout))
	assert.True(t, loadtest.IsTimeout(out.Err))
	assert.False(t, out.Passed)
	assert.False(t, out.Interrupted, "a request timeout is not an interruption")

	checks := c.byMetric(metrics.Checks)
	require.Len(t, checks, 1)
	assert.Equal(t, 0.0, checks[0].Value)
	assert.Equal(t, 1.0, c.byMetric(metrics.HTTPReqFailed)[0].Value)
	assert.Equal(t, "0", c.byMetric(metrics.HTTPReqs)[0].Tags[TagStatus])
	assert.Len(t, c.byMetric(metrics.IterationsFailed), 1)
}

func TestHTTP_ServerErrorIsFailedRequest(t *testing.T) {
	srv, _, _ := geoipServer(t)

	h := newWorkload(t, &config.TestConfig{
		Settings: config.GlobalSettings{BaseURL: srv.URL},
		Requests: []config.RequestConfig{{
			URL:    "{{baseUrl}}/error",
			Checks: []config.CheckConfig{{Type: "status", Value: "200"}},
		}},
		Options: config.ExecutionOptions{ReuseConnections: true},
	})

	out, c := runOnce(t, h)
	assert.NoError(t, out.Err)
	assert.False(t, out.Passed)
	assert.Equal(t, 1.0, c.byMetric(metrics.HTTPReqFailed)[0].Value)
	assert.Equal(t, "500", c.byMetric(metrics.HTTPReqs)[0].Tags[TagStatus])
	assert.Equal(t, "status eq 200", c.byMetric(metrics.Checks)[0].Tags[metrics.CheckTag])
}

func TestHTTP_InterruptedByContext(t *testing.T) {
	srv, _, _ := geoipServer(t)

	h := newWorkload(t, &config.TestConfig{
		Settings: config.GlobalSettings{BaseURL: srv.URL},
		Requests: []config.RequestConfig{{
			URL:    "{{baseUrl}}/slow",
			Checks: []config.CheckConfig{{Type: "status", Value: "200"}},
		}},
	})

	logger, _ := logtest.NewNullLogger()
	c := &collector{}
	vu := loadtest.NewVirtualUser(1, h.Iterate, c, loadtest.DefaultVUOptions(), logger)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	out := vu.RunIteration(ctx)

	assert.True(t, out.Interrupted)
	assert.Empty(t, c.byMetric(metrics.Checks))
	assert.Empty(t, c.byMetric(metrics.HTTPReqs))
	assert.Len(t, c.byMetric(metrics.IterationsInterrupted), 1)
}

func TestNewHTTP_InvalidCheck(t *testing.T) {
	_, err := NewHTTP(&config.TestConfig{
		Requests: []config.RequestConfig{{
			URL:    "http://localhost",
			Checks: []config.CheckConfig{{Type: "status", Value: "ok"}},
		}},
	}, nil)
	assert.True(t, config.IsConfigError(err))

	_, err = NewHTTP(&config.TestConfig{}, nil)
	assert.True(t, config.IsConfigError(err))
}

func TestHTTP_RegisterMetrics(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	store := metrics.NewStore(logger)
	h := &HTTP{}
	require.NoError(t, h.RegisterMetrics(store))

	kind, ok := store.Kind(metrics.HTTPReqDuration)
	assert.True(t, ok)
	assert.Equal(t, metrics.Trend, kind)
	kind, _ = store.Kind(metrics.HTTPReqFailed)
	assert.Equal(t, metrics.Rate, kind)
}
