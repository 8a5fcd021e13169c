// Package workload builds iteration functions from a load profile.
package workload

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/wesleyorama2/rampart/internal/loadtest"
	"github.com/wesleyorama2/rampart/internal/loadtest/config"
	"github.com/wesleyorama2/rampart/internal/loadtest/metrics"
)

// ErrRequestTimeout is wrapped by errors from requests that exceeded their
// timeout.
var ErrRequestTimeout = loadtest.ErrRequestTimeout

// Tags set on every HTTP sample.
const (
	TagName   = "name"
	TagMethod = "method"
	TagStatus = "status"
)

// DurationOp is the operation measured for every request; samples land in
// http_req_duration.
const DurationOp = "http_req"

const idleConnTimeout = 90 * time.Second

type request struct {
	name      string
	method    string
	url       string
	body      string
	headers   map[string]string
	timeout   time.Duration
	thinkTime time.Duration
	checks    []*check
}

// HTTP issues the profile's requests in order, once per iteration.
type HTTP struct {
	requests  []*request
	userAgent string
	transport func() *http.Transport
	shared    *http.Client
	logger    logrus.FieldLogger
}

// NewHTTP compiles the requests of a prepared profile.
func NewHTTP(cfg *config.TestConfig, logger logrus.FieldLogger) (*HTTP, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if len(cfg.Requests) == 0 {
		return nil, &config.ConfigError{Err: errors.New("no requests defined")}
	}

	settings := cfg.Settings
	defaultTimeout := time.Duration(settings.Timeout)
	if defaultTimeout <= 0 {
		defaultTimeout = config.DefaultTimeout
	}

	h := &HTTP{
		userAgent: settings.UserAgent,
		logger:    logger.WithField("component", "workload"),
		transport: func() *http.Transport {
			return &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConnsPerHost: settings.MaxIdleConnsPerHost,
				MaxConnsPerHost:     settings.MaxConnectionsPerHost,
				IdleConnTimeout:     idleConnTimeout,
				TLSClientConfig:     &tls.Config{InsecureSkipVerify: settings.InsecureSkipVerify},
			}
		},
	}

	for i, rc := range cfg.Requests {
		req := &request{
			name:    rc.Name,
			method:  strings.ToUpper(rc.Method),
			url:     config.ResolveVariables(rc.URL, cfg.Variables, &settings),
			body:    config.ResolveVariables(rc.Body, cfg.Variables, &settings),
			headers: make(map[string]string, len(settings.Headers)+len(rc.Headers)),
			timeout: defaultTimeout,
		}
		if req.name == "" {
			req.name = fmt.Sprintf(config.DefaultRequestNameFmt, i+1)
		}
		if req.method == "" {
			req.method = config.DefaultMethod
		}
		for k, v := range settings.Headers {
			req.headers[k] = config.ResolveVariables(v, cfg.Variables, &settings)
		}
		for k, v := range rc.Headers {
			req.headers[k] = config.ResolveVariables(v, cfg.Variables, &settings)
		}

		var err error
		if rc.Timeout != "" {
			if req.timeout, err = config.ParseDurationString(rc.Timeout); err != nil {
				return nil, &config.ConfigError{Err: fmt.Errorf("requests[%d].timeout: %w", i, err)}
			}
		}
		if req.thinkTime, err = config.ParseDurationString(rc.ThinkTime); err != nil {
			return nil, &config.ConfigError{Err: fmt.Errorf("requests[%d].thinkTime: %w", i, err)}
		}

		for j, cc := range rc.Checks {
			c, err := compileCheck(cc)
			if err != nil {
				return nil, &config.ConfigError{Err: fmt.Errorf("requests[%d].checks[%d]: %w", i, j, err)}
			}
			req.checks = append(req.checks, c)
		}

		h.requests = append(h.requests, req)
	}

	if cfg.Options.ReuseConnections {
		h.shared = &http.Client{Transport: h.transport()}
	}

	h.logger.WithFields(logrus.Fields{
		"requests":         len(h.requests),
		"reuseConnections": h.shared != nil,
	}).Debug("HTTP workload ready")
	return h, nil
}

// RegisterMetrics registers the metrics Iterate emits.
func (h *HTTP) RegisterMetrics(store *metrics.Store) error {
	return metrics.RegisterHTTP(store)
}

// Iterate is a loadtest.IterationFunc.
func (h *HTTP) Iterate(ctx context.Context, it *loadtest.Iteration) error {
	client, release := h.client()
	defer release()

	s := scope{vu: it.VU, iteration: it.Number}
	for i, req := range h.requests {
		if err := h.do(ctx, it, client, req, s); err != nil {
			return err
		}
		if req.thinkTime > 0 && i < len(h.requests)-1 {
			if err := it.Sleep(ctx, req.thinkTime); err != nil {
				return err
			}
		}
	}
	return nil
}

// client returns the client for one iteration. Without connection reuse
// every iteration dials its own connections and closes them afterwards.
func (h *HTTP) client() (*http.Client, func()) {
	if h.shared != nil {
		return h.shared, func() {}
	}
	transport := h.transport()
	return &http.Client{Transport: transport}, transport.CloseIdleConnections
}

func (h *HTTP) do(ctx context.Context, it *loadtest.Iteration, client *http.Client, req *request, s scope) error {
	reqCtx, cancel := context.WithTimeout(ctx, req.timeout)
	defer cancel()

	var body io.Reader
	if req.body != "" {
		body = strings.NewReader(render(req.body, s))
	}
	httpReq, err := http.NewRequestWithContext(reqCtx, req.method, render(req.url, s), body)
	if err != nil {
		return fmt.Errorf("request %s: %w", req.name, err)
	}
	if h.userAgent != "" {
		httpReq.Header.Set("User-Agent", h.userAgent)
	}
	for k, v := range req.headers {
		httpReq.Header.Set(k, render(v, s))
	}

	start := time.Now()
	resp, err := client.Do(httpReq)
	var respBody []byte
	if err == nil {
		respBody, err = io.ReadAll(resp.Body)
		_ = resp.Body.Close()
	}
	elapsed := time.Since(start)

	tags := metrics.Tags{TagName: req.name, TagMethod: req.method, TagStatus: "0"}
	if resp != nil {
		tags[TagStatus] = strconv.Itoa(resp.StatusCode)
	}
	failed := err != nil || resp.StatusCode >= http.StatusBadRequest

	it.Add(metrics.HTTPReqs, 1, tags)
	it.Measure(DurationOp, elapsed, tags)
	it.Add(metrics.DataReceived, float64(len(respBody)), tags)
	it.Add(metrics.HTTPReqFailed, boolValue(failed), tags)

	if err != nil {
		// A hard cut discards the iteration; nothing here is reported.
		if ctx.Err() != nil {
			return ctx.Err()
		}
		for _, c := range req.checks {
			it.Check(c.name, false)
		}
		if errors.Is(reqCtx.Err(), context.DeadlineExceeded) || loadtest.IsTimeout(err) {
			return fmt.Errorf("%s %s: no response within %v: %w", req.method, req.name, req.timeout, ErrRequestTimeout)
		}
		return fmt.Errorf("%s %s: %w", req.method, req.name, err)
	}

	r := &response{
		status:   resp.StatusCode,
		header:   resp.Header,
		body:     respBody,
		duration: elapsed,
	}
	for _, c := range req.checks {
		it.Check(c.name, c.eval(r))
	}
	return nil
}

// Close releases pooled connections.
func (h *HTTP) Close() {
	if h.shared != nil {
		h.shared.CloseIdleConnections()
	}
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
