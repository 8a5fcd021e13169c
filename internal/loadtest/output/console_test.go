package output

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/wesleyorama2/rampart/internal/loadtest/engine"
	"github.com/wesleyorama2/rampart/internal/loadtest/executor"
	"github.com/wesleyorama2/rampart/internal/loadtest/metrics"
	"github.com/wesleyorama2/rampart/internal/loadtest/threshold"
)

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		duration time.Duration
		expected string
	}{
		{500 * time.Millisecond, "500ms"},
		{1 * time.Second, "1.0s"},
		{1*time.Minute + 30*time.Second, "1m 30s"},
		{1*time.Hour + 2*time.Minute + 3*time.Second, "1h 02m 03s"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			result := formatDuration(tt.duration)
			if result != tt.expected {
				t.Errorf("formatDuration(%v) = %q, want %q", tt.duration, result, tt.expected)
			}
		})
	}
}

func TestFormatMillis(t *testing.T) {
	tests := []struct {
		ms       float64
		expected string
	}{
		{0, "0ms"},
		{0.5, "500µs"},
		{50, "50.00ms"},
		{1500, "1.50s"},
		{90000, "1.5m"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			result := formatMillis(tt.ms)
			if result != tt.expected {
				t.Errorf("formatMillis(%v) = %q, want %q", tt.ms, result, tt.expected)
			}
		})
	}
}

func TestFormatNumber(t *testing.T) {
	tests := []struct {
		number   int64
		expected string
	}{
		{0, "0"},
		{999, "999"},
		{1000, "1,000"},
		{123456, "123,456"},
		{1234567, "1,234,567"},
		{-4200, "-4,200"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			result := formatNumber(tt.number)
			if result != tt.expected {
				t.Errorf("formatNumber(%d) = %q, want %q", tt.number, result, tt.expected)
			}
		})
	}
}

func TestProgressBar(t *testing.T) {
	bar := progressBar(0.5, 10)
	if bar != "[█████░░░░░]" {
		t.Errorf("progressBar(0.5, 10) = %q", bar)
	}
	if bar := progressBar(2, 4); bar != "[████]" {
		t.Errorf("progressBar(2, 4) = %q", bar)
	}
}

func TestStripANSI(t *testing.T) {
	if s := stripANSI("\033[32mgreen\033[0m text"); s != "green text" {
		t.Errorf("stripANSI() = %q", s)
	}
}

func progressAt(elapsed time.Duration) engine.Progress {
	return engine.Progress{
		Elapsed:    elapsed,
		Total:      2 * time.Minute,
		State:      executor.StateRunning,
		Stage:      0,
		Stages:     2,
		Target:     25,
		Running:    24,
		Iterations: 600,
		Failures:   3,
		Bucket: &metrics.TimeBucket{
			IntervalRate: 20,
			IterationP95: 38.2,
			Phase:        metrics.PhaseRampUp,
		},
		Thresholds: []threshold.Result{
			{Metric: "http_req_duration", Verdict: threshold.Pass},
			{Metric: "success_rate", Verdict: threshold.Fail},
		},
	}
}

func TestConsole_LineMode(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(ConsoleConfig{Writer: &buf})
	if c.IsTTY() {
		t.Fatal("buffer must not be a terminal")
	}

	if err := c.Start(sampleInfo()); err != nil {
		t.Fatal(err)
	}
	c.Progress(progressAt(time.Minute))
	if err := c.Stop(sampleResult()); err != nil {
		t.Fatal(err)
	}

	out := buf.String()
	if strings.Contains(out, "\033[") {
		t.Error("line mode output must not contain escape codes")
	}

	for _, want := range []string{
		"geoip - Running",
		"Run ID:      run-1",
		"2 over 2m 00s, up to 50 VUs",
		"[1m 00s] running 50% | VUs: 24/25 | Iterations: 600 | Failed: 3 | Rate: 20.0/s | P95: 38.20ms",
		"geoip - Completed",
		"Iterations:    1,200 (10.0/s)",
		"Success Rate:  99.00%",
		"✗ status is 200  99.00% (1188/1200)",
		"http_reqs...................: 1,200 10.00/s",
		"http_req_duration...........: avg=21.30ms min=2.00ms med=18.00ms max=180.00ms p(90)=35.00ms p(95)=42.50ms p(99)=90.00ms",
		"success_rate................: 99.00% 1188 of 1200",
		"✓ http_req_duration p(95)<100 (actual: 42.50)",
		"✗ success_rate rate>0.99 (actual: 0.99) [abortOnFail]",
		"FAILED",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q\n%s", want, out)
		}
	}
	if strings.Contains(out, "data_received") {
		t.Error("empty metrics must be skipped")
	}
}

func TestConsole_Quiet(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(ConsoleConfig{Writer: &buf, Quiet: true})

	_ = c.Start(sampleInfo())
	c.Progress(progressAt(time.Minute))
	result := sampleResult()
	result.Passed = true
	_ = c.Stop(result)

	out := buf.String()
	if strings.Contains(out, "Running") || strings.Contains(out, "Iterations") {
		t.Errorf("quiet output has progress or summary:\n%s", out)
	}
	if !strings.Contains(out, "Thresholds:") || !strings.Contains(out, "PASSED") {
		t.Errorf("quiet output must keep thresholds and verdict:\n%s", out)
	}
}

func TestConsole_AbortedAndUndetermined(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(ConsoleConfig{Writer: &buf})

	result := sampleResult()
	result.Aborted = true
	result.ApproximateTrends = 1
	result.Thresholds = append(result.Thresholds, threshold.Result{
		Metric: "checks{check:has body}", Expression: "rate==1", Verdict: threshold.Undetermined,
	})
	_ = c.Stop(result)

	out := buf.String()
	for _, want := range []string{
		"geoip - Aborted",
		"percentiles are approximate",
		"? checks{check:has body} rate==1 (no samples)",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q\n%s", want, out)
		}
	}
}

func TestConsole_TTYRedraw(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(ConsoleConfig{Writer: &buf, ForceTTY: true, NoColor: true})

	c.Progress(progressAt(30 * time.Second))
	first := c.linesOutput
	if first == 0 {
		t.Fatal("expected live lines")
	}
	buf.Reset()

	c.Progress(progressAt(time.Minute))
	out := buf.String()
	if !strings.HasPrefix(out, "\033[") {
		t.Errorf("redraw must move the cursor up first, got %q", out[:20])
	}
	if !strings.Contains(out, "ramp-up (1/2)") {
		t.Errorf("missing stage line:\n%s", out)
	}
	if !strings.Contains(out, "1/2 failing") {
		t.Errorf("missing threshold tally:\n%s", out)
	}
}

func TestConsole_StopNil(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(ConsoleConfig{Writer: &buf})
	if err := c.Stop(nil); err != nil {
		t.Fatal(err)
	}
	if buf.Len() != 0 {
		t.Errorf("Stop(nil) wrote %q", buf.String())
	}
}
