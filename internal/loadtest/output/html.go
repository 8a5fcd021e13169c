package output

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html/template"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/wesleyorama2/rampart/internal/loadtest/engine"
	"github.com/wesleyorama2/rampart/internal/loadtest/metrics"
	"github.com/wesleyorama2/rampart/internal/loadtest/threshold"
)

const defaultHTMLPath = "rampart-report.html"

// HTML renders the result as a standalone report with time series charts.
type HTML struct {
	path   string
	logger logrus.FieldLogger
}

// NewHTML creates an HTML report output writing to p.Argument.
func NewHTML(p Params) *HTML {
	path := p.Argument
	if path == "" {
		path = defaultHTMLPath
	}
	return &HTML{path: path, logger: p.Logger}
}

// Description implements engine.Output.
func (o *HTML) Description() string {
	return fileDescription("html", o.path)
}

// Start checks that the report path is writable.
func (o *HTML) Start(engine.RunInfo) error {
	f, err := os.Create(o.path)
	if err != nil {
		return err
	}
	return f.Close()
}

// AddSamples implements engine.Output; the report is built from the result.
func (o *HTML) AddSamples([]metrics.Sample) {}

// Stop renders and writes the report.
func (o *HTML) Stop(result *engine.Result) error {
	if result == nil {
		return os.Remove(o.path)
	}
	page, err := RenderHTML(result)
	if err != nil {
		return err
	}
	if err := os.WriteFile(o.path, page, 0o644); err != nil {
		return fmt.Errorf("failed to write HTML file: %w", err)
	}
	o.logger.WithField("path", o.path).Info("Wrote HTML report")
	return nil
}

// reportData contains all data needed to render the HTML report.
type reportData struct {
	*engine.Result
	TimeSeriesJSON template.JS
	Iteration      metrics.View
	Trends         []metrics.View
	Counters       []metrics.View
	Rates          []metrics.View
}

// timeSeriesPoint is one bucket of the chart data.
type timeSeriesPoint struct {
	Elapsed     float64 `json:"elapsed"`
	Rate        float64 `json:"rate"`
	FailureRate float64 `json:"failureRate"`
	P95         float64 `json:"p95"`
	ActiveVUs   int     `json:"activeVUs"`
	TargetVUs   int     `json:"targetVUs"`
	Phase       string  `json:"phase"`
}

// RenderHTML renders the report page for result.
func RenderHTML(result *engine.Result) ([]byte, error) {
	if result == nil {
		return nil, fmt.Errorf("result cannot be nil")
	}

	tmpl, err := template.New("report").Funcs(templateFuncs()).Parse(htmlTemplate)
	if err != nil {
		return nil, fmt.Errorf("failed to parse template: %w", err)
	}

	series, err := timeSeriesJSON(result.TimeSeries)
	if err != nil {
		return nil, fmt.Errorf("failed to convert time series: %w", err)
	}

	data := reportData{Result: result, TimeSeriesJSON: template.JS(series)}
	for _, v := range result.Metrics {
		if v.IsEmpty() {
			continue
		}
		if v.Name == metrics.IterationDuration {
			data.Iteration = v
		}
		switch v.Kind {
		case metrics.Trend:
			data.Trends = append(data.Trends, v)
		case metrics.Counter:
			data.Counters = append(data.Counters, v)
		case metrics.Rate:
			data.Rates = append(data.Rates, v)
		}
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("failed to execute template: %w", err)
	}
	return buf.Bytes(), nil
}

func timeSeriesJSON(buckets []*metrics.TimeBucket) (string, error) {
	points := make([]timeSeriesPoint, len(buckets))
	for i, b := range buckets {
		points[i] = timeSeriesPoint{
			Elapsed:     b.Elapsed.Seconds(),
			Rate:        b.IntervalRate,
			FailureRate: b.IntervalFailureRate,
			P95:         b.IterationP95,
			ActiveVUs:   b.ActiveVUs,
			TargetVUs:   b.TargetVUs,
			Phase:       string(b.Phase),
		}
	}
	data, err := json.Marshal(points)
	if err != nil {
		return "[]", err
	}
	return string(data), nil
}

func templateFuncs() template.FuncMap {
	return template.FuncMap{
		"formatDuration": formatDuration,
		"formatNumber":   formatNumber,
		"formatMillis":   formatMillis,
		"formatValue":    formatValue,
		"trendValue":     trendValue,
		"percent":        func(f float64) string { return fmt.Sprintf("%.2f%%", f*100) },
		"perSecond": func(v metrics.View, d time.Duration) string {
			return fmt.Sprintf("%.2f/s", v.PerSecond(d))
		},
		"iterationRate": func(r *engine.Result) string {
			if r.Duration <= 0 {
				return "0.0"
			}
			return fmt.Sprintf("%.1f", float64(r.Iterations)/r.Duration.Seconds())
		},
		"failureRate": func(r *engine.Result) float64 {
			if r.Iterations == 0 {
				return 0
			}
			return float64(r.Failed) / float64(r.Iterations)
		},
		"verdictClass": func(v threshold.Verdict) string {
			switch v {
			case threshold.Pass:
				return "pass"
			case threshold.Fail:
				return "fail"
			default:
				return "undetermined"
			}
		},
		"verdictIcon": func(v threshold.Verdict) string {
			icon, _ := NoColorScheme().Verdict(v)
			return icon
		},
		"isUndetermined": func(v threshold.Verdict) bool { return v == threshold.Undetermined },
	}
}

// trendValue formats a trend statistic, in milliseconds for durations.
func trendValue(name string, x float64) string {
	if isDurationMetric(name) {
		return formatMillis(x)
	}
	return formatValue(x)
}
