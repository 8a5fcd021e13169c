package output

import (
	"bufio"
	"encoding/json"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/wesleyorama2/rampart/internal/loadtest/engine"
	"github.com/wesleyorama2/rampart/internal/loadtest/metrics"
	"github.com/wesleyorama2/rampart/internal/loadtest/threshold"
)

// Line types of the NDJSON stream.
const (
	LineRun     = "Run"
	LinePoint   = "Point"
	LineVerdict = "Verdict"
)

type runLine struct {
	Type string `json:"type"`
	Data struct {
		RunID      string                  `json:"runId"`
		Name       string                  `json:"name,omitempty"`
		StartTime  time.Time               `json:"startTime"`
		Duration   time.Duration           `json:"duration"`
		MaxVUs     int                     `json:"maxVUs"`
		Metrics    map[string]metrics.Kind `json:"metrics"`
		Thresholds map[string][]string     `json:"thresholds,omitempty"`
	} `json:"data"`
}

type pointLine struct {
	Type   string `json:"type"`
	Metric string `json:"metric"`
	Data   struct {
		Time  time.Time    `json:"time"`
		Value float64      `json:"value"`
		Tags  metrics.Tags `json:"tags,omitempty"`
	} `json:"data"`
}

type verdictLine struct {
	Type string `json:"type"`
	Data struct {
		RunID      string             `json:"runId"`
		Passed     bool               `json:"passed"`
		Aborted    bool               `json:"aborted,omitempty"`
		Thresholds []threshold.Result `json:"thresholds"`
	} `json:"data"`
}

// NDJSON streams one JSON object per line: a Run header, a Point per
// sample and a closing Verdict. A path ending in .gz is gzipped.
type NDJSON struct {
	path    string
	stdout  io.Writer
	logger  logrus.FieldLogger
	buf     *bufio.Writer
	enc     *json.Encoder
	closeFn func() error
	written int
}

// NewNDJSON creates a sample stream output writing to p.Argument.
func NewNDJSON(p Params) *NDJSON {
	return &NDJSON{
		path:   p.Argument,
		stdout: p.Stdout,
		logger: p.Logger,
	}
}

// Description implements engine.Output.
func (o *NDJSON) Description() string {
	return fileDescription("ndjson", o.path)
}

// Start opens the file and writes the Run line.
func (o *NDJSON) Start(info engine.RunInfo) error {
	w, closeFn, err := openCompressed(o.path, o.stdout)
	if err != nil {
		return err
	}
	o.buf = bufio.NewWriter(w)
	o.enc = json.NewEncoder(o.buf)
	o.enc.SetEscapeHTML(false)
	o.closeFn = closeFn

	line := runLine{Type: LineRun}
	line.Data.RunID = info.RunID
	line.Data.Name = info.Name
	line.Data.StartTime = info.StartTime
	line.Data.Duration = info.TotalDuration
	line.Data.MaxVUs = info.MaxVUs
	line.Data.Metrics = info.Metrics
	if len(info.Thresholds) > 0 {
		line.Data.Thresholds = make(map[string][]string)
		for _, th := range info.Thresholds {
			line.Data.Thresholds[th.Metric] = append(line.Data.Thresholds[th.Metric], th.Expr.Source)
		}
	}
	return o.enc.Encode(line)
}

// AddSamples writes a Point line per sample.
func (o *NDJSON) AddSamples(samples []metrics.Sample) {
	for _, s := range samples {
		line := pointLine{Type: LinePoint, Metric: s.Metric}
		line.Data.Time = s.Time
		line.Data.Value = s.Value
		line.Data.Tags = s.Tags
		if err := o.enc.Encode(line); err != nil {
			o.logger.WithError(err).Error("Sample couldn't be marshalled to JSON")
			continue
		}
		o.written++
	}
}

// Stop writes the Verdict line, flushes and closes the file.
func (o *NDJSON) Stop(result *engine.Result) error {
	if o.closeFn == nil {
		return nil
	}
	defer func() { o.closeFn = nil }()

	if result != nil {
		line := verdictLine{Type: LineVerdict}
		line.Data.RunID = result.RunID
		line.Data.Passed = result.Passed
		line.Data.Aborted = result.Aborted
		line.Data.Thresholds = result.Thresholds
		if err := o.enc.Encode(line); err != nil {
			_ = o.closeFn()
			return err
		}
	}

	if err := o.buf.Flush(); err != nil {
		_ = o.closeFn()
		return err
	}
	o.logger.WithFields(logrus.Fields{"path": o.path, "samples": o.written}).Debug("Wrote sample stream")
	return o.closeFn()
}
