package output

import (
	"compress/gzip"
	"encoding/json"
	"io"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/wesleyorama2/rampart/internal/loadtest/engine"
	"github.com/wesleyorama2/rampart/internal/loadtest/metrics"
)

// JSON writes the final result as one indented document when the run
// stops. A path ending in .gz is gzipped.
type JSON struct {
	path    string
	stdout  io.Writer
	logger  logrus.FieldLogger
	w       io.Writer
	closeFn func() error
}

// NewJSON creates a JSON summary output writing to p.Argument.
func NewJSON(p Params) *JSON {
	return &JSON{
		path:   p.Argument,
		stdout: p.Stdout,
		logger: p.Logger,
	}
}

// Description implements engine.Output.
func (o *JSON) Description() string {
	return fileDescription("json", o.path)
}

// Start opens the file.
func (o *JSON) Start(engine.RunInfo) error {
	w, closeFn, err := openCompressed(o.path, o.stdout)
	if err != nil {
		return err
	}
	o.w, o.closeFn = w, closeFn
	return nil
}

// AddSamples implements engine.Output; the summary needs no samples.
func (o *JSON) AddSamples([]metrics.Sample) {}

// Stop writes the result and closes the file.
func (o *JSON) Stop(result *engine.Result) error {
	if o.closeFn == nil {
		return nil
	}
	defer func() { o.closeFn = nil }()

	if result == nil {
		return o.closeFn()
	}

	enc := json.NewEncoder(o.w)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		_ = o.closeFn()
		return err
	}
	o.logger.WithField("path", o.path).Debug("Wrote JSON summary")
	return o.closeFn()
}

func openCompressed(path string, stdout io.Writer) (io.Writer, func() error, error) {
	w, closeFn, err := openFile(path, stdout)
	if err != nil {
		return nil, nil, err
	}
	if !strings.HasSuffix(path, ".gz") {
		return w, closeFn, nil
	}
	gz := gzip.NewWriter(w)
	return gz, func() error {
		_ = gz.Close()
		return closeFn()
	}, nil
}
