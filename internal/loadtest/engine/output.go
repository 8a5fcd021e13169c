package engine

import (
	"time"

	"github.com/wesleyorama2/rampart/internal/loadtest/executor"
	"github.com/wesleyorama2/rampart/internal/loadtest/metrics"
	"github.com/wesleyorama2/rampart/internal/loadtest/threshold"
)

// RunInfo describes a run to outputs before the first VU starts.
type RunInfo struct {
	RunID         string
	Name          string
	Description   string
	StartTime     time.Time
	TotalDuration time.Duration
	MaxVUs        int
	Stages        []executor.Stage
	Thresholds    []threshold.Threshold

	// Metrics maps every registered metric to its kind.
	Metrics map[string]metrics.Kind
}

// Output receives the sample stream of a run and its final result.
//
// AddSamples is called from a single goroutine, in the order batches were
// emitted. It must not retain or modify the slice after returning. Stop
// receives nil when the run never started because another output failed.
type Output interface {
	Description() string
	Start(info RunInfo) error
	AddSamples(samples []metrics.Sample)
	Stop(result *Result) error
}

// Progress is a periodic snapshot of a running test.
type Progress struct {
	Elapsed    time.Duration
	Total      time.Duration
	State      executor.State
	Stage      int
	Stages     int
	Target     int
	Running    int
	Iterations int64
	Failures   int64
	Bucket     *metrics.TimeBucket
	Thresholds []threshold.Result
}

// ProgressOutput is an Output that also wants live progress, delivered once
// per bucket interval from the controller goroutine.
type ProgressOutput interface {
	Output
	Progress(p Progress)
}

// dispatcher hands sample batches to outputs on its own goroutine so a slow
// output never delays the VUs beyond the channel buffer.
type dispatcher struct {
	outputs []Output
	ch      chan []metrics.Sample
	done    chan struct{}
}

func newDispatcher(outputs []Output, buffer int) *dispatcher {
	d := &dispatcher{
		outputs: outputs,
		ch:      make(chan []metrics.Sample, buffer),
		done:    make(chan struct{}),
	}
	go d.loop()
	return d
}

func (d *dispatcher) loop() {
	defer close(d.done)
	for batch := range d.ch {
		for _, out := range d.outputs {
			out.AddSamples(batch)
		}
	}
}

func (d *dispatcher) send(batch []metrics.Sample) {
	if len(d.outputs) == 0 {
		return
	}
	d.ch <- batch
}

// close flushes pending batches and stops the loop.
func (d *dispatcher) close() {
	close(d.ch)
	<-d.done
}
