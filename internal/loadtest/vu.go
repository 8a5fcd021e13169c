package loadtest

import (
	"context"
	"fmt"
	"math/rand/v2"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/wesleyorama2/rampart/internal/loadtest/metrics"
)

// VUState represents the lifecycle state of a Virtual User.
type VUState int32

const (
	// VUStateIdle indicates the VU is ready but not currently running.
	VUStateIdle VUState = iota
	// VUStateRunning indicates the VU is executing an iteration.
	VUStateRunning
	// VUStateStopping indicates the VU will exit after its current iteration.
	VUStateStopping
	// VUStateStopped indicates the VU has fully stopped.
	VUStateStopped
)

func (s VUState) String() string {
	switch s {
	case VUStateIdle:
		return "idle"
	case VUStateRunning:
		return "running"
	case VUStateStopping:
		return "stopping"
	case VUStateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// PacingType identifies the type of pacing.
type PacingType string

const (
	PacingNone     PacingType = "none"
	PacingConstant PacingType = "constant"
	PacingRandom   PacingType = "random"
)

// PacingConfig controls time between iterations.
type PacingConfig struct {
	// Type of pacing: "none", "constant", "random"
	Type PacingType `json:"type" yaml:"type"`

	// Duration for constant pacing
	Duration time.Duration `json:"duration,omitempty" yaml:"duration,omitempty"`

	// Min duration for random pacing
	Min time.Duration `json:"min,omitempty" yaml:"min,omitempty"`

	// Max duration for random pacing
	Max time.Duration `json:"max,omitempty" yaml:"max,omitempty"`
}

// Wait returns the pause before the next iteration.
func (p *PacingConfig) Wait() time.Duration {
	if p == nil {
		return 0
	}
	switch p.Type {
	case PacingConstant:
		return p.Duration
	case PacingRandom:
		diff := p.Max - p.Min
		if diff > 0 {
			return p.Min + time.Duration(rand.Int64N(int64(diff)))
		}
		return p.Min
	default:
		return 0
	}
}

// VUOptions configure what a Virtual User emits and how it paces itself.
type VUOptions struct {
	// SuccessMetric is the Rate metric receiving one sample per iteration.
	// Empty disables it.
	SuccessMetric string

	// SuccessMode combines the iteration's checks into its success sample.
	SuccessMode SuccessMode

	// Pacing between iterations (optional)
	Pacing *PacingConfig

	// Tags are attached to every sample.
	Tags metrics.Tags
}

// DefaultVUOptions returns AND-of-checks success into success_rate.
func DefaultVUOptions() VUOptions {
	return VUOptions{
		SuccessMetric: metrics.DefaultSuccessMetric,
		SuccessMode:   SuccessAll,
	}
}

// IterationOutcome summarizes one executed iteration.
type IterationOutcome struct {
	Number      int64
	Duration    time.Duration
	Passed      bool
	Interrupted bool
	Err         error
}

// VirtualUser is a single simulated user running iterations in a loop.
//
// A VU never shares mutable state with other VUs; its only output is the
// sample batches handed to its Emitter.
type VirtualUser struct {
	// Unique identifier for this VU
	ID int

	fn      IterationFunc
	emitter Emitter
	opts    VUOptions
	logger  logrus.FieldLogger

	// Lifecycle state (atomic for lock-free reads)
	state atomic.Int32

	// Stop signal, closed once
	stopCh   chan struct{}
	stopOnce sync.Once

	// Done signal (closed when VU fully stops)
	doneCh chan struct{}

	iteration atomic.Int64
}

// NewVirtualUser creates a new Virtual User.
func NewVirtualUser(id int, fn IterationFunc, emitter Emitter, opts VUOptions, logger logrus.FieldLogger) *VirtualUser {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &VirtualUser{
		ID:      id,
		fn:      fn,
		emitter: emitter,
		opts:    opts,
		logger:  logger.WithField("vu", id),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// GetState returns the current VU state.
func (vu *VirtualUser) GetState() VUState {
	return VUState(vu.state.Load())
}

// GetIteration returns the number of iterations started.
func (vu *VirtualUser) GetIteration() int64 {
	return vu.iteration.Load()
}

// Run executes iterations until a stop is requested or ctx is done. A stop
// request never interrupts an iteration in flight; cancelling ctx does.
func (vu *VirtualUser) Run(ctx context.Context) {
	defer vu.MarkStopped()

	for {
		if vu.stopping() || ctx.Err() != nil {
			return
		}

		out := vu.RunIteration(ctx)
		if out.Interrupted {
			return
		}

		if wait := vu.opts.Pacing.Wait(); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
			case <-vu.stopCh:
			case <-timer.C:
			}
			timer.Stop()
		}
	}
}

// RunIteration executes a single iteration and emits its samples.
//
// If ctx is cancelled while the function runs, the iteration counts as
// interrupted and only iterations_interrupted is emitted.
func (vu *VirtualUser) RunIteration(ctx context.Context) IterationOutcome {
	vu.state.CompareAndSwap(int32(VUStateIdle), int32(VUStateRunning))
	defer vu.state.CompareAndSwap(int32(VUStateRunning), int32(VUStateIdle))

	n := vu.iteration.Add(1)
	it := newIteration(vu.ID, n, vu.opts.Tags)

	iterCtx, cancel := context.WithCancel(ctx)
	err := vu.invoke(iterCtx, it)
	cancel()

	end := time.Now()
	out := IterationOutcome{Number: n, Duration: end.Sub(it.start), Err: err}

	if ctx.Err() != nil {
		out.Interrupted = true
		vu.emitter.Emit([]metrics.Sample{{
			Metric: metrics.IterationsInterrupted,
			Value:  1,
			Time:   end,
			Tags:   vu.opts.Tags,
		}})
		return out
	}

	out.Passed = err == nil && it.Passed(vu.opts.SuccessMode)
	if err != nil {
		vu.logger.WithError(&IterationError{VU: vu.ID, Iteration: n, Err: err}).
			WithField("timeout", IsTimeout(err)).
			Debug("Iteration failed")
	}

	samples := it.samples
	samples = append(samples,
		metrics.Sample{Metric: metrics.IterationDuration, Value: Milliseconds(out.Duration), Time: end, Tags: vu.opts.Tags},
		metrics.Sample{Metric: metrics.Iterations, Value: 1, Time: end, Tags: vu.opts.Tags},
	)
	if !out.Passed {
		samples = append(samples, metrics.Sample{Metric: metrics.IterationsFailed, Value: 1, Time: end, Tags: vu.opts.Tags})
	}
	if vu.opts.SuccessMetric != "" && vu.opts.SuccessMode != SuccessNone {
		value := 0.0
		if out.Passed {
			value = 1
		}
		samples = append(samples, metrics.Sample{Metric: vu.opts.SuccessMetric, Value: value, Time: end, Tags: vu.opts.Tags})
	}
	vu.emitter.Emit(samples)

	return out
}

// invoke calls the iteration function, converting a panic into an error.
func (vu *VirtualUser) invoke(ctx context.Context, it *Iteration) (err error) {
	defer func() {
		if r := recover(); r != nil {
			vu.logger.WithField("stack", string(debug.Stack())).Debug("Iteration panicked")
			err = fmt.Errorf("iteration panic: %v", r)
		}
	}()
	return vu.fn(ctx, it)
}

// RequestStop signals the VU to stop after completing the current iteration.
// It reports whether this call initiated the stop.
// The stop channel is closed regardless of the VU state.
func (vu *VirtualUser) RequestStop() bool {
	initiated := false
	vu.stopOnce.Do(func() {
		initiated = true
		close(vu.stopCh)
	})
	if !initiated {
		return false
	}

	for {
		s := vu.state.Load()
		if s == int32(VUStateStopping) || s == int32(VUStateStopped) {
			break
		}
		if vu.state.CompareAndSwap(s, int32(VUStateStopping)) {
			break
		}
	}
	return true
}

func (vu *VirtualUser) stopping() bool {
	select {
	case <-vu.stopCh:
		return true
	default:
		return false
	}
}

// Done returns a channel closed when the VU has fully stopped.
func (vu *VirtualUser) Done() <-chan struct{} {
	return vu.doneCh
}

// WaitForStop waits for the VU to stop with a timeout.
//
// Returns true if the VU stopped within the timeout, false otherwise.
func (vu *VirtualUser) WaitForStop(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-vu.doneCh:
		return true
	case <-timer.C:
		return false
	}
}

// MarkStopped marks the VU as fully stopped.
func (vu *VirtualUser) MarkStopped() {
	prev := VUState(vu.state.Swap(int32(VUStateStopped)))
	if prev != VUStateStopped {
		close(vu.doneCh)
	}
}
