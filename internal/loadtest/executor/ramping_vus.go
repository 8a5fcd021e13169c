package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/wesleyorama2/rampart/internal/loadtest/metrics"
)

// DefaultTick is the reconciliation interval when none is configured.
const DefaultTick = 100 * time.Millisecond

// ErrAlreadyStarted is returned when Run is called twice on one executor.
var ErrAlreadyStarted = errors.New("executor already started")

// State is the lifecycle state of a ramping run.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateDraining
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// Config contains configuration for the ramping-VU executor.
type Config struct {
	// Stages to ramp through, in order
	Stages []Stage `json:"stages" yaml:"stages"`

	// StartVUs is the concurrency before the first stage ramps (default 0)
	StartVUs int `json:"startVUs,omitempty" yaml:"startVUs,omitempty"`

	// Tick is the reconciliation interval (default 100ms)
	Tick time.Duration `json:"tick,omitempty" yaml:"tick,omitempty"`

	// GracefulStop bounds how long draining waits for in-flight iterations
	// before cancelling them. Zero waits indefinitely.
	GracefulStop time.Duration `json:"gracefulStop,omitempty" yaml:"gracefulStop,omitempty"`
}

// ConstantVUs returns a config holding vus VUs for d.
func ConstantVUs(vus int, d time.Duration) Config {
	return Config{
		StartVUs: vus,
		Stages:   []Stage{{Duration: d, Target: vus}},
	}
}

// Validate validates the executor configuration.
func (c *Config) Validate() error {
	if _, err := NewStageSchedule(c.Stages, c.StartVUs); err != nil {
		return err
	}
	if c.Tick < 0 {
		return &ValidationError{Field: "tick", Message: "tick must be >= 0 (0 uses the default)"}
	}
	if c.GracefulStop < 0 {
		return &ValidationError{Field: "gracefulStop", Message: "gracefulStop must be >= 0"}
	}
	return nil
}

// TotalDuration calculates the total duration of all stages.
func (c *Config) TotalDuration() time.Duration {
	var total time.Duration
	for _, stage := range c.Stages {
		total += stage.Duration
	}
	return total
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return "validation error on field '" + e.Field + "': " + e.Message
}

func stageField(i int, name string) string {
	return fmt.Sprintf("stages[%d].%s", i, name)
}

// Pool is the VU pool the executor reconciles.
type Pool interface {
	ScaleVUs(ctx context.Context, target int) (spawned, retired int)
	StopAllVUs()
	GetActiveVUCount() int
	GetRunningVUCount() int
	Wait()
}

// TickInfo is passed to the tick callback on every control tick.
type TickInfo struct {
	Elapsed   time.Duration
	Target    int
	Active    int
	Running   int
	Stage     int
	Phase     metrics.Phase
	State     State
	Scheduled bool // false for the final tick after completion
}

// TickFunc observes a control tick. Returning true requests an abort: the
// run moves straight to draining. Ticks during draining ignore the result.
type TickFunc func(TickInfo) (abort bool)

// Stats contains real-time executor statistics.
type Stats struct {
	StartTime     time.Time     `json:"startTime"`
	Elapsed       time.Duration `json:"elapsed"`
	TotalDuration time.Duration `json:"totalDuration"`
	ActiveVUs     int           `json:"activeVUs"`
	TargetVUs     int           `json:"targetVUs"`
	CurrentStage  int           `json:"currentStage"`
	TotalStages   int           `json:"totalStages"`
	State         string        `json:"state"`
}

// RampingVUs ramps VU count up and down according to stages.
//
// On every tick it compares the scheduled target with the pool's active
// VUs: new VUs start at once and surplus VUs are asked to stop after their
// current iteration. After the last stage it drains: every VU is signalled
// and the run completes when none remain.
//
// Example stages:
//
//	stages:
//	  - duration: 30s
//	    target: 50     # Ramp from 0 to 50 VUs over 30s
//	  - duration: 1m
//	    target: 50     # Stay at 50 VUs for 1 minute
//	  - duration: 30s
//	    target: 0      # Ramp down to 0 VUs over 30s
type RampingVUs struct {
	config   Config
	schedule *StageSchedule
	logger   logrus.FieldLogger

	state     atomic.Int32
	targetVUs atomic.Int32
	activeVUs atomic.Int32
	stage     atomic.Int32
	aborted   atomic.Bool

	mu        sync.RWMutex
	startTime time.Time
	endTime   time.Time
}

// NewRampingVUs validates cfg and creates an executor.
func NewRampingVUs(cfg Config, logger logrus.FieldLogger) (*RampingVUs, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Tick == 0 {
		cfg.Tick = DefaultTick
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	schedule, _ := NewStageSchedule(cfg.Stages, cfg.StartVUs)
	return &RampingVUs{
		config:   cfg,
		schedule: schedule,
		logger:   logger.WithField("component", "executor"),
	}, nil
}

// Schedule returns the stage schedule.
func (e *RampingVUs) Schedule() *StageSchedule {
	return e.schedule
}

// State returns the current lifecycle state.
func (e *RampingVUs) State() State {
	return State(e.state.Load())
}

// Aborted reports whether the run was cut short by the tick callback.
func (e *RampingVUs) Aborted() bool {
	return e.aborted.Load()
}

// Run drives pool through the stages and blocks until every VU has
// stopped. Cancelling ctx starts draining early; it does not cancel
// iterations in flight unless GracefulStop expires.
func (e *RampingVUs) Run(ctx context.Context, pool Pool, onTick TickFunc) error {
	if !e.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) {
		return ErrAlreadyStarted
	}
	if onTick == nil {
		onTick = func(TickInfo) bool { return false }
	}

	// VUs outlive ctx so that draining can finish their iterations
	vuCtx, hardCut := context.WithCancel(context.WithoutCancel(ctx))
	defer hardCut()

	e.mu.Lock()
	e.startTime = time.Now()
	e.mu.Unlock()

	e.logger.WithFields(logrus.Fields{
		"stages":   len(e.config.Stages),
		"duration": e.schedule.TotalDuration(),
		"tick":     e.config.Tick,
	}).Info("Ramping started")

	ticker := time.NewTicker(e.config.Tick)
	defer ticker.Stop()

	if e.reconcile(vuCtx, pool, onTick) {
		e.aborted.Store(true)
	}

running:
	for !e.aborted.Load() {
		select {
		case <-ctx.Done():
			e.logger.WithError(ctx.Err()).Info("Run cancelled, draining")
			break running
		case <-ticker.C:
			if e.elapsed() >= e.schedule.TotalDuration() {
				break running
			}
			if e.reconcile(vuCtx, pool, onTick) {
				e.aborted.Store(true)
			}
		}
	}

	e.drain(pool, ticker, hardCut, onTick)

	e.mu.Lock()
	e.endTime = time.Now()
	e.mu.Unlock()
	e.state.Store(int32(StateCompleted))
	e.stage.Store(int32(len(e.config.Stages)))

	onTick(e.tickInfo(pool, false))

	e.logger.WithFields(logrus.Fields{
		"elapsed": e.elapsed(),
		"aborted": e.aborted.Load(),
	}).Info("Ramping completed")
	return nil
}

// reconcile moves the pool toward the current target and reports the tick.
func (e *RampingVUs) reconcile(ctx context.Context, pool Pool, onTick TickFunc) bool {
	elapsed := e.elapsed()
	target := e.schedule.TargetAt(elapsed)
	e.targetVUs.Store(int32(target))

	idx := e.schedule.StageAt(elapsed)
	if prev := e.stage.Swap(int32(idx)); int(prev) != idx {
		e.logger.WithFields(logrus.Fields{
			"stage":  idx,
			"target": target,
		}).Debug("Stage changed")
	}

	pool.ScaleVUs(ctx, target)
	e.activeVUs.Store(int32(pool.GetActiveVUCount()))

	return onTick(e.tickInfo(pool, true))
}

// drain signals every VU and waits for them, cancelling in-flight
// iterations once GracefulStop has passed.
func (e *RampingVUs) drain(pool Pool, ticker *time.Ticker, hardCut context.CancelFunc, onTick TickFunc) {
	e.state.Store(int32(StateDraining))
	e.targetVUs.Store(0)
	pool.StopAllVUs()
	e.activeVUs.Store(0)

	e.logger.WithField("running", pool.GetRunningVUCount()).Info("Draining VUs")

	done := make(chan struct{})
	go func() {
		pool.Wait()
		close(done)
	}()

	var grace <-chan time.Time
	if e.config.GracefulStop > 0 {
		timer := time.NewTimer(e.config.GracefulStop)
		defer timer.Stop()
		grace = timer.C
	}

	for {
		select {
		case <-done:
			return
		case <-grace:
			e.logger.WithFields(logrus.Fields{
				"gracefulStop": e.config.GracefulStop,
				"running":      pool.GetRunningVUCount(),
			}).Warn("Graceful stop expired, interrupting iterations")
			hardCut()
			grace = nil
		case <-ticker.C:
			onTick(e.tickInfo(pool, true))
		}
	}
}

func (e *RampingVUs) tickInfo(pool Pool, scheduled bool) TickInfo {
	elapsed := e.elapsed()
	state := e.State()

	phase := e.schedule.PhaseAt(elapsed)
	switch state {
	case StateDraining:
		phase = metrics.PhaseDraining
	case StateCompleted:
		phase = metrics.PhaseDone
	}

	return TickInfo{
		Elapsed:   elapsed,
		Target:    int(e.targetVUs.Load()),
		Active:    pool.GetActiveVUCount(),
		Running:   pool.GetRunningVUCount(),
		Stage:     int(e.stage.Load()),
		Phase:     phase,
		State:     state,
		Scheduled: scheduled,
	}
}

func (e *RampingVUs) elapsed() time.Duration {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.startTime.IsZero() {
		return 0
	}
	if !e.endTime.IsZero() {
		return e.endTime.Sub(e.startTime)
	}
	return time.Since(e.startTime)
}

// GetProgress returns current progress (0.0 to 1.0).
func (e *RampingVUs) GetProgress() float64 {
	switch e.State() {
	case StateIdle:
		return 0.0
	case StateCompleted:
		return 1.0
	}

	total := e.schedule.TotalDuration()
	progress := float64(e.elapsed()) / float64(total)
	if progress > 1.0 {
		progress = 1.0
	}
	return progress
}

// GetStats returns executor statistics.
func (e *RampingVUs) GetStats() *Stats {
	e.mu.RLock()
	start := e.startTime
	e.mu.RUnlock()

	return &Stats{
		StartTime:     start,
		Elapsed:       e.elapsed(),
		TotalDuration: e.schedule.TotalDuration(),
		ActiveVUs:     int(e.activeVUs.Load()),
		TargetVUs:     int(e.targetVUs.Load()),
		CurrentStage:  int(e.stage.Load()),
		TotalStages:   len(e.config.Stages),
		State:         e.State().String(),
	}
}
