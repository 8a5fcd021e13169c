package executor

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/wesleyorama2/rampart/internal/loadtest"
	"github.com/wesleyorama2/rampart/internal/loadtest/metrics"
)

// fakePool applies targets instantly and never has in-flight iterations.
type fakePool struct {
	mu      sync.Mutex
	active  int
	targets []int
	stopped bool
}

func (p *fakePool) ScaleVUs(_ context.Context, target int) (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.targets = append(p.targets, target)
	spawned, retired := 0, 0
	if target > p.active {
		spawned = target - p.active
	} else {
		retired = p.active - target
	}
	p.active = target
	return spawned, retired
}

func (p *fakePool) StopAllVUs() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.active = 0
	p.stopped = true
}

func (p *fakePool) GetActiveVUCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

func (p *fakePool) GetRunningVUCount() int { return p.GetActiveVUCount() }

func (p *fakePool) Wait() {}

func newTestExecutor(t *testing.T, cfg Config) *RampingVUs {
	t.Helper()
	logger, _ := logtest.NewNullLogger()
	e, err := NewRampingVUs(cfg, logger)
	require.NoError(t, err)
	return e
}

func TestNewRampingVUs_Validation(t *testing.T) {
	_, err := NewRampingVUs(Config{}, nil)
	assert.Error(t, err)

	_, err = NewRampingVUs(Config{Stages: []Stage{{Duration: time.Second, Target: 1}}, Tick: -1}, nil)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "tick", verr.Field)
	assert.Equal(t, "tick must be >= 0 (0 uses the default)", verr.Message)

	_, err = NewRampingVUs(Config{Stages: []Stage{{Duration: time.Second, Target: 1}}, GracefulStop: -1}, nil)
	assert.Error(t, err)

	e, err := NewRampingVUs(Config{Stages: []Stage{{Duration: time.Second, Target: 1}}}, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultTick, e.config.Tick)
	assert.Equal(t, StateIdle, e.State())
	assert.Equal(t, 0.0, e.GetProgress())
}

func TestRampingVUs_ReconcilesToTarget(t *testing.T) {
	defer goleak.VerifyNone(t)

	e := newTestExecutor(t, Config{
		Stages: []Stage{
			{Duration: 100 * time.Millisecond, Target: 10},
			{Duration: 100 * time.Millisecond, Target: 10},
			{Duration: 100 * time.Millisecond, Target: 0},
		},
		Tick: 5 * time.Millisecond,
	})
	pool := &fakePool{}

	var mu sync.Mutex
	var ticks []TickInfo
	err := e.Run(context.Background(), pool, func(info TickInfo) bool {
		mu.Lock()
		ticks = append(ticks, info)
		mu.Unlock()
		return false
	})
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, e.State())
	assert.False(t, e.Aborted())
	assert.True(t, pool.stopped)
	assert.Equal(t, 1.0, e.GetProgress())

	require.NotEmpty(t, pool.targets)
	assert.Equal(t, 0, pool.targets[0], "first tick at t=0 targets 0")
	assert.Contains(t, pool.targets, 10)
	for _, target := range pool.targets {
		assert.GreaterOrEqual(t, target, 0)
		assert.LessOrEqual(t, target, 10)
	}

	last := ticks[len(ticks)-1]
	assert.Equal(t, StateCompleted, last.State)
	assert.Equal(t, metrics.PhaseDone, last.Phase)
	assert.False(t, last.Scheduled)
	assert.GreaterOrEqual(t, last.Elapsed, 300*time.Millisecond)

	var sawSteady bool
	for _, tick := range ticks {
		if tick.Phase == metrics.PhaseSteady {
			sawSteady = true
			assert.Equal(t, 10, tick.Target)
		}
	}
	assert.True(t, sawSteady)

	assert.ErrorIs(t, e.Run(context.Background(), pool, nil), ErrAlreadyStarted)
}

func TestRampingVUs_AbortFromTick(t *testing.T) {
	defer goleak.VerifyNone(t)

	e := newTestExecutor(t, Config{
		Stages: []Stage{{Duration: time.Hour, Target: 5}},
		Tick:   5 * time.Millisecond,
	})
	pool := &fakePool{}

	var n atomic.Int32
	start := time.Now()
	require.NoError(t, e.Run(context.Background(), pool, func(info TickInfo) bool {
		return info.State == StateRunning && n.Add(1) >= 3
	}))

	assert.True(t, e.Aborted())
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, StateCompleted, e.State())
}

func TestRampingVUs_ContextCancelDrains(t *testing.T) {
	defer goleak.VerifyNone(t)

	e := newTestExecutor(t, Config{
		Stages: []Stage{{Duration: time.Hour, Target: 5}},
		Tick:   5 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	require.NoError(t, e.Run(ctx, &fakePool{}, nil))
	assert.Equal(t, StateCompleted, e.State())
	assert.False(t, e.Aborted())
}

func newRealPool(fn loadtest.IterationFunc, emitter loadtest.Emitter) *loadtest.VUScheduler {
	logger, _ := logtest.NewNullLogger()
	return loadtest.NewVUScheduler(fn, emitter, loadtest.DefaultVUOptions(), logger)
}

func TestRampingVUs_HoldsTargetThroughFlatStage(t *testing.T) {
	defer goleak.VerifyNone(t)

	// Scaled-down {30s,50},{1m,50}
	e := newTestExecutor(t, Config{
		Stages: []Stage{
			{Duration: 150 * time.Millisecond, Target: 5},
			{Duration: 300 * time.Millisecond, Target: 5},
		},
		Tick: 10 * time.Millisecond,
	})

	pool := newRealPool(func(ctx context.Context, it *loadtest.Iteration) error {
		return it.Sleep(ctx, 2*time.Millisecond)
	}, loadtest.EmitterFunc(func([]metrics.Sample) {}))

	var mu sync.Mutex
	var held []int
	require.NoError(t, e.Run(context.Background(), pool, func(info TickInfo) bool {
		// one tick of slack on either side of the flat region
		if info.State == StateRunning && info.Elapsed >= 160*time.Millisecond && info.Elapsed < 440*time.Millisecond {
			mu.Lock()
			held = append(held, info.Active)
			mu.Unlock()
		}
		return false
	}))

	require.NotEmpty(t, held)
	for _, active := range held {
		assert.Equal(t, 5, active)
	}
	assert.Equal(t, 0, pool.GetRunningVUCount())
}

func TestRampingVUs_GracefulDrainFinishesIterations(t *testing.T) {
	defer goleak.VerifyNone(t)

	var completed, interrupted atomic.Int64
	emitter := loadtest.EmitterFunc(func(samples []metrics.Sample) {
		for _, s := range samples {
			switch s.Metric {
			case metrics.Iterations:
				completed.Add(1)
			case metrics.IterationsInterrupted:
				interrupted.Add(1)
			}
		}
	})

	e := newTestExecutor(t, Config{
		Stages: []Stage{{Duration: 30 * time.Millisecond, Target: 3}},
		Tick:   5 * time.Millisecond,
	})
	pool := newRealPool(func(ctx context.Context, it *loadtest.Iteration) error {
		return it.Sleep(ctx, 80*time.Millisecond)
	}, emitter)

	require.NoError(t, e.Run(context.Background(), pool, nil))

	assert.Zero(t, interrupted.Load())
	assert.GreaterOrEqual(t, completed.Load(), int64(1))
	assert.Equal(t, 0, pool.GetRunningVUCount())
}

func TestRampingVUs_HardCutoffInterruptsIterations(t *testing.T) {
	defer goleak.VerifyNone(t)

	var checks, interrupted atomic.Int64
	emitter := loadtest.EmitterFunc(func(samples []metrics.Sample) {
		for _, s := range samples {
			switch s.Metric {
			case metrics.Checks:
				checks.Add(1)
			case metrics.IterationsInterrupted:
				interrupted.Add(1)
			}
		}
	})

	e := newTestExecutor(t, Config{
		Stages:       []Stage{{Duration: 20 * time.Millisecond, Target: 2}},
		StartVUs:     2,
		Tick:         5 * time.Millisecond,
		GracefulStop: 30 * time.Millisecond,
	})
	pool := newRealPool(func(ctx context.Context, it *loadtest.Iteration) error {
		it.Check("never reported", true)
		<-ctx.Done()
		return ctx.Err()
	}, emitter)

	start := time.Now()
	require.NoError(t, e.Run(context.Background(), pool, nil))

	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, int64(2), interrupted.Load())
	assert.Zero(t, checks.Load(), "interrupted iterations emit no checks")
}

func TestRampingVUs_GetStats(t *testing.T) {
	e := newTestExecutor(t, ConstantVUs(4, 20*time.Millisecond))
	e.config.Tick = 5 * time.Millisecond
	require.NoError(t, e.Run(context.Background(), &fakePool{}, nil))

	stats := e.GetStats()
	assert.Equal(t, "completed", stats.State)
	assert.Equal(t, 1, stats.TotalStages)
	assert.Equal(t, 20*time.Millisecond, stats.TotalDuration)
	assert.False(t, stats.StartTime.IsZero())
}
