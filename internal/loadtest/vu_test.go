package loadtest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/wesleyorama2/rampart/internal/loadtest/metrics"
)

type collector struct {
	mu      sync.Mutex
	batches [][]metrics.Sample
}

func (c *collector) Emit(samples []metrics.Sample) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches = append(c.batches, samples)
}

func (c *collector) names() [][]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]string, len(c.batches))
	for i, b := range c.batches {
		for _, s := range b {
			out[i] = append(out[i], s.Metric)
		}
	}
	return out
}

func (c *collector) value(batch int, metric string) (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.batches[batch] {
		if s.Metric == metric {
			return s.Value, true
		}
	}
	return 0, false
}

func newTestVU(fn IterationFunc, c *collector, opts VUOptions) *VirtualUser {
	logger, _ := logtest.NewNullLogger()
	return NewVirtualUser(1, fn, c, opts, logger)
}

func TestVUState_String(t *testing.T) {
	tests := []struct {
		state VUState
		want  string
	}{
		{VUStateIdle, "idle"},
		{VUStateRunning, "running"},
		{VUStateStopping, "stopping"},
		{VUStateStopped, "stopped"},
		{VUState(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("VUState(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestRunIteration_AllChecksPass(t *testing.T) {
	c := &collector{}
	vu := newTestVU(func(ctx context.Context, it *Iteration) error {
		it.Check("status is 200", true)
		it.Measure("lookup", 12*time.Millisecond, metrics.Tags{"name": "lookup"})
		it.Check("has location", true)
		return nil
	}, c, DefaultVUOptions())

	out := vu.RunIteration(context.Background())
	require.True(t, out.Passed)
	assert.Equal(t, int64(1), out.Number)
	assert.False(t, out.Interrupted)

	assert.Equal(t, [][]string{{
		metrics.Checks,
		"lookup_duration",
		metrics.Checks,
		metrics.IterationDuration,
		metrics.Iterations,
		metrics.DefaultSuccessMetric,
	}}, c.names())

	v, _ := c.value(0, "lookup_duration")
	assert.InDelta(t, 12.0, v, 1e-9)
	v, _ = c.value(0, metrics.DefaultSuccessMetric)
	assert.Equal(t, 1.0, v)
	assert.Equal(t, VUStateIdle, vu.GetState())
}

func TestRunIteration_FailedCheck(t *testing.T) {
	c := &collector{}
	vu := newTestVU(func(ctx context.Context, it *Iteration) error {
		it.Check("status is 200", true)
		it.Check("has location", false)
		return nil
	}, c, DefaultVUOptions())

	out := vu.RunIteration(context.Background())
	assert.False(t, out.Passed)

	v, ok := c.value(0, metrics.DefaultSuccessMetric)
	require.True(t, ok)
	assert.Equal(t, 0.0, v)
	_, ok = c.value(0, metrics.IterationsFailed)
	assert.True(t, ok)
}

func TestRunIteration_SuccessModes(t *testing.T) {
	fn := func(ctx context.Context, it *Iteration) error {
		it.Check("a", false)
		it.Check("b", true)
		return nil
	}

	tests := []struct {
		mode       SuccessMode
		wantSample bool
		wantValue  float64
	}{
		{SuccessAll, true, 0},
		{SuccessAny, true, 1},
		{SuccessNone, false, 0},
	}

	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			c := &collector{}
			opts := DefaultVUOptions()
			opts.SuccessMode = tt.mode
			newTestVU(fn, c, opts).RunIteration(context.Background())

			v, ok := c.value(0, metrics.DefaultSuccessMetric)
			assert.Equal(t, tt.wantSample, ok)
			assert.Equal(t, tt.wantValue, v)
		})
	}
}

func TestRunIteration_ErrorIsFailedIteration(t *testing.T) {
	c := &collector{}
	boom := errors.New("boom")
	vu := newTestVU(func(ctx context.Context, it *Iteration) error {
		it.Check("status is 200", true)
		return boom
	}, c, DefaultVUOptions())

	out := vu.RunIteration(context.Background())
	assert.False(t, out.Passed)
	assert.ErrorIs(t, out.Err, boom)

	v, _ := c.value(0, metrics.DefaultSuccessMetric)
	assert.Equal(t, 0.0, v)
	// Checks recorded before the error are still emitted
	_, ok := c.value(0, metrics.Checks)
	assert.True(t, ok)
}

func TestRunIteration_PanicIsRecovered(t *testing.T) {
	c := &collector{}
	vu := newTestVU(func(ctx context.Context, it *Iteration) error {
		panic("kaboom")
	}, c, DefaultVUOptions())

	out := vu.RunIteration(context.Background())
	require.Error(t, out.Err)
	assert.Contains(t, out.Err.Error(), "kaboom")
	assert.False(t, out.Passed)
}

func TestRunIteration_InterruptedEmitsNoChecks(t *testing.T) {
	c := &collector{}
	ctx, cancel := context.WithCancel(context.Background())

	vu := newTestVU(func(ctx context.Context, it *Iteration) error {
		it.Check("before cut", true)
		cancel()
		<-ctx.Done()
		it.Check("after cut", false)
		return ctx.Err()
	}, c, DefaultVUOptions())

	out := vu.RunIteration(ctx)
	assert.True(t, out.Interrupted)
	assert.Equal(t, [][]string{{metrics.IterationsInterrupted}}, c.names())
}

func TestRun_StopCompletesInFlightIteration(t *testing.T) {
	defer goleak.VerifyNone(t)

	c := &collector{}
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once

	vu := newTestVU(func(ctx context.Context, it *Iteration) error {
		once.Do(func() { close(started) })
		<-release
		it.Check("finished", true)
		return nil
	}, c, DefaultVUOptions())

	go vu.Run(context.Background())
	<-started

	assert.True(t, vu.RequestStop())
	assert.False(t, vu.RequestStop(), "second stop is a no-op")
	assert.Equal(t, VUStateStopping, vu.GetState())
	close(release)

	require.True(t, vu.WaitForStop(time.Second))
	assert.Equal(t, VUStateStopped, vu.GetState())
	assert.Equal(t, int64(1), vu.GetIteration())

	names := c.names()
	require.Len(t, names, 1)
	assert.Contains(t, names[0], metrics.Checks)
	assert.NotContains(t, names[0], metrics.IterationsInterrupted)
}

func TestRequestStop_ConcurrentWithIterations(t *testing.T) {
	defer goleak.VerifyNone(t)

	for i := 0; i < 500; i++ {
		vu := NewVirtualUser(i, func(context.Context, *Iteration) error { return nil },
			EmitterFunc(func([]metrics.Sample) {}), DefaultVUOptions(), nil)
		go vu.Run(context.Background())

		var initiated atomic.Int32
		var wg sync.WaitGroup
		for j := 0; j < 4; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if vu.RequestStop() {
					initiated.Add(1)
				}
			}()
		}
		wg.Wait()

		require.True(t, vu.WaitForStop(5*time.Second), "vu %d missed its stop", i)
		assert.Equal(t, int32(1), initiated.Load())
		assert.Equal(t, VUStateStopped, vu.GetState())
	}
}

func TestRun_Pacing(t *testing.T) {
	defer goleak.VerifyNone(t)

	c := &collector{}
	opts := DefaultVUOptions()
	opts.Pacing = &PacingConfig{Type: PacingConstant, Duration: 20 * time.Millisecond}

	vu := newTestVU(func(ctx context.Context, it *Iteration) error { return nil }, c, opts)

	ctx, cancel := context.WithTimeout(context.Background(), 110*time.Millisecond)
	defer cancel()
	vu.Run(ctx)

	// Roughly one iteration per 20ms
	iterations := vu.GetIteration()
	assert.GreaterOrEqual(t, iterations, int64(3))
	assert.LessOrEqual(t, iterations, int64(7))
}

func TestPacingConfig_Wait(t *testing.T) {
	var nilPacing *PacingConfig
	assert.Zero(t, nilPacing.Wait())
	assert.Zero(t, (&PacingConfig{Type: PacingNone, Duration: time.Second}).Wait())
	assert.Equal(t, time.Second, (&PacingConfig{Type: PacingConstant, Duration: time.Second}).Wait())
	assert.Equal(t, time.Second, (&PacingConfig{Type: PacingRandom, Min: time.Second, Max: time.Second}).Wait())

	random := &PacingConfig{Type: PacingRandom, Min: 10 * time.Millisecond, Max: 20 * time.Millisecond}
	for i := 0; i < 100; i++ {
		w := random.Wait()
		assert.GreaterOrEqual(t, w, 10*time.Millisecond)
		assert.Less(t, w, 20*time.Millisecond)
	}
}

func TestIteration_Passed(t *testing.T) {
	it := NewIteration(3, 7)
	assert.True(t, it.Passed(SuccessAll), "no checks passes")
	assert.True(t, it.Passed(SuccessAny))

	it.Check("a", true)
	it.Check("b", false)
	assert.False(t, it.Passed(SuccessAll))
	assert.True(t, it.Passed(SuccessAny))
	assert.Equal(t, []CheckResult{{"a", true}, {"b", false}}, it.Checks())
	assert.Equal(t, 3, it.VU)
	assert.Equal(t, int64(7), it.Number)
}

func TestIteration_Sleep(t *testing.T) {
	it := NewIteration(1, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, it.Sleep(ctx, time.Hour), context.Canceled)
	assert.NoError(t, it.Sleep(context.Background(), time.Millisecond))
	assert.NoError(t, it.Sleep(ctx, 0))
}

func TestParseSuccessMode(t *testing.T) {
	for in, want := range map[string]SuccessMode{"": SuccessAll, "ALL": SuccessAll, "any": SuccessAny, " none ": SuccessNone} {
		got, err := ParseSuccessMode(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	_, err := ParseSuccessMode("most")
	assert.Error(t, err)
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestIsTimeout(t *testing.T) {
	assert.False(t, IsTimeout(nil))
	assert.False(t, IsTimeout(errors.New("refused")))
	assert.True(t, IsTimeout(fmt.Errorf("get: %w", ErrRequestTimeout)))
	assert.True(t, IsTimeout(context.DeadlineExceeded))
	assert.True(t, IsTimeout(fmt.Errorf("dial: %w", timeoutErr{})))

	err := &IterationError{VU: 2, Iteration: 5, Err: ErrRequestTimeout}
	assert.True(t, IsTimeout(err))
	assert.Equal(t, "vu 2 iteration 5: request timed out", err.Error())
}
