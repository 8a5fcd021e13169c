// Package engine runs a staged load test from start to verdict.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/wesleyorama2/rampart/internal/loadtest"
	"github.com/wesleyorama2/rampart/internal/loadtest/config"
	"github.com/wesleyorama2/rampart/internal/loadtest/executor"
	"github.com/wesleyorama2/rampart/internal/loadtest/metrics"
	"github.com/wesleyorama2/rampart/internal/loadtest/threshold"
)

// DefaultBucketInterval is the width of one time bucket.
const DefaultBucketInterval = time.Second

const sampleBuffer = 1024

// ErrAlreadyRunning is returned by Run on an engine that has been started.
var ErrAlreadyRunning = errors.New("engine is already running")

// Config is everything the engine needs besides the iteration function.
type Config struct {
	Name        string
	Description string

	Executor          executor.Config
	Thresholds        []threshold.Definition
	AllowUndetermined bool

	VU    loadtest.VUOptions
	Store metrics.StoreConfig

	// Metrics declares custom metrics the iteration function emits.
	Metrics map[string]metrics.Kind

	// BucketInterval defaults to DefaultBucketInterval.
	BucketInterval time.Duration
}

// FromProfile converts a prepared profile into an engine config.
func FromProfile(p *config.TestConfig) (Config, error) {
	exec, err := p.ExecutorConfig()
	if err != nil {
		return Config{}, &config.ConfigError{Err: err}
	}
	vu, err := p.VUOptions()
	if err != nil {
		return Config{}, &config.ConfigError{Err: err}
	}
	kinds, err := p.CustomMetrics()
	if err != nil {
		return Config{}, &config.ConfigError{Err: err}
	}

	return Config{
		Name:              p.Name,
		Description:       p.Description,
		Executor:          exec,
		Thresholds:        p.ThresholdDefinitions(),
		AllowUndetermined: p.Options.AllowUndetermined,
		VU:                vu,
		Store:             p.StoreConfig(),
		Metrics:           kinds,
	}, nil
}

// Option customizes an Engine.
type Option func(*Engine)

// WithLogger sets the logger. The default is the logrus standard logger.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithOutputs adds outputs that receive samples and the result.
func WithOutputs(outputs ...Output) Option {
	return func(e *Engine) { e.outputs = append(e.outputs, outputs...) }
}

// WithRegistrar adds a hook that registers extra metrics on the store
// before the run starts, such as the HTTP workload's request metrics.
func WithRegistrar(fn func(*metrics.Store) error) Option {
	return func(e *Engine) { e.registrars = append(e.registrars, fn) }
}

// Engine is the test controller.
//
// It coordinates:
//   - Metric registration and threshold binding before start
//   - The ramping-VU executor and its VU pool
//   - Tick-time threshold evaluation and abort
//   - Fan-out of samples to outputs and the final verdict
//
// Example usage:
//
//	cfg, _ := engine.FromProfile(profile)
//	eng, _ := engine.New(cfg, workload.Iterate)
//	result, _ := eng.Run(context.Background())
//	fmt.Printf("Test passed: %v\n", result.Passed)
type Engine struct {
	cfg        Config
	fn         loadtest.IterationFunc
	logger     logrus.FieldLogger
	outputs    []Output
	registrars []func(*metrics.Store) error

	running atomic.Bool
}

// New validates cfg and creates an engine. Configuration problems are
// returned as *config.ConfigError.
func New(cfg Config, fn loadtest.IterationFunc, opts ...Option) (*Engine, error) {
	if fn == nil {
		return nil, &config.ConfigError{Err: errors.New("no iteration function")}
	}
	if err := cfg.Executor.Validate(); err != nil {
		return nil, &config.ConfigError{Err: err}
	}
	if cfg.BucketInterval <= 0 {
		cfg.BucketInterval = DefaultBucketInterval
	}
	if cfg.VU.SuccessMode == "" {
		cfg.VU.SuccessMode = loadtest.SuccessAll
	}

	e := &Engine{cfg: cfg, fn: fn}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = logrus.StandardLogger()
	}
	e.logger = e.logger.WithField("component", "engine")
	return e, nil
}

// Run executes the test and returns its result. The error is non-nil only
// for problems found before the first VU starts, such as an unbindable
// threshold or an output that cannot open, returned as *config.ConfigError.
// Cancelling ctx drains the run early; the result is still produced.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	if !e.running.CompareAndSwap(false, true) {
		return nil, ErrAlreadyRunning
	}
	defer e.running.Store(false)

	store, evaluator, err := e.bind()
	if err != nil {
		return nil, err
	}

	exec, err := executor.NewRampingVUs(e.cfg.Executor, e.logger)
	if err != nil {
		return nil, &config.ConfigError{Err: err}
	}

	return e.newRun(store, evaluator, exec).execute(ctx)
}

func (e *Engine) newRun(store *metrics.Store, evaluator *threshold.Evaluator, exec *executor.RampingVUs) *run {
	return &run{
		engine:    e,
		id:        uuid.NewString(),
		store:     store,
		evaluator: evaluator,
		exec:      exec,
		buckets:   metrics.NewTimeBucketStore(bucketCapacity(exec.Schedule().TotalDuration(), e.cfg.BucketInterval)),
		phases:    metrics.NewPhaseTracker(),
		dispatch:  newDispatcher(e.outputs, sampleBuffer),
		logger:    e.logger,
	}
}

// Validate registers the metrics and binds the thresholds without
// running, reporting what Run would reject before start.
func (e *Engine) Validate() error {
	_, _, err := e.bind()
	return err
}

func (e *Engine) bind() (*metrics.Store, *threshold.Evaluator, error) {
	store := metrics.NewStoreWithConfig(e.cfg.Store, e.logger)
	if err := e.registerMetrics(store); err != nil {
		return nil, nil, &config.ConfigError{Err: err}
	}

	evaluator, err := threshold.NewEvaluator(store, e.cfg.Thresholds, e.cfg.AllowUndetermined, e.logger)
	if err != nil {
		return nil, nil, &config.ConfigError{Err: fmt.Errorf("thresholds: %w", err)}
	}
	return store, evaluator, nil
}

// IsRunning reports whether Run is in progress.
func (e *Engine) IsRunning() bool {
	return e.running.Load()
}

func (e *Engine) registerMetrics(store *metrics.Store) error {
	success := e.cfg.VU.SuccessMetric
	if e.cfg.VU.SuccessMode == loadtest.SuccessNone {
		success = ""
	}
	if err := metrics.RegisterBuiltins(store, success); err != nil {
		return err
	}
	for _, fn := range e.registrars {
		if err := fn(store); err != nil {
			return err
		}
	}
	for name, kind := range e.cfg.Metrics {
		if err := store.Register(name, kind); err != nil {
			return fmt.Errorf("metric %q: %w", name, err)
		}
	}
	return nil
}

func bucketCapacity(total, interval time.Duration) int {
	// room for the drain and the final bucket
	return int(total/interval) + 60
}

// run holds the state of one execution.
type run struct {
	engine    *Engine
	id        string
	store     *metrics.Store
	evaluator *threshold.Evaluator
	exec      *executor.RampingVUs
	buckets   *metrics.TimeBucketStore
	phases    *metrics.PhaseTracker
	dispatch  *dispatcher
	logger    logrus.FieldLogger

	lastBucket time.Duration
	latest     []threshold.Result

	unknownOnce sync.Map
}

func (r *run) execute(ctx context.Context) (*Result, error) {
	cfg := r.engine.cfg
	schedule := r.exec.Schedule()
	start := time.Now()

	info := RunInfo{
		RunID:         r.id,
		Name:          cfg.Name,
		Description:   cfg.Description,
		StartTime:     start,
		TotalDuration: schedule.TotalDuration(),
		MaxVUs:        schedule.MaxTarget(),
		Stages:        schedule.Stages(),
		Thresholds:    r.evaluator.Thresholds(),
		Metrics:       make(map[string]metrics.Kind),
	}
	for _, name := range r.store.Names() {
		info.Metrics[name], _ = r.store.Kind(name)
	}
	for i, out := range r.engine.outputs {
		if err := out.Start(info); err != nil {
			r.dispatch.close()
			for _, started := range r.engine.outputs[:i] {
				_ = started.Stop(nil)
			}
			return nil, &config.ConfigError{Source: out.Description(), Err: err}
		}
	}

	r.logger.WithFields(logrus.Fields{
		"runId":      r.id,
		"name":       cfg.Name,
		"duration":   schedule.TotalDuration(),
		"maxVUs":     schedule.MaxTarget(),
		"thresholds": len(info.Thresholds),
	}).Info("Test started")

	pool := loadtest.NewVUScheduler(r.engine.fn, loadtest.EmitterFunc(r.emit), cfg.VU, r.logger)
	if err := r.exec.Run(ctx, pool, r.onTick); err != nil {
		r.logger.WithError(err).Error("Executor failed to run")
		r.dispatch.close()
		for _, out := range r.engine.outputs {
			_ = out.Stop(nil)
		}
		return nil, fmt.Errorf("executor: %w", err)
	}

	end := time.Now()
	elapsed := end.Sub(start)

	results, _ := r.evaluator.Evaluate(elapsed)
	aborted := r.exec.Aborted()
	result := &Result{
		RunID:             r.id,
		Name:              cfg.Name,
		Description:       cfg.Description,
		StartTime:         start,
		EndTime:           end,
		Duration:          elapsed,
		Passed:            r.evaluator.Passed(results) && !aborted,
		Aborted:           aborted,
		Cancelled:         ctx.Err() != nil,
		AllowUndetermined: cfg.AllowUndetermined,
		Thresholds:        results,
		Iterations:        r.counter(metrics.Iterations),
		Failed:            r.counter(metrics.IterationsFailed),
		Interrupted:       r.counter(metrics.IterationsInterrupted),
		Checks:            summarizeChecks(r.store),
		Metrics:           r.store.Views(),
		Submetrics:        r.submetricViews(),
		TimeSeries:        r.buckets.GetBuckets(),
		Phases:            r.phases.History(),
		ApproximateTrends: r.store.Overflows(),
	}

	r.dispatch.close()
	for _, out := range r.engine.outputs {
		if err := out.Stop(result); err != nil {
			r.logger.WithError(err).WithField("output", out.Description()).Error("Output failed to stop")
		}
	}

	r.logResult(result)
	return result, nil
}

// emit is the VUs' Emitter: it records into the store, counts the
// iteration into the current bucket and forwards the recorded samples to
// outputs. Samples of unregistered metrics never reach an output.
func (r *run) emit(samples []metrics.Sample) {
	var iteration, failed bool
	recorded := make([]metrics.Sample, 0, len(samples))
	for _, s := range samples {
		if err := r.store.Record(s); err != nil {
			if _, seen := r.unknownOnce.LoadOrStore(s.Metric, struct{}{}); !seen {
				r.logger.WithError(err).WithField("metric", s.Metric).Warn("Dropping samples of unregistered metric")
			}
			continue
		}
		recorded = append(recorded, s)
		switch s.Metric {
		case metrics.Iterations:
			iteration = true
		case metrics.IterationsFailed:
			failed = true
		}
	}
	if iteration {
		r.buckets.RecordIteration(failed)
	}
	if len(recorded) > 0 {
		r.dispatch.send(recorded)
	}
}

// onTick runs on the controller goroutine for every tick.
func (r *run) onTick(tick executor.TickInfo) bool {
	now := time.Now()
	vus := []metrics.Sample{
		{Metric: metrics.VUs, Value: float64(tick.Running), Time: now},
		{Metric: metrics.VUsTarget, Value: float64(tick.Target), Time: now},
	}
	_ = r.store.RecordAll(vus)
	r.dispatch.send(vus)

	if r.phases.Set(tick.Phase, r.counter(metrics.Iterations)) {
		r.logger.WithFields(logrus.Fields{
			"phase":   tick.Phase,
			"elapsed": tick.Elapsed,
		}).Info("Phase changed")
	}

	var abort bool
	if tick.State == executor.StateRunning {
		r.latest, abort = r.evaluator.Evaluate(tick.Elapsed)
	}

	if tick.Elapsed-r.lastBucket >= r.engine.cfg.BucketInterval || !tick.Scheduled {
		r.lastBucket = tick.Elapsed
		r.closeBucket(tick)
	}
	return abort
}

func (r *run) closeBucket(tick executor.TickInfo) {
	p95 := 0.0
	if v, ok := r.store.Snapshot(metrics.IterationDuration); ok {
		p95 = v.P95
	}
	iterations := r.counter(metrics.Iterations)
	failures := r.counter(metrics.IterationsFailed)

	bucket := r.buckets.CreateBucket(tick.Elapsed, iterations, failures, p95, tick.Running, tick.Target, tick.Phase)

	progress := Progress{
		Elapsed:    tick.Elapsed,
		Total:      r.exec.Schedule().TotalDuration(),
		State:      tick.State,
		Stage:      tick.Stage,
		Stages:     len(r.exec.Schedule().Stages()),
		Target:     tick.Target,
		Running:    tick.Running,
		Iterations: iterations,
		Failures:   failures,
		Bucket:     bucket,
		Thresholds: r.latest,
	}
	for _, out := range r.engine.outputs {
		if po, ok := out.(ProgressOutput); ok {
			po.Progress(progress)
		}
	}
}

func (r *run) counter(name string) int64 {
	v, _ := r.store.Snapshot(name)
	return int64(v.Value)
}

func (r *run) submetricViews() []metrics.View {
	var views []metrics.View
	seen := make(map[string]bool)
	for _, th := range r.evaluator.Thresholds() {
		if seen[th.Metric] {
			continue
		}
		seen[th.Metric] = true
		if v, ok := r.store.Snapshot(th.Metric); ok && len(v.TagSet) > 0 {
			views = append(views, v)
		}
	}
	return views
}

func (r *run) logResult(result *Result) {
	for _, t := range result.Thresholds {
		entry := r.logger.WithFields(logrus.Fields{
			"metric":    t.Metric,
			"threshold": t.Expression,
			"value":     t.Value,
			"verdict":   t.Verdict,
		})
		switch t.Verdict {
		case threshold.Fail:
			entry.Warn("Threshold failed")
		case threshold.Undetermined:
			entry.Warn("Threshold undetermined, no samples")
		default:
			entry.Debug("Threshold passed")
		}
	}

	r.logger.WithFields(logrus.Fields{
		"runId":       result.RunID,
		"passed":      result.Passed,
		"aborted":     result.Aborted,
		"cancelled":   result.Cancelled,
		"iterations":  result.Iterations,
		"failed":      result.Failed,
		"interrupted": result.Interrupted,
		"duration":    result.Duration,
	}).Info("Test completed")
}
