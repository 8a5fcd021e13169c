package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// TimeBucket is a per-interval summary of iteration activity.
type TimeBucket struct {
	// Timestamp when this bucket was created
	Timestamp time.Time `json:"timestamp"`

	// Elapsed is the run time at bucket creation
	Elapsed time.Duration `json:"elapsed"`

	// Cumulative counters (total since test start)
	TotalIterations int64 `json:"totalIterations"`
	TotalFailures   int64 `json:"totalFailures"`

	// Interval metrics (for this bucket only)
	IntervalIterations  int64   `json:"intervalIterations"`
	IntervalRate        float64 `json:"intervalRate"`
	IntervalFailureRate float64 `json:"intervalFailureRate"`

	// IterationP95 is the p95 iteration duration in milliseconds at this point
	IterationP95 float64 `json:"iterationP95"`

	// Active state
	ActiveVUs int   `json:"activeVUs"`
	TargetVUs int   `json:"targetVUs"`
	Phase     Phase `json:"phase"`
}

// TimeBucketStore stores time-bucketed iteration metrics in a ring buffer.
//
// Iterations are counted into the current interval with atomics; a
// background emitter calls CreateBucket once per interval to close it.
type TimeBucketStore struct {
	buckets    []*TimeBucket
	head       int // Next write position
	count      int // Current number of buckets
	maxBuckets int
	mu         sync.RWMutex

	lastBucketTime time.Time

	// Current interval accumulator
	currentIterations atomic.Int64
	currentFailures   atomic.Int64
}

// NewTimeBucketStore creates a new time bucket store.
//
// For a 1-hour test with 1-second buckets, use maxBuckets=3600.
func NewTimeBucketStore(maxBuckets int) *TimeBucketStore {
	if maxBuckets <= 0 {
		maxBuckets = 3600
	}

	return &TimeBucketStore{
		buckets:        make([]*TimeBucket, maxBuckets),
		maxBuckets:     maxBuckets,
		lastBucketTime: time.Now(),
	}
}

// RecordIteration counts one finished iteration into the current interval.
func (tbs *TimeBucketStore) RecordIteration(failed bool) {
	tbs.currentIterations.Add(1)
	if failed {
		tbs.currentFailures.Add(1)
	}
}

// CreateBucket closes the current interval and appends a bucket.
func (tbs *TimeBucketStore) CreateBucket(
	elapsed time.Duration,
	totalIterations, totalFailures int64,
	iterationP95 float64,
	activeVUs, targetVUs int,
	phase Phase,
) *TimeBucket {
	tbs.mu.Lock()
	defer tbs.mu.Unlock()

	now := time.Now()

	intervalIterations := tbs.currentIterations.Swap(0)
	intervalFailures := tbs.currentFailures.Swap(0)

	intervalDuration := now.Sub(tbs.lastBucketTime).Seconds()
	if intervalDuration <= 0 {
		intervalDuration = 1.0
	}

	failureRate := 0.0
	if intervalIterations > 0 {
		failureRate = float64(intervalFailures) / float64(intervalIterations)
	}

	bucket := &TimeBucket{
		Timestamp:           now,
		Elapsed:             elapsed,
		TotalIterations:     totalIterations,
		TotalFailures:       totalFailures,
		IntervalIterations:  intervalIterations,
		IntervalRate:        float64(intervalIterations) / intervalDuration,
		IntervalFailureRate: failureRate,
		IterationP95:        iterationP95,
		ActiveVUs:           activeVUs,
		TargetVUs:           targetVUs,
		Phase:               phase,
	}

	tbs.buckets[tbs.head] = bucket
	tbs.head = (tbs.head + 1) % tbs.maxBuckets
	if tbs.count < tbs.maxBuckets {
		tbs.count++
	}
	tbs.lastBucketTime = now

	return bucket
}

// GetBuckets returns a copy of all buckets in chronological order.
func (tbs *TimeBucketStore) GetBuckets() []*TimeBucket {
	tbs.mu.RLock()
	defer tbs.mu.RUnlock()

	if tbs.count == 0 {
		return nil
	}

	result := make([]*TimeBucket, tbs.count)
	start := 0
	if tbs.count == tbs.maxBuckets {
		// Buffer is full, oldest bucket sits at head
		start = tbs.head
	}
	for i := 0; i < tbs.count; i++ {
		result[i] = tbs.buckets[(start+i)%tbs.maxBuckets]
	}
	return result
}

// GetBucketsForPhase returns buckets for a specific phase.
func (tbs *TimeBucketStore) GetBucketsForPhase(phase Phase) []*TimeBucket {
	result := make([]*TimeBucket, 0)
	for _, b := range tbs.GetBuckets() {
		if b.Phase == phase {
			result = append(result, b)
		}
	}
	return result
}

// GetLatestBucket returns the most recent bucket, or nil if none.
func (tbs *TimeBucketStore) GetLatestBucket() *TimeBucket {
	tbs.mu.RLock()
	defer tbs.mu.RUnlock()

	if tbs.count == 0 {
		return nil
	}
	idx := (tbs.head - 1 + tbs.maxBuckets) % tbs.maxBuckets
	return tbs.buckets[idx]
}

// Count returns the current number of buckets stored.
func (tbs *TimeBucketStore) Count() int {
	tbs.mu.RLock()
	defer tbs.mu.RUnlock()
	return tbs.count
}

// CalculateSteadyStateRate returns the average iterations per second over
// steady-phase buckets and how many buckets contributed.
func (tbs *TimeBucketStore) CalculateSteadyStateRate() (float64, int) {
	steady := tbs.GetBucketsForPhase(PhaseSteady)
	if len(steady) == 0 {
		return 0, 0
	}

	var sum float64
	for _, b := range steady {
		sum += b.IntervalRate
	}
	return sum / float64(len(steady)), len(steady)
}
