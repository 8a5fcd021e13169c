package metrics

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// trendScale converts trend values (milliseconds for durations) into the
// integer domain of the HDR histogram, giving microsecond resolution.
//
// Approximate percentiles therefore resolve to 0.001 units, and magnitudes
// above HistogramMax/trendScale saturate (the result is still clamped to the
// observed min and max). Negative values are kept in a mirrored histogram.
const trendScale = 1000.0

// View is a point-in-time read of a metric series.
//
// Fields that do not apply to the series kind are left at zero.
type View struct {
	Name string `json:"name"`
	Kind Kind   `json:"kind"`
	Tags string `json:"tags,omitempty"`

	// TagSet is the tag map behind Tags, for tagged and submetric views.
	TagSet Tags `json:"-"`

	// Count is the number of samples recorded.
	Count int64 `json:"count"`

	// Value is the counter sum.
	Value float64 `json:"value,omitempty"`

	// Trues and Rate describe a rate series.
	Trues int64   `json:"trues,omitempty"`
	Rate  float64 `json:"rate,omitempty"`

	// Trend statistics, in the metric's native unit.
	Min float64 `json:"min,omitempty"`
	Max float64 `json:"max,omitempty"`
	Avg float64 `json:"avg,omitempty"`
	Med float64 `json:"med,omitempty"`
	P90 float64 `json:"p90,omitempty"`
	P95 float64 `json:"p95,omitempty"`
	P99 float64 `json:"p99,omitempty"`

	// Approximate is set once a trend exceeded its exact sample ceiling.
	Approximate bool `json:"approximate,omitempty"`

	// First is the time of the first sample.
	First time.Time `json:"first,omitempty"`

	quantile func(pct float64) float64
}

// IsEmpty reports whether the series had no samples at snapshot time.
func (v View) IsEmpty() bool { return v.Count == 0 }

// Percentile returns the pct-th percentile (0..100) of a trend view.
// It returns 0 for empty or non-trend views.
func (v View) Percentile(pct float64) float64 {
	if v.quantile == nil || v.Count == 0 {
		return 0
	}
	return v.quantile(pct)
}

// PerSecond returns the counter value divided by the given elapsed time.
func (v View) PerSecond(elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return 0
	}
	return v.Value / elapsed.Seconds()
}

type series interface {
	add(s Sample)
	view() View
}

func newSeries(kind Kind, cfg StoreConfig, onOverflow func()) series {
	switch kind {
	case Counter:
		return &counterSeries{}
	case Rate:
		return &rateSeries{}
	default:
		return newTrendSeries(cfg, onOverflow)
	}
}

type counterSeries struct {
	mu    sync.Mutex
	sum   float64
	count int64
	first time.Time
}

func (c *counterSeries) add(s Sample) {
	c.mu.Lock()
	c.sum += s.Value
	c.count++
	if c.first.IsZero() {
		c.first = s.Time
	}
	c.mu.Unlock()
}

func (c *counterSeries) view() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return View{Kind: Counter, Count: c.count, Value: c.sum, First: c.first}
}

// rateSeries is updated with atomics only. total is always incremented
// before trues and read after it, so a view never shows trues > total.
type rateSeries struct {
	total atomic.Int64
	trues atomic.Int64
}

func (r *rateSeries) add(s Sample) {
	r.total.Add(1)
	if s.Value != 0 {
		r.trues.Add(1)
	}
}

func (r *rateSeries) view() View {
	trues := r.trues.Load()
	total := r.total.Load()

	v := View{Kind: Rate, Count: total, Trues: trues}
	if total > 0 {
		v.Rate = float64(trues) / float64(total)
	}
	return v
}

// trendSeries keeps every value while below the exact ceiling, then folds
// them into an HDR histogram and records approximately from then on.
type trendSeries struct {
	mu sync.Mutex

	ceiling int
	values  []float64
	sorted  bool

	hist    *hdrhistogram.Histogram
	negHist *hdrhistogram.Histogram
	histMin int64
	histMax int64
	sigFigs int

	count int64
	sum   float64
	min   float64
	max   float64

	onOverflow func()
}

func newTrendSeries(cfg StoreConfig, onOverflow func()) *trendSeries {
	return &trendSeries{
		ceiling:    cfg.ExactSampleCeiling,
		values:     make([]float64, 0, 64),
		histMin:    cfg.HistogramMin,
		histMax:    cfg.HistogramMax,
		sigFigs:    cfg.HistogramSigFigs,
		onOverflow: onOverflow,
	}
}

func (t *trendSeries) add(s Sample) {
	overflowed := false

	t.mu.Lock()
	v := s.Value
	if t.count == 0 || v < t.min {
		t.min = v
	}
	if t.count == 0 || v > t.max {
		t.max = v
	}
	t.count++
	t.sum += v

	if t.hist != nil {
		t.record(v)
	} else {
		t.values = append(t.values, v)
		t.sorted = false
		if t.ceiling > 0 && len(t.values) > t.ceiling {
			t.degrade()
			overflowed = true
		}
	}
	t.mu.Unlock()

	if overflowed && t.onOverflow != nil {
		t.onOverflow()
	}
}

// degrade moves the exact values into a histogram. Caller holds mu.
func (t *trendSeries) degrade() {
	t.hist = hdrhistogram.New(t.histMin, t.histMax, t.sigFigs)
	t.negHist = hdrhistogram.New(t.histMin, t.histMax, t.sigFigs)
	for _, v := range t.values {
		t.record(v)
	}
	t.values = nil
}

// record adds one value to the histogram, clamped to its trackable range.
// Caller holds mu.
func (t *trendSeries) record(v float64) {
	h := t.hist
	if v < 0 {
		h = t.negHist
	}
	scaled := int64(math.Round(math.Abs(v) * trendScale))
	if scaled > t.histMax {
		scaled = t.histMax
	}
	_ = h.RecordValue(scaled)
}

// histQuantile reads pct from the pair of positive and mirrored negative
// histograms as if they were one distribution.
func histQuantile(pos, neg *hdrhistogram.Histogram, pct float64) float64 {
	negCount := neg.TotalCount()
	total := negCount + pos.TotalCount()
	if total == 0 {
		return 0
	}

	rank := int64(math.Ceil(pct / 100 * float64(total)))
	if rank < 1 {
		rank = 1
	}
	if rank <= negCount {
		// the most negative value has the largest magnitude
		q := float64(negCount-rank+1) / float64(negCount) * 100
		return -float64(neg.ValueAtQuantile(q)) / trendScale
	}
	q := float64(rank-negCount) / float64(total-negCount) * 100
	return float64(pos.ValueAtQuantile(q)) / trendScale
}

func (t *trendSeries) view() View {
	t.mu.Lock()
	defer t.mu.Unlock()

	v := View{Kind: Trend, Count: t.count}
	if t.count == 0 {
		return v
	}

	v.Min = t.min
	v.Max = t.max
	v.Avg = t.sum / float64(t.count)

	if t.hist != nil {
		pos := hdrhistogram.Import(t.hist.Export())
		neg := hdrhistogram.Import(t.negHist.Export())
		lo, hi := t.min, t.max
		v.Approximate = true
		v.quantile = func(pct float64) float64 {
			return math.Min(math.Max(histQuantile(pos, neg, pct), lo), hi)
		}
	} else {
		if !t.sorted {
			sort.Float64s(t.values)
			t.sorted = true
		}
		frozen := make([]float64, len(t.values))
		copy(frozen, t.values)
		v.quantile = func(pct float64) float64 {
			return nearestRank(frozen, pct)
		}
	}

	v.Med = v.quantile(50)
	v.P90 = v.quantile(90)
	v.P95 = v.quantile(95)
	v.P99 = v.quantile(99)
	return v
}

// nearestRank returns the smallest value such that at least pct percent of
// the sorted values are less than or equal to it.
func nearestRank(sorted []float64, pct float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if pct <= 0 {
		return sorted[0]
	}
	if pct >= 100 {
		return sorted[n-1]
	}

	rank := int(math.Ceil(pct*float64(n)/100 - 1e-9))
	if rank < 1 {
		rank = 1
	}
	if rank > n {
		rank = n
	}
	return sorted[rank-1]
}
