package metrics

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

var (
	// ErrKindConflict is returned when a name is registered twice with different kinds.
	ErrKindConflict = errors.New("metric already registered with a different kind")

	// ErrUnknownMetric is returned for samples or queries naming an unregistered metric.
	ErrUnknownMetric = errors.New("unknown metric")

	// ErrInvalidSubmetric is returned when a submetric selector cannot be parsed.
	ErrInvalidSubmetric = errors.New("invalid submetric selector")
)

// StoreConfig contains configuration for the metric store.
type StoreConfig struct {
	// ExactSampleCeiling is the number of trend samples kept exactly before
	// switching to a histogram (default: 10000). Zero or less keeps every sample.
	ExactSampleCeiling int

	// HistogramMin is the minimum recordable value in microseconds (default: 1)
	HistogramMin int64

	// HistogramMax is the maximum recordable value in microseconds (default: 3600000000 = 1 hour)
	HistogramMax int64

	// HistogramSigFigs is the number of significant figures (default: 3)
	HistogramSigFigs int
}

// DefaultStoreConfig returns the default configuration.
//
// Three significant figures bound the relative error of approximate
// percentiles to 0.1%.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		ExactSampleCeiling: 10000,
		HistogramMin:       1,
		HistogramMax:       3600000000, // 1 hour in microseconds
		HistogramSigFigs:   3,
	}
}

// Store holds every metric series of a test run.
//
// # Thread Safety
//
// Record may be called from any number of goroutines. The registry map is
// only written during registration; recording takes a read lock for the
// lookup and then touches the series' own synchronization.
type Store struct {
	mu      sync.RWMutex
	metrics map[string]*metric

	overflows atomic.Int64

	config StoreConfig
	logger logrus.FieldLogger
}

type metric struct {
	name string
	kind Kind
	root series

	mu     sync.RWMutex
	tagged map[string]*taggedSeries
	subs   []*submetric
}

type taggedSeries struct {
	tags   Tags
	series series
}

type submetric struct {
	name   string
	tags   Tags
	series series
}

// NewStore creates a metric store with the default configuration.
func NewStore(logger logrus.FieldLogger) *Store {
	return NewStoreWithConfig(DefaultStoreConfig(), logger)
}

// NewStoreWithConfig creates a metric store with a custom configuration.
func NewStoreWithConfig(config StoreConfig, logger logrus.FieldLogger) *Store {
	if logger == nil {
		l := logrus.New()
		l.SetLevel(logrus.WarnLevel)
		logger = l
	}
	def := DefaultStoreConfig()
	if config.HistogramMin <= 0 {
		config.HistogramMin = def.HistogramMin
	}
	if config.HistogramMax <= config.HistogramMin {
		config.HistogramMax = def.HistogramMax
	}
	if config.HistogramSigFigs < 1 || config.HistogramSigFigs > 5 {
		config.HistogramSigFigs = def.HistogramSigFigs
	}

	return &Store{
		metrics: make(map[string]*metric),
		config:  config,
		logger:  logger.WithField("component", "metrics"),
	}
}

// Register declares a metric. Registering the same name and kind again is a
// no-op; a different kind returns ErrKindConflict.
func (s *Store) Register(name string, kind Kind) error {
	if name == "" || strings.ContainsAny(name, "{}") {
		return fmt.Errorf("invalid metric name %q", name)
	}
	if _, err := kind.MarshalText(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if m, ok := s.metrics[name]; ok {
		if m.kind != kind {
			return fmt.Errorf("%w: %q is a %s, not a %s", ErrKindConflict, name, m.kind, kind)
		}
		return nil
	}

	s.metrics[name] = &metric{
		name:   name,
		kind:   kind,
		root:   s.newSeries(name, kind),
		tagged: make(map[string]*taggedSeries),
	}
	return nil
}

// AddSubmetric declares a tag-filtered view of a metric, such as
// `checks{check:status is 200}`. Only samples recorded after the call are
// seen by the submetric. The canonical submetric name is returned.
func (s *Store) AddSubmetric(selector string) (string, error) {
	name, tags, err := ParseSubmetric(selector)
	if err != nil {
		return "", err
	}

	s.mu.RLock()
	m, ok := s.metrics[name]
	s.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownMetric, name)
	}
	if len(tags) == 0 {
		return name, nil
	}

	canonical := SubmetricName(name, tags)

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sub := range m.subs {
		if sub.name == canonical {
			return canonical, nil
		}
	}
	m.subs = append(m.subs, &submetric{
		name:   canonical,
		tags:   tags,
		series: s.newSeries(canonical, m.kind),
	})
	return canonical, nil
}

// Kind returns the registered kind of a metric or submetric.
func (s *Store) Kind(name string) (Kind, bool) {
	base, _, err := ParseSubmetric(name)
	if err != nil {
		return 0, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.metrics[base]
	if !ok {
		return 0, false
	}
	return m.kind, true
}

// Record adds a sample to its metric, its tag-set series and every matching
// submetric.
func (s *Store) Record(sample Sample) error {
	s.mu.RLock()
	m, ok := s.metrics[sample.Metric]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownMetric, sample.Metric)
	}

	m.root.add(sample)

	if len(sample.Tags) > 0 {
		key := sample.Tags.Key()

		m.mu.RLock()
		ts, ok := m.tagged[key]
		m.mu.RUnlock()

		if !ok {
			m.mu.Lock()
			ts, ok = m.tagged[key]
			if !ok {
				ts = &taggedSeries{
					tags:   sample.Tags.Merge(nil),
					series: s.newSeries(m.name+"{"+key+"}", m.kind),
				}
				m.tagged[key] = ts
			}
			m.mu.Unlock()
		}
		ts.series.add(sample)
	}

	m.mu.RLock()
	for _, sub := range m.subs {
		if sample.Tags.Contains(sub.tags) {
			sub.series.add(sample)
		}
	}
	m.mu.RUnlock()

	return nil
}

// RecordAll records a batch of samples, returning the first error.
func (s *Store) RecordAll(samples []Sample) error {
	var first error
	for _, sample := range samples {
		if err := s.Record(sample); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Snapshot returns a point-in-time view of a metric or submetric.
func (s *Store) Snapshot(name string) (View, bool) {
	base, tags, err := ParseSubmetric(name)
	if err != nil {
		return View{}, false
	}

	s.mu.RLock()
	m, ok := s.metrics[base]
	s.mu.RUnlock()
	if !ok {
		return View{}, false
	}

	if len(tags) == 0 {
		v := m.root.view()
		v.Name = m.name
		return v, true
	}

	canonical := SubmetricName(base, tags)
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, sub := range m.subs {
		if sub.name == canonical {
			v := sub.series.view()
			v.Name = m.name
			v.Tags = tags.Key()
			v.TagSet = tags
			return v, true
		}
	}
	return View{}, false
}

// TaggedViews returns a view per distinct tag set recorded for a metric,
// ordered by tag key.
func (s *Store) TaggedViews(name string) []View {
	s.mu.RLock()
	m, ok := s.metrics[name]
	s.mu.RUnlock()
	if !ok {
		return nil
	}

	m.mu.RLock()
	keys := make([]string, 0, len(m.tagged))
	for k := range m.tagged {
		keys = append(keys, k)
	}
	series := make([]*taggedSeries, 0, len(keys))
	sort.Strings(keys)
	for _, k := range keys {
		series = append(series, m.tagged[k])
	}
	m.mu.RUnlock()

	views := make([]View, 0, len(series))
	for i, ts := range series {
		v := ts.series.view()
		v.Name = m.name
		v.Tags = keys[i]
		v.TagSet = ts.tags
		views = append(views, v)
	}
	return views
}

// Names returns the registered metric names in sorted order.
func (s *Store) Names() []string {
	s.mu.RLock()
	names := make([]string, 0, len(s.metrics))
	for name := range s.metrics {
		names = append(names, name)
	}
	s.mu.RUnlock()

	sort.Strings(names)
	return names
}

// Views returns a view of every registered metric in name order.
func (s *Store) Views() []View {
	names := s.Names()
	views := make([]View, 0, len(names))
	for _, name := range names {
		if v, ok := s.Snapshot(name); ok {
			views = append(views, v)
		}
	}
	return views
}

// Overflows returns how many trend series switched to approximate percentiles.
func (s *Store) Overflows() int64 {
	return s.overflows.Load()
}

func (s *Store) newSeries(name string, kind Kind) series {
	return newSeries(kind, s.config, func() {
		s.overflows.Add(1)
		s.logger.WithFields(logrus.Fields{
			"metric":  name,
			"ceiling": s.config.ExactSampleCeiling,
		}).Warn("Trend exceeded exact sample ceiling, percentiles are now approximate")
	})
}

// ParseSubmetric splits `name{key:value,...}` into the metric name and the
// tag filter. A plain name yields nil tags.
func ParseSubmetric(selector string) (string, Tags, error) {
	selector = strings.TrimSpace(selector)
	open := strings.IndexByte(selector, '{')
	if open < 0 {
		if strings.ContainsRune(selector, '}') {
			return "", nil, fmt.Errorf("%w: %q", ErrInvalidSubmetric, selector)
		}
		return selector, nil, nil
	}
	if !strings.HasSuffix(selector, "}") || open == 0 {
		return "", nil, fmt.Errorf("%w: %q", ErrInvalidSubmetric, selector)
	}

	name := strings.TrimSpace(selector[:open])
	body := selector[open+1 : len(selector)-1]
	if strings.TrimSpace(body) == "" {
		return name, nil, nil
	}

	tags := make(Tags)
	for _, pair := range strings.Split(body, ",") {
		k, v, ok := strings.Cut(pair, ":")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return "", nil, fmt.Errorf("%w: %q", ErrInvalidSubmetric, selector)
		}
		v = strings.Trim(strings.TrimSpace(v), `"'`)
		tags[k] = v
	}
	return name, tags, nil
}

// SubmetricName returns the canonical selector for a metric filtered by tags.
func SubmetricName(name string, tags Tags) string {
	if len(tags) == 0 {
		return name
	}
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString(name)
	sb.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(k)
		sb.WriteByte(':')
		sb.WriteString(tags[k])
	}
	sb.WriteByte('}')
	return sb.String()
}
