package output

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/wesleyorama2/rampart/internal/loadtest/engine"
	"github.com/wesleyorama2/rampart/internal/loadtest/metrics"
	"github.com/wesleyorama2/rampart/internal/loadtest/threshold"
)

const (
	namespace          = "rampart"
	defaultMetricsAddr = ":9090"
	shutdownTimeout    = 5 * time.Second
)

// trendBuckets are histogram upper bounds in the trend's native unit
// (milliseconds for durations).
var trendBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

// Prometheus serves the run's metrics on /metrics. Samples are aggregated
// per metric and tag set; trends are exported as histograms.
type Prometheus struct {
	addr   string
	logger logrus.FieldLogger

	registry *prometheus.Registry
	server   *http.Server
	listener net.Listener
	served   chan struct{}

	mu       sync.Mutex
	runID    string
	kinds    map[string]metrics.Kind
	series   map[string]map[string]*promSeries
	verdicts []threshold.Result
	passed   *bool
	seq      uint64
}

type promSeries struct {
	tags    metrics.Tags
	sum     float64
	count   uint64
	trues   uint64
	last    float64
	seq     uint64
	buckets []uint64
}

// NewPrometheus creates the exporter; p.Argument is the listen address.
func NewPrometheus(p Params) (*Prometheus, error) {
	addr := p.Argument
	if addr == "" {
		addr = defaultMetricsAddr
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return nil, fmt.Errorf("invalid listen address %q: %w", addr, err)
	}

	o := &Prometheus{
		addr:     addr,
		logger:   p.Logger,
		registry: prometheus.NewRegistry(),
		series:   make(map[string]map[string]*promSeries),
	}
	if o.logger == nil {
		o.logger = logrus.StandardLogger()
	}
	o.registry.MustRegister(o)
	return o, nil
}

// Description implements engine.Output.
func (o *Prometheus) Description() string {
	return fmt.Sprintf("prometheus (%s)", o.addr)
}

// Addr returns the bound listen address once started.
func (o *Prometheus) Addr() string {
	if o.listener != nil {
		return o.listener.Addr().String()
	}
	return o.addr
}

// Handler returns the /metrics handler.
func (o *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(o.registry, promhttp.HandlerOpts{})
}

// Start binds the listen address and starts serving.
func (o *Prometheus) Start(info engine.RunInfo) error {
	o.mu.Lock()
	o.runID = info.RunID
	o.kinds = info.Metrics
	o.mu.Unlock()

	ln, err := net.Listen("tcp", o.addr)
	if err != nil {
		return err
	}
	o.listener = ln

	mux := http.NewServeMux()
	mux.Handle("/metrics", o.Handler())
	o.server = &http.Server{Handler: mux, ReadHeaderTimeout: shutdownTimeout}
	o.served = make(chan struct{})

	go func() {
		defer close(o.served)
		if err := o.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			o.logger.WithError(err).Error("Metrics server failed")
		}
	}()
	o.logger.WithField("addr", ln.Addr().String()).Info("Serving metrics")
	return nil
}

// AddSamples folds samples into their series.
func (o *Prometheus) AddSamples(samples []metrics.Sample) {
	o.mu.Lock()
	defer o.mu.Unlock()

	for _, s := range samples {
		bySet, ok := o.series[s.Metric]
		if !ok {
			bySet = make(map[string]*promSeries)
			o.series[s.Metric] = bySet
		}
		key := s.Tags.Key()
		ps, ok := bySet[key]
		if !ok {
			ps = &promSeries{tags: s.Tags}
			if o.kinds[s.Metric] == metrics.Trend {
				ps.buckets = make([]uint64, len(trendBuckets))
			}
			bySet[key] = ps
		}

		o.seq++
		ps.sum += s.Value
		ps.count++
		ps.last = s.Value
		ps.seq = o.seq
		if s.Value != 0 {
			ps.trues++
		}
		for i, bound := range trendBuckets {
			if ps.buckets != nil && s.Value <= bound {
				ps.buckets[i]++
			}
		}
	}
}

// Stop records the verdicts and shuts the server down.
func (o *Prometheus) Stop(result *engine.Result) error {
	if result != nil {
		o.mu.Lock()
		o.verdicts = result.Thresholds
		passed := result.Passed
		o.passed = &passed
		o.mu.Unlock()
	}
	if o.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := o.server.Shutdown(ctx)
	<-o.served
	return err
}

// Describe implements prometheus.Collector. The exporter is unchecked:
// its series appear as samples arrive.
func (o *Prometheus) Describe(chan<- *prometheus.Desc) {}

// Collect implements prometheus.Collector.
func (o *Prometheus) Collect(ch chan<- prometheus.Metric) {
	o.mu.Lock()
	defer o.mu.Unlock()

	names := make([]string, 0, len(o.series))
	for name := range o.series {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		kind, ok := o.kinds[name]
		if !ok {
			continue
		}
		bySet := o.series[name]
		labels := labelNames(bySet)
		merged := mergeSeries(labels, bySet)
		family := fq(sanitize(name))

		switch kind {
		case metrics.Counter:
			desc := prometheus.NewDesc(family+"_total", "Sum of "+name+" samples.", labels, nil)
			for _, ls := range merged {
				ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, ls.sum, ls.values...)
			}
		case metrics.Rate:
			rate := prometheus.NewDesc(family+"_rate", "Fraction of non-zero "+name+" samples.", labels, nil)
			total := prometheus.NewDesc(family+"_samples_total", "Number of "+name+" samples.", labels, nil)
			for _, ls := range merged {
				ch <- prometheus.MustNewConstMetric(rate, prometheus.GaugeValue, float64(ls.trues)/float64(ls.count), ls.values...)
				ch <- prometheus.MustNewConstMetric(total, prometheus.CounterValue, float64(ls.count), ls.values...)
			}
		case metrics.Trend:
			hist := prometheus.NewDesc(family, "Distribution of "+name+" samples.", labels, nil)
			current := prometheus.NewDesc(family+"_current", "Last "+name+" sample.", labels, nil)
			for _, ls := range merged {
				buckets := make(map[float64]uint64, len(trendBuckets))
				for i, bound := range trendBuckets {
					if i < len(ls.buckets) {
						buckets[bound] = ls.buckets[i]
					}
				}
				ch <- prometheus.MustNewConstHistogram(hist, ls.count, ls.sum, buckets, ls.values...)
				ch <- prometheus.MustNewConstMetric(current, prometheus.GaugeValue, ls.last, ls.values...)
			}
		}
	}

	if o.runID != "" {
		info := prometheus.NewDesc(fq("run_info"), "Run metadata.", []string{"run_id"}, nil)
		ch <- prometheus.MustNewConstMetric(info, prometheus.GaugeValue, 1, o.runID)
	}
	if len(o.verdicts) > 0 {
		desc := prometheus.NewDesc(fq("threshold_verdict"),
			"Threshold verdict: 1 pass, 0 fail, -1 undetermined.", []string{"metric", "threshold"}, nil)
		for _, v := range o.verdicts {
			ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, verdictValue(v.Verdict), v.Metric, v.Expression)
		}
	}
	if o.passed != nil {
		desc := prometheus.NewDesc(fq("passed"), "Overall run verdict.", nil, nil)
		value := 0.0
		if *o.passed {
			value = 1
		}
		ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, value)
	}
}

func fq(name string) string {
	return prometheus.BuildFQName(namespace, "", name)
}

func verdictValue(v threshold.Verdict) float64 {
	switch v {
	case threshold.Pass:
		return 1
	case threshold.Fail:
		return 0
	default:
		return -1
	}
}

// labelNames is the sorted union of tag keys over a metric's series, so
// every series of a family has the same dimensions.
func labelNames(bySet map[string]*promSeries) []string {
	seen := make(map[string]bool)
	for _, ps := range bySet {
		for k := range ps.tags {
			seen[sanitize(k)] = true
		}
	}
	names := make([]string, 0, len(seen))
	for k := range seen {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// labeledSeries is a series with its label values resolved.
type labeledSeries struct {
	promSeries
	values []string
}

// mergeSeries resolves the label values of every series of a metric.
// Distinct tag sets may resolve to the same values (a missing tag and an
// empty one, or keys equal after sanitize); those are added up so a
// family never holds duplicate series.
func mergeSeries(labels []string, bySet map[string]*promSeries) []*labeledSeries {
	keys := make([]string, 0, len(bySet))
	for k := range bySet {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	byValues := make(map[string]*labeledSeries, len(keys))
	out := make([]*labeledSeries, 0, len(keys))
	for _, k := range keys {
		ps := bySet[k]
		values := labelValues(labels, ps.tags)
		id := strings.Join(values, "\xff")

		ls, ok := byValues[id]
		if !ok {
			ls = &labeledSeries{promSeries: *ps, values: values}
			ls.buckets = append([]uint64(nil), ps.buckets...)
			byValues[id] = ls
			out = append(out, ls)
			continue
		}
		ls.sum += ps.sum
		ls.count += ps.count
		ls.trues += ps.trues
		if ps.seq > ls.seq {
			ls.last, ls.seq = ps.last, ps.seq
		}
		for i := range ps.buckets {
			if i < len(ls.buckets) {
				ls.buckets[i] += ps.buckets[i]
			}
		}
	}
	return out
}

func labelValues(names []string, tags metrics.Tags) []string {
	byLabel := make(map[string]string, len(tags))
	for k, v := range tags {
		byLabel[sanitize(k)] = v
	}
	values := make([]string, len(names))
	for i, name := range names {
		values[i] = byLabel[name]
	}
	return values
}

// sanitize maps a metric or tag name to the Prometheus name charset.
func sanitize(name string) string {
	var sb strings.Builder
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
			sb.WriteRune(r)
		case r >= '0' && r <= '9' && i > 0:
			sb.WriteRune(r)
		default:
			sb.WriteByte('_')
		}
	}
	return sb.String()
}
