package dtl

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMetricsOptions configures NewPrometheusMetrics.
type PrometheusMetricsOptions struct {
	Registerer  prometheus.Registerer
	Namespace   string
	Subsystem   string
	ConstLabels prometheus.Labels
	// Buckets for the operation latency histogram. Defaults to
	// prometheus.DefBuckets.
	Buckets []float64
}

var _ MetricHook = (*PrometheusMetrics)(nil)

// PrometheusMetrics implements MetricHook with Prometheus collectors.
type PrometheusMetrics struct {
	completed *prometheus.CounterVec
	failed    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	bytes     *prometheus.CounterVec
}

var (
	completedLabelKeys = []string{labelMode, labelCommMode, labelRegion, labelStatus}
	failedLabelKeys    = []string{labelMode, labelCommMode, labelRegion, labelCode}
	latencyLabelKeys   = []string{labelMode, labelCommMode, labelRegion}
	bytesLabelKeys     = []string{labelMode, labelCommMode, labelOp}
)

// NewPrometheusMetrics registers the DTL collectors with opts.Registerer,
// reusing collectors that are already registered.
func NewPrometheusMetrics(opts PrometheusMetricsOptions) (*PrometheusMetrics, error) {
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	buckets := opts.Buckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	p := &PrometheusMetrics{
		completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "dyad_dtl_region_completed_total",
			Help:        "Number of DTL operations that returned ok or end of stream",
			ConstLabels: opts.ConstLabels,
		}, completedLabelKeys),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "dyad_dtl_region_failed_total",
			Help:        "Number of DTL operations that returned an error",
			ConstLabels: opts.ConstLabels,
		}, failedLabelKeys),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "dyad_dtl_region_duration_seconds",
			Help:        "Wall time spent inside DTL operations",
			ConstLabels: opts.ConstLabels,
			Buckets:     buckets,
		}, latencyLabelKeys),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "dyad_dtl_bytes_total",
			Help:        "Payload bytes moved by send and recv",
			ConstLabels: opts.ConstLabels,
		}, bytesLabelKeys),
	}

	var err error
	if p.completed, err = registerCounterVec(reg, p.completed); err != nil {
		return nil, err
	}
	if p.failed, err = registerCounterVec(reg, p.failed); err != nil {
		return nil, err
	}
	if p.latency, err = registerHistogramVec(reg, p.latency); err != nil {
		return nil, err
	}
	if p.bytes, err = registerCounterVec(reg, p.bytes); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *PrometheusMetrics) RegionCompleted(elapsed time.Duration, attrs map[string]string) {
	p.completed.With(labels(attrs, completedLabelKeys...)).Inc()
	p.latency.With(labels(attrs, latencyLabelKeys...)).Observe(elapsed.Seconds())
}

func (p *PrometheusMetrics) RegionFailed(_ error, elapsed time.Duration, attrs map[string]string) {
	p.failed.With(labels(attrs, failedLabelKeys...)).Inc()
	p.latency.With(labels(attrs, latencyLabelKeys...)).Observe(elapsed.Seconds())
}

func (p *PrometheusMetrics) BytesTransferred(n int, attrs map[string]string) {
	p.bytes.With(labels(attrs, bytesLabelKeys...)).Add(float64(n))
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return vec, nil
}

func labels(attrs map[string]string, keys ...string) prometheus.Labels {
	labs := make(prometheus.Labels, len(keys))
	for _, key := range keys {
		labs[key] = attrs[key]
	}
	return labs
}
