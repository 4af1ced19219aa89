package dtl

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelMetricsOptions configures NewOTelMetrics.
type OTelMetricsOptions struct {
	MeterProvider          metric.MeterProvider
	Meter                  metric.Meter
	InstrumentationName    string
	InstrumentationVersion string
}

var _ MetricHook = (*OTelMetrics)(nil)

// OTelMetrics implements MetricHook with OpenTelemetry instruments.
type OTelMetrics struct {
	meter     metric.Meter
	completed metric.Int64Counter
	failed    metric.Int64Counter
	duration  metric.Float64Histogram
	bytes     metric.Int64Counter
}

// NewOTelMetrics creates the DTL instruments on the configured meter.
func NewOTelMetrics(opts OTelMetricsOptions) (*OTelMetrics, error) {
	meter := opts.Meter
	if meter == nil {
		provider := opts.MeterProvider
		if provider == nil {
			provider = otel.GetMeterProvider()
		}
		name := opts.InstrumentationName
		if name == "" {
			name = "github.com/flux-framework/flux-dyad/dtl"
		}
		meter = provider.Meter(name, metric.WithInstrumentationVersion(opts.InstrumentationVersion))
	}

	completed, err := meter.Int64Counter("dyad.dtl.region.completed")
	if err != nil {
		return nil, err
	}
	failed, err := meter.Int64Counter("dyad.dtl.region.failed")
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram("dyad.dtl.region.duration", metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	bytes, err := meter.Int64Counter("dyad.dtl.bytes", metric.WithUnit("By"))
	if err != nil {
		return nil, err
	}

	return &OTelMetrics{
		meter:     meter,
		completed: completed,
		failed:    failed,
		duration:  duration,
		bytes:     bytes,
	}, nil
}

// RegionCompleted records an operation that returned ok or end of stream.
func (o *OTelMetrics) RegionCompleted(elapsed time.Duration, attrs map[string]string) {
	kvs := otelAttrs(attrs, labelRegion, labelStatus)
	o.completed.Add(context.Background(), 1, metric.WithAttributes(kvs...))
	o.duration.Record(context.Background(), elapsed.Seconds(), metric.WithAttributes(otelAttrs(attrs, labelRegion)...))
}

// RegionFailed records an operation that returned an error.
func (o *OTelMetrics) RegionFailed(_ error, elapsed time.Duration, attrs map[string]string) {
	kvs := otelAttrs(attrs, labelRegion, labelCode)
	o.failed.Add(context.Background(), 1, metric.WithAttributes(kvs...))
	o.duration.Record(context.Background(), elapsed.Seconds(), metric.WithAttributes(otelAttrs(attrs, labelRegion)...))
}

// BytesTransferred adds payload bytes moved by send or recv.
func (o *OTelMetrics) BytesTransferred(n int, attrs map[string]string) {
	o.bytes.Add(context.Background(), int64(n), metric.WithAttributes(otelAttrs(attrs, labelOp)...))
}

func otelAttrs(attrs map[string]string, extra ...string) []attribute.KeyValue {
	kvs := []attribute.KeyValue{
		attribute.String(labelMode, attrs[labelMode]),
		attribute.String(labelCommMode, attrs[labelCommMode]),
	}
	for _, key := range extra {
		if v := attrs[key]; v != "" {
			kvs = append(kvs, attribute.String(key, v))
		}
	}
	return kvs
}
