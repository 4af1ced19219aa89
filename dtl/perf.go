package dtl

import (
	"context"
	"fmt"
	"time"
)

// Logger is the structured logging surface the DTL writes to. It is
// satisfied by *zap.SugaredLogger.
type Logger interface {
	Debugw(msg string, keyvals ...any)
	Infow(msg string, keyvals ...any)
	Errorw(msg string, keyvals ...any)
}

// TraceAttribute is a key/value attached to a span.
type TraceAttribute struct {
	Key   string
	Value any
}

// Tracer starts the spans that bracket DTL operations.
type Tracer interface {
	StartSpan(name string, attrs ...TraceAttribute) Span
}

// Span records one DTL operation.
type Span interface {
	End(err error)
	AddEvent(name string, attrs ...TraceAttribute)
	RecordError(err error)
}

// MetricHook receives per-operation telemetry.
type MetricHook interface {
	RegionCompleted(elapsed time.Duration, attrs map[string]string)
	RegionFailed(err error, elapsed time.Duration, attrs map[string]string)
	BytesTransferred(n int, attrs map[string]string)
}

const (
	labelMode     = "mode"
	labelCommMode = "comm_mode"
	labelRegion   = "region"
	labelStatus   = "status"
	labelCode     = "code"
	labelOp       = "op"
)

const (
	statusOK       = "ok"
	statusFinished = "finished"
	statusError    = "error"
)

type logField struct {
	key   string
	value any
}

func logKV(key string, value any) logField {
	return logField{key: key, value: value}
}

func keyvals(fields []logField) []any {
	kv := make([]any, 0, len(fields)*2)
	for _, f := range fields {
		if f.key == "" {
			continue
		}
		kv = append(kv, f.key, f.value)
	}
	return kv
}

// perf is the instrumentation scope shared by a handle and its backend.
type perf struct {
	tracer  Tracer
	metrics MetricHook
	base    map[string]string
}

// region brackets one operation. It is opened on entry and ended on every
// return path.
type region struct {
	p     *perf
	name  string
	start time.Time
	span  Span
}

func (p *perf) begin(name string, fields ...logField) *region {
	r := &region{p: p, name: name, start: time.Now()}
	if p != nil && p.tracer != nil {
		attrs := make([]TraceAttribute, 0, len(p.base)+len(fields))
		for k, v := range p.base {
			attrs = append(attrs, TraceAttribute{Key: k, Value: v})
		}
		for _, f := range fields {
			if f.key != "" {
				attrs = append(attrs, TraceAttribute{Key: f.key, Value: f.value})
			}
		}
		r.span = p.tracer.StartSpan(name, attrs...)
	}
	return r
}

type regionKey struct{}

// withRegion lets a backend add events to the operation that called it.
func withRegion(ctx context.Context, r *region) context.Context {
	if r == nil {
		return ctx
	}
	return context.WithValue(ctx, regionKey{}, r)
}

func regionFrom(ctx context.Context) *region {
	r, _ := ctx.Value(regionKey{}).(*region)
	return r
}

func (r *region) event(name string, fields ...logField) {
	if r == nil || r.span == nil {
		return
	}
	attrs := make([]TraceAttribute, 0, len(fields))
	for _, f := range fields {
		if f.key != "" {
			attrs = append(attrs, TraceAttribute{Key: f.key, Value: f.value})
		}
	}
	r.span.AddEvent(name, attrs...)
}

func (r *region) end(err error) {
	if r == nil || r.p == nil {
		return
	}
	elapsed := time.Since(r.start)
	spanErr := err
	if IsFinished(err) {
		spanErr = nil
	}
	if r.span != nil {
		if spanErr != nil {
			r.span.RecordError(spanErr)
		}
		r.span.End(spanErr)
	}
	if r.p.metrics == nil {
		return
	}
	attrs := r.p.attrs(logKV(labelRegion, r.name))
	switch {
	case err == nil:
		attrs[labelStatus] = statusOK
		r.p.metrics.RegionCompleted(elapsed, attrs)
	case IsFinished(err):
		attrs[labelStatus] = statusFinished
		r.p.metrics.RegionCompleted(elapsed, attrs)
	default:
		attrs[labelStatus] = statusError
		attrs[labelCode] = CodeOf(err).String()
		r.p.metrics.RegionFailed(err, elapsed, attrs)
	}
}

func (p *perf) bytes(n int, op string) {
	if p == nil || p.metrics == nil || n <= 0 {
		return
	}
	p.metrics.BytesTransferred(n, p.attrs(logKV(labelOp, op)))
}

func (p *perf) attrs(fields ...logField) map[string]string {
	attrs := make(map[string]string, len(p.base)+len(fields)+2)
	for k, v := range p.base {
		attrs[k] = v
	}
	for _, f := range fields {
		if f.key == "" {
			continue
		}
		attrs[f.key] = fmt.Sprint(f.value)
	}
	return attrs
}
