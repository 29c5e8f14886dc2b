// Package tracing records one TraceContext per routed call and mirrors it
// onto OpenTelemetry spans. Nothing in this package returns an error to or
// panics into the call being traced.
package tracing

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/fleetgate/internal/runtime/logging"
	"github.com/drblury/fleetgate/internal/runtime/metadata"
)

const instrumentationName = "github.com/drblury/fleetgate"

// DefaultRetention is the number of completed traces kept in memory.
const DefaultRetention = 1024

// Outcome is the result of a call or trace.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeError   Outcome = "error"
)

// CallRecord is one remote call made while servicing a request. Records are
// never changed after they are appended.
type CallRecord struct {
	Destination    string        `json:"destination"`
	Operation      string        `json:"operation"`
	Attempt        int           `json:"attempt"`
	Duration       time.Duration `json:"-"`
	DurationMs     float64       `json:"durationMs"`
	Outcome        Outcome       `json:"outcome"`
	Error          string        `json:"error,omitempty"`
	RecordedAt     time.Time     `json:"recordedAt"`
	PostCompletion bool          `json:"postCompletion,omitempty"`
}

// TraceContext collects the calls of one logical request.
type TraceContext struct {
	CorrelationID string       `json:"correlationId"`
	InitiatorID   string       `json:"initiatorId"`
	TraceID       string       `json:"traceId"`
	StartedAt     time.Time    `json:"startedAt"`
	CompletedAt   time.Time    `json:"completedAt"`
	Status        Outcome      `json:"status,omitempty"`
	Error         string       `json:"error,omitempty"`
	Spans         []CallRecord `json:"spans"`
}

// Completed reports whether the trace has been closed.
func (tc TraceContext) Completed() bool { return !tc.CompletedAt.IsZero() }

// Duration is the wall time between start and completion.
func (tc TraceContext) Duration() time.Duration {
	if !tc.Completed() {
		return 0
	}
	return tc.CompletedAt.Sub(tc.StartedAt)
}

func (tc TraceContext) clone() TraceContext {
	out := tc
	out.Spans = append([]CallRecord(nil), tc.Spans...)
	return out
}

type activeTrace struct {
	tc   TraceContext
	span trace.Span
}

// Tracer tracks active traces by correlation id and retains a bounded
// number of completed ones.
type Tracer struct {
	mu        sync.Mutex
	active    map[string]*activeTrace
	completed *lru.Cache

	otel       trace.Tracer
	propagator propagation.TextMapPropagator
	logger     logging.ServiceLogger
	now        func() time.Time
}

// Option customises a Tracer.
type Option func(*Tracer)

// WithLogger sets the tracer's logger.
func WithLogger(logger logging.ServiceLogger) Option {
	return func(t *Tracer) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithTracerProvider records spans with provider instead of the global one.
func WithTracerProvider(provider trace.TracerProvider) Option {
	return func(t *Tracer) {
		if provider != nil {
			t.otel = provider.Tracer(instrumentationName)
		}
	}
}

// WithPropagator replaces the W3C trace-context propagator.
func WithPropagator(p propagation.TextMapPropagator) Option {
	return func(t *Tracer) {
		if p != nil {
			t.propagator = p
		}
	}
}

// New creates a Tracer retaining up to retention completed traces
// (DefaultRetention when retention <= 0).
func New(retention int, opts ...Option) (*Tracer, error) {
	if retention <= 0 {
		retention = DefaultRetention
	}
	cache, err := lru.New(retention)
	if err != nil {
		return nil, fmt.Errorf("create trace retention cache: %w", err)
	}
	t := &Tracer{
		active:     make(map[string]*activeTrace),
		completed:  cache,
		otel:       otel.Tracer(instrumentationName),
		propagator: propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}),
		logger:     logging.NewNopServiceLogger(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Start opens a TraceContext for correlationID and a root span for the call.
// The returned context carries the span for propagation. The trace id is the
// span's trace id when one is available, otherwise the correlation id.
func (t *Tracer) Start(ctx context.Context, correlationID, initiatorID string, attrs ...attribute.KeyValue) (context.Context, TraceContext) {
	ctx, span := t.otel.Start(ctx, "fleetgate.route",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(append([]attribute.KeyValue{
			attribute.String("fleetgate.correlation_id", correlationID),
			attribute.String("fleetgate.initiator_id", initiatorID),
		}, attrs...)...),
	)

	traceID := correlationID
	if sc := span.SpanContext(); sc.HasTraceID() {
		traceID = sc.TraceID().String()
	}
	tc := TraceContext{
		CorrelationID: correlationID,
		InitiatorID:   initiatorID,
		TraceID:       traceID,
		StartedAt:     t.now(),
	}

	t.mu.Lock()
	if prev, ok := t.active[correlationID]; ok {
		prev.span.End()
	}
	t.active[correlationID] = &activeTrace{tc: tc, span: span}
	t.mu.Unlock()

	return ctx, tc.clone()
}

// LogCall appends a CallRecord to the trace of correlationID. Calls logged
// after completion are kept but flagged PostCompletion. LogCall never panics.
func (t *Tracer) LogCall(correlationID string, rec CallRecord) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("Trace logging failed", fmt.Errorf("panic: %v", r), logging.LogFields{"correlation_id": correlationID})
		}
	}()

	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = t.now()
	}
	rec.DurationMs = float64(rec.Duration) / float64(time.Millisecond)
	if rec.Outcome == "" {
		rec.Outcome = OutcomeSuccess
		if rec.Error != "" {
			rec.Outcome = OutcomeError
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if at, ok := t.active[correlationID]; ok {
		at.tc.Spans = append(at.tc.Spans, rec)
		at.span.AddEvent("fleetgate.call", trace.WithTimestamp(rec.RecordedAt), trace.WithAttributes(recordAttributes(rec)...))
		return
	}

	if v, ok := t.completed.Get(correlationID); ok {
		tc := v.(TraceContext).clone()
		rec.PostCompletion = true
		tc.Spans = append(tc.Spans, rec)
		t.completed.Add(correlationID, tc)
		t.logger.Debug("Call logged after trace completion", logging.LogFields{
			"correlation_id": correlationID,
			"destination":    rec.Destination,
		})
		return
	}

	t.logger.Debug("Call logged for unknown trace", logging.LogFields{
		"correlation_id": correlationID,
		"destination":    rec.Destination,
	})
}

// Complete closes the trace of correlationID with status and ends its span.
// It returns the closed trace; completing an unknown or already closed trace
// reports false.
func (t *Tracer) Complete(correlationID string, status Outcome, cause error) (TraceContext, bool) {
	t.mu.Lock()
	at, ok := t.active[correlationID]
	if !ok {
		t.mu.Unlock()
		return TraceContext{}, false
	}
	delete(t.active, correlationID)
	at.tc.CompletedAt = t.now()
	at.tc.Status = status
	if cause != nil {
		at.tc.Error = cause.Error()
	}
	t.completed.Add(correlationID, at.tc)
	t.mu.Unlock()

	if cause != nil {
		at.span.RecordError(cause)
		at.span.SetStatus(codes.Error, cause.Error())
	} else {
		at.span.SetStatus(codes.Ok, "")
	}
	at.span.SetAttributes(
		attribute.String("fleetgate.status", string(status)),
		attribute.Int("fleetgate.calls", len(at.tc.Spans)),
	)
	at.span.End(trace.WithTimestamp(at.tc.CompletedAt))

	return at.tc.clone(), true
}

// Get returns the trace for correlationID, active or retained.
func (t *Tracer) Get(correlationID string) (TraceContext, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if at, ok := t.active[correlationID]; ok {
		return at.tc.clone(), true
	}
	if v, ok := t.completed.Get(correlationID); ok {
		return v.(TraceContext).clone(), true
	}
	return TraceContext{}, false
}

// Active returns the number of traces not yet completed.
func (t *Tracer) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.active)
}

// Retained returns the number of completed traces held in memory.
func (t *Tracer) Retained() int {
	return t.completed.Len()
}

// Inject writes the trace context of ctx into md.
func (t *Tracer) Inject(ctx context.Context, md metadata.Metadata) {
	t.propagator.Inject(ctx, md)
}

// Extract returns ctx enriched with the trace context carried by md.
func (t *Tracer) Extract(ctx context.Context, md metadata.Metadata) context.Context {
	return t.propagator.Extract(ctx, md)
}

func recordAttributes(rec CallRecord) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("fleetgate.destination", rec.Destination),
		attribute.String("fleetgate.operation", rec.Operation),
		attribute.Int("fleetgate.attempt", rec.Attempt),
		attribute.Float64("fleetgate.duration_ms", rec.DurationMs),
		attribute.String("fleetgate.outcome", string(rec.Outcome)),
	}
	if rec.Error != "" {
		attrs = append(attrs, attribute.String("fleetgate.error", rec.Error))
	}
	return attrs
}
