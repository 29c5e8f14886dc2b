package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"go.opentelemetry.io/otel/attribute"

	breakerpkg "github.com/drblury/fleetgate/internal/runtime/breaker"
	envelopepkg "github.com/drblury/fleetgate/internal/runtime/envelope"
	errspkg "github.com/drblury/fleetgate/internal/runtime/errors"
	idspkg "github.com/drblury/fleetgate/internal/runtime/ids"
	loggingpkg "github.com/drblury/fleetgate/internal/runtime/logging"
	metadatapkg "github.com/drblury/fleetgate/internal/runtime/metadata"
	resiliencepkg "github.com/drblury/fleetgate/internal/runtime/resilience"
	routingpkg "github.com/drblury/fleetgate/internal/runtime/routing"
	tracingpkg "github.com/drblury/fleetgate/internal/runtime/tracing"
)

const anonymousInitiator = "anonymous"

// Request is one logical call to a destination service.
type Request struct {
	Endpoint string
	Method   string
	// Payload is encoded as the envelope's data field. nil sends {}.
	Payload any
	Caller  envelopepkg.UserContext
}

// Result describes a finished call. CorrelationID is set as soon as one was
// generated, so it is also available when the call fails.
type Result struct {
	CorrelationID string
	Destination   string
	Endpoint      string
	Attempts      int
	Duration      time.Duration
	Payload       json.RawMessage
}

type callOptions struct {
	timeout time.Duration
	policy  resiliencepkg.Policy
}

// CallOption tunes a single call.
type CallOption func(*callOptions)

// WithTimeout bounds how long each attempt waits for its response.
func WithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithRetryPolicy replaces the configured retry policy for one call.
func WithRetryPolicy(p resiliencepkg.Policy) CallOption {
	return func(o *callOptions) { o.policy = p }
}

func (g *Gateway) callOptions(opts []CallOption) callOptions {
	o := callOptions{timeout: g.Conf.DefaultTimeout, policy: g.policy}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// Route performs one routed call and returns the destination's payload.
func (g *Gateway) Route(ctx context.Context, endpoint, method string, payload any, caller envelopepkg.UserContext, opts ...CallOption) (json.RawMessage, error) {
	res, err := g.Call(ctx, Request{Endpoint: endpoint, Method: method, Payload: payload, Caller: caller}, opts...)
	return res.Payload, err
}

// RouteInto performs a routed call and decodes the response payload into T.
func RouteInto[T any](ctx context.Context, g *Gateway, endpoint, method string, payload any, caller envelopepkg.UserContext, opts ...CallOption) (T, error) {
	var out T
	raw, err := g.Route(ctx, endpoint, method, payload, caller, opts...)
	if err != nil {
		return out, err
	}
	if err := envelopepkg.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode %s response: %w", endpoint, err)
	}
	return out, nil
}

// Call resolves the destination of req, then sends it through the
// destination's circuit breaker and the retry policy, reusing one
// correlation id for every attempt.
func (g *Gateway) Call(ctx context.Context, req Request, opts ...CallOption) (Result, error) {
	if g == nil {
		return Result{}, errspkg.ErrGatewayRequired
	}
	if ctx == nil {
		ctx = context.Background()
	}
	started := time.Now()
	o := g.callOptions(opts)
	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = "GET"
	}
	res := Result{Endpoint: routingpkg.Normalize(req.Endpoint)}

	destination, err := g.routes.Resolve(req.Endpoint)
	if err != nil {
		g.metrics.RecordRoutingFailure()
		g.Logger.Debug("No route for endpoint", loggingpkg.LogFields{"endpoint": res.Endpoint, "method": method})
		return res, err
	}
	res.Destination = destination

	if err := g.correlations.WaitReady(ctx, g.Conf.ReadyTimeout); err != nil {
		var unavailable *errspkg.ServiceUnavailableError
		if errors.As(err, &unavailable) {
			unavailable.Destination = destination
		}
		g.finishCall(destination, err, time.Since(started))
		return res, err
	}

	br, err := g.breakers.Get(destination)
	if err != nil {
		return res, err
	}

	res.CorrelationID = idspkg.NewCorrelationID()
	initiator := req.Caller.UserID
	if initiator == "" {
		initiator = anonymousInitiator
	}
	ctx, tc := g.tracer.Start(ctx, res.CorrelationID, initiator,
		attribute.String("fleetgate.destination", destination),
		attribute.String("fleetgate.endpoint", res.Endpoint),
		attribute.String("fleetgate.method", method),
	)

	callCtx := CallContext{
		CorrelationID: res.CorrelationID,
		Destination:   destination,
		Endpoint:      res.Endpoint,
		Method:        method,
		InitiatorID:   initiator,
		Context:       ctx,
		StartedAt:     started,
	}
	if g.hooks.OnCallStart != nil {
		g.hooks.OnCallStart(callCtx)
	}

	base, err := envelopepkg.NewRequest(res.CorrelationID, destination, res.Endpoint, method, req.Payload, req.Caller, tc.TraceID, started)
	if err == nil {
		res.Payload, res.Attempts, err = g.execute(ctx, br, base, o)
	}

	res.Duration = time.Since(started)
	callCtx.Duration = res.Duration
	callCtx.Attempts = res.Attempts
	g.finishCall(destination, err, res.Duration)

	if err != nil {
		g.tracer.Complete(res.CorrelationID, tracingpkg.OutcomeError, err)
		if g.hooks.OnCallError != nil {
			g.hooks.OnCallError(callCtx, err)
		}
		return res, err
	}
	g.tracer.Complete(res.CorrelationID, tracingpkg.OutcomeSuccess, nil)
	if g.hooks.OnCallDone != nil {
		g.hooks.OnCallDone(callCtx)
	}
	return res, nil
}

func (g *Gateway) execute(ctx context.Context, br *breakerpkg.Breaker, base envelopepkg.Request, o callOptions) (json.RawMessage, int, error) {
	logger := g.Logger.With(loggingpkg.LogFields{
		"correlation_id": base.CorrelationID,
		"destination":    base.Service,
		"endpoint":       base.Endpoint,
	})

	var (
		payload  json.RawMessage
		attempts int
	)
	err := br.Execute(ctx, func(ctx context.Context) error {
		var err error
		payload, err = resiliencepkg.Do(ctx, o.policy,
			func(ctx context.Context, attempt int) (json.RawMessage, error) {
				attempts = attempt + 1
				return g.sendAndAwait(ctx, base, attempts, o.timeout)
			},
			resiliencepkg.WithLogger(logger),
			resiliencepkg.WithOnRetry(func(int, error, time.Duration) {
				g.metrics.RecordRetry(base.Service)
			}),
		)
		return err
	})
	return payload, attempts, err
}

// sendAndAwait publishes one attempt of base and waits for its response.
func (g *Gateway) sendAndAwait(ctx context.Context, base envelopepkg.Request, attempt int, timeout time.Duration) (json.RawMessage, error) {
	destination := base.Service
	operation := base.Method + " " + base.Endpoint

	waiter, err := g.correlations.Expect(base.CorrelationID, destination)
	if err != nil {
		return nil, err
	}

	req := base
	req.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	body, err := envelopepkg.Marshal(req)
	if err != nil {
		waiter.Cancel()
		return nil, fmt.Errorf("encode request envelope: %w", err)
	}

	md := metadatapkg.Metadata{
		metadatapkg.KeyCorrelationID: base.CorrelationID,
		metadatapkg.KeyDestination:   destination,
		metadatapkg.KeyEndpoint:      base.Endpoint,
		metadatapkg.KeyAttempt:       strconv.Itoa(attempt),
		metadatapkg.KeyReplyTo:       g.Conf.ResponseRoutingKey,
	}
	g.tracer.Inject(ctx, md)

	msg := message.NewMessage(idspkg.NewMessageID(), body)
	msg.Metadata = metadatapkg.ToWatermill(md)
	msg.SetContext(ctx)

	sent := time.Now()
	if err := g.publisher.Publish(envelopepkg.RequestTopic(destination), msg); err != nil {
		waiter.Cancel()
		terr := &errspkg.TransportError{Destination: destination, Op: "publish", Err: err}
		g.tracer.LogCall(base.CorrelationID, tracingpkg.CallRecord{
			Destination: destination,
			Operation:   operation,
			Attempt:     attempt,
			Duration:    time.Since(sent),
			Error:       terr.Error(),
		})
		return nil, terr
	}

	payload, err := waiter.Await(ctx, timeout)
	rec := tracingpkg.CallRecord{
		Destination: destination,
		Operation:   operation,
		Attempt:     attempt,
		Duration:    time.Since(sent),
	}
	if err != nil {
		rec.Error = err.Error()
	}
	g.tracer.LogCall(base.CorrelationID, rec)
	return payload, err
}

func (g *Gateway) finishCall(destination string, err error, duration time.Duration) {
	g.metrics.RecordCall(destination, err, duration)
	g.stats.record(destination, err, duration)
}
