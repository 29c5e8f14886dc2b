// Package sblock implements the destination side of the gateway wire
// contract. A Responder consumes "<destination>.requests", dispatches each
// request envelope to the handler registered for its method and endpoint,
// and publishes exactly one response envelope per accepted request.
//
// Requests are delivered at least once and the gateway reuses one
// correlation id across retries, so the Responder remembers the responses it
// sent and replays them for redelivered requests instead of running the
// handler again.
package sblock

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	lru "github.com/hashicorp/golang-lru"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	configpkg "github.com/drblury/fleetgate/internal/runtime/config"
	envelopepkg "github.com/drblury/fleetgate/internal/runtime/envelope"
	errspkg "github.com/drblury/fleetgate/internal/runtime/errors"
	idspkg "github.com/drblury/fleetgate/internal/runtime/ids"
	loggingpkg "github.com/drblury/fleetgate/internal/runtime/logging"
	metadatapkg "github.com/drblury/fleetgate/internal/runtime/metadata"
	routingpkg "github.com/drblury/fleetgate/internal/runtime/routing"
	transportpkg "github.com/drblury/fleetgate/internal/runtime/transport"
)

// DefaultDedupSize is the number of sent responses kept for replay.
const DefaultDedupSize = 4096

const tracerName = "github.com/drblury/fleetgate/sblock"

// Request is the decoded request envelope handed to a HandlerFunc.
type Request struct {
	envelopepkg.Request

	// Attempt is the gateway's delivery attempt, 1 when unknown.
	Attempt  int
	Metadata metadatapkg.Metadata
	Logger   loggingpkg.ServiceLogger
}

// HandlerFunc serves one request. The returned value is encoded as the data
// of a success response; a returned error becomes an error response
// carrying err.Error().
type HandlerFunc func(ctx context.Context, req *Request) (any, error)

// Dependencies holds the optional collaborators of a Responder.
type Dependencies struct {
	TransportFactory transportpkg.Factory
	// Middlewares are appended after the default middleware chain.
	Middlewares               []MiddlewareRegistration
	DisableDefaultMiddlewares bool
	// MetricsRegisterer receives the router metrics. When nil the default
	// registerer is used if metrics are enabled.
	MetricsRegisterer prometheus.Registerer
	TracerProvider    trace.TracerProvider
	Propagator        propagation.TextMapPropagator
	// DedupSize bounds the replay cache. Zero uses DefaultDedupSize.
	DedupSize int
}

type route struct {
	method  string
	pattern string
	handler HandlerFunc
}

// Responder serves the requests routed to one destination.
type Responder struct {
	Conf        *configpkg.Config
	Logger      loggingpkg.ServiceLogger
	Destination string

	publisher  message.Publisher
	subscriber message.Subscriber
	transport  transportpkg.Transport
	router     *message.Router

	routesMu sync.RWMutex
	routes   []route

	sent     *lru.Cache
	inflight singleflight.Group

	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
	registerer prometheus.Registerer

	closeOnce sync.Once
	closeErr  error
}

// NewResponder builds a Responder for destination. Replicas of one
// destination share its consumer group, so each request is served by one of
// them. Register handlers before calling Run.
func NewResponder(ctx context.Context, destination string, conf *configpkg.Config, log loggingpkg.ServiceLogger, deps Dependencies) (*Responder, error) {
	destination = strings.TrimSpace(destination)
	if destination == "" {
		return nil, errspkg.ErrDestinationRequired
	}
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}

	local := *conf
	if local.ConsumerGroup == "" {
		local.ConsumerGroup = destination
	}
	if err := local.Validate(); err != nil {
		return nil, errspkg.NewConfigValidationError(err)
	}

	log = log.With(loggingpkg.LogFields{"destination": destination})
	wmLogger := loggingpkg.NewWatermillAdapter(log)

	size := deps.DedupSize
	if size <= 0 {
		size = DefaultDedupSize
	}
	sent, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("create replay cache: %w", err)
	}

	r := &Responder{
		Conf:        &local,
		Logger:      log,
		Destination: destination,
		sent:        sent,
		propagator:  deps.Propagator,
		registerer:  deps.MetricsRegisterer,
	}
	if r.propagator == nil {
		r.propagator = propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{})
	}
	provider := deps.TracerProvider
	if provider == nil {
		provider = otel.GetTracerProvider()
	}
	r.tracer = provider.Tracer(tracerName)
	if r.registerer == nil && local.MetricsEnabled {
		r.registerer = prometheus.DefaultRegisterer
	}

	factory := deps.TransportFactory
	if factory == nil {
		factory = transportpkg.DefaultFactory()
	}
	tr, err := factory.Build(ctx, &local, wmLogger)
	if err != nil {
		return nil, fmt.Errorf("build %s transport: %w", local.PubSubSystem, err)
	}
	if tr.Publisher == nil {
		return nil, errspkg.ErrPublisherRequired
	}
	if tr.Subscriber == nil {
		return nil, errspkg.ErrSubscriberRequired
	}
	r.transport = tr
	r.publisher = tr.Publisher
	r.subscriber = tr.Subscriber

	router, err := message.NewRouter(message.RouterConfig{CloseTimeout: 10 * time.Second}, wmLogger)
	if err != nil {
		return nil, fmt.Errorf("create router: %w", err)
	}
	r.router = router

	if err := r.registerConfiguredMiddlewares(deps); err != nil {
		return nil, err
	}

	router.AddNoPublisherHandler(
		destination+"-requests",
		envelopepkg.RequestTopic(destination),
		r.subscriber,
		r.handleMessage,
	)

	log.Info("Created responder", loggingpkg.LogFields{
		"pubsub_system": local.PubSubSystem,
		"request_topic": envelopepkg.RequestTopic(destination),
	})
	return r, nil
}

func (r *Responder) registerConfiguredMiddlewares(deps Dependencies) error {
	var defaults []MiddlewareRegistration
	if !deps.DisableDefaultMiddlewares {
		defaults = DefaultMiddlewares()
	}
	registrations := make([]MiddlewareRegistration, 0, len(defaults)+len(deps.Middlewares))
	registrations = append(registrations, defaults...)
	registrations = append(registrations, deps.Middlewares...)

	for _, reg := range registrations {
		if err := r.RegisterMiddleware(reg); err != nil {
			name := reg.Name
			if name == "" {
				name = "anonymous_middleware"
			}
			return fmt.Errorf("register %s middleware: %w", name, err)
		}
	}
	return nil
}

// Handle registers h for requests whose method equals method and whose
// normalized endpoint matches pattern. An empty method or "*" matches every
// method. Handlers are tried in registration order.
func (r *Responder) Handle(method, pattern string, h HandlerFunc) error {
	if r == nil {
		return errspkg.ErrResponderRequired
	}
	if h == nil {
		return errspkg.ErrHandlerRequired
	}
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return errspkg.ErrPatternRequired
	}
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = "*"
	}

	r.routesMu.Lock()
	r.routes = append(r.routes, route{method: method, pattern: routingpkg.Normalize(pattern), handler: h})
	r.routesMu.Unlock()
	return nil
}

func (r *Responder) lookup(method, endpoint string) (HandlerFunc, bool) {
	r.routesMu.RLock()
	defer r.routesMu.RUnlock()
	for _, rt := range r.routes {
		if rt.method != "*" && rt.method != method {
			continue
		}
		if routingpkg.Match(rt.pattern, endpoint) {
			return rt.handler, true
		}
	}
	return nil, false
}

// Run consumes requests until ctx is cancelled or Close is called.
func (r *Responder) Run(ctx context.Context) error {
	if r == nil {
		return errspkg.ErrResponderRequired
	}
	return r.router.Run(ctx)
}

// Running is closed once the responder consumes requests.
func (r *Responder) Running() chan struct{} {
	return r.router.Running()
}

// Close stops the router and releases the transport.
func (r *Responder) Close() error {
	if r == nil {
		return errspkg.ErrResponderRequired
	}
	r.closeOnce.Do(func() {
		var errs []error
		if err := r.router.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := r.transport.Close(); err != nil {
			errs = append(errs, err)
		}
		r.closeErr = errors.Join(errs...)
	})
	return r.closeErr
}

// handleMessage acknowledges a request only after its response was
// published, so a failed publish leads to redelivery and a replay.
func (r *Responder) handleMessage(msg *message.Message) error {
	md := metadatapkg.FromWatermill(msg.Metadata)

	req, err := envelopepkg.DecodeRequest(msg.Payload)
	if err != nil {
		correlationID := req.CorrelationID
		if correlationID == "" {
			correlationID = md.CorrelationID()
		}
		if correlationID == "" {
			r.Logger.Error("Dropping request without correlation id", err, loggingpkg.LogFields{"message_uuid": msg.UUID})
			return nil
		}
		resp := envelopepkg.Failure(correlationID, "malformed request: "+err.Error(), time.Now())
		body, err := envelopepkg.Marshal(resp)
		if err != nil {
			return err
		}
		return r.publish(msg, md, correlationID, body)
	}

	v, _, shared := r.inflight.Do(req.CorrelationID, func() (any, error) {
		if cached, ok := r.sent.Get(req.CorrelationID); ok {
			r.Logger.Debug("Replaying response for redelivered request", loggingpkg.LogFields{"correlation_id": req.CorrelationID})
			return cached, nil
		}
		body := r.serve(msg.Context(), req, md)
		r.sent.Add(req.CorrelationID, body)
		return body, nil
	})
	if shared {
		r.Logger.Debug("Request served by a concurrent delivery", loggingpkg.LogFields{"correlation_id": req.CorrelationID})
	}
	return r.publish(msg, md, req.CorrelationID, v.([]byte))
}

// serve runs the matching handler and returns the encoded response. It
// never fails: every outcome, including a panic, becomes an envelope.
func (r *Responder) serve(ctx context.Context, req envelopepkg.Request, md metadatapkg.Metadata) (body []byte) {
	method := strings.ToUpper(req.Method)
	endpoint := routingpkg.Normalize(req.Endpoint)
	logger := r.Logger.With(loggingpkg.LogFields{
		"correlation_id": req.CorrelationID,
		"endpoint":       endpoint,
		"method":         method,
	})

	fail := func(reason string) []byte {
		out, err := envelopepkg.Marshal(envelopepkg.Failure(req.CorrelationID, reason, time.Now()))
		if err != nil {
			logger.Error("Failed to encode error response", err, nil)
			return nil
		}
		return out
	}

	defer func() {
		if p := recover(); p != nil {
			logger.Error("Handler panicked", fmt.Errorf("%v", p), nil)
			body = fail("internal error")
		}
	}()

	handler, ok := r.lookup(method, endpoint)
	if !ok {
		logger.Debug("No handler for request", nil)
		return fail(fmt.Sprintf("no handler for %s %s", method, endpoint))
	}

	attempt, err := strconv.Atoi(md[metadatapkg.KeyAttempt])
	if err != nil || attempt < 1 {
		attempt = 1
	}
	result, err := handler(ctx, &Request{
		Request:  req,
		Attempt:  attempt,
		Metadata: md,
		Logger:   logger,
	})
	if err != nil {
		logger.Info("Handler returned an error", loggingpkg.LogFields{"error": err.Error()})
		return fail(err.Error())
	}

	resp, err := envelopepkg.Success(req.CorrelationID, result, time.Now())
	if err != nil {
		logger.Error("Failed to encode handler result", err, nil)
		return fail("internal error")
	}
	out, err := envelopepkg.Marshal(resp)
	if err != nil {
		logger.Error("Failed to encode response", err, nil)
		return fail("internal error")
	}
	return out
}

func (r *Responder) publish(in *message.Message, md metadatapkg.Metadata, correlationID string, body []byte) error {
	if body == nil {
		return fmt.Errorf("no response for %s", correlationID)
	}
	topic := md[metadatapkg.KeyReplyTo]
	if topic == "" {
		topic = r.Conf.ResponseRoutingKey
	}

	out := metadatapkg.Metadata{
		metadatapkg.KeyCorrelationID: correlationID,
		metadatapkg.KeyDestination:   r.Destination,
	}
	r.propagator.Inject(in.Context(), out)

	resp := message.NewMessage(idspkg.NewMessageID(), body)
	resp.Metadata = metadatapkg.ToWatermill(out)
	resp.SetContext(in.Context())
	if err := r.publisher.Publish(topic, resp); err != nil {
		r.Logger.Error("Failed to publish response", err, loggingpkg.LogFields{"correlation_id": correlationID, "topic": topic})
		return err
	}
	return nil
}
