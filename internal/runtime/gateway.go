package runtime

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	breakerpkg "github.com/drblury/fleetgate/internal/runtime/breaker"
	configpkg "github.com/drblury/fleetgate/internal/runtime/config"
	correlationpkg "github.com/drblury/fleetgate/internal/runtime/correlation"
	errspkg "github.com/drblury/fleetgate/internal/runtime/errors"
	loggingpkg "github.com/drblury/fleetgate/internal/runtime/logging"
	resiliencepkg "github.com/drblury/fleetgate/internal/runtime/resilience"
	routingpkg "github.com/drblury/fleetgate/internal/runtime/routing"
	tracingpkg "github.com/drblury/fleetgate/internal/runtime/tracing"
	transportpkg "github.com/drblury/fleetgate/internal/runtime/transport"
)

const shutdownGrace = 5 * time.Second

// GatewayDependencies holds the optional collaborators of a Gateway. Leave
// fields nil to use the defaults.
type GatewayDependencies struct {
	TransportFactory transportpkg.Factory
	// Routes replaces the built-in fleet routing table.
	Routes *routingpkg.Table
	Hooks  CallHooks
	// TracerProvider receives the spans of routed calls. The global provider
	// is used when nil.
	TracerProvider trace.TracerProvider
	// MetricsRegistry receives the gateway collectors. When nil the default
	// registry is used if metrics are enabled, a private one otherwise.
	MetricsRegistry *prometheus.Registry
}

// Gateway routes calls to destination services over the broker and pairs
// them with their asynchronous responses.
type Gateway struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	publisher  message.Publisher
	subscriber message.Subscriber
	transport  transportpkg.Transport

	routes       *routingpkg.Table
	breakers     *breakerpkg.Registry
	correlations *correlationpkg.Manager
	tracer       *tracingpkg.Tracer
	policy       resiliencepkg.Policy
	hooks        CallHooks

	metrics  *GatewayMetrics
	gatherer prometheus.Gatherer
	stats    *destinationStats

	httpServers   map[int]*http.ServeMux
	httpServersMu sync.Mutex
	servers       []*http.Server

	resourceTracker *resourceTracker

	lifecycleMu sync.Mutex
	started     bool
	cancel      context.CancelFunc
	consumeDone chan struct{}
	closed      bool
}

// NewGateway builds a Gateway for conf. Call Start before routing.
func NewGateway(ctx context.Context, conf *configpkg.Config, log loggingpkg.ServiceLogger, deps GatewayDependencies) (*Gateway, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if err := conf.Validate(); err != nil {
		return nil, errspkg.NewConfigValidationError(err)
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}

	log.Info("Creating gateway", loggingpkg.LogFields{
		"pubsub_system": conf.PubSubSystem,
		"instance_id":   conf.InstanceID,
		"config":        conf,
	})

	routes := deps.Routes
	if routes == nil {
		routes = routingpkg.DefaultTable()
	}

	g := &Gateway{
		Conf:            conf,
		Logger:          log,
		routes:          routes,
		hooks:           deps.Hooks,
		stats:           newDestinationStats(),
		resourceTracker: newResourceTracker(),
		policy: resiliencepkg.Policy{
			MaxRetries:    conf.RetryMaxRetries,
			BaseDelay:     conf.RetryBaseDelay,
			MaxDelay:      conf.RetryMaxDelay,
			RetryTimeouts: conf.RetryTimeouts,
		},
	}

	if err := g.setupMetrics(conf, deps.MetricsRegistry); err != nil {
		return nil, err
	}

	tracer, err := tracingpkg.New(conf.TraceRetention,
		tracingpkg.WithLogger(log.With(loggingpkg.LogFields{"component": "tracer"})),
		tracingpkg.WithTracerProvider(deps.TracerProvider),
	)
	if err != nil {
		return nil, err
	}
	g.tracer = tracer

	g.breakers = breakerpkg.NewRegistry(
		func(destination string) breakerpkg.Settings {
			threshold, cooldown := conf.BreakerSettings(destination)
			return breakerpkg.Settings{FailureThreshold: threshold, Cooldown: cooldown}
		},
		breakerpkg.WithLogger(log),
		breakerpkg.WithStateChange(g.metrics.RecordBreakerTransition),
	)

	g.correlations = correlationpkg.NewManager(
		correlationpkg.WithLogger(log.With(loggingpkg.LogFields{"component": "correlation"})),
		correlationpkg.WithDropHook(g.metrics.RecordDroppedResponse),
	)
	g.metrics.ObservePending(g.correlations.Pending)

	factory := deps.TransportFactory
	if factory == nil {
		factory = transportpkg.DefaultFactory()
	}
	transport, err := factory.Build(ctx, conf, loggingpkg.NewWatermillAdapter(log))
	if err != nil {
		return nil, fmt.Errorf("build %s transport: %w", conf.PubSubSystem, err)
	}
	if transport.Publisher == nil {
		return nil, errspkg.ErrPublisherRequired
	}
	if transport.Subscriber == nil {
		return nil, errspkg.ErrSubscriberRequired
	}
	g.transport = transport
	g.publisher = transport.Publisher
	g.subscriber = transport.Subscriber

	return g, nil
}

func (g *Gateway) setupMetrics(conf *configpkg.Config, registry *prometheus.Registry) error {
	var registerer prometheus.Registerer
	switch {
	case registry != nil:
		registerer, g.gatherer = registry, registry
	case conf.MetricsEnabled:
		registerer, g.gatherer = prometheus.DefaultRegisterer, prometheus.DefaultGatherer
	default:
		private := prometheus.NewRegistry()
		registerer, g.gatherer = private, private
	}
	g.metrics = NewGatewayMetrics(registerer)
	if err := g.metrics.Register(); err != nil {
		return fmt.Errorf("register gateway metrics: %w", err)
	}
	return nil
}

// Start binds the response path and starts the HTTP servers. It returns
// without waiting for readiness; routed calls wait for it on their own.
func (g *Gateway) Start(ctx context.Context) error {
	if g == nil {
		return errspkg.ErrGatewayRequired
	}
	g.lifecycleMu.Lock()
	defer g.lifecycleMu.Unlock()
	if g.closed {
		return errspkg.ErrGatewayClosed
	}
	if g.started {
		return nil
	}
	g.started = true

	consumeCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	g.cancel = cancel
	g.consumeDone = make(chan struct{})

	go func() {
		defer close(g.consumeDone)
		if err := g.correlations.Run(consumeCtx, g.subscriber, g.Conf.ResponseRoutingKey); err != nil {
			g.Logger.Error("Response consumption stopped", err, loggingpkg.LogFields{"topic": g.Conf.ResponseRoutingKey})
		}
	}()

	if g.Conf.HTTPPort > 0 {
		g.RegisterHTTPHandler(g.Conf.HTTPPort, "/", g.HTTPHandler())
	}
	if g.Conf.MetricsEnabled && g.Conf.MetricsPort > 0 {
		g.RegisterHTTPHandler(g.Conf.MetricsPort, "/metrics", promhttp.HandlerFor(g.gatherer, promhttp.HandlerOpts{}))
	}
	return g.startHTTPServers()
}

// Run starts the gateway and blocks until ctx is done, then closes it.
func (g *Gateway) Run(ctx context.Context) error {
	if err := g.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()

	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	return g.Close(closeCtx)
}

// Ready returns a channel closed while the response path is bound.
func (g *Gateway) Ready() <-chan struct{} {
	return g.correlations.Ready()
}

// WaitReady blocks until the response path is bound, at most READY_TIMEOUT.
func (g *Gateway) WaitReady(ctx context.Context) error {
	return g.correlations.WaitReady(ctx, g.Conf.ReadyTimeout)
}

// Close waits for pending calls to resolve or ctx to expire, then stops
// consuming responses, shuts the HTTP servers down and closes the transport.
func (g *Gateway) Close(ctx context.Context) error {
	if g == nil {
		return errspkg.ErrGatewayRequired
	}
	g.lifecycleMu.Lock()
	if g.closed {
		g.lifecycleMu.Unlock()
		return nil
	}
	g.closed = true
	cancel, done := g.cancel, g.consumeDone
	g.lifecycleMu.Unlock()

	var errs []error
	if err := g.correlations.Drain(ctx); err != nil {
		g.Logger.Error("Closing with calls still pending", err, loggingpkg.LogFields{"pending": g.correlations.Pending()})
		errs = append(errs, err)
	}

	g.httpServersMu.Lock()
	servers := g.servers
	g.servers = nil
	g.httpServersMu.Unlock()
	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown %s: %w", srv.Addr, err))
		}
	}

	if cancel != nil {
		cancel()
	}
	if err := g.transport.Close(); err != nil {
		errs = append(errs, err)
	}
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
		}
	}

	g.Logger.Info("Gateway closed", nil)
	return errors.Join(errs...)
}

// Pending returns the number of calls awaiting a response.
func (g *Gateway) Pending() int {
	return g.correlations.Pending()
}

// Breakers returns the state of every destination breaker created so far.
func (g *Gateway) Breakers() []breakerpkg.Snapshot {
	return g.breakers.Snapshots()
}

// Trace returns the trace of a call, active or retained.
func (g *Gateway) Trace(correlationID string) (tracingpkg.TraceContext, bool) {
	return g.tracer.Get(correlationID)
}

// Metrics exposes the gateway's Prometheus collectors.
func (g *Gateway) Metrics() *GatewayMetrics {
	return g.metrics
}

// RegisterHTTPHandler mounts handler on the server listening on port. Servers
// are started by Start.
func (g *Gateway) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	g.httpServersMu.Lock()
	defer g.httpServersMu.Unlock()

	if g.httpServers == nil {
		g.httpServers = make(map[int]*http.ServeMux)
	}

	mux, ok := g.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		g.httpServers[port] = mux
	}

	mux.Handle(pattern, handler)
}

func (g *Gateway) startHTTPServers() error {
	g.httpServersMu.Lock()
	defer g.httpServersMu.Unlock()

	for port, mux := range g.httpServers {
		addr := fmt.Sprintf(":%d", port)
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", addr, err)
		}
		srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		g.servers = append(g.servers, srv)
		g.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": addr})
		go func() {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				g.Logger.Error("HTTP server stopped", err, loggingpkg.LogFields{"address": addr})
			}
		}()
	}
	g.httpServers = nil
	return nil
}

func (g *Gateway) getResourceTracker() *resourceTracker {
	if g.resourceTracker == nil {
		g.resourceTracker = newResourceTracker()
	}
	return g.resourceTracker
}
