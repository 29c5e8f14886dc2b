// Package fleetgate is the Core of the fleet platform gateway. It turns a
// call for an HTTP-style endpoint into a request message for the backend
// service owning that endpoint, publishes it on the broker, and waits for the
// matching response on a shared response stream.
//
// Gateway reads the target transport (RabbitMQ, NATS, Kafka or Go Channels)
// from Config, binds its response consumer, and exposes Route, RouteInto and
// Call. Each destination is guarded by its own circuit breaker; transient
// failures are retried with exponential backoff while the correlation id of
// the call stays the same, so a late response from an earlier attempt still
// completes the call. A minimal setup fills Config, creates a Gateway with
// NewGateway, calls Start, and routes.
//
// # Routing
//
// Endpoints are normalised by stripping the /api and /api/vN prefixes and
// matched against an ordered route table. Exact routes are tried before glob
// routes; the built-in table maps vehicles, drivers and analytics to
// management, and gps and locations to gps. Pass GatewayDependencies.Routes
// to replace it.
//
// # Errors
//
// Failed calls return one of RoutingError, CircuitBreakerOpenError,
// ServiceUnavailableError, ServiceTimeoutError, ServiceError or
// TransportError. KindOf names the kind and HTTPStatusCode maps it for HTTP
// surfaces. Only transport failures and timeouts count toward a breaker.
//
// # Destinations
//
// Responder is the destination side: it consumes <destination>.requests,
// dispatches to handlers registered with Handle or HandleJSON, and publishes
// exactly one response per correlation id, replaying the cached response for
// redelivered requests.
//
// # Call Hooks
//
// CallHooks provides OnCallStart, OnCallDone, and OnCallError callbacks for
// custom logging, metrics collection, and alerting around routed calls.
// LoggingHooks, MetricsHooks and AlertingHooks are ready-made sets that can be
// combined with Merge.
package fleetgate
