package fleetgate

import (
	"context"

	runtimepkg "github.com/drblury/fleetgate/internal/runtime"
	breakerpkg "github.com/drblury/fleetgate/internal/runtime/breaker"
	configpkg "github.com/drblury/fleetgate/internal/runtime/config"
	envelopepkg "github.com/drblury/fleetgate/internal/runtime/envelope"
	errspkg "github.com/drblury/fleetgate/internal/runtime/errors"
	idspkg "github.com/drblury/fleetgate/internal/runtime/ids"
	loggingpkg "github.com/drblury/fleetgate/internal/runtime/logging"
	metadatapkg "github.com/drblury/fleetgate/internal/runtime/metadata"
	resiliencepkg "github.com/drblury/fleetgate/internal/runtime/resilience"
	routingpkg "github.com/drblury/fleetgate/internal/runtime/routing"
	tracingpkg "github.com/drblury/fleetgate/internal/runtime/tracing"
	transportpkg "github.com/drblury/fleetgate/internal/runtime/transport"
	"github.com/drblury/fleetgate/sblock"
	newtransport "github.com/drblury/fleetgate/transport"
)

type (
	Config              = configpkg.Config
	Gateway             = runtimepkg.Gateway
	GatewayDependencies = runtimepkg.GatewayDependencies
	GatewayMetrics      = runtimepkg.GatewayMetrics
	GatewayStatus       = runtimepkg.GatewayStatus
	Transport           = transportpkg.Transport
	TransportFactory    = transportpkg.Factory
	TransportFunc       = transportpkg.FactoryFunc

	Request    = runtimepkg.Request
	Result     = runtimepkg.Result
	CallOption = runtimepkg.CallOption

	UserContext      = envelopepkg.UserContext
	RequestEnvelope  = envelopepkg.Request
	ResponseEnvelope = envelopepkg.Response

	RouteRule  = routingpkg.Rule
	RouteTable = routingpkg.Table

	RetryPolicy      = resiliencepkg.Policy
	BreakerSettings  = breakerpkg.Settings
	BreakerSnapshot  = breakerpkg.Snapshot
	BreakerState     = breakerpkg.State
	TraceContext     = tracingpkg.TraceContext
	TraceCallRecord  = tracingpkg.CallRecord
	DestinationStats = runtimepkg.DestinationStats

	Metadata = metadatapkg.Metadata

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	// Call lifecycle hooks
	CallContext = runtimepkg.CallContext
	CallHooks   = runtimepkg.CallHooks

	// Error taxonomy
	ErrorKind               = errspkg.Kind
	RoutingError            = errspkg.RoutingError
	CircuitBreakerOpenError = errspkg.CircuitBreakerOpenError
	ServiceUnavailableError = errspkg.ServiceUnavailableError
	ServiceTimeoutError     = errspkg.ServiceTimeoutError
	ServiceError            = errspkg.ServiceError
	TransportError          = errspkg.TransportError
	ConfigValidationError   = errspkg.ConfigValidationError
	ErrorBody               = runtimepkg.ErrorBody

	// Destination side
	Responder              = sblock.Responder
	ResponderDependencies  = sblock.Dependencies
	ResponderRequest       = sblock.Request
	ResponderHandler       = sblock.HandlerFunc
	MiddlewareBuilder      = sblock.MiddlewareBuilder
	MiddlewareRegistration = sblock.MiddlewareRegistration

	// Transport capabilities
	Capabilities = newtransport.Capabilities

	// Modular transport types
	TransportBuilder  = newtransport.Builder
	TransportConfig   = newtransport.Config
	TransportRegistry = newtransport.Registry
)

var (
	NewGateway     = runtimepkg.NewGateway
	LoadConfig     = configpkg.Load
	ValidateConfig = configpkg.ValidateConfig

	WithTimeout     = runtimepkg.WithTimeout
	WithRetryPolicy = runtimepkg.WithRetryPolicy

	DefaultRetryPolicy = resiliencepkg.DefaultPolicy
	NoRetry            = resiliencepkg.NoRetry

	DefaultRoutes = routingpkg.DefaultRules
	NewRouteTable = routingpkg.NewTable
	ExactRoute    = routingpkg.Exact
	GlobRoute     = routingpkg.Glob
	Normalize     = routingpkg.Normalize

	// Call lifecycle hooks
	LoggingHooks  = runtimepkg.LoggingHooks
	MetricsHooks  = runtimepkg.MetricsHooks
	AlertingHooks = runtimepkg.AlertingHooks

	// Destination side
	NewResponder          = sblock.NewResponder
	DefaultMiddlewares    = sblock.DefaultMiddlewares
	LogMessagesMiddleware = sblock.LogMessagesMiddleware
	TracerMiddleware      = sblock.TracerMiddleware
	MetricsMiddleware     = sblock.MetricsMiddleware
	RecovererMiddleware   = sblock.RecovererMiddleware

	// Transports
	StaticTransport          = transportpkg.Static
	DefaultTransportFactory  = transportpkg.DefaultFactory
	GetCapabilities          = newtransport.GetCapabilities
	DefaultTransportRegistry = newtransport.DefaultRegistry
	RegisterTransport        = newtransport.Register
	BuildTransport           = newtransport.Build

	RequestTopic = envelopepkg.RequestTopic
	Marshal      = envelopepkg.Marshal
	Unmarshal    = envelopepkg.Unmarshal
	Encode       = envelopepkg.Encode
	Decode       = envelopepkg.Decode

	KindOf         = errspkg.KindOf
	HTTPStatusCode = errspkg.StatusCode

	ErrGatewayRequired     = errspkg.ErrGatewayRequired
	ErrGatewayClosed       = errspkg.ErrGatewayClosed
	ErrConfigRequired      = errspkg.ErrConfigRequired
	ErrLoggerRequired      = errspkg.ErrLoggerRequired
	ErrHandlerRequired     = errspkg.ErrHandlerRequired
	ErrDestinationRequired = errspkg.ErrDestinationRequired
	ErrResponderRequired   = errspkg.ErrResponderRequired
	ErrPatternRequired     = errspkg.ErrPatternRequired

	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	NewNopServiceLogger  = loggingpkg.NewNopServiceLogger
	NewLogger            = loggingpkg.New

	NewCorrelationID = idspkg.NewCorrelationID
)

// Destination names of the default route table.
const (
	DestinationManagement  = routingpkg.DestinationManagement
	DestinationMaintenance = routingpkg.DestinationMaintenance
	DestinationTrips       = routingpkg.DestinationTrips
	DestinationGPS         = routingpkg.DestinationGPS
	DestinationUtilities   = routingpkg.DestinationUtilities
)

// Error kinds reported by KindOf.
const (
	KindRouting            = errspkg.KindRouting
	KindCircuitOpen        = errspkg.KindCircuitOpen
	KindServiceUnavailable = errspkg.KindServiceUnavailable
	KindTimeout            = errspkg.KindTimeout
	KindService            = errspkg.KindService
	KindTransport          = errspkg.KindTransport
)

// Metadata keys carried on every request and response message.
const (
	MetadataKeyCorrelationID = metadatapkg.KeyCorrelationID
	MetadataKeyDestination   = metadatapkg.KeyDestination
	MetadataKeyEndpoint      = metadatapkg.KeyEndpoint
	MetadataKeyAttempt       = metadatapkg.KeyAttempt
	MetadataKeyReplyTo       = metadatapkg.KeyReplyTo
)

// RouteInto routes a call and decodes the destination's payload into T.
func RouteInto[T any](ctx context.Context, g *Gateway, endpoint, method string, payload any, caller UserContext, opts ...CallOption) (T, error) {
	return runtimepkg.RouteInto[T](ctx, g, endpoint, method, payload, caller, opts...)
}

// HandleJSON registers a typed handler on a Responder. T must be a pointer type.
func HandleJSON[T any, O any](r *Responder, method, pattern string, handler func(ctx context.Context, req *ResponderRequest, payload T) (O, error)) error {
	return sblock.HandleJSON[T, O](r, method, pattern, handler)
}
