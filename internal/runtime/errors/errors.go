package errors

import (
	sterrors "errors"
	"fmt"
	"net/http"
	"time"
)

var (
	ErrGatewayRequired         = sterrors.New("fleetgate: gateway is required")
	ErrGatewayClosed           = sterrors.New("fleetgate: gateway is closed")
	ErrPublisherRequired       = sterrors.New("fleetgate: publisher is required")
	ErrSubscriberRequired      = sterrors.New("fleetgate: subscriber is required")
	ErrTopicRequired           = sterrors.New("fleetgate: topic is required")
	ErrConfigRequired          = sterrors.New("fleetgate: configuration is required")
	ErrLoggerRequired          = sterrors.New("fleetgate: logger is required")
	ErrCorrelationIDRequired   = sterrors.New("fleetgate: correlation id is required")
	ErrDuplicateCorrelationID  = sterrors.New("fleetgate: correlation id is already pending")
	ErrUnknownCorrelationID    = sterrors.New("fleetgate: correlation id is not pending")
	ErrHandlerRequired         = sterrors.New("fleetgate: handler function is required")
	ErrDestinationRequired     = sterrors.New("fleetgate: destination is required")
	ErrCorrelationManagerClose = sterrors.New("fleetgate: correlation manager is closed")
	ErrResponderRequired       = sterrors.New("fleetgate: responder is required")
	ErrPatternRequired         = sterrors.New("fleetgate: endpoint pattern is required")
	ErrPayloadTypeRequired     = sterrors.New("fleetgate: payload type is required")
	ErrPayloadPointerNeeded    = sterrors.New("fleetgate: payload type must be a pointer")
)

// Kind discriminates the errors surfaced to callers of Route.
type Kind string

const (
	KindNone               Kind = ""
	KindRouting            Kind = "routing"
	KindCircuitOpen        Kind = "circuit_open"
	KindServiceUnavailable Kind = "service_unavailable"
	KindTimeout            Kind = "timeout"
	KindService            Kind = "service"
	KindTransport          Kind = "transport"
	KindInternal           Kind = "internal"
)

// RoutingError reports that no destination is configured for an endpoint.
type RoutingError struct {
	Endpoint string
}

func (e *RoutingError) Error() string {
	return fmt.Sprintf("fleetgate: no destination for endpoint %q", e.Endpoint)
}

func (e *RoutingError) Kind() Kind      { return KindRouting }
func (e *RoutingError) StatusCode() int { return http.StatusNotFound }

// CircuitBreakerOpenError is returned without touching the transport while a
// destination's breaker rejects calls.
type CircuitBreakerOpenError struct {
	Destination string
	Cause       error
}

func (e *CircuitBreakerOpenError) Error() string {
	return fmt.Sprintf("fleetgate: circuit breaker open for %s", e.Destination)
}

func (e *CircuitBreakerOpenError) Unwrap() error   { return e.Cause }
func (e *CircuitBreakerOpenError) Kind() Kind      { return KindCircuitOpen }
func (e *CircuitBreakerOpenError) StatusCode() int { return http.StatusServiceUnavailable }

// ServiceUnavailableError reports that the gateway cannot dispatch a call,
// for example because the response path is not bound yet.
type ServiceUnavailableError struct {
	Destination string
	Reason      string
}

func (e *ServiceUnavailableError) Error() string {
	if e.Destination == "" {
		return "fleetgate: service unavailable: " + e.Reason
	}
	return fmt.Sprintf("fleetgate: %s unavailable: %s", e.Destination, e.Reason)
}

func (e *ServiceUnavailableError) Kind() Kind      { return KindServiceUnavailable }
func (e *ServiceUnavailableError) StatusCode() int { return http.StatusServiceUnavailable }

// ServiceTimeoutError means no response arrived before the deadline. The
// remote outcome is unknown.
type ServiceTimeoutError struct {
	Destination   string
	CorrelationID string
	Timeout       time.Duration
}

func (e *ServiceTimeoutError) Error() string {
	return fmt.Sprintf("fleetgate: %s did not respond within %v (correlation %s)", e.Destination, e.Timeout, e.CorrelationID)
}

func (e *ServiceTimeoutError) Kind() Kind      { return KindTimeout }
func (e *ServiceTimeoutError) StatusCode() int { return http.StatusGatewayTimeout }

// ServiceError carries a failure reported by the destination itself.
type ServiceError struct {
	Destination string
	Message     string
}

func (e *ServiceError) Error() string {
	if e.Destination == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Destination, e.Message)
}

func (e *ServiceError) Kind() Kind      { return KindService }
func (e *ServiceError) StatusCode() int { return http.StatusInternalServerError }

// TransportError wraps a broker-level failure such as a publish error.
type TransportError struct {
	Destination string
	Op          string
	Err         error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("fleetgate: transport %s to %s failed: %v", e.Op, e.Destination, e.Err)
}

func (e *TransportError) Unwrap() error   { return e.Err }
func (e *TransportError) Kind() Kind      { return KindTransport }
func (e *TransportError) StatusCode() int { return http.StatusBadGateway }

type kinded interface {
	Kind() Kind
	StatusCode() int
}

// KindOf returns the kind of the first typed error in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	var k kinded
	if sterrors.As(err, &k) {
		return k.Kind()
	}
	return KindInternal
}

// StatusCode maps err onto the HTTP status a gateway handler should return.
func StatusCode(err error) int {
	if err == nil {
		return http.StatusOK
	}
	var k kinded
	if sterrors.As(err, &k) {
		return k.StatusCode()
	}
	return http.StatusInternalServerError
}

// Retryable reports whether err is a transient fault the resilience executor
// may retry. Timeouts are only retryable when retryTimeouts is set.
func Retryable(err error, retryTimeouts bool) bool {
	switch KindOf(err) {
	case KindTransport:
		return true
	case KindTimeout:
		return retryTimeouts
	default:
		return false
	}
}

// ConfigValidationError wraps configuration validation failures.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "fleetgate: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error { return e.Err }

// NewConfigValidationError returns nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}
