package sblock

import (
	"errors"

	"github.com/ThreeDotsLabs/watermill/components/metrics"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	loggingpkg "github.com/drblury/fleetgate/internal/runtime/logging"
	metadatapkg "github.com/drblury/fleetgate/internal/runtime/metadata"
)

// MiddlewareBuilder constructs a handler middleware for a Responder.
type MiddlewareBuilder func(*Responder) (message.HandlerMiddleware, error)

// MiddlewareRegistration captures how a middleware is registered on a
// Responder's router. A Builder returning a nil middleware is skipped.
type MiddlewareRegistration struct {
	Name       string
	Middleware message.HandlerMiddleware
	Builder    MiddlewareBuilder
}

// DefaultMiddlewares returns the chain installed by NewResponder.
func DefaultMiddlewares() []MiddlewareRegistration {
	return []MiddlewareRegistration{
		LogMessagesMiddleware(nil),
		TracerMiddleware(),
		MetricsMiddleware(),
		RecovererMiddleware(),
	}
}

// MetricsMiddleware adds Watermill's Prometheus router metrics. It is a
// no-op when the Responder has no metrics registerer.
func MetricsMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "metrics",
		Builder: func(r *Responder) (message.HandlerMiddleware, error) {
			if r.registerer == nil {
				return nil, nil
			}

			metricsBuilder := metrics.NewPrometheusMetricsBuilder(
				r.registerer,
				"fleetgate",
				"sblock",
			)
			metricsBuilder.AddPrometheusRouterMetrics(r.router)

			return metricsBuilder.NewRouterMiddleware().Middleware, nil
		},
	}
}

// LogMessagesMiddleware logs every consumed request with its metadata. A nil
// logger uses the Responder's.
func LogMessagesMiddleware(logger loggingpkg.ServiceLogger) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "log_messages",
		Builder: func(r *Responder) (message.HandlerMiddleware, error) {
			l := logger
			if l == nil {
				l = r.Logger
			}
			if l == nil {
				return nil, errors.New("log messages middleware requires a logger")
			}
			return logMessagesMiddleware(l), nil
		},
	}
}

// TracerMiddleware continues the gateway's trace: the W3C context carried in
// the request metadata becomes the parent of a consumer span.
func TracerMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "tracer",
		Builder: func(r *Responder) (message.HandlerMiddleware, error) {
			return r.tracerMiddleware(), nil
		},
	}
}

// RecovererMiddleware converts panics outside handlers into errors so the
// request is nacked instead of crashing the process.
func RecovererMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "recoverer",
		Middleware: middleware.Recoverer,
	}
}

// RegisterMiddleware attaches the supplied middleware to the router. It
// must be called before Run.
func (r *Responder) RegisterMiddleware(cfg MiddlewareRegistration) error {
	if r.router == nil {
		return errors.New("router is not initialised")
	}

	var mw message.HandlerMiddleware
	switch {
	case cfg.Middleware != nil:
		mw = cfg.Middleware
	case cfg.Builder != nil:
		var err error
		mw, err = cfg.Builder(r)
		if err != nil {
			return err
		}
	default:
		return errors.New("middleware registration requires Middleware or Builder")
	}

	if mw == nil {
		return nil
	}

	r.router.AddMiddleware(mw)
	return nil
}

func logMessagesMiddleware(logger loggingpkg.ServiceLogger) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			logger.Debug("Processing request", loggingpkg.LogFields{
				"message_uuid": msg.UUID,
				"payload":      string(msg.Payload),
				"metadata":     msg.Metadata,
			})
			return h(msg)
		}
	}
}

func (r *Responder) tracerMiddleware() message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			md := metadatapkg.FromWatermill(msg.Metadata)
			parent := r.propagator.Extract(msg.Context(), md)

			ctx, span := r.tracer.Start(parent, r.Destination+" request",
				trace.WithSpanKind(trace.SpanKindConsumer),
				trace.WithAttributes(
					attribute.String("messaging.message.id", msg.UUID),
					attribute.String("fleetgate.correlation_id", md.CorrelationID()),
					attribute.String("fleetgate.destination", r.Destination),
					attribute.String("fleetgate.endpoint", md[metadatapkg.KeyEndpoint]),
				),
			)
			defer span.End()
			msg.SetContext(ctx)

			out, err := h(msg)
			if err != nil {
				span.RecordError(err)
			}
			return out, err
		}
	}
}
