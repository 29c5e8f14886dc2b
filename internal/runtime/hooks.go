package runtime

import (
	"context"
	"time"

	errspkg "github.com/drblury/fleetgate/internal/runtime/errors"
	loggingpkg "github.com/drblury/fleetgate/internal/runtime/logging"
)

// CallContext provides information about a routed call to hooks.
type CallContext struct {
	// CorrelationID pairs the call's request and response messages.
	CorrelationID string
	// Destination is the service the call was routed to.
	Destination string
	// Endpoint is the normalized endpoint.
	Endpoint string
	// Method is the upper-cased request method.
	Method string
	// InitiatorID is the caller's user id, "anonymous" when unknown.
	InitiatorID string
	// Context is the call's context, carrying its trace span.
	Context context.Context
	// StartedAt is when the call was accepted.
	StartedAt time.Time
	// Duration is how long the call took (only set in OnCallDone and OnCallError).
	Duration time.Duration
	// Attempts is the number of publish attempts made (only set in
	// OnCallDone and OnCallError). Zero means the breaker rejected the call.
	Attempts int
}

// CallHooks defines callbacks for the lifecycle of a routed call.
// All hooks are optional - nil hooks are simply not called.
type CallHooks struct {
	// OnCallStart is called once the destination is resolved and the
	// correlation id generated, before the first attempt.
	OnCallStart func(ctx CallContext)

	// OnCallDone is called when the destination answered with success.
	OnCallDone func(ctx CallContext)

	// OnCallError is called when the call failed for any reason after it
	// started.
	OnCallError func(ctx CallContext, err error)
}

// Merge combines two CallHooks, creating a new CallHooks that calls both.
// The hooks from 'other' are called after the hooks from 'h'.
func (h CallHooks) Merge(other CallHooks) CallHooks {
	return CallHooks{
		OnCallStart: chainCallHooks(h.OnCallStart, other.OnCallStart),
		OnCallDone:  chainCallHooks(h.OnCallDone, other.OnCallDone),
		OnCallError: chainErrorHooks(h.OnCallError, other.OnCallError),
	}
}

func chainCallHooks(a, b func(CallContext)) func(CallContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx CallContext) {
		a(ctx)
		b(ctx)
	}
}

func chainErrorHooks(a, b func(CallContext, error)) func(CallContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx CallContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

// LoggingHooks returns pre-built hooks that log call lifecycle events.
func LoggingHooks(logger loggingpkg.ServiceLogger) CallHooks {
	return CallHooks{
		OnCallStart: func(ctx CallContext) {
			logger.Debug("Call started", loggingpkg.LogFields{
				"correlation_id": ctx.CorrelationID,
				"destination":    ctx.Destination,
				"endpoint":       ctx.Endpoint,
				"method":         ctx.Method,
				"initiator":      ctx.InitiatorID,
			})
		},
		OnCallDone: func(ctx CallContext) {
			logger.Info("Call completed", loggingpkg.LogFields{
				"correlation_id": ctx.CorrelationID,
				"destination":    ctx.Destination,
				"endpoint":       ctx.Endpoint,
				"attempts":       ctx.Attempts,
				"duration_ms":    ctx.Duration.Milliseconds(),
			})
		},
		OnCallError: func(ctx CallContext, err error) {
			logger.Error("Call failed", err, loggingpkg.LogFields{
				"correlation_id": ctx.CorrelationID,
				"destination":    ctx.Destination,
				"endpoint":       ctx.Endpoint,
				"kind":           string(errspkg.KindOf(err)),
				"attempts":       ctx.Attempts,
				"duration_ms":    ctx.Duration.Milliseconds(),
			})
		},
	}
}

// MetricsHooks returns pre-built hooks that forward call events to external
// counters keyed by destination.
func MetricsHooks(onStart, onDone func(destination string), onError func(destination string, kind errspkg.Kind)) CallHooks {
	return CallHooks{
		OnCallStart: func(ctx CallContext) {
			if onStart != nil {
				onStart(ctx.Destination)
			}
		},
		OnCallDone: func(ctx CallContext) {
			if onDone != nil {
				onDone(ctx.Destination)
			}
		},
		OnCallError: func(ctx CallContext, err error) {
			if onError != nil {
				onError(ctx.Destination, errspkg.KindOf(err))
			}
		},
	}
}

// AlertingHooks returns pre-built hooks that trigger alerts on failed calls
// whose kind is one of kinds, or on every failure when kinds is empty.
func AlertingHooks(alertFunc func(ctx CallContext, err error), kinds ...errspkg.Kind) CallHooks {
	if alertFunc == nil {
		return CallHooks{}
	}
	if len(kinds) == 0 {
		return CallHooks{OnCallError: alertFunc}
	}
	wanted := make(map[errspkg.Kind]struct{}, len(kinds))
	for _, k := range kinds {
		wanted[k] = struct{}{}
	}
	return CallHooks{
		OnCallError: func(ctx CallContext, err error) {
			if _, ok := wanted[errspkg.KindOf(err)]; ok {
				alertFunc(ctx, err)
			}
		},
	}
}
