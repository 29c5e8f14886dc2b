package sblock

import (
	"context"
	"fmt"
	"reflect"

	envelopepkg "github.com/drblury/fleetgate/internal/runtime/envelope"
	errspkg "github.com/drblury/fleetgate/internal/runtime/errors"
)

// JSONHandler serves a request whose data decodes into T. T must be a
// pointer type; a fresh value is allocated for every request.
type JSONHandler[T any, O any] func(ctx context.Context, req *Request, payload T) (O, error)

// HandleJSON registers a typed handler on r. Requests whose data cannot be
// decoded into T are answered with an error response.
func HandleJSON[T any, O any](r *Responder, method, pattern string, handler JSONHandler[T, O]) error {
	if r == nil {
		return errspkg.ErrResponderRequired
	}
	if handler == nil {
		return errspkg.ErrHandlerRequired
	}

	prototypeFactory, err := jsonPrototypeFactory[T]()
	if err != nil {
		return err
	}

	return r.Handle(method, pattern, func(ctx context.Context, req *Request) (any, error) {
		typed := prototypeFactory()
		if len(req.Data) > 0 {
			if err := envelopepkg.Unmarshal(req.Data, typed); err != nil {
				return nil, fmt.Errorf("invalid request data: %w", err)
			}
		}
		return handler(ctx, req, typed)
	})
}

func jsonPrototypeFactory[T any]() (func() T, error) {
	var zero T
	typ := reflect.TypeOf(zero)
	if typ == nil {
		return nil, errspkg.ErrPayloadTypeRequired
	}
	if typ.Kind() != reflect.Ptr {
		return nil, errspkg.ErrPayloadPointerNeeded
	}
	elem := typ.Elem()
	return func() T {
		clone := reflect.New(elem).Interface()
		return clone.(T)
	}, nil
}
