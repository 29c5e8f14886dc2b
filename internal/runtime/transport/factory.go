package transport

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/drblury/fleetgate/internal/runtime/config"
	"github.com/drblury/fleetgate/transport"

	// Import all transport packages to register them.
	_ "github.com/drblury/fleetgate/transport/transports"
)

// Transport is the publisher and subscriber pair used by the gateway.
type Transport = transport.Transport

// Factory abstracts how fleetgate initialises message transports.
type Factory interface {
	Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error)

// Build calls f.
func (f FactoryFunc) Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error) {
	return f(ctx, conf, logger)
}

// Static returns a Factory that always hands out tr. It lets several
// components share one in-memory transport.
func Static(tr Transport) Factory {
	return FactoryFunc(func(context.Context, *config.Config, watermill.LoggerAdapter) (Transport, error) {
		return tr, nil
	})
}

// DefaultFactory returns the built-in transport factory that uses the
// transport registry.
func DefaultFactory() Factory {
	return defaultFactory{}
}

type defaultFactory struct{}

func (defaultFactory) Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error) {
	if conf == nil {
		return Transport{}, fmt.Errorf("config is required")
	}
	return transport.Build(ctx, conf, logger)
}
