// Package transport defines the broker adapter contract used by fleetgate.
// Each broker implementation lives in its own sub-package and registers
// itself with the transport registry.
package transport

import (
	"context"
	"errors"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Transport combines a publisher and subscriber pair produced by a builder.
//
// Requests are published with the destination's request routing key as the
// topic. Responses are consumed by subscribing to the response routing key;
// each gateway instance receives its own copy.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
}

// Close releases the publisher and the subscriber. A pub/sub that serves
// both roles is closed once.
func (t Transport) Close() error {
	var errs []error
	if t.Publisher != nil {
		if err := t.Publisher.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if t.Subscriber != nil && !sameInstance(t.Publisher, t.Subscriber) {
		if err := t.Subscriber.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func sameInstance(pub message.Publisher, sub message.Subscriber) bool {
	if pub == nil || sub == nil {
		return false
	}
	ps, ok := pub.(message.Subscriber)
	if !ok {
		return false
	}
	return ps == sub
}

// Builder is the function signature for creating a transport from config.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// Config provides the configuration values needed by transports without
// depending on the full config package.
type Config interface {
	// GetPubSubSystem returns the transport type name.
	GetPubSubSystem() string

	// GetInstanceID identifies this process. Response queues and consumer
	// groups are derived from it so every instance sees every response.
	GetInstanceID() string

	// GetResponseRoutingKey is the topic responses are published under.
	GetResponseRoutingKey() string

	// RabbitMQ
	GetRabbitMQURL() string
	GetRequestExchange() string
	GetResponseExchange() string
	GetHeartbeat() time.Duration
	GetPrefetchCount() int

	// NATS
	GetNATSURL() string

	// Kafka
	GetKafkaBrokers() []string

	// GetConsumerGroup names the Kafka consumer group and NATS queue group.
	// Empty derives a group from the instance id.
	GetConsumerGroup() string
}

// CapabilitiesProvider is implemented by transports that can report their capabilities.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}

// ConsumerGroup returns the configured group or one derived from the
// instance id.
func ConsumerGroup(cfg Config) string {
	if group := cfg.GetConsumerGroup(); group != "" {
		return group
	}
	return "fleetgate-" + cfg.GetInstanceID()
}
