// Package rabbitmq provides the RabbitMQ/AMQP transport for fleetgate.
//
// Requests go to a durable topic exchange and are routed to one durable
// queue per destination ("<destination>.requests"), so replicas of a
// destination compete for work. Responses go to a second topic exchange;
// every gateway instance binds its own queue to the response routing key
// and therefore sees every response. A response queue expires once no
// instance has used it for ResponseQueueExpiry, so instances that go away
// leave nothing behind.
package rabbitmq

import (
	"context"
	"errors"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"
	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/drblury/fleetgate/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "rabbitmq"

// ResponseQueueExpiry is how long an unused per-instance response queue is
// kept by the broker.
const ResponseQueueExpiry = 30 * time.Minute

// ConnectionFactory allows overriding the connection creation for testing.
var ConnectionFactory = func(cfg amqp.ConnectionConfig, logger watermill.LoggerAdapter) (*amqp.ConnectionWrapper, error) {
	return amqp.NewConnection(cfg, logger)
}

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Publisher, error) {
	return amqp.NewPublisherWithConnection(cfg, logger, conn)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Subscriber, error) {
	return amqp.NewSubscriberWithConnection(cfg, logger, conn)
}

func init() {
	Register()
}

// Register registers the RabbitMQ transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.RabbitMQCapabilities)
}

// ConnectionConfig returns the connection settings for cfg. A non-zero
// heartbeat is passed through to the AMQP handshake.
func ConnectionConfig(cfg transport.Config) amqp.ConnectionConfig {
	conn := amqp.ConnectionConfig{
		AmqpURI:   cfg.GetRabbitMQURL(),
		TLSConfig: nil,
		Reconnect: amqp.DefaultReconnectConfig(),
	}
	if hb := cfg.GetHeartbeat(); hb > 0 {
		conn.AmqpConfig = &amqp091.Config{
			Heartbeat: hb,
			Locale:    "en_US",
		}
	}
	return conn
}

// Topology returns the pub/sub configuration implementing the request and
// response exchange layout.
func Topology(cfg transport.Config) amqp.Config {
	responseKey := cfg.GetResponseRoutingKey()
	instanceID := cfg.GetInstanceID()

	amqpConfig := amqp.NewDurablePubSubConfig(
		cfg.GetRabbitMQURL(),
		func(topic string) string {
			if topic == responseKey {
				return ResponseQueueName(responseKey, instanceID)
			}
			return topic
		},
	)
	amqpConfig.Connection = ConnectionConfig(cfg)

	amqpConfig.Exchange.Type = "topic"
	amqpConfig.Exchange.Durable = true
	amqpConfig.Exchange.GenerateName = func(topic string) string {
		if topic == responseKey {
			return cfg.GetResponseExchange()
		}
		return cfg.GetRequestExchange()
	}

	routingKey := func(topic string) string { return topic }
	amqpConfig.QueueBind.GenerateRoutingKey = routingKey
	amqpConfig.Publish.GenerateRoutingKey = routingKey

	if prefetch := cfg.GetPrefetchCount(); prefetch > 0 {
		amqpConfig.Consume.Qos.PrefetchCount = prefetch
	}
	return amqpConfig
}

// ResponseQueueName is the queue an instance consumes responses from.
func ResponseQueueName(responseKey, instanceID string) string {
	return responseKey + "." + instanceID
}

// ResponseTopology is Topology for the instance's response queue, which is
// declared with an x-expires argument. Request queues stay as they are.
func ResponseTopology(cfg transport.Config) amqp.Config {
	amqpConfig := Topology(cfg)
	amqpConfig.Queue.Arguments = amqp091.Table{
		"x-expires": ResponseQueueExpiry.Milliseconds(),
	}
	return amqpConfig
}

// Build creates a new RabbitMQ transport sharing one connection between
// the publisher and both subscribers.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	amqpConfig := Topology(cfg)

	conn, err := ConnectionFactory(amqpConfig.Connection, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	publisher, err := PublisherFactory(amqpConfig, logger, conn)
	if err != nil {
		return transport.Transport{}, err
	}

	requests, err := SubscriberFactory(amqpConfig, logger, conn)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, err
	}

	responses, err := SubscriberFactory(ResponseTopology(cfg), logger, conn)
	if err != nil {
		_ = requests.Close()
		_ = publisher.Close()
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher: publisher,
		Subscriber: &splitSubscriber{
			responseTopic: cfg.GetResponseRoutingKey(),
			responses:     responses,
			requests:      requests,
		},
	}, nil
}

// splitSubscriber consumes the response topic with the response subscriber
// and every other topic with the request subscriber.
type splitSubscriber struct {
	responseTopic string
	responses     message.Subscriber
	requests      message.Subscriber
}

func (s *splitSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if topic == s.responseTopic {
		return s.responses.Subscribe(ctx, topic)
	}
	return s.requests.Subscribe(ctx, topic)
}

func (s *splitSubscriber) Close() error {
	return errors.Join(s.responses.Close(), s.requests.Close())
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.RabbitMQCapabilities
}
