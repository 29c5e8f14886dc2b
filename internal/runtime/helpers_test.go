package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/prometheus/client_golang/prometheus"

	configpkg "github.com/drblury/fleetgate/internal/runtime/config"
	envelopepkg "github.com/drblury/fleetgate/internal/runtime/envelope"
	loggingpkg "github.com/drblury/fleetgate/internal/runtime/logging"
	transportpkg "github.com/drblury/fleetgate/internal/runtime/transport"
)

type logEntry struct {
	level  string
	msg    string
	err    error
	fields loggingpkg.LogFields
}

type logRecorder struct {
	mu   sync.Mutex
	logs []logEntry
}

func (r *logRecorder) add(e logEntry) {
	r.mu.Lock()
	r.logs = append(r.logs, e)
	r.mu.Unlock()
}

func (r *logRecorder) messages(level string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.logs {
		if e.level == level {
			out = append(out, e.msg)
		}
	}
	return out
}

// recordingLogger is a ServiceLogger that keeps every entry in memory.
type recordingLogger struct {
	rec  *logRecorder
	base loggingpkg.LogFields
}

func newRecordingLogger() *recordingLogger {
	return &recordingLogger{rec: &logRecorder{}}
}

func (l *recordingLogger) merge(fields loggingpkg.LogFields) loggingpkg.LogFields {
	out := make(loggingpkg.LogFields, len(l.base)+len(fields))
	for k, v := range l.base {
		out[k] = v
	}
	for k, v := range fields {
		out[k] = v
	}
	return out
}

func (l *recordingLogger) With(fields loggingpkg.LogFields) loggingpkg.ServiceLogger {
	return &recordingLogger{rec: l.rec, base: l.merge(fields)}
}

func (l *recordingLogger) Debug(msg string, fields loggingpkg.LogFields) {
	l.rec.add(logEntry{level: "debug", msg: msg, fields: l.merge(fields)})
}

func (l *recordingLogger) Info(msg string, fields loggingpkg.LogFields) {
	l.rec.add(logEntry{level: "info", msg: msg, fields: l.merge(fields)})
}

func (l *recordingLogger) Error(msg string, err error, fields loggingpkg.LogFields) {
	l.rec.add(logEntry{level: "error", msg: msg, err: err, fields: l.merge(fields)})
}

func (l *recordingLogger) Trace(msg string, fields loggingpkg.LogFields) {
	l.rec.add(logEntry{level: "trace", msg: msg, fields: l.merge(fields)})
}

// countingPublisher counts publish attempts. It fails the first failFirst
// attempts and every attempt while err is set.
type countingPublisher struct {
	message.Publisher

	calls     atomic.Int32
	failFirst atomic.Int32
	mu        sync.Mutex
	err       error
}

var errBrokerDown = errors.New("broker unreachable")

func (p *countingPublisher) Publish(topic string, messages ...*message.Message) error {
	n := p.calls.Add(1)
	if n <= p.failFirst.Load() {
		return errBrokerDown
	}
	p.mu.Lock()
	err := p.err
	p.mu.Unlock()
	if err != nil {
		return err
	}
	return p.Publisher.Publish(topic, messages...)
}

func (p *countingPublisher) setErr(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

func testConfig() *configpkg.Config {
	return &configpkg.Config{
		PubSubSystem:            "channel",
		InstanceID:              "core-test",
		ResponseRoutingKey:      "core.responses",
		DefaultTimeout:          2 * time.Second,
		ReadyTimeout:            2 * time.Second,
		RetryMaxRetries:         2,
		RetryBaseDelay:          time.Millisecond,
		RetryMaxDelay:           5 * time.Millisecond,
		BreakerFailureThreshold: 5,
		BreakerCooldown:         time.Minute,
		TraceRetention:          32,
	}
}

type testGateway struct {
	*Gateway
	pubSub    *gochannel.GoChannel
	publisher *countingPublisher
	registry  *prometheus.Registry
	log       *recordingLogger
}

// newTestGateway starts a gateway on an in-memory pub/sub and waits until
// its response path is bound.
func newTestGateway(t *testing.T, mutate func(*configpkg.Config), deps GatewayDependencies) *testGateway {
	t.Helper()

	conf := testConfig()
	if mutate != nil {
		mutate(conf)
	}

	pubSub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, watermill.NopLogger{})
	publisher := &countingPublisher{Publisher: pubSub}
	registry := prometheus.NewRegistry()
	log := newRecordingLogger()

	deps.TransportFactory = transportpkg.Static(transportpkg.Transport{Publisher: publisher, Subscriber: pubSub})
	deps.MetricsRegistry = registry

	g, err := NewGateway(context.Background(), conf, log, deps)
	if err != nil {
		t.Fatalf("NewGateway: %v", err)
	}
	if err := g.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = g.Close(ctx)
	})
	if err := g.WaitReady(context.Background()); err != nil {
		t.Fatalf("WaitReady: %v", err)
	}

	return &testGateway{Gateway: g, pubSub: pubSub, publisher: publisher, registry: registry, log: log}
}

// respondFunc answers one request. Returning false leaves the request
// unanswered.
type respondFunc func(req envelopepkg.Request) (envelopepkg.Response, bool)

// startResponder consumes destination's requests from pubSub and publishes
// what respond returns to the response topic.
func startResponder(t *testing.T, pubSub *gochannel.GoChannel, destination, responseTopic string, respond respondFunc) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	requests, err := pubSub.Subscribe(ctx, envelopepkg.RequestTopic(destination))
	if err != nil {
		t.Fatalf("subscribe %s: %v", destination, err)
	}

	go func() {
		for msg := range requests {
			msg.Ack()
			req, err := envelopepkg.DecodeRequest(msg.Payload)
			if err != nil {
				continue
			}
			resp, ok := respond(req)
			if !ok {
				continue
			}
			body, err := envelopepkg.Marshal(resp)
			if err != nil {
				continue
			}
			out := message.NewMessage(watermill.NewUUID(), body)
			_ = pubSub.Publish(responseTopic, out)
		}
	}()
}

func succeed(payload any) respondFunc {
	return func(req envelopepkg.Request) (envelopepkg.Response, bool) {
		resp, err := envelopepkg.Success(req.CorrelationID, payload, time.Now())
		return resp, err == nil
	}
}

func mustJSON(t *testing.T, raw json.RawMessage, v any) {
	t.Helper()
	if err := json.Unmarshal(raw, v); err != nil {
		t.Fatalf("decode %s: %v", raw, err)
	}
}
