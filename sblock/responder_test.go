package sblock

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	configpkg "github.com/drblury/fleetgate/internal/runtime/config"
	envelopepkg "github.com/drblury/fleetgate/internal/runtime/envelope"
	errspkg "github.com/drblury/fleetgate/internal/runtime/errors"
	loggingpkg "github.com/drblury/fleetgate/internal/runtime/logging"
	metadatapkg "github.com/drblury/fleetgate/internal/runtime/metadata"
	transportpkg "github.com/drblury/fleetgate/internal/runtime/transport"
)

const responseTopic = "core.responses"

func testConfig() *configpkg.Config {
	return &configpkg.Config{
		PubSubSystem:            "channel",
		InstanceID:              "test",
		ResponseRoutingKey:      responseTopic,
		DefaultTimeout:          time.Second,
		ReadyTimeout:            time.Second,
		RetryBaseDelay:          time.Millisecond,
		RetryMaxDelay:           10 * time.Millisecond,
		BreakerFailureThreshold: 5,
		BreakerCooldown:         time.Second,
	}
}

type harness struct {
	t         *testing.T
	pubSub    *gochannel.GoChannel
	responder *Responder
	responses <-chan *message.Message
}

func newHarness(t *testing.T, register func(r *Responder)) *harness {
	t.Helper()

	pubSub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, watermill.NopLogger{})
	factory := transportpkg.Static(transportpkg.Transport{Publisher: pubSub, Subscriber: pubSub})

	r, err := NewResponder(context.Background(), "vehicles", testConfig(), loggingpkg.NewNopServiceLogger(), Dependencies{
		TransportFactory: factory,
	})
	require.NoError(t, err)
	if register != nil {
		register(r)
	}

	responses, err := pubSub.Subscribe(context.Background(), responseTopic)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		_ = r.Close()
		<-done
	})

	select {
	case <-r.Running():
	case <-time.After(2 * time.Second):
		t.Fatal("responder did not start")
	}

	return &harness{t: t, pubSub: pubSub, responder: r, responses: responses}
}

func (h *harness) send(req envelopepkg.Request, md metadatapkg.Metadata) {
	h.t.Helper()
	body, err := envelopepkg.Marshal(req)
	require.NoError(h.t, err)
	h.sendRaw(body, md)
}

func (h *harness) sendRaw(body []byte, md metadatapkg.Metadata) {
	h.t.Helper()
	msg := message.NewMessage(watermill.NewUUID(), body)
	msg.Metadata = metadatapkg.ToWatermill(md)
	require.NoError(h.t, h.pubSub.Publish(envelopepkg.RequestTopic("vehicles"), msg))
}

func receive(t *testing.T, ch <-chan *message.Message) envelopepkg.Response {
	t.Helper()
	select {
	case msg := <-ch:
		msg.Ack()
		resp, err := envelopepkg.DecodeResponse(msg.Payload)
		require.NoError(t, err)
		return resp
	case <-time.After(2 * time.Second):
		t.Fatal("no response published")
		return envelopepkg.Response{}
	}
}

func newRequest(t *testing.T, id, method, endpoint string, payload any) envelopepkg.Request {
	t.Helper()
	req, err := envelopepkg.NewRequest(id, "vehicles", endpoint, method, payload, envelopepkg.UserContext{UserID: "u-1"}, "", time.Now())
	require.NoError(t, err)
	return req
}

type listQuery struct {
	Status string `json:"status"`
}

type vehicleList struct {
	Vehicles []string `json:"vehicles"`
	Status   string   `json:"status"`
}

func TestResponderServesTypedHandler(t *testing.T) {
	h := newHarness(t, func(r *Responder) {
		require.NoError(t, HandleJSON(r, "GET", "/vehicles", func(_ context.Context, req *Request, q *listQuery) (vehicleList, error) {
			assert.Equal(t, "u-1", req.UserContext.UserID)
			assert.Equal(t, 1, req.Attempt)
			return vehicleList{Vehicles: []string{}, Status: q.Status}, nil
		}))
	})

	h.send(newRequest(t, "c-1", "GET", "/vehicles", map[string]string{"status": "active"}), nil)

	resp := receive(t, h.responses)
	assert.Equal(t, "c-1", resp.CorrelationID)
	require.True(t, resp.Succeeded(), resp.Error)

	var out vehicleList
	require.NoError(t, json.Unmarshal(resp.Data, &out))
	assert.Equal(t, "active", out.Status)
	assert.Empty(t, out.Vehicles)
}

func TestResponderAnswersUnknownEndpoint(t *testing.T) {
	h := newHarness(t, nil)

	h.send(newRequest(t, "c-2", "DELETE", "/vehicles/42", nil), nil)

	resp := receive(t, h.responses)
	assert.Equal(t, envelopepkg.StatusError, resp.Status)
	assert.Equal(t, "no handler for DELETE /vehicles/42", resp.Error)
}

func TestResponderMatchesMethodAndGlob(t *testing.T) {
	h := newHarness(t, func(r *Responder) {
		require.NoError(t, r.Handle("GET", "/vehicles/*", func(context.Context, *Request) (any, error) {
			return "get", nil
		}))
		require.NoError(t, r.Handle("", "/vehicles/**", func(context.Context, *Request) (any, error) {
			return "any", nil
		}))
	})

	h.send(newRequest(t, "c-3", "GET", "/vehicles/42", nil), nil)
	resp := receive(t, h.responses)
	assert.JSONEq(t, `"get"`, string(resp.Data))

	h.send(newRequest(t, "c-4", "PUT", "/vehicles/42/position", nil), nil)
	resp = receive(t, h.responses)
	assert.JSONEq(t, `"any"`, string(resp.Data))
}

func TestResponderReplaysRedeliveredRequest(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t, func(r *Responder) {
		require.NoError(t, r.Handle("POST", "/vehicles", func(context.Context, *Request) (any, error) {
			n := calls.Add(1)
			return map[string]int32{"created": n}, nil
		}))
	})

	req := newRequest(t, "c-5", "POST", "/vehicles", map[string]string{"vin": "X"})
	h.send(req, metadatapkg.Metadata{metadatapkg.KeyAttempt: "1"})
	first := receive(t, h.responses)

	h.send(req, metadatapkg.Metadata{metadatapkg.KeyAttempt: "2"})
	second := receive(t, h.responses)

	assert.Equal(t, int32(1), calls.Load())
	assert.JSONEq(t, string(first.Data), string(second.Data))
	assert.Equal(t, "c-5", second.CorrelationID)
}

func TestResponderTurnsErrorsIntoResponses(t *testing.T) {
	h := newHarness(t, func(r *Responder) {
		require.NoError(t, r.Handle("POST", "/vehicles", func(context.Context, *Request) (any, error) {
			return nil, errors.New("Validation failed")
		}))
		require.NoError(t, r.Handle("GET", "/vehicles/panic", func(context.Context, *Request) (any, error) {
			panic("boom")
		}))
	})

	h.send(newRequest(t, "c-6", "POST", "/vehicles", nil), nil)
	resp := receive(t, h.responses)
	assert.Equal(t, envelopepkg.StatusError, resp.Status)
	assert.Equal(t, "Validation failed", resp.Error)

	h.send(newRequest(t, "c-7", "GET", "/vehicles/panic", nil), nil)
	resp = receive(t, h.responses)
	assert.Equal(t, "c-7", resp.CorrelationID)
	assert.Equal(t, "internal error", resp.Error)
}

func TestResponderRejectsUndecodableData(t *testing.T) {
	h := newHarness(t, func(r *Responder) {
		require.NoError(t, HandleJSON(r, "POST", "/vehicles", func(context.Context, *Request, *listQuery) (any, error) {
			t.Error("handler must not run")
			return nil, nil
		}))
	})

	h.send(newRequest(t, "c-8", "POST", "/vehicles", []string{"not", "an", "object"}), nil)

	resp := receive(t, h.responses)
	assert.Equal(t, envelopepkg.StatusError, resp.Status)
	assert.Contains(t, resp.Error, "invalid request data")
}

func TestResponderAnswersMalformedEnvelope(t *testing.T) {
	h := newHarness(t, nil)

	h.sendRaw([]byte("not json"), metadatapkg.Metadata{metadatapkg.KeyCorrelationID: "c-9"})

	resp := receive(t, h.responses)
	assert.Equal(t, "c-9", resp.CorrelationID)
	assert.Contains(t, resp.Error, "malformed request")
}

func TestResponderPublishesToReplyTo(t *testing.T) {
	h := newHarness(t, func(r *Responder) {
		require.NoError(t, r.Handle("GET", "/vehicles", func(context.Context, *Request) (any, error) {
			return nil, nil
		}))
	})
	other, err := h.pubSub.Subscribe(context.Background(), "core-2.responses")
	require.NoError(t, err)

	h.send(newRequest(t, "c-10", "GET", "/vehicles", nil), metadatapkg.Metadata{metadatapkg.KeyReplyTo: "core-2.responses"})

	resp := receive(t, other)
	assert.Equal(t, "c-10", resp.CorrelationID)
	assert.True(t, resp.Succeeded())
}

func TestHandleValidation(t *testing.T) {
	h := newHarness(t, nil)
	r := h.responder

	assert.ErrorIs(t, r.Handle("GET", "/x", nil), errspkg.ErrHandlerRequired)
	assert.ErrorIs(t, r.Handle("GET", " ", func(context.Context, *Request) (any, error) { return nil, nil }), errspkg.ErrPatternRequired)

	err := HandleJSON(r, "GET", "/x", func(context.Context, *Request, listQuery) (any, error) { return nil, nil })
	assert.ErrorIs(t, err, errspkg.ErrPayloadPointerNeeded)

	var nilResponder *Responder
	assert.ErrorIs(t, nilResponder.Handle("GET", "/x", func(context.Context, *Request) (any, error) { return nil, nil }), errspkg.ErrResponderRequired)
}

func TestNewResponderValidatesArguments(t *testing.T) {
	log := loggingpkg.NewNopServiceLogger()

	_, err := NewResponder(context.Background(), " ", testConfig(), log, Dependencies{})
	assert.ErrorIs(t, err, errspkg.ErrDestinationRequired)

	_, err = NewResponder(context.Background(), "vehicles", nil, log, Dependencies{})
	assert.ErrorIs(t, err, errspkg.ErrConfigRequired)

	bad := testConfig()
	bad.DefaultTimeout = 0
	_, err = NewResponder(context.Background(), "vehicles", bad, log, Dependencies{})
	var cfgErr errspkg.ConfigValidationError
	assert.ErrorAs(t, err, &cfgErr)
}
