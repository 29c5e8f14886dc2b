package correlation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/cenkalti/backoff/v5"

	"github.com/drblury/fleetgate/internal/runtime/envelope"
	errspkg "github.com/drblury/fleetgate/internal/runtime/errors"
	"github.com/drblury/fleetgate/internal/runtime/metadata"
)

func successResponse(t *testing.T, id string, payload any) envelope.Response {
	t.Helper()
	resp, err := envelope.Success(id, payload, time.Now())
	if err != nil {
		t.Fatalf("build response: %v", err)
	}
	return resp
}

func responseMessage(t *testing.T, resp envelope.Response) *message.Message {
	t.Helper()
	payload, err := envelope.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal response: %v", err)
	}
	return message.NewMessage(watermill.NewUUID(), payload)
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	m := NewManager()
	if err := m.Register("c1", "management"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := m.Register("c1", "management"); !errors.Is(err, errspkg.ErrDuplicateCorrelationID) {
		t.Fatalf("expected ErrDuplicateCorrelationID, got %v", err)
	}
	if err := m.Register("", "management"); !errors.Is(err, errspkg.ErrCorrelationIDRequired) {
		t.Fatalf("expected ErrCorrelationIDRequired, got %v", err)
	}
	if m.Pending() != 1 {
		t.Fatalf("expected 1 pending, got %d", m.Pending())
	}
}

func TestAwaitReturnsPayloadAndRemovesEntry(t *testing.T) {
	m := NewManager()
	_ = m.Register("c1", "management")

	go func() {
		time.Sleep(10 * time.Millisecond)
		m.Resolve(successResponse(t, "c1", map[string]any{"vehicles": []any{}}))
	}()

	got, err := m.Await(context.Background(), "c1", time.Second)
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if string(got) != `{"vehicles":[]}` {
		t.Fatalf("unexpected payload %s", got)
	}
	if m.Contains("c1") || m.Pending() != 0 {
		t.Fatal("expected entry removed after resolution")
	}
}

func TestAwaitTimeoutRemovesEntry(t *testing.T) {
	m := NewManager()
	_ = m.Register("c1", "gps")

	start := time.Now()
	_, err := m.Await(context.Background(), "c1", 30*time.Millisecond)
	elapsed := time.Since(start)

	var timeoutErr *errspkg.ServiceTimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("expected ServiceTimeoutError, got %v", err)
	}
	if timeoutErr.CorrelationID != "c1" || timeoutErr.Destination != "gps" {
		t.Fatalf("unexpected timeout error fields %+v", timeoutErr)
	}
	if elapsed < 30*time.Millisecond {
		t.Fatalf("returned before the timeout: %v", elapsed)
	}
	if m.Contains("c1") || m.Pending() != 0 {
		t.Fatal("expected entry removed after timeout")
	}
	if m.Resolve(successResponse(t, "c1", nil)) {
		t.Fatal("late response must not resolve a timed-out call")
	}
}

func TestAwaitErrorStatusYieldsServiceError(t *testing.T) {
	m := NewManager()
	_ = m.Register("c1", "management")
	m.Resolve(envelope.Failure("c1", "Validation failed", time.Now()))

	_, err := m.Await(context.Background(), "c1", time.Second)
	var svcErr *errspkg.ServiceError
	if !errors.As(err, &svcErr) {
		t.Fatalf("expected ServiceError, got %v", err)
	}
	if svcErr.Message != "Validation failed" {
		t.Fatalf("unexpected message %q", svcErr.Message)
	}
	if m.Contains("c1") {
		t.Fatal("expected entry removed")
	}
}

func TestAwaitContextCancel(t *testing.T) {
	m := NewManager()
	_ = m.Register("c1", "trips")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := m.Await(ctx, "c1", time.Second); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if m.Contains("c1") {
		t.Fatal("expected entry removed after cancellation")
	}
}

func TestAwaitCallerDeadlineYieldsTimeout(t *testing.T) {
	m := NewManager()
	_ = m.Register("c1", "gps")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := m.Await(ctx, "c1", 5*time.Second)
	var timeoutErr *errspkg.ServiceTimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("expected ServiceTimeoutError, got %v", err)
	}
	if timeoutErr.Destination != "gps" || timeoutErr.CorrelationID != "c1" {
		t.Fatalf("unexpected timeout error %+v", timeoutErr)
	}
	if timeoutErr.Timeout > 30*time.Millisecond {
		t.Fatalf("expected the caller deadline as effective timeout, got %v", timeoutErr.Timeout)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("await outlived the caller deadline: %v", elapsed)
	}
	if m.Contains("c1") || m.Pending() != 0 {
		t.Fatal("expected entry removed after the deadline")
	}
}

func TestAwaitUnknownID(t *testing.T) {
	m := NewManager()
	if _, err := m.Await(context.Background(), "missing", time.Second); !errors.Is(err, errspkg.ErrUnknownCorrelationID) {
		t.Fatalf("expected ErrUnknownCorrelationID, got %v", err)
	}
}

func TestDuplicateDeliveryIsNoop(t *testing.T) {
	var (
		mu    sync.Mutex
		drops []string
	)
	m := NewManager(WithDropHook(func(reason string) {
		mu.Lock()
		drops = append(drops, reason)
		mu.Unlock()
	}))
	_ = m.Register("c1", "management")

	first := successResponse(t, "c1", map[string]int{"n": 1})
	m.HandleMessage(responseMessage(t, first))

	got, err := m.Await(context.Background(), "c1", time.Second)
	if err != nil {
		t.Fatalf("Await: %v", err)
	}

	second := successResponse(t, "c1", map[string]int{"n": 2})
	m.HandleMessage(responseMessage(t, second))
	m.HandleMessage(responseMessage(t, first))

	if string(got) != `{"n":1}` {
		t.Fatalf("first result must be kept, got %s", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(drops) != 2 || drops[0] != DropUnknownCorrelationID || drops[1] != DropUnknownCorrelationID {
		t.Fatalf("expected two unknown-id drops, got %v", drops)
	}
}

func TestHandleMessageDropsAndAcks(t *testing.T) {
	tests := []struct {
		name   string
		msg    func() *message.Message
		reason string
	}{
		{
			name: "missing correlation id",
			msg: func() *message.Message {
				return message.NewMessage(watermill.NewUUID(), []byte(`{"status":"success","data":{}}`))
			},
			reason: DropMissingCorrelationID,
		},
		{
			name: "malformed payload",
			msg: func() *message.Message {
				msg := message.NewMessage(watermill.NewUUID(), []byte(`not json`))
				msg.Metadata.Set(metadata.KeyCorrelationID, "c9")
				return msg
			},
			reason: DropMalformed,
		},
		{
			name: "invalid status",
			msg: func() *message.Message {
				return message.NewMessage(watermill.NewUUID(), []byte(`{"correlationId":"c9","status":"maybe"}`))
			},
			reason: DropMalformed,
		},
		{
			name: "unknown id",
			msg: func() *message.Message {
				return message.NewMessage(watermill.NewUUID(), []byte(`{"correlationId":"nope","status":"success"}`))
			},
			reason: DropUnknownCorrelationID,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got string
			m := NewManager(WithDropHook(func(reason string) { got = reason }))
			msg := tt.msg()
			m.HandleMessage(msg)

			if got != tt.reason {
				t.Fatalf("expected drop reason %q, got %q", tt.reason, got)
			}
			select {
			case <-msg.Acked():
			default:
				t.Fatal("expected dropped message to be acked")
			}
		})
	}
}

func TestHandleMessageUsesMetadataCorrelationID(t *testing.T) {
	m := NewManager()
	_ = m.Register("c1", "management")

	msg := message.NewMessage(watermill.NewUUID(), []byte(`{"status":"success","data":{"ok":true}}`))
	msg.Metadata.Set(metadata.KeyCorrelationID, "c1")
	m.HandleMessage(msg)

	got, err := m.Await(context.Background(), "c1", time.Second)
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if string(got) != `{"ok":true}` {
		t.Fatalf("unexpected payload %s", got)
	}
}

func TestConcurrentCallsResolveIndependently(t *testing.T) {
	m := NewManager()
	const calls = 200

	var wg sync.WaitGroup
	errs := make(chan error, calls)
	for i := 0; i < calls; i++ {
		id := fmt.Sprintf("c%d", i)
		if err := m.Register(id, "gps"); err != nil {
			t.Fatal(err)
		}
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			got, err := m.Await(context.Background(), id, time.Second)
			if err != nil {
				errs <- err
				return
			}
			if want := fmt.Sprintf(`{"i":%d}`, i); string(got) != want {
				errs <- fmt.Errorf("%s: got %s want %s", id, got, want)
			}
		}(i, id)
	}
	for i := calls - 1; i >= 0; i-- {
		m.Resolve(successResponse(t, fmt.Sprintf("c%d", i), map[string]int{"i": i}))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	if m.Pending() != 0 {
		t.Fatalf("expected no pending calls, got %d", m.Pending())
	}
}

func TestWaitReady(t *testing.T) {
	m := NewManager()
	err := m.WaitReady(context.Background(), 20*time.Millisecond)
	var unavailable *errspkg.ServiceUnavailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("expected ServiceUnavailableError before Run, got %v", err)
	}

	m.setReady(true)
	if err := m.WaitReady(context.Background(), time.Millisecond); err != nil {
		t.Fatalf("expected ready, got %v", err)
	}
	m.setReady(false)
	if m.IsReady() {
		t.Fatal("expected not ready")
	}
}

func TestRunConsumesResponses(t *testing.T) {
	pubSub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	defer pubSub.Close()

	m := NewManager()
	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- m.Run(ctx, pubSub, "core.responses") }()

	if err := m.WaitReady(context.Background(), time.Second); err != nil {
		t.Fatalf("manager never became ready: %v", err)
	}

	_ = m.Register("c1", "management")
	if err := pubSub.Publish("core.responses", responseMessage(t, successResponse(t, "c1", map[string]string{"id": "v1"}))); err != nil {
		t.Fatalf("publish: %v", err)
	}

	got, err := m.Await(context.Background(), "c1", time.Second)
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if string(got) != `{"id":"v1"}` {
		t.Fatalf("unexpected payload %s", got)
	}

	cancel()
	select {
	case err := <-runErr:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
	if m.IsReady() {
		t.Fatal("expected manager not ready after Run stopped")
	}
}

type flakySubscriber struct {
	mu       sync.Mutex
	failures int
	calls    int
	inner    message.Subscriber
}

func (f *flakySubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	f.mu.Lock()
	f.calls++
	fail := f.calls <= f.failures
	f.mu.Unlock()
	if fail {
		return nil, errors.New("connection refused")
	}
	return f.inner.Subscribe(ctx, topic)
}

func (f *flakySubscriber) Close() error { return nil }

func TestRunRetriesSubscribe(t *testing.T) {
	pubSub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	defer pubSub.Close()
	sub := &flakySubscriber{failures: 2, inner: pubSub}

	m := NewManager(WithResubscribeBackOff(func() backoff.BackOff {
		return backoff.NewConstantBackOff(time.Millisecond)
	}))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Run(ctx, sub, "core.responses") }()

	if err := m.WaitReady(context.Background(), time.Second); err != nil {
		t.Fatalf("expected manager ready after retries: %v", err)
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.calls != 3 {
		t.Fatalf("expected 3 subscribe attempts, got %d", sub.calls)
	}
}

func TestRunValidatesArguments(t *testing.T) {
	m := NewManager()
	if err := m.Run(context.Background(), nil, "t"); !errors.Is(err, errspkg.ErrSubscriberRequired) {
		t.Fatalf("expected ErrSubscriberRequired, got %v", err)
	}
	pubSub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	defer pubSub.Close()
	if err := m.Run(context.Background(), pubSub, ""); !errors.Is(err, errspkg.ErrTopicRequired) {
		t.Fatalf("expected ErrTopicRequired, got %v", err)
	}
}

func TestDrainAndOldest(t *testing.T) {
	m := NewManager()
	_ = m.Register("old", "management")
	time.Sleep(5 * time.Millisecond)
	_ = m.Register("new", "gps")

	oldest := m.Oldest(1)
	if len(oldest) != 1 || oldest[0].CorrelationID != "old" {
		t.Fatalf("unexpected oldest %+v", oldest)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := m.Drain(ctx); !errors.Is(err, errspkg.ErrCorrelationManagerClose) {
		t.Fatalf("expected drain to time out, got %v", err)
	}

	m.Unregister("old")
	m.Unregister("new")
	if err := m.Drain(context.Background()); err != nil {
		t.Fatalf("expected drain to succeed, got %v", err)
	}
}

func TestWaiterKeepsResponseResolvedBeforeAwait(t *testing.T) {
	m := NewManager()
	w, err := m.Expect("c1", "management")
	if err != nil {
		t.Fatalf("Expect: %v", err)
	}
	if !m.Resolve(successResponse(t, "c1", map[string]bool{"early": true})) {
		t.Fatal("expected resolve to find the waiter")
	}
	if m.Contains("c1") || m.Pending() != 0 {
		t.Fatal("a delivered call must not count as pending")
	}
	if m.Resolve(successResponse(t, "c1", map[string]bool{"early": false})) {
		t.Fatal("second resolve must be a no-op")
	}

	got, err := w.Await(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if string(got) != `{"early":true}` {
		t.Fatalf("unexpected payload %s", got)
	}
	if err := m.Register("c1", "management"); err != nil {
		t.Fatalf("id must be reusable once claimed: %v", err)
	}
}

func TestWaiterCancel(t *testing.T) {
	m := NewManager()
	w, err := m.Expect("c1", "gps")
	if err != nil {
		t.Fatalf("Expect: %v", err)
	}
	if w.CorrelationID() != "c1" {
		t.Fatalf("unexpected id %q", w.CorrelationID())
	}
	if !w.Cancel() {
		t.Fatal("expected cancel to remove the pending entry")
	}
	if w.Cancel() {
		t.Fatal("second cancel must report false")
	}
	if _, err := w.Await(context.Background(), 10*time.Millisecond); err == nil {
		t.Fatal("expected timeout after cancel")
	}
	if m.Pending() != 0 {
		t.Fatalf("expected no pending calls, got %d", m.Pending())
	}
}
