// Package correlation pairs asynchronous broker responses with the routed
// calls waiting for them.
package correlation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/cenkalti/backoff/v5"
	"github.com/cespare/xxhash/v2"

	"github.com/drblury/fleetgate/internal/runtime/envelope"
	errspkg "github.com/drblury/fleetgate/internal/runtime/errors"
	"github.com/drblury/fleetgate/internal/runtime/logging"
	"github.com/drblury/fleetgate/internal/runtime/metadata"
)

const shardCount = 16

// Reasons reported to DropFunc.
const (
	DropMissingCorrelationID = "missing_correlation_id"
	DropUnknownCorrelationID = "unknown_correlation_id"
	DropMalformed            = "malformed"
)

// DropFunc observes response messages discarded by the manager.
type DropFunc func(reason string)

type result struct {
	resp envelope.Response
}

type pending struct {
	destination  string
	registeredAt time.Time
	slot         chan result
	// delivered is set once a response sits in slot. The entry stays in the
	// shard until its awaiter claims it but no longer counts as pending.
	delivered bool
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*pending
}

// Manager holds the pending calls of one gateway instance and resolves them
// from the shared response stream.
type Manager struct {
	shards [shardCount]shard
	count  atomic.Int64

	logger logging.ServiceLogger
	onDrop DropFunc
	now    func() time.Time

	readyMu sync.Mutex
	ready   chan struct{}
	isReady bool

	resubscribe func() backoff.BackOff
}

// Option customises a Manager.
type Option func(*Manager)

// WithLogger sets the manager's logger.
func WithLogger(logger logging.ServiceLogger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithDropHook registers a callback for discarded responses.
func WithDropHook(fn DropFunc) Option {
	return func(m *Manager) { m.onDrop = fn }
}

// WithResubscribeBackOff replaces the backoff used between subscribe
// attempts in Run.
func WithResubscribeBackOff(fn func() backoff.BackOff) Option {
	return func(m *Manager) {
		if fn != nil {
			m.resubscribe = fn
		}
	}
}

// NewManager creates an empty Manager. It is not ready until Run has bound
// the response subscription.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		logger: logging.NewNopServiceLogger(),
		now:    time.Now,
		ready:  make(chan struct{}),
		resubscribe: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 100 * time.Millisecond
			b.MaxInterval = 10 * time.Second
			return b
		},
	}
	for i := range m.shards {
		m.shards[i].entries = make(map[string]*pending)
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) shardFor(correlationID string) *shard {
	return &m.shards[xxhash.Sum64String(correlationID)%shardCount]
}

// Register adds a pending entry for correlationID. Registering an id that is
// already pending fails with ErrDuplicateCorrelationID.
func (m *Manager) Register(correlationID, destination string) error {
	_, err := m.register(correlationID, destination)
	return err
}

// Expect registers correlationID like Register and returns a Waiter bound to
// the new entry. A response resolved before Waiter.Await is called is kept
// in the waiter's slot.
func (m *Manager) Expect(correlationID, destination string) (*Waiter, error) {
	p, err := m.register(correlationID, destination)
	if err != nil {
		return nil, err
	}
	return &Waiter{m: m, correlationID: correlationID, p: p}, nil
}

func (m *Manager) register(correlationID, destination string) (*pending, error) {
	if correlationID == "" {
		return nil, errspkg.ErrCorrelationIDRequired
	}
	s := m.shardFor(correlationID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[correlationID]; ok {
		return nil, fmt.Errorf("%w: %s", errspkg.ErrDuplicateCorrelationID, correlationID)
	}
	p := &pending{
		destination:  destination,
		registeredAt: m.now(),
		slot:         make(chan result, 1),
	}
	s.entries[correlationID] = p
	m.count.Add(1)
	return p, nil
}

// Waiter is the handle of one registered call.
type Waiter struct {
	m             *Manager
	correlationID string
	p             *pending
}

// CorrelationID returns the id the waiter was registered with.
func (w *Waiter) CorrelationID() string { return w.correlationID }

// Await behaves like Manager.Await for the waiter's entry.
func (w *Waiter) Await(ctx context.Context, timeout time.Duration) (json.RawMessage, error) {
	return w.m.await(ctx, w.correlationID, w.p, timeout)
}

// Cancel removes the entry if it is still pending, for example after a
// failed publish.
func (w *Waiter) Cancel() bool {
	return w.m.Unregister(w.correlationID)
}

// Unregister removes a pending entry without resolving it, for example when
// the request could not be published. It reports whether an entry existed.
func (m *Manager) Unregister(correlationID string) bool {
	_, ok := m.take(correlationID)
	return ok
}

func (m *Manager) take(correlationID string) (*pending, bool) {
	s := m.shardFor(correlationID)
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.entries[correlationID]
	if !ok {
		return nil, false
	}
	delete(s.entries, correlationID)
	if p.delivered {
		return p, false
	}
	m.count.Add(-1)
	return p, true
}

func (m *Manager) lookup(correlationID string) (*pending, bool) {
	s := m.shardFor(correlationID)
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.entries[correlationID]
	return p, ok
}

// release drops a delivered entry once its awaiter has read the response.
func (m *Manager) release(correlationID string, p *pending) {
	s := m.shardFor(correlationID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entries[correlationID] == p {
		delete(s.entries, correlationID)
	}
}

// Contains reports whether correlationID is pending.
func (m *Manager) Contains(correlationID string) bool {
	p, ok := m.lookup(correlationID)
	return ok && !p.delivered
}

// Pending returns the number of calls awaiting a response.
func (m *Manager) Pending() int {
	return int(m.count.Load())
}

// Resolve delivers resp to its pending call. The call stops being pending on
// delivery, so a second response for the same id reports false and changes
// nothing. The response is kept until the call's Await reads it.
func (m *Manager) Resolve(resp envelope.Response) bool {
	s := m.shardFor(resp.CorrelationID)
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.entries[resp.CorrelationID]
	if !ok || p.delivered {
		return false
	}
	p.delivered = true
	p.slot <- result{resp: resp}
	m.count.Add(-1)
	return true
}

// Await blocks until the response for correlationID arrives, timeout elapses
// or ctx is done. The pending entry is always gone when Await returns.
// An error-status response yields *errors.ServiceError. An elapsed timeout
// or caller deadline yields *errors.ServiceTimeoutError; explicit
// cancellation yields ctx.Err().
func (m *Manager) Await(ctx context.Context, correlationID string, timeout time.Duration) (json.RawMessage, error) {
	p, ok := m.lookup(correlationID)
	if !ok {
		return nil, fmt.Errorf("await %s: %w", correlationID, errspkg.ErrUnknownCorrelationID)
	}
	return m.await(ctx, correlationID, p, timeout)
}

func (m *Manager) await(ctx context.Context, correlationID string, p *pending, timeout time.Duration) (json.RawMessage, error) {
	// The call ends at whichever comes first: timeout or the caller's deadline.
	wait := timeout
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); wait <= 0 || left < wait {
			wait = max(left, 0)
		}
	}

	var expired <-chan time.Time
	if wait > 0 || timeout > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case r := <-p.slot:
		m.release(correlationID, p)
		return toPayload(p.destination, r.resp)
	case <-expired:
		return m.expire(correlationID, p, wait)
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return m.expire(correlationID, p, wait)
		}
		if r, raced := m.abandon(correlationID, p); raced {
			return toPayload(p.destination, r.resp)
		}
		return nil, ctx.Err()
	}
}

// expire abandons the entry once its wait elapsed and reports a timeout,
// unless the response won the race.
func (m *Manager) expire(correlationID string, p *pending, wait time.Duration) (json.RawMessage, error) {
	if r, raced := m.abandon(correlationID, p); raced {
		return toPayload(p.destination, r.resp)
	}
	m.logger.Debug("Response timed out", logging.LogFields{
		"correlation_id": correlationID,
		"destination":    p.destination,
		"timeout":        wait.String(),
	})
	return nil, &errspkg.ServiceTimeoutError{
		Destination:   p.destination,
		CorrelationID: correlationID,
		Timeout:       wait,
	}
}

// abandon removes the entry after a timeout or cancellation. If Resolve won
// the race the response is already in the slot and is returned instead.
func (m *Manager) abandon(correlationID string, p *pending) (result, bool) {
	s := m.shardFor(correlationID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entries[correlationID] == p {
		delete(s.entries, correlationID)
		if !p.delivered {
			m.count.Add(-1)
			return result{}, false
		}
	}
	select {
	case r := <-p.slot:
		return r, true
	default:
		return result{}, false
	}
}

func toPayload(destination string, resp envelope.Response) (json.RawMessage, error) {
	if !resp.Succeeded() {
		return nil, &errspkg.ServiceError{Destination: destination, Message: resp.ErrorMessage()}
	}
	if len(resp.Data) == 0 {
		return json.RawMessage("null"), nil
	}
	return resp.Data, nil
}

// HandleMessage resolves the pending call a response message belongs to.
// Messages without a correlation id, for unknown ids, or that cannot be
// parsed are logged and dropped. The message is always acked: redelivering
// it could never match a pending call.
func (m *Manager) HandleMessage(msg *message.Message) {
	defer msg.Ack()

	resp, err := envelope.DecodeResponse(msg.Payload)
	if resp.CorrelationID == "" {
		resp.CorrelationID = metadata.FromWatermill(msg.Metadata).CorrelationID()
		if resp.CorrelationID != "" && errors.Is(err, envelope.ErrMissingCorrelationID) {
			err = nil
			if resp.Status != envelope.StatusSuccess && resp.Status != envelope.StatusError {
				err = envelope.ErrInvalidStatus
			}
		}
	}

	switch {
	case resp.CorrelationID == "":
		m.drop(DropMissingCorrelationID, msg, err)
	case err != nil:
		m.drop(DropMalformed, msg, err)
	default:
		if !m.Resolve(resp) {
			m.drop(DropUnknownCorrelationID, msg, nil)
		}
	}
}

func (m *Manager) drop(reason string, msg *message.Message, err error) {
	fields := logging.LogFields{
		"reason":     reason,
		"message_id": msg.UUID,
	}
	if id := metadata.FromWatermill(msg.Metadata).CorrelationID(); id != "" {
		fields["correlation_id"] = id
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	m.logger.Debug("Dropping response", fields)
	if m.onDrop != nil {
		m.onDrop(reason)
	}
}

// Ready returns a channel closed while the response subscription is bound.
// A new channel is handed out after the subscription drops.
func (m *Manager) Ready() <-chan struct{} {
	m.readyMu.Lock()
	defer m.readyMu.Unlock()
	return m.ready
}

// IsReady reports whether the response subscription is bound.
func (m *Manager) IsReady() bool {
	m.readyMu.Lock()
	defer m.readyMu.Unlock()
	return m.isReady
}

func (m *Manager) setReady(ready bool) {
	m.readyMu.Lock()
	defer m.readyMu.Unlock()
	if ready == m.isReady {
		return
	}
	m.isReady = ready
	if ready {
		close(m.ready)
	} else {
		m.ready = make(chan struct{})
	}
}

// WaitReady blocks until the response path is bound, at most timeout.
// It fails with *errors.ServiceUnavailableError when the wait expires.
func (m *Manager) WaitReady(ctx context.Context, timeout time.Duration) error {
	ready := m.Ready()
	select {
	case <-ready:
		return nil
	default:
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case <-ready:
		return nil
	case <-expired:
		return &errspkg.ServiceUnavailableError{Reason: "response path is not ready"}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run consumes topic from sub until ctx is done, resolving pending calls.
// Whenever the subscription ends while ctx is still live it is re-established
// with backoff. Calls pending during an outage time out on their own.
func (m *Manager) Run(ctx context.Context, sub message.Subscriber, topic string) error {
	if sub == nil {
		return errspkg.ErrSubscriberRequired
	}
	if topic == "" {
		return errspkg.ErrTopicRequired
	}
	logger := m.logger.With(logging.LogFields{"topic": topic})

	for {
		messages, err := backoff.Retry(ctx, func() (<-chan *message.Message, error) {
			return sub.Subscribe(ctx, topic)
		},
			backoff.WithBackOff(m.resubscribe()),
			backoff.WithMaxElapsedTime(0),
			backoff.WithNotify(func(err error, next time.Duration) {
				logger.Error("Subscribing to responses failed", err, logging.LogFields{"retry_in": next.String()})
			}),
		)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("subscribe to %s: %w", topic, err)
		}

		m.setReady(true)
		logger.Info("Response subscription bound", nil)

		for msg := range messages {
			m.HandleMessage(msg)
		}

		m.setReady(false)
		if ctx.Err() != nil {
			return nil
		}
		logger.Info("Response subscription closed, resubscribing", logging.LogFields{"pending": m.Pending()})
	}
}

// Drain waits until no calls are pending or ctx is done.
func (m *Manager) Drain(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for m.Pending() > 0 {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %d calls still pending", errspkg.ErrCorrelationManagerClose, m.Pending())
		case <-ticker.C:
		}
	}
	return nil
}

// Snapshot describes one pending call.
type Snapshot struct {
	CorrelationID string        `json:"correlationId"`
	Destination   string        `json:"destination"`
	Age           time.Duration `json:"age"`
}

// Oldest returns up to limit pending calls, oldest first.
func (m *Manager) Oldest(limit int) []Snapshot {
	now := m.now()
	var out []Snapshot
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.Lock()
		for id, p := range s.entries {
			if p.delivered {
				continue
			}
			out = append(out, Snapshot{CorrelationID: id, Destination: p.destination, Age: now.Sub(p.registeredAt)})
		}
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Age > out[j].Age })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
