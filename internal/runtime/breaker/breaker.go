package breaker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	errspkg "github.com/drblury/fleetgate/internal/runtime/errors"
	"github.com/drblury/fleetgate/internal/runtime/logging"
)

// State is the externally visible breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

func fromGobreaker(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// Settings configures one destination's breaker.
type Settings struct {
	// FailureThreshold is the number of consecutive failures that opens the
	// breaker.
	FailureThreshold int
	// Cooldown is how long the breaker stays open before a half-open trial.
	Cooldown time.Duration
}

// DefaultSettings are used when a Registry is built without a SettingsFunc.
var DefaultSettings = Settings{FailureThreshold: 5, Cooldown: 30 * time.Second}

// SettingsFunc returns the settings for a destination.
type SettingsFunc func(destination string) Settings

// StateChangeFunc observes breaker transitions.
type StateChangeFunc func(destination string, from, to State)

// Breaker guards calls to a single destination. At most one half-open trial
// runs at a time; every other call is rejected while the breaker is open.
type Breaker struct {
	destination string
	settings    Settings
	cb          *gobreaker.TwoStepCircuitBreaker

	mu       sync.RWMutex
	openedAt time.Time
}

func newBreaker(destination string, settings Settings, logger logging.ServiceLogger, onChange StateChangeFunc) *Breaker {
	if settings.FailureThreshold <= 0 {
		settings.FailureThreshold = DefaultSettings.FailureThreshold
	}
	if settings.Cooldown <= 0 {
		settings.Cooldown = DefaultSettings.Cooldown
	}
	b := &Breaker{destination: destination, settings: settings}
	threshold := uint32(settings.FailureThreshold)
	b.cb = gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        destination,
		MaxRequests: 1,
		Timeout:     settings.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.mu.Lock()
			if to == gobreaker.StateOpen {
				b.openedAt = time.Now()
			} else if to == gobreaker.StateClosed {
				b.openedAt = time.Time{}
			}
			b.mu.Unlock()

			logger.Info("Circuit breaker state changed", logging.LogFields{
				"destination": name,
				"from":        fromGobreaker(from),
				"to":          fromGobreaker(to),
			})
			if onChange != nil {
				onChange(name, fromGobreaker(from), fromGobreaker(to))
			}
		},
	})
	return b
}

// Destination returns the destination this breaker guards.
func (b *Breaker) Destination() string { return b.destination }

// State returns the current state. An open breaker whose cooldown elapsed
// reports half-open.
func (b *Breaker) State() State { return fromGobreaker(b.cb.State()) }

// ConsecutiveFailures returns the current failure streak.
func (b *Breaker) ConsecutiveFailures() int { return int(b.cb.Counts().ConsecutiveFailures) }

// OpenedAt returns when the breaker last opened, or the zero time.
func (b *Breaker) OpenedAt() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.openedAt
}

// Execute runs fn if the breaker admits the call and records its outcome.
// Rejected calls return *errors.CircuitBreakerOpenError without invoking fn.
// Outcomes that say nothing about the destination leave a closed breaker's
// counts untouched; a half-open trial ending that way reopens the breaker.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	done, allowErr := b.cb.Allow()
	if allowErr != nil {
		return &errspkg.CircuitBreakerOpenError{Destination: b.destination, Cause: allowErr}
	}
	// MaxRequests is 1, so a half-open state seen here is this call's trial.
	trial := b.cb.State() == gobreaker.StateHalfOpen

	defer func() {
		if r := recover(); r != nil {
			done(false)
			panic(r)
		}
		switch {
		case IsFailure(err):
			done(false)
		case !IsExcluded(err):
			done(true)
		case trial:
			done(false)
		}
	}()

	return fn(ctx)
}

// IsFailure reports whether err counts against the destination's health.
// Transport errors and timeouts do. A reported service error means the
// destination answered.
func IsFailure(err error) bool {
	if err == nil || IsExcluded(err) {
		return false
	}
	return errspkg.KindOf(err) != errspkg.KindService
}

// IsExcluded reports whether err is neither a success nor a failure of the
// destination: caller cancellation, an expired caller deadline, or a call
// that never reached the destination.
func IsExcluded(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	switch errspkg.KindOf(err) {
	case errspkg.KindRouting, errspkg.KindCircuitOpen, errspkg.KindServiceUnavailable:
		return true
	default:
		return false
	}
}

// Snapshot is a point-in-time view of one breaker.
type Snapshot struct {
	Destination         string     `json:"destination"`
	State               State      `json:"state"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
	FailureThreshold    int        `json:"failureThreshold"`
	Cooldown            string     `json:"cooldown"`
	OpenedAt            *time.Time `json:"openedAt,omitempty"`
}

// Snapshot returns the breaker's current state.
func (b *Breaker) Snapshot() Snapshot {
	snap := Snapshot{
		Destination:         b.destination,
		State:               b.State(),
		ConsecutiveFailures: b.ConsecutiveFailures(),
		FailureThreshold:    b.settings.FailureThreshold,
		Cooldown:            b.settings.Cooldown.String(),
	}
	if openedAt := b.OpenedAt(); !openedAt.IsZero() {
		snap.OpenedAt = &openedAt
	}
	return snap
}

// Registry lazily creates one Breaker per destination.
type Registry struct {
	settings SettingsFunc
	logger   logging.ServiceLogger
	onChange StateChangeFunc

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// Option customises a Registry.
type Option func(*Registry)

// WithLogger sets the logger used for state transitions.
func WithLogger(logger logging.ServiceLogger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithStateChange registers a transition observer, for example a metrics
// gauge.
func WithStateChange(fn StateChangeFunc) Option {
	return func(r *Registry) { r.onChange = fn }
}

// NewRegistry creates a Registry. A nil settings func applies DefaultSettings
// to every destination.
func NewRegistry(settings SettingsFunc, opts ...Option) *Registry {
	if settings == nil {
		settings = func(string) Settings { return DefaultSettings }
	}
	r := &Registry{
		settings: settings,
		logger:   logging.NewNopServiceLogger(),
		breakers: make(map[string]*Breaker),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Get returns the destination's breaker, creating it on first use.
func (r *Registry) Get(destination string) (*Breaker, error) {
	if destination == "" {
		return nil, errspkg.ErrDestinationRequired
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[destination]; ok {
		return b, nil
	}
	b := newBreaker(destination, r.settings(destination), r.logger.With(logging.LogFields{"component": "breaker"}), r.onChange)
	r.breakers[destination] = b
	return b, nil
}

// Snapshots returns every known breaker sorted by destination.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.Unlock()

	out := make([]Snapshot, 0, len(breakers))
	for _, b := range breakers {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Destination < out[j].Destination })
	return out
}

func (s Snapshot) String() string {
	return fmt.Sprintf("%s=%s(%d/%d)", s.Destination, s.State, s.ConsecutiveFailures, s.FailureThreshold)
}
