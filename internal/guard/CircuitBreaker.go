/*

This file contains the per-user circuit breaker. Failures are counted per user; at the threshold the
user is tripped and no further moves are attempted for them. Counters are cleared on a fixed hourly
timer, except after an emergency stop, which latches the breaker until an explicit Reset.

*/

package guard

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/elys-network/yieldmover/internal/logger"
)

var guardLogger = logger.GetForComponent("circuit_breaker")

const DefaultResetInterval = time.Hour

// Guard is the capability the orchestrator depends on.
type Guard interface {
	IsTripped(user string) bool
	RecordFailure(user string)
	Reset()
	TripAll(users []string)
	TrippedUsers() []string
	TrackedUsers() []string
}

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time                         { return time.Now() }
func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// TripHandler is called once when a user crosses the failure threshold.
type TripHandler func(user string, failures int)

type CircuitBreaker struct {
	mu        sync.Mutex
	threshold int
	failures  map[string]int
	tripped   map[string]bool
	latched   bool
	lastReset time.Time

	clock  Clock
	onTrip TripHandler
}

type Option func(*CircuitBreaker)

func WithClock(clock Clock) Option {
	return func(cb *CircuitBreaker) { cb.clock = clock }
}

func WithTripHandler(handler TripHandler) Option {
	return func(cb *CircuitBreaker) { cb.onTrip = handler }
}

// NewCircuitBreaker trips a user after threshold failures. A non-positive threshold uses 5.
func NewCircuitBreaker(threshold int, opts ...Option) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	cb := &CircuitBreaker{
		threshold: threshold,
		failures:  make(map[string]int),
		tripped:   make(map[string]bool),
		clock:     systemClock{},
	}
	for _, opt := range opts {
		opt(cb)
	}
	cb.lastReset = cb.clock.Now()
	return cb
}

func (cb *CircuitBreaker) IsTripped(user string) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.tripped[user]
}

// RecordFailure counts a failure against user and trips them at the threshold.
func (cb *CircuitBreaker) RecordFailure(user string) {
	cb.mu.Lock()
	cb.failures[user]++
	count := cb.failures[user]
	justTripped := count >= cb.threshold && !cb.tripped[user]
	if justTripped {
		cb.tripped[user] = true
	}
	handler := cb.onTrip
	cb.mu.Unlock()

	guardLogger.Debug().Str("user", user).Int("failures", count).Int("threshold", cb.threshold).Msg("Recorded failure")

	if justTripped {
		guardLogger.Warn().Str("user", user).Int("failures", count).Msg("Circuit breaker tripped")
		if handler != nil {
			handler(user, count)
		}
	}
}

// Reset clears every counter and the emergency latch.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.resetLocked()
	cb.latched = false
	guardLogger.Info().Msg("Circuit breaker reset")
}

// TripAll forces every given user to the threshold and latches the breaker so the hourly reset
// leaves them tripped. No trip notifications are sent.
func (cb *CircuitBreaker) TripAll(users []string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	for _, user := range users {
		if cb.failures[user] < cb.threshold {
			cb.failures[user] = cb.threshold
		}
		cb.tripped[user] = true
	}
	cb.latched = true
	guardLogger.Warn().Int("users", len(users)).Msg("All users tripped, breaker latched")
}

func (cb *CircuitBreaker) TrippedUsers() []string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	users := make([]string, 0, len(cb.tripped))
	for user := range cb.tripped {
		users = append(users, user)
	}
	sort.Strings(users)
	return users
}

// TrackedUsers returns every user with a failure on record.
func (cb *CircuitBreaker) TrackedUsers() []string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	users := make([]string, 0, len(cb.failures))
	for user := range cb.failures {
		users = append(users, user)
	}
	sort.Strings(users)
	return users
}

func (cb *CircuitBreaker) Failures(user string) int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures[user]
}

// Run clears counters every interval until ctx is done.
func (cb *CircuitBreaker) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultResetInterval
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-cb.clock.After(interval):
			cb.resetIfDue()
		}
	}
}

func (cb *CircuitBreaker) resetIfDue() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.latched {
		guardLogger.Debug().Msg("Hourly reset skipped, breaker latched by emergency stop")
		return
	}
	cb.resetLocked()
	guardLogger.Info().Msg("Hourly circuit breaker reset")
}

func (cb *CircuitBreaker) resetLocked() {
	cb.failures = make(map[string]int)
	cb.tripped = make(map[string]bool)
	cb.lastReset = cb.clock.Now()
}

// LastReset is when the counters were last cleared.
func (cb *CircuitBreaker) LastReset() time.Time {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.lastReset
}
