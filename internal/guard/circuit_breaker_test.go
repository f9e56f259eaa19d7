package guard

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type manualClock struct {
	mu   sync.Mutex
	now  time.Time
	tick chan time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), tick: make(chan time.Time)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) After(time.Duration) <-chan time.Time { return c.tick }

// Fire advances the clock by an hour and delivers one timer tick.
func (c *manualClock) Fire() {
	c.mu.Lock()
	c.now = c.now.Add(time.Hour)
	now := c.now
	c.mu.Unlock()
	c.tick <- now
}

func TestTripsAtThreshold(t *testing.T) {
	var trips []string
	cb := NewCircuitBreaker(3, WithTripHandler(func(user string, failures int) {
		trips = append(trips, user)
		assert.Equal(t, 3, failures)
	}))

	cb.RecordFailure("alice")
	cb.RecordFailure("alice")
	assert.False(t, cb.IsTripped("alice"))

	cb.RecordFailure("alice")
	assert.True(t, cb.IsTripped("alice"))
	assert.False(t, cb.IsTripped("bob"))

	cb.RecordFailure("alice")
	assert.Equal(t, []string{"alice"}, trips, "handler fires once per trip")
	assert.Equal(t, 4, cb.Failures("alice"))
}

func TestResetClearsAllUsers(t *testing.T) {
	cb := NewCircuitBreaker(1)
	cb.RecordFailure("alice")
	cb.RecordFailure("bob")
	require.Equal(t, []string{"alice", "bob"}, cb.TrippedUsers())

	cb.Reset()

	assert.False(t, cb.IsTripped("alice"))
	assert.False(t, cb.IsTripped("bob"))
	assert.Empty(t, cb.TrackedUsers())
}

func TestHourlyTimerResets(t *testing.T) {
	clock := newManualClock()
	start := clock.Now()
	cb := NewCircuitBreaker(2, WithClock(clock))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go cb.Run(ctx, time.Hour)

	cb.RecordFailure("alice")
	cb.RecordFailure("alice")
	require.True(t, cb.IsTripped("alice"))

	clock.Fire()
	// The next Fire blocks until the first reset has been applied.
	clock.Fire()

	assert.False(t, cb.IsTripped("alice"))
	assert.True(t, cb.LastReset().After(start))
}

func TestTripAllLatchesUntilExplicitReset(t *testing.T) {
	clock := newManualClock()
	var notified int
	cb := NewCircuitBreaker(5, WithClock(clock), WithTripHandler(func(string, int) { notified++ }))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go cb.Run(ctx, time.Hour)

	users := []string{"u1", "u2", "u3"}
	cb.TripAll(users)
	for _, u := range users {
		assert.True(t, cb.IsTripped(u))
		assert.Equal(t, 5, cb.Failures(u))
	}
	assert.Zero(t, notified)

	clock.Fire()
	clock.Fire()
	assert.True(t, cb.IsTripped("u1"), "latched breaker survives the hourly reset")

	cb.Reset()
	assert.False(t, cb.IsTripped("u1"))

	cb.RecordFailure("u1")
	clock.Fire()
	clock.Fire()
	assert.Zero(t, cb.Failures("u1"), "unlatched breaker resets hourly again")
}

func TestConcurrentFailures(t *testing.T) {
	cb := NewCircuitBreaker(100)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cb.RecordFailure("shared")
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, cb.Failures("shared"))
	assert.False(t, cb.IsTripped("shared"))
}
