package clock

import (
	"fmt"
	"sync"
)

// ManualClock provides controllable time for deterministic testing of the
// idle-timeout and lease-refresh paths in internal/coordinator and
// internal/clientlimiter.
//
// This clock allows tests to:
// - Advance time past IdleClientTimeout without sleeping (AdvanceNanos)
// - Jump a lastSeen/idleSince comparison to an absolute value (SetNanos)
// - Avoid sleeps and race conditions
// - Achieve 100% reproducible results for P7 (idle reclamation)
//
// Thread-safe: safe for concurrent use by multiple goroutines.
// The internal mutex ensures that time updates and reads are atomic.
//
// Example usage:
//
//	clk := clock.NewManualClock(0) // Start at time 0
//
//	coord, _ := coordinator.New(cfg, clk, log, registry)
//	coord.TryAcquire(ctx, permitproto.TryAcquireRequest{Client: "c1", Seq: 1, Permits: 3})
//
//	// Advance past the idle timeout without the client ever heartbeating
//	clk.AdvanceNanos(int64(cfg.IdleClientTimeout) + 1)
//	coord.DropIdleClients(ctx)
//	// c1's charge is now reclaimed into the global pool
type ManualClock struct {
	mu  sync.Mutex
	now int64
}

// NewManualClock creates a ManualClock starting at the specified time.
//
// The startNanos parameter defines the initial time value in nanoseconds.
// Common patterns:
// - Start at 0: NewManualClock(0)
// - Start at a specific Unix timestamp: NewManualClock(time.Now().UnixNano())
//
// The choice of startNanos is arbitrary; only time differences matter for idle bookkeeping.
func NewManualClock(startNanos int64) *ManualClock {
	return &ManualClock{now: startNanos}
}

// NowNanos returns the current manual time in nanoseconds.
//
// This method is thread-safe and can be called concurrently with AdvanceNanos
// and SetNanos from multiple goroutines.
//
// The returned value is guaranteed to be monotonic within a single goroutine's
// perspective, but concurrent goroutines may observe time moving backward if
// SetNanos is called concurrently. For deterministic testing, avoid concurrent
// time manipulation from multiple goroutines.
func (c *ManualClock) NowNanos() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// AdvanceNanos advances the clock by the specified duration.
//
// This is the primary method for simulating a client's silence past
// IdleClientTimeout, or a lease-refresh interval elapsing, in tests.
// It increments the current time by delta nanoseconds, preserving monotonicity.
//
// Parameters:
//   - delta: duration in nanoseconds to advance (must be >= 0)
//
// Returns:
//   - error if delta is negative
//
// Example:
//
//	clk := NewManualClock(0)
//	clk.AdvanceNanos(int64(30 * time.Second)) // past R, short of I
//	clk.AdvanceNanos(int64(31 * time.Second)) // now past I too
func (c *ManualClock) AdvanceNanos(delta int64) error {
	if delta < 0 {
		return fmt.Errorf("delta must be >= 0, got: %d", delta)
	}
	c.mu.Lock()
	c.now += delta
	c.mu.Unlock()
	return nil
}

// SetNanos sets the clock to an absolute time value.
//
// Unlike AdvanceNanos, this method can move time backward, breaking monotonicity.
// Use this method carefully, typically only at the start of tests to set an initial state.
//
// Prefer AdvanceNanos over SetNanos when possible to maintain monotonicity guarantees.
//
// Parameters:
//   - value: absolute time in nanoseconds to set
func (c *ManualClock) SetNanos(value int64) {
	c.mu.Lock()
	c.now = value
	c.mu.Unlock()
}
