// Package clock abstracts monotonic time for the permit-coordination
// protocol so that the two places that actually compare time values —
// the coordinator's idle-client bookkeeping and the client limiter's
// idle-duration reporting — can be driven deterministically in tests.
//
// Everything else that needs to *wait* (the coordinator's idle-purge
// ticker, the client's heartbeat timer, the reconciler's backoff sleep)
// is a real asynchronous wakeup, not a time-value comparison, so those
// use stdlib time.Ticker/time.Timer directly and are untouched by the
// Clock injected here. Only NowNanos is exposed because nothing in this
// protocol needs more than "how long since I last heard from this
// client" — no refill curve, no windowed history, just a single
// lastSeen/idleSince delta per client.
//
// Example usage:
//
//	// Production
//	clk := clock.NewSystemClock()
//	coord, _ := coordinator.New(cfg, clk, log, registry)
//
//	// Test
//	clk := clock.NewManualClock(0)
//	coord, _ := coordinator.New(cfg, clk, log, registry)
//	clk.AdvanceNanos(int64(cfg.IdleClientTimeout) + 1)
//	coord.DropIdleClients(ctx) // client now past its idle deadline
package clock

import "time"

// Clock provides monotonic time for idle-bookkeeping comparisons.
//
// Implementations must guarantee monotonicity: time never goes backward,
// even across system clock adjustments (NTP, manual changes, etc.).
//
// The coordinator stamps lastSeen on every successful RPC from a client
// and compares it against NowNanos() to decide whether that client has
// gone idle past IdleClientTimeout; the client limiter does the
// equivalent for its own idleSince marker. Both sides depend on this
// interface so SystemClock drives production and ManualClock drives
// deterministic idle-timeout tests.
type Clock interface {
	// NowNanos returns the current time in nanoseconds since an arbitrary epoch.
	//
	// The epoch is implementation-defined and may differ between implementations.
	// Only time differences (elapsed time) are meaningful, not absolute values.
	//
	// Monotonicity guarantee: for any two successive calls A and B on the same Clock instance,
	// B.NowNanos() >= A.NowNanos() must hold true.
	NowNanos() int64
}

// SystemClock implements Clock using the system's monotonic clock.
//
// This implementation measures time.Since a fixed process-start instant, which
// reads Go's monotonic clock and so provides nanosecond precision and
// monotonic behavior (immune to system clock adjustments).
//
// Thread-safe: safe for concurrent use by multiple goroutines.
//
// Use this in coordinatord and permitclientd, where real wall-clock time
// is what governs idle reclamation.
type SystemClock struct{}

// NewSystemClock creates a new SystemClock instance.
//
// The returned clock is stateless and can be shared across goroutines.
func NewSystemClock() *SystemClock {
	return &SystemClock{}
}

// processStart is SystemClock's epoch. It carries a monotonic clock
// reading, so time.Since(processStart) is unaffected by wall-clock changes.
var processStart = time.Now()

// NowNanos returns the current monotonic time in nanoseconds.
//
// This method wraps time.Since(processStart) which provides:
// - Nanosecond precision (actual resolution may be lower on some systems)
// - Monotonic behavior (not affected by NTP or manual time changes)
// - Consistent epoch across process lifetime
func (c *SystemClock) NowNanos() int64 {
	return int64(time.Since(processStart))
}
