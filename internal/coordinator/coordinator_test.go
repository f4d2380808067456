package coordinator_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/ratelimiter/go/internal/coordinator"
	"github.com/ratelimiter/go/internal/obs"
	"github.com/ratelimiter/go/internal/permitproto"
	"github.com/ratelimiter/go/pkg/clock"
	"github.com/ratelimiter/go/pkg/permits"
	"github.com/ratelimiter/go/transport"
)

func testConfig() permits.Config {
	return permits.Config{
		GlobalPermitCount:          100,
		TargetPermitsPerClient:     20,
		QueueLimit:                 200,
		IdleClientTimeout:          60 * time.Second,
		ClientLeaseRefreshInterval: 30 * time.Second,
	}
}

// fakeRegistry records every OnPermitsAvailable delivery instead of
// actually notifying anyone, so tests can assert on servicePending's
// output without a real client attached.
type fakeRegistry struct {
	mu        sync.Mutex
	delivered map[permitproto.ClientRef]int
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{delivered: make(map[permitproto.ClientRef]int)}
}

func (r *fakeRegistry) Notifier(client permitproto.ClientRef) (transport.ClientNotifier, bool) {
	return &fakeNotifier{registry: r, client: client}, true
}

func (r *fakeRegistry) countFor(client permitproto.ClientRef) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.delivered[client]
}

type fakeNotifier struct {
	registry *fakeRegistry
	client   permitproto.ClientRef
}

func (n *fakeNotifier) OnPermitsAvailable(ctx context.Context, req permitproto.OnPermitsAvailableRequest) error {
	n.registry.mu.Lock()
	n.registry.delivered[n.client]++
	n.registry.mu.Unlock()
	return nil
}

func newTestCoordinator(t *testing.T, cfg permits.Config, clk clock.Clock) (*coordinator.Coordinator, *fakeRegistry) {
	t.Helper()
	reg := newFakeRegistry()
	c, err := coordinator.New(cfg, clk, obs.Nop(), reg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, reg
}

// TestTryAcquire_ConservationUnderFullGrant checks P1: availablePermits
// plus every client's inUse always sums to N.
func TestTryAcquire_ConservationUnderFullGrant(t *testing.T) {
	cfg := testConfig()
	clk := clock.NewManualClock(0)
	c, _ := newTestCoordinator(t, cfg, clk)

	resp, err := c.TryAcquire(context.Background(), permitproto.TryAcquireRequest{
		Client: "client-a", Seq: 1, Permits: 30,
	})
	require.NoError(t, err)
	assert.EqualValues(t, 30, resp.Granted)

	snap := c.Snapshot()
	total := snap.AvailablePermits
	for _, inUse := range snap.InUseByClient {
		total += inUse
	}
	assert.Equal(t, cfg.GlobalPermitCount, total)
	assert.Equal(t, cfg.GlobalPermitCount-30, snap.AvailablePermits)
}

// TestTryAcquire_NoPartialGrantWhenInsufficient verifies a request that
// exceeds availablePermits is queued with zero granted, not partially
// filled.
func TestTryAcquire_NoPartialGrantWhenInsufficient(t *testing.T) {
	cfg := testConfig()
	cfg.GlobalPermitCount = 10
	cfg.TargetPermitsPerClient = 5
	clk := clock.NewManualClock(0)
	c, _ := newTestCoordinator(t, cfg, clk)

	resp, err := c.TryAcquire(context.Background(), permitproto.TryAcquireRequest{
		Client: "client-a", Seq: 1, Permits: 15,
	})
	require.NoError(t, err)
	assert.EqualValues(t, 0, resp.Granted)

	snap := c.Snapshot()
	assert.Equal(t, 1, snap.PendingClients)
	assert.Equal(t, 10, snap.AvailablePermits)
}

// TestTryAcquire_Idempotency checks P3: replaying a seq <= the last
// observed one returns the prior answer without mutating state.
func TestTryAcquire_Idempotency(t *testing.T) {
	cfg := testConfig()
	clk := clock.NewManualClock(0)
	c, _ := newTestCoordinator(t, cfg, clk)
	ctx := context.Background()

	first, err := c.TryAcquire(ctx, permitproto.TryAcquireRequest{Client: "client-a", Seq: 5, Permits: 10})
	require.NoError(t, err)
	assert.EqualValues(t, 10, first.Granted)

	before := c.Snapshot()

	replay, err := c.TryAcquire(ctx, permitproto.TryAcquireRequest{Client: "client-a", Seq: 5, Permits: 10})
	require.NoError(t, err)
	assert.Equal(t, first.Granted, replay.Granted)

	replayLower, err := c.TryAcquire(ctx, permitproto.TryAcquireRequest{Client: "client-a", Seq: 3, Permits: 999})
	require.NoError(t, err)
	assert.Equal(t, first.Granted, replayLower.Granted, "a stale seq must not be able to grab more permits")

	after := c.Snapshot()
	assert.Equal(t, before.AvailablePermits, after.AvailablePermits)
}

// TestRelease_ReturnsPermitsAndServicesPending exercises the full
// TryAcquire -> queue -> Release -> notify path.
func TestRelease_ReturnsPermitsAndServicesPending(t *testing.T) {
	cfg := testConfig()
	cfg.GlobalPermitCount = 10
	cfg.TargetPermitsPerClient = 5
	clk := clock.NewManualClock(0)
	c, reg := newTestCoordinator(t, cfg, clk)
	ctx := context.Background()

	_, err := c.TryAcquire(ctx, permitproto.TryAcquireRequest{Client: "holder", Seq: 1, Permits: 10})
	require.NoError(t, err)

	resp, err := c.TryAcquire(ctx, permitproto.TryAcquireRequest{Client: "waiter", Seq: 1, Permits: 5})
	require.NoError(t, err)
	assert.EqualValues(t, 0, resp.Granted)
	assert.Equal(t, 1, c.Snapshot().PendingClients)

	require.NoError(t, c.Release(ctx, permitproto.ReleaseRequest{Client: "holder", Seq: 2, Permits: 10}))

	assert.Equal(t, 1, reg.countFor("waiter"))
	assert.Equal(t, 0, c.Snapshot().PendingClients)
}

// TestUnregister_ReturnsInUsePermits verifies an unregistering client's
// outstanding charge is returned to the pool, not leaked.
func TestUnregister_ReturnsInUsePermits(t *testing.T) {
	cfg := testConfig()
	cfg.GlobalPermitCount = 10
	cfg.TargetPermitsPerClient = 5
	clk := clock.NewManualClock(0)
	c, _ := newTestCoordinator(t, cfg, clk)
	ctx := context.Background()

	_, err := c.TryAcquire(ctx, permitproto.TryAcquireRequest{Client: "gone", Seq: 1, Permits: 10})
	require.NoError(t, err)
	assert.Equal(t, 0, c.Snapshot().AvailablePermits)

	require.NoError(t, c.Unregister(ctx, permitproto.UnregisterRequest{Client: "gone"}))
	assert.Equal(t, 10, c.Snapshot().AvailablePermits)
}

// TestDropIdleClients_ReclaimsAfterTimeout checks P7: a client silent for
// longer than IdleClientTimeout is purged and its charge reclaimed.
func TestDropIdleClients_ReclaimsAfterTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.GlobalPermitCount = 10
	cfg.TargetPermitsPerClient = 5
	cfg.IdleClientTimeout = 5 * time.Second
	cfg.ClientLeaseRefreshInterval = time.Second
	clk := clock.NewManualClock(0)
	c, _ := newTestCoordinator(t, cfg, clk)
	ctx := context.Background()

	_, err := c.TryAcquire(ctx, permitproto.TryAcquireRequest{Client: "ghost", Seq: 1, Permits: 10})
	require.NoError(t, err)
	assert.Equal(t, 0, c.Snapshot().AvailablePermits)

	require.NoError(t, clk.AdvanceNanos((cfg.IdleClientTimeout + time.Second).Nanoseconds()))
	c.DropIdleClients(ctx)

	assert.Equal(t, 10, c.Snapshot().AvailablePermits)
}

// TestTryAcquire_InvalidArgument checks negative permit counts are
// rejected synchronously.
func TestTryAcquire_InvalidArgument(t *testing.T) {
	cfg := testConfig()
	clk := clock.NewManualClock(0)
	c, _ := newTestCoordinator(t, cfg, clk)

	_, err := c.TryAcquire(context.Background(), permitproto.TryAcquireRequest{Client: "a", Seq: 1, Permits: -1})
	assert.ErrorIs(t, err, permits.ErrInvalidArgument)
}

// TestConcurrentTryAcquire_NeverOversubscribes hammers TryAcquire from
// many goroutines across many distinct clients and checks P1 holds at the
// end: nothing was granted beyond N in aggregate.
func TestConcurrentTryAcquire_NeverOversubscribes(t *testing.T) {
	cfg := testConfig()
	cfg.GlobalPermitCount = 50
	clk := clock.NewManualClock(0)
	c, _ := newTestCoordinator(t, cfg, clk)

	const numClients = 40
	var g errgroup.Group
	for i := 0; i < numClients; i++ {
		client := permitproto.ClientRef("client-" + string(rune('A'+i)))
		g.Go(func() error {
			_, err := c.TryAcquire(context.Background(), permitproto.TryAcquireRequest{
				Client: client, Seq: 1, Permits: 3,
			})
			return err
		})
	}
	require.NoError(t, g.Wait())

	snap := c.Snapshot()
	total := snap.AvailablePermits
	for _, inUse := range snap.InUseByClient {
		total += inUse
	}
	assert.Equal(t, cfg.GlobalPermitCount, total)
	assert.GreaterOrEqual(t, snap.AvailablePermits, 0)
}
