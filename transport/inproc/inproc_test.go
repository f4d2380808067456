package inproc_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ratelimiter/go/internal/coordinator"
	"github.com/ratelimiter/go/internal/obs"
	"github.com/ratelimiter/go/internal/permitproto"
	"github.com/ratelimiter/go/pkg/clock"
	"github.com/ratelimiter/go/pkg/permits"
	"github.com/ratelimiter/go/transport/inproc"
)

// fastConfig uses short heartbeat/idle windows so these tests don't need
// to wait through the worked-example durations from spec.md §8.
func fastConfig() permits.Config {
	return permits.Config{
		GlobalPermitCount:          20,
		TargetPermitsPerClient:     5,
		QueueLimit:                 50,
		IdleClientTimeout:          300 * time.Millisecond,
		ClientLeaseRefreshInterval: 50 * time.Millisecond,
	}
}

func newNetwork(t *testing.T, cfg permits.Config) (*coordinator.Coordinator, *inproc.Network) {
	t.Helper()
	coord, err := coordinator.New(cfg, clock.NewSystemClock(), obs.Nop(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = coord.Close() })
	return coord, inproc.NewNetwork(coord)
}

// TestClientLimiter_ReconcilerPullsUpToTarget checks a freshly created
// client, with nothing acquired locally, converges its local cache to
// TargetPermitsPerClient via the background reconciler alone.
func TestClientLimiter_ReconcilerPullsUpToTarget(t *testing.T) {
	cfg := fastConfig()
	coord, net := newNetwork(t, cfg)

	cl, err := net.NewClient(permitproto.NewClientRef(), cfg, clock.NewSystemClock(), obs.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = cl.Close() })

	require.Eventually(t, func() bool {
		return cl.AvailablePermits() == cfg.TargetPermitsPerClient
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, cfg.GlobalPermitCount-cfg.TargetPermitsPerClient, coord.Snapshot().AvailablePermits)
}

// TestClientLimiter_AcquireAsyncAcrossClients drives the end-to-end
// scenario from spec.md §8: one client exhausts the global pool, a
// second client's AcquireAsync blocks, and releasing the first unblocks
// the second via the coordinator's notify path.
func TestClientLimiter_AcquireAsyncAcrossClients(t *testing.T) {
	cfg := fastConfig()
	cfg.GlobalPermitCount = 5
	cfg.TargetPermitsPerClient = 5
	coord, net := newNetwork(t, cfg)

	// The holder's target is below N so that, once it disposes its lease,
	// the cache above target is surplus its reconciler returns to the
	// coordinator; a holder with T = N would keep all N permits cached.
	holderCfg := cfg
	holderCfg.TargetPermitsPerClient = 1
	waiterCfg := cfg
	waiterCfg.TargetPermitsPerClient = 1

	holder, err := net.NewClient("holder", holderCfg, clock.NewSystemClock(), obs.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = holder.Close() })

	held, err := holder.AcquireAsync(context.Background(), 5, nil)
	require.NoError(t, err)
	require.True(t, held.Acquired())
	assert.Equal(t, 0, coord.Snapshot().AvailablePermits)

	waiter, err := net.NewClient("waiter", waiterCfg, clock.NewSystemClock(), obs.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = waiter.Close() })

	type acquireResult struct {
		lease *permits.Lease
		err   error
	}
	resultCh := make(chan acquireResult, 1)
	go func() {
		lease, err := waiter.AcquireAsync(context.Background(), 1, nil)
		resultCh <- acquireResult{lease: lease, err: err}
	}()

	select {
	case res := <-resultCh:
		t.Fatalf("waiter acquired before any permits were released: err=%v acquired=%v", res.err, res.lease.Acquired())
	case <-time.After(100 * time.Millisecond):
	}

	held.Dispose()

	select {
	case res := <-resultCh:
		require.NoError(t, res.err)
		assert.True(t, res.lease.Acquired())
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was never unblocked after the holder released its permits")
	}
}

// TestCoordinator_IdlePurgeReclaimsAbandonedClient checks P7 end to end:
// a client that stops heartbeating entirely (closed without Unregister)
// still has its charge reclaimed once IdleClientTimeout elapses.
func TestCoordinator_IdlePurgeReclaimsAbandonedClient(t *testing.T) {
	cfg := fastConfig()
	coord, _ := newNetwork(t, cfg)
	ctx := context.Background()

	_, err := coord.TryAcquire(ctx, permitproto.TryAcquireRequest{Client: "abandoned", Seq: 1, Permits: 10})
	require.NoError(t, err)
	require.Equal(t, cfg.GlobalPermitCount-10, coord.Snapshot().AvailablePermits)

	// Drive the purge directly rather than waiting on the coordinator's own
	// fixed-interval ticker, which runs on a longer period than a test
	// should have to wait on.
	require.Eventually(t, func() bool {
		coord.DropIdleClients(ctx)
		return coord.Snapshot().AvailablePermits == cfg.GlobalPermitCount
	}, 3*time.Second, 20*time.Millisecond, "idle purge should have reclaimed the abandoned client's charge")
}
