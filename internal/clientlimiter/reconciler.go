package clientlimiter

import (
	"context"
	"time"

	"github.com/ratelimiter/go/internal/permitproto"
	"github.com/ratelimiter/go/pkg/permits"
)

// backoffDelay is the fixed pause after a failed RPC from spec.md §4.1
// step 7, before the reconciler loop retries.
const backoffDelay = 1 * time.Second

// run is the background reconciler goroutine: one per ClientLimiter, for
// its entire lifetime. It is the only place this package issues RPCs
// apart from the best-effort Unregister that Close sends after the
// reconciler has stopped, mirroring the teacher's worker pool owning the only goroutines that
// touch its jobs channel.
func (cl *ClientLimiter) run(ctx context.Context) {
	defer close(cl.doneCh)

	heartbeatTimer := time.NewTimer(cl.cfg.ClientLeaseRefreshInterval)
	defer heartbeatTimer.Stop()

	for {
		select {
		case <-cl.wakeCh:
		case <-heartbeatTimer.C:
			heartbeatTimer.Reset(cl.cfg.ClientLeaseRefreshInterval)
			cl.mu.Lock()
			cl.pendingHeartbeat = true
			cl.mu.Unlock()
		case <-cl.stopCh:
			return
		}

		if cl.shutdown.Load() {
			return
		}

		cl.reconcileOnce(ctx)
	}
}

// reconcileOnce runs one pass of spec.md §4.1's reconciler body: compute
// deficit, pull if needed, recompute surplus, push if needed, and send a
// heartbeat only if neither RPC already proved liveness this pass.
func (cl *ClientLimiter) reconcileOnce(ctx context.Context) {
	ranRPC := cl.reconcileDeficit(ctx)
	ranRPC = cl.reconcileSurplus(ctx) || ranRPC

	cl.mu.Lock()
	due := cl.pendingHeartbeat
	cl.mu.Unlock()

	if due && !ranRPC {
		cl.mu.Lock()
		cl.pendingHeartbeat = false
		cl.mu.Unlock()
		if err := cl.caller.RefreshLease(ctx, permitproto.RefreshLeaseRequest{Client: cl.self}); err != nil {
			cl.log.Warnf("clientlimiter: RefreshLease for %s failed (swallowed): %v", cl.self, err)
		}
	}
}

// reconcileDeficit implements step 4-5: pull enough permits to reach the
// target, or to satisfy the head waiter if that needs more than target.
func (cl *ClientLimiter) reconcileDeficit(ctx context.Context) bool {
	cl.mu.Lock()
	deficit := cl.computeDeficitLocked()
	cl.mu.Unlock()
	if deficit <= 0 {
		return false
	}

	seq := cl.peekSeq()
	resp, err := cl.caller.TryAcquire(ctx, permitproto.TryAcquireRequest{
		Client:  cl.self,
		Seq:     seq,
		Permits: int32(deficit),
	})
	if err != nil {
		cl.log.Warnf("clientlimiter: TryAcquire for %s failed (will retry): %v", cl.self, err)
		cl.backoff()
		return true
	}
	cl.advanceSeq()

	if resp.Granted > 0 {
		cl.mu.Lock()
		cl.mergeAndDrainLocked(int(resp.Granted))
		cl.maybeUpdateIdleLocked()
		cl.mu.Unlock()
	}
	return true
}

// computeDeficitLocked implements step 4. Caller must hold cl.mu.
func (cl *ClientLimiter) computeDeficitLocked() int {
	deficit := cl.cfg.TargetPermitsPerClient - cl.localAvailable
	if deficit < 0 {
		deficit = 0
	}

	headCount := 0
	if front := cl.waiterList.Front(); front != nil {
		headCount = front.Value.(*waiter).count
	}
	if need := headCount - cl.localAvailable; need > deficit {
		deficit = need
	}

	clamp := cl.cfg.TargetPermitsPerClient
	if headCount > clamp {
		clamp = headCount
	}
	if deficit > clamp {
		deficit = clamp
	}
	if deficit < 0 {
		deficit = 0
	}
	return deficit
}

// reconcileSurplus implements step 6: return permits sitting idle above
// target back to the coordinator, rolling back on RPC failure.
func (cl *ClientLimiter) reconcileSurplus(ctx context.Context) bool {
	cl.mu.Lock()
	surplus := cl.localAvailable - cl.cfg.TargetPermitsPerClient
	if surplus <= 0 {
		cl.mu.Unlock()
		return false
	}
	cl.localAvailable -= surplus
	cl.mu.Unlock()

	seq := cl.peekSeq()
	err := cl.caller.Release(ctx, permitproto.ReleaseRequest{
		Client:  cl.self,
		Seq:     seq,
		Permits: int32(surplus),
	})
	if err != nil {
		cl.log.Warnf("clientlimiter: Release for %s failed (will retry): %v", cl.self, err)
		cl.mu.Lock()
		cl.localAvailable += surplus
		cl.mu.Unlock()
		cl.backoff()
		return true
	}
	cl.advanceSeq()
	return true
}

func (cl *ClientLimiter) peekSeq() int32 {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.nextSeq
}

func (cl *ClientLimiter) advanceSeq() {
	cl.mu.Lock()
	cl.nextSeq++
	cl.mu.Unlock()
}

// backoff pauses the reconciler loop, but wakes immediately on shutdown.
func (cl *ClientLimiter) backoff() {
	t := time.NewTimer(backoffDelay)
	defer t.Stop()
	select {
	case <-t.C:
	case <-cl.stopCh:
	}
}

// Close implements pkg/permits.Limiter.Close: it fails every queued
// waiter, stops the reconciler, and makes a best-effort attempt to tell
// the coordinator this client is gone.
func (cl *ClientLimiter) Close() error {
	if !cl.shutdown.CompareAndSwap(false, true) {
		return nil
	}

	cl.mu.Lock()
	for front := cl.waiterList.Front(); front != nil; front = cl.waiterList.Front() {
		w := front.Value.(*waiter)
		cl.waiterList.Remove(front)
		w.elem = nil
		if w.state == waiterPending {
			w.state = waiterCancelled
			w.resultCh <- waiterResult{lease: permits.NewFailedLease(permits.ErrShutdown.Error())}
		}
	}
	cl.outstandingWaiterPermits = 0
	cl.mu.Unlock()

	close(cl.stopCh)
	<-cl.doneCh

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := cl.caller.Unregister(ctx, permitproto.UnregisterRequest{Client: cl.self}); err != nil {
		cl.log.Warnf("clientlimiter: Unregister for %s failed (swallowed): %v", cl.self, err)
	}
	return nil
}
