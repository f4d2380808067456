// Package clientlimiter implements the per-process Client Limiter from
// spec.md §4.1: a local cache of permits, a bounded FIFO of waiters, and a
// background reconciler that brokers the cache against the Coordinator.
//
// The locking discipline follows the teacher's pkg/engine: one mutex
// guards all local mutable state, handlers never perform RPCs while
// holding it, and the one long-lived background goroutine (here the
// reconciler, there the worker pool) is the sole place blocking network
// calls happen while the limiter runs; Close sends one last Unregister
// itself once the reconciler has stopped.
package clientlimiter

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/ratelimiter/go/internal/obs"
	"github.com/ratelimiter/go/internal/permitproto"
	"github.com/ratelimiter/go/pkg/clock"
	"github.com/ratelimiter/go/pkg/permits"
	"github.com/ratelimiter/go/transport"
)

// waiterState tracks the lifecycle of one queued AcquireAsync call.
type waiterState int

const (
	waiterPending waiterState = iota
	waiterFulfilled
	waiterCancelled
)

type waiterResult struct {
	lease *permits.Lease
	err   error
}

// waiter is a suspended AcquireAsync call registered in waiterQueue.
type waiter struct {
	count    int
	resultCh chan waiterResult // buffered, capacity 1
	state    waiterState
	elem     *list.Element // nil once dequeued
}

// ClientLimiter is the concrete implementation behind pkg/permits.Limiter.
type ClientLimiter struct {
	self   permitproto.ClientRef
	cfg    permits.Config
	clk    clock.Clock
	log    obs.Logger
	caller transport.CoordinatorCaller

	mu                       sync.Mutex
	localAvailable           int
	lentOut                  int // permits currently held by the host via undisposed leases
	waiterList               *list.List
	outstandingWaiterPermits int
	idleSet                  bool
	idleSince                int64
	nextSeq                  int32
	pendingHeartbeat         bool

	shutdown atomic.Bool
	wakeCh   chan struct{}
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New constructs a ClientLimiter and starts its background reconciler.
// caller is this client's outbound transport to the coordinator (see
// transport.CoordinatorCaller); self is this process's durable identity.
func New(self permitproto.ClientRef, cfg permits.Config, clk clock.Clock, log obs.Logger, caller transport.CoordinatorCaller) (*ClientLimiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cl := &ClientLimiter{
		self:       self,
		cfg:        cfg,
		clk:        clk,
		log:        log,
		caller:     caller,
		waiterList: list.New(),
		nextSeq:    1,
		wakeCh:     make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
	cl.idleSet = true
	cl.idleSince = clk.NowNanos()
	go cl.run(context.Background())
	return cl, nil
}

// Self returns this client's durable identity.
func (cl *ClientLimiter) Self() permitproto.ClientRef { return cl.self }

func validateCount(n, max int) error {
	if n < 0 {
		return fmt.Errorf("%w: permit count must be >= 0, got %d", permits.ErrInvalidArgument, n)
	}
	if n > max {
		return fmt.Errorf("%w: permit count %d exceeds global budget %d", permits.ErrInvalidArgument, n, max)
	}
	return nil
}

// AttemptAcquire is the non-blocking fast path from spec.md §4.1.
func (cl *ClientLimiter) AttemptAcquire(k int) (*permits.Lease, error) {
	if err := validateCount(k, cl.cfg.GlobalPermitCount); err != nil {
		return nil, err
	}

	cl.mu.Lock()
	defer cl.mu.Unlock()

	if k == 0 {
		if cl.localAvailable > 0 {
			return permits.NewAcquiredLease(0, cl.release), nil
		}
		return permits.NewFailedLease(""), nil
	}

	if cl.localAvailable >= k && cl.outstandingWaiterPermits == 0 {
		cl.localAvailable -= k
		cl.lentOut += k
		cl.maybeUpdateIdleLocked()
		return permits.NewAcquiredLease(k, cl.release), nil
	}
	return permits.NewFailedLease(""), nil
}

// AcquireAsync may suspend the caller from spec.md §4.1. ctx is an
// idiomatic Go addition alongside the spec's cancel channel: both
// cancelling ctx and closing/signalling cancel end the wait the same way.
func (cl *ClientLimiter) AcquireAsync(ctx context.Context, k int, cancel <-chan struct{}) (*permits.Lease, error) {
	if err := validateCount(k, cl.cfg.GlobalPermitCount); err != nil {
		return nil, err
	}

	if k == 0 {
		if cl.shutdown.Load() {
			return permits.NewFailedLease(""), nil
		}
		return permits.NewAcquiredLease(0, cl.release), nil
	}

	cl.mu.Lock()
	if cl.localAvailable >= k && cl.outstandingWaiterPermits == 0 {
		cl.localAvailable -= k
		cl.lentOut += k
		cl.maybeUpdateIdleLocked()
		cl.mu.Unlock()
		return permits.NewAcquiredLease(k, cl.release), nil
	}

	if cl.outstandingWaiterPermits+k > cl.cfg.QueueLimit {
		cl.mu.Unlock()
		return permits.NewFailedLease("Queue limit reached"), nil
	}

	w := &waiter{count: k, resultCh: make(chan waiterResult, 1), state: waiterPending}
	w.elem = cl.waiterList.PushBack(w)
	cl.outstandingWaiterPermits += k
	cl.maybeUpdateIdleLocked()
	cl.mu.Unlock()
	cl.wake()

	select {
	case res := <-w.resultCh:
		return res.lease, res.err
	case <-cancel:
		return cl.handleCancel(w)
	case <-ctx.Done():
		return cl.handleCancel(w)
	}
}

// handleCancel implements spec.md §4.1's cancellation accounting.
func (cl *ClientLimiter) handleCancel(w *waiter) (*permits.Lease, error) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	switch w.state {
	case waiterPending:
		w.state = waiterCancelled
		if w.elem != nil {
			cl.waiterList.Remove(w.elem)
			w.elem = nil
		}
		cl.outstandingWaiterPermits -= w.count
		cl.maybeUpdateIdleLocked()
		return nil, permits.ErrCancelled
	default:
		// The reconciler's release-drain already fulfilled this waiter
		// and wrote a lease into resultCh before the cancel signal was
		// observed. Reclaim those permits into the local cache instead of
		// letting them leak with the abandoned lease.
		select {
		case res := <-w.resultCh:
			if res.lease != nil && res.lease.Count() > 0 {
				cl.lentOut -= res.lease.Count()
				if cl.lentOut < 0 {
					cl.lentOut = 0
				}
				cl.mergeAndDrainLocked(res.lease.Count())
				cl.maybeUpdateIdleLocked()
			}
		default:
		}
		return nil, permits.ErrCancelled
	}
}

// release is the disposer every successfully-acquired Lease calls on
// Dispose. It implements spec.md §4.1's internal release(k).
func (cl *ClientLimiter) release(k int) {
	if k <= 0 {
		return
	}
	cl.mu.Lock()
	cl.lentOut -= k
	if cl.lentOut < 0 {
		cl.log.Warnf("clientlimiter: lentOut went negative, clamping")
		cl.lentOut = 0
	}
	cl.mergeAndDrainLocked(k)
	cl.maybeUpdateIdleLocked()
	cl.mu.Unlock()
	cl.wake()
}

// mergeAndDrainLocked adds k freshly-available permits to localAvailable
// and drains the waiter queue from the head while the head's request fits.
// Callers must hold cl.mu. It is shared by lease disposal (release) and by
// the reconciler applying a coordinator grant, since both cases reduce to
// "more permits just became available locally, try to hand them out."
func (cl *ClientLimiter) mergeAndDrainLocked(k int) {
	cl.localAvailable += k
	if cl.localAvailable > cl.cfg.GlobalPermitCount {
		cl.log.Warnf("clientlimiter: localAvailable exceeded global budget, clamping")
		cl.localAvailable = cl.cfg.GlobalPermitCount
	}

	for {
		front := cl.waiterList.Front()
		if front == nil {
			break
		}
		w := front.Value.(*waiter)
		if w.count > cl.localAvailable {
			break
		}

		cl.waiterList.Remove(front)
		w.elem = nil
		cl.localAvailable -= w.count
		cl.outstandingWaiterPermits -= w.count

		lease := permits.NewAcquiredLease(w.count, cl.release)
		if w.state != waiterPending {
			// Already cancelled; roll back and move on to the next waiter.
			cl.localAvailable += w.count
			cl.outstandingWaiterPermits += w.count
			continue
		}
		w.state = waiterFulfilled
		cl.lentOut += w.count
		w.resultCh <- waiterResult{lease: lease}
	}
}

func (cl *ClientLimiter) maybeUpdateIdleLocked() {
	if cl.outstandingWaiterPermits == 0 && cl.lentOut == 0 {
		if !cl.idleSet {
			cl.idleSet = true
			cl.idleSince = cl.clk.NowNanos()
		}
	} else {
		cl.idleSet = false
	}
}

// AvailablePermits returns an advisory snapshot of the local cache; per
// spec.md's open question, this is never the global figure.
func (cl *ClientLimiter) AvailablePermits() int {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.localAvailable
}

// IdleDuration reports time since this limiter last had zero permits lent
// out and no queued waiters.
func (cl *ClientLimiter) IdleDuration() (time.Duration, bool) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if !cl.idleSet {
		return 0, false
	}
	return time.Duration(cl.clk.NowNanos() - cl.idleSince), true
}

// OnPermitsAvailable implements transport.ClientNotifier: the coordinator
// calls this when capacity frees up for a request this client has
// pending. The reconciler re-evaluates on its own next wake, so all this
// needs to do is nudge it sooner.
func (cl *ClientLimiter) OnPermitsAvailable(ctx context.Context, req permitproto.OnPermitsAvailableRequest) error {
	cl.wake()
	return nil
}

func (cl *ClientLimiter) wake() {
	select {
	case cl.wakeCh <- struct{}{}:
	default:
	}
}
