// Package coordinator implements the singleton, cluster-wide authority
// over the permit pool described in spec.md §4.2. A Coordinator is a
// reentrant single-logical-thread actor: independent calls may interleave
// at suspension points (the outbound notify RPC in servicePending), but
// all state mutation is serialized through a single mutex, the same way the teacher's engine package serializes access to a shared
// cache through a single mutex per key — here there is exactly one key,
// the global pool, so one mutex suffices.
package coordinator

import (
	"context"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/ratelimiter/go/internal/obs"
	"github.com/ratelimiter/go/internal/permitproto"
	"github.com/ratelimiter/go/pkg/clock"
	"github.com/ratelimiter/go/pkg/permits"
	"github.com/ratelimiter/go/transport"
)

// purgeInterval is the fixed idle-purge tick from spec.md §4.2.
const purgeInterval = 5 * time.Second

// clientState mirrors the ClientState fields from spec.md §3.
type clientState struct {
	inUse             int
	lastSeen          int64 // clock nanoseconds
	seq               int32
	lastAcquiredGrant int32
	pendingRequest    *int32 // nil means empty
}

// Coordinator owns availablePermits, the client map, and the FIFO of
// clients waiting for capacity.
type Coordinator struct {
	cfg       permits.Config
	clk       clock.Clock
	log       obs.Logger
	notifiers transport.NotifierRegistry

	mu               sync.Mutex
	availablePermits int
	clients          map[permitproto.ClientRef]*clientState
	pendingClients   []permitproto.ClientRef

	availableGauge atomic.Int64

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New constructs a Coordinator with availablePermits initialized to N and
// starts its idle-purge ticker. notifiers resolves a pending client's
// identity to the callback transport.ClientNotifier used by
// servicePending; it may be supplied by the concrete transport after
// construction via SetNotifierRegistry if not yet available.
func New(cfg permits.Config, clk clock.Clock, log obs.Logger, notifiers transport.NotifierRegistry) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Coordinator{
		cfg:              cfg,
		clk:              clk,
		log:              log,
		notifiers:        notifiers,
		availablePermits: cfg.GlobalPermitCount,
		clients:          make(map[permitproto.ClientRef]*clientState),
		stopCh:           make(chan struct{}),
		doneCh:           make(chan struct{}),
	}
	c.availableGauge.Store(int64(cfg.GlobalPermitCount))
	go c.purgeLoop()
	return c, nil
}

// SetNotifierRegistry wires the registry after construction, for
// transports that need the Coordinator to exist before they can build
// their own registry (e.g. httprpc.Server holds a *Coordinator).
func (c *Coordinator) SetNotifierRegistry(n transport.NotifierRegistry) {
	c.mu.Lock()
	c.notifiers = n
	c.mu.Unlock()
}

// AvailablePermits is a debug/metrics snapshot, not part of the protocol.
func (c *Coordinator) AvailablePermits() int {
	return int(c.availableGauge.Load())
}

func (c *Coordinator) fetchOrCreate(client permitproto.ClientRef) *clientState {
	s, ok := c.clients[client]
	if !ok {
		s = &clientState{}
		c.clients[client] = s
	}
	return s
}

// isReplay is the idempotency gate shared by TryAcquire and Release: key
// is a replay of an already-applied RPC iff it does not advance the
// client's recorded seq, per spec.md's single-sequence-space requirement.
func isReplay(key permitproto.IdempotencyKey, s *clientState) bool {
	return key.Seq <= s.seq
}

// TryAcquire implements spec.md §4.2's TryAcquire.
func (c *Coordinator) TryAcquire(ctx context.Context, req permitproto.TryAcquireRequest) (permitproto.TryAcquireResponse, error) {
	if req.Permits < 0 {
		return permitproto.TryAcquireResponse{}, permits.ErrInvalidArgument
	}

	key := permitproto.IdempotencyKey{Client: req.Client, Seq: req.Seq}

	c.mu.Lock()
	s := c.fetchOrCreate(req.Client)
	s.lastSeen = c.clk.NowNanos()

	if isReplay(key, s) {
		granted := s.lastAcquiredGrant
		c.mu.Unlock()
		c.log.Debugf("coordinator: replaying idempotent TryAcquire %s, granted=%d", key, granted)
		return permitproto.TryAcquireResponse{Granted: granted}, nil
	}

	c.dropIdleClientsLocked()

	var granted int32
	k := req.Permits
	if c.availablePermits >= int(k) {
		c.availablePermits -= int(k)
		s.inUse += int(k)
		s.pendingRequest = nil
		granted = k
	} else {
		granted = 0
		if s.pendingRequest == nil {
			pr := k
			s.pendingRequest = &pr
			c.pendingClients = append(c.pendingClients, req.Client)
		}
	}
	s.seq = key.Seq
	s.lastAcquiredGrant = granted
	c.availableGauge.Store(int64(c.availablePermits))

	toNotify := c.servicePendingLocked()
	c.mu.Unlock()

	c.dispatchNotifications(ctx, toNotify)
	return permitproto.TryAcquireResponse{Granted: granted}, nil
}

// Release implements spec.md §4.2's Release.
func (c *Coordinator) Release(ctx context.Context, req permitproto.ReleaseRequest) error {
	if req.Permits < 0 {
		return permits.ErrInvalidArgument
	}

	key := permitproto.IdempotencyKey{Client: req.Client, Seq: req.Seq}

	c.mu.Lock()
	s := c.fetchOrCreate(req.Client)
	s.lastSeen = c.clk.NowNanos()

	if isReplay(key, s) {
		c.mu.Unlock()
		c.log.Debugf("coordinator: replaying idempotent Release %s", key)
		return nil
	}

	c.dropIdleClientsLocked()

	s.inUse -= int(req.Permits)
	if s.inUse < 0 {
		c.log.Warnf("coordinator: client %s inUse went negative, clamping", req.Client)
		s.inUse = 0
	}
	c.availablePermits += int(req.Permits)
	if c.availablePermits > c.cfg.GlobalPermitCount {
		c.log.Warnf("coordinator: availablePermits exceeded N, clamping")
		c.availablePermits = c.cfg.GlobalPermitCount
	}
	s.seq = key.Seq
	s.lastAcquiredGrant = 0
	c.availableGauge.Store(int64(c.availablePermits))

	toNotify := c.servicePendingLocked()
	c.mu.Unlock()

	c.dispatchNotifications(ctx, toNotify)
	return nil
}

// RefreshLease implements spec.md §4.2's RefreshLease.
func (c *Coordinator) RefreshLease(ctx context.Context, req permitproto.RefreshLeaseRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.clients[req.Client]; ok {
		s.lastSeen = c.clk.NowNanos()
	}
	return nil
}

// Unregister implements spec.md §4.2's Unregister.
func (c *Coordinator) Unregister(ctx context.Context, req permitproto.UnregisterRequest) error {
	c.mu.Lock()
	s, ok := c.clients[req.Client]
	if ok {
		c.availablePermits += s.inUse
		if c.availablePermits > c.cfg.GlobalPermitCount {
			c.availablePermits = c.cfg.GlobalPermitCount
		}
		delete(c.clients, req.Client)
		c.availableGauge.Store(int64(c.availablePermits))
	}
	toNotify := c.servicePendingLocked()
	c.mu.Unlock()

	c.dispatchNotifications(ctx, toNotify)
	return nil
}

// pendingNotify pairs a client to notify with the advisory figure to send.
type pendingNotify struct {
	client          permitproto.ClientRef
	approxAvailable int32
}

// servicePendingLocked implements spec.md §4.2's servicePending. Caller
// must hold c.mu. It returns the set of clients to notify rather than
// calling out while holding the lock, since notify RPCs may suspend
// (spec.md §5: "the coordinator may suspend only on outgoing notification
// RPCs", and that must not happen under the actor's own lock).
func (c *Coordinator) servicePendingLocked() []pendingNotify {
	var toNotify []pendingNotify
	for len(c.pendingClients) > 0 {
		head := c.pendingClients[0]
		s, ok := c.clients[head]
		if !ok {
			c.pendingClients = c.pendingClients[1:]
			continue
		}
		if s.pendingRequest == nil {
			c.pendingClients = c.pendingClients[1:]
			continue
		}
		if c.availablePermits >= int(*s.pendingRequest) {
			toNotify = append(toNotify, pendingNotify{client: head, approxAvailable: int32(c.availablePermits)})
			s.pendingRequest = nil
			c.pendingClients = c.pendingClients[1:]
			continue
		}
		break
	}
	return toNotify
}

// dispatchNotifications fires the OnPermitsAvailable callbacks gathered by
// servicePendingLocked, outside the actor's lock. Failures are swallowed
// per spec.md §4.2/§7: the client will retry via heartbeat or be purged.
func (c *Coordinator) dispatchNotifications(ctx context.Context, toNotify []pendingNotify) {
	for _, n := range toNotify {
		c.mu.Lock()
		reg := c.notifiers
		c.mu.Unlock()
		if reg == nil {
			continue
		}
		notifier, ok := reg.Notifier(n.client)
		if !ok {
			continue
		}
		if err := notifier.OnPermitsAvailable(ctx, permitproto.OnPermitsAvailableRequest{ApproxAvailable: n.approxAvailable}); err != nil {
			c.log.Warnf("coordinator: notify %s failed (swallowed): %v", n.client, err)
		}
	}
}

// dropIdleClientsLocked implements spec.md §4.2's dropIdleClients. Caller
// must hold c.mu.
func (c *Coordinator) dropIdleClientsLocked() {
	now := c.clk.NowNanos()
	threshold := c.cfg.IdleClientTimeout.Nanoseconds()
	for ref, s := range c.clients {
		if now-s.lastSeen > threshold {
			c.availablePermits += s.inUse
			if c.availablePermits > c.cfg.GlobalPermitCount {
				c.availablePermits = c.cfg.GlobalPermitCount
			}
			delete(c.clients, ref)
		}
	}
	c.availableGauge.Store(int64(c.availablePermits))
}

// DropIdleClients runs one idle-purge scan outside of the RPC handlers. It
// is exported so tests can drive P7 deterministically against a
// clock.ManualClock without waiting for the real purge ticker, and so the
// purge ticker goroutine below can call it.
func (c *Coordinator) DropIdleClients(ctx context.Context) {
	c.mu.Lock()
	c.dropIdleClientsLocked()
	toNotify := c.servicePendingLocked()
	c.mu.Unlock()
	c.dispatchNotifications(ctx, toNotify)
}

func (c *Coordinator) purgeLoop() {
	defer close(c.doneCh)
	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.DropIdleClients(context.Background())
		case <-c.stopCh:
			return
		}
	}
}

// Close stops the idle-purge ticker. It does not affect client state.
func (c *Coordinator) Close() error {
	c.stopOnce.Do(func() { close(c.stopCh) })
	<-c.doneCh
	return nil
}

// Snapshot is a point-in-time view of coordinator state for introspection
// endpoints (SPEC_FULL.md §7) and for property tests verifying P1.
type Snapshot struct {
	AvailablePermits int
	InUseByClient    map[permitproto.ClientRef]int
	PendingClients   int
}

// Snapshot returns a copy of the coordinator's current state.
func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	inUse := make(map[permitproto.ClientRef]int, len(c.clients))
	for ref, s := range c.clients {
		inUse[ref] = s.inUse
	}
	return Snapshot{
		AvailablePermits: c.availablePermits,
		InUseByClient:    inUse,
		PendingClients:   len(c.pendingClients),
	}
}
