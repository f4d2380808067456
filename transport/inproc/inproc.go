// Package inproc wires a Coordinator directly to any number of Client
// Limiters within a single process, with no network hop. It exists for
// tests and single-process simulations, the same role the teacher's
// in-memory engine fixtures play for pkg/engine tests.
package inproc

import (
	"context"
	"sync"

	"github.com/ratelimiter/go/internal/clientlimiter"
	"github.com/ratelimiter/go/internal/coordinator"
	"github.com/ratelimiter/go/internal/obs"
	"github.com/ratelimiter/go/internal/permitproto"
	"github.com/ratelimiter/go/pkg/clock"
	"github.com/ratelimiter/go/pkg/permits"
	"github.com/ratelimiter/go/transport"
)

// Network is a shared in-process registry: a Coordinator plus the
// notifiers of every client that has registered against it.
type Network struct {
	coord *coordinator.Coordinator

	mu        sync.Mutex
	notifiers map[permitproto.ClientRef]transport.ClientNotifier
}

// NewNetwork wraps a Coordinator and makes itself its NotifierRegistry.
func NewNetwork(coord *coordinator.Coordinator) *Network {
	n := &Network{
		coord:     coord,
		notifiers: make(map[permitproto.ClientRef]transport.ClientNotifier),
	}
	coord.SetNotifierRegistry(n)
	return n
}

// Notifier implements transport.NotifierRegistry.
func (n *Network) Notifier(client permitproto.ClientRef) (transport.ClientNotifier, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	notifier, ok := n.notifiers[client]
	return notifier, ok
}

// Caller returns a transport.CoordinatorCaller bound straight to the
// Coordinator. It carries no per-client state; every request names its
// own client in the request body, so one Caller can be shared or a fresh
// one handed to each limiter, interchangeably.
func (n *Network) Caller() transport.CoordinatorCaller {
	return &caller{coord: n.coord}
}

// RegisterNotifier associates a client's notifier (normally its
// ClientLimiter's own OnPermitsAvailable handling) with its identity, so
// the Coordinator's servicePending can reach it. A client limiter
// registers once, at construction, before issuing any RPCs.
func (n *Network) RegisterNotifier(client permitproto.ClientRef, notifier transport.ClientNotifier) {
	n.mu.Lock()
	n.notifiers[client] = notifier
	n.mu.Unlock()
}

// Unregister drops a client's notifier entry. The ClientLimiter's Close
// path also calls Unregister on the Coordinator itself; this only removes
// the local callback wiring.
func (n *Network) Unregister(client permitproto.ClientRef) {
	n.mu.Lock()
	delete(n.notifiers, client)
	n.mu.Unlock()
}

// NewClient builds a ClientLimiter wired to this Network: it gets its own
// Caller and is registered as its own notifier under self, in the right
// order to avoid the construction cycle between the two (the notifier is
// the limiter itself, which cannot exist before the caller it needs).
func (n *Network) NewClient(self permitproto.ClientRef, cfg permits.Config, clk clock.Clock, log obs.Logger) (*clientlimiter.ClientLimiter, error) {
	cl, err := clientlimiter.New(self, cfg, clk, log, n.Caller())
	if err != nil {
		return nil, err
	}
	n.RegisterNotifier(self, cl)
	return cl, nil
}

// caller implements transport.CoordinatorCaller as direct method calls.
type caller struct {
	coord *coordinator.Coordinator
}

func (c *caller) TryAcquire(ctx context.Context, req permitproto.TryAcquireRequest) (permitproto.TryAcquireResponse, error) {
	return c.coord.TryAcquire(ctx, req)
}

func (c *caller) Release(ctx context.Context, req permitproto.ReleaseRequest) error {
	return c.coord.Release(ctx, req)
}

func (c *caller) RefreshLease(ctx context.Context, req permitproto.RefreshLeaseRequest) error {
	return c.coord.RefreshLease(ctx, req)
}

func (c *caller) Unregister(ctx context.Context, req permitproto.UnregisterRequest) error {
	return c.coord.Unregister(ctx, req)
}
