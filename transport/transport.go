// Package transport defines the RPC surface between a Client Limiter and
// the Coordinator as plain Go interfaces, so the protocol logic in
// internal/coordinator and internal/clientlimiter never depends on a
// concrete wire format. The cluster membership / actor-placement runtime
// that would carry these calls in production is out of scope (spec.md
// §1); it is treated as an opaque transport that a concrete package
// (transport/inproc for tests and single-process simulation,
// transport/httprpc for a real network deployment) plugs in underneath.
package transport

import (
	"context"

	"github.com/ratelimiter/go/internal/permitproto"
)

// CoordinatorCaller is implemented by a client's outbound transport: the
// four RPCs a Client Limiter's reconciler issues against the Coordinator.
type CoordinatorCaller interface {
	TryAcquire(ctx context.Context, req permitproto.TryAcquireRequest) (permitproto.TryAcquireResponse, error)
	Release(ctx context.Context, req permitproto.ReleaseRequest) error
	RefreshLease(ctx context.Context, req permitproto.RefreshLeaseRequest) error
	Unregister(ctx context.Context, req permitproto.UnregisterRequest) error
}

// ClientNotifier is implemented by the coordinator's outbound transport to
// a specific client: the single OnPermitsAvailable callback.
type ClientNotifier interface {
	OnPermitsAvailable(ctx context.Context, req permitproto.OnPermitsAvailableRequest) error
}

// NotifierRegistry resolves a client's identity to the notifier the
// coordinator should call when capacity frees up for that client. Concrete
// transports register client notifiers as clients first contact the
// coordinator.
type NotifierRegistry interface {
	Notifier(client permitproto.ClientRef) (ClientNotifier, bool)
}
