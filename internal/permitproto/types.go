// Package permitproto defines the wire-level request and response types
// exchanged between a Client Limiter and the Coordinator, independent of
// the transport that carries them (see transport/inproc and
// transport/httprpc).
package permitproto

import (
	"strconv"

	"github.com/google/uuid"
)

// ClientRef durably identifies one client process to the Coordinator. It is
// generated once per process at startup and reused across reconnects, so
// that a coordinator restart can recognize a returning client by the same
// identity.
type ClientRef string

// NewClientRef generates a fresh, process-unique client identity.
func NewClientRef() ClientRef {
	return ClientRef(uuid.NewString())
}

// TryAcquireRequest asks the coordinator to debit k permits from the
// global pool on behalf of client, under sequence number seq.
type TryAcquireRequest struct {
	Client  ClientRef `json:"client"`
	Seq     int32     `json:"seq"`
	Permits int32     `json:"permits"`
}

// TryAcquireResponse reports how many permits were actually granted.
// Granted is either the request's Permits in full or zero; a request is
// never partially filled. A replayed request gets the grant recorded for
// the client's last applied seq.
type TryAcquireResponse struct {
	Granted int32 `json:"granted"`
}

// ReleaseRequest returns k permits previously charged to client back to
// the global pool, under sequence number seq.
type ReleaseRequest struct {
	Client  ClientRef `json:"client"`
	Seq     int32     `json:"seq"`
	Permits int32     `json:"permits"`
}

// RefreshLeaseRequest is a heartbeat proving client is still alive.
type RefreshLeaseRequest struct {
	Client ClientRef `json:"client"`
}

// UnregisterRequest tells the coordinator that client is shutting down and
// its in-use permits should be returned immediately rather than waiting
// for the idle-purge timeout.
type UnregisterRequest struct {
	Client ClientRef `json:"client"`
}

// OnPermitsAvailableRequest is the coordinator's callback to a client that
// was waiting in pendingClients: an advisory nudge to retry TryAcquire.
type OnPermitsAvailableRequest struct {
	ApproxAvailable int32 `json:"approxAvailable"`
}

// IdempotencyKey is the (client, seq) pair the coordinator's idempotency
// gate checks on every TryAcquire/Release: a request whose Seq does not
// advance past the client's last-recorded seq is a retry of one already
// applied, not a new debit/credit.
type IdempotencyKey struct {
	Client ClientRef
	Seq    int32
}

// String renders the key for replay/clamp log lines.
func (k IdempotencyKey) String() string {
	return string(k.Client) + "#" + strconv.FormatInt(int64(k.Seq), 10)
}
