// Package httprpc is the network transport implementation of the
// transport package's interfaces: net/http plus encoding/json, in the
// same spirit as the teacher's pkg/targets HTTP fetch code but turned
// around into a small RPC server and client. Coordinator notifications
// are delivered by long-poll rather than a push connection, since a
// client daemon here never needs to accept inbound connections.
package httprpc

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/ratelimiter/go/internal/coordinator"
	"github.com/ratelimiter/go/internal/obs"
	"github.com/ratelimiter/go/internal/permitproto"
	"github.com/ratelimiter/go/transport"
)

// pollTimeout bounds how long a /v1/callbacks long-poll request waits for
// a notification before returning 204 No Content, so polling clients and
// any load balancer in front of the coordinator never see a request hang
// indefinitely.
const pollTimeout = 25 * time.Second

// Server exposes a Coordinator over HTTP and doubles as the
// transport.NotifierRegistry backing its outbound notifications: instead
// of an actual callback RPC, a notification parks a value for the named
// client to pick up on its next long-poll.
type Server struct {
	coord *coordinator.Coordinator
	log   obs.Logger

	mu      sync.Mutex
	pending map[permitproto.ClientRef]chan permitproto.OnPermitsAvailableRequest
}

// NewServer wraps coord and wires itself in as its NotifierRegistry.
func NewServer(coord *coordinator.Coordinator, log obs.Logger) *Server {
	s := &Server{
		coord:   coord,
		log:     log,
		pending: make(map[permitproto.ClientRef]chan permitproto.OnPermitsAvailableRequest),
	}
	coord.SetNotifierRegistry(s)
	return s
}

// Notifier implements transport.NotifierRegistry. The returned notifier
// writes into this client's mailbox channel rather than making an
// outbound call.
func (s *Server) Notifier(client permitproto.ClientRef) (transport.ClientNotifier, bool) {
	return &mailboxNotifier{server: s, client: client}, true
}

func (s *Server) mailbox(client permitproto.ClientRef) chan permitproto.OnPermitsAvailableRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.pending[client]
	if !ok {
		ch = make(chan permitproto.OnPermitsAvailableRequest, 1)
		s.pending[client] = ch
	}
	return ch
}

type mailboxNotifier struct {
	server *Server
	client permitproto.ClientRef
}

func (m *mailboxNotifier) OnPermitsAvailable(ctx context.Context, req permitproto.OnPermitsAvailableRequest) error {
	ch := m.server.mailbox(m.client)
	select {
	case ch <- req:
	default:
		// A notification is already waiting to be picked up; the client's
		// next poll will re-check its own deficit regardless, so dropping
		// a second nudge loses nothing.
	}
	return nil
}

// Handler returns the http.Handler exposing the coordinator's RPC
// surface. It is exported separately from a constructor that also
// listens, so cmd/coordinatord controls the net/http.Server lifecycle
// itself (graceful shutdown, TLS, etc) the way the teacher's cmd/server
// does.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/try-acquire", s.handleTryAcquire)
	mux.HandleFunc("/v1/release", s.handleRelease)
	mux.HandleFunc("/v1/refresh-lease", s.handleRefreshLease)
	mux.HandleFunc("/v1/unregister", s.handleUnregister)
	mux.HandleFunc("/v1/callbacks/", s.handlePoll)
	mux.HandleFunc("/v1/debug/state", s.handleDebugState)
	return mux
}

func (s *Server) handleTryAcquire(w http.ResponseWriter, r *http.Request) {
	var req permitproto.TryAcquireRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	resp, err := s.coord.TryAcquire(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	var req permitproto.ReleaseRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.coord.Release(r.Context(), req); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRefreshLease(w http.ResponseWriter, r *http.Request) {
	var req permitproto.RefreshLeaseRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.coord.RefreshLease(r.Context(), req); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUnregister(w http.ResponseWriter, r *http.Request) {
	var req permitproto.UnregisterRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.coord.Unregister(r.Context(), req); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handlePoll serves GET /v1/callbacks/{client_ref}: it blocks until a
// notification is pending for that client or pollTimeout elapses.
func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	client := permitproto.ClientRef(r.URL.Path[len("/v1/callbacks/"):])
	if client == "" {
		http.Error(w, "missing client ref", http.StatusBadRequest)
		return
	}
	ch := s.mailbox(client)

	ctx, cancel := context.WithTimeout(r.Context(), pollTimeout)
	defer cancel()

	select {
	case req := <-ch:
		writeJSON(w, http.StatusOK, req)
	case <-ctx.Done():
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleDebugState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.coord.Snapshot())
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		http.Error(w, "malformed request body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), http.StatusBadRequest)
}
