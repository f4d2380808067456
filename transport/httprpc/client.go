package httprpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ratelimiter/go/internal/obs"
	"github.com/ratelimiter/go/internal/permitproto"
	"github.com/ratelimiter/go/transport"
)

// Caller implements transport.CoordinatorCaller against a Server's
// Handler over HTTP, and runs a background long-poll loop that feeds
// OnPermitsAvailable callbacks to a local transport.ClientNotifier (the
// owning ClientLimiter).
type Caller struct {
	baseURL string
	client  *http.Client
	log     obs.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewCaller dials no connection up front; polling for a client's
// notifications starts only when StartPolling is called.
func NewCaller(baseURL string, log obs.Logger) *Caller {
	return &Caller{
		baseURL: baseURL,
		client:  &http.Client{Timeout: pollTimeout + 5*time.Second},
		log:     log,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// StartPolling launches the long-poll loop delivering coordinator
// notifications for self to notifier. Call once, after constructing the
// ClientLimiter that will act as notifier.
func (c *Caller) StartPolling(self permitproto.ClientRef, notifier transport.ClientNotifier) {
	go c.pollLoop(self, notifier)
}

// Close stops the long-poll loop.
func (c *Caller) Close() error {
	close(c.stopCh)
	<-c.doneCh
	return nil
}

func (c *Caller) pollLoop(self permitproto.ClientRef, notifier transport.ClientNotifier) {
	defer close(c.doneCh)
	url := fmt.Sprintf("%s/v1/callbacks/%s", c.baseURL, self)
	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		req, err := http.NewRequest(http.MethodGet, url, nil)
		if err != nil {
			c.log.Errorf("httprpc: building poll request: %v", err)
			return
		}
		resp, err := c.client.Do(req)
		if err != nil {
			c.log.Warnf("httprpc: poll for %s failed (will retry): %v", self, err)
			if !c.sleep(1 * time.Second) {
				return
			}
			continue
		}

		if resp.StatusCode == http.StatusOK {
			var payload permitproto.OnPermitsAvailableRequest
			decodeErr := json.NewDecoder(resp.Body).Decode(&payload)
			resp.Body.Close()
			if decodeErr != nil {
				c.log.Warnf("httprpc: decoding callback payload: %v", decodeErr)
				continue
			}
			if err := notifier.OnPermitsAvailable(context.Background(), payload); err != nil {
				c.log.Warnf("httprpc: delivering callback locally: %v", err)
			}
			continue
		}
		resp.Body.Close()
		// 204 (no notification within pollTimeout) or any other status:
		// loop immediately and re-issue the long-poll.
	}
}

func (c *Caller) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-c.stopCh:
		return false
	}
}

func (c *Caller) do(ctx context.Context, method, path string, body, out interface{}) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return fmt.Errorf("httprpc: encoding request: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, &buf)
	if err != nil {
		return fmt.Errorf("httprpc: building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("httprpc: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("httprpc: %s %s: unexpected status %d", method, path, resp.StatusCode)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("httprpc: decoding response from %s: %w", path, err)
	}
	return nil
}

func (c *Caller) TryAcquire(ctx context.Context, req permitproto.TryAcquireRequest) (permitproto.TryAcquireResponse, error) {
	var resp permitproto.TryAcquireResponse
	err := c.do(ctx, http.MethodPost, "/v1/try-acquire", req, &resp)
	return resp, err
}

func (c *Caller) Release(ctx context.Context, req permitproto.ReleaseRequest) error {
	return c.do(ctx, http.MethodPost, "/v1/release", req, nil)
}

func (c *Caller) RefreshLease(ctx context.Context, req permitproto.RefreshLeaseRequest) error {
	return c.do(ctx, http.MethodPost, "/v1/refresh-lease", req, nil)
}

func (c *Caller) Unregister(ctx context.Context, req permitproto.UnregisterRequest) error {
	return c.do(ctx, http.MethodPost, "/v1/unregister", req, nil)
}
