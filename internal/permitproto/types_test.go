package permitproto_test

import (
	"testing"

	"github.com/ratelimiter/go/internal/permitproto"
)

// TestNewClientRef_Unique checks identities minted for different clients
// don't collide, which the coordinator's client map relies on.
func TestNewClientRef_Unique(t *testing.T) {
	seen := make(map[permitproto.ClientRef]bool)
	for i := 0; i < 1000; i++ {
		ref := permitproto.NewClientRef()
		if seen[ref] {
			t.Fatalf("duplicate ClientRef generated: %s", ref)
		}
		seen[ref] = true
	}
}
