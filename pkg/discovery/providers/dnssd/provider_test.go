package dnssd

import (
	"context"
	"sync"
	"testing"

	"github.com/corepeer/peersync/pkg/discovery"
	"github.com/corepeer/peersync/pkg/types"
)

// fakeResolver simulates name conflicts for a configurable number of
// attempts, and lets tests drive Browse events directly.
type fakeResolver struct {
	mu            sync.Mutex
	conflictsLeft int
	published     []string
	browseFn      func(ctx context.Context, serviceType string, onPeer func(string, bool, map[string]string)) error
}

func (f *fakeResolver) Publish(ctx context.Context, serviceType, instanceName string, port int, txt map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conflictsLeft > 0 {
		f.conflictsLeft--
		return ErrNameConflict
	}
	f.published = append(f.published, instanceName)
	return nil
}

func (f *fakeResolver) Unpublish(serviceType, instanceName string) error { return nil }

func (f *fakeResolver) Browse(ctx context.Context, serviceType string, onPeer func(string, bool, map[string]string)) error {
	if f.browseFn != nil {
		return f.browseFn(ctx, serviceType, onPeer)
	}
	<-ctx.Done()
	return nil
}

type capturingCallback struct {
	mu          sync.Mutex
	publishAttempts int
	publishActive   []bool
	added           []*types.Peer
}

func (c *capturingCallback) BrowseStateChanged(active bool, err error) {}
func (c *capturingCallback) PublishStateChanged(active bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.publishActive = append(c.publishActive, active)
}
func (c *capturingCallback) AddPeer(p *types.Peer, moreComing bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.added = append(c.added, p)
}
func (c *capturingCallback) RemovePeer(p *types.Peer, moreComing bool)   {}
func (c *capturingCallback) PeerMetadataChanged(p *types.Peer)           {}
func (c *capturingCallback) NotifyIncomingConnection(*types.Peer, any) bool { return false }

func TestNameConflictRetry(t *testing.T) {
	tests := []struct {
		name          string
		conflicts     int
		wantPublished string
		wantErr       bool
	}{
		{"no conflict", 0, "Alice", false},
		{"one conflict", 1, "Alice 2", false},
		{"ninety nine conflicts", 99, "Alice 100", false},
		{"one hundred conflicts", 100, "Alice 101", false},
		{"one hundred one conflicts exhausts retries", 101, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := &fakeResolver{conflictsLeft: tt.conflicts}
			cb := &capturingCallback{}
			p := New("testgroup", cb, res, nil)

			err := p.StartPublishing(context.Background(), "Alice", 4000, discovery.Metadata{})
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error after exhausting retries")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(res.published) != 1 || res.published[0] != tt.wantPublished {
				t.Errorf("published = %v, want [%s]", res.published, tt.wantPublished)
			}
		})
	}
}

func TestPublishingNotificationOnSuccess(t *testing.T) {
	res := &fakeResolver{conflictsLeft: 2}
	cb := &capturingCallback{}
	p := New("testgroup", cb, res, nil)

	if err := p.StartPublishing(context.Background(), "Alice", 4000, discovery.Metadata{}); err != nil {
		t.Fatal(err)
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if len(cb.publishActive) != 1 || !cb.publishActive[0] {
		t.Errorf("expected a single active=true publish notification, got %v", cb.publishActive)
	}
}

func TestTXTRoundTrip(t *testing.T) {
	md := map[string]string{"a": "1", "b": "two", "c": ""}
	encoded, err := EncodeTXT(md)
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := DecodeTXT(encoded)
	if err != nil {
		t.Fatal(err)
	}
	if len(decoded) != len(md) {
		t.Fatalf("round trip size mismatch: got %d want %d", len(decoded), len(md))
	}
	for k, v := range md {
		if decoded[k] != v {
			t.Errorf("key %q: got %q want %q", k, decoded[k], v)
		}
	}
}

func TestTXTRejectsOversizedValue(t *testing.T) {
	big := make([]byte, MaxTXTValueBytes+1)
	_, err := EncodeTXT(map[string]string{"k": string(big)})
	if err == nil {
		t.Error("expected error for oversized TXT value")
	}
}
