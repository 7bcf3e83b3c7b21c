package btle

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/corepeer/peersync/pkg/discovery"
	"github.com/corepeer/peersync/pkg/types"
)

// fakeTransport is an in-process simulated BLE stack: Advertise on one
// Provider feeds Scan on another via a shared registry, so the pair can be
// exercised without any real radio.
type fakeTransport struct {
	mu   sync.Mutex
	reg  *registry
	self string
}

type registry struct {
	mu   sync.Mutex
	subs map[string][]func(Advertisement)
	live map[string]Advertisement // peripheralID -> advertisement
}

func newRegistry() *registry { return &registry{subs: map[string][]func(Advertisement){}, live: map[string]Advertisement{}} }

func (r *registry) advertise(svc string, adv Advertisement) {
	r.mu.Lock()
	r.live[adv.PeripheralID] = adv
	subs := append([]func(Advertisement){}, r.subs[svc]...)
	r.mu.Unlock()
	for _, f := range subs {
		f(adv)
	}
}

func (r *registry) withdraw(peripheralID string) {
	r.mu.Lock()
	delete(r.live, peripheralID)
	r.mu.Unlock()
}

func (r *registry) subscribe(svc string, f func(Advertisement)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs[svc] = append(r.subs[svc], f)
	for _, adv := range r.live {
		go f(adv)
	}
}

func (t *fakeTransport) Scan(ctx context.Context, serviceUUID string, onSeen func(Advertisement), onLost func(string)) error {
	t.reg.subscribe(serviceUUID, onSeen)
	<-ctx.Done()
	return nil
}

func (t *fakeTransport) Advertise(ctx context.Context, serviceUUID string, portPSM uint16, metadata map[string]string) error {
	t.reg.advertise(serviceUUID, Advertisement{PeripheralID: t.self, PortPSM: portPSM, Metadata: metadata})
	go func() {
		<-ctx.Done()
		t.reg.withdraw(t.self)
	}()
	return nil
}

func (t *fakeTransport) Withdraw() error {
	t.reg.withdraw(t.self)
	return nil
}

type capturingCallback struct {
	mu            sync.Mutex
	publishActive []bool
	browseActive  []bool
	added         []*types.Peer
	removed       []*types.Peer
}

func (c *capturingCallback) BrowseStateChanged(active bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.browseActive = append(c.browseActive, active)
}
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
func (c *capturingCallback) RemovePeer(p *types.Peer, moreComing bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removed = append(c.removed, p)
}
func (c *capturingCallback) PeerMetadataChanged(p *types.Peer)             {}
func (c *capturingCallback) NotifyIncomingConnection(*types.Peer, any) bool { return false }

func (c *capturingCallback) addedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.added)
}

func TestServiceUUIDDerivedFromGroup(t *testing.T) {
	p := New("testgroup", &capturingCallback{}, &fakeTransport{reg: newRegistry(), self: "central"})
	uuid1 := p.serviceUUID()
	uuid2 := types.ServiceUUIDForGroup("testgroup").String()
	if uuid1 != uuid2 {
		t.Errorf("serviceUUID() = %s, want %s", uuid1, uuid2)
	}
}

func TestBrowseDiscoversAdvertisedPeer(t *testing.T) {
	reg := newRegistry()
	centralCB := &capturingCallback{}
	central := New("testgroup", centralCB, &fakeTransport{reg: reg, self: "central"})

	peripheralCB := &capturingCallback{}
	peripheral := New("testgroup", peripheralCB, &fakeTransport{reg: reg, self: "peripheral-1"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := central.StartBrowsing(ctx); err != nil {
		t.Fatal(err)
	}
	if err := peripheral.StartPublishing(ctx, "Bob", 0x1001, discovery.Metadata{"db": "mydb"}); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(time.Second)
	for centralCB.addedCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if centralCB.addedCount() != 1 {
		t.Fatalf("expected 1 discovered peer, got %d", centralCB.addedCount())
	}

	centralCB.mu.Lock()
	peer := centralCB.added[0]
	centralCB.mu.Unlock()
	if peer.Metadata()["db"] != "mydb" {
		t.Errorf("metadata not propagated: got %v", peer.Metadata())
	}
}

func TestResolveURLUsesL2CAPScheme(t *testing.T) {
	p := New("testgroup", &capturingCallback{}, &fakeTransport{reg: newRegistry(), self: "central"})
	peer := types.NewPeer(p, "peripheral-1")
	url, err := p.ResolveURL(context.Background(), peer)
	if err != nil {
		t.Fatal(err)
	}
	want := fmt.Sprintf("l2cap://%s", peer.ID())
	if url != want {
		t.Errorf("ResolveURL = %q, want %q", url, want)
	}
}

func TestStopPublishingWithdraws(t *testing.T) {
	reg := newRegistry()
	cb := &capturingCallback{}
	p := New("testgroup", cb, &fakeTransport{reg: reg, self: "peripheral-1"})

	ctx := context.Background()
	if err := p.StartPublishing(ctx, "Bob", 0x1001, discovery.Metadata{}); err != nil {
		t.Fatal(err)
	}
	if !p.IsPublishing() {
		t.Fatal("expected IsPublishing() true after StartPublishing")
	}
	if err := p.StopPublishing(); err != nil {
		t.Fatal(err)
	}
	if p.IsPublishing() {
		t.Fatal("expected IsPublishing() false after StopPublishing")
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if len(cb.publishActive) != 2 || cb.publishActive[0] != true || cb.publishActive[1] != false {
		t.Errorf("publishActive = %v, want [true false]", cb.publishActive)
	}
}

func TestUpdateMetadataPreservesPortPSM(t *testing.T) {
	reg := newRegistry()
	cb := &capturingCallback{}
	p := New("testgroup", cb, &fakeTransport{reg: reg, self: "peripheral-1"})

	ctx := context.Background()
	if err := p.StartPublishing(ctx, "Bob", 0x1001, discovery.Metadata{"db": "mydb"}); err != nil {
		t.Fatal(err)
	}

	if err := p.UpdateMetadata(discovery.Metadata{"db": "mydb2"}); err != nil {
		t.Fatal(err)
	}

	reg.mu.Lock()
	adv := reg.live["peripheral-1"]
	reg.mu.Unlock()
	if adv.PortPSM != 0x1001 {
		t.Errorf("PortPSM after UpdateMetadata = %#x, want %#x", adv.PortPSM, 0x1001)
	}
	if adv.Metadata["db"] != "mydb2" {
		t.Errorf("metadata after UpdateMetadata = %v", adv.Metadata)
	}
}

func TestUpdateMetadataBeforePublishingErrors(t *testing.T) {
	p := New("testgroup", &capturingCallback{}, &fakeTransport{reg: newRegistry(), self: "peripheral-1"})
	if err := p.UpdateMetadata(discovery.Metadata{"db": "mydb"}); err == nil {
		t.Fatal("expected an error when UpdateMetadata is called before StartPublishing")
	}
}

func TestShutdownStopsBrowsingAndPublishing(t *testing.T) {
	reg := newRegistry()
	cb := &capturingCallback{}
	p := New("testgroup", cb, &fakeTransport{reg: reg, self: "node-1"})

	ctx := context.Background()
	_ = p.StartBrowsing(ctx)
	_ = p.StartPublishing(ctx, "Bob", 1, discovery.Metadata{})

	done := make(chan struct{})
	p.Shutdown(func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Shutdown did not call onComplete")
	}
	if p.IsBrowsing() || p.IsPublishing() {
		t.Error("expected both browsing and publishing false after Shutdown")
	}
}
