// Package btle implements the Bluetooth LE discovery provider (§4.E).
//
// No Bluetooth LE hardware library appears anywhere in the example corpus
// (go.mod across every _examples/ repo); there is nothing to adapt or
// wire. This is therefore an interface-level provider: it implements the
// same discovery.Provider contract and the same service/characteristic
// UUID derivation as the real thing, over a pluggable Transport that a
// real BLE stack (or, for tests, an in-process fake) can satisfy. See
// DESIGN.md for the justification.
//
// Grounded on original_source/Networking/P2P/PeerDiscovery+AppleBT.hh for
// the characteristic layout (port PSM + Fleece-metadata characteristics
// over L2CAP) and c4PeerDiscovery.hh for the UUID namespace derivation.
package btle

import (
	"context"
	"fmt"
	"sync"

	"github.com/corepeer/peersync/pkg/discovery"
	"github.com/corepeer/peersync/pkg/log"
	"github.com/corepeer/peersync/pkg/types"
)

// Advertisement is one peripheral seen by a Transport's scan.
type Advertisement struct {
	PeripheralID string
	PortPSM      uint16
	Metadata     map[string]string
}

// Transport abstracts the BLE central/peripheral operations this provider
// needs. A real implementation wraps a platform BLE stack; a test or
// simulated implementation can drive Scan/Advertise directly in-process.
type Transport interface {
	// Scan watches for peripherals advertising serviceUUID until ctx ends,
	// invoking onSeen for each one found and onLost when one disappears.
	Scan(ctx context.Context, serviceUUID string, onSeen func(Advertisement), onLost func(peripheralID string)) error
	// Advertise exposes this device as a peripheral under serviceUUID with
	// the port/metadata characteristics set, until ctx ends or Withdraw is
	// called.
	Advertise(ctx context.Context, serviceUUID string, portPSM uint16, metadata map[string]string) error
	Withdraw() error
}

// Provider implements discovery.Provider for Bluetooth LE.
type Provider struct {
	group     types.PeerGroupID
	cb        discovery.ProviderCallback
	transport Transport

	mu          sync.Mutex
	browsing    bool
	publishing  bool
	cancelScan  context.CancelFunc
	cancelAdv   context.CancelFunc
	peers       map[string]*types.Peer
	displayName string
	port        int
}

// New constructs a BTLE Provider for group, reporting through cb.
func New(group types.PeerGroupID, cb discovery.ProviderCallback, transport Transport) *Provider {
	return &Provider{group: group, cb: cb, transport: transport, peers: make(map[string]*types.Peer)}
}

// Factory adapts New to discovery.ProviderFactory.
func Factory(transport Transport) discovery.ProviderFactory {
	return func(group types.PeerGroupID, cb discovery.ProviderCallback) discovery.Provider {
		return New(group, cb, transport)
	}
}

func (p *Provider) Name() string                  { return discovery.ProviderBluetoothLE }
func (p *Provider) PeerGroupID() types.PeerGroupID { return p.group }

func (p *Provider) serviceUUID() string {
	return types.ServiceUUIDForGroup(p.group).String()
}

func (p *Provider) IsBrowsing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.browsing
}

func (p *Provider) IsPublishing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.publishing
}

// StartBrowsing begins scanning for peripherals advertising this group's
// service UUID.
func (p *Provider) StartBrowsing(ctx context.Context) error {
	p.mu.Lock()
	if p.browsing {
		p.mu.Unlock()
		return nil
	}
	scanCtx, cancel := context.WithCancel(ctx)
	p.cancelScan = cancel
	p.browsing = true
	p.mu.Unlock()

	go func() {
		err := p.transport.Scan(scanCtx, p.serviceUUID(), p.onSeen, p.onLost)
		p.mu.Lock()
		p.browsing = false
		p.mu.Unlock()
		p.cb.BrowseStateChanged(false, err)
	}()

	p.cb.BrowseStateChanged(true, nil)
	return nil
}

// StopBrowsing cancels the active scan, if any.
func (p *Provider) StopBrowsing() error {
	p.mu.Lock()
	cancel := p.cancelScan
	p.browsing = false
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	p.cb.BrowseStateChanged(false, nil)
	return nil
}

func (p *Provider) onSeen(adv Advertisement) {
	p.mu.Lock()
	peer, exists := p.peers[adv.PeripheralID]
	if !exists {
		peer = types.NewPeer(p, adv.PeripheralID)
		p.peers[adv.PeripheralID] = peer
	}
	p.mu.Unlock()

	peer.SetMetadata(adv.Metadata)
	peer.SetConnectable(true) // BLE connectability hint may flip rapidly with RSSI
	p.cb.AddPeer(peer, false)
}

func (p *Provider) onLost(peripheralID string) {
	p.mu.Lock()
	peer, exists := p.peers[peripheralID]
	delete(p.peers, peripheralID)
	p.mu.Unlock()
	if exists {
		p.cb.RemovePeer(peer, false)
	}
}

// MonitorMetadata is a no-op placeholder: a real BLE stack would subscribe
// to GATT notifications on the metadata characteristic.
func (p *Provider) MonitorMetadata(peer *types.Peer, enable bool) error { return nil }

// ResolveURL returns an l2cap:// pseudo-URL identifying the peripheral;
// the actual connection uses L2CAP channels, not TCP (§4.E).
func (p *Provider) ResolveURL(ctx context.Context, peer *types.Peer) (string, error) {
	return fmt.Sprintf("l2cap://%s", peer.ID()), nil
}

func (p *Provider) CancelResolveURL(peer *types.Peer) {}

// GetSocketFactory returns a non-nil marker: BLE connections use L2CAP
// channels rather than the default IP WebSocket transport.
func (p *Provider) GetSocketFactory() any { return "l2cap" }

// StartPublishing advertises this device as a BLE peripheral.
func (p *Provider) StartPublishing(ctx context.Context, displayName string, port int, metadata discovery.Metadata) error {
	advCtx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.cancelAdv = cancel
	p.displayName = displayName
	p.port = port
	p.mu.Unlock()

	if err := p.transport.Advertise(advCtx, p.serviceUUID(), uint16(port), metadata); err != nil {
		p.cb.PublishStateChanged(false, err)
		return err
	}
	p.mu.Lock()
	p.publishing = true
	p.mu.Unlock()
	p.cb.PublishStateChanged(true, nil)
	return nil
}

// StopPublishing withdraws the peripheral advertisement.
func (p *Provider) StopPublishing() error {
	p.mu.Lock()
	cancel := p.cancelAdv
	p.publishing = false
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	err := p.transport.Withdraw()
	p.cb.PublishStateChanged(false, err)
	return err
}

// UpdateMetadata re-advertises with the given metadata characteristic
// value (a real stack updates the GATT characteristic in place). The
// displayName/port PSM from the original StartPublishing call are reused
// so re-advertising a metadata change doesn't zero the port characteristic,
// mirroring dnssd's Provider.UpdateMetadata.
func (p *Provider) UpdateMetadata(metadata discovery.Metadata) error {
	p.mu.Lock()
	cancel := p.cancelAdv
	displayName := p.displayName
	port := p.port
	p.mu.Unlock()
	if cancel == nil {
		return fmt.Errorf("btle: not currently publishing")
	}
	return p.StartPublishing(context.Background(), displayName, port, metadata)
}

// Shutdown stops scanning and advertising, then calls onComplete.
func (p *Provider) Shutdown(onComplete func()) {
	_ = p.StopBrowsing()
	_ = p.StopPublishing()
	log.WithComponent("btle").Info().Str("group", string(p.group)).Msg("provider shut down")
	if onComplete != nil {
		onComplete()
	}
}
