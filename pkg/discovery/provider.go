// Package discovery implements the Peer Discovery Manager (§4.D) and the
// Provider abstraction (§4.E): a DiscoveryManager owns a set of Providers,
// mapping provider-local peers into MetaPeers keyed by PeerID, and fans
// out batched add/remove notifications to registered Observers.
//
// Grounded on original_source/C/Cpp_include/c4PeerDiscovery.hh (the
// C4PeerDiscovery/C4Peer/C4PeerDiscoveryProvider API shape) and
// Networking/P2P/MetaPeer.hh/.cc (MetaPeer, bestC4Peer, clockwise).
package discovery

import (
	"context"

	"github.com/corepeer/peersync/pkg/types"
)

// Metadata is the opaque key/value map a Provider attaches to a Peer,
// matching c4PeerDiscovery.hh's Metadata = unordered_map<string, alloc_slice>.
type Metadata = map[string]string

// Provider is the abstract interface implemented once per transport (e.g.
// DNS-SD, Bluetooth LE). The manager calls these; a provider reports back
// to the manager via the ProviderCallback it's constructed with.
type Provider interface {
	types.Provider

	// StartBrowsing begins peer discovery; must eventually call
	// BrowseStateChanged(true, nil) once browsing is actually active.
	StartBrowsing(ctx context.Context) error
	// StopBrowsing ends peer discovery; must eventually call
	// BrowseStateChanged(false, nil).
	StopBrowsing() error

	// MonitorMetadata subscribes/unsubscribes to a peer's metadata feed.
	MonitorMetadata(peer *types.Peer, enable bool) error

	// ResolveURL produces a URL to dial peer and returns it (or an error)
	// directly to the caller; there is no separate completion callback.
	ResolveURL(ctx context.Context, peer *types.Peer) (string, error)
	// CancelResolveURL aborts any in-flight ResolveURL for peer.
	CancelResolveURL(peer *types.Peer)

	// StartPublishing advertises this node under displayName on port with
	// metadata; must eventually call PublishStateChanged(true, nil).
	StartPublishing(ctx context.Context, displayName string, port int, metadata Metadata) error
	// StopPublishing must eventually call PublishStateChanged(false, nil).
	StopPublishing() error
	// UpdateMetadata changes the currently-published metadata in place.
	UpdateMetadata(metadata Metadata) error

	// Shutdown stops browsing and publishing unconditionally, then invokes
	// onComplete once fully quiesced.
	Shutdown(onComplete func())

	IsBrowsing() bool
	IsPublishing() bool
}

// ProviderCallback is the set of hooks a Provider implementation uses to
// report back to its owning DiscoveryManager. A Provider receives one
// bound to itself at registration time.
type ProviderCallback interface {
	// BrowseStateChanged reports whether browsing is active, or an error.
	BrowseStateChanged(active bool, err error)
	// PublishStateChanged reports whether publishing is active, or an error.
	PublishStateChanged(active bool, err error)
	// AddPeer reports a newly discovered (or re-appeared) peer.
	// moreComing=true suppresses the observer notification until a
	// following call with moreComing=false, batching bursts.
	AddPeer(p *types.Peer, moreComing bool)
	// RemovePeer reports a peer that's gone, batched the same way as AddPeer.
	RemovePeer(p *types.Peer, moreComing bool)
	// PeerMetadataChanged reports an update to p's metadata.
	PeerMetadataChanged(p *types.Peer)
	// NotifyIncomingConnection offers an inbound connection to observers
	// and returns whether it was accepted.
	NotifyIncomingConnection(p *types.Peer, conn any) bool
}

// Well-known provider name constants, matching
// C4PeerDiscoveryProvider::kDNS_SD / kBluetoothLE.
const (
	ProviderDNSSD       = "DNS-SD"
	ProviderBluetoothLE = "BluetoothLE"
)

// APIVersion mirrors c4PeerDiscovery.hh's kAPIVersion constant, carried
// for parity even though this module implements only the "newer" shape
// (see SPEC_FULL.md's Open Question resolution).
const APIVersion = 10
