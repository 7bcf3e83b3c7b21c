/*
Package types defines the shared domain model for peer discovery: peer
identifiers, peers, the cross-provider union of peers for one logical
device (MetaPeer), and the Bluetooth LE UUID constants used by the btle
discovery provider.

# Architecture

The types package sits underneath pkg/discovery and its providers. It
defines:

  - PeerID: a 16-byte opaque identifier, normally a type-5 UUID derived
    from a peer certificate's DER bytes
  - PeerGroupID: the namespace peers browse/advertise within
  - Peer: one provider's view of a remote peer, with online/connectable
    state and free-form metadata
  - MetaPeer: the union of every Peer seen for one PeerID across
    providers, with a PeerSelector choosing which one a caller should
    actually connect through
  - ServiceUUIDForGroup and the BTLE characteristic UUID constants

# Core Types

Identity:
  - PeerID: comparable, usable as a map key directly
  - PeerGroupID: validated 1..63 bytes, excludes '.', ',', '\'

Peers:
  - Peer: owned by exactly one Provider; online/connectable are atomic
  - MetaPeer: owns a set of Peers for the same logical device
  - PeerSelector: chooses the "best" Peer from a MetaPeer's candidates

# Usage

Deriving a PeerID from a certificate:

	id := types.NewPeerIDFromCert(certDER)

Building a MetaPeer and picking the best peer to dial:

	meta := types.NewMetaPeer(id, types.DefaultPeerSelector)
	meta.Add(peer)
	best := meta.BestPeer()

# Design Patterns

Atomic state: Peer.online and Peer.connectable are atomic.Bool rather
than mutex-guarded fields, since providers update them from arbitrary
callback goroutines and readers only need the latest value, not a
consistent snapshot across fields.

Selector injection: MetaPeer takes a PeerSelector function rather than
hard-coding a ranking, so callers can prefer, say, a direct TCP provider
over a relayed one without MetaPeer knowing about specific providers.

# Integration Points

This package is used by:

  - pkg/discovery: Manager tracks peers by PeerID via MetaPeer
  - pkg/discovery/providers/dnssd: constructs Peer/PeerID per mDNS sighting
  - pkg/discovery/providers/btle: constructs Peer/PeerID, addresses devices
  - cmd/peersyncd: derives thisPeerID at startup

# Thread Safety

Peer read/write accessors are internally synchronized (atomic fields, a
mutex around metadata). MetaPeer's Peers/Add/Remove/BestPeer are
synchronized by the MetaPeer's own RWMutex; BestPeer runs the selector on a
snapshot, outside that lock.

# See Also

  - pkg/discovery for the manager that owns these types
  - pkg/discovery/providers/dnssd and .../btle for provider implementations
*/
package types
