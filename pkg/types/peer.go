// Package types holds the shared domain model for peer discovery: peer
// identifiers, peers, and the cross-provider union of peers for one logical
// device (MetaPeer).
package types

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// PeerCertUUIDNamespace is the fixed namespace used to derive a PeerID from
// a certificate's DER bytes (spec §6).
const PeerCertUUIDNamespace = "A1F0F06F-F49A-4D9A-A08B-3B901D4ACD49"

// PeerID is a 16-byte opaque identifier, normally a type-5 (SHA-1 namespace)
// UUID derived from a certificate's DER bytes. Equality and hashing are
// byte-wise, so PeerID is a plain [16]byte and usable as a map key directly.
type PeerID [16]byte

// NewPeerIDFromCert derives a PeerID as a type-5 UUID of certDER under the
// standard peer-certificate namespace.
func NewPeerIDFromCert(certDER []byte) PeerID {
	ns := uuid.MustParse(PeerCertUUIDNamespace)
	return PeerID(uuid.NewSHA1(ns, certDER))
}

// String renders the PeerID as a canonical UUID string.
func (p PeerID) String() string {
	return uuid.UUID(p).String()
}

// IsZero reports whether p is the zero PeerID.
func (p PeerID) IsZero() bool {
	return p == PeerID{}
}

// PeerGroupID namespaces a discovery domain. It must be <= 63 bytes and must
// not contain '.', ',', or '\'.
type PeerGroupID string

// Validate checks the PeerGroupID constraints from the data model.
func (g PeerGroupID) Validate() error {
	if len(g) == 0 || len(g) > 63 {
		return fmt.Errorf("peer group id %q: must be 1..63 bytes", string(g))
	}
	for _, r := range string(g) {
		switch r {
		case '.', ',', '\\':
			return fmt.Errorf("peer group id %q: must not contain '.', ',' or '\\'", string(g))
		}
	}
	return nil
}

// Provider is the minimal identity a Peer keeps of the discovery provider
// that created it. Peers hold this as a relation, never ownership: providers
// outlive their peers.
type Provider interface {
	Name() string
	PeerGroupID() PeerGroupID
}

// Peer is an entry in the discovery set, owned by exactly one Provider.
// Metadata mutation and callback invocation are serialized per-Peer by mu.
type Peer struct {
	mu sync.Mutex

	provider    Provider
	id          string // opaque, unique across peers of the same provider
	online      atomic.Bool
	connectable atomic.Bool
	metadata    map[string]string

	lastConnectionAttempt atomic.Int64 // unix nanos, 0 = never
	lastConnectionErr     atomic.Value // error

	resolving atomic.Bool
}

// NewPeer creates a Peer bound to provider with the given provider-local id.
// It starts online and disconnectable until the provider says otherwise.
func NewPeer(provider Provider, id string) *Peer {
	p := &Peer{
		provider: provider,
		id:       id,
		metadata: make(map[string]string),
	}
	p.online.Store(true)
	return p
}

// Provider returns the discovery provider that created this peer.
func (p *Peer) Provider() Provider { return p.provider }

// ID returns the provider-local opaque identifier.
func (p *Peer) ID() string { return p.id }

// Online reports whether the peer is still present. Once false it never
// becomes true again; a re-appearing device is represented by a new Peer.
func (p *Peer) Online() bool { return p.online.Load() }

// MarkRemoved flips online to false. Idempotent.
func (p *Peer) MarkRemoved() { p.online.Store(false) }

// Connectable reports the current connectability hint. May flip rapidly
// (e.g. Bluetooth RSSI); no notification accompanies a flip.
func (p *Peer) Connectable() bool { return p.connectable.Load() }

// SetConnectable updates the connectability hint.
func (p *Peer) SetConnectable(v bool) { p.connectable.Store(v) }

// Metadata returns a copy of the peer's current metadata map.
func (p *Peer) Metadata() map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]string, len(p.metadata))
	for k, v := range p.metadata {
		out[k] = v
	}
	return out
}

// SetMetadata replaces the peer's metadata map wholesale.
func (p *Peer) SetMetadata(md map[string]string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.metadata = make(map[string]string, len(md))
	for k, v := range md {
		p.metadata[k] = v
	}
}

// LastConnectionAttempt returns the time of the last connection attempt, or
// the zero Time if none has occurred.
func (p *Peer) LastConnectionAttempt() time.Time {
	ns := p.lastConnectionAttempt.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// RecordConnectionAttempt stamps the last connection attempt time to now
// and records the outcome error (nil on success).
func (p *Peer) RecordConnectionAttempt(err error) {
	p.lastConnectionAttempt.Store(time.Now().UnixNano())
	p.lastConnectionErr.Store(errBox{err})
}

// LastConnectionError returns the error from the most recent connection
// attempt, or nil if there hasn't been one or it succeeded.
func (p *Peer) LastConnectionError() error {
	v := p.lastConnectionErr.Load()
	if v == nil {
		return nil
	}
	return v.(errBox).err
}

// errBox boxes an error (possibly nil) so it can live in an atomic.Value,
// which rejects storing literal nils directly.
type errBox struct{ err error }

// MetaPeer unions the Peers for a single logical device across providers,
// keyed by PeerID.
type MetaPeer struct {
	mu       sync.RWMutex
	id       PeerID
	peers    map[*Peer]struct{}
	selector PeerSelector
}

// PeerSelector picks the "best" peer to use for connection out of a set of
// candidates for the same MetaPeer. Called with a non-empty slice; nil
// result means "no usable peer."
type PeerSelector func([]*Peer) *Peer

// DefaultPeerSelector prefers a connectable peer; ties broken by provider
// priority, DNS-SD before BluetoothLE, matching MetaPeer::bestC4Peer in the
// original C4 implementation.
func DefaultPeerSelector(candidates []*Peer) *Peer {
	var best *Peer
	bestRank := -1
	for _, c := range candidates {
		if !c.Online() {
			continue
		}
		rank := providerRank(c.Provider())
		if !c.Connectable() {
			rank -= 100 // heavily deprioritize, but still selectable as a fallback
		}
		if best == nil || rank > bestRank {
			best, bestRank = c, rank
		}
	}
	return best
}

func providerRank(p Provider) int {
	if p == nil {
		return 0
	}
	switch p.Name() {
	case "DNS-SD":
		return 2
	case "BluetoothLE":
		return 1
	default:
		return 0
	}
}

// NewMetaPeer creates an empty MetaPeer for id, using selector (or
// DefaultPeerSelector if nil) to pick among its underlying Peers.
func NewMetaPeer(id PeerID, selector PeerSelector) *MetaPeer {
	if selector == nil {
		selector = DefaultPeerSelector
	}
	return &MetaPeer{id: id, peers: make(map[*Peer]struct{}), selector: selector}
}

// ID returns the PeerID this MetaPeer represents.
func (m *MetaPeer) ID() PeerID { return m.id }

// Add folds a newly discovered underlying Peer into the union.
func (m *MetaPeer) Add(p *Peer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.peers[p] = struct{}{}
}

// Remove drops an underlying Peer from the union, returning true if the
// MetaPeer now has no peers left (caller should evict it).
func (m *MetaPeer) Remove(p *Peer) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.peers, p)
	return len(m.peers) == 0
}

// Peers returns a snapshot slice of the underlying peers.
func (m *MetaPeer) Peers() []*Peer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Peer, 0, len(m.peers))
	for p := range m.peers {
		out = append(out, p)
	}
	return out
}

// BestPeer runs the configured PeerSelector over the current peer set.
func (m *MetaPeer) BestPeer() *Peer {
	peers := m.Peers()
	if len(peers) == 0 {
		return nil
	}
	return m.selector(peers)
}

// clockwise reports whether walking the ring of PeerID space from a to b in
// increasing byte order is "shorter" going clockwise than counterclockwise.
// Ported from MetaPeer.cc's clockwise() as a documented utility; like the
// original, it is not wired into the default selection policy.
func clockwise(a, b PeerID) bool {
	var diff [16]byte
	borrow := 0
	for i := 15; i >= 0; i-- {
		d := int(b[i]) - int(a[i]) - borrow
		if d < 0 {
			d += 256
			borrow = 1
		} else {
			borrow = 0
		}
		diff[i] = byte(d)
	}
	return diff[0] < 0x80
}

// Clockwise exports clockwise for callers building alternative selection
// policies that need a ring distance primitive.
func Clockwise(a, b PeerID) bool { return clockwise(a, b) }
