package discovery

import (
	"context"
	"sync"

	"github.com/corepeer/peersync/pkg/log"
	"github.com/corepeer/peersync/pkg/mailbox"
	"github.com/corepeer/peersync/pkg/observer"
	"github.com/corepeer/peersync/pkg/types"
)

// Observer receives DiscoveryManager notifications. Callbacks may run on
// arbitrary goroutines (provider callbacks), may be concurrent across
// different MetaPeers, and must return quickly, per the observer contract.
type Observer interface {
	Browsing(providerName string, active bool, err error)
	Publishing(providerName string, active bool, err error)
	AddedPeers(batch []*types.Peer)
	RemovedPeers(batch []*types.Peer)
	PeerMetadataChanged(p *types.Peer)
	IncomingConnection(p *types.Peer, conn any) bool
}

// ProviderFactory constructs a registered Provider implementation, given
// the owning manager's peerGroupID and the callback it should report
// through. Factories are registered globally at process startup, matching
// "factories are global, registered at startup."
type ProviderFactory func(group types.PeerGroupID, cb ProviderCallback) Provider

var (
	factoryMu sync.Mutex
	factories = map[string]ProviderFactory{}
)

// RegisterProviderFactory registers a provider implementation under name
// (e.g. ProviderDNSSD) for later instantiation by NewManager.
func RegisterProviderFactory(name string, f ProviderFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	factories[name] = f
}

func lookupFactory(name string) (ProviderFactory, bool) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	f, ok := factories[name]
	return f, ok
}

// peerBatch accumulates peers reported with moreComing=true until a final
// moreComing=false call, then flushes as a single observer notification.
type peerBatch struct {
	pending []*types.Peer
}

var (
	fallbackSchedulerOnce sync.Once
	fallbackScheduler     *mailbox.Scheduler
)

func defaultScheduler() *mailbox.Scheduler {
	fallbackSchedulerOnce.Do(func() {
		fallbackScheduler = mailbox.NewScheduler(0)
	})
	return fallbackScheduler
}

// Manager owns a peerID -> MetaPeer map, the registered Providers, and the
// observer list. Every provider callback is funneled through mb, the
// Manager's own Mailbox, so the moreComing batching and the peer maps are
// only ever mutated by one goroutine at a time regardless of how many
// provider threads call in concurrently; mu guards the maps only for the
// synchronous Peers()/PeerWithID() accessors called from outside that
// serialized path.
type Manager struct {
	peerGroupID types.PeerGroupID
	thisPeerID  types.PeerID
	selector    types.PeerSelector

	mb *mailbox.Mailbox

	mu        sync.Mutex
	providers map[string]Provider
	byMeta    map[types.PeerID]*types.MetaPeer
	byLocal   map[string]*types.MetaPeer // provider-local peer -> MetaPeer, keyed by "providerName\x00localID"

	addBatch    peerBatch
	removeBatch peerBatch

	observers *observer.List[Observer]

	shuttingDown bool
}

// NewManager creates a DiscoveryManager for peerGroupID/thisPeerID,
// instantiating the named providers (or all registered providers if
// providerNames is empty). sched supplies the worker pool backing the
// manager's serializing Mailbox; nil selects a package-wide default
// scheduler, shared with every Manager constructed without one.
func NewManager(peerGroupID types.PeerGroupID, thisPeerID types.PeerID, providerNames []string, selector types.PeerSelector, sched *mailbox.Scheduler) *Manager {
	if sched == nil {
		sched = defaultScheduler()
	}
	m := &Manager{
		peerGroupID: peerGroupID,
		thisPeerID:  thisPeerID,
		selector:    selector,
		providers:   make(map[string]Provider),
		byMeta:      make(map[types.PeerID]*types.MetaPeer),
		byLocal:     make(map[string]*types.MetaPeer),
		observers:   observer.NewList[Observer](),
	}
	m.mb = sched.NewMailbox("discovery-manager")

	factoryMu.Lock()
	names := providerNames
	if len(names) == 0 {
		for n := range factories {
			names = append(names, n)
		}
	}
	factoryMu.Unlock()

	for _, name := range names {
		factory, ok := lookupFactory(name)
		if !ok {
			log.WithComponent("discovery").Warn().Str("provider", name).Msg("no factory registered for provider")
			continue
		}
		m.providers[name] = factory(peerGroupID, &providerCallback{manager: m, providerName: name})
	}
	return m
}

// AddObserver registers o and returns a handle; dropping it (Remove)
// guarantees no further notification for o once Remove returns.
func (m *Manager) AddObserver(o Observer) *observer.Handle[Observer] {
	return m.observers.Add(o)
}

// RemoveObserver deregisters the observer identified by h.
func (m *Manager) RemoveObserver(h *observer.Handle[Observer]) {
	m.observers.Remove(h)
}

// StartBrowsing fans out to every registered provider.
func (m *Manager) StartBrowsing(ctx context.Context) {
	m.mu.Lock()
	providers := make([]Provider, 0, len(m.providers))
	for _, p := range m.providers {
		providers = append(providers, p)
	}
	m.mu.Unlock()

	for _, p := range providers {
		if err := p.StartBrowsing(ctx); err != nil {
			log.WithComponent("discovery").Error().Err(err).Str("provider", p.Name()).Msg("start browsing failed")
		}
	}
}

// StopBrowsing fans out to every registered provider.
func (m *Manager) StopBrowsing() {
	m.mu.Lock()
	providers := make([]Provider, 0, len(m.providers))
	for _, p := range m.providers {
		providers = append(providers, p)
	}
	m.mu.Unlock()

	for _, p := range providers {
		_ = p.StopBrowsing()
	}
}

// StartPublishing fans out to every registered provider.
func (m *Manager) StartPublishing(ctx context.Context, displayName string, port int, metadata Metadata) {
	m.mu.Lock()
	providers := make([]Provider, 0, len(m.providers))
	for _, p := range m.providers {
		providers = append(providers, p)
	}
	m.mu.Unlock()

	for _, p := range providers {
		if err := p.StartPublishing(ctx, displayName, port, metadata); err != nil {
			log.WithComponent("discovery").Error().Err(err).Str("provider", p.Name()).Msg("start publishing failed")
		}
	}
}

// StopPublishing fans out to every registered provider.
func (m *Manager) StopPublishing() {
	m.mu.Lock()
	providers := make([]Provider, 0, len(m.providers))
	for _, p := range m.providers {
		providers = append(providers, p)
	}
	m.mu.Unlock()

	for _, p := range providers {
		_ = p.StopPublishing()
	}
}

// UpdateMetadata fans out to every registered provider currently publishing.
func (m *Manager) UpdateMetadata(metadata Metadata) {
	m.mu.Lock()
	providers := make([]Provider, 0, len(m.providers))
	for _, p := range m.providers {
		providers = append(providers, p)
	}
	m.mu.Unlock()

	for _, p := range providers {
		if p.IsPublishing() {
			_ = p.UpdateMetadata(metadata)
		}
	}
}

// Peers returns a snapshot of the live MetaPeer set, keyed by PeerID.
func (m *Manager) Peers() map[types.PeerID]*types.MetaPeer {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[types.PeerID]*types.MetaPeer, len(m.byMeta))
	for k, v := range m.byMeta {
		out[k] = v
	}
	return out
}

// PeerWithID looks up a MetaPeer by PeerID.
func (m *Manager) PeerWithID(id types.PeerID) (*types.MetaPeer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mp, ok := m.byMeta[id]
	return mp, ok
}

// Shutdown instructs each provider to stop, waiting for each provider's
// completion callback before returning. Orderly: safe to call more than
// once.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if m.shuttingDown {
		m.mu.Unlock()
		return
	}
	m.shuttingDown = true
	providers := make([]Provider, 0, len(m.providers))
	for _, p := range m.providers {
		providers = append(providers, p)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(len(providers))
	for _, p := range providers {
		p.Shutdown(wg.Done)
	}
	wg.Wait()
}

// localKey derives the byLocal map key for a provider-local peer id.
func localKey(providerName, localID string) string {
	return providerName + "\x00" + localID
}

// providerCallback is the ProviderCallback a provider reports through; it
// forwards to the owning Manager, tagging every call with which provider
// it came from.
type providerCallback struct {
	manager      *Manager
	providerName string
}

func (c *providerCallback) BrowseStateChanged(active bool, err error) {
	c.manager.mb.Enqueue(func() {
		c.manager.observers.Notify(func(o Observer) { o.Browsing(c.providerName, active, err) })
	})
}

func (c *providerCallback) PublishStateChanged(active bool, err error) {
	c.manager.mb.Enqueue(func() {
		c.manager.observers.Notify(func(o Observer) { o.Publishing(c.providerName, active, err) })
	})
}

func (c *providerCallback) AddPeer(p *types.Peer, moreComing bool) {
	c.manager.mb.Enqueue(func() { c.manager.handleAdd(p, moreComing) })
}

func (c *providerCallback) RemovePeer(p *types.Peer, moreComing bool) {
	c.manager.mb.Enqueue(func() { c.manager.handleRemove(p, moreComing) })
}

func (c *providerCallback) PeerMetadataChanged(p *types.Peer) {
	c.manager.mb.Enqueue(func() {
		c.manager.observers.Notify(func(o Observer) { o.PeerMetadataChanged(p) })
	})
}

// NotifyIncomingConnection runs the accept vote on the manager's mailbox
// too, so it can never interleave with an in-flight AddPeer/RemovePeer for
// the same peer, and blocks for the result since the provider needs an
// immediate accept/reject decision.
func (c *providerCallback) NotifyIncomingConnection(p *types.Peer, conn any) bool {
	result := make(chan bool, 1)
	c.manager.mb.Enqueue(func() {
		accepted := false
		for _, o := range c.manager.observers.Snapshot() {
			if o.IncomingConnection(p, conn) {
				accepted = true
			}
		}
		result <- accepted
	})
	return <-result
}

// handleAdd folds p into the MetaPeer map and accumulates the add-batch;
// on moreComing=false it flushes the whole batch as one AddedPeers call.
func (m *Manager) handleAdd(p *types.Peer, moreComing bool) {
	id := m.peerIDFor(p)

	m.mu.Lock()
	mp, ok := m.byMeta[id]
	if !ok {
		mp = types.NewMetaPeer(id, m.selector)
		m.byMeta[id] = mp
	}
	mp.Add(p)
	m.byLocal[localKey(p.Provider().Name(), p.ID())] = mp
	m.addBatch.pending = append(m.addBatch.pending, p)
	var flush []*types.Peer
	if !moreComing {
		flush = m.addBatch.pending
		m.addBatch.pending = nil
	}
	m.mu.Unlock()

	if flush != nil {
		m.observers.Notify(func(o Observer) { o.AddedPeers(flush) })
	}
}

// handleRemove marks p removed from its MetaPeer (evicting the MetaPeer if
// it has no peers left) and accumulates the remove-batch the same way.
func (m *Manager) handleRemove(p *types.Peer, moreComing bool) {
	p.MarkRemoved()
	key := localKey(p.Provider().Name(), p.ID())

	m.mu.Lock()
	if mp, ok := m.byLocal[key]; ok {
		delete(m.byLocal, key)
		if empty := mp.Remove(p); empty {
			delete(m.byMeta, mp.ID())
		}
	}
	m.removeBatch.pending = append(m.removeBatch.pending, p)
	var flush []*types.Peer
	if !moreComing {
		flush = m.removeBatch.pending
		m.removeBatch.pending = nil
	}
	m.mu.Unlock()

	if flush != nil {
		m.observers.Notify(func(o Observer) { o.RemovedPeers(flush) })
	}
}

// peerIDFor derives (or looks up) the PeerID a provider-local peer maps to.
// Providers that can present a certificate-derived identity do so via
// metadata key "peerID" (hex/UUID string); otherwise a PeerID is derived
// from the provider name + local id, giving a stable per-device identity
// scoped to that provider until a cross-provider identity is learned.
func (m *Manager) peerIDFor(p *types.Peer) types.PeerID {
	if raw, ok := p.Metadata()["peerID"]; ok && len(raw) > 0 {
		if id, err := parsePeerIDString(raw); err == nil {
			return id
		}
	}
	return types.NewPeerIDFromCert([]byte(localKey(p.Provider().Name(), p.ID())))
}
