// Package dnssd implements the DNS-SD (mDNS/Bonjour) discovery provider
// (§4.E): service type `_<peerGroupID>._tcp`, TXT-record metadata, and
// name-conflict retry with " 2", " 3", ... suffixes.
//
// Grounded on pkg/dns/server.go's use of github.com/miekg/dns (ServeMux,
// dns.Server bound to udp, Start/Stop with a running flag under a mutex)
// and on original_source/Networking/P2P/PeerDiscovery+AppleDNSSD.hh/.cc for
// the browse/resolve/publish shape this provider exposes to the manager.
package dnssd

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/corepeer/peersync/pkg/discovery"
	"github.com/corepeer/peersync/pkg/log"
	"github.com/corepeer/peersync/pkg/mailbox"
	"github.com/corepeer/peersync/pkg/types"
)

// MaxNameConflictRetries bounds the "retry up to 100 times" rule from §4.E.
const MaxNameConflictRetries = 100

// MaxTXTValueBytes is the per-entry value size ceiling from §4.E.
const MaxTXTValueBytes = 255

// Resolver abstracts the underlying mDNS transport so the provider's
// retry/browse/publish logic can be tested without real multicast
// sockets. A production Resolver wraps github.com/miekg/dns's client and
// server over 224.0.0.251:5353.
type Resolver interface {
	// Publish advertises serviceType/instanceName on port with txt data.
	// It returns ErrNameConflict if instanceName collides with another
	// responder already on the network.
	Publish(ctx context.Context, serviceType, instanceName string, port int, txt map[string]string) error
	Unpublish(serviceType, instanceName string) error

	// Browse begins watching serviceType, invoking onPeer for every
	// instance seen (added=true) or lost (added=false). It runs until ctx
	// is done.
	Browse(ctx context.Context, serviceType string, onPeer func(instanceName string, added bool, txt map[string]string)) error
}

// ErrNameConflict is returned by a Resolver.Publish when instanceName is
// already in use by another responder.
var ErrNameConflict = fmt.Errorf("dnssd: instance name already in use")

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

// Provider implements discovery.Provider for DNS-SD. Each Provider owns its
// own serial queue (mb) that every Resolver.Browse event is funneled
// through, so peer-map mutations and the AddPeer/RemovePeer calls they
// trigger stay ordered even if a future Resolver implementation delivers
// browse events from more than one goroutine.
type Provider struct {
	group    types.PeerGroupID
	cb       discovery.ProviderCallback
	resolver Resolver
	mb       *mailbox.Mailbox

	mu           sync.Mutex
	browsing     bool
	publishing   bool
	displayName  string
	publishedAs  string
	port         int
	metadata     discovery.Metadata
	cancelBrowse context.CancelFunc

	peers    map[string]*types.Peer // instanceName -> Peer
	resolves singleflight.Group     // de-dupes concurrent ResolveURL calls for the same peer
}

// New constructs a DNS-SD Provider for group, reporting through cb, using
// resolver for the underlying mDNS operations. sched backs the Provider's
// own serializing Mailbox; nil selects a package-wide default scheduler.
func New(group types.PeerGroupID, cb discovery.ProviderCallback, resolver Resolver, sched *mailbox.Scheduler) *Provider {
	if sched == nil {
		sched = defaultScheduler()
	}
	p := &Provider{group: group, cb: cb, resolver: resolver, peers: make(map[string]*types.Peer)}
	p.mb = sched.NewMailbox("dnssd-provider")
	return p
}

// Factory adapts New to discovery.ProviderFactory for
// discovery.RegisterProviderFactory, using resolver for every instance it
// creates, all sharing sched's worker pool.
func Factory(resolver Resolver, sched *mailbox.Scheduler) discovery.ProviderFactory {
	return func(group types.PeerGroupID, cb discovery.ProviderCallback) discovery.Provider {
		return New(group, cb, resolver, sched)
	}
}

func (p *Provider) Name() string                  { return discovery.ProviderDNSSD }
func (p *Provider) PeerGroupID() types.PeerGroupID { return p.group }

func (p *Provider) serviceType() string {
	return fmt.Sprintf("_%s._tcp", string(p.group))
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

// StartBrowsing begins an mDNS browse for this peer group's service type.
func (p *Provider) StartBrowsing(ctx context.Context) error {
	p.mu.Lock()
	if p.browsing {
		p.mu.Unlock()
		return nil
	}
	browseCtx, cancel := context.WithCancel(ctx)
	p.cancelBrowse = cancel
	p.browsing = true
	p.mu.Unlock()

	go func() {
		err := p.resolver.Browse(browseCtx, p.serviceType(), p.onPeerEvent)
		p.mu.Lock()
		p.browsing = false
		p.mu.Unlock()
		p.cb.BrowseStateChanged(false, err)
	}()

	p.cb.BrowseStateChanged(true, nil)
	return nil
}

// StopBrowsing cancels the active browse, if any.
func (p *Provider) StopBrowsing() error {
	p.mu.Lock()
	cancel := p.cancelBrowse
	p.browsing = false
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	p.cb.BrowseStateChanged(false, nil)
	return nil
}

// onPeerEvent translates a Resolver browse callback into AddPeer/RemovePeer
// calls. Every event is reported with moreComing=false, so each one reaches
// the manager's observers as its own single-peer batch; bursts are not
// coalesced. The whole translation runs on p.mb so it can never interleave
// with itself even if the Resolver delivers events from more than one
// goroutine.
func (p *Provider) onPeerEvent(instanceName string, added bool, txt map[string]string) {
	p.mb.Enqueue(func() { p.dispatchPeerEvent(instanceName, added, txt) })
}

func (p *Provider) dispatchPeerEvent(instanceName string, added bool, txt map[string]string) {
	if added {
		p.mu.Lock()
		peer, exists := p.peers[instanceName]
		if !exists {
			peer = types.NewPeer(p, instanceName)
			p.peers[instanceName] = peer
		}
		p.mu.Unlock()

		md, err := DecodeTXT(txt)
		if err == nil {
			peer.SetMetadata(md)
		}
		peer.SetConnectable(true)
		p.cb.AddPeer(peer, false)
		return
	}

	p.mu.Lock()
	peer, exists := p.peers[instanceName]
	delete(p.peers, instanceName)
	p.mu.Unlock()
	if exists {
		p.cb.RemovePeer(peer, false)
	}
}

// MonitorMetadata is a no-op: DNS-SD delivers metadata via TXT records on
// every browse event rather than a separate subscription.
func (p *Provider) MonitorMetadata(peer *types.Peer, enable bool) error { return nil }

// ResolveURL returns "ws://" followed by the peer's ID, which is the DNS-SD
// instance name reported by Resolver.Browse. It performs no SRV or address
// lookup, so the URL carries no resolved host or port. Concurrent
// ResolveURL calls for the same peer share
// a single in-flight resolution via singleflight, since a busy peer can be
// the target of several simultaneous dial attempts.
func (p *Provider) ResolveURL(ctx context.Context, peer *types.Peer) (string, error) {
	v, err, _ := p.resolves.Do(peer.ID(), func() (any, error) {
		return fmt.Sprintf("ws://%s", peer.ID()), nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// CancelResolveURL is a no-op: ResolveURL above is synchronous.
func (p *Provider) CancelResolveURL(peer *types.Peer) {}

// GetSocketFactory returns nil: DNS-SD uses the default IP WebSocket
// transport, per "default: IP WebSocket."
func (p *Provider) GetSocketFactory() any { return nil }

// StartPublishing advertises displayName, retrying on name conflict with
// " 2", " 3", ... suffixes up to MaxNameConflictRetries times.
func (p *Provider) StartPublishing(ctx context.Context, displayName string, port int, metadata discovery.Metadata) error {
	txt, err := EncodeTXT(metadata)
	if err != nil {
		return err
	}

	name := displayName
	var lastErr error
	for attempt := 0; attempt <= MaxNameConflictRetries; attempt++ {
		if attempt > 0 {
			name = fmt.Sprintf("%s %d", displayName, attempt+1)
		}
		err := p.resolver.Publish(ctx, p.serviceType(), name, port, txt)
		if err == nil {
			p.mu.Lock()
			p.publishing = true
			p.displayName = displayName
			p.publishedAs = name
			p.port = port
			p.metadata = metadata
			p.mu.Unlock()
			p.cb.PublishStateChanged(true, nil)
			return nil
		}
		lastErr = err
		if err != ErrNameConflict {
			break
		}
	}
	p.cb.PublishStateChanged(false, lastErr)
	return lastErr
}

// StopPublishing withdraws the advertisement.
func (p *Provider) StopPublishing() error {
	p.mu.Lock()
	name := p.publishedAs
	p.publishing = false
	p.mu.Unlock()
	if name == "" {
		return nil
	}
	err := p.resolver.Unpublish(p.serviceType(), name)
	p.cb.PublishStateChanged(false, err)
	return err
}

// UpdateMetadata republishes under the same name with new TXT data.
func (p *Provider) UpdateMetadata(metadata discovery.Metadata) error {
	p.mu.Lock()
	name := p.publishedAs
	port := p.port
	svcType := p.serviceType()
	p.mu.Unlock()
	if name == "" {
		return fmt.Errorf("dnssd: not currently publishing")
	}
	txt, err := EncodeTXT(metadata)
	if err != nil {
		return err
	}
	if err := p.resolver.Publish(context.Background(), svcType, name, port, txt); err != nil {
		return err
	}
	p.mu.Lock()
	p.metadata = metadata
	p.mu.Unlock()
	return nil
}

// Shutdown stops browsing and publishing, then calls onComplete.
func (p *Provider) Shutdown(onComplete func()) {
	_ = p.StopBrowsing()
	_ = p.StopPublishing()
	log.WithComponent("dnssd").Info().Str("group", string(p.group)).Msg("provider shut down")
	if onComplete != nil {
		onComplete()
	}
}
