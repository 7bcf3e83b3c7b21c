package dnssd

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/miekg/dns"

	"github.com/corepeer/peersync/pkg/log"
)

// MulticastAddr is the standard mDNS group address and port.
const MulticastAddr = "224.0.0.251:5353"

// MDNSResolver is the production Resolver: it packs and unpacks
// github.com/miekg/dns messages over a multicast UDP connection of its own
// (no dns.Server or ServeMux), guarded by a running flag under a mutex.
type MDNSResolver struct {
	mu        sync.Mutex
	running   bool
	conn      *net.UDPConn
	published map[string]*dns.SRV // serviceType\x00instanceName -> record
}

// NewMDNSResolver creates an MDNSResolver. Call Start before Publish or
// Browse.
func NewMDNSResolver() *MDNSResolver {
	return &MDNSResolver{published: make(map[string]*dns.SRV)}
}

// Start joins the mDNS multicast group.
func (r *MDNSResolver) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return nil
	}
	addr, err := net.ResolveUDPAddr("udp4", MulticastAddr)
	if err != nil {
		return err
	}
	conn, err := net.ListenMulticastUDP("udp4", nil, addr)
	if err != nil {
		return err
	}
	r.conn = conn
	r.running = true
	log.WithComponent("dnssd").Info().Str("addr", MulticastAddr).Msg("mdns resolver started")
	return nil
}

// Stop leaves the multicast group.
func (r *MDNSResolver) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return nil
	}
	r.running = false
	err := r.conn.Close()
	r.conn = nil
	return err
}

// Publish sends an mDNS announcement for instanceName.serviceType.local on
// port, with txt attached as a TXT record. It does not probe for name
// conflicts and never returns ErrNameConflict; it reports only packing and
// transport errors.
func (r *MDNSResolver) Publish(ctx context.Context, serviceType, instanceName string, port int, txt map[string]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return fmt.Errorf("dnssd: resolver not started")
	}

	fqdn := fmt.Sprintf("%s.%s.local.", instanceName, serviceType)
	msg := new(dns.Msg)
	msg.Response = true
	msg.Authoritative = true

	srv := &dns.SRV{
		Hdr:      dns.RR_Header{Name: fqdn, Rrtype: dns.TypeSRV, Class: dns.ClassINET, Ttl: 120},
		Priority: 0, Weight: 0, Port: uint16(port), Target: fqdn,
	}
	txtRR := &dns.TXT{
		Hdr: dns.RR_Header{Name: fqdn, Rrtype: dns.TypeTXT, Class: dns.ClassINET, Ttl: 120},
		Txt: encodeTXTStrings(txt),
	}
	msg.Answer = append(msg.Answer, srv, txtRR)

	packed, err := msg.Pack()
	if err != nil {
		return err
	}
	dst, err := net.ResolveUDPAddr("udp4", MulticastAddr)
	if err != nil {
		return err
	}
	if _, err := r.conn.WriteToUDP(packed, dst); err != nil {
		return err
	}

	key := serviceType + "\x00" + instanceName
	r.published[key] = srv
	return nil
}

// Unpublish forgets the local record for instanceName. It sends no TTL=0
// goodbye announcement on the network.
func (r *MDNSResolver) Unpublish(serviceType, instanceName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := serviceType + "\x00" + instanceName
	delete(r.published, key)
	return nil
}

// Browse listens for SRV/TXT announcements matching serviceType until ctx
// is done, invoking onPeer for each instance it learns about. It only ever
// reports instances with added=true; it does not track record TTLs and
// never reports an instance as lost.
func (r *MDNSResolver) Browse(ctx context.Context, serviceType string, onPeer func(instanceName string, added bool, txt map[string]string)) error {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("dnssd: resolver not started")
	}

	query := new(dns.Msg)
	query.SetQuestion(fmt.Sprintf("%s.local.", serviceType), dns.TypePTR)
	packed, err := query.Pack()
	if err != nil {
		return err
	}
	dst, _ := net.ResolveUDPAddr("udp4", MulticastAddr)
	if _, err := conn.WriteToUDP(packed, dst); err != nil {
		return err
	}

	buf := make([]byte, 65536)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		_ = conn.SetReadDeadline(time.Now().Add(250 * time.Millisecond))
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			continue
		}
		resp := new(dns.Msg)
		if err := resp.Unpack(buf[:n]); err != nil {
			continue
		}
		r.dispatchAnswers(resp, serviceType, onPeer)
	}
}

func (r *MDNSResolver) dispatchAnswers(msg *dns.Msg, serviceType string, onPeer func(string, bool, map[string]string)) {
	txtByName := map[string]map[string]string{}
	for _, rr := range msg.Answer {
		if t, ok := rr.(*dns.TXT); ok {
			txtByName[t.Hdr.Name] = decodeTXTStrings(t.Txt)
		}
	}
	for _, rr := range msg.Answer {
		srv, ok := rr.(*dns.SRV)
		if !ok {
			continue
		}
		instance := instanceNameFromFQDN(srv.Hdr.Name, serviceType)
		if instance == "" {
			continue
		}
		onPeer(instance, true, txtByName[srv.Hdr.Name])
	}
}

func instanceNameFromFQDN(fqdn, serviceType string) string {
	suffix := "." + serviceType + ".local."
	if len(fqdn) <= len(suffix) {
		return ""
	}
	if fqdn[len(fqdn)-len(suffix):] != suffix {
		return ""
	}
	return fqdn[:len(fqdn)-len(suffix)]
}

func encodeTXTStrings(txt map[string]string) []string {
	out := make([]string, 0, len(txt))
	for k, v := range txt {
		out = append(out, k+"="+v)
	}
	return out
}

func decodeTXTStrings(entries []string) map[string]string {
	out := make(map[string]string, len(entries))
	for _, e := range entries {
		for i := 0; i < len(e); i++ {
			if e[i] == '=' {
				out[e[:i]] = e[i+1:]
				break
			}
		}
	}
	return out
}
