package capsanet

import (
	"net"
	"sync"
	"time"

	"github.com/google/gopacket/layers"
	"github.com/miekg/dns"
)

// dnsProxy terminates UDP/53 queries addressed to the gateway. Queries are
// forwarded to the system resolver; A answers and IPv4-mapped AAAA answers
// are cached with their TTL so the policy engine can match flows by domain. The proxy sits
// in front of policy — guest DNS always works.
type dnsProxy struct {
	stack *Stack

	mu        sync.Mutex
	upstreams []string
	client    *dns.Client
}

func newDNSProxy(s *Stack) *dnsProxy {
	return &dnsProxy{
		stack:  s,
		client: &dns.Client{Net: "udp", Timeout: 5 * time.Second},
	}
}

func (p *dnsProxy) handle(eth *layers.Ethernet, ip *layers.IPv4, udp *layers.UDP) {
	query := new(dns.Msg)
	if err := query.Unpack(udp.Payload); err != nil {
		p.stack.log.WithError(err).Debug("malformed DNS query")
		return
	}
	guestMAC := append(net.HardwareAddr(nil), eth.SrcMAC...)
	guestIP := append(net.IP(nil), ip.SrcIP.To4()...)
	guestPort := uint16(udp.SrcPort)

	// Resolution leaves the dispatch goroutine so a slow upstream never
	// stalls the wire.
	go p.resolve(query, guestMAC, guestIP, guestPort)
}

func (p *dnsProxy) resolve(query *dns.Msg, guestMAC net.HardwareAddr, guestIP net.IP, guestPort uint16) {
	resp := p.exchange(query)
	if resp == nil {
		resp = new(dns.Msg)
		resp.SetRcode(query, dns.RcodeServerFailure)
	} else {
		p.cacheAnswers(resp)
	}
	wire, err := resp.Pack()
	if err != nil {
		p.stack.log.WithError(err).Warn("pack DNS response")
		return
	}
	p.stack.sendUDP(guestMAC, p.stack.conf.Gateway, guestIP, 53, guestPort, wire)
}

// exchange tries each configured upstream in order.
func (p *dnsProxy) exchange(query *dns.Msg) *dns.Msg {
	for _, server := range p.servers() {
		resp, _, err := p.client.Exchange(query, server)
		if err != nil {
			p.stack.log.WithError(err).WithField("server", server).Debug("DNS upstream failed")
			continue
		}
		return resp
	}
	return nil
}

// cacheAnswers records A answers, and AAAA answers that carry an
// IPv4-mapped address, from genuine upstream responses. Other answers pass
// through uncached.
func (p *dnsProxy) cacheAnswers(resp *dns.Msg) {
	for _, rr := range resp.Answer {
		ttl := time.Duration(rr.Header().Ttl) * time.Second
		switch a := rr.(type) {
		case *dns.A:
			p.stack.cache.Add(a.A, rr.Header().Name, ttl)
		case *dns.AAAA:
			if v4 := a.AAAA.To4(); v4 != nil {
				p.stack.cache.Add(v4, rr.Header().Name, ttl)
			}
		}
	}
}

func (p *dnsProxy) servers() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.upstreams == nil {
		p.upstreams = systemResolvers()
	}
	return p.upstreams
}

// systemResolvers reads the host resolver config, falling back to a public
// resolver when none is usable.
func systemResolvers() []string {
	conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || len(conf.Servers) == 0 {
		return []string{"8.8.8.8:53"}
	}
	servers := make([]string, 0, len(conf.Servers))
	for _, s := range conf.Servers {
		servers = append(servers, net.JoinHostPort(s, conf.Port))
	}
	return servers
}
