package capsanet

import (
	"net"
	"testing"

	"github.com/miekg/dns"
)

func TestDNSProxy_CachesAAnswers(t *testing.T) {
	fio, peer, err := NewSocketPair()
	if err != nil {
		t.Fatalf("NewSocketPair: %v", err)
	}
	defer peer.Close()
	s, err := New(Config{Subnet: "10.0.2.0/24"}, fio)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	resp := new(dns.Msg)
	resp.SetQuestion("api.example.com.", dns.TypeA)
	resp.Answer = append(resp.Answer,
		&dns.A{
			Hdr: dns.RR_Header{Name: "api.example.com.", Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 300},
			A:   net.IPv4(93, 184, 216, 34),
		},
		&dns.TXT{
			Hdr: dns.RR_Header{Name: "api.example.com.", Rrtype: dns.TypeTXT, Class: dns.ClassINET, Ttl: 300},
			Txt: []string{"not cached"},
		},
	)

	s.dns.cacheAnswers(resp)

	if got := s.cache.Lookup(net.IPv4(93, 184, 216, 34)); got != "api.example.com" {
		t.Errorf("Lookup = %q, want api.example.com", got)
	}
	if s.cache.Len() != 1 {
		t.Errorf("cache len = %d, want 1 (TXT must not be cached)", s.cache.Len())
	}
}

func TestDNSProxy_CachesAAAAMappedV4(t *testing.T) {
	fio, peer, err := NewSocketPair()
	if err != nil {
		t.Fatalf("NewSocketPair: %v", err)
	}
	defer peer.Close()
	s, err := New(Config{Subnet: "10.0.2.0/24"}, fio)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	resp := new(dns.Msg)
	resp.SetQuestion("v6.example.com.", dns.TypeAAAA)
	resp.Answer = append(resp.Answer, &dns.AAAA{
		Hdr:  dns.RR_Header{Name: "v6.example.com.", Rrtype: dns.TypeAAAA, Class: dns.ClassINET, Ttl: 60},
		AAAA: net.ParseIP("::ffff:1.2.3.4"),
	})

	s.dns.cacheAnswers(resp)

	if got := s.cache.Lookup(net.IPv4(1, 2, 3, 4)); got != "v6.example.com" {
		t.Errorf("Lookup = %q, want v6.example.com", got)
	}
}
