package capsanet

import (
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func testEngine(t *testing.T, p *Policy) *policyEngine {
	t.Helper()
	cache, err := NewDNSCache(16)
	if err != nil {
		t.Fatalf("NewDNSCache: %v", err)
	}
	return newPolicyEngine(p, cache, logrus.WithField("subsys", "test"))
}

func TestDomainPattern_Exact(t *testing.T) {
	p := ExactDomain("API.Example.com")

	if !p.Matches("api.example.com") {
		t.Error("exact match should be case-insensitive")
	}
	if !p.Matches("api.example.com.") {
		t.Error("trailing dot should be ignored")
	}
	if p.Matches("www.api.example.com") {
		t.Error("exact pattern must not match subdomains")
	}
}

func TestDomainPattern_Wildcard(t *testing.T) {
	p := WildcardDomain("*.example.com")

	cases := []struct {
		domain string
		want   bool
	}{
		{"api.example.com", true},
		{"a.b.example.com", true},
		{"API.EXAMPLE.COM", true},
		{"example.com", false},     // wildcard matches strict subdomains only
		{"badexample.com", false},  // no label boundary
		{"example.com.evil", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := p.Matches(tc.domain); got != tc.want {
			t.Errorf("Matches(%q) = %v, want %v", tc.domain, got, tc.want)
		}
	}
}

func TestMatchAll_EmptyIsVacuouslyTrue(t *testing.T) {
	m := MatchAll{}
	if !m.Match(Flow{Proto: ProtoTCP, DstIP: net.IPv4(1, 2, 3, 4), DstPort: 80}) {
		t.Error("All([]) must evaluate to true")
	}
}

func TestPolicy_FirstAllowDenyWins(t *testing.T) {
	e := testEngine(t, &Policy{
		DefaultAction: ActionDeny,
		Rules: []Rule{
			Deny(MatchPort{Port: 22}),
			Allow(MatchPortRange{Lo: 1, Hi: 1024}),
			Deny(MatchAny{}),
		},
	})

	if got := e.Evaluate(ProtoTCP, net.IPv4(10, 0, 0, 1), 22); got != ActionDeny {
		t.Errorf("port 22 = %v, want deny", got)
	}
	if got := e.Evaluate(ProtoTCP, net.IPv4(10, 0, 0, 1), 80); got != ActionAllow {
		t.Errorf("port 80 = %v, want allow", got)
	}
	if got := e.Evaluate(ProtoTCP, net.IPv4(10, 0, 0, 1), 8080); got != ActionDeny {
		t.Errorf("port 8080 = %v, want deny", got)
	}
}

func TestPolicy_LogDoesNotTerminate(t *testing.T) {
	withLog := &Policy{
		DefaultAction: ActionDeny,
		Rules: []Rule{
			Log(MatchAny{}),
			Allow(MatchPort{Port: 443}),
		},
	}
	withoutLog := &Policy{
		DefaultAction: ActionDeny,
		Rules:         []Rule{Allow(MatchPort{Port: 443})},
	}

	a := testEngine(t, withLog)
	b := testEngine(t, withoutLog)
	for _, port := range []uint16{80, 443, 8443} {
		got := a.Evaluate(ProtoTCP, net.IPv4(1, 1, 1, 1), port)
		want := b.Evaluate(ProtoTCP, net.IPv4(1, 1, 1, 1), port)
		if got != want {
			t.Errorf("port %d: with log rules = %v, without = %v", port, got, want)
		}
	}
}

func TestPolicy_DomainMatcherUsesCache(t *testing.T) {
	e := testEngine(t, &Policy{
		DefaultAction: ActionDeny,
		Rules: []Rule{
			Allow(MatchDomain{Pattern: ExactDomain("api.example.com")}),
		},
	})

	ip := net.IPv4(93, 184, 216, 34)
	if got := e.Evaluate(ProtoTCP, ip, 443); got != ActionDeny {
		t.Errorf("unknown IP = %v, want deny (no cache entry, no match)", got)
	}

	e.cache.Add(ip, "api.example.com", 5*time.Minute)
	if got := e.Evaluate(ProtoTCP, ip, 443); got != ActionAllow {
		t.Errorf("cached IP = %v, want allow", got)
	}
}

func TestPolicy_IPRangeAndConjunction(t *testing.T) {
	_, cidrNet, _ := net.ParseCIDR("192.168.0.0/16")
	e := testEngine(t, &Policy{
		DefaultAction: ActionDeny,
		Rules: []Rule{
			Allow(MatchAll{Members: []Matcher{
				MatchIPRange{Net: cidrNet},
				MatchProto{Proto: ProtoTCP},
				MatchPort{Port: 443},
			}}),
		},
	})

	if got := e.Evaluate(ProtoTCP, net.IPv4(192, 168, 5, 9), 443); got != ActionAllow {
		t.Errorf("matching conjunction = %v, want allow", got)
	}
	if got := e.Evaluate(ProtoUDP, net.IPv4(192, 168, 5, 9), 443); got != ActionDeny {
		t.Errorf("wrong proto = %v, want deny", got)
	}
	if got := e.Evaluate(ProtoTCP, net.IPv4(10, 0, 0, 9), 443); got != ActionDeny {
		t.Errorf("wrong range = %v, want deny", got)
	}
}
