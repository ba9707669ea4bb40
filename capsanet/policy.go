package capsanet

import (
	"fmt"
	"net"
	"strings"
)

// Action is what a rule does when its matcher fires. Log records the flow
// and continues to the next rule; Allow and Deny are final.
type Action int

const (
	ActionAllow Action = iota
	ActionDeny
	ActionLog
)

func (a Action) String() string {
	switch a {
	case ActionAllow:
		return "allow"
	case ActionDeny:
		return "deny"
	case ActionLog:
		return "log"
	default:
		return "unknown"
	}
}

// Proto identifies a transport protocol for policy matching and port
// forwards.
type Proto int

const (
	ProtoTCP Proto = iota
	ProtoUDP
	ProtoICMP
)

func (p Proto) String() string {
	switch p {
	case ProtoTCP:
		return "tcp"
	case ProtoUDP:
		return "udp"
	case ProtoICMP:
		return "icmp"
	default:
		return "unknown"
	}
}

// Flow is the candidate flow a policy evaluates, plus the domain the
// destination IP resolved from (empty when the DNS cache has no entry).
type Flow struct {
	Proto   Proto
	DstIP   net.IP
	DstPort uint16
	Domain  string
}

func (f Flow) String() string {
	return fmt.Sprintf("%s %s:%d", f.Proto, f.DstIP, f.DstPort)
}

// Matcher is the policy matcher algebra. Implementations are composable;
// MatchAll with no members is vacuously true.
type Matcher interface {
	Match(f Flow) bool
	String() string
}

// MatchAny matches every flow.
type MatchAny struct{}

func (MatchAny) Match(Flow) bool { return true }
func (MatchAny) String() string  { return "any" }

// MatchIP matches an exact destination IPv4 address.
type MatchIP struct{ IP net.IP }

func (m MatchIP) Match(f Flow) bool { return f.DstIP != nil && m.IP.Equal(f.DstIP) }
func (m MatchIP) String() string    { return "ip " + m.IP.String() }

// MatchIPRange matches destinations inside a CIDR range.
type MatchIPRange struct{ Net *net.IPNet }

func (m MatchIPRange) Match(f Flow) bool {
	return f.DstIP != nil && m.Net != nil && m.Net.Contains(f.DstIP)
}
func (m MatchIPRange) String() string { return "cidr " + m.Net.String() }

// MatchPort matches an exact destination port.
type MatchPort struct{ Port uint16 }

func (m MatchPort) Match(f Flow) bool { return f.DstPort == m.Port }
func (m MatchPort) String() string    { return fmt.Sprintf("port %d", m.Port) }

// MatchPortRange matches destination ports in [Lo, Hi] inclusive.
type MatchPortRange struct{ Lo, Hi uint16 }

func (m MatchPortRange) Match(f Flow) bool { return f.DstPort >= m.Lo && f.DstPort <= m.Hi }
func (m MatchPortRange) String() string    { return fmt.Sprintf("ports %d-%d", m.Lo, m.Hi) }

// MatchProto matches the transport protocol.
type MatchProto struct{ Proto Proto }

func (m MatchProto) Match(f Flow) bool { return f.Proto == m.Proto }
func (m MatchProto) String() string    { return "proto " + m.Proto.String() }

// MatchDomain matches the domain the destination IP was resolved from.
// A flow whose destination is not in the DNS cache never matches.
type MatchDomain struct{ Pattern DomainPattern }

func (m MatchDomain) Match(f Flow) bool {
	return f.Domain != "" && m.Pattern.Matches(f.Domain)
}
func (m MatchDomain) String() string { return "domain " + m.Pattern.String() }

// MatchAll is conjunction over its members; empty is vacuously true.
type MatchAll struct{ Members []Matcher }

func (m MatchAll) Match(f Flow) bool {
	for _, sub := range m.Members {
		if !sub.Match(f) {
			return false
		}
	}
	return true
}

func (m MatchAll) String() string {
	parts := make([]string, len(m.Members))
	for i, sub := range m.Members {
		parts[i] = sub.String()
	}
	return "all(" + strings.Join(parts, ", ") + ")"
}

// DomainPattern matches domain names either exactly or by wildcard suffix.
// Matching is case-insensitive. A wildcard "*.b.c" matches strict
// subdomains only: there must be at least one label before the suffix and a
// dot separating them, so "b.c" itself does not match.
type DomainPattern struct {
	pattern  string
	wildcard bool
}

// ExactDomain builds a pattern matching only the given domain.
func ExactDomain(domain string) DomainPattern {
	return DomainPattern{pattern: normalizeDomain(domain)}
}

// WildcardDomain builds a pattern matching strict subdomains of suffix.
// The suffix may be given with or without the leading "*.".
func WildcardDomain(suffix string) DomainPattern {
	suffix = strings.TrimPrefix(suffix, "*.")
	return DomainPattern{pattern: normalizeDomain(suffix), wildcard: true}
}

// Matches reports whether the domain matches the pattern.
func (p DomainPattern) Matches(domain string) bool {
	domain = normalizeDomain(domain)
	if !p.wildcard {
		return domain == p.pattern
	}
	if domain == p.pattern {
		return false
	}
	if !strings.HasSuffix(domain, p.pattern) {
		return false
	}
	// Require a full label boundary before the suffix.
	head := domain[:len(domain)-len(p.pattern)]
	return len(head) >= 2 && strings.HasSuffix(head, ".")
}

func (p DomainPattern) String() string {
	if p.wildcard {
		return "*." + p.pattern
	}
	return p.pattern
}

func normalizeDomain(d string) string {
	return strings.TrimSuffix(strings.ToLower(d), ".")
}

// Rule pairs a matcher with an action.
type Rule struct {
	Action Action
	Match  Matcher
}

// Policy is an ordered rule list with a default action applied when no
// Allow or Deny rule fires.
type Policy struct {
	DefaultAction Action
	Rules         []Rule
}

// AllowAll permits every flow.
func AllowAll() *Policy {
	return &Policy{DefaultAction: ActionAllow}
}

// DenyAll denies every flow not explicitly allowed by a rule.
func DenyAll(rules ...Rule) *Policy {
	return &Policy{DefaultAction: ActionDeny, Rules: rules}
}

// Allow builds an allow rule.
func Allow(m Matcher) Rule { return Rule{Action: ActionAllow, Match: m} }

// Deny builds a deny rule.
func Deny(m Matcher) Rule { return Rule{Action: ActionDeny, Match: m} }

// Log builds a log-and-continue rule.
func Log(m Matcher) Rule { return Rule{Action: ActionLog, Match: m} }

// PortForward maps a host port to a guest port for inbound connections.
type PortForward struct {
	Proto     Proto
	HostPort  uint16
	GuestPort uint16
}

// Config configures the userspace network stack.
type Config struct {
	// Subnet is the guest subnet in CIDR form, e.g. "10.0.2.0/24". The
	// stack claims the .2 address as gateway and DNS server and leases
	// guest addresses from .15 up.
	Subnet string

	// Policy filters guest-initiated flows. Nil allows everything.
	Policy *Policy

	// Forwards lists inbound host→guest port forwards.
	Forwards []PortForward

	// MaxDNSCacheEntries bounds the DNS answer cache. Zero means the
	// default (1024).
	MaxDNSCacheEntries int
}
