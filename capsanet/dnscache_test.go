package capsanet

import (
	"fmt"
	"net"
	"testing"
	"time"
)

func TestDNSCache_LookupAndExpiry(t *testing.T) {
	c, err := NewDNSCache(8)
	if err != nil {
		t.Fatalf("NewDNSCache: %v", err)
	}

	ip := net.IPv4(1, 2, 3, 4)
	c.Add(ip, "Example.COM.", time.Minute)

	if got := c.Lookup(ip); got != "example.com" {
		t.Errorf("Lookup = %q, want %q", got, "example.com")
	}
	if got := c.Lookup(net.IPv4(4, 3, 2, 1)); got != "" {
		t.Errorf("Lookup(miss) = %q, want empty", got)
	}

	c.Add(ip, "example.com", -time.Second)
	if got := c.Lookup(ip); got != "" {
		t.Errorf("expired entry returned %q, want empty", got)
	}
}

func TestDNSCache_EvictsOldestAtCapacity(t *testing.T) {
	const max = 4
	c, err := NewDNSCache(max)
	if err != nil {
		t.Fatalf("NewDNSCache: %v", err)
	}

	for i := 0; i < max+1; i++ {
		ip := net.IPv4(10, 0, 0, byte(i))
		c.Add(ip, fmt.Sprintf("host%d.test", i), time.Minute)
	}

	if got := c.Len(); got != max {
		t.Errorf("Len = %d, want %d", got, max)
	}
	if got := c.Lookup(net.IPv4(10, 0, 0, 0)); got != "" {
		t.Errorf("oldest entry survived eviction: %q", got)
	}
	if got := c.Lookup(net.IPv4(10, 0, 0, byte(max))); got == "" {
		t.Error("newest entry missing after eviction")
	}
}
