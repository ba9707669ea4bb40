package capsanet

import (
	"net"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultDNSCacheEntries bounds the cache when the config leaves it zero.
const DefaultDNSCacheEntries = 1024

type dnsCacheEntry struct {
	domain string
	expiry time.Time
}

// DNSCache maps resolved IPv4 addresses back to the domain the guest asked
// for. Entries come only from genuine upstream A/AAAA answers to queries
// the proxy forwarded. Policy evaluation reads under a shared lock; the
// proxy writes under a short exclusive lock.
type DNSCache struct {
	mu    sync.RWMutex
	cache *lru.Cache[[4]byte, dnsCacheEntry]
}

// NewDNSCache builds a cache bounded to maxEntries (LRU eviction).
func NewDNSCache(maxEntries int) (*DNSCache, error) {
	if maxEntries <= 0 {
		maxEntries = DefaultDNSCacheEntries
	}
	c, err := lru.New[[4]byte, dnsCacheEntry](maxEntries)
	if err != nil {
		return nil, err
	}
	return &DNSCache{cache: c}, nil
}

// Add records that ip resolved from domain with the given TTL.
func (c *DNSCache) Add(ip net.IP, domain string, ttl time.Duration) {
	v4 := ip.To4()
	if v4 == nil {
		return
	}
	var key [4]byte
	copy(key[:], v4)
	c.mu.Lock()
	c.cache.Add(key, dnsCacheEntry{
		domain: normalizeDomain(domain),
		expiry: time.Now().Add(ttl),
	})
	c.mu.Unlock()
}

// Lookup returns the domain ip resolved from, or "" when unknown or
// expired.
func (c *DNSCache) Lookup(ip net.IP) string {
	v4 := ip.To4()
	if v4 == nil {
		return ""
	}
	var key [4]byte
	copy(key[:], v4)
	c.mu.RLock()
	entry, ok := c.cache.Get(key)
	c.mu.RUnlock()
	if !ok || time.Now().After(entry.expiry) {
		return ""
	}
	return entry.domain
}

// Len reports the live entry count (expired entries included until
// evicted).
func (c *DNSCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cache.Len()
}
