// Package capability caches the opportunistic (protocol_version,
// capabilities) pings of spec.md §4.I: peers periodically exchange these via
// a "get_capabilities" overlay query, and downloaders use the cache to
// prefer the new, single-round-trip block-fetch variant (spec.md §4.E.2)
// against peers advertising protocol_version >= 1. Absence of a capability
// record never blocks a download — callers fall back to the legacy variant.
package capability

import (
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/ton-blockchain/ton-sub002/types"
)

// Info is one peer's most recently observed capability ping.
type Info struct {
	ProtocolVersion int32
	Capabilities    uint64
	ObservedAt      time.Time
}

// DefaultTTL and DefaultCleanupInterval mirror the advisory, best-effort
// nature of capability pings: a stale entry simply expires back to "unknown"
// rather than being actively invalidated.
const (
	DefaultTTL             = 10 * time.Minute
	DefaultCleanupInterval = 10 * time.Minute
)

// Cache is a TTL-backed map from peer to its last observed Info.
type Cache struct {
	c *gocache.Cache
}

// NewCache constructs a Cache with the given TTL/cleanup cadence.
func NewCache(ttl, cleanup time.Duration) *Cache {
	return &Cache{c: gocache.New(ttl, cleanup)}
}

// NewDefaultCache constructs a Cache with SPEC_FULL.md §4's defaults.
func NewDefaultCache() *Cache {
	return NewCache(DefaultTTL, DefaultCleanupInterval)
}

// Observe records a capability ping for peer.
func (c *Cache) Observe(peer types.PeerId, protocolVersion int32, capabilities uint64, now time.Time) {
	c.c.Set(string(peer[:]), Info{
		ProtocolVersion: protocolVersion,
		Capabilities:    capabilities,
		ObservedAt:      now,
	}, gocache.DefaultExpiration)
}

// Lookup returns the last observed Info for peer, if any is still live.
func (c *Cache) Lookup(peer types.PeerId) (Info, bool) {
	v, ok := c.c.Get(string(peer[:]))
	if !ok {
		return Info{}, false
	}
	return v.(Info), true
}

// SupportsNewBlockVariant reports whether peer is known to advertise
// protocol_version >= 1 (spec.md §4.E.2/§4.I). Returns false (meaning "use
// the legacy variant") when no capability record exists.
func (c *Cache) SupportsNewBlockVariant(peer types.PeerId) bool {
	info, ok := c.Lookup(peer)
	if !ok {
		return false
	}
	return info.ProtocolVersion >= 1
}
