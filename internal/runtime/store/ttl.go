package store

import (
	"net/http"
	"time"
)

// TTLPolicy holds the server-wide lifetime bounds applied to every entry.
type TTLPolicy struct {
	// Default applies when the rule declares no TTL.
	Default time.Duration
	// Max caps every entry; 0 means no ceiling.
	Max time.Duration
}

// EffectiveTTL computes how long a response may be cached.
//
// Hierarchy:
//  1. upstream Cache-Control, when followCacheControl is set and the header
//     carries a caching directive (a "do not cache" directive yields 0)
//  2. the rule TTL
//  3. the policy default
//
// The result is capped by the policy maximum. 0 means do not cache.
func (p TTLPolicy) EffectiveTTL(ruleTTL time.Duration, followCacheControl bool, header http.Header) time.Duration {
	ttl := ruleTTL
	if ttl <= 0 {
		ttl = p.Default
	}

	if followCacheControl {
		if raw := header.Get("Cache-Control"); raw != "" {
			if upstream := ParseCacheControl(raw).TTL(); upstream != nil {
				ttl = *upstream
			}
		}
	}

	if ttl <= 0 {
		return 0
	}
	if p.Max > 0 && ttl > p.Max {
		ttl = p.Max
	}
	return ttl
}
