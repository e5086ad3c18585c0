package store

import (
	"strconv"
	"strings"
	"time"
)

// CacheControlDirective represents the Cache-Control directives of an upstream
// response that influence how long it may be cached.
type CacheControlDirective struct {
	MaxAge  *int // max-age directive value in seconds
	SMaxAge *int // s-maxage directive value in seconds (shared cache preference)
	NoCache bool
	NoStore bool
	Private bool
}

// ParseCacheControl parses a Cache-Control header value. Unknown directives
// are ignored; quoted values and repeated directives keep the first valid one.
func ParseCacheControl(header string) CacheControlDirective {
	directive := CacheControlDirective{}
	if header == "" {
		return directive
	}

	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		key, value, hasValue := strings.Cut(part, "=")
		key = strings.ToLower(strings.TrimSpace(key))
		if hasValue {
			value = strings.Trim(strings.TrimSpace(value), `"`)
		}

		switch key {
		case "max-age":
			if directive.MaxAge == nil {
				directive.MaxAge = parseSeconds(value)
			}
		case "s-maxage":
			if directive.SMaxAge == nil {
				directive.SMaxAge = parseSeconds(value)
			}
		case "no-cache":
			directive.NoCache = true
		case "no-store":
			directive.NoStore = true
		case "private":
			directive.Private = true
		}
	}

	return directive
}

func parseSeconds(value string) *int {
	seconds, err := strconv.Atoi(value)
	if err != nil || seconds < 0 {
		return nil
	}
	return &seconds
}

// TTL derives the lifetime the directive grants a shared cache.
//
// Precedence (highest to lowest):
//  1. no-cache, no-store, private → 0
//  2. s-maxage
//  3. max-age
//  4. nothing → nil, so the caller falls back to its configured TTL
func (d CacheControlDirective) TTL() *time.Duration {
	if d.NoCache || d.NoStore || d.Private {
		zero := time.Duration(0)
		return &zero
	}
	if d.SMaxAge != nil {
		ttl := time.Duration(*d.SMaxAge) * time.Second
		return &ttl
	}
	if d.MaxAge != nil {
		ttl := time.Duration(*d.MaxAge) * time.Second
		return &ttl
	}
	return nil
}
