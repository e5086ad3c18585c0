package proxy

import (
	"strconv"
	"strings"
	"time"

	"github.com/l0p7/streamcache/internal/runtime/coordinator"
)

// CacheStatusHeader is the RFC 9211 response header naming what the cache did.
const CacheStatusHeader = "Cache-Status"

const cacheName = "StreamCache"

// Forward reasons, worded after RFC 9211 section 2.2.
const (
	fwdBypass = "bypass"
	fwdMethod = "method"
	fwdMiss   = "miss"
)

// CacheStatus renders one Cache-Status list member.
type CacheStatus struct {
	hit       bool
	fwdReason string
	fwdStatus int
	stored    bool
	ttl       time.Duration
	detail    string
}

// Hit marks the response as served from the cache.
func (c *CacheStatus) Hit() *CacheStatus {
	c.hit = true
	c.fwdReason = ""
	return c
}

// Forward records why the request went upstream.
func (c *CacheStatus) Forward(reason string) *CacheStatus {
	c.hit = false
	c.fwdReason = reason
	return c
}

// Stored marks the forwarded response as being written to the cache.
func (c *CacheStatus) Stored() *CacheStatus {
	c.stored = true
	return c
}

// FwdStatus records the upstream status code.
func (c *CacheStatus) FwdStatus(code int) *CacheStatus {
	c.fwdStatus = code
	return c
}

// TTL records the remaining freshness lifetime of a served entry.
func (c *CacheStatus) TTL(ttl time.Duration) *CacheStatus {
	c.ttl = ttl
	return c
}

// Detail attaches implementation-specific detail.
func (c *CacheStatus) Detail(detail string) *CacheStatus {
	c.detail = detail
	return c
}

func (c *CacheStatus) String() string {
	parts := []string{cacheName}
	if c.hit {
		parts = append(parts, "hit")
		if c.ttl > 0 {
			parts = append(parts, "ttl="+strconv.FormatInt(int64(c.ttl/time.Second), 10))
		}
	} else if c.fwdReason != "" {
		parts = append(parts, "fwd="+c.fwdReason)
		if c.fwdStatus != 0 {
			parts = append(parts, "fwd-status="+strconv.Itoa(c.fwdStatus))
		}
		if c.stored {
			parts = append(parts, "stored")
		}
	}
	if c.detail != "" {
		parts = append(parts, "detail="+sfToken(c.detail))
	}
	return strings.Join(parts, "; ")
}

// sfToken returns detail as a structured-field token when it is one and as a
// quoted string otherwise.
func sfToken(detail string) string {
	for i, r := range detail {
		alpha := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
		if i == 0 && !alpha && r != '*' {
			return strconv.Quote(detail)
		}
		if !alpha && !(r >= '0' && r <= '9') && !strings.ContainsRune("!#$%&'*+-.^_`|~:/", r) {
			return strconv.Quote(detail)
		}
	}
	return detail
}

// forwardStatus describes an exchange that went upstream.
func forwardStatus(x *coordinator.Exchange, verdict coordinator.Verdict) *CacheStatus {
	status := &CacheStatus{}
	switch {
	case x.State() == coordinator.StateBypass && x.BypassReason() == coordinator.BypassMethod:
		status.Forward(fwdMethod)
	case x.State() == coordinator.StateBypass:
		status.Forward(fwdBypass).Detail(string(x.BypassReason()))
	case x.GoverningRule() != nil:
		status.Forward(fwdMiss).Detail(x.GoverningRule().Name)
	default:
		status.Forward(fwdBypass)
	}
	if verdict == coordinator.VerdictCapture {
		status.Stored()
	}
	return status.FwdStatus(x.Status)
}
