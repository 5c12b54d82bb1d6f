// Package identity derives the stable principal key a request is metered
// under. Precedence is api key > authenticated subject > client address;
// the first strategy that produces a value wins.
package identity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"net/netip"
	"strings"

	"github.com/atlas/shield/internal/config"
)

// Principal kinds as they appear in the canonical "<kind>:<value>" form.
const (
	KindAPIKey = "apikey"
	KindUser   = "user"
	KindIP     = "ip"
)

// UnknownIP is the principal used when no source yields a valid address.
// The caller still participates in rate limiting, just coarser.
const UnknownIP = "ip:unknown"

type subjectKey struct{}

// WithSubject attaches an authenticated subject id to the request context.
// Upstream auth middleware calls this; the identifier consumes it.
func WithSubject(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, subjectKey{}, id)
}

// SubjectFrom extracts the authenticated subject id, if any.
func SubjectFrom(ctx context.Context) string {
	id, _ := ctx.Value(subjectKey{}).(string)
	return id
}

// Strategy attempts to identify a request. ok is false when this strategy
// has nothing to say and the chain should move on.
type Strategy interface {
	Identify(r *http.Request) (principal string, ok bool)
}

// Identifier runs an ordered strategy chain. It never fails: when every
// strategy declines, the request is attributed to UnknownIP.
type Identifier struct {
	chain []Strategy
}

// New builds the standard chain for the given proxy-trust policy.
func New(trust config.ProxyTrust) *Identifier {
	return &Identifier{chain: []Strategy{
		APIKeyStrategy{},
		SubjectStrategy{},
		AddrStrategy{Trust: trust},
	}}
}

// Identify returns the canonical principal for the request.
func (i *Identifier) Identify(r *http.Request) string {
	for _, s := range i.chain {
		if p, ok := s.Identify(r); ok {
			return p
		}
	}
	return UnknownIP
}

// APIKeyStrategy reads X-API-Key or the api_key query parameter. The raw
// key never leaves this function: only the first 16 hex characters of its
// SHA-256 are used as the principal value.
type APIKeyStrategy struct{}

func (APIKeyStrategy) Identify(r *http.Request) (string, bool) {
	key := r.Header.Get("X-API-Key")
	if key == "" {
		key = r.URL.Query().Get("api_key")
	}
	if key == "" {
		return "", false
	}
	return KindAPIKey + ":" + HashAPIKey(key), true
}

// HashAPIKey returns the truncated one-way hash used in principals and logs.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])[:16]
}

// SubjectStrategy picks up an authenticated subject placed on the request
// context by upstream auth middleware.
type SubjectStrategy struct{}

func (SubjectStrategy) Identify(r *http.Request) (string, bool) {
	id := SubjectFrom(r.Context())
	if id == "" {
		return "", false
	}
	return KindUser + ":" + id, true
}

// AddrStrategy resolves the client address under the configured proxy-trust
// policy. With TrustNone the forwarding headers are ignored entirely, so a
// client cannot spoof its principal by sending X-Forwarded-For.
type AddrStrategy struct {
	Trust config.ProxyTrust
}

func (a AddrStrategy) Identify(r *http.Request) (string, bool) {
	if ip := a.resolve(r); ip != "" {
		return KindIP + ":" + ip, true
	}
	return UnknownIP, true
}

func (a AddrStrategy) resolve(r *http.Request) string {
	switch a.Trust.Mode {
	case config.TrustNone:
		return normalizeAddr(r.RemoteAddr)
	case config.TrustAll:
		if ip := normalizeAddr(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
		if ip := forwardedHop(r.Header.Get("X-Forwarded-For"), -1); ip != "" {
			return ip
		}
		return normalizeAddr(r.RemoteAddr)
	case config.TrustHops:
		if ip := forwardedHop(r.Header.Get("X-Forwarded-For"), a.Trust.Hops); ip != "" {
			return ip
		}
		return normalizeAddr(r.RemoteAddr)
	}
	return ""
}

// forwardedHop returns the entry `hops` positions from the right of the
// X-Forwarded-For list, which is the first address not appended by a
// trusted proxy. hops < 0 means the leftmost (original client) entry.
func forwardedHop(header string, hops int) string {
	if header == "" {
		return ""
	}
	parts := strings.Split(header, ",")
	var idx int
	if hops < 0 {
		idx = 0
	} else {
		idx = len(parts) - hops
		if idx < 0 {
			idx = 0
		}
		if idx >= len(parts) {
			return ""
		}
	}
	return normalizeAddr(strings.TrimSpace(parts[idx]))
}

// normalizeAddr turns "host:port", bare hosts, and IPv4-mapped IPv6 into a
// canonical textual address. Returns "" for anything unparseable.
func normalizeAddr(s string) string {
	if s == "" {
		return ""
	}
	host := s
	if h, _, err := net.SplitHostPort(s); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return ""
	}
	return addr.Unmap().String()
}
