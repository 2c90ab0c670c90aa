// Package origin parses browser Origin headers and decides whether a caller's
// origin may use the signaling endpoints.
package origin

import (
	"net/url"
	"strconv"
	"strings"
)

// NormalizeHeader validates a browser Origin header value and returns it as
// scheme://host[:port] with lower-cased scheme and host and the default port
// dropped. host is the authority part on its own, used for same-host checks.
//
// The opaque origin "null" is accepted and returned unchanged with an empty host.
func NormalizeHeader(originHeader string) (normalized string, host string, ok bool) {
	v := strings.TrimSpace(originHeader)
	switch v {
	case "":
		return "", "", false
	case "null":
		return "null", "", true
	}

	u, err := url.Parse(v)
	if err != nil || u.Host == "" || u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return "", "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", "", false
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}

	host, ok = canonicalAuthority(u.Host, scheme)
	if !ok {
		return "", "", false
	}
	return scheme + "://" + host, host, true
}

// Policy is the set of origins allowed to call the service.
type Policy struct {
	any     bool
	allowed map[string]struct{}
}

// NewPolicy builds a policy from normalized origins. "*" allows every origin.
// An empty list means same-host only: the Origin authority must equal the
// request Host, ignoring scheme since TLS is often terminated upstream.
func NewPolicy(allowedOrigins []string) *Policy {
	p := &Policy{allowed: make(map[string]struct{}, len(allowedOrigins))}
	for _, o := range allowedOrigins {
		if o == "*" {
			p.any = true
			continue
		}
		p.allowed[o] = struct{}{}
	}
	return p
}

// Allows reports whether a request carrying normalizedOrigin (with authority
// originHost) to requestHost is permitted.
func (p *Policy) Allows(normalizedOrigin, originHost, requestHost string) bool {
	if p.any {
		return true
	}
	if len(p.allowed) > 0 {
		_, ok := p.allowed[normalizedOrigin]
		return ok
	}

	scheme, _, found := strings.Cut(normalizedOrigin, "://")
	if !found || (scheme != "http" && scheme != "https") {
		return false
	}
	reqHost, ok := canonicalAuthority(strings.TrimSpace(requestHost), scheme)
	return ok && reqHost == originHost
}

// canonicalAuthority lower-cases host[:port], validates the port and drops it
// when it is the default for scheme. IPv6 literals keep their brackets.
func canonicalAuthority(authority, scheme string) (string, bool) {
	name, port, ok := splitAuthority(authority)
	if !ok {
		return "", false
	}
	name = strings.ToLower(name)

	var n uint64
	if port != "" {
		var err error
		n, err = strconv.ParseUint(port, 10, 16)
		if err != nil || n == 0 {
			return "", false
		}
	}
	if (scheme == "http" && n == 80) || (scheme == "https" && n == 443) {
		n = 0
	}

	if strings.Contains(name, ":") {
		name = "[" + name + "]"
	}
	if n != 0 {
		name += ":" + strconv.FormatUint(n, 10)
	}
	return name, true
}

// splitAuthority separates host and port. Brackets are stripped from IPv6
// literals; an unbracketed IPv6 address is rejected.
func splitAuthority(authority string) (name, port string, ok bool) {
	if authority == "" {
		return "", "", false
	}
	if rest, found := strings.CutPrefix(authority, "["); found {
		name, after, closed := strings.Cut(rest, "]")
		if !closed || name == "" {
			return "", "", false
		}
		if after == "" {
			return name, "", true
		}
		port, hasPort := strings.CutPrefix(after, ":")
		if !hasPort || port == "" {
			return "", "", false
		}
		return name, port, true
	}

	switch strings.Count(authority, ":") {
	case 0:
		return authority, "", true
	case 1:
		name, port, _ = strings.Cut(authority, ":")
		if name == "" || port == "" {
			return "", "", false
		}
		return name, port, true
	default:
		return "", "", false
	}
}
