package lim

import (
	"net"
	"net/http"
	"runbin/svc/util"
	"strings"
)

const maxForwardedHops = 100

// GetRealIP trusts X-Forwarded-For only when the peer is a trusted proxy,
// and then takes the right-most untrusted hop.
func GetRealIP(r *http.Request, trusted []string) string {
	remote := stripPort(r.RemoteAddr)
	if len(trusted) == 0 || !isTrustedProxy(remote, trusted) {
		return remote
	}
	xff := r.Header.Get("X-Forwarded-For")
	if xff == "" {
		return remote
	}
	rest := xff
	for hops := 0; rest != "" && hops < maxForwardedHops; {
		var hop string
		if i := strings.LastIndexByte(rest, ','); i >= 0 {
			hop, rest = strings.TrimSpace(rest[i+1:]), rest[:i]
		} else {
			hop, rest = strings.TrimSpace(rest), ""
		}
		if hop == "" {
			continue
		}
		hops++
		if net.ParseIP(hop) == nil {
			util.Warn().Str("hop", util.RedactIP(hop)).Msg("invalid X-Forwarded-For entry skipped")
			continue
		}
		if !isTrustedProxy(hop, trusted) {
			return hop
		}
	}
	return remote
}

func isTrustedProxy(ip string, trusted []string) bool {
	parsed := net.ParseIP(ip)
	for _, p := range trusted {
		if ip == p {
			return true
		}
		if strings.Contains(p, "/") && parsed != nil {
			if _, subnet, err := net.ParseCIDR(p); err == nil && subnet.Contains(parsed) {
				return true
			}
		}
	}
	return false
}

func stripPort(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
