package util

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/url"
	"regexp"
	"strings"
)

var secretPattern = regexp.MustCompile(`(?i)(secret|password|token|pepper)=([^\s&]+)`)

func RedactSecret(s string) string {
	return secretPattern.ReplaceAllString(s, "$1=[REDACTED]")
}

// RedactURL strips credential-bearing query values so access logs never carry them.
func RedactURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	if u.RawQuery == "" {
		return u.Path
	}
	q := u.Query()
	for k := range q {
		if isSensitiveKey(k) {
			q.Set(k, "[REDACTED]")
		}
	}
	return u.Path + "?" + q.Encode()
}

func RedactIP(ip string) string {
	host, _, err := net.SplitHostPort(ip)
	if err == nil {
		ip = host
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		hash := sha256.Sum256([]byte(ip))
		return "hash:" + hex.EncodeToString(hash[:8])
	}
	if ipv4 := parsed.To4(); ipv4 != nil {
		ipv4[3] = 0
		return ipv4.String()
	}
	ipv6 := parsed.To16()
	for i := 4; i < 16; i++ {
		ipv6[i] = 0
	}
	return ipv6.String()
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	return strings.Contains(lower, "password") ||
		strings.Contains(lower, "token") ||
		strings.Contains(lower, "secret") ||
		strings.Contains(lower, "key")
}
