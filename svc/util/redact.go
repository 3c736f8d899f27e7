package util

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"strings"
)

// RedactIP zeroes the host part of an address for logging: the last octet of
// IPv4, everything past /32 for IPv6. Pseudonymised addresses and anything
// unparsable are logged as a short hash.
func RedactIP(ip string) string {
	if strings.HasPrefix(ip, addrHashPrefix) {
		return "hash:" + shortHash(ip)
	}
	host, _, err := net.SplitHostPort(ip)
	if err == nil {
		ip = host
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return "hash:" + shortHash(ip)
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
func RedactToken(token string) string {
	if len(token) == 0 {
		return ""
	}
	if len(token) <= 8 {
		return "[TOKEN-REDACTED]"
	}
	return token[:4] + "..." + token[len(token)-4:] + "[REDACTED]"
}
func shortHash(s string) string {
	hash := sha256.Sum256([]byte(s))
	return hex.EncodeToString(hash[:8])
}
