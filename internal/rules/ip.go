package rules

import (
	"net"
	"strings"
)

// MatchIP evaluates one ip predicate against an address. Supported forms:
// exact ("1.2.3.4"), IPv4 CIDR ("1.2.3.0/24"), hyphen range
// ("1.2.3.1-1.2.3.99") and star wildcard ("1.2.*").
func MatchIP(pattern, addr string) bool {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" || addr == "" {
		return false
	}
	switch {
	case strings.Contains(pattern, "/"):
		_, cidr, err := net.ParseCIDR(pattern)
		if err != nil {
			return false
		}
		ip := net.ParseIP(addr)
		return ip != nil && cidr.Contains(ip)
	case strings.Contains(pattern, "-"):
		return matchIPRange(pattern, addr)
	case strings.Contains(pattern, "*"):
		return MatchGlob(pattern, addr)
	default:
		return pattern == addr
	}
}

func matchIPRange(pattern, addr string) bool {
	parts := strings.SplitN(pattern, "-", 2)
	lo := net.ParseIP(strings.TrimSpace(parts[0]))
	hi := net.ParseIP(strings.TrimSpace(parts[1]))
	ip := net.ParseIP(addr)
	if lo == nil || hi == nil || ip == nil {
		return false
	}
	lo4, hi4, ip4 := lo.To4(), hi.To4(), ip.To4()
	if lo4 == nil || hi4 == nil || ip4 == nil {
		return false
	}
	v := ipv4Value(ip4)
	return v >= ipv4Value(lo4) && v <= ipv4Value(hi4)
}

func ipv4Value(ip net.IP) uint32 {
	return uint32(ip[0])<<24 | uint32(ip[1])<<16 | uint32(ip[2])<<8 | uint32(ip[3])
}
