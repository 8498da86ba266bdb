// Package ipguard classifies IP literals against the process-wide
// hostpolicy.Policy (spec.md §4.1). It is a leaf helper with no references
// to the URL Normalizer or Safe DNS Resolver.
package ipguard

import (
	"net"
	"strings"

	"github.com/fetchmcp/fetchmcp/internal/hostpolicy"
)

// Family identifies whether a normalized IP is IPv4 or IPv6.
type Family int

const (
	// FamilyNone indicates Normalize could not parse the literal as an IP.
	FamilyNone Family = iota
	FamilyV4
	FamilyV6
)

// Normalize lowercases ipLiteral, strips an IPv6 zone id, and collapses an
// IPv4-mapped IPv6 address (::ffff:A.B.C.D) to the embedded IPv4 address.
// Returns FamilyNone if the literal does not parse as an IP.
func Normalize(ipLiteral string) (net.IP, Family) {
	s := strings.TrimSpace(ipLiteral)
	if s == "" {
		return nil, FamilyNone
	}
	s = strings.ToLower(s)
	if idx := strings.IndexByte(s, '%'); idx != -1 {
		s = s[:idx]
	}
	s = strings.TrimPrefix(s, "[")
	s = strings.TrimSuffix(s, "]")

	ip := net.ParseIP(s)
	if ip == nil {
		return nil, FamilyNone
	}
	if v4 := ip.To4(); v4 != nil {
		return v4, FamilyV4
	}
	return ip, FamilyV6
}

// IsBlocked reports whether ip (already normalized) is blocked: it falls
// inside a blocked CIDR, it is a cloud-metadata literal, or it appears in
// the process blocked-hosts set. Cloud-metadata literals are always
// enforced, even when policy.AllowLocalFetch is set (spec.md §4.1).
func IsBlocked(policy *hostpolicy.Policy, ip net.IP, family Family) bool {
	if family == FamilyNone || ip == nil {
		return false
	}
	literal := ip.String()
	if policy.IsCloudMetadataLiteral(literal) {
		return true
	}
	if policy.IsBlockedHostLiteral(literal) {
		return true
	}
	return policy.IsBlockedCIDR(ip)
}
