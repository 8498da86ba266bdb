// Package hostpolicy defines the process-wide, read-only blocked-host
// policy shared by the IP Guard, URL Normalizer and Safe DNS Resolver
// (spec.md §3.1, §9 "Cyclic graph of collaborators"). The three components
// never reference each other directly; they each hold a reference to the
// same immutable Policy value and the IP Guard's exported functions are
// called as a leaf helper.
package hostpolicy

import (
	"net"
	"os"
	"strconv"
	"strings"
)

// Policy is the process-wide blocked-host configuration. It is built once
// at startup (via Default or FromEnv) and never mutated afterwards.
type Policy struct {
	// BlockedHosts is the set of exact host literals that are always
	// rejected (localhost, 0.0.0.0, 127.0.0.1, ::1, cloud metadata
	// hostnames, instance-data).
	BlockedHosts map[string]struct{}

	// BlockedSuffixes is the set of DNS suffixes that are always rejected
	// (.local, .internal).
	BlockedSuffixes []string

	// CloudMetadataLiterals is the set of IP/host literals that identify
	// cloud-provider metadata endpoints. These remain blocked even when
	// AllowLocalFetch permits other private ranges.
	CloudMetadataLiterals map[string]struct{}

	// BlockedCIDRs is the set of CIDR ranges blocked unless AllowLocalFetch
	// is set (cloud-metadata literals are still checked separately).
	BlockedCIDRs []*net.IPNet

	// AllowLocalFetch mirrors the ALLOW_LOCAL_FETCH env flag: when true,
	// private ranges in BlockedCIDRs are permitted, but CloudMetadataLiterals
	// is still enforced.
	AllowLocalFetch bool
}

var defaultBlockedHostLiterals = []string{
	"localhost",
	"0.0.0.0",
	"127.0.0.1",
	"::1",
	"metadata.google.internal",
	"metadata.goog",
	"instance-data",
	"instance-data.ec2.internal",
}

var defaultCloudMetadataLiterals = []string{
	"169.254.169.254",     // AWS / Azure / GCP / DigitalOcean metadata
	"100.100.100.200",     // Alibaba Cloud metadata
	"metadata.google.internal",
	"metadata.goog",
	"fd00:ec2::254", // AWS IMDSv2 IPv6 metadata endpoint
}

var defaultBlockedSuffixes = []string{
	".local",
	".internal",
}

// defaultCIDRs lists every range named in spec.md §3.1's Blocked-host policy.
var defaultCIDRs = []string{
	// IPv4
	"10.0.0.0/8",     // RFC 1918
	"172.16.0.0/12",  // RFC 1918
	"192.168.0.0/16", // RFC 1918
	"100.64.0.0/10",  // CGNAT
	"169.254.0.0/16", // link-local
	"127.0.0.0/8",    // loopback
	"224.0.0.0/4",    // multicast
	"240.0.0.0/4",    // reserved
	"0.0.0.0/8",      // "this network" / unspecified-ish, routes to localhost
	// IPv6
	"::1/128",        // loopback
	"::/128",         // unspecified
	"fc00::/7",       // unique local
	"fe80::/10",      // link-local
	"ff00::/8",       // multicast
	"2001::/32",      // documentation range, as specified
	"2002::/16",      // 6to4
	"64:ff9b::/96",   // NAT64 well-known prefix
	"64:ff9b:1::/48", // NAT64 local-use prefix
}

// Default builds the Policy described in spec.md §3.1 with AllowLocalFetch
// left at its zero value (false).
func Default() *Policy {
	return build(false)
}

// FromEnv builds the Policy honouring the ALLOW_LOCAL_FETCH environment
// variable, matching spec.md §6.3.
func FromEnv() *Policy {
	allow, _ := strconv.ParseBool(strings.TrimSpace(os.Getenv("ALLOW_LOCAL_FETCH")))
	return build(allow)
}

func build(allowLocal bool) *Policy {
	p := &Policy{
		BlockedHosts:          toSet(defaultBlockedHostLiterals),
		BlockedSuffixes:       append([]string(nil), defaultBlockedSuffixes...),
		CloudMetadataLiterals: toSet(defaultCloudMetadataLiterals),
		AllowLocalFetch:       allowLocal,
	}
	for _, cidr := range defaultCIDRs {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			continue
		}
		p.BlockedCIDRs = append(p.BlockedCIDRs, ipNet)
	}
	return p
}

func toSet(items []string) map[string]struct{} {
	m := make(map[string]struct{}, len(items))
	for _, it := range items {
		m[strings.ToLower(it)] = struct{}{}
	}
	return m
}

// IsBlockedHostLiteral reports whether host (already lowercased, trailing
// dots stripped) matches the exact blocked-host set.
func (p *Policy) IsBlockedHostLiteral(host string) bool {
	_, ok := p.BlockedHosts[host]
	return ok
}

// IsCloudMetadataLiteral reports whether host or ip literal identifies a
// cloud-metadata endpoint. Always enforced, regardless of AllowLocalFetch.
func (p *Policy) IsCloudMetadataLiteral(hostOrIP string) bool {
	_, ok := p.CloudMetadataLiterals[strings.ToLower(hostOrIP)]
	return ok
}

// HasBlockedSuffix reports whether host ends with one of the blocked DNS
// suffixes (e.g. ".local", ".internal").
func (p *Policy) HasBlockedSuffix(host string) bool {
	for _, suffix := range p.BlockedSuffixes {
		if strings.HasSuffix(host, suffix) {
			return true
		}
	}
	return false
}

// IsBlockedCIDR reports whether ip falls inside one of the blocked CIDR
// ranges. Honours AllowLocalFetch (private ranges become permitted, cloud
// metadata is checked separately by the caller).
func (p *Policy) IsBlockedCIDR(ip net.IP) bool {
	if p.AllowLocalFetch {
		return false
	}
	for _, cidr := range p.BlockedCIDRs {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}
