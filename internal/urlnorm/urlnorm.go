// Package urlnorm implements the URL Normalizer (spec.md §4.2): parsing,
// validating and canonicalizing inbound URLs and redirect targets.
package urlnorm

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/idna"

	"github.com/fetchmcp/fetchmcp/internal/hostpolicy"
	"github.com/fetchmcp/fetchmcp/internal/ipguard"
)

// ValidationError is raised for every normalization failure named in
// spec.md §4.2. Code is one of the stable taxonomy codes from §4.8.
type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func validationErr(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Code: "VALIDATION_ERROR", Message: fmt.Sprintf(format, args...)}
}

func blockedErr(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Code: "EBLOCKED", Message: fmt.Sprintf(format, args...)}
}

// Result is the Normalized URL entity from spec.md §3.1.
type Result struct {
	NormalizedURL string
	Host          string
}

// DefaultMaxURLLength is used when Normalize is called without an explicit
// limit via NormalizeWithLimit.
const DefaultMaxURLLength = 2048

// Normalize validates and canonicalizes s using the default length limit.
func Normalize(policy *hostpolicy.Policy, s string) (Result, error) {
	return NormalizeWithLimit(policy, s, DefaultMaxURLLength)
}

// NormalizeWithLimit validates and canonicalizes s, enforcing maxLen as the
// total-length invariant from spec.md §3.1.
func NormalizeWithLimit(policy *hostpolicy.Policy, s string, maxLen int) (Result, error) {
	if s == "" {
		return Result{}, validationErr("url must be a non-empty string")
	}
	if maxLen > 0 && len(s) > maxLen {
		return Result{}, validationErr("url exceeds maximum length of %d", maxLen)
	}

	u, err := url.Parse(s)
	if err != nil {
		return Result{}, validationErr("failed to parse url: %v", err)
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return Result{}, validationErr("unsupported scheme %q", u.Scheme)
	}
	u.Scheme = scheme

	if u.User != nil {
		return Result{}, validationErr("url must not contain embedded credentials")
	}

	host := u.Hostname()
	if host == "" {
		return Result{}, validationErr("url must contain a host")
	}

	host, err = canonicalizeHost(host)
	if err != nil {
		return Result{}, validationErr("invalid host: %v", err)
	}

	if policy.IsCloudMetadataLiteral(host) {
		return Result{}, blockedErr("blocked host: %s is a cloud metadata endpoint", host)
	}
	if !policy.AllowLocalFetch && policy.IsBlockedHostLiteral(host) {
		return Result{}, blockedErr("blocked host: %s", host)
	}
	if policy.HasBlockedSuffix(host) {
		return Result{}, blockedErr("blocked host suffix: %s", host)
	}
	if ip := net.ParseIP(host); ip != nil {
		normIP, fam := ipguard.Normalize(host)
		if ipguard.IsBlocked(policy, normIP, fam) {
			return Result{}, blockedErr("blocked IP range: %s", host)
		}
	}

	port := u.Port()
	if port != "" {
		if !isValidPort(port) {
			return Result{}, validationErr("invalid port: %s", port)
		}
	}

	hostForURL := host
	if strings.Contains(host, ":") {
		hostForURL = "[" + host + "]"
	}
	if port != "" {
		u.Host = hostForURL + ":" + port
	} else {
		u.Host = hostForURL
	}

	return Result{NormalizedURL: u.String(), Host: host}, nil
}

// ValidateAndNormalize is the string-only variant used for each redirect
// target (spec.md §4.2).
func ValidateAndNormalize(policy *hostpolicy.Policy, s string) (string, error) {
	res, err := Normalize(policy, s)
	if err != nil {
		return "", err
	}
	return res.NormalizedURL, nil
}

// canonicalizeHost lowercases host, strips trailing dots, and converts IDN
// hostnames to their ASCII (punycode) form using golang.org/x/net/idna,
// matching spec.md §4.2's "IDN hostnames are converted to their ASCII form
// before comparison".
func canonicalizeHost(host string) (string, error) {
	host = strings.ToLower(strings.TrimSpace(host))
	host = strings.TrimSuffix(host, ".")
	for strings.HasSuffix(host, ".") {
		host = strings.TrimSuffix(host, ".")
	}
	if host == "" {
		return "", fmt.Errorf("empty host")
	}
	if net.ParseIP(host) != nil {
		return host, nil
	}
	if !isASCII(host) {
		ascii, err := idna.Lookup.ToASCII(host)
		if err != nil {
			return "", err
		}
		return ascii, nil
	}
	return host, nil
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] > 127 {
			return false
		}
	}
	return true
}

func isValidPort(port string) bool {
	if port == "" {
		return false
	}
	n := 0
	for _, r := range port {
		if r < '0' || r > '9' {
			return false
		}
		n = n*10 + int(r-'0')
		if n > 65535 {
			return false
		}
	}
	return n >= 1 && n <= 65535
}
