// Package dnsresolve implements the Safe DNS Resolver (spec.md §4.4):
// CNAME-chasing resolution that re-validates every hop against the host
// policy before a connection is ever attempted, closing the
// resolve-then-connect DNS-rebinding gap.
package dnsresolve

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/fetchmcp/fetchmcp/internal/errs"
	"github.com/fetchmcp/fetchmcp/internal/hostpolicy"
	"github.com/fetchmcp/fetchmcp/internal/ipguard"
)

// MaxCNAMEDepth bounds CNAME chasing to guard against loops (spec.md §4.4).
const MaxCNAMEDepth = 5

// LookupTimeout bounds a single A/AAAA resolution (spec.md §4.4).
const LookupTimeout = 5 * time.Second

// Resolver is the Safe DNS Resolver. A nil Lookuper falls back to
// net.DefaultResolver.
type Resolver struct {
	Policy   *hostpolicy.Policy
	Lookuper Lookuper
}

// Lookuper abstracts net.Resolver so tests can substitute canned DNS
// answers without touching the network.
type Lookuper interface {
	LookupCNAME(ctx context.Context, host string) (string, error)
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// New builds a Resolver backed by net.DefaultResolver.
func New(policy *hostpolicy.Policy) *Resolver {
	return &Resolver{Policy: policy, Lookuper: net.DefaultResolver}
}

func (r *Resolver) lookuper() Lookuper {
	if r.Lookuper != nil {
		return r.Lookuper
	}
	return net.DefaultResolver
}

// Result is the outcome of a successful resolution.
type Result struct {
	IP    net.IP
	Chain []string // the host plus every CNAME hop visited, in order
}

// ResolveAndValidate implements resolveAndValidate from spec.md §4.4: if
// host is already a literal IP it is validated directly; otherwise the
// resolver chases CNAMEs (depth-bounded, cycle-checked, each hop validated
// against policy) before resolving and validating the final A/AAAA answer.
func (r *Resolver) ResolveAndValidate(ctx context.Context, host string) (Result, error) {
	host = normalizeHost(host)

	if ip := net.ParseIP(host); ip != nil {
		normIP, fam := ipguard.Normalize(host)
		if r.Policy.IsCloudMetadataLiteral(host) || ipguard.IsBlocked(r.Policy, normIP, fam) {
			return Result{}, errs.New(errs.KindBlocked, host, "blocked IP literal: %s", host)
		}
		return Result{IP: ip, Chain: []string{host}}, nil
	}

	if err := r.validateHostLiteral(host); err != nil {
		return Result{}, err
	}

	chain := []string{host}
	seen := map[string]bool{host: true}
	current := host

	for depth := 0; depth < MaxCNAMEDepth; depth++ {
		select {
		case <-ctx.Done():
			return Result{}, errs.Wrap(errs.KindCanceled, host, ctx.Err())
		default:
		}

		cname, err := r.lookuper().LookupCNAME(ctx, current)
		if err != nil {
			if isNoSuchHost(err) {
				break
			}
			// Other CNAME lookup errors (e.g. transient SERVFAIL) are
			// ignored and not logged: fall through to A/AAAA resolution
			// on the current name.
			break
		}
		cname = normalizeHost(cname)
		if cname == "" || cname == current {
			break
		}
		if seen[cname] {
			return Result{}, errs.New(errs.KindBlocked, host, "CNAME cycle detected at %s", cname)
		}
		if err := r.validateHostLiteral(cname); err != nil {
			return Result{}, err
		}
		seen[cname] = true
		chain = append(chain, cname)
		current = cname
	}

	lookupCtx, cancel := context.WithTimeout(ctx, LookupTimeout)
	defer cancel()

	addrs, err := r.lookuper().LookupIPAddr(lookupCtx, current)
	if err != nil {
		if lookupCtx.Err() == context.DeadlineExceeded {
			return Result{}, errs.New(errs.KindTimeout, host, "dns lookup timed out for %s", current)
		}
		if ctx.Err() != nil {
			return Result{}, errs.Wrap(errs.KindCanceled, host, ctx.Err())
		}
		if isNoSuchHost(err) {
			return Result{}, errs.New(errs.KindNoData, host, "no address found for %s", current)
		}
		return Result{}, errs.New(errs.KindInvalidArg, host, "dns resolution failed for %s: %v", current, err)
	}
	if len(addrs) == 0 {
		return Result{}, errs.New(errs.KindNoData, host, "no address found for %s", current)
	}

	for _, addr := range addrs {
		normIP, fam := ipguard.Normalize(addr.IP.String())
		if r.Policy.IsCloudMetadataLiteral(addr.IP.String()) {
			continue
		}
		if ipguard.IsBlocked(r.Policy, normIP, fam) {
			continue
		}
		return Result{IP: addr.IP, Chain: chain}, nil
	}

	return Result{}, errs.New(errs.KindBlocked, host, "all resolved addresses for %s are blocked", current)
}

func (r *Resolver) validateHostLiteral(host string) error {
	if r.Policy.IsCloudMetadataLiteral(host) {
		return errs.New(errs.KindBlocked, host, "blocked host: %s is a cloud metadata endpoint", host)
	}
	if r.Policy.IsBlockedHostLiteral(host) {
		return errs.New(errs.KindBlocked, host, "blocked host: %s", host)
	}
	if r.Policy.HasBlockedSuffix(host) {
		return errs.New(errs.KindBlocked, host, "blocked host suffix: %s", host)
	}
	return nil
}

func normalizeHost(host string) string {
	host = strings.TrimSpace(host)
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	host = strings.ToLower(host)
	for strings.HasSuffix(host, ".") {
		host = strings.TrimSuffix(host, ".")
	}
	return host
}

func isNoSuchHost(err error) bool {
	var dnsErr *net.DNSError
	if e, ok := err.(*net.DNSError); ok {
		dnsErr = e
	}
	if dnsErr != nil {
		return dnsErr.IsNotFound
	}
	return strings.Contains(err.Error(), "no such host")
}
