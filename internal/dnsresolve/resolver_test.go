package dnsresolve

import (
	"context"
	"net"
	"testing"

	"github.com/fetchmcp/fetchmcp/internal/errs"
	"github.com/fetchmcp/fetchmcp/internal/hostpolicy"
)

type fakeLookuper struct {
	cnames map[string]string
	addrs  map[string][]net.IPAddr
}

func (f *fakeLookuper) LookupCNAME(ctx context.Context, host string) (string, error) {
	if c, ok := f.cnames[host]; ok {
		return c, nil
	}
	return "", &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
}

func (f *fakeLookuper) LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error) {
	if a, ok := f.addrs[host]; ok {
		return a, nil
	}
	return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
}

func TestResolveAndValidateLiteralIP(t *testing.T) {
	r := &Resolver{Policy: hostpolicy.Default(), Lookuper: &fakeLookuper{}}
	res, err := r.ResolveAndValidate(context.Background(), "93.184.216.34")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.IP.String() != "93.184.216.34" {
		t.Fatalf("IP = %v", res.IP)
	}
}

func TestResolveAndValidateBlockedLiteralIP(t *testing.T) {
	r := &Resolver{Policy: hostpolicy.Default(), Lookuper: &fakeLookuper{}}
	if _, err := r.ResolveAndValidate(context.Background(), "127.0.0.1"); err == nil {
		t.Fatalf("expected blocked error")
	}
}

func TestResolveAndValidateFollowsCNAME(t *testing.T) {
	fl := &fakeLookuper{
		cnames: map[string]string{"alias.example": "target.example"},
		addrs:  map[string][]net.IPAddr{"target.example": {{IP: net.ParseIP("93.184.216.34")}}},
	}
	r := &Resolver{Policy: hostpolicy.Default(), Lookuper: fl}
	res, err := r.ResolveAndValidate(context.Background(), "alias.example")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.IP.String() != "93.184.216.34" {
		t.Fatalf("IP = %v", res.IP)
	}
	if len(res.Chain) != 2 || res.Chain[0] != "alias.example" || res.Chain[1] != "target.example" {
		t.Fatalf("Chain = %v", res.Chain)
	}
}

func TestResolveAndValidateRejectsCNAMEToBlockedHost(t *testing.T) {
	fl := &fakeLookuper{
		cnames: map[string]string{"evil.example": "metadata.google.internal"},
	}
	r := &Resolver{Policy: hostpolicy.Default(), Lookuper: fl}
	if _, err := r.ResolveAndValidate(context.Background(), "evil.example"); err == nil {
		t.Fatalf("expected blocked error for CNAME to metadata host")
	}
}

func TestResolveAndValidateDetectsCNAMECycle(t *testing.T) {
	fl := &fakeLookuper{
		cnames: map[string]string{
			"a.example": "b.example",
			"b.example": "a.example",
		},
	}
	r := &Resolver{Policy: hostpolicy.Default(), Lookuper: fl}
	if _, err := r.ResolveAndValidate(context.Background(), "a.example"); err == nil {
		t.Fatalf("expected cycle detection error")
	}
}

func TestResolveAndValidateRejectsBlockedResolvedAddress(t *testing.T) {
	fl := &fakeLookuper{
		addrs: map[string][]net.IPAddr{"evil.example": {{IP: net.ParseIP("169.254.169.254")}}},
	}
	r := &Resolver{Policy: hostpolicy.Default(), Lookuper: fl}
	if _, err := r.ResolveAndValidate(context.Background(), "evil.example"); err == nil {
		t.Fatalf("expected blocked error for resolved cloud metadata address")
	}
}

func TestResolveAndValidateSkipsBlockedPicksAllowedAddress(t *testing.T) {
	fl := &fakeLookuper{
		addrs: map[string][]net.IPAddr{"multi.example": {
			{IP: net.ParseIP("127.0.0.1")},
			{IP: net.ParseIP("93.184.216.34")},
		}},
	}
	r := &Resolver{Policy: hostpolicy.Default(), Lookuper: fl}
	res, err := r.ResolveAndValidate(context.Background(), "multi.example")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.IP.String() != "93.184.216.34" {
		t.Fatalf("IP = %v, want the allowed address", res.IP)
	}
}

func TestResolveAndValidateNoData(t *testing.T) {
	fl := &fakeLookuper{}
	r := &Resolver{Policy: hostpolicy.Default(), Lookuper: fl}
	if _, err := r.ResolveAndValidate(context.Background(), "unknown.example"); err == nil {
		t.Fatalf("expected no-data error")
	}
}

func TestResolveAndValidateRejectsBlockedHostLiteralBeforeLookup(t *testing.T) {
	r := &Resolver{Policy: hostpolicy.Default(), Lookuper: &fakeLookuper{}}
	if _, err := r.ResolveAndValidate(context.Background(), "localhost"); err == nil {
		t.Fatalf("expected blocked error")
	}
}

// countingLookuper wraps fakeLookuper to record whether a lookup was ever
// attempted, so tests can assert a host was rejected pre-lookup rather than
// merely ending in some error.
type countingLookuper struct {
	fakeLookuper
	cnameCalls int
	addrCalls  int
}

func (c *countingLookuper) LookupCNAME(ctx context.Context, host string) (string, error) {
	c.cnameCalls++
	return c.fakeLookuper.LookupCNAME(ctx, host)
}

func (c *countingLookuper) LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error) {
	c.addrCalls++
	return c.fakeLookuper.LookupIPAddr(ctx, host)
}

// TestResolveAndValidateRejectsBlockedHostLiteralEvenWithAllowLocalFetch
// covers spec.md §8 testable property #2: blocked-host-literal names like
// "localhost" and "instance-data" must be rejected before any A/AAAA lookup
// regardless of ALLOW_LOCAL_FETCH — only CIDR containment is relaxed by
// that flag, not the literal/suffix blocklist.
func TestResolveAndValidateRejectsBlockedHostLiteralEvenWithAllowLocalFetch(t *testing.T) {
	policy := hostpolicy.Default()
	policy.AllowLocalFetch = true

	for _, host := range []string{"localhost", "instance-data"} {
		cl := &countingLookuper{}
		r := &Resolver{Policy: policy, Lookuper: cl}

		_, err := r.ResolveAndValidate(context.Background(), host)
		if err == nil {
			t.Fatalf("host %q: expected blocked error even with AllowLocalFetch=true", host)
		}
		fe, ok := errs.As(err)
		if !ok || fe.Kind != errs.KindBlocked {
			t.Fatalf("host %q: error = %v, want a KindBlocked FetchError", host, err)
		}
		if cl.cnameCalls != 0 || cl.addrCalls != 0 {
			t.Fatalf("host %q: expected no DNS lookups before the blocked-host-literal check, got cnameCalls=%d addrCalls=%d", host, cl.cnameCalls, cl.addrCalls)
		}
	}
}
