package fetchclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fetchmcp/fetchmcp/internal/dnsresolve"
	"github.com/fetchmcp/fetchmcp/internal/errs"
	"github.com/fetchmcp/fetchmcp/internal/hostpolicy"
)

func allowLocalPolicy() *hostpolicy.Policy {
	p := hostpolicy.Default()
	p.AllowLocalFetch = true
	return p
}

func TestFollowerFollowsOneRedirect(t *testing.T) {
	final := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("landed"))
	}))
	defer final.Close()

	start := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, final.URL, http.StatusFound)
	}))
	defer start.Close()

	policy := allowLocalPolicy()
	follower := NewFollower(policy, dnsresolve.New(policy), "test-agent/1.0", 5*time.Second, 5)

	result, err := follower.FetchWithRedirects(context.Background(), start.URL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer result.Response.Body.Close()
	if result.FinalURL != final.URL+"/" && result.FinalURL != final.URL {
		t.Fatalf("FinalURL = %q, want %q", result.FinalURL, final.URL)
	}
	if result.Response.StatusCode != 200 {
		t.Fatalf("StatusCode = %d", result.Response.StatusCode)
	}
}

func TestFollowerRejectsMissingLocation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusFound) // no Location
	}))
	defer srv.Close()

	policy := allowLocalPolicy()
	follower := NewFollower(policy, dnsresolve.New(policy), "test-agent/1.0", 5*time.Second, 5)

	_, err := follower.FetchWithRedirects(context.Background(), srv.URL)
	fe, ok := errs.As(err)
	if !ok || fe.Kind != errs.KindMissingRedirectLoc {
		t.Fatalf("expected KindMissingRedirectLoc, got %v", err)
	}
}

func TestFollowerRejectsTooManyRedirects(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, srv.URL+"/next", http.StatusFound)
	}))
	defer srv.Close()

	policy := allowLocalPolicy()
	follower := NewFollower(policy, dnsresolve.New(policy), "test-agent/1.0", 5*time.Second, 2)

	_, err := follower.FetchWithRedirects(context.Background(), srv.URL)
	fe, ok := errs.As(err)
	if !ok || (fe.Kind != errs.KindTooManyRedirects) {
		t.Fatalf("expected KindTooManyRedirects, got %v", err)
	}
}

func TestFollowerRejectsNonHTTPRedirectTarget(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "javascript:alert(1)")
		w.WriteHeader(http.StatusFound)
	}))
	defer srv.Close()

	policy := allowLocalPolicy()
	follower := NewFollower(policy, dnsresolve.New(policy), "test-agent/1.0", 5*time.Second, 5)

	_, err := follower.FetchWithRedirects(context.Background(), srv.URL)
	fe, ok := errs.As(err)
	if !ok || fe.Kind != errs.KindUnsupportedProtocol {
		t.Fatalf("expected KindUnsupportedProtocol, got %v", err)
	}
}
