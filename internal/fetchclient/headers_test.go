package fetchclient

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestOutboundHeadersSetsUserAgent(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "https://example.com/", nil)
	OutboundHeaders("fetchmcp/1.0").ApplyToRequest(req)
	if got := req.Header.Get("User-Agent"); got != "fetchmcp/1.0" {
		t.Fatalf("User-Agent = %q", got)
	}
	if req.Header.Get("Accept") == "" {
		t.Fatalf("expected Accept header to be set")
	}
}

func TestOrderedHeaderSetReplacesDuplicates(t *testing.T) {
	h := &OrderedHeader{}
	h.Add("X-Test", "one")
	h.Add("X-Test", "two")
	h.Set("X-Test", "three")
	req := httptest.NewRequest(http.MethodGet, "https://example.com/", nil)
	h.ApplyToRequest(req)
	vals := req.Header["X-Test"]
	if len(vals) != 1 || vals[0] != "three" {
		t.Fatalf("vals = %v", vals)
	}
}
