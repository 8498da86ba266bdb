package fetchclient

import "net/http"

// headerEntry stores a single header key/value pair with its original
// casing, so the outbound request presents headers in a deterministic,
// caller-chosen order rather than Go's unordered http.Header map order.
type headerEntry struct {
	key   string
	value string
}

// OrderedHeader applies a fixed, honest set of outbound headers in a
// deterministic order. It exists so request construction reads the same way
// on every call, which matters for reproducing telemetry and tests; it is
// not used to disguise the client's identity.
type OrderedHeader struct {
	entries []headerEntry
}

// Add appends key/value to the header list, preserving the exact casing of
// key.
func (h *OrderedHeader) Add(key, value string) {
	h.entries = append(h.entries, headerEntry{key: key, value: value})
}

// Set replaces the first entry whose key matches key (case-insensitively)
// and removes any subsequent duplicates.
func (h *OrderedHeader) Set(key, value string) {
	canonKey := http.CanonicalHeaderKey(key)
	replaced := false
	out := h.entries[:0]
	for _, e := range h.entries {
		if http.CanonicalHeaderKey(e.key) == canonKey {
			if !replaced {
				out = append(out, headerEntry{key: key, value: value})
				replaced = true
			}
		} else {
			out = append(out, e)
		}
	}
	if !replaced {
		out = append(out, headerEntry{key: key, value: value})
	}
	h.entries = out
}

// ApplyToRequest writes every entry into req.Header in insertion order.
func (h *OrderedHeader) ApplyToRequest(req *http.Request) {
	req.Header = make(http.Header, len(h.entries))
	for _, e := range h.entries {
		req.Header[http.CanonicalHeaderKey(e.key)] = append(req.Header[http.CanonicalHeaderKey(e.key)], e.value)
	}
}

// OutboundHeaders builds the outbound header set named in spec.md §6.4:
// User-Agent, Accept, Accept-Language. Accept-Encoding and Connection are
// deliberately left unset — they're forbidden Fetch-spec request headers
// and the transport manages them.
func OutboundHeaders(userAgent string) *OrderedHeader {
	h := &OrderedHeader{}
	h.Add("User-Agent", userAgent)
	h.Add("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	h.Add("Accept-Language", "en-US,en;q=0.9")
	return h
}
