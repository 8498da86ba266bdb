// Package adapters defines the external seams spec.md §1 places outside the
// core: HTML-to-markdown conversion, noise removal, inbound auth
// verification, and the MCP transport-session abstraction. Each interface
// ships a deterministic default implementation so the Tool Dispatcher and
// transport layer have something real to run against; operators wire in a
// richer implementation (a markdown-rendering library, a readability
// extractor, an auth provider) without the core depending on any of them
// directly.
package adapters

import (
	"context"
	"regexp"
	"strings"
)

// MarkdownConverter turns fetched HTML into markdown. The default
// implementation is a conservative tag-stripper, not a full HTML parser;
// it exists so the pipeline is exercisable without pulling in a rendering
// dependency the core does not otherwise need.
type MarkdownConverter interface {
	Convert(ctx context.Context, html string) (string, error)
}

var tagPattern = regexp.MustCompile(`(?s)<[^>]*>`)
var scriptStylePattern = regexp.MustCompile(`(?is)<script[^>]*>.*?</\s*script\s*>|<style[^>]*>.*?</\s*style\s*>`)
var whitespacePattern = regexp.MustCompile(`\n{3,}`)

// PlainTextConverter strips tags instead of rendering real markdown
// structure; it is the passthrough default described in spec.md §1's
// "HTML to markdown conversion" non-goal.
type PlainTextConverter struct{}

func (PlainTextConverter) Convert(_ context.Context, html string) (string, error) {
	stripped := scriptStylePattern.ReplaceAllString(html, "")
	stripped = tagPattern.ReplaceAllString(stripped, "")
	stripped = whitespacePattern.ReplaceAllString(stripped, "\n\n")
	return strings.TrimSpace(stripped), nil
}

// NoiseRemover strips boilerplate (navigation, ads, cookie banners) from
// converted content before caching. The default is a no-op passthrough.
type NoiseRemover interface {
	Remove(ctx context.Context, content string) (string, error)
}

// PassthroughNoiseRemover implements NoiseRemover without performing any
// extraction; wiring in a readability-style extractor is left to operators.
type PassthroughNoiseRemover struct{}

func (PassthroughNoiseRemover) Remove(_ context.Context, content string) (string, error) {
	return content, nil
}

// AuthVerifier validates inbound bearer credentials for the MCP transport.
// The default AllowAll implementation matches spec.md §1's "auth is out of
// core scope" non-goal; production deployments supply a real verifier.
type AuthVerifier interface {
	Verify(ctx context.Context, bearerToken string) (principal string, err error)
}

// AllowAllVerifier accepts every request and reports an empty principal.
type AllowAllVerifier struct{}

func (AllowAllVerifier) Verify(_ context.Context, _ string) (string, error) {
	return "", nil
}

// TransportSession abstracts the long-lived duplex channel an MCP HTTP/SSE
// session holds, so the Session Store holds an interface value rather than
// a concrete transport type.
type TransportSession interface {
	Send(ctx context.Context, event string, payload []byte) error
	Close() error
}
