package fetchclient

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fetchmcp/fetchmcp/internal/dnsresolve"
	"github.com/fetchmcp/fetchmcp/internal/errs"
	"github.com/fetchmcp/fetchmcp/internal/hostpolicy"
	"github.com/fetchmcp/fetchmcp/internal/urlnorm"
)

// redirectStatuses is the set of HTTP statuses treated as redirects
// (spec.md §4.5).
var redirectStatuses = map[int]bool{
	301: true, 302: true, 303: true, 307: true, 308: true,
}

// FollowResult is fetchWithRedirects' return value: the terminal response
// plus the URL it was ultimately served from.
type FollowResult struct {
	Response *http.Response
	FinalURL string
}

// Follower runs the Redirect Follower state machine (spec.md §4.5).
type Follower struct {
	Policy       *hostpolicy.Policy
	Resolver     *dnsresolve.Resolver
	UserAgent    string
	Timeout      time.Duration
	MaxRedirects int
}

// NewFollower builds a Follower with the given dependencies.
func NewFollower(policy *hostpolicy.Policy, resolver *dnsresolve.Resolver, userAgent string, timeout time.Duration, maxRedirects int) *Follower {
	return &Follower{Policy: policy, Resolver: resolver, UserAgent: userAgent, Timeout: timeout, MaxRedirects: maxRedirects}
}

// FetchWithRedirects implements fetchWithRedirects from spec.md §4.5.
func (f *Follower) FetchWithRedirects(ctx context.Context, startURL string) (FollowResult, error) {
	visited := make(map[string]bool)
	current := startURL
	hop := 0

	for {
		if visited[current] {
			return FollowResult{}, errs.New(errs.KindTooManyRedirects, current, "redirect loop detected")
		}
		visited[current] = true

		u, err := url.Parse(current)
		if err != nil {
			return FollowResult{}, errs.New(errs.KindValidation, current, "failed to parse url: %v", err)
		}

		pinned, err := ResolvePinnedClient(ctx, f.Resolver, f.Policy, current, u.Hostname(), f.Timeout)
		if err != nil {
			return FollowResult{}, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, current, nil)
		if err != nil {
			pinned.Release()
			return FollowResult{}, errs.Wrap(errs.KindNetwork, current, err)
		}
		OutboundHeaders(f.UserAgent).ApplyToRequest(req)

		resp, err := pinned.Do(req)
		if err != nil {
			pinned.Release()
			if ctx.Err() != nil {
				return FollowResult{}, errs.Wrap(errs.KindCanceled, current, ctx.Err())
			}
			return FollowResult{}, errs.Wrap(errs.KindNetwork, current, err)
		}

		if !redirectStatuses[resp.StatusCode] {
			pinned.Release()
			return FollowResult{Response: resp, FinalURL: current}, nil
		}

		loc := resp.Header.Get("Location")
		resp.Body.Close()
		pinned.Release()

		if loc == "" {
			return FollowResult{}, errs.New(errs.KindMissingRedirectLoc, current, "redirect response missing Location header")
		}
		if hop == f.MaxRedirects {
			return FollowResult{}, errs.New(errs.KindTooManyRedirects, current, "exceeded maximum of %d redirects", f.MaxRedirects)
		}

		next, err := resolveRedirectTarget(current, loc)
		if err != nil {
			return FollowResult{}, err
		}

		normalized, err := urlnorm.ValidateAndNormalize(f.Policy, next)
		if err != nil {
			return FollowResult{}, errs.Wrap(errs.KindBlocked, next, err)
		}

		current = normalized
		hop++
	}
}

// resolveRedirectTarget resolves loc against base, rejecting embedded
// credentials and non-http(s) schemes per spec.md §4.5 step 5.
func resolveRedirectTarget(base, loc string) (string, error) {
	baseURL, err := url.Parse(base)
	if err != nil {
		return "", errs.New(errs.KindBadRedirect, base, "cannot parse base url for redirect resolution")
	}
	target, err := baseURL.Parse(loc)
	if err != nil {
		return "", errs.New(errs.KindBadRedirect, base, "cannot resolve redirect location %q", loc)
	}
	if target.User != nil {
		return "", errs.New(errs.KindBadRedirect, target.String(), "redirect target must not contain embedded credentials")
	}
	scheme := strings.ToLower(target.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", errs.New(errs.KindUnsupportedProtocol, target.String(), "unsupported redirect scheme %q", target.Scheme)
	}
	return target.String(), nil
}
