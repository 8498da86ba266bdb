// Package rawurl implements the Raw-URL Transformer (spec.md §4.3): pure,
// advisory rewrites of well-known source-hosting "view" URLs to their raw
// content equivalents. The transformer never skips normalization or DNS
// validation — callers always run the output back through urlnorm.
package rawurl

import (
	"net/url"
	"strings"
)

// Result describes a rewrite outcome.
type Result struct {
	URL         string
	Transformed bool
	Platform    string
}

// passthroughMarkers identifies URLs that are already raw; the transformer
// leaves these unchanged.
func isAlreadyRaw(host, path string) bool {
	switch {
	case host == "raw.githubusercontent.com":
		return true
	case host == "gist.githubusercontent.com":
		return true
	case strings.Contains(path, "/-/raw/"):
		return true
	case hostIsBitbucket(host) && strings.Contains(path, "/raw/"):
		return true
	}
	return false
}

func hostIsBitbucket(host string) bool { return host == "bitbucket.org" }

// Rewrite applies the first matching pattern from spec.md §4.3 and returns
// the rewritten URL. If no pattern matches, or the URL already looks raw,
// Result.Transformed is false and Result.URL echoes the input.
func Rewrite(rawURL string) Result {
	u, err := url.Parse(rawURL)
	if err != nil {
		return Result{URL: rawURL, Transformed: false}
	}
	host := strings.ToLower(u.Hostname())
	path := u.Path

	if isAlreadyRaw(host, path) {
		return Result{URL: rawURL, Transformed: false}
	}

	switch {
	case host == "github.com":
		if out, ok := rewriteGithubBlob(u); ok {
			return Result{URL: out, Transformed: true, Platform: "github"}
		}
	case host == "gist.github.com":
		if out, ok := rewriteGist(u); ok {
			return Result{URL: out, Transformed: true, Platform: "gist"}
		}
	case host == "gitlab.com" || strings.HasSuffix(host, ".gitlab.com"):
		if out, ok := rewriteGitlabBlob(u); ok {
			return Result{URL: out, Transformed: true, Platform: "gitlab"}
		}
	case host == "bitbucket.org":
		if out, ok := rewriteBitbucketSrc(u); ok {
			return Result{URL: out, Transformed: true, Platform: "bitbucket"}
		}
	}

	return Result{URL: rawURL, Transformed: false}
}

// rewriteGithubBlob matches github.com/:owner/:repo/blob/:branch/:path+ →
// raw.githubusercontent.com/:owner/:repo/:branch/:path+.
func rewriteGithubBlob(u *url.URL) (string, bool) {
	segs := splitPath(u.Path)
	// owner, repo, "blob", branch, path...
	if len(segs) < 5 || segs[2] != "blob" {
		return "", false
	}
	owner, repo, branch := segs[0], segs[1], segs[3]
	rest := strings.Join(segs[4:], "/")
	out := *u
	out.Host = "raw.githubusercontent.com"
	out.Path = "/" + strings.Join([]string{owner, repo, branch, rest}, "/")
	return out.String(), true
}

// rewriteGist matches gist.github.com/:user/:id(#file-…)? →
// gist.githubusercontent.com/:user/:id/raw[/:file].
func rewriteGist(u *url.URL) (string, bool) {
	segs := splitPath(u.Path)
	if len(segs) < 2 {
		return "", false
	}
	user, id := segs[0], segs[1]
	out := *u
	out.Host = "gist.githubusercontent.com"
	path := "/" + user + "/" + id + "/raw"
	if file := gistFileFromFragment(u.Fragment); file != "" {
		path += "/" + file
	}
	out.Path = path
	out.Fragment = ""
	return out.String(), true
}

func gistFileFromFragment(fragment string) string {
	const prefix = "file-"
	if !strings.HasPrefix(fragment, prefix) {
		return ""
	}
	return strings.TrimPrefix(fragment, prefix)
}

// rewriteGitlabBlob matches gitlab.com[/any-subhost]/:base+/-/blob/:branch/:path+
// → same origin with /-/blob/ replaced by /-/raw/.
func rewriteGitlabBlob(u *url.URL) (string, bool) {
	if !strings.Contains(u.Path, "/-/blob/") {
		return "", false
	}
	out := *u
	out.Path = strings.Replace(u.Path, "/-/blob/", "/-/raw/", 1)
	return out.String(), true
}

// rewriteBitbucketSrc matches bitbucket.org/:owner/:repo/src/:branch/:path+
// → same origin with /src/ replaced by /raw/.
func rewriteBitbucketSrc(u *url.URL) (string, bool) {
	segs := splitPath(u.Path)
	if len(segs) < 4 || segs[2] != "src" {
		return "", false
	}
	out := *u
	out.Path = strings.Replace(u.Path, "/src/", "/raw/", 1)
	return out.String(), true
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}
