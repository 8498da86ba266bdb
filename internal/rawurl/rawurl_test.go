package rawurl

import "testing"

func TestRewriteGithubBlob(t *testing.T) {
	r := Rewrite("https://github.com/owner/repo/blob/main/dir/file.go")
	if !r.Transformed {
		t.Fatalf("expected transform")
	}
	want := "https://raw.githubusercontent.com/owner/repo/main/dir/file.go"
	if r.URL != want {
		t.Fatalf("URL = %q, want %q", r.URL, want)
	}
}

func TestRewriteGist(t *testing.T) {
	r := Rewrite("https://gist.github.com/user/abcdef123#file-main-go")
	if !r.Transformed {
		t.Fatalf("expected transform")
	}
	want := "https://gist.githubusercontent.com/user/abcdef123/raw/main-go"
	if r.URL != want {
		t.Fatalf("URL = %q, want %q", r.URL, want)
	}
}

func TestRewriteGistNoFragment(t *testing.T) {
	r := Rewrite("https://gist.github.com/user/abcdef123")
	want := "https://gist.githubusercontent.com/user/abcdef123/raw"
	if r.URL != want {
		t.Fatalf("URL = %q, want %q", r.URL, want)
	}
}

func TestRewriteGitlabBlob(t *testing.T) {
	r := Rewrite("https://gitlab.com/group/sub/project/-/blob/main/README.md")
	want := "https://gitlab.com/group/sub/project/-/raw/main/README.md"
	if r.URL != want {
		t.Fatalf("URL = %q, want %q", r.URL, want)
	}
}

func TestRewriteBitbucketSrc(t *testing.T) {
	r := Rewrite("https://bitbucket.org/owner/repo/src/main/file.txt")
	want := "https://bitbucket.org/owner/repo/raw/main/file.txt"
	if r.URL != want {
		t.Fatalf("URL = %q, want %q", r.URL, want)
	}
}

func TestPassthroughAlreadyRaw(t *testing.T) {
	for _, u := range []string{
		"https://raw.githubusercontent.com/owner/repo/main/file.go",
		"https://gist.githubusercontent.com/user/id/raw/file.go",
		"https://gitlab.com/group/project/-/raw/main/README.md",
		"https://bitbucket.org/owner/repo/raw/main/file.txt",
	} {
		r := Rewrite(u)
		if r.Transformed {
			t.Errorf("expected %s to pass through unchanged", u)
		}
		if r.URL != u {
			t.Errorf("URL mutated for passthrough input: %s -> %s", u, r.URL)
		}
	}
}

func TestRewriteIdempotent(t *testing.T) {
	inputs := []string{
		"https://github.com/owner/repo/blob/main/dir/file.go",
		"https://gist.github.com/user/abcdef123#file-main-go",
		"https://gitlab.com/group/project/-/blob/main/README.md",
		"https://bitbucket.org/owner/repo/src/main/file.txt",
		"https://example.com/not/a/known/pattern",
	}
	for _, in := range inputs {
		first := Rewrite(in)
		second := Rewrite(first.URL)
		if second.Transformed {
			t.Errorf("Rewrite(Rewrite(%q).URL) should not transform again, got %q", in, second.URL)
		}
	}
}

func TestRewriteUnrecognizedURLUnchanged(t *testing.T) {
	in := "https://example.com/some/page"
	r := Rewrite(in)
	if r.Transformed || r.URL != in {
		t.Fatalf("expected unrecognized URL to pass through unchanged, got %+v", r)
	}
}
