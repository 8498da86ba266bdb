package errs

import (
	"errors"
	"testing"
	"time"
)

func TestCodeAndStatus(t *testing.T) {
	e := New(KindBlocked, "http://example.com", "blocked host")
	if e.Code() != "EBLOCKED" {
		t.Fatalf("Code() = %q", e.Code())
	}
	if e.Status() != 400 {
		t.Fatalf("Status() = %d", e.Status())
	}
}

func TestDetailsFallsBackToReason(t *testing.T) {
	e := New(KindNetwork, "http://example.com", "dial failed")
	d := e.Details()
	if d.Code != "" {
		t.Fatalf("expected no code for network errors, got %q", d.Code)
	}
	if d.Reason != "network" {
		t.Fatalf("Reason = %q", d.Reason)
	}
}

func TestDetailsRetryAfterOnlyForRateLimited(t *testing.T) {
	e := &FetchError{Kind: KindRateLimited, RetryAfter: 30}
	if e.Details().RetryAfter != 30 {
		t.Fatalf("expected RetryAfter propagated")
	}
	e2 := New(KindBlocked, "", "x")
	if e2.Details().RetryAfter != 0 {
		t.Fatalf("expected zero RetryAfter for non-rate-limited kind")
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("boom")
	e := Wrap(KindNetwork, "http://example.com", cause)
	if !errors.Is(e, cause) {
		t.Fatalf("expected errors.Is to find wrapped cause")
	}
}

func TestAs(t *testing.T) {
	var err error = New(KindTimeout, "u", "slow")
	fe, ok := As(err)
	if !ok || fe.Kind != KindTimeout {
		t.Fatalf("As failed: %v %v", fe, ok)
	}
}

func TestParseRetryAfterSeconds(t *testing.T) {
	now := time.Now()
	if got := ParseRetryAfter("30", now); got != 30 {
		t.Fatalf("got %d, want 30", got)
	}
	if got := ParseRetryAfter("-5", now); got != 0 {
		t.Fatalf("got %d, want 0", got)
	}
}

func TestParseRetryAfterMissingDefaultsTo60(t *testing.T) {
	now := time.Now()
	if got := ParseRetryAfter("", now); got != 60 {
		t.Fatalf("got %d, want 60", got)
	}
	if got := ParseRetryAfter("not-a-date", now); got != 60 {
		t.Fatalf("got %d, want 60", got)
	}
}

func TestParseRetryAfterHTTPDate(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	future := now.Add(90 * time.Second).UTC().Format(time.RFC1123)
	// Go formats a UTC time under time.RFC1123 with the "UTC" abbreviation, not "GMT".
	got := ParseRetryAfter(future, now)
	if got < 89 || got > 91 {
		t.Fatalf("got %d, want ~90", got)
	}
}

func TestParseRetryAfterPastDateClampsToZero(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	past := now.Add(-90 * time.Second).UTC().Format(time.RFC1123)
	if got := ParseRetryAfter(past, now); got != 0 {
		t.Fatalf("got %d, want 0", got)
	}
}
