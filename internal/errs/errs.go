// Package errs implements the closed error taxonomy from spec.md §4.8: a
// stable set of error kinds with HTTP-status equivalents and string codes,
// used to classify every failure raised by the fetch pipeline.
package errs

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Kind is one member of the closed taxonomy in spec.md §4.8.
type Kind string

const (
	KindCanceled             Kind = "canceled"
	KindAbortedDuringRead    Kind = "aborted_during_read"
	KindTimeout              Kind = "timeout"
	KindRateLimited          Kind = "rate_limited"
	KindHTTPError            Kind = "http_error"
	KindTooManyRedirects     Kind = "too_many_redirects"
	KindMissingRedirectLoc   Kind = "missing_redirect_location"
	KindNetwork              Kind = "network"
	KindValidation           Kind = "validation"
	KindBlocked              Kind = "blocked"
	KindBadRedirect          Kind = "bad_redirect"
	KindNoData               Kind = "no_data"
	KindInvalidArg           Kind = "invalid_arg"
	KindUnsupportedEncoding  Kind = "unsupported_content_encoding"
	KindBinaryContent        Kind = "binary_content_detected"
	KindUnsupportedProtocol  Kind = "unsupported_redirect_protocol"
	KindUnknown              Kind = "unknown"
)

// codeFor maps a Kind to its stable string code (spec.md §4.8 table);
// Kinds without a dedicated code return "".
var codeFor = map[Kind]string{
	KindValidation:          "VALIDATION_ERROR",
	KindBlocked:             "EBLOCKED",
	KindBadRedirect:         "EBADREDIRECT",
	KindNoData:              "ENODATA",
	KindInvalidArg:          "EINVAL",
	KindUnsupportedEncoding: "unsupported_content_encoding",
	KindBinaryContent:       "binary_content_detected",
	KindUnsupportedProtocol: "EUNSUPPORTEDPROTOCOL",
	KindTimeout:             "ETIMEOUT",
}

// statusFor maps a Kind to its surfaced HTTP status (spec.md §4.8 table); 0
// means "unspecified" (or, for KindHTTPError, "as received").
var statusFor = map[Kind]int{
	KindCanceled:            499,
	KindAbortedDuringRead:   499,
	KindTimeout:             504,
	KindRateLimited:         429,
	KindTooManyRedirects:    500,
	KindMissingRedirectLoc:  500,
	KindValidation:          400,
	KindBlocked:             400,
	KindBadRedirect:         400,
	KindNoData:              400,
	KindInvalidArg:          400,
	KindUnsupportedEncoding: 415,
	KindBinaryContent:       500,
}

// FetchError is the FetchError-equivalent from spec.md §7: every error that
// reaches the caller carries a message, the offending url, an optional
// status code, and a structured details object.
type FetchError struct {
	Kind       Kind
	Message    string
	URL        string
	StatusCode int
	RetryAfter int // seconds; only meaningful for KindRateLimited
	Cause      error
}

func (e *FetchError) Error() string {
	if e.URL != "" {
		return fmt.Sprintf("%s: %s (url=%s)", e.Kind, e.Message, e.URL)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *FetchError) Unwrap() error { return e.Cause }

// Code returns the stable taxonomy code for e's Kind, or "" if the kind has
// none (network/unknown/http_error/too_many_redirects/...).
func (e *FetchError) Code() string { return codeFor[e.Kind] }

// Status returns the HTTP status spec.md §4.8 says this error surfaces as.
// For KindHTTPError the caller should use the status it actually received.
func (e *FetchError) Status() int { return statusFor[e.Kind] }

// Details is the JSON-serializable `details` object from spec.md §7.
type Details struct {
	Code       string `json:"code,omitempty"`
	Reason     string `json:"reason,omitempty"`
	RetryAfter int    `json:"retryAfter,omitempty"`
}

func (e *FetchError) Details() Details {
	d := Details{Code: e.Code()}
	if d.Code == "" {
		d.Reason = string(e.Kind)
	}
	if e.Kind == KindRateLimited {
		d.RetryAfter = e.RetryAfter
	}
	return d
}

// New builds a FetchError of the given kind.
func New(kind Kind, url, format string, args ...interface{}) *FetchError {
	return &FetchError{Kind: kind, Message: fmt.Sprintf(format, args...), URL: url, StatusCode: statusFor[kind]}
}

// Wrap builds a FetchError of the given kind, preserving cause for
// errors.Unwrap/errors.Is chains.
func Wrap(kind Kind, url string, cause error) *FetchError {
	return &FetchError{Kind: kind, Message: cause.Error(), URL: url, StatusCode: statusFor[kind], Cause: cause}
}

// As is a small convenience wrapper around errors.As for *FetchError.
func As(err error) (*FetchError, bool) {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

// ParseRetryAfter implements spec.md §4.8's parseRetryAfter: accepts a
// non-negative integer (seconds) or an HTTP-date, returns
// max(0, ceil((date-now)/1000)) for a date, and defaults to 60 when the
// header is absent or unparseable.
func ParseRetryAfter(header string, now time.Time) int {
	header = strings.TrimSpace(header)
	if header == "" {
		return 60
	}
	if n, err := strconv.Atoi(header); err == nil {
		if n < 0 {
			return 0
		}
		return n
	}
	if t, err := parseHTTPDate(header); err == nil {
		secs := t.Sub(now).Seconds()
		if secs <= 0 {
			return 0
		}
		// ceil
		return int(secs) + boolToInt(secs != float64(int(secs)))
	}
	return 60
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var httpDateLayouts = []string{
	time.RFC1123,
	time.RFC1123Z,
	time.RFC850,
	time.ANSIC,
}

func parseHTTPDate(s string) (time.Time, error) {
	var lastErr error
	for _, layout := range httpDateLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}
