// Package telemetry implements Fetch Telemetry (spec.md §4.7): a
// best-effort event emitter wired on top of internal/logging and
// internal/metrics, the same pairing the teacher's main.go wires around its
// scheduler loop.
package telemetry

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/fetchmcp/fetchmcp/internal/logging"
	"github.com/fetchmcp/fetchmcp/internal/metrics"
	"github.com/fetchmcp/fetchmcp/internal/reqctx"
)

// slowCallThreshold is the wall-clock bound past which a completed call also
// emits a warning log (spec.md §4.7).
const slowCallThreshold = 5 * time.Second

// Telemetry is the process-wide emitter.
type Telemetry struct {
	Log     *logging.Logger
	Metrics *metrics.Metrics
}

// New builds a Telemetry publisher bound to log and m.
func New(log *logging.Logger, m *metrics.Metrics) *Telemetry {
	return &Telemetry{Log: log, Metrics: m}
}

// Recorder emits start/end/error events for a single fetch call.
type Recorder struct {
	log     *logging.Logger
	metrics *metrics.Metrics

	requestID   string
	operationID string
	method      string
	url         string
	start       time.Time
}

// Start emits the `start` event for a call, reading the ambient request and
// operation ids from ctx, and returns a Recorder used to emit the call's
// single terminal event.
func (t *Telemetry) Start(ctx context.Context, method, rawURL string) *Recorder {
	carrier := reqctx.FromContext(ctx)
	r := &Recorder{
		log:         t.Log,
		metrics:     t.Metrics,
		requestID:   carrier.RequestID,
		operationID: carrier.OperationID,
		method:      method,
		url:         RedactURL(rawURL),
		start:       time.Now(),
	}
	r.emit("start", nil)
	if t.Metrics != nil {
		t.Metrics.IncFetchTotal()
	}
	return r
}

// End emits the terminal `end` event on success.
func (r *Recorder) End(statusCode int) {
	if r == nil {
		return
	}
	r.emit("end", map[string]interface{}{"statusCode": statusCode})
	r.warnIfSlow()
	if r.metrics != nil {
		r.metrics.IncFetchSuccess()
	}
}

// Error emits the terminal `error` event on failure. A nil receiver is a
// safe no-op so callers can invoke it unconditionally.
func (r *Recorder) Error(err error) {
	if r == nil {
		return
	}
	r.emit("error", map[string]interface{}{"error": safeErrString(err)})
	r.warnIfSlow()
	if r.metrics != nil {
		r.metrics.IncFetchFailed()
	}
}

func (r *Recorder) warnIfSlow() {
	if r.log != nil && time.Since(r.start) > slowCallThreshold {
		r.log.Warnf("fetch %s %s exceeded %s (requestId=%s)", r.method, r.url, slowCallThreshold, r.requestID)
	}
}

// emit publishes one event. Publication is best-effort and must never raise
// (spec.md §4.7): a panicking log sink is recovered and swallowed.
func (r *Recorder) emit(kind string, fields map[string]interface{}) {
	defer func() { _ = recover() }()
	if r.log == nil {
		return
	}
	duration := time.Since(r.start)
	switch kind {
	case "start":
		r.log.Debugf("fetch start method=%s url=%s requestId=%s operationId=%s", r.method, r.url, r.requestID, r.operationID)
	case "end":
		r.log.Infof("fetch end method=%s url=%s requestId=%s duration=%s status=%v", r.method, r.url, r.requestID, duration, fields["statusCode"])
	case "error":
		r.log.Warnf("fetch error method=%s url=%s requestId=%s duration=%s err=%v", r.method, r.url, r.requestID, duration, fields["error"])
	}
}

func safeErrString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// RedactURL implements the URL redaction rule from spec.md §4.7: strip
// userinfo, query, and fragment.
func RedactURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "<unparseable>"
	}
	u.User = nil
	u.RawQuery = ""
	u.Fragment = ""
	return strings.TrimSuffix(u.String(), "?")
}
