// Package reqctx carries the ambient per-request identifiers (requestId,
// operationId, sessionId) described in spec.md §3.1/§4.13: a process-wide
// carrier that every nested operation can read without threading the values
// through every function signature explicitly. It is built on
// context.Context, the idiomatic Go execution-local-storage primitive
// referenced in spec.md §9 "Global mutable state".
package reqctx

import "context"

type key int

const carrierKey key = 0

// Carrier is the ambient identity of one inbound call.
type Carrier struct {
	RequestID   string
	OperationID string
	SessionID   string // empty when the call is not bound to a session
}

// WithCarrier returns a new context carrying c, available to any function
// downstream of ctx via FromContext.
func WithCarrier(ctx context.Context, c Carrier) context.Context {
	return context.WithValue(ctx, carrierKey, c)
}

// FromContext returns the Carrier attached to ctx, or the zero Carrier if
// none is attached.
func FromContext(ctx context.Context) Carrier {
	c, _ := ctx.Value(carrierKey).(Carrier)
	return c
}

// RequestID reads the ambient request id, or "" if none is set.
func RequestID(ctx context.Context) string { return FromContext(ctx).RequestID }

// OperationID reads the ambient operation id, or "" if none is set.
func OperationID(ctx context.Context) string { return FromContext(ctx).OperationID }

// SessionID reads the ambient session id, or "" if none is set.
func SessionID(ctx context.Context) string { return FromContext(ctx).SessionID }

// RunWithCarrier executes fn with ctx carrying c established, matching the
// spec's runWithRequestContext(ctx, fn) operation.
func RunWithCarrier(ctx context.Context, c Carrier, fn func(ctx context.Context)) {
	fn(WithCarrier(ctx, c))
}
