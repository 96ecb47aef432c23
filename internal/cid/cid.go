// Package cid carries a per-request/per-connection correlation id on
// contexts and HTTP headers so log lines and spans from one session can be
// tied together.
package cid

import "context"

// ContextKey is the type used for storing the CID in a context to avoid
// collisions.
type ContextKey struct{}

// HeaderName is the HTTP header used to propagate the correlation id.
// Incoming requests that already carry it keep their value; otherwise the
// server's middleware generates a fresh KSUID.
const HeaderName = "X-SW-CID"

// AttributeName is the span attribute key used to attach the CID to spans.
const AttributeName = "sw.cid"

// WithCID returns a new context containing the provided correlation id.
func WithCID(ctx context.Context, cid string) context.Context {
	return context.WithValue(ctx, ContextKey{}, cid)
}

// FromContext extracts the correlation id from the context, if present.
func FromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(ContextKey{}).(string); ok {
		return v
	}
	return ""
}

// AddHeaderFromContext adds the correlation header to outgoing request
// headers when the context holds a CID.
func AddHeaderFromContext(headers map[string][]string, ctx context.Context) {
	if headers == nil {
		return
	}
	if cid := FromContext(ctx); cid != "" {
		headers[HeaderName] = []string{cid}
	}
}
