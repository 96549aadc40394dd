// Package reqcontext carries per-request identity through a call chain via
// context.Context, mirroring the teacher's auth.Identity-in-context pattern:
// populated once at the MCP handler's auth step and read anywhere downstream
// without a thread-local or goroutine-local.
package reqcontext

import "context"

// RequestContext is the identity of the client token that authenticated the
// current request. It is created at request ingress and destroyed at
// response dispatch; code running outside a request (background cleanup,
// async usage-log flush goroutines) sees no RequestContext and must
// tolerate its absence.
type RequestContext struct {
	ClientTokenID     string
	ClientTokenPrefix string
	RawClientToken    string

	// UpstreamKeyID is set by the rotating upstream client (pkg/rotatingclient)
	// each time it selects a key for this request, so the Usage Logger can
	// attribute the row.
	UpstreamKeyID string
}

type contextKey struct{}

// NewContext returns a copy of ctx carrying rc.
func NewContext(ctx context.Context, rc *RequestContext) context.Context {
	return context.WithValue(ctx, contextKey{}, rc)
}

// FromContext returns the RequestContext stored in ctx, or nil if absent.
func FromContext(ctx context.Context) *RequestContext {
	rc, _ := ctx.Value(contextKey{}).(*RequestContext)
	return rc
}

// SetUpstreamKeyID records which upstream key served the current request, if
// a RequestContext is present. It is a no-op outside a request.
func SetUpstreamKeyID(ctx context.Context, keyID string) {
	if rc := FromContext(ctx); rc != nil {
		rc.UpstreamKeyID = keyID
	}
}
