package wire

import (
	"context"
	"sync/atomic"
)

// sessionCounter hands out process-wide-unique session identifiers for
// custom-subtree recursion. 0 is reserved for the implicit top-level
// session every Query/Response/Lesson defaults to.
var sessionCounter uint64

// NewChildSession allocates a session identifier for a custom-subtree
// recursion, distinct from every other session ever allocated in this
// process, so its traffic can share the parent's physical streams
// without being confused with the parent's own.
func NewChildSession() uint64 {
	return atomic.AddUint64(&sessionCounter, 1)
}

type sessionCtxKey struct{}

// ContextWithSession returns a context carrying session as the active
// reconnect session identifier, read back by SessionFromContext.
func ContextWithSession(ctx context.Context, session uint64) context.Context {
	return context.WithValue(ctx, sessionCtxKey{}, session)
}

// SessionFromContext returns the active session identifier carried by
// ctx, or 0 (the top-level session) if none was set.
func SessionFromContext(ctx context.Context) uint64 {
	if v, ok := ctx.Value(sessionCtxKey{}).(uint64); ok {
		return v
	}
	return 0
}
