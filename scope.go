package lightz

import (
	"context"
	"sync/atomic"
)

// contextKeyType is a private type for context keys to avoid collisions.
type contextKeyType string

const (
	spanKey  contextKeyType = "lightz.span"
	scopeKey contextKeyType = "lightz.scope"
)

// spanHolder is stored under spanKey. The most recent holder in a context
// decides which span new children attach to.
type spanHolder interface {
	current() *Span
}

// spanBundle pins a single span to a context.
type spanBundle struct {
	span *Span
}

func (b *spanBundle) current() *Span {
	return b.span
}

// ContextWithSpan returns a context holding span. Spans started from the
// returned context become its children.
func ContextWithSpan(ctx context.Context, span *Span) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, spanKey, &spanBundle{span: span})
}

// SpanFromContext returns the span new children of ctx would attach to: the
// active scope's span or the span placed by StartSpan / ContextWithSpan.
// Returns nil if no span is present.
func SpanFromContext(ctx context.Context) *Span {
	if ctx == nil {
		return nil
	}
	if holder, ok := ctx.Value(spanKey).(spanHolder); ok {
		return holder.current()
	}
	return nil
}

// Scope marks a span as active within the context returned by Activate until
// closed. Safe for concurrent use by multiple goroutines.
//
// A Scope never changes what other contexts see: sibling contexts derived
// from the same parent each hold their own scope.
type Scope struct {
	span          *Span
	prev          *Scope // active scope of the parent context at activation
	prevSpan      *Span  // span new children of the parent context attached to
	finishOnClose bool
	closed        atomic.Bool
}

// Span returns the wrapped span. Valid whether or not the scope is closed.
func (s *Scope) Span() *Span {
	return s.span
}

func (s *Scope) current() *Span {
	if s.closed.Load() {
		return s.prevSpan
	}
	return s.span
}

func (s *Scope) active() *Scope {
	if s.closed.Load() {
		return s.prev
	}
	return s
}

// Close deactivates the scope, finishing the span when the scope was created
// with finishOnClose. The scope's context falls back to what was active when
// the scope was created. A second call returns ErrScopeClosed.
func (s *Scope) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return ErrScopeClosed
	}

	if s.finishOnClose {
		s.span.Finish()
	}
	return nil
}

// ScopeManager tracks the active scope of each execution context. The state
// lives in the context itself, so the manager holds no mutable state and
// unrelated contexts never observe each other's scopes.
type ScopeManager struct{}

// Activate makes span the active span of the returned context, which is the
// one to pass to nested work. ctx itself is unaffected. Once the returned
// scope is closed, the returned context resolves to whatever ctx had active
// at this call. Out-of-order closes are not detected.
func (m *ScopeManager) Activate(ctx context.Context, span *Span, finishOnClose bool) (context.Context, *Scope) {
	if ctx == nil {
		ctx = context.Background()
	}

	scope := &Scope{
		span:          span,
		prev:          m.Active(ctx),
		prevSpan:      SpanFromContext(ctx),
		finishOnClose: finishOnClose,
	}

	ctx = context.WithValue(ctx, scopeKey, scope)
	// The scope is also the span holder, so children attach to its span.
	return context.WithValue(ctx, spanKey, scope), scope
}

// Active returns the active scope of ctx, or nil.
func (m *ScopeManager) Active(ctx context.Context) *Scope {
	if ctx == nil {
		return nil
	}
	scope, ok := ctx.Value(scopeKey).(*Scope)
	if !ok {
		return nil
	}
	return scope.active()
}
