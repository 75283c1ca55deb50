package lightz

import (
	"context"
	"sync"
	"testing"

	"github.com/pkg/errors"
)

func TestScopeSpan(t *testing.T) {
	tracer, _ := newTestTracer(t, &recordingTransport{})
	_, span := tracer.StartSpan(context.Background(), "op")

	_, scope := tracer.ScopeManager().Activate(context.Background(), span, true)
	if scope.Span() != span {
		t.Error("Expected scope to return the wrapped span")
	}

	if err := scope.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if scope.Span() != span {
		t.Error("Expected Span() to stay valid after close")
	}
}

func TestScopeCloseTwice(t *testing.T) {
	tracer, _ := newTestTracer(t, &recordingTransport{})
	_, scope := tracer.StartActiveSpan(context.Background(), "op")

	if err := scope.Close(); err != nil {
		t.Fatalf("First Close() error: %v", err)
	}
	err := scope.Close()
	if !errors.Is(err, ErrScopeClosed) {
		t.Fatalf("Expected ErrScopeClosed, got %v", err)
	}
	if err.Error() != "already closed" {
		t.Errorf("Expected 'already closed', got %q", err.Error())
	}
}

func TestScopeFinishOnClose(t *testing.T) {
	tracer, _ := newTestTracer(t, &recordingTransport{})
	_, scope := tracer.StartActiveSpan(context.Background(), "op")

	_ = scope.Close()
	_ = scope.Close()

	if !scope.Span().Finished() {
		t.Error("Expected span to be finished by close")
	}
	if tracer.BufferedSpans() != 1 {
		t.Errorf("Expected exactly one finish, got %d buffered", tracer.BufferedSpans())
	}
	if tracer.RefinishedSpans() != 0 {
		t.Error("Expected no refinish from a second close")
	}
}

func TestScopeNoFinishOnClose(t *testing.T) {
	tracer, _ := newTestTracer(t, &recordingTransport{})
	_, span := tracer.StartSpan(context.Background(), "op")

	_, scope := tracer.ScopeManager().Activate(context.Background(), span, false)
	if err := scope.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	if span.Finished() {
		t.Error("Expected span to stay open")
	}
	if tracer.BufferedSpans() != 0 {
		t.Errorf("Expected no buffered spans, got %d", tracer.BufferedSpans())
	}
}

func TestScopeRestoresPrevious(t *testing.T) {
	tracer, _ := newTestTracer(t, &recordingTransport{})
	manager := tracer.ScopeManager()

	ctx := context.Background()
	if manager.Active(ctx) != nil {
		t.Fatal("Expected no active scope in a fresh context")
	}

	outerCtx, outer := tracer.StartActiveSpan(ctx, "outer")
	if manager.Active(outerCtx) != outer {
		t.Fatal("Expected outer to be active")
	}

	innerCtx, inner := tracer.StartActiveSpan(outerCtx, "inner")
	if manager.Active(innerCtx) != inner {
		t.Fatal("Expected inner to be active")
	}
	if manager.Active(outerCtx) != outer {
		t.Error("Expected activation not to change the parent context")
	}
	if inner.Span().ParentID() != outer.Span().SpanID() {
		t.Error("Expected inner span to be a child of outer")
	}

	_ = inner.Close()
	if manager.Active(innerCtx) != outer {
		t.Error("Expected outer to be restored")
	}
	if SpanFromContext(innerCtx) != outer.Span() {
		t.Error("Expected new children to attach to outer after inner closed")
	}

	_ = outer.Close()
	if manager.Active(outerCtx) != nil {
		t.Error("Expected no active scope after all closed")
	}
	if SpanFromContext(outerCtx) != nil {
		t.Error("Expected no current span after all closed")
	}
}

func TestScopeOutOfOrderCloseRestoresCaptured(t *testing.T) {
	tracer, _ := newTestTracer(t, &recordingTransport{})
	manager := tracer.ScopeManager()

	ctxA, a := tracer.StartActiveSpan(context.Background(), "a")
	ctxB, b := tracer.StartActiveSpan(ctxA, "b")

	// Closing a first only affects a's context.
	_ = a.Close()
	if manager.Active(ctxA) != nil {
		t.Error("Expected captured scope (none) to be restored")
	}
	if manager.Active(ctxB) != b {
		t.Error("Expected b to stay active in its own context")
	}
	_ = b.Close()
	if manager.Active(ctxB) != a {
		t.Error("Expected b to restore a, the scope it captured")
	}
}

func TestScopeBaseSpanRestored(t *testing.T) {
	tracer, _ := newTestTracer(t, &recordingTransport{})

	ctx, base := tracer.StartSpan(context.Background(), "base")
	ctx, scope := tracer.StartActiveSpan(ctx, "scoped")
	if scope.Span().ParentID() != base.SpanID() {
		t.Error("Expected scoped span to be a child of the context span")
	}

	_ = scope.Close()
	if SpanFromContext(ctx) != base {
		t.Error("Expected the context span to be current again")
	}
}

func TestScopeContextsAreIndependent(t *testing.T) {
	tracer, _ := newTestTracer(t, &recordingTransport{}, func(c *Config) {
		c.MaxSpanRecords = 10000
	})
	manager := tracer.ScopeManager()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				ctx, outer := tracer.StartActiveSpan(context.Background(), "outer")
				ctx, inner := tracer.StartActiveSpan(ctx, "inner")
				if manager.Active(ctx) != inner {
					t.Error("Observed another goroutine's scope")
				}
				_ = inner.Close()
				if manager.Active(ctx) != outer {
					t.Error("Observed another goroutine's scope after close")
				}
				_ = outer.Close()
			}
		}()
	}
	wg.Wait()
}

func TestScopeSiblingActivations(t *testing.T) {
	tracer, _ := newTestTracer(t, &recordingTransport{})
	manager := tracer.ScopeManager()

	ctx, request := tracer.StartActiveSpan(context.Background(), "request")
	defer request.Close()

	ctxA, a := tracer.StartActiveSpan(ctx, "branch-a")
	ctxB, b := tracer.StartActiveSpan(ctx, "branch-b")

	if a.Span().ParentID() != request.Span().SpanID() {
		t.Error("Expected branch-a to be a child of request")
	}
	if b.Span().ParentID() != request.Span().SpanID() {
		t.Errorf("Expected branch-b to be a child of request, got parent %s", b.Span().ParentID())
	}
	if SpanFromContext(ctx) != request.Span() {
		t.Error("Expected sibling activations not to change the parent context")
	}
	if manager.Active(ctx) != request {
		t.Error("Expected request to stay active in the parent context")
	}

	_ = a.Close()
	if manager.Active(ctxB) != b {
		t.Error("Expected closing branch-a to leave branch-b active")
	}
	_, leaf := tracer.StartSpan(ctxB, "leaf")
	if leaf.ParentID() != b.Span().SpanID() {
		t.Error("Expected leaf to attach to branch-b")
	}
	leaf.Finish()
	if manager.Active(ctxA) != request {
		t.Error("Expected branch-a's context to fall back to request")
	}
	_ = b.Close()
}

func TestScopeConcurrentSiblings(t *testing.T) {
	tracer, _ := newTestTracer(t, &recordingTransport{}, func(c *Config) {
		c.MaxSpanRecords = 10000
	})
	manager := tracer.ScopeManager()

	ctx, request := tracer.StartActiveSpan(context.Background(), "request")
	defer request.Close()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				branchCtx, branch := tracer.StartActiveSpan(ctx, "branch")
				if branch.Span().ParentID() != request.Span().SpanID() {
					t.Error("Expected every branch to be a child of request")
				}
				_, child := tracer.StartSpan(branchCtx, "child")
				if child.ParentID() != branch.Span().SpanID() {
					t.Error("Expected child to attach to its own branch")
				}
				child.Finish()
				if manager.Active(branchCtx) != branch {
					t.Error("Observed a sibling's scope")
				}
				_ = branch.Close()
			}
		}()
	}
	wg.Wait()

	if SpanFromContext(ctx) != request.Span() {
		t.Error("Expected request to stay current after all branches closed")
	}
}
