package integration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/zoobzio/lightz"
)

// TestActiveScopeNesting drives StartActiveSpan the way request handlers do.
func TestActiveScopeNesting(t *testing.T) {
	h := NewHarness(t)

	handle := func(ctx context.Context) {
		ctx, scope := h.Tracer.StartActiveSpan(ctx, "handler")
		defer scope.Close()

		func() {
			ctx, scope := h.Tracer.StartActiveSpan(ctx, "db.query")
			defer scope.Close()
			scope.Span().SetTag("db.statement", "SELECT 1")
			_ = ctx
		}()

		// db.query is closed: the next span attaches to handler again.
		_, cache := h.Tracer.StartSpan(ctx, "cache.get")
		cache.Finish()
	}
	handle(context.Background())

	spans := h.Spans()
	if len(spans) != 3 {
		t.Fatalf("Expected 3 spans, got %d", len(spans))
	}
	AssertParentChild(t, spans, "handler", "db.query")
	AssertParentChild(t, spans, "handler", "cache.get")
}

// TestScopesIsolatedPerRequest runs many requests in parallel, each with its
// own active scope chain.
func TestScopesIsolatedPerRequest(t *testing.T) {
	h := NewHarness(t)
	manager := h.Tracer.ScopeManager()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, req := h.Tracer.StartActiveSpan(context.Background(), "request")
			ctx, step := h.Tracer.StartActiveSpan(ctx, "step")
			if manager.Active(ctx) != step {
				t.Error("Active scope leaked between requests")
			}
			_ = step.Close()
			if manager.Active(ctx) != req {
				t.Error("Previous scope not restored")
			}
			_ = req.Close()
		}()
	}
	wg.Wait()

	spans := h.Spans()
	if len(spans) != 100 {
		t.Fatalf("Expected 100 spans, got %d", len(spans))
	}
	trees := BuildSpanTree(spans)
	if len(trees) != 50 {
		t.Fatalf("Expected 50 independent traces, got %d", len(trees))
	}
	for _, tree := range trees {
		if len(tree.Children) != 1 || tree.Children[0].Span.SpanName != "step" {
			t.Errorf("Unexpected request tree:\n%s", PrintSpanTree([]*SpanTree{tree}))
		}
	}
}

// TestWithSpanReportsFailures checks the error flag set by WithSpan reaches
// the collector.
func TestWithSpanReportsFailures(t *testing.T) {
	h := NewHarness(t)
	errPayment := errors.New("card declined")

	err := h.Tracer.WithSpan(context.Background(), "checkout", func(ctx context.Context, _ *lightz.Span) error {
		return h.Tracer.WithSpan(ctx, "charge", func(context.Context, *lightz.Span) error {
			return errPayment
		})
	})
	if !errors.Is(err, errPayment) {
		t.Fatalf("Expected payment error, got %v", err)
	}

	spans := h.Spans()
	AssertParentChild(t, spans, "checkout", "charge")
	for _, name := range []string{"checkout", "charge"} {
		span := FindSpan(t, spans, name)
		if !span.ErrorFlag {
			t.Errorf("Expected %s to carry the error flag", name)
		}
		if msg, _ := span.Attribute("error.message"); msg != "card declined" {
			t.Errorf("Expected %s error.message, got %q", name, msg)
		}
	}
}

// TestBaggageStaysLocal verifies baggage is readable in process but never
// reported.
func TestBaggageStaysLocal(t *testing.T) {
	h := NewHarness(t)

	ctx, span := h.Tracer.StartSpan(context.Background(), "op")
	span.SetBaggageItem("tenant", "acme")
	if v, _ := lightz.SpanFromContext(ctx).BaggageItem("tenant"); v != "acme" {
		t.Errorf("Expected baggage through the context, got %q", v)
	}
	span.Finish()

	spans := h.Spans()
	if _, ok := spans[0].Attribute("tenant"); ok {
		t.Error("Baggage must not be reported as an attribute")
	}
}

// TestFanOutFromActiveScope runs WithSpan from goroutines sharing one request
// context, the usual errgroup shape.
func TestFanOutFromActiveScope(t *testing.T) {
	h := NewHarness(t)

	ctx, request := h.Tracer.StartActiveSpan(context.Background(), "request")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = h.Tracer.WithSpan(ctx, fmt.Sprintf("fetch-%d", i), func(ctx context.Context, _ *lightz.Span) error {
				_, span := h.Tracer.StartSpan(ctx, fmt.Sprintf("decode-%d", i))
				span.Finish()
				return nil
			})
		}(i)
	}
	wg.Wait()

	if lightz.SpanFromContext(ctx) != request.Span() {
		t.Error("Expected the request span to stay current")
	}
	_ = request.Close()

	spans := h.Spans()
	if len(spans) != 21 {
		t.Fatalf("Expected 21 spans, got %d", len(spans))
	}
	for i := 0; i < 10; i++ {
		AssertParentChild(t, spans, "request", fmt.Sprintf("fetch-%d", i))
		AssertParentChild(t, spans, fmt.Sprintf("fetch-%d", i), fmt.Sprintf("decode-%d", i))
	}
}
