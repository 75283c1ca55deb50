package integration

import (
	"context"
	"fmt"
	"net"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/zoobzio/lightz"
	"github.com/zoobzio/lightz/internal/mockcollector"
)

// Harness runs a tracer against a mock collector over real HTTP.
type Harness struct {
	Collector *mockcollector.Collector
	Server    *httptest.Server
	Tracer    *lightz.Tracer
	t         *testing.T
}

// NewHarness starts a collector and a tracer reporting to it. The flush
// interval is long so tests decide when reports happen.
func NewHarness(t *testing.T, mutate ...func(*lightz.Config)) *Harness {
	t.Helper()

	collector := mockcollector.New("integration-token", nil)
	server := httptest.NewServer(collector.Handler())

	u, err := url.Parse(server.URL)
	if err != nil {
		t.Fatalf("parse server url: %v", err)
	}
	host, port, err := net.SplitHostPort(u.Host)
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}
	portNum, err := strconv.Atoi(port)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}

	cfg := lightz.Config{
		AccessToken:    "integration-token",
		Host:           host,
		Port:           portNum,
		Encryption:     lightz.EncryptionNone,
		ComponentName:  "integration",
		MaxSpanRecords: 10000,
		MaxLogRecords:  10000,
		FlushInterval:  time.Hour,
		Logger:         hclog.NewNullLogger(),
	}
	for _, m := range mutate {
		m(&cfg)
	}

	tracer, err := lightz.New(cfg)
	if err != nil {
		server.Close()
		t.Fatalf("New() error: %v", err)
	}

	h := &Harness{Collector: collector, Server: server, Tracer: tracer, t: t}
	t.Cleanup(func() {
		tracer.Close()
		server.Close()
	})
	return h
}

// Flush sends buffered records and fails the test on error.
func (h *Harness) Flush() {
	h.t.Helper()
	if err := h.Tracer.Flush(context.Background()); err != nil {
		h.t.Fatalf("Flush() error: %v", err)
	}
}

// Spans flushes and returns every span the collector received.
func (h *Harness) Spans() []lightz.SpanRecord {
	h.t.Helper()
	h.Flush()
	return h.Collector.Spans()
}

// WaitForSpans waits until the collector holds expected spans.
func (h *Harness) WaitForSpans(expected int, timeout time.Duration) []lightz.SpanRecord {
	h.t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if spans := h.Collector.Spans(); len(spans) >= expected {
			return spans
		}
		time.Sleep(10 * time.Millisecond)
	}

	spans := h.Collector.Spans()
	h.t.Errorf("Timeout waiting for spans: expected %d, got %d", expected, len(spans))
	return spans
}

// ParentID returns the parent recorded on a span record.
func ParentID(span lightz.SpanRecord) string {
	v, _ := span.Attribute(lightz.ParentSpanTag)
	return v
}

// FindSpan returns the first span with the given name.
func FindSpan(t *testing.T, spans []lightz.SpanRecord, name string) lightz.SpanRecord {
	t.Helper()
	for _, span := range spans {
		if span.SpanName == name {
			return span
		}
	}
	t.Fatalf("Span named '%s' not found", name)
	return lightz.SpanRecord{}
}

// AssertParentChild verifies parent-child relationship.
func AssertParentChild(t *testing.T, spans []lightz.SpanRecord, parentName, childName string) {
	t.Helper()
	parent := FindSpan(t, spans, parentName)
	child := FindSpan(t, spans, childName)

	if ParentID(child) != parent.SpanGUID {
		t.Errorf("Parent-child relationship broken: %s is not parent of %s. Child parent=%s, Parent span=%s",
			parentName, childName, ParentID(child), parent.SpanGUID)
	}
	if child.TraceGUID != parent.TraceGUID {
		t.Errorf("Trace ID mismatch: parent=%s, child=%s", parent.TraceGUID, child.TraceGUID)
	}
}

// SpanTree represents a hierarchical view of spans.
type SpanTree struct {
	Span     lightz.SpanRecord
	Children []*SpanTree
}

// BuildSpanTree constructs a tree from flat span list.
func BuildSpanTree(spans []lightz.SpanRecord) []*SpanTree {
	nodeMap := make(map[string]*SpanTree)
	roots := make([]*SpanTree, 0)

	for i := range spans {
		nodeMap[spans[i].SpanGUID] = &SpanTree{Span: spans[i]}
	}

	for i := range spans {
		node := nodeMap[spans[i].SpanGUID]
		parentID := ParentID(spans[i])
		if parentID == "" {
			roots = append(roots, node)
		} else if parent, exists := nodeMap[parentID]; exists {
			parent.Children = append(parent.Children, node)
		}
	}

	return roots
}

// PrintSpanTree formats span tree for debugging.
func PrintSpanTree(trees []*SpanTree) string {
	var sb strings.Builder
	for _, tree := range trees {
		printTreeNode(&sb, tree, 0)
	}
	return sb.String()
}

func printTreeNode(sb *strings.Builder, node *SpanTree, depth int) {
	indent := strings.Repeat("  ", depth)
	micros := node.Span.YoungestMicros - node.Span.OldestMicros
	fmt.Fprintf(sb, "%s%s (%.2fms)\n", indent, node.Span.SpanName, float64(micros)/1000)
	for _, child := range node.Children {
		printTreeNode(sb, child, depth+1)
	}
}

// TreeDepth returns the number of levels below and including node.
func TreeDepth(node *SpanTree) int {
	deepest := 0
	for _, child := range node.Children {
		if d := TreeDepth(child); d > deepest {
			deepest = d
		}
	}
	return deepest + 1
}
