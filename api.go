// Package lightz is a span collection and reporting client.
//
// lightz records spans in-process and ships them to a remote collector in
// batches. Finishing a span never touches the network: the finished record
// lands in a bounded buffer which a background scheduler drains on a fixed
// interval through a pluggable Transport.
//
// Core Components:.
//   - Tracer: Creates spans, owns the span and log buffers, runs the flush loop.
//   - Span: A mutable record of one unit of work, frozen once finished.
//   - Scope / ScopeManager: Tracks the active span of an execution context.
//   - Transport: Delivers one Report to the collector (HTTP/JSON, Zipkin, ...).
//
// Basic Usage:.
//
//	tracer, err := lightz.New(lightz.Config{AccessToken: token})
//	if err != nil {
//		return err
//	}
//	defer tracer.Close()
//
//	ctx, scope := tracer.StartActiveSpan(ctx, "operation-name")
//	defer scope.Close()
//
//	scope.Span().SetTag("user.id", 123)
//
//	// Children started from ctx link to the active span.
//	_, child := tracer.StartSpan(ctx, "child-operation")
//	defer child.Finish()
//
// Thread Safety:.
//
// Tracer, Span, Scope and the transports in this module are safe for
// concurrent use. Scopes must still be closed in reverse order of activation
// within one context.
//
// Memory Management:.
//
// Buffers are bounded by Config.MaxSpanRecords and Config.MaxLogRecords. When
// a buffer is full the newest record is dropped and counted; counts are sent
// with the next report and exposed through DroppedSpans and DroppedLogs.
//
// Resource Cleanup:.
//
// Call tracer.Close() to stop the flush loop. Close performs one final flush
// so buffered spans are not lost on a graceful shutdown.
package lightz

// Key represents a span operation name.
type Key = string

// Tag represents a span tag key.
type Tag = string

// Reserved tag keys.
const (
	// ParentSpanTag holds the span id of the parent span.
	ParentSpanTag Tag = "parent_span_guid"
)
