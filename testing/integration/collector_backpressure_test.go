package integration

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/zoobzio/lightz"
)

// TestBufferOverflowReportsDrops fills the span buffer past its limit and
// checks the collector learns how many spans were lost.
func TestBufferOverflowReportsDrops(t *testing.T) {
	h := NewHarness(t, func(c *lightz.Config) {
		c.MaxSpanRecords = 50
	})

	for i := 0; i < 80; i++ {
		_, span := h.Tracer.StartSpan(context.Background(), fmt.Sprintf("op-%02d", i))
		span.Finish()
	}

	spans := h.Spans()
	if len(spans) != 50 {
		t.Fatalf("Expected 50 spans, got %d", len(spans))
	}
	if spans[49].SpanName != "op-49" {
		t.Errorf("Expected the oldest spans to be kept, last is %s", spans[49].SpanName)
	}

	report := h.Collector.Reports()[0]
	if got := report.Counter(lightz.CounterDroppedSpans); got != 30 {
		t.Errorf("Expected dropped_spans=30, got %d", got)
	}
}

// TestCollectorOutageRecovery keeps finishing spans while the collector
// rejects reports, then verifies reporting resumes with the loss counted.
func TestCollectorOutageRecovery(t *testing.T) {
	h := NewHarness(t)

	h.Collector.FailWith(http.StatusServiceUnavailable)
	for i := 0; i < 10; i++ {
		_, span := h.Tracer.StartSpan(context.Background(), "during-outage")
		span.Finish()
	}

	err := h.Tracer.Flush(context.Background())
	if !lightz.IsTransportError(err) {
		t.Fatalf("Expected transport error during outage, got %v", err)
	}
	if h.Tracer.BufferedSpans() != 0 {
		t.Errorf("Expected failed batch to be discarded, %d buffered", h.Tracer.BufferedSpans())
	}

	h.Collector.FailWith(0)
	_, span := h.Tracer.StartSpan(context.Background(), "after-outage")
	span.Finish()

	spans := h.Spans()
	if len(spans) != 1 || spans[0].SpanName != "after-outage" {
		t.Fatalf("Expected only the post-outage span, got %+v", spans)
	}
	if got := h.Collector.Reports()[0].Counter(lightz.CounterDroppedSpans); got != 10 {
		t.Errorf("Expected dropped_spans=10, got %d", got)
	}
}

// TestBackgroundLoopSurvivesOutage lets the background loop hit a failing
// collector and checks it keeps reporting afterwards.
func TestBackgroundLoopSurvivesOutage(t *testing.T) {
	h := NewHarness(t, func(c *lightz.Config) {
		c.FlushInterval = 10 * time.Millisecond
	})

	h.Collector.FailWith(http.StatusInternalServerError)
	_, span := h.Tracer.StartSpan(context.Background(), "lost")
	span.Finish()

	deadline := time.Now().Add(2 * time.Second)
	for h.Tracer.DroppedSpans() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if h.Tracer.DroppedSpans() != 1 {
		t.Fatalf("Expected the failed batch to be dropped, got %d", h.Tracer.DroppedSpans())
	}

	h.Collector.FailWith(0)
	_, span = h.Tracer.StartSpan(context.Background(), "delivered")
	span.Finish()

	spans := h.WaitForSpans(1, 2*time.Second)
	if len(spans) != 1 || spans[0].SpanName != "delivered" {
		t.Errorf("Expected the loop to deliver after recovery, got %+v", spans)
	}
}

// TestLogsReportedBeforeSpanFinishes verifies log records travel on their
// own.
func TestLogsReportedBeforeSpanFinishes(t *testing.T) {
	h := NewHarness(t)

	_, span := h.Tracer.StartSpan(context.Background(), "long-running")
	span.LogEvent("checkpoint", map[string]int{"step": 1})
	h.Flush()

	reports := h.Collector.Reports()
	if len(reports) != 1 {
		t.Fatalf("Expected 1 report, got %d", len(reports))
	}
	logs := reports[0].LogRecords
	if len(logs) != 1 || logs[0].StableName != "checkpoint" || logs[0].SpanGUID != span.SpanID() {
		t.Fatalf("Unexpected log records: %+v", logs)
	}
	if logs[0].PayloadJSON != `{"step":1}` {
		t.Errorf("Unexpected payload %s", logs[0].PayloadJSON)
	}
	if len(reports[0].SpanRecords) != 0 {
		t.Error("Expected the open span not to be reported")
	}

	span.Finish()
	if spans := h.Spans(); len(spans) != 1 {
		t.Errorf("Expected the span once finished, got %d", len(spans))
	}
}
