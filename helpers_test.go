package lightz

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/zoobzio/clockz"
)

// recordingTransport keeps every report it receives.
//
//nolint:govet // Field alignment optimized for test helper readability
type recordingTransport struct {
	reports  []*Report
	err      error
	delay    time.Duration
	inFlight atomic.Int32
	overlap  atomic.Bool
	calls    atomic.Int32
	mu       sync.Mutex
}

func (r *recordingTransport) Report(_ context.Context, report *Report) error {
	r.calls.Add(1)
	if r.inFlight.Add(1) > 1 {
		r.overlap.Store(true)
	}
	defer r.inFlight.Add(-1)

	if r.delay > 0 {
		time.Sleep(r.delay)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.reports = append(r.reports, report)
	return nil
}

func (r *recordingTransport) setErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

func (r *recordingTransport) all() []*Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Report, len(r.reports))
	copy(out, r.reports)
	return out
}

func (r *recordingTransport) spanCount() int {
	n := 0
	for _, rep := range r.all() {
		n += len(rep.SpanRecords)
	}
	return n
}

// newTestTracer returns a tracer on a fake clock whose flush loop only runs
// when the test advances the clock.
func newTestTracer(t *testing.T, transport Transport, mutate ...func(*Config)) (*Tracer, *clockz.FakeClock) {
	t.Helper()

	clock := clockz.NewFakeClock()
	cfg := Config{
		Transport:      transport,
		Clock:          clock,
		MaxSpanRecords: 100,
		MaxLogRecords:  100,
		FlushInterval:  time.Second,
		Logger:         hclog.NewNullLogger(),
	}
	for _, m := range mutate {
		m(&cfg)
	}

	tracer, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	t.Cleanup(tracer.Close)
	return tracer, clock
}

// waitFor polls cond until it holds or the timeout expires.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}
