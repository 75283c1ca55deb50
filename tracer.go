package lightz

import (
	"context"
	"crypto/rand"
	"io"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/zoobzio/clockz"
)

// Runtime attribute keys attached to every report.
const (
	PlatformAttr        = "lightz.tracer_platform"
	PlatformVersionAttr = "lightz.tracer_platform_version"
)

// SpanHandler is called with the record of every finished span.
type SpanHandler func(record SpanRecord)

type handlerEntry struct {
	handler SpanHandler
	id      uint64
}

// StartOption customizes a span at creation.
type StartOption func(*startOptions)

type startOptions struct {
	startTime time.Time
	parent    *Span
	tags      map[Tag]interface{}
	traceID   string
	root      bool
}

// ChildOf makes the new span a child of parent, overriding the context.
func ChildOf(parent *Span) StartOption {
	return func(o *startOptions) {
		o.parent = parent
	}
}

// AsRoot ignores any span held by the context and starts a new trace.
func AsRoot() StartOption {
	return func(o *startOptions) {
		o.root = true
	}
}

// WithStartTime sets an explicit start time.
func WithStartTime(t time.Time) StartOption {
	return func(o *startOptions) {
		o.startTime = t
	}
}

// WithTags sets initial tags.
func WithTags(tags map[Tag]interface{}) StartOption {
	return func(o *startOptions) {
		o.tags = tags
	}
}

// WithTraceID places the span in an existing trace.
func WithTraceID(traceID string) StartOption {
	return func(o *startOptions) {
		o.traceID = traceID
	}
}

// Tracer creates spans, buffers their records and reports them in the
// background. Safe for concurrent use by multiple goroutines.
//
//nolint:govet // Field order optimized for functionality over memory
type Tracer struct {
	transport     Transport
	logger        hclog.Logger
	clock         clockz.Clock
	spans         *recordBuffer[SpanRecord]
	logs          *recordBuffer[LogRecord]
	guids         *guidSource
	handlers      []handlerEntry
	panicHook     func(handlerID uint64, r interface{})
	stopCh        chan struct{}
	done          chan struct{}
	runtime       Runtime
	scopes        ScopeManager
	flushInterval time.Duration
	closeTimeout  time.Duration
	reportStart   int64 // Guarded by flushMu.
	detectLeaks   bool
	handlersLock  sync.RWMutex
	flushMu       sync.Mutex   // Serializes flushes on the transport.
	lifecycle     sync.RWMutex // Orders buffering against Close.
	closeOnce     sync.Once
	nextID        atomic.Uint64
	droppedSpans  atomic.Uint64
	droppedLogs   atomic.Uint64
	refinished    atomic.Uint64
	leaked        atomic.Uint64
	disabled      atomic.Bool
	closed        atomic.Bool
}

// New validates cfg, builds the transport when none is given, and starts the
// background flush loop.
func New(cfg Config) (*Tracer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	transport := cfg.Transport
	if transport == nil {
		httpTransport, err := NewHTTPTransport(HTTPTransportConfig{
			AccessToken: cfg.AccessToken,
			Host:        cfg.Host,
			Port:        cfg.Port,
			Encryption:  cfg.Encryption,
			TLSConfig:   cfg.TLSConfig,
			Verbosity:   cfg.Verbosity,
			Logger:      cfg.Logger.Named("http"),
		})
		if err != nil {
			return nil, err
		}
		transport = httpTransport
	}

	now := cfg.Clock.Now().UnixMicro()
	t := &Tracer{
		transport:     transport,
		logger:        cfg.Logger,
		clock:         cfg.Clock,
		spans:         newRecordBuffer[SpanRecord](cfg.MaxSpanRecords),
		logs:          newRecordBuffer[LogRecord](cfg.MaxLogRecords),
		guids:         newGUIDSource(runtime.NumCPU()*100, cfg.Clock, rand.Reader, cfg.Logger.Named("guid")),
		stopCh:        make(chan struct{}),
		done:          make(chan struct{}),
		flushInterval: cfg.FlushInterval,
		closeTimeout:  cfg.CloseTimeout,
		reportStart:   now,
		detectLeaks:   cfg.DetectLeaks,
		runtime: Runtime{
			GUID:        uuid.NewString(),
			StartMicros: now,
			GroupName:   cfg.ComponentName,
			Attrs:       runtimeAttrs(cfg.Tags),
		},
	}

	go t.flushLoop()

	t.logger.Info("tracer started", "runtime", t.runtime.GUID, "interval", t.flushInterval)
	return t, nil
}

func runtimeAttrs(tags map[string]string) []KeyValue {
	attrs := []KeyValue{
		{Key: PlatformAttr, Value: "go"},
		{Key: PlatformVersionAttr, Value: runtime.Version()},
	}
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		attrs = append(attrs, KeyValue{Key: k, Value: tags[k]})
	}
	return attrs
}

// RuntimeID returns the GUID attached to every record from this tracer.
func (t *Tracer) RuntimeID() string {
	return t.runtime.GUID
}

// ScopeManager returns the manager used by StartActiveSpan.
func (t *Tracer) ScopeManager() *ScopeManager {
	return &t.scopes
}

// StartSpan creates a span and returns a context holding it.
// Unless overridden by options, the span becomes a child of the span held by
// ctx.
func (t *Tracer) StartSpan(ctx context.Context, operation Key, opts ...StartOption) (context.Context, *Span) {
	if ctx == nil {
		ctx = context.Background()
	}
	span := t.newSpan(ctx, operation, opts)
	return ContextWithSpan(ctx, span), span
}

// StartActiveSpan creates a span and activates it in the returned context.
// Closing the scope finishes the span.
func (t *Tracer) StartActiveSpan(ctx context.Context, operation Key, opts ...StartOption) (context.Context, *Scope) {
	if ctx == nil {
		ctx = context.Background()
	}
	span := t.newSpan(ctx, operation, opts)
	return t.scopes.Activate(ctx, span, true)
}

// WithSpan runs fn inside an active span that is always finished when fn
// returns, including when it panics. A returned error sets the error flag.
// fn should not finish the span itself.
func (t *Tracer) WithSpan(ctx context.Context, operation Key, fn func(context.Context, *Span) error, opts ...StartOption) (err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	span := t.newSpan(ctx, operation, opts)
	ctx, scope := t.scopes.Activate(ctx, span, false)

	defer func() {
		r := recover()
		switch {
		case r != nil:
			span.SetTag("error.panic", r).SetError(true)
		case err != nil:
			span.SetTag("error.message", err.Error()).SetError(true)
		}
		_ = scope.Close() //nolint:errcheck // First close of a private scope.
		if !span.Finished() {
			span.Finish()
		}
		if r != nil {
			panic(r)
		}
	}()

	return fn(ctx, span)
}

func (t *Tracer) newSpan(ctx context.Context, operation Key, opts []StartOption) *Span {
	var o startOptions
	for _, opt := range opts {
		opt(&o)
	}

	start := o.startTime
	if start.IsZero() {
		start = t.clock.Now()
	}

	span := &Span{
		tracer:      t,
		spanID:      t.guids.Get(),
		operation:   operation,
		startMicros: start.UnixMicro(),
	}

	parent := o.parent
	if parent == nil && !o.root {
		parent = SpanFromContext(ctx)
	}
	if parent != nil {
		span.setTagLocked(ParentSpanTag, parent.SpanID())
		span.traceID = parent.TraceID()
	}
	if o.traceID != "" {
		span.traceID = o.traceID
	}
	if span.traceID == "" {
		span.traceID = t.guids.Get()
	}

	if len(o.tags) > 0 {
		keys := make([]Tag, 0, len(o.tags))
		for k := range o.tags {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			span.setTagLocked(k, o.tags[k])
		}
	}

	if t.detectLeaks {
		runtime.SetFinalizer(span, t.checkLeak)
	}
	return span
}

// checkLeak runs as a finalizer. It only logs: the end time of a forgotten
// span is unknown, so it is never reported.
func (t *Tracer) checkLeak(s *Span) {
	defer func() {
		_ = recover() //nolint:errcheck
	}()

	s.mu.Lock()
	finished := s.endMicros != 0
	id, operation := s.spanID, s.operation
	s.mu.Unlock()

	if finished {
		return
	}
	t.leaked.Add(1)
	t.logger.Warn("span garbage collected without Finish", "span", id, "operation", operation)
}

// finishSpan buffers a finished span. It never blocks on I/O.
func (t *Tracer) finishSpan(record SpanRecord, refinish bool) {
	if refinish {
		t.refinished.Add(1)
		t.logger.Warn("span finished more than once, reporting it again", "span", record.SpanGUID)
	}

	t.executeHandlers(record)

	if t.disabled.Load() {
		return
	}

	t.lifecycle.RLock()
	defer t.lifecycle.RUnlock()

	if t.closed.Load() {
		t.droppedSpans.Add(1)
		return
	}
	if !t.spans.add(record) {
		t.droppedSpans.Add(1)
		t.logger.Debug("span buffer full, dropping span", "span", record.SpanGUID)
	}
}

// rawLogRecord buffers a log record. It never blocks on I/O.
func (t *Tracer) rawLogRecord(record LogRecord) {
	record.RuntimeGUID = t.runtime.GUID
	if record.TimestampMicros == 0 {
		record.TimestampMicros = t.clock.Now().UnixMicro()
	}

	if t.disabled.Load() {
		return
	}

	t.lifecycle.RLock()
	defer t.lifecycle.RUnlock()

	if t.closed.Load() {
		t.droppedLogs.Add(1)
		return
	}
	if !t.logs.add(record) {
		t.droppedLogs.Add(1)
		t.logger.Debug("log buffer full, dropping log record", "span", record.SpanGUID)
	}
}

// Flush sends every buffered record in one report. Flushes never overlap:
// a call made while another flush is running waits for it.
//
// When the transport fails the batch is discarded and counted as dropped.
func (t *Tracer) Flush(ctx context.Context) error {
	if t.closed.Load() {
		return ErrTracerClosed
	}
	return t.flush(ctx)
}

func (t *Tracer) flush(ctx context.Context) error {
	t.flushMu.Lock()
	defer t.flushMu.Unlock()

	spans := t.spans.drain()
	logs := t.logs.drain()
	droppedSpans := t.spans.takeDropped()
	droppedLogs := t.logs.takeDropped()

	if len(spans) == 0 && len(logs) == 0 && droppedSpans == 0 && droppedLogs == 0 {
		return nil
	}

	now := t.clock.Now().UnixMicro()
	report := &Report{
		Runtime:        t.runtime,
		OldestMicros:   t.reportStart,
		YoungestMicros: now,
		SpanRecords:    spans,
		LogRecords:     logs,
	}
	if droppedSpans > 0 {
		report.Counters = append(report.Counters, NamedCounter{Name: CounterDroppedSpans, Value: droppedSpans})
	}
	if droppedLogs > 0 {
		report.Counters = append(report.Counters, NamedCounter{Name: CounterDroppedLogs, Value: droppedLogs})
	}

	if err := t.transport.Report(ctx, report); err != nil {
		t.droppedSpans.Add(uint64(len(spans)))
		t.droppedLogs.Add(uint64(len(logs)))
		// Carry the lost counts into the next report.
		t.spans.markDropped(len(spans) + int(droppedSpans))
		t.logs.markDropped(len(logs) + int(droppedLogs))
		t.logger.Error("report failed, discarding batch",
			"spans", len(spans), "logs", len(logs), "error", err)
		return err
	}

	t.reportStart = now
	t.logger.Debug("report sent", "spans", len(spans), "logs", len(logs))
	return nil
}

// flushLoop flushes on every tick until the tracer is closed.
func (t *Tracer) flushLoop() {
	defer close(t.done)

	ticker := t.clock.NewTicker(t.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C():
			t.safeFlush(context.Background())
		}
	}
}

// safeFlush keeps a failing or panicking transport from ending the loop.
// Failures are already logged by flush.
func (t *Tracer) safeFlush(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic while flushing", "panic", r)
		}
	}()
	_ = t.flush(ctx) //nolint:errcheck
}

// Disable stops recording: buffered records are discarded and new ones are
// ignored until Enable is called.
func (t *Tracer) Disable() {
	t.disabled.Store(true)
	spans := t.spans.reset()
	logs := t.logs.reset()
	t.logger.Info("tracer disabled", "discarded_spans", spans, "discarded_logs", logs)
}

// Enable resumes recording after Disable.
func (t *Tracer) Enable() {
	t.disabled.Store(false)
	t.logger.Info("tracer enabled")
}

// Enabled reports whether the tracer is recording.
func (t *Tracer) Enabled() bool {
	return !t.disabled.Load()
}

// Close stops the flush loop, sends a final report and closes the transport
// when it implements io.Closer. Safe to call multiple times.
func (t *Tracer) Close() {
	t.closeOnce.Do(func() {
		// Records buffered before this point go out with the final flush.
		t.lifecycle.Lock()
		t.closed.Store(true)
		t.lifecycle.Unlock()

		close(t.stopCh)
		<-t.done

		ctx, cancel := context.WithTimeout(context.Background(), t.closeTimeout)
		t.safeFlush(ctx)
		cancel()

		if closer, ok := t.transport.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				t.logger.Warn("closing transport", "error", err)
			}
		}

		t.guids.Close()

		t.handlersLock.Lock()
		t.handlers = nil
		t.handlersLock.Unlock()

		t.logger.Info("tracer closed", "dropped_spans", t.droppedSpans.Load())
	})
}

// OnSpanComplete registers a handler called synchronously whenever a span
// finishes, before its record is buffered. Handlers must be fast.
func (t *Tracer) OnSpanComplete(handler SpanHandler) uint64 {
	if handler == nil {
		return 0
	}

	id := t.nextID.Add(1)

	t.handlersLock.Lock()
	defer t.handlersLock.Unlock()

	t.handlers = append(t.handlers, handlerEntry{id: id, handler: handler})
	return id
}

// RemoveHandler removes a handler by ID.
func (t *Tracer) RemoveHandler(id uint64) {
	t.handlersLock.Lock()
	defer t.handlersLock.Unlock()

	// Preserve order
	for i, h := range t.handlers {
		if h.id == id {
			copy(t.handlers[i:], t.handlers[i+1:])
			t.handlers = t.handlers[:len(t.handlers)-1]
			return
		}
	}
}

// SetPanicHook sets a function to be called when a handler panics.
func (t *Tracer) SetPanicHook(hook func(handlerID uint64, r interface{})) {
	t.handlersLock.Lock()
	defer t.handlersLock.Unlock()
	t.panicHook = hook
}

func (t *Tracer) executeHandlers(record SpanRecord) {
	t.handlersLock.RLock()
	if len(t.handlers) == 0 {
		t.handlersLock.RUnlock()
		return
	}
	handlers := make([]handlerEntry, len(t.handlers))
	copy(handlers, t.handlers)
	hook := t.panicHook
	t.handlersLock.RUnlock()

	for _, h := range handlers {
		t.safeCall(h, hook, record)
	}
}

func (t *Tracer) safeCall(entry handlerEntry, hook func(uint64, interface{}), record SpanRecord) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Warn("span handler panicked", "handler", entry.id, "panic", r)
			if hook != nil {
				hook(entry.id, r)
			}
		}
	}()
	entry.handler(record)
}

// DroppedSpans returns the number of spans lost to a full buffer, a closed
// tracer or a failed report.
func (t *Tracer) DroppedSpans() uint64 {
	return t.droppedSpans.Load()
}

// DroppedLogs returns the number of log records lost.
func (t *Tracer) DroppedLogs() uint64 {
	return t.droppedLogs.Load()
}

// RefinishedSpans returns how many Finish calls hit an already finished span.
func (t *Tracer) RefinishedSpans() uint64 {
	return t.refinished.Load()
}

// LeakedSpans returns how many spans were collected without Finish. Only
// counted when Config.DetectLeaks is set.
func (t *Tracer) LeakedSpans() uint64 {
	return t.leaked.Load()
}

// BufferedSpans returns the number of spans waiting for the next flush.
func (t *Tracer) BufferedSpans() int {
	return t.spans.count()
}

// BufferedLogs returns the number of log records waiting for the next flush.
func (t *Tracer) BufferedLogs() int {
	return t.logs.count()
}
