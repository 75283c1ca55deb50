package lightz

import (
	"fmt"
	"sync"
	"time"
)

// FinishOptions adjusts how a span is finished.
type FinishOptions struct {
	// EndTime overrides the finish timestamp when non-zero.
	EndTime time.Time
}

// LogFields describes one log entry attached to a span.
type LogFields struct {
	// Timestamp defaults to the time the entry reaches the tracer.
	Timestamp time.Time
	Payload   interface{}
	Event     string
	Message   string
	Error     bool
}

// Span represents a single unit of work in a trace.
// Safe for concurrent use by multiple goroutines.
//
// A span is open until Finish is called. Once finished its tags, baggage,
// operation name and error flag are frozen: setters become no-ops.
//
//nolint:govet // Field order optimized for readability over memory
type Span struct {
	tracer      *Tracer
	tags        map[Tag]interface{}
	baggage     map[string]string
	tagOrder    []Tag
	spanID      string
	traceID     string
	operation   string
	startMicros int64
	endMicros   int64
	errorFlag   bool
	mu          sync.Mutex
}

// SpanID returns the identifier of this span.
func (s *Span) SpanID() string {
	return s.spanID
}

// TraceID returns the trace identifier of this span.
func (s *Span) TraceID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.traceID
}

// ParentID returns the span id recorded by SetParent or ChildOf, if any.
func (s *Span) ParentID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.tags[ParentSpanTag]; ok {
		return stringify(v)
	}
	return ""
}

// OperationName returns the current operation name.
func (s *Span) OperationName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.operation
}

// StartMicros returns the start time in microseconds since the epoch.
func (s *Span) StartMicros() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startMicros
}

// EndMicros returns the end time in microseconds since the epoch, or zero
// while the span is open.
func (s *Span) EndMicros() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endMicros
}

// Finished reports whether Finish has been called.
func (s *Span) Finished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endMicros != 0
}

// SetOperationName replaces the operation name.
func (s *Span) SetOperationName(name string) *Span {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.frozen("SetOperationName") {
		return s
	}
	s.operation = name
	return s
}

// SetTag sets key to value, replacing any earlier value.
// Values are rendered as text when the span is serialized.
func (s *Span) SetTag(key Tag, value interface{}) *Span {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.frozen("SetTag") {
		return s
	}
	s.setTagLocked(key, value)
	return s
}

func (s *Span) setTagLocked(key Tag, value interface{}) {
	if s.tags == nil {
		s.tags = make(map[Tag]interface{})
	}
	if _, exists := s.tags[key]; !exists {
		s.tagOrder = append(s.tagOrder, key)
	}
	s.tags[key] = value
}

// Tag returns the raw value stored for key.
func (s *Span) Tag(key Tag) (interface{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.tags[key]
	return v, ok
}

// SetBaggageItem stores a baggage item on the span.
func (s *Span) SetBaggageItem(key, value string) *Span {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.frozen("SetBaggageItem") {
		return s
	}
	if s.baggage == nil {
		s.baggage = make(map[string]string)
	}
	s.baggage[key] = value
	return s
}

// BaggageItem returns the baggage value for key. The boolean is false when
// the key was never set.
func (s *Span) BaggageItem(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.baggage[key]
	return v, ok
}

// SetError sets the error flag.
func (s *Span) SetError(flag bool) *Span {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.frozen("SetError") {
		return s
	}
	s.errorFlag = flag
	return s
}

// SetParent links the span to parent: the parent id is stored as the
// ParentSpanTag tag and the trace id is copied.
func (s *Span) SetParent(parent *Span) *Span {
	if parent == nil || parent == s {
		return s
	}
	parentID := parent.SpanID()
	traceID := parent.TraceID()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.frozen("SetParent") {
		return s
	}
	s.setTagLocked(ParentSpanTag, parentID)
	s.traceID = traceID
	return s
}

// LogEvent records a named event with an optional payload.
func (s *Span) LogEvent(event string, payload interface{}) {
	s.Log(LogFields{Event: event, Payload: payload})
}

// Log hands a log entry to the tracer. Entries are reported on their own,
// independently of when the span finishes.
func (s *Span) Log(fields LogFields) {
	record := LogRecord{
		SpanGUID:    s.spanID,
		StableName:  fields.Event,
		Message:     fields.Message,
		PayloadJSON: encodePayload(fields.Payload),
		ErrorFlag:   fields.Error,
	}
	if !fields.Timestamp.IsZero() {
		record.TimestampMicros = fields.Timestamp.UnixMicro()
	}
	s.tracer.rawLogRecord(record)
}

// Finish completes the span at the current time.
func (s *Span) Finish() *Span {
	return s.FinishWithOptions(FinishOptions{})
}

// FinishWithOptions completes the span and hands it to the tracer.
//
// Finishing an already finished span assigns the end time again and reports
// the span a second time. The tracer logs and counts these calls.
func (s *Span) FinishWithOptions(opts FinishOptions) *Span {
	end := opts.EndTime
	if end.IsZero() {
		end = s.tracer.clock.Now()
	}

	s.mu.Lock()
	refinish := s.endMicros != 0
	s.endMicros = end.UnixMicro()
	if s.endMicros == 0 {
		// Zero is the unset sentinel.
		s.endMicros = 1
	}
	record := s.recordLocked()
	s.mu.Unlock()

	s.tracer.finishSpan(record, refinish)
	return s
}

// Record returns the wire form of the span.
func (s *Span) Record() SpanRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recordLocked()
}

func (s *Span) recordLocked() SpanRecord {
	// Every tag value is coerced to text so collectors never see mixed types.
	var attributes []KeyValue
	if len(s.tagOrder) > 0 {
		attributes = make([]KeyValue, 0, len(s.tagOrder))
		for _, key := range s.tagOrder {
			attributes = append(attributes, KeyValue{Key: key, Value: stringify(s.tags[key])})
		}
	}

	return SpanRecord{
		RuntimeGUID:    s.tracer.runtime.GUID,
		SpanGUID:       s.spanID,
		TraceGUID:      s.traceID,
		SpanName:       s.operation,
		Attributes:     attributes,
		OldestMicros:   s.startMicros,
		YoungestMicros: s.endMicros,
		ErrorFlag:      s.errorFlag,
	}
}

// frozen reports whether the span is finished, logging the rejected call.
// Must be called with s.mu held.
func (s *Span) frozen(op string) bool {
	if s.endMicros == 0 {
		return false
	}
	s.tracer.logger.Debug("ignoring mutation of finished span", "op", op, "span", s.spanID)
	return true
}

func stringify(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	default:
		return fmt.Sprint(val)
	}
}
