package lightz

// KeyValue is one text attribute on a span record or runtime block.
type KeyValue struct {
	Key   string `json:"Key"`
	Value string `json:"Value"`
}

// SpanRecord is the wire form of a finished span.
type SpanRecord struct {
	RuntimeGUID    string     `json:"runtime_guid"`
	SpanGUID       string     `json:"span_guid"`
	TraceGUID      string     `json:"trace_guid"`
	SpanName       string     `json:"span_name"`
	Attributes     []KeyValue `json:"attributes,omitempty"`
	OldestMicros   int64      `json:"oldest_micros"`
	YoungestMicros int64      `json:"youngest_micros"`
	ErrorFlag      bool       `json:"error_flag"`
}

// Attribute returns the value of the named attribute.
func (r SpanRecord) Attribute(key string) (string, bool) {
	for _, kv := range r.Attributes {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return "", false
}

// LogRecord is the wire form of a span log entry.
type LogRecord struct {
	TimestampMicros int64  `json:"timestamp_micros,omitempty"`
	RuntimeGUID     string `json:"runtime_guid"`
	SpanGUID        string `json:"span_guid,omitempty"`
	StableName      string `json:"stable_name,omitempty"`
	Message         string `json:"message,omitempty"`
	Level           string `json:"level,omitempty"`
	PayloadJSON     string `json:"payload_json,omitempty"`
	ErrorFlag       bool   `json:"error_flag,omitempty"`
}

// Runtime identifies the reporting process.
type Runtime struct {
	GUID        string     `json:"guid"`
	StartMicros int64      `json:"start_micros"`
	GroupName   string     `json:"group_name,omitempty"`
	Attrs       []KeyValue `json:"attrs,omitempty"`
}

// NamedCounter carries an internal counter to the collector.
type NamedCounter struct {
	Name  string `json:"Name"`
	Value int64  `json:"Value"`
}

// Counter names sent with each report.
const (
	CounterDroppedSpans = "dropped_spans"
	CounterDroppedLogs  = "dropped_logs"
)

// Report is one batch handed to a Transport.
// SpanRecords keep the order in which spans were finished.
type Report struct {
	Runtime        Runtime        `json:"runtime"`
	OldestMicros   int64          `json:"oldest_micros"`
	YoungestMicros int64          `json:"youngest_micros"`
	SpanRecords    []SpanRecord   `json:"span_records"`
	LogRecords     []LogRecord    `json:"log_records,omitempty"`
	Counters       []NamedCounter `json:"counters,omitempty"`
}

// Counter returns the value of a named counter, zero when absent.
func (r *Report) Counter(name string) int64 {
	for _, c := range r.Counters {
		if c.Name == name {
			return c.Value
		}
	}
	return 0
}
