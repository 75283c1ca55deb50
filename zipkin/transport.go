// Package zipkin provides a lightz Transport that forwards reports to a
// Zipkin collector.
package zipkin

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"github.com/openzipkin/zipkin-go"
	"github.com/openzipkin/zipkin-go/model"
	"github.com/openzipkin/zipkin-go/reporter"
	"github.com/openzipkin/zipkin-go/reporter/http"
	"github.com/pkg/errors"

	"github.com/zoobzio/lightz"
)

// Tag keys added to every converted span.
const (
	TagError       = "error"
	TagRuntimeGUID = "lightz.runtime_guid"
)

// DefaultMaxPendingLogs bounds the log records kept for spans that have not
// been reported yet.
const DefaultMaxPendingLogs = 1000

// Config configures New.
type Config struct {
	// Reporter receives the converted spans. When nil an HTTP reporter posting
	// to URL is created and owned by the transport.
	Reporter reporter.Reporter
	URL      string

	// ServiceName and HostPort describe the local endpoint. ServiceName
	// defaults to the runtime group name of each report.
	ServiceName string
	HostPort    string

	MaxPendingLogs int
	Logger         hclog.Logger
}

// Transport converts lightz reports to Zipkin spans.
// Safe for concurrent use by multiple goroutines.
//
// Lightz reports span logs on their own while Zipkin carries them as span
// annotations, so log records are held until their span is reported.
//
// Delivery is asynchronous: Report hands spans to the Zipkin reporter and
// returns. Network failures are handled, batched and logged inside the
// reporter, so they never reach the Tracer and never count as dropped spans.
// Report only fails for a cancelled context or spans that cannot be
// converted.
type Transport struct {
	reporter     reporter.Reporter
	endpoint     *model.Endpoint
	logger       hclog.Logger
	pending      map[string][]lightz.LogRecord
	pendingOrder []string
	maxPending   int
	pendingCount int
	ownsReporter bool
	mtx          sync.Mutex
}

var _ lightz.Transport = (*Transport)(nil)

// New returns a transport sending through cfg.Reporter, or through an HTTP
// reporter posting to cfg.URL.
func New(cfg Config) (*Transport, error) {
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}
	if cfg.MaxPendingLogs <= 0 {
		cfg.MaxPendingLogs = DefaultMaxPendingLogs
	}

	t := &Transport{
		reporter:   cfg.Reporter,
		logger:     cfg.Logger,
		pending:    make(map[string][]lightz.LogRecord),
		maxPending: cfg.MaxPendingLogs,
	}

	if cfg.ServiceName != "" || cfg.HostPort != "" {
		ep, err := zipkin.NewEndpoint(cfg.ServiceName, cfg.HostPort)
		if err != nil {
			return nil, errors.Wrap(err, "zipkin local endpoint")
		}
		t.endpoint = ep
	}

	if t.reporter == nil {
		if cfg.URL == "" {
			return nil, errors.New("zipkin: reporter or URL required")
		}
		t.reporter = http.NewReporter(cfg.URL)
		t.ownsReporter = true
	}
	return t, nil
}

// NewHTTP returns a transport posting to a Zipkin v2 HTTP endpoint such as
// http://zipkin:9411/api/v2/spans.
func NewHTTP(url, serviceName string) (*Transport, error) {
	return New(Config{URL: url, ServiceName: serviceName})
}

// Report implements lightz.Transport. Spans that cannot be converted are
// skipped and returned as one aggregated error. A nil error means the spans
// were queued on the reporter, not that the collector received them.
func (t *Transport) Report(ctx context.Context, report *lightz.Report) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if report == nil {
		return errors.New("nil report")
	}

	endpoint := t.endpoint
	if endpoint == nil && report.Runtime.GroupName != "" {
		endpoint = &model.Endpoint{ServiceName: report.Runtime.GroupName}
	}

	t.mtx.Lock()
	for _, log := range report.LogRecords {
		t.holdLocked(log)
	}
	spans := make([]model.SpanModel, 0, len(report.SpanRecords))
	var mErr error
	for _, record := range report.SpanRecords {
		span, err := SpanModel(record, t.takeLocked(record.SpanGUID))
		if err != nil {
			mErr = multierror.Append(mErr, errors.Wrapf(err, "span %s", record.SpanGUID))
			continue
		}
		span.LocalEndpoint = endpoint
		spans = append(spans, span)
	}
	t.mtx.Unlock()

	for _, span := range spans {
		t.reporter.Send(span)
	}

	if mErr != nil {
		t.logger.Warn("skipped spans that could not be converted", "error", mErr)
	}
	return mErr
}

// holdLocked keeps a log record until its span is reported, discarding the
// oldest span's logs once the limit is reached.
func (t *Transport) holdLocked(log lightz.LogRecord) {
	if log.SpanGUID == "" {
		return
	}
	for t.pendingCount >= t.maxPending && len(t.pendingOrder) > 0 {
		oldest := t.pendingOrder[0]
		t.pendingOrder = t.pendingOrder[1:]
		t.pendingCount -= len(t.pending[oldest])
		delete(t.pending, oldest)
		t.logger.Debug("discarding logs of unreported span", "span", oldest)
	}
	if _, ok := t.pending[log.SpanGUID]; !ok {
		t.pendingOrder = append(t.pendingOrder, log.SpanGUID)
	}
	t.pending[log.SpanGUID] = append(t.pending[log.SpanGUID], log)
	t.pendingCount++
}

func (t *Transport) takeLocked(spanGUID string) []lightz.LogRecord {
	logs, ok := t.pending[spanGUID]
	if !ok {
		return nil
	}
	delete(t.pending, spanGUID)
	t.pendingCount -= len(logs)
	for i, id := range t.pendingOrder {
		if id == spanGUID {
			t.pendingOrder = append(t.pendingOrder[:i], t.pendingOrder[i+1:]...)
			break
		}
	}
	return logs
}

// PendingLogs returns the number of log records waiting for their span.
func (t *Transport) PendingLogs() int {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	return t.pendingCount
}

// Close closes the reporter when the transport created it.
func (t *Transport) Close() error {
	if t.ownsReporter {
		return t.reporter.Close()
	}
	return nil
}

// SpanModel converts a span record and its logs to a Zipkin span.
func SpanModel(record lightz.SpanRecord, logs []lightz.LogRecord) (model.SpanModel, error) {
	traceID, err := model.TraceIDFromHex(record.TraceGUID)
	if err != nil {
		return model.SpanModel{}, errors.Wrap(err, "trace id")
	}
	id, err := parseID(record.SpanGUID)
	if err != nil {
		return model.SpanModel{}, errors.Wrap(err, "span id")
	}

	span := model.SpanModel{
		SpanContext: model.SpanContext{
			TraceID: traceID,
			ID:      id,
		},
		Name:      record.SpanName,
		Timestamp: time.UnixMicro(record.OldestMicros),
		Duration:  time.Duration(record.YoungestMicros-record.OldestMicros) * time.Microsecond,
		Tags:      make(map[string]string, len(record.Attributes)+2),
	}

	for _, kv := range record.Attributes {
		if kv.Key == lightz.ParentSpanTag {
			parentID, err := parseID(kv.Value)
			if err != nil {
				return model.SpanModel{}, errors.Wrap(err, "parent id")
			}
			span.ParentID = &parentID
			continue
		}
		span.Tags[kv.Key] = kv.Value
	}
	if record.RuntimeGUID != "" {
		span.Tags[TagRuntimeGUID] = record.RuntimeGUID
	}
	if record.ErrorFlag {
		span.Tags[TagError] = "true"
	}

	for _, log := range logs {
		span.Annotations = append(span.Annotations, model.Annotation{
			Timestamp: time.UnixMicro(log.TimestampMicros),
			Value:     annotationValue(log),
		})
	}
	return span, nil
}

func annotationValue(log lightz.LogRecord) string {
	value := log.StableName
	if log.Message != "" {
		if value != "" {
			value += ": "
		}
		value += log.Message
	}
	if log.PayloadJSON != "" {
		if value != "" {
			value += " "
		}
		value += log.PayloadJSON
	}
	if value == "" {
		value = "log"
	}
	return value
}

func parseID(s string) (model.ID, error) {
	n, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, err
	}
	return model.ID(n), nil
}
