// Package mockcollector implements an in-memory collector that accepts the
// HTTP/JSON reports sent by lightz. It is meant for local development and
// tests.
package mockcollector

import (
	"io"
	"mime"
	"net/http"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/hashicorp/go-hclog"

	"github.com/zoobzio/lightz"
)

const maxBodyBytes = 32 << 20

// Collector stores every report it accepts.
// Safe for concurrent use by multiple goroutines.
type Collector struct {
	// Token is the access token reports must carry. When empty any non-blank
	// token is accepted.
	Token string

	logger  hclog.Logger
	router  *mux.Router
	reports []*lightz.Report
	status  int
	mtx     sync.RWMutex
}

// summary is returned by the inspection endpoint.
type summary struct {
	Reports     int            `json:"reports"`
	SpanRecords int            `json:"span_records"`
	LogRecords  int            `json:"log_records"`
	Runtimes    []string       `json:"runtimes"`
	Operations  map[string]int `json:"operations"`
	Dropped     int64          `json:"dropped_spans"`
}

type response struct {
	Code    int    `json:"statusCode"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// New returns a collector expecting token. A nil logger discards output.
func New(token string, logger hclog.Logger) *Collector {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	c := &Collector{
		Token:  token,
		logger: logger,
	}

	router := mux.NewRouter()
	router.Methods("POST").Path(lightz.ReportsPath).HandlerFunc(c.acceptReport)
	router.Methods("GET").Path(lightz.ReportsPath).HandlerFunc(c.listReports)
	router.Methods("DELETE").Path(lightz.ReportsPath).HandlerFunc(c.clearReports)
	c.router = router

	return c
}

// Handler returns the HTTP handler serving the collector API.
func (c *Collector) Handler() http.Handler {
	return c.router
}

// FailWith makes every following report fail with status. Zero restores
// normal operation.
func (c *Collector) FailWith(status int) {
	c.mtx.Lock()
	c.status = status
	c.mtx.Unlock()
}

// Reports returns the accepted reports in arrival order.
func (c *Collector) Reports() []*lightz.Report {
	c.mtx.RLock()
	defer c.mtx.RUnlock()

	out := make([]*lightz.Report, len(c.reports))
	copy(out, c.reports)
	return out
}

// Spans returns every accepted span record in arrival order.
func (c *Collector) Spans() []lightz.SpanRecord {
	c.mtx.RLock()
	defer c.mtx.RUnlock()

	var out []lightz.SpanRecord
	for _, r := range c.reports {
		out = append(out, r.SpanRecords...)
	}
	return out
}

// SpanCount returns the number of accepted span records.
func (c *Collector) SpanCount() int {
	c.mtx.RLock()
	defer c.mtx.RUnlock()

	n := 0
	for _, r := range c.reports {
		n += len(r.SpanRecords)
	}
	return n
}

// Reset forgets every accepted report.
func (c *Collector) Reset() {
	c.mtx.Lock()
	c.reports = nil
	c.mtx.Unlock()
}

func (c *Collector) acceptReport(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get(lightz.AccessTokenHeader)
	if token == "" || (c.Token != "" && token != c.Token) {
		c.writeResponse(w, response{Code: http.StatusUnauthorized, Error: "invalid access token"})
		return
	}

	if mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type")); err != nil || mediaType != "application/json" {
		c.writeResponse(w, response{Code: http.StatusUnsupportedMediaType, Error: "expected application/json"})
		return
	}

	c.mtx.RLock()
	status := c.status
	c.mtx.RUnlock()
	if status != 0 {
		c.writeResponse(w, response{Code: status, Error: http.StatusText(status)})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		c.writeResponse(w, response{Code: http.StatusBadRequest, Error: err.Error()})
		return
	}
	report, err := lightz.DecodeReport(body)
	if err != nil {
		c.writeResponse(w, response{Code: http.StatusBadRequest, Error: err.Error()})
		return
	}
	if report.Runtime.GUID == "" {
		c.writeResponse(w, response{Code: http.StatusBadRequest, Error: "missing runtime guid"})
		return
	}

	c.mtx.Lock()
	c.reports = append(c.reports, report)
	c.mtx.Unlock()

	c.logger.Debug("accepted report",
		"runtime", report.Runtime.GUID,
		"spans", len(report.SpanRecords),
		"logs", len(report.LogRecords),
		"dropped", report.Counter(lightz.CounterDroppedSpans))

	c.writeResponse(w, response{Code: http.StatusOK, Message: "accepted"})
}

func (c *Collector) listReports(w http.ResponseWriter, _ *http.Request) {
	c.mtx.RLock()
	s := summary{Reports: len(c.reports), Operations: make(map[string]int)}
	seen := make(map[string]bool)
	for _, r := range c.reports {
		s.SpanRecords += len(r.SpanRecords)
		s.LogRecords += len(r.LogRecords)
		s.Dropped += r.Counter(lightz.CounterDroppedSpans)
		if !seen[r.Runtime.GUID] {
			seen[r.Runtime.GUID] = true
			s.Runtimes = append(s.Runtimes, r.Runtime.GUID)
		}
		for _, span := range r.SpanRecords {
			s.Operations[span.SpanName]++
		}
	}
	c.mtx.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s); err != nil {
		c.logger.Warn("error while writing summary", "error", err)
	}
}

func (c *Collector) clearReports(w http.ResponseWriter, _ *http.Request) {
	c.Reset()
	c.writeResponse(w, response{Code: http.StatusOK, Message: "cleared"})
}

func (c *Collector) writeResponse(w http.ResponseWriter, res response) {
	if res.Error != "" {
		c.logger.Info("rejected report", "status", res.Code, "error", res.Error)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(res.Code)
	if err := json.NewEncoder(w).Encode(res); err != nil {
		c.logger.Warn("error while writing http response", "error", err)
	}
}
