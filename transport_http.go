package lightz

import (
	"bytes"
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
)

// Wire constants of the HTTP/JSON collector API.
const (
	ReportsPath       = "/api/v0/reports"
	AccessTokenHeader = "LightStep-Access-Token"
)

// HTTPTransportConfig configures NewHTTPTransport.
//
//nolint:govet // Field order follows documentation order
type HTTPTransportConfig struct {
	AccessToken string
	Host        string
	Port        int
	Encryption  Encryption
	TLSConfig   *tls.Config
	Verbosity   int

	// KeepAlive is how long the idle connection is kept open between reports.
	KeepAlive time.Duration
	// Timeout bounds each request. Zero leaves requests bounded only by the
	// caller's context.
	Timeout time.Duration

	Logger hclog.Logger
}

// HTTPTransport posts JSON reports to a collector over one persistent
// connection. Safe for concurrent use; requests are serialized.
//
//nolint:govet // Field order optimized for readability over memory
type HTTPTransport struct {
	logger    hclog.Logger
	tlsConfig *tls.Config
	conn      *httpConn
	endpoint  string
	token     string
	verbosity int
	keepAlive time.Duration
	timeout   time.Duration
	mu        sync.Mutex // Held for the whole lifetime of a request.
}

// httpConn is the connection handle shared by every report.
type httpConn struct {
	client    *http.Client
	transport *http.Transport
}

var _ Transport = (*HTTPTransport)(nil)

// NewHTTPTransport validates cfg and returns a transport. No connection is
// opened until the first report.
func NewHTTPTransport(cfg HTTPTransportConfig) (*HTTPTransport, error) {
	if err := validateAccessToken(cfg.AccessToken); err != nil {
		return nil, err
	}

	if cfg.Host == "" {
		cfg.Host = DefaultCollectorHost
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultCollectorPort
	}
	if cfg.KeepAlive == 0 {
		cfg.KeepAlive = DefaultKeepAlive
	}
	if cfg.Logger == nil {
		cfg.Logger = NewLogger("lightz.http", cfg.Verbosity)
	}

	var scheme string
	switch cfg.Encryption {
	case "", EncryptionTLS:
		scheme = "https"
	case EncryptionNone:
		scheme = "http"
	default:
		return nil, newConfigError("encryption", "unknown mode "+strconv.Quote(string(cfg.Encryption)))
	}

	return &HTTPTransport{
		logger:    cfg.Logger,
		tlsConfig: cfg.TLSConfig,
		endpoint:  scheme + "://" + net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)) + ReportsPath,
		token:     cfg.AccessToken,
		verbosity: cfg.Verbosity,
		keepAlive: cfg.KeepAlive,
		timeout:   cfg.Timeout,
	}, nil
}

// Endpoint returns the URL reports are posted to.
func (h *HTTPTransport) Endpoint() string {
	return h.endpoint
}

// Report implements Transport.
func (h *HTTPTransport) Report(ctx context.Context, report *Report) error {
	body, err := EncodeReport(report)
	if err != nil {
		return &TransportError{Op: "encode", Err: err}
	}

	if h.verbosity >= MaxVerbosity {
		h.logger.Debug("sending report", "endpoint", h.endpoint, "payload", string(body))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return &TransportError{Op: "request", Err: errors.Wrap(err, "build report request")}
	}
	req.Header.Set(AccessTokenHeader, h.token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Connection", "keep-alive")

	h.mu.Lock()
	defer h.mu.Unlock()

	resp, err := h.startLocked().client.Do(req)
	if err != nil {
		return &TransportError{Op: "post", Err: errors.Wrap(err, "post report")}
	}
	defer resp.Body.Close()

	// Drain so the connection can be reused for the next report.
	_, _ = io.Copy(io.Discard, resp.Body) //nolint:errcheck

	if h.verbosity >= MaxVerbosity {
		h.logger.Debug("report response", "status", resp.Status)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &TransportError{
			Op:         "post",
			StatusCode: resp.StatusCode,
			Err:        errors.Errorf("collector responded %s", resp.Status),
		}
	}
	return nil
}

// startLocked opens the connection handle on first use.
// Must be called with h.mu held.
func (h *HTTPTransport) startLocked() *httpConn {
	if h.conn != nil {
		return h.conn
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSClientConfig:     h.tlsConfig,
		MaxIdleConns:        1,
		MaxIdleConnsPerHost: 1,
		MaxConnsPerHost:     1,
		IdleConnTimeout:     h.keepAlive,
	}
	h.conn = &httpConn{
		client:    &http.Client{Transport: transport, Timeout: h.timeout},
		transport: transport,
	}
	h.logger.Debug("started collector connection", "endpoint", h.endpoint)
	return h.conn
}

// Close releases the persistent connection. A later Report reopens it.
func (h *HTTPTransport) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.conn != nil {
		h.conn.transport.CloseIdleConnections()
		h.conn = nil
	}
	return nil
}

func validateAccessToken(token string) error {
	if !utf8.ValidString(token) {
		return newConfigError("access token", "must be a string")
	}
	if strings.TrimSpace(token) == "" {
		return newConfigError("access token", "cannot be blank")
	}
	return nil
}
