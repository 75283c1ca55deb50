package lightz

import (
	"crypto/tls"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"github.com/zoobzio/clockz"
)

// Encryption selects how the HTTP transport talks to the collector.
type Encryption string

// Supported encryption modes.
const (
	EncryptionTLS  Encryption = "tls"
	EncryptionNone Encryption = "none"
)

// Defaults applied by Config.withDefaults.
const (
	DefaultCollectorHost  = "collector.lightstep.com"
	DefaultCollectorPort  = 443
	DefaultMaxSpanRecords = 1000
	DefaultMaxLogRecords  = 1000
	DefaultFlushInterval  = 3 * time.Second
	DefaultCloseTimeout   = 5 * time.Second
	DefaultKeepAlive      = 5 * time.Second

	// MaxVerbosity is the most detailed diagnostic level.
	MaxVerbosity = 3
)

// Config holds everything a Tracer needs. Loading it from flags, files or the
// environment is left to the caller.
//
//nolint:govet // Field order follows documentation order
type Config struct {
	// AccessToken authenticates against the collector. Required unless a
	// Transport is supplied.
	AccessToken string
	Host        string
	Port        int
	Encryption  Encryption
	TLSConfig   *tls.Config

	// Verbosity only affects diagnostic output: 0 errors, 1 warnings,
	// 2 info, 3 debug including full report payloads.
	Verbosity int

	// ComponentName and Tags describe the runtime on every report.
	ComponentName string
	Tags          map[string]string

	MaxSpanRecords int
	MaxLogRecords  int
	FlushInterval  time.Duration
	CloseTimeout   time.Duration

	// DetectLeaks logs spans that are garbage collected without Finish.
	DetectLeaks bool

	// Transport overrides the HTTP/JSON transport built from the fields above.
	Transport Transport
	Logger    hclog.Logger
	Clock     clockz.Clock
}

// Validate checks every field and returns all problems at once.
func (c Config) Validate() error {
	var mErr error

	if c.Port < 0 || c.Port > 65535 {
		mErr = multierror.Append(mErr, newConfigError("port", fmt.Sprintf("out of range: %d", c.Port)))
	}
	switch c.Encryption {
	case "", EncryptionTLS, EncryptionNone:
	default:
		mErr = multierror.Append(mErr, newConfigError("encryption", fmt.Sprintf("unknown mode %q", c.Encryption)))
	}
	if c.Verbosity < 0 || c.Verbosity > MaxVerbosity {
		mErr = multierror.Append(mErr, newConfigError("verbosity", fmt.Sprintf("must be between 0 and %d", MaxVerbosity)))
	}
	if c.MaxSpanRecords < 0 {
		mErr = multierror.Append(mErr, newConfigError("max span records", "must not be negative"))
	}
	if c.MaxLogRecords < 0 {
		mErr = multierror.Append(mErr, newConfigError("max log records", "must not be negative"))
	}
	if c.FlushInterval < 0 {
		mErr = multierror.Append(mErr, newConfigError("flush interval", "must not be negative"))
	}
	if c.CloseTimeout < 0 {
		mErr = multierror.Append(mErr, newConfigError("close timeout", "must not be negative"))
	}
	if c.Transport == nil {
		if err := validateAccessToken(c.AccessToken); err != nil {
			mErr = multierror.Append(mErr, err)
		}
	}

	return mErr
}

// withDefaults fills zero values.
func (c Config) withDefaults() Config {
	if c.Host == "" {
		c.Host = DefaultCollectorHost
	}
	if c.Port == 0 {
		c.Port = DefaultCollectorPort
	}
	if c.Encryption == "" {
		c.Encryption = EncryptionTLS
	}
	if c.MaxSpanRecords == 0 {
		c.MaxSpanRecords = DefaultMaxSpanRecords
	}
	if c.MaxLogRecords == 0 {
		c.MaxLogRecords = DefaultMaxLogRecords
	}
	if c.FlushInterval == 0 {
		c.FlushInterval = DefaultFlushInterval
	}
	if c.CloseTimeout == 0 {
		c.CloseTimeout = DefaultCloseTimeout
	}
	if c.Clock == nil {
		c.Clock = clockz.RealClock
	}
	if c.Logger == nil {
		c.Logger = NewLogger("lightz", c.Verbosity)
	}
	return c
}

// NewLogger returns a logger whose level follows the verbosity scale used by
// Config.Verbosity.
func NewLogger(name string, verbosity int) hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:  name,
		Level: levelFor(verbosity),
	})
}

func levelFor(verbosity int) hclog.Level {
	switch {
	case verbosity <= 0:
		return hclog.Error
	case verbosity == 1:
		return hclog.Warn
	case verbosity == 2:
		return hclog.Info
	default:
		return hclog.Debug
	}
}
