// Package service holds the run.Group units used by the lightz binaries.
package service

import (
	"fmt"
	"net/url"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/tetratelabs/multierror"
	"github.com/tetratelabs/run"

	"github.com/zoobzio/lightz"
	"github.com/zoobzio/lightz/internal/flags"
	"github.com/zoobzio/lightz/zipkin"
)

// flags
const (
	flagTransport     = "tracer-transport"
	flagAccessToken   = "tracer-access-token"
	flagHost          = "tracer-collector-host"
	flagPort          = "tracer-collector-port"
	flagPlaintext     = "tracer-plaintext"
	flagVerbosity     = "tracer-verbosity"
	flagComponent     = "tracer-component-name"
	flagMaxSpans      = "tracer-max-span-records"
	flagFlushInterval = "tracer-flush-interval"
	flagZipkinURL     = "tracer-zipkin-url"
)

// Transport kinds selectable with --tracer-transport.
const (
	TransportLightstep = "lightstep"
	TransportZipkin    = "zipkin"
)

const (
	defaultZipkinURL = "http://zipkin:9411/api/v2/spans"

	errTransport flags.Error = "expected lightstep or zipkin"
	errNegative  flags.Error = "must not be negative"
	errRange     flags.Error = "out of range"
)

var (
	_ run.Config    = (*Tracer)(nil)
	_ run.PreRunner = (*Tracer)(nil)
	_ run.Service   = (*Tracer)(nil)
)

// Tracer implements a run.Group unit owning a lightz.Tracer. Stopping the
// group closes the tracer, which sends a final report.
type Tracer struct {
	Transport     string
	AccessToken   string
	Host          string
	Port          int
	Plaintext     bool
	Verbosity     int
	ComponentName string
	MaxSpans      int
	FlushInterval time.Duration
	ZipkinURL     string

	Logger hclog.Logger

	tracer *lightz.Tracer
	closer chan error
}

// Name implements run.Unit.
func (s *Tracer) Name() string {
	return "tracer"
}

// GroupName implements run.Namer so the component name defaults to the name
// of the run.Group.
func (s *Tracer) GroupName(name string) {
	if s.ComponentName == "" {
		s.ComponentName = name
	}
}

// FlagSet implements run.Config.
func (s *Tracer) FlagSet() *run.FlagSet {
	if s.Transport == "" {
		s.Transport = TransportLightstep
	}
	if s.Host == "" {
		s.Host = lightz.DefaultCollectorHost
	}
	if s.Port == 0 {
		s.Port = lightz.DefaultCollectorPort
	}
	if s.MaxSpans == 0 {
		s.MaxSpans = lightz.DefaultMaxSpanRecords
	}
	if s.FlushInterval == 0 {
		s.FlushInterval = lightz.DefaultFlushInterval
	}
	if s.ZipkinURL == "" {
		s.ZipkinURL = defaultZipkinURL
	}

	flagSet := run.NewFlagSet("Tracer options")

	flagSet.StringVar(&s.Transport, flagTransport, s.Transport,
		`Report transport, "lightstep" or "zipkin"`)
	flagSet.StringVar(&s.AccessToken, flagAccessToken, s.AccessToken,
		`Collector access token`)
	flagSet.StringVar(&s.Host, flagHost, s.Host,
		`Collector host`)
	flagSet.IntVar(&s.Port, flagPort, s.Port,
		`Collector port`)
	flagSet.BoolVar(&s.Plaintext, flagPlaintext, s.Plaintext,
		`Talk to the collector without TLS`)
	flagSet.IntVarP(&s.Verbosity, flagVerbosity, "v", s.Verbosity,
		`Diagnostic verbosity from 0 (errors) to 3 (full payloads)`)
	flagSet.StringVar(&s.ComponentName, flagComponent, s.ComponentName,
		`Component name reported with every span`)
	flagSet.IntVar(&s.MaxSpans, flagMaxSpans, s.MaxSpans,
		`Maximum number of spans buffered between reports`)
	flagSet.DurationVar(&s.FlushInterval, flagFlushInterval, s.FlushInterval,
		`Interval between reports`)
	flagSet.StringVar(&s.ZipkinURL, flagZipkinURL, s.ZipkinURL,
		`Zipkin v2 spans endpoint used by the zipkin transport`)

	return flagSet
}

// Validate implements run.Config.
func (s *Tracer) Validate() error {
	var mErr error

	switch s.Transport {
	case TransportLightstep:
		if s.AccessToken == "" {
			mErr = multierror.Append(mErr,
				fmt.Errorf(flags.FlagErr, flagAccessToken, flags.ErrRequired))
		}
		if s.Host == "" {
			mErr = multierror.Append(mErr,
				fmt.Errorf(flags.FlagErr, flagHost, flags.ErrRequired))
		}
		if s.Port <= 0 || s.Port > 65535 {
			mErr = multierror.Append(mErr,
				fmt.Errorf(flags.FlagErr, flagPort, errRange))
		}
	case TransportZipkin:
		if _, err := url.ParseRequestURI(s.ZipkinURL); err != nil {
			mErr = multierror.Append(mErr,
				fmt.Errorf(flags.FlagErr, flagZipkinURL, err))
		}
	default:
		mErr = multierror.Append(mErr,
			fmt.Errorf(flags.FlagErr, flagTransport, errTransport))
	}
	if s.Verbosity < 0 || s.Verbosity > lightz.MaxVerbosity {
		mErr = multierror.Append(mErr,
			fmt.Errorf(flags.FlagErr, flagVerbosity, errRange))
	}
	if s.MaxSpans < 0 {
		mErr = multierror.Append(mErr,
			fmt.Errorf(flags.FlagErr, flagMaxSpans, errNegative))
	}
	if s.FlushInterval < 0 {
		mErr = multierror.Append(mErr,
			fmt.Errorf(flags.FlagErr, flagFlushInterval, errNegative))
	}

	return mErr
}

// PreRun implements run.PreRunner.
func (s *Tracer) PreRun() error {
	if s.Logger == nil {
		s.Logger = lightz.NewLogger("lightz", s.Verbosity)
	}

	cfg := lightz.Config{
		AccessToken:    s.AccessToken,
		Host:           s.Host,
		Port:           s.Port,
		Verbosity:      s.Verbosity,
		ComponentName:  s.ComponentName,
		MaxSpanRecords: s.MaxSpans,
		FlushInterval:  s.FlushInterval,
		Logger:         s.Logger,
	}
	if s.Plaintext {
		cfg.Encryption = lightz.EncryptionNone
	}
	if s.Transport == TransportZipkin {
		transport, err := zipkin.New(zipkin.Config{
			URL:         s.ZipkinURL,
			ServiceName: s.ComponentName,
			Logger:      s.Logger.Named("zipkin"),
		})
		if err != nil {
			return err
		}
		cfg.Transport = transport
	}

	tracer, err := lightz.New(cfg)
	if err != nil {
		return err
	}
	s.tracer = tracer
	s.closer = make(chan error)
	return nil
}

// Tracer returns the tracer created by PreRun.
func (s *Tracer) Tracer() *lightz.Tracer {
	return s.tracer
}

// Serve implements run.Service.
func (s *Tracer) Serve() error {
	return <-s.closer
}

// GracefulStop implements run.Service.
func (s *Tracer) GracefulStop() {
	close(s.closer)
	s.tracer.Close()
}
