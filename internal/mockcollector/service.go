package mockcollector

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/tetratelabs/multierror"
	"github.com/tetratelabs/run"

	"github.com/zoobzio/lightz/internal/flags"
)

const (
	flagListenAddress = "collector-listen-address"
	flagAccessToken   = "collector-access-token"

	defaultListenAddress = ":8360"
)

var (
	_ run.Config    = (*Service)(nil)
	_ run.PreRunner = (*Service)(nil)
	_ run.Service   = (*Service)(nil)
)

// Service implements a run.Group compatible HTTP server in front of a
// Collector.
type Service struct {
	ListenAddress string
	AccessToken   string
	Logger        hclog.Logger

	Collector *Collector

	server *http.Server
	l      net.Listener
}

// Name implements run.Unit.
func (s *Service) Name() string {
	return "collector"
}

// FlagSet implements run.Config.
func (s *Service) FlagSet() *run.FlagSet {
	if s.ListenAddress == "" {
		s.ListenAddress = defaultListenAddress
	}
	flagSet := run.NewFlagSet("Mock collector options")

	flagSet.StringVarP(
		&s.ListenAddress,
		flagListenAddress, "a",
		s.ListenAddress,
		`Collector listen address, e.g. ":8360" or "localhost:8360"`)
	flagSet.StringVar(
		&s.AccessToken,
		flagAccessToken,
		s.AccessToken,
		`Access token reports must carry, any non-blank token when empty`)

	return flagSet
}

// Validate implements run.Config.
func (s *Service) Validate() error {
	var mErr error

	if s.ListenAddress != "" {
		if _, _, err := net.SplitHostPort(s.ListenAddress); err != nil {
			mErr = multierror.Append(mErr,
				fmt.Errorf(flags.FlagErr, flagListenAddress, err))
		}
	} else {
		mErr = multierror.Append(mErr,
			fmt.Errorf(flags.FlagErr, flagListenAddress, flags.ErrRequired))
	}

	return mErr
}

// PreRun implements run.PreRunner. The listener is opened here so Addr is
// known before Serve runs.
func (s *Service) PreRun() (err error) {
	if s.Logger == nil {
		s.Logger = hclog.New(&hclog.LoggerOptions{Name: "collector"})
	}
	if s.Collector == nil {
		s.Collector = New(s.AccessToken, s.Logger)
	}

	s.l, err = net.Listen("tcp", s.ListenAddress)
	if err != nil {
		return err
	}
	s.server = &http.Server{
		Handler:      s.Collector.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	s.Logger.Info("collector listening", "address", s.l.Addr().String())
	return nil
}

// Addr returns the bound address once PreRun has run.
func (s *Service) Addr() net.Addr {
	if s.l == nil {
		return nil
	}
	return s.l.Addr()
}

// Serve implements run.Service.
func (s *Service) Serve() error {
	if err := s.server.Serve(s.l); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// GracefulStop implements run.Service.
func (s *Service) GracefulStop() {
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(5*time.Second))
	defer cancel()

	if s.server != nil {
		_ = s.server.Shutdown(ctx)
	}
	if s.l != nil {
		_ = s.l.Close()
	}
}
