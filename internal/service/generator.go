package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tetratelabs/multierror"
	"github.com/tetratelabs/run"
	"github.com/zoobzio/clockz"

	"github.com/zoobzio/lightz"
	"github.com/zoobzio/lightz/internal/flags"
)

const (
	flagGenInterval = "gen-interval"
	flagGenWorkers  = "gen-workers"
	flagGenDepth    = "gen-depth"
	flagGenFanout   = "gen-fanout"
	flagGenErrors   = "gen-errors"

	errPercentage flags.Error = "expected percentage value between 0 and 100"
	errPositive   flags.Error = "must be positive"
)

var (
	_ run.Config    = (*Generator)(nil)
	_ run.PreRunner = (*Generator)(nil)
	_ run.Service   = (*Generator)(nil)
)

// Generator implements a run.Group unit producing synthetic traces.
// Each worker emits one trace per interval: a root span with Fanout children
// per level, Depth levels deep.
type Generator struct {
	Source *Tracer
	Clock  clockz.Clock

	Interval time.Duration
	Workers  int
	Depth    int
	Fanout   int
	Errors   int

	tracer    *lightz.Tracer
	generated atomic.Uint64
	stop      chan struct{}
	wg        sync.WaitGroup
	rnd       *rand.Rand
	rndMtx    sync.Mutex
}

// Name implements run.Unit.
func (g *Generator) Name() string {
	return "generator"
}

// FlagSet implements run.Config.
func (g *Generator) FlagSet() *run.FlagSet {
	if g.Interval == 0 {
		g.Interval = 100 * time.Millisecond
	}
	if g.Workers == 0 {
		g.Workers = 1
	}
	if g.Depth == 0 {
		g.Depth = 3
	}
	if g.Fanout == 0 {
		g.Fanout = 2
	}

	flagSet := run.NewFlagSet("Span generator options")

	flagSet.DurationVar(&g.Interval, flagGenInterval, g.Interval,
		`Interval between traces per worker`)
	flagSet.IntVar(&g.Workers, flagGenWorkers, g.Workers,
		`Number of concurrent workers`)
	flagSet.IntVar(&g.Depth, flagGenDepth, g.Depth,
		`Number of span levels per trace`)
	flagSet.IntVar(&g.Fanout, flagGenFanout, g.Fanout,
		`Number of children per span`)
	flagSet.IntVar(&g.Errors, flagGenErrors, g.Errors,
		`Percentage of spans flagged as errors`)

	return flagSet
}

// Validate implements run.Config.
func (g *Generator) Validate() error {
	var mErr error

	if g.Interval <= 0 {
		mErr = multierror.Append(mErr,
			fmt.Errorf(flags.FlagErr, flagGenInterval, errPositive))
	}
	if g.Workers <= 0 {
		mErr = multierror.Append(mErr,
			fmt.Errorf(flags.FlagErr, flagGenWorkers, errPositive))
	}
	if g.Depth <= 0 {
		mErr = multierror.Append(mErr,
			fmt.Errorf(flags.FlagErr, flagGenDepth, errPositive))
	}
	if g.Fanout < 0 {
		mErr = multierror.Append(mErr,
			fmt.Errorf(flags.FlagErr, flagGenFanout, errNegative))
	}
	if g.Errors < 0 || g.Errors > 100 {
		mErr = multierror.Append(mErr,
			fmt.Errorf(flags.FlagErr, flagGenErrors, errPercentage))
	}

	return mErr
}

// PreRun implements run.PreRunner. It must run after the Tracer unit's PreRun.
func (g *Generator) PreRun() error {
	if g.Source == nil || g.Source.Tracer() == nil {
		return errors.New("missing tracer to generate spans with")
	}
	if g.Clock == nil {
		g.Clock = clockz.RealClock
	}
	g.tracer = g.Source.Tracer()
	g.stop = make(chan struct{})
	g.rnd = rand.New(rand.NewSource(g.Clock.Now().UnixNano())) //nolint:gosec
	return nil
}

// Serve implements run.Service.
func (g *Generator) Serve() error {
	for i := 0; i < g.Workers; i++ {
		g.wg.Add(1)
		go g.work(i)
	}
	g.wg.Wait()
	return nil
}

// GracefulStop implements run.Service. Serve returns once every worker has
// finished its current trace.
func (g *Generator) GracefulStop() {
	close(g.stop)
}

// Generated returns the number of spans finished so far.
func (g *Generator) Generated() uint64 {
	return g.generated.Load()
}

func (g *Generator) work(worker int) {
	defer g.wg.Done()

	ticker := g.Clock.NewTicker(g.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-g.stop:
			return
		case <-ticker.C():
			g.Trace(context.Background(), worker)
		}
	}
}

// Trace emits one synthetic trace.
func (g *Generator) Trace(ctx context.Context, worker int) {
	ctx, scope := g.tracer.StartActiveSpan(ctx, "generate",
		lightz.WithTags(map[lightz.Tag]interface{}{"worker": worker}))
	g.level(ctx, scope.Span(), 1)
	_ = scope.Close() //nolint:errcheck
	g.generated.Add(1)
}

func (g *Generator) level(ctx context.Context, parent *lightz.Span, depth int) {
	g.decorate(parent, depth)
	if depth >= g.Depth {
		return
	}
	for i := 0; i < g.Fanout; i++ {
		childCtx, child := g.tracer.StartSpan(ctx, fmt.Sprintf("level-%d", depth))
		child.SetTag("index", i)
		g.level(childCtx, child, depth+1)
		child.Finish()
		g.generated.Add(1)
	}
}

func (g *Generator) decorate(span *lightz.Span, depth int) {
	span.SetTag("depth", depth)
	if g.roll() < g.Errors {
		span.SetError(true)
		span.Log(lightz.LogFields{Event: "error", Message: "synthetic failure", Error: true})
	}
}

func (g *Generator) roll() int {
	g.rndMtx.Lock()
	defer g.rndMtx.Unlock()
	return g.rnd.Intn(100)
}
