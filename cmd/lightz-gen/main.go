// Command lightz-gen emits synthetic traces through a lightz tracer. It is
// handy for exercising a collector or a Zipkin backend.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/tetratelabs/run"
	"github.com/tetratelabs/run/pkg/signal"

	"github.com/zoobzio/lightz/internal/service"
)

func main() {
	g := run.Group{
		Name:     "lightz-gen",
		HelpText: "Synthetic trace generator reporting through lightz",
	}

	svcTracer := &service.Tracer{}
	svcGenerator := &service.Generator{Source: svcTracer}

	// PreRun follows registration order: the tracer must exist before the
	// generator picks it up. Stopping the tracer sends a final report.
	g.Register(
		new(signal.Handler),
		svcTracer,
		svcGenerator,
	)

	if err := g.Run(); err != nil {
		fmt.Printf("%s exit: %v\n", g.Name, err)
		if !errors.Is(err, run.ErrRequestedShutdown) {
			os.Exit(-1)
		}
	}
}
