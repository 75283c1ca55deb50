// Command lightz-collector runs an in-memory collector accepting lightz
// HTTP/JSON reports. GET /api/v0/reports returns a summary of what arrived.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/tetratelabs/run"
	"github.com/tetratelabs/run/pkg/signal"

	"github.com/zoobzio/lightz/internal/mockcollector"
)

func main() {
	g := run.Group{
		Name:     "lightz-collector",
		HelpText: "In-memory collector for lightz reports",
	}

	g.Register(
		new(signal.Handler),
		&mockcollector.Service{},
	)

	if err := g.Run(); err != nil {
		fmt.Printf("%s exit: %v\n", g.Name, err)
		if !errors.Is(err, run.ErrRequestedShutdown) {
			os.Exit(-1)
		}
	}
}
