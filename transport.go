package lightz

import "context"

// Transport delivers one report to a collector.
//
// Implementations must be safe for concurrent use. Report may block on
// network I/O; it is the only call in the reporting path allowed to do so.
// Transports do not buffer or retry, delivery policy belongs to the Tracer.
type Transport interface {
	Report(ctx context.Context, report *Report) error
}

// TransportFunc adapts a function to the Transport interface.
type TransportFunc func(ctx context.Context, report *Report) error

// Report implements Transport.
func (f TransportFunc) Report(ctx context.Context, report *Report) error {
	return f(ctx, report)
}
