package progress

import "context"

// Sink consumes batches of events. Implementations must tolerate batches
// arriving out of order relative to wall time and must not retain the slice.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}
