package metrics

import "context"

// Recorder lets services bridge connection-layer events to their
// observability stack without the recoverable package depending on one.
type Recorder interface {
	OnConnectionOpened(ctx context.Context, endpoint string, generation uint64)
	OnConnectionFailed(ctx context.Context, endpoint string, err error)
	OnConnectionInvalidated(ctx context.Context, endpoint string, generation uint64)
	OnLinkCreated(ctx context.Context, kind string, generation uint64)
	OnRetry(ctx context.Context, operation string, attempt int, err error)
}

// Noop is the default Recorder.
type Noop struct{}

func (Noop) OnConnectionOpened(context.Context, string, uint64)      {}
func (Noop) OnConnectionFailed(context.Context, string, error)       {}
func (Noop) OnConnectionInvalidated(context.Context, string, uint64) {}
func (Noop) OnLinkCreated(context.Context, string, uint64)           {}
func (Noop) OnRetry(context.Context, string, int, error)             {}
