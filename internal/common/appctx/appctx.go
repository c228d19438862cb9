// Package appctx builds contexts for relay work that has to finish after the
// request or signal that started it is gone: snapshot saves and the shutdown
// sequence.
package appctx

import (
	"context"
	"errors"
	"time"
)

// ErrStopped is the cause of a Detached context ended by its stop channel.
var ErrStopped = errors.New("relay stopping")

// Detached keeps parent's values (request id, trace span) but not its
// cancellation. It ends after timeout, or with cause ErrStopped as soon as
// stopCh closes.
func Detached(parent context.Context, stopCh <-chan struct{}, timeout time.Duration) (context.Context, context.CancelFunc) {
	base := context.Background()
	if parent != nil {
		base = context.WithoutCancel(parent)
	}

	stoppable, stop := context.WithCancelCause(base)
	ctx, cancelTimeout := context.WithTimeout(stoppable, timeout)

	if stopCh != nil {
		go func() {
			select {
			case <-stopCh:
				stop(ErrStopped)
			case <-ctx.Done():
			}
		}()
	}

	return ctx, func() {
		cancelTimeout()
		stop(context.Canceled)
	}
}

// Stopped reports whether ctx ended because its stop channel closed.
func Stopped(ctx context.Context) bool {
	return errors.Is(context.Cause(ctx), ErrStopped)
}
