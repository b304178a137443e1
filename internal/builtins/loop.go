// ABOUTME: Shared consumer loop for built-in features: drains a fan-in consumer on its own goroutine
// ABOUTME: The loop runs on a context detached from Init and stops when the feature shuts down

package builtins

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/2389/coven-endpoint/internal/fanin"
	"github.com/2389/coven-endpoint/internal/wire"
)

// consumerLoop calls handle for every envelope a consumer yields.
type consumerLoop struct {
	in     *fanin.Consumer
	cancel context.CancelFunc
	done   chan struct{}
}

func startLoop(in *fanin.Consumer, logger *slog.Logger, handle func(ctx context.Context, env *wire.Envelope)) *consumerLoop {
	ctx, cancel := context.WithCancel(context.Background())
	l := &consumerLoop{in: in, cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(l.done)
		for {
			env, err := in.Next(ctx)
			if err != nil {
				switch {
				case errors.Is(err, io.EOF), errors.Is(err, context.Canceled):
				case errors.Is(err, fanin.ErrOverflow):
					logger.Warn("consumer fell behind and was closed", "consumer_id", in.ID())
				default:
					logger.Error("reading inbound stream", "error", err)
				}
				return
			}
			handle(ctx, env)
		}
	}()
	return l
}

// stop ends the loop and waits for it, bounded by ctx.
func (l *consumerLoop) stop(ctx context.Context) error {
	if l == nil {
		return nil
	}
	l.cancel()
	l.in.Close()
	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
