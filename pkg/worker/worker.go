// Package worker is the child-side half of the supervisor contract.
//
// A worker binary calls Run from main. Run opens the channel inherited from
// the supervisor, ignores interactive interrupts (the supervisor owns
// shutdown signalling), announces itself and then loops over control
// messages until it is told to QUIT or the channel goes away.
//
//	func main() {
//	    ctx, cancel := context.WithCancel(context.Background())
//	    defer cancel()
//	    go doWork(ctx)
//	    if err := worker.Run(ctx, nil); err != nil {
//	        os.Exit(1)
//	    }
//	}
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/jrepp/procvisor/pkg/channel"
)

// EnvWorkerID carries the worker identity assigned by the supervisor.
const EnvWorkerID = "PROCVISOR_WORKER_ID"

// Handler receives every control message other than QUIT. Returning an
// error stops the loop and is returned from Serve.
type Handler func(ctx context.Context, msg string) error

// ID returns the worker identity assigned by the supervisor, or "" when the
// process was started by hand.
func ID() string {
	return os.Getenv(EnvWorkerID)
}

// Open returns the channel inherited from the supervisor.
func Open() (*channel.Channel, error) {
	ch, err := channel.FromEnv()
	if err != nil {
		return nil, fmt.Errorf("open supervisor channel: %w", err)
	}
	return ch, nil
}

// Run is the standard worker entry point. It returns nil when the worker was
// asked to quit or the supervisor went away.
func Run(ctx context.Context, h Handler) error {
	signal.Ignore(os.Interrupt)

	ch, err := Open()
	if err != nil {
		return err
	}
	defer ch.Close()

	// best effort; the supervisor does not require it
	_ = ch.Send(channel.MessageReady)

	return Serve(ctx, ch, h)
}

// Serve reads control messages from ch until QUIT, EOF or ctx is done.
func Serve(ctx context.Context, ch *channel.Channel, h Handler) error {
	stop := context.AfterFunc(ctx, func() {
		ch.Close()
	})
	defer stop()

	for {
		msg, err := ch.Receive()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, channel.ErrClosed) {
				return nil
			}
			return err
		}

		if msg == channel.MessageQuit {
			return nil
		}

		if h != nil {
			if err := h(ctx, msg); err != nil {
				return fmt.Errorf("handle %q: %w", msg, err)
			}
		}
	}
}
