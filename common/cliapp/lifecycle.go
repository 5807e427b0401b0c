package cliapp

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"
)

var ErrInterrupted = errors.New("interrupted")

const stopTimeout = time.Minute

type Lifecycle interface {
	// Start starts the service. It must not block.
	Start(ctx context.Context) error
	// Stop stops a started service, waiting at most until ctx ends.
	Stop(ctx context.Context) error
	Stopped() bool
}

// LifecycleAction builds a service from the command line. The service calls
// shutdown when it is done on its own; a nil cause means success.
type LifecycleAction func(ctx *cli.Context, shutdown context.CancelCauseFunc) (Lifecycle, error)

// LifecycleCmd runs the service built by fn until it shuts itself down or the
// process is interrupted, then stops it.
func LifecycleCmd(fn LifecycleAction) cli.ActionFunc {
	return func(ctx *cli.Context) error {
		appCtx, appCancel := context.WithCancelCause(ctx.Context)
		defer appCancel(nil)

		sigCtx, stopSignals := signal.NotifyContext(appCtx, os.Interrupt, syscall.SIGTERM)
		defer stopSignals()
		go func() {
			<-sigCtx.Done()
			if appCtx.Err() == nil {
				appCancel(ErrInterrupted)
			}
		}()

		ctx.Context = appCtx
		appLifecycle, err := fn(ctx, appCancel)
		if err != nil {
			return errors.Join(fmt.Errorf("failed to setup: %w", err), ignoreDone(context.Cause(appCtx)))
		}
		if err := appLifecycle.Start(appCtx); err != nil {
			return errors.Join(fmt.Errorf("failed to start: %w", err), ignoreDone(context.Cause(appCtx)))
		}

		<-appCtx.Done()
		cause := context.Cause(appCtx)
		if errors.Is(cause, ErrInterrupted) {
			log.Info("received interrupt, stopping")
		}

		stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		stopErr := appLifecycle.Stop(stopCtx)
		if stopErr != nil {
			stopErr = fmt.Errorf("failed to stop: %w", stopErr)
		}
		return errors.Join(ignoreDone(cause), stopErr)
	}
}

func ignoreDone(cause error) error {
	if cause == nil || errors.Is(cause, context.Canceled) || errors.Is(cause, ErrInterrupted) {
		return nil
	}
	return cause
}
