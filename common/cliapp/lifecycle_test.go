package cliapp

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
)

type fakeLifecycle struct {
	shutdown context.CancelCauseFunc
	cause    error
	started  atomic.Bool
	stopped  atomic.Bool
}

func (f *fakeLifecycle) Start(ctx context.Context) error {
	f.started.Store(true)
	go f.shutdown(f.cause)
	return nil
}

func (f *fakeLifecycle) Stop(ctx context.Context) error {
	f.stopped.Store(true)
	return nil
}

func (f *fakeLifecycle) Stopped() bool {
	return f.stopped.Load()
}

func run(t *testing.T, fn LifecycleAction) error {
	t.Helper()
	app := &cli.App{
		Name:     "test",
		Commands: []*cli.Command{{Name: "run", Action: LifecycleCmd(fn)}},
	}
	return app.Run([]string{"test", "run"})
}

func TestLifecycleCompletes(t *testing.T) {
	f := &fakeLifecycle{}
	err := run(t, func(ctx *cli.Context, shutdown context.CancelCauseFunc) (Lifecycle, error) {
		f.shutdown = shutdown
		return f, nil
	})
	require.NoError(t, err)
	assert.True(t, f.started.Load())
	assert.True(t, f.Stopped())
}

func TestLifecycleFailureCause(t *testing.T) {
	boom := errors.New("boom")
	f := &fakeLifecycle{cause: boom}
	err := run(t, func(ctx *cli.Context, shutdown context.CancelCauseFunc) (Lifecycle, error) {
		f.shutdown = shutdown
		return f, nil
	})
	assert.ErrorIs(t, err, boom)
	assert.True(t, f.Stopped())
}

func TestLifecycleSetupError(t *testing.T) {
	err := run(t, func(ctx *cli.Context, shutdown context.CancelCauseFunc) (Lifecycle, error) {
		return nil, assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)
}
