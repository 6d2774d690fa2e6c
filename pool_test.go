package proofdb

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type runnerFunc func(ctx context.Context) error

func (f runnerFunc) Run(ctx context.Context) error {
	return f(ctx)
}

func TestWorkerPoolStopsOnCancel(t *testing.T) {
	var running int32
	loop := runnerFunc(func(ctx context.Context) error {
		atomic.AddInt32(&running, 1)
		<-ctx.Done()
		return nil
	})
	p := NewWorkerPool(loop, loop)
	p.Add(loop)
	require.Equal(t, 3, p.Len())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	require.Eventually(t, func() bool { return atomic.LoadInt32(&running) == 3 }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestWorkerPoolFailure(t *testing.T) {
	boom := errors.New("boom")
	p := NewWorkerPool(
		runnerFunc(func(ctx context.Context) error { <-ctx.Done(); return nil }),
		runnerFunc(func(context.Context) error { return boom }),
	)
	require.ErrorIs(t, p.Run(context.Background()), boom)
}
