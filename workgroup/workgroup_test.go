package workgroup

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAllSubmittedTasksRunBeforeAwaitReturns(t *testing.T) {
	var started int32
	g, _ := New(context.Background(), nil)
	for i := 0; i < 5; i++ {
		require.NoError(t, g.Go(func() error {
			atomic.AddInt32(&started, 1)
			return nil
		}))
	}
	require.NoError(t, g.AwaitTermination())
	require.EqualValues(t, 5, started)
}

func TestAbortCallbackRunsOnceOnFirstFailure(t *testing.T) {
	var aborts int32
	boom := errors.New("boom")
	g, ctx := New(context.Background(), func(cause error) {
		atomic.AddInt32(&aborts, 1)
	})
	require.NoError(t, g.Go(func() error { return boom }))
	require.NoError(t, g.Go(func() error {
		<-ctx.Done()
		return ctx.Err()
	}))

	err := g.AwaitTermination()
	require.ErrorIs(t, err, boom)
	require.EqualValues(t, 1, aborts)
}

func TestGoRejectsTasksAfterAbort(t *testing.T) {
	boom := errors.New("boom")
	g, _ := New(context.Background(), nil)
	require.NoError(t, g.Go(func() error { return boom }))
	require.Eventually(t, func() bool {
		return g.Go(func() error { return nil }) != nil
	}, time.Second, time.Millisecond)
}
