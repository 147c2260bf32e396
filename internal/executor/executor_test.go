package executor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllSucceed(t *testing.T) {
	e := New(4)
	var n int64
	for i := 0; i < 20; i++ {
		e.Submit(func(ctx context.Context) error {
			atomic.AddInt64(&n, 1)
			return nil
		})
	}
	require.NoError(t, e.Wait())
	assert.EqualValues(t, 20, n)
}

func TestThrowOnErrorReturnsFirstFailure(t *testing.T) {
	e := New(2)
	boom := errors.New("boom")
	e.Submit(func(ctx context.Context) error { return boom })
	var ranAfterFailure int64
	e.Submit(func(ctx context.Context) error {
		<-ctx.Done() // cooperative: stop waiting once cancelled
		atomic.AddInt64(&ranAfterFailure, 1)
		return nil
	})
	err := e.Wait()
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
}

func TestAccumulateModeCollectsAllErrors(t *testing.T) {
	e := New(4)
	e.SetThrowOnError(false)
	e1 := errors.New("err1")
	e2 := errors.New("err2")
	e.Submit(func(ctx context.Context) error { return e1 })
	e.Submit(func(ctx context.Context) error { return e2 })
	e.Submit(func(ctx context.Context) error { return nil })
	err := e.Wait()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "err1")
	assert.Contains(t, err.Error(), "err2")
}

func TestReentrantSubmit(t *testing.T) {
	e := New(4)
	var n int64
	var submit func(depth int)
	submit = func(depth int) {
		e.Submit(func(ctx context.Context) error {
			atomic.AddInt64(&n, 1)
			if depth > 0 {
				submit(depth - 1)
			}
			return nil
		})
	}
	submit(3)
	require.NoError(t, e.Wait())
	assert.EqualValues(t, 4, n)
}

func TestExecutorReusableAfterWait(t *testing.T) {
	e := New(2)
	e.Submit(func(ctx context.Context) error { return nil })
	require.NoError(t, e.Wait())
	e.Submit(func(ctx context.Context) error { return nil })
	require.NoError(t, e.Wait())
}
