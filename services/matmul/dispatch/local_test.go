// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dispatch

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

func newLocal(t *testing.T) *Local {
	t.Helper()
	l := NewLocal(DefaultConfig())
	t.Cleanup(func() { l.Close() })
	return l
}

func TestLocal_DispatchAndAwait(t *testing.T) {
	l := newLocal(t)
	var got atomic.Value
	require.NoError(t, l.Register("echo", func(_ context.Context, payload []byte) error {
		got.Store(string(payload))
		return nil
	}))

	payload := []byte("hello")
	h, err := l.Dispatch(context.Background(), "echo", payload)
	require.NoError(t, err)
	assert.NotEmpty(t, h)

	// The dispatcher owns a copy of the payload.
	payload[0] = 'J'

	require.NoError(t, l.Await(context.Background(), h))
	assert.Equal(t, "hello", got.Load())
}

func TestLocal_HandlesAreUnique(t *testing.T) {
	l := newLocal(t)
	require.NoError(t, l.Register("noop", func(context.Context, []byte) error { return nil }))

	seen := make(map[Handle]bool)
	for i := 0; i < 50; i++ {
		h, err := l.Dispatch(context.Background(), "noop", nil)
		require.NoError(t, err)
		require.False(t, seen[h])
		seen[h] = true
	}
	for h := range seen {
		require.NoError(t, l.Await(context.Background(), h))
	}
}

func TestLocal_TaskFailure(t *testing.T) {
	l := newLocal(t)
	cause := errors.New("disk on fire")
	require.NoError(t, l.Register("fail", func(context.Context, []byte) error { return cause }))

	h, err := l.Dispatch(context.Background(), "fail", nil)
	require.NoError(t, err)

	err = l.Await(context.Background(), h)
	assert.ErrorIs(t, err, ErrTaskFailed)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrAwaitTimeout)
}

func TestLocal_PanicBecomesFailure(t *testing.T) {
	l := newLocal(t)
	require.NoError(t, l.Register("panic", func(context.Context, []byte) error { panic("boom") }))

	h, err := l.Dispatch(context.Background(), "panic", nil)
	require.NoError(t, err)

	err = l.Await(context.Background(), h)
	assert.ErrorIs(t, err, ErrTaskFailed)
	assert.Contains(t, err.Error(), "boom")
}

func TestLocal_UnknownTask(t *testing.T) {
	l := newLocal(t)
	_, err := l.Dispatch(context.Background(), "missing", nil)
	assert.ErrorIs(t, err, ErrDispatch)
}

func TestLocal_RegisterValidation(t *testing.T) {
	l := newLocal(t)
	fn := func(context.Context, []byte) error { return nil }
	require.NoError(t, l.Register("task", fn))
	assert.Error(t, l.Register("task", fn))
	assert.Error(t, l.Register("", fn))
	assert.Error(t, l.Register("nil", nil))
}

func TestLocal_AwaitTimeout(t *testing.T) {
	l := newLocal(t)
	release := make(chan struct{})
	require.NoError(t, l.Register("slow", func(context.Context, []byte) error {
		<-release
		return nil
	}))

	h, err := l.Dispatch(context.Background(), "slow", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = l.Await(ctx, h)
	assert.ErrorIs(t, err, ErrAwaitTimeout)
	assert.NotErrorIs(t, err, ErrTaskFailed)

	// The call is still awaitable after a timeout.
	close(release)
	assert.NoError(t, l.Await(context.Background(), h))
}

func TestLocal_AwaitCancelled(t *testing.T) {
	l := newLocal(t)
	release := make(chan struct{})
	defer close(release)
	require.NoError(t, l.Register("slow", func(context.Context, []byte) error {
		<-release
		return nil
	}))

	h, err := l.Dispatch(context.Background(), "slow", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, l.Await(ctx, h), context.Canceled)
}

func TestLocal_HandleResolvesOnce(t *testing.T) {
	l := newLocal(t)
	require.NoError(t, l.Register("noop", func(context.Context, []byte) error { return nil }))

	h, err := l.Dispatch(context.Background(), "noop", nil)
	require.NoError(t, err)
	require.NoError(t, l.Await(context.Background(), h))
	assert.ErrorIs(t, l.Await(context.Background(), h), ErrUnknownHandle)
	assert.ErrorIs(t, l.Await(context.Background(), Handle("bogus")), ErrUnknownHandle)
}

func TestLocal_TaskOutlivesDispatchContext(t *testing.T) {
	l := newLocal(t)
	var taskErr atomic.Value
	started := make(chan struct{})
	require.NoError(t, l.Register("detached", func(ctx context.Context, _ []byte) error {
		close(started)
		time.Sleep(10 * time.Millisecond)
		taskErr.Store(ctx.Err() == nil)
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	h, err := l.Dispatch(ctx, "detached", nil)
	require.NoError(t, err)
	<-started
	cancel()

	require.NoError(t, l.Await(context.Background(), h))
	assert.Equal(t, true, taskErr.Load())
}

func TestLocal_RateLimited(t *testing.T) {
	l := NewLocal(Config{RateLimit: rate.Every(time.Hour), Burst: 1})
	defer l.Close()
	require.NoError(t, l.Register("noop", func(context.Context, []byte) error { return nil }))

	h, err := l.Dispatch(context.Background(), "noop", nil)
	require.NoError(t, err)
	require.NoError(t, l.Await(context.Background(), h))

	// The bucket is empty and the next token is an hour away.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Dispatch(ctx, "noop", nil)
	assert.ErrorIs(t, err, ErrDispatch)
}

func TestLocal_Close(t *testing.T) {
	l := NewLocal(DefaultConfig())
	require.NoError(t, l.Register("wait", func(ctx context.Context, _ []byte) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	h, err := l.Dispatch(context.Background(), "wait", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, l.InFlight())

	require.NoError(t, l.Close())
	assert.Equal(t, 0, l.InFlight())
	assert.ErrorIs(t, l.Await(context.Background(), h), ErrTaskFailed)

	_, err = l.Dispatch(context.Background(), "wait", nil)
	assert.ErrorIs(t, err, ErrDispatch)
}

func TestLocal_PropagatesTraceContext(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	prevTP, prevProp := otel.GetTracerProvider(), otel.GetTextMapPropagator()
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() {
		otel.SetTracerProvider(prevTP)
		otel.SetTextMapPropagator(prevProp)
	})

	l := newLocal(t)
	seen := make(chan trace.TraceID, 1)
	require.NoError(t, l.Register("trace", func(ctx context.Context, _ []byte) error {
		seen <- trace.SpanContextFromContext(ctx).TraceID()
		return nil
	}))

	ctx, span := otel.Tracer("test").Start(context.Background(), "parent")
	defer span.End()
	h, err := l.Dispatch(ctx, "trace", nil)
	require.NoError(t, err)
	require.NoError(t, l.Await(context.Background(), h))

	assert.Equal(t, span.SpanContext().TraceID(), <-seen)
}
