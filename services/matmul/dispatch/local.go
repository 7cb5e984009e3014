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
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/dncmul/services/telemetry"
)

var meter = otel.Meter("dncmul.dispatch")

// Config tunes a Local dispatcher.
type Config struct {
	// RateLimit caps dispatches per second. Zero means unlimited.
	RateLimit rate.Limit

	// Burst is the limiter bucket size. Ignored when RateLimit is zero.
	Burst int

	// Logger for task lifecycle events. Nil uses slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns an unthrottled configuration.
func DefaultConfig() Config {
	return Config{RateLimit: 0, Burst: 1}
}

// call is the bookkeeping for one dispatched task.
type call struct {
	task string
	done chan struct{}
	err  error
}

// Local runs each dispatched task on its own goroutine in this process.
//
// Description:
//
//	Tasks are looked up by name in a registry populated with Register.
//	Each call gets a uuid handle. A panicking task is reported as a
//	failed call rather than crashing the process. Trace context is carried
//	from the dispatching span into the task through a propagation map.
//
//	Local never bounds the number of running tasks: interior nodes block
//	in Await while holding their goroutine, so a slot limit here could
//	deadlock a deep tree.
//
// Thread Safety: safe for concurrent use.
type Local struct {
	logger  *slog.Logger
	limiter *rate.Limiter

	mu    sync.RWMutex
	tasks map[string]TaskFunc
	calls map[Handle]*call

	inFlight atomic.Int64
	wg       sync.WaitGroup

	baseCtx context.Context
	cancel  context.CancelFunc

	metricsOnce  sync.Once
	dispatched   metric.Int64Counter
	failed       metric.Int64Counter
	taskDuration metric.Float64Histogram
}

var _ Dispatcher = (*Local)(nil)

// NewLocal creates an in-process dispatcher.
func NewLocal(cfg Config) *Local {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	limit := rate.Inf
	burst := 1
	if cfg.RateLimit > 0 {
		limit = cfg.RateLimit
		burst = max(cfg.Burst, 1)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Local{
		logger:  logger.With(slog.String("component", "dispatch")),
		limiter: rate.NewLimiter(limit, burst),
		tasks:   make(map[string]TaskFunc),
		calls:   make(map[Handle]*call),
		baseCtx: ctx,
		cancel:  cancel,
	}
}

func (l *Local) initMetrics() {
	l.metricsOnce.Do(func() {
		var initErrors []string
		var err error

		l.dispatched, err = meter.Int64Counter("dispatch_tasks_total",
			metric.WithDescription("Number of dispatched tasks"),
		)
		if err != nil {
			initErrors = append(initErrors, "dispatched: "+err.Error())
		}

		l.failed, err = meter.Int64Counter("dispatch_task_failures_total",
			metric.WithDescription("Number of tasks that returned an error or panicked"),
		)
		if err != nil {
			initErrors = append(initErrors, "failed: "+err.Error())
		}

		l.taskDuration, err = meter.Float64Histogram("dispatch_task_duration_seconds",
			metric.WithDescription("Wall time of each dispatched task"),
			metric.WithUnit("s"),
		)
		if err != nil {
			initErrors = append(initErrors, "task_duration: "+err.Error())
		}

		if len(initErrors) > 0 {
			l.logger.Error("failed to initialize some dispatch metrics (observability degraded)",
				slog.Any("errors", initErrors),
			)
		}
	})
}

// Register binds name to fn. Registering a name twice is an error.
func (l *Local) Register(name string, fn TaskFunc) error {
	if name == "" || fn == nil {
		return fmt.Errorf("register task: name and function are required")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.tasks[name]; ok {
		return fmt.Errorf("register task: %q already registered", name)
	}
	l.tasks[name] = fn
	return nil
}

// Dispatch implements Dispatcher.
func (l *Local) Dispatch(ctx context.Context, taskName string, payload []byte) (Handle, error) {
	l.initMetrics()

	if err := l.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("%w: %s: rate limiter: %w", ErrDispatch, taskName, err)
	}

	l.mu.Lock()
	if l.baseCtx.Err() != nil {
		l.mu.Unlock()
		return "", fmt.Errorf("%w: dispatcher closed", ErrDispatch)
	}
	fn, ok := l.tasks[taskName]
	if !ok {
		l.mu.Unlock()
		return "", fmt.Errorf("%w: no task named %q", ErrDispatch, taskName)
	}
	h := Handle(uuid.NewString())
	c := &call{task: taskName, done: make(chan struct{})}
	l.calls[h] = c
	l.wg.Add(1)
	l.mu.Unlock()

	owned := make([]byte, len(payload))
	copy(owned, payload)
	carrier := telemetry.InjectToMap(ctx, nil)

	l.inFlight.Add(1)
	if l.dispatched != nil {
		l.dispatched.Add(ctx, 1, metric.WithAttributes(attribute.String("task", taskName)))
	}

	go l.run(h, c, fn, owned, carrier)
	return h, nil
}

func (l *Local) run(h Handle, c *call, fn TaskFunc, payload []byte, carrier map[string]string) {
	defer l.wg.Done()
	defer l.inFlight.Add(-1)
	defer close(c.done)

	ctx := telemetry.ExtractFromMap(l.baseCtx, carrier)
	start := time.Now()

	func() {
		defer func() {
			if r := recover(); r != nil {
				c.err = fmt.Errorf("panic: %v", r)
				l.logger.Error("task panicked",
					slog.String("task", c.task),
					slog.String("handle", string(h)),
					slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())),
				)
			}
		}()
		c.err = fn(ctx, payload)
	}()

	if l.taskDuration != nil {
		l.taskDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(attribute.String("task", c.task)))
	}
	if c.err != nil && l.failed != nil {
		l.failed.Add(ctx, 1, metric.WithAttributes(attribute.String("task", c.task)))
	}
}

// Await implements Dispatcher.
//
// A handle resolves once: after Await returns a task outcome the handle is
// forgotten. A timed-out Await leaves the handle in place so it can be
// awaited again.
func (l *Local) Await(ctx context.Context, h Handle) error {
	l.mu.RLock()
	c, ok := l.calls[h]
	l.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownHandle, h)
	}

	select {
	case <-c.done:
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s (%s)", ErrAwaitTimeout, c.task, h)
		}
		return ctx.Err()
	}

	l.mu.Lock()
	delete(l.calls, h)
	l.mu.Unlock()

	if c.err != nil {
		return fmt.Errorf("%w: %s (%s): %w", ErrTaskFailed, c.task, h, c.err)
	}
	return nil
}

// InFlight returns the number of tasks currently running.
func (l *Local) InFlight() int {
	return int(l.inFlight.Load())
}

// Close refuses new dispatches, cancels running tasks' contexts, and waits
// for them to return.
func (l *Local) Close() error {
	l.mu.Lock()
	l.cancel()
	l.mu.Unlock()
	l.wg.Wait()
	return nil
}
