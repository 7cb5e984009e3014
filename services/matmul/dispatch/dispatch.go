// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package dispatch defines the task invocation platform the engine fans out
// on, and an in-process implementation of it.
//
// A dispatched task runs independently of its dispatcher: it starts from a
// fresh context (carrying only trace propagation), and its outcome is
// observed solely through Await.
package dispatch

import (
	"context"
	"errors"
)

var (
	// ErrDispatch indicates the platform could not start a task.
	ErrDispatch = errors.New("dispatch failed")

	// ErrTaskFailed indicates an awaited task completed with an error.
	ErrTaskFailed = errors.New("task failed")

	// ErrAwaitTimeout indicates Await gave up before the task completed.
	// The task itself may still finish later.
	ErrAwaitTimeout = errors.New("await timed out")

	// ErrUnknownHandle indicates a handle the platform never issued or has
	// already resolved.
	ErrUnknownHandle = errors.New("unknown call handle")
)

// Handle identifies one dispatched call.
type Handle string

// TaskFunc is the body of a registered task.
type TaskFunc func(ctx context.Context, payload []byte) error

// Dispatcher launches named tasks and waits for them.
//
// Thread Safety: implementations must be safe for concurrent use.
type Dispatcher interface {
	// Dispatch starts taskName with payload and returns without waiting.
	// Fails with ErrDispatch when the task cannot be started.
	Dispatch(ctx context.Context, taskName string, payload []byte) (Handle, error)

	// Await blocks until the call finishes. Returns nil on success,
	// ErrTaskFailed on task failure, and ErrAwaitTimeout when ctx's
	// deadline passes first.
	Await(ctx context.Context, h Handle) error
}
