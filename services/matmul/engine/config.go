// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/AleutianAI/dncmul/services/matmul/state"
)

// DefaultTaskName is the name every node task is registered under.
const DefaultTaskName = "matmul.node"

// Config tunes an Engine.
type Config struct {
	// TaskName is the dispatcher task that runs one node.
	TaskName string

	// Keys names the A, B, Result, and configuration blobs.
	Keys state.Keys

	// AwaitTimeout bounds each child await. Zero blocks indefinitely.
	AwaitTimeout time.Duration

	// LeafConcurrency caps simultaneous leaf multiplications in this
	// process. Zero means unbounded.
	LeafConcurrency int

	// ShareReads collapses concurrent identical reads of A and B blocks.
	ShareReads bool

	// Logger for node events. Nil uses slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns the standard configuration: well-known keys, no
// await timeout, leaf multiplications bounded by GOMAXPROCS, shared reads on.
func DefaultConfig() Config {
	return Config{
		TaskName:        DefaultTaskName,
		Keys:            state.DefaultKeys(),
		AwaitTimeout:    0,
		LeafConcurrency: runtime.GOMAXPROCS(0),
		ShareReads:      true,
	}
}

func (c Config) validate() error {
	if c.TaskName == "" {
		return fmt.Errorf("%w: task name is required", ErrInvalidConfig)
	}
	if err := c.Keys.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.AwaitTimeout < 0 {
		return fmt.Errorf("%w: negative await timeout %s", ErrInvalidConfig, c.AwaitTimeout)
	}
	if c.LeafConcurrency < 0 {
		return fmt.Errorf("%w: negative leaf concurrency %d", ErrInvalidConfig, c.LeafConcurrency)
	}
	return nil
}
