// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine runs the recursive block decomposition of a matrix product
// as a graph of independently dispatched node tasks.
//
// # Node Lifecycle
//
// Every node decodes its coordinate from the task payload, reloads the
// configuration record, and recomputes the geometry. Then, by kind:
//
//   - Leaf: reads its A and B leaf blocks by byte range, multiplies them,
//     and writes the product to its output range.
//   - Interior: allocates its own zeroed result blob, dispatches its eight
//     children back to back, waits for all of them, sums the quarter pairs,
//     assembles the four quadrants, and writes the block to its output range.
//
// The output range of the root is the whole Result blob, partition-encoded.
// Every other node writes its raw block into the slot its parent reserved
// for its quarter.
//
// Nodes communicate only through the state store and dispatch/await. A node
// that fails writes nothing and returns a NodeError; its parent's barrier
// then fails, and so on up to the caller of Run.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/AleutianAI/dncmul/services/matmul/addressing"
	"github.com/AleutianAI/dncmul/services/matmul/dispatch"
	"github.com/AleutianAI/dncmul/services/matmul/geometry"
	"github.com/AleutianAI/dncmul/services/matmul/state"
	"github.com/AleutianAI/dncmul/services/telemetry"
)

var (
	tracer = otel.Tracer("dncmul.engine")
	meter  = otel.Meter("dncmul.engine")
)

// Kind distinguishes base-case nodes from fan-out nodes.
type Kind int

const (
	// KindLeaf multiplies two leaf blocks directly.
	KindLeaf Kind = iota

	// KindInterior fans out to eight children and combines their results.
	KindInterior
)

func (k Kind) String() string {
	switch k {
	case KindLeaf:
		return "leaf"
	case KindInterior:
		return "interior"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// KindOf returns the kind of a node at level.
func KindOf(g geometry.Geometry, level int) Kind {
	if g.IsLeaf(level) {
		return KindLeaf
	}
	return KindInterior
}

// Registrar accepts task registrations. dispatch.Local implements it.
type Registrar interface {
	Register(name string, fn dispatch.TaskFunc) error
}

// Engine executes recursion nodes.
//
// Description:
//
//	One Engine serves every node task in a process. It holds no per-run
//	state: the geometry and all intermediate data live in the store.
//
// Thread Safety: safe for concurrent use. Nodes of one run execute
// concurrently on the same Engine.
type Engine struct {
	store      state.Store
	dispatcher dispatch.Dispatcher
	cfg        Config
	logger     *slog.Logger
	leafSlots  *semaphore.Weighted

	metricsOnce   sync.Once
	nodeLatency   metric.Float64Histogram
	nodeSuccesses metric.Int64Counter
	nodeFailures  metric.Int64Counter
	activeNodes   metric.Int64UpDownCounter
	runLatency    metric.Float64Histogram
}

// New creates an Engine.
//
// Inputs:
//
//	store - Where matrices, the configuration record, and quadrant blobs live.
//	dispatcher - Platform that runs child nodes. Its task registry must map
//	             cfg.TaskName to HandleTask (see Register).
//	cfg - Engine configuration.
//
// Outputs:
//
//	*Engine - The engine.
//	error - ErrInvalidInput for nil collaborators, ErrInvalidConfig otherwise.
func New(store state.Store, dispatcher dispatch.Dispatcher, cfg Config) (*Engine, error) {
	if store == nil || dispatcher == nil {
		return nil, fmt.Errorf("%w: store and dispatcher are required", ErrInvalidInput)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ShareReads {
		store = state.NewSharedReads(store, cfg.Keys.A, cfg.Keys.B)
	}

	e := &Engine{
		store:      store,
		dispatcher: dispatcher,
		cfg:        cfg,
		logger:     logger.With(slog.String("component", "engine")),
	}
	if cfg.LeafConcurrency > 0 {
		e.leafSlots = semaphore.NewWeighted(int64(cfg.LeafConcurrency))
	}
	return e, nil
}

// Register binds the engine's task name to HandleTask on r.
func (e *Engine) Register(r Registrar) error {
	return r.Register(e.cfg.TaskName, e.HandleTask)
}

func (e *Engine) initMetrics() {
	e.metricsOnce.Do(func() {
		var initErrors []string
		var err error

		e.nodeLatency, err = meter.Float64Histogram("matmul_node_duration_seconds",
			metric.WithDescription("Time spent in each recursion node, including its subtree"),
			metric.WithUnit("s"),
		)
		if err != nil {
			initErrors = append(initErrors, "node_latency: "+err.Error())
		}

		e.nodeSuccesses, err = meter.Int64Counter("matmul_node_success_total",
			metric.WithDescription("Number of nodes that wrote their result"),
		)
		if err != nil {
			initErrors = append(initErrors, "node_successes: "+err.Error())
		}

		e.nodeFailures, err = meter.Int64Counter("matmul_node_failure_total",
			metric.WithDescription("Number of failed nodes"),
		)
		if err != nil {
			initErrors = append(initErrors, "node_failures: "+err.Error())
		}

		e.activeNodes, err = meter.Int64UpDownCounter("matmul_active_nodes",
			metric.WithDescription("Number of nodes currently executing"),
		)
		if err != nil {
			initErrors = append(initErrors, "active_nodes: "+err.Error())
		}

		e.runLatency, err = meter.Float64Histogram("matmul_run_duration_seconds",
			metric.WithDescription("End-to-end time of one multiplication run"),
			metric.WithUnit("s"),
		)
		if err != nil {
			initErrors = append(initErrors, "run_latency: "+err.Error())
		}

		if len(initErrors) > 0 {
			e.logger.Error("failed to initialize some engine metrics (observability degraded)",
				slog.Int("failed_count", len(initErrors)),
				slog.Any("errors", initErrors),
			)
		}
	})
}

// HandleTask is the dispatch.TaskFunc for node tasks.
func (e *Engine) HandleTask(ctx context.Context, payload []byte) error {
	c, err := addressing.DecodePayload(payload)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNodeFailed, err)
	}
	return e.Execute(ctx, c)
}

// Execute runs one node to completion.
//
// Description:
//
//	Loads the geometry, validates the coordinate, and runs the leaf or
//	interior procedure. On success the node's block has been written to
//	its output range. On failure nothing has been written by this node.
//
// Outputs:
//
//	error - A *NodeError wrapping the cause, or nil.
func (e *Engine) Execute(ctx context.Context, c addressing.Coordinate) error {
	e.initMetrics()

	g, err := state.LoadGeometry(ctx, e.store, e.cfg.Keys.Config)
	if err != nil {
		return NewNodeError(c, KindInterior, err)
	}
	kind := KindOf(g, c.Level)
	if err := addressing.Validate(g, c); err != nil {
		return NewNodeError(c, kind, err)
	}

	ctx, span := tracer.Start(ctx, "matmul.node."+kind.String(),
		trace.WithAttributes(
			attribute.Int("matmul.level", c.Level),
			attribute.Int("matmul.quarter", c.Quarter),
			attribute.IntSlice("matmul.a", []int{c.RowA, c.ColA}),
			attribute.IntSlice("matmul.b", []int{c.RowB, c.ColB}),
			attribute.String("matmul.kind", kind.String()),
		),
	)
	defer span.End()

	nodeAttrs := metric.WithAttributes(
		attribute.Int("level", c.Level),
		attribute.String("kind", kind.String()),
	)
	if e.activeNodes != nil {
		e.activeNodes.Add(ctx, 1, nodeAttrs)
		defer e.activeNodes.Add(ctx, -1, nodeAttrs)
	}

	logger := telemetry.LoggerWithTrace(ctx, e.logger).With(slog.String("node", c.String()))
	logger.Debug("node starting", slog.String("kind", kind.String()))

	start := time.Now()
	switch kind {
	case KindLeaf:
		err = e.runLeaf(ctx, g, c)
	default:
		err = e.runInterior(ctx, g, c)
	}
	duration := time.Since(start)

	if e.nodeLatency != nil {
		e.nodeLatency.Record(ctx, duration.Seconds(), nodeAttrs)
	}

	if err != nil {
		if e.nodeFailures != nil {
			e.nodeFailures.Add(ctx, 1, nodeAttrs)
		}
		telemetry.RecordError(span, err)
		logger.Error("node failed",
			slog.Duration("duration", duration),
			slog.String("error", err.Error()),
		)
		return NewNodeError(c, kind, err)
	}

	if e.nodeSuccesses != nil {
		e.nodeSuccesses.Add(ctx, 1, nodeAttrs)
	}
	telemetry.SetSpanOK(span)
	logger.Debug("node completed", slog.Duration("duration", duration))
	return nil
}
