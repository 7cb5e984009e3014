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
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"gonum.org/v1/gonum/mat"

	"github.com/AleutianAI/dncmul/services/matmul/addressing"
	"github.com/AleutianAI/dncmul/services/matmul/geometry"
	"github.com/AleutianAI/dncmul/services/matmul/state"
	"github.com/AleutianAI/dncmul/services/telemetry"
)

// Run dispatches the root node and waits for it.
//
// Description:
//
//	Expects A, B, the zeroed Result blob, and the configuration record to
//	be in the store already (see Prepare). The geometry is checked before
//	anything is dispatched so a bad configuration never starts a tree.
//
// Outputs:
//
//	error - geometry.ErrConfig or a store error before dispatch;
//	        dispatch.ErrDispatch, dispatch.ErrTaskFailed, or
//	        dispatch.ErrAwaitTimeout from the root task.
//
// Thread Safety: concurrent Runs must use disjoint keys.
func (e *Engine) Run(ctx context.Context) error {
	e.initMetrics()
	runID := uuid.NewString()

	ctx, span := tracer.Start(ctx, "matmul.Run",
		trace.WithAttributes(attribute.String("matmul.run_id", runID)),
	)
	defer span.End()
	logger := telemetry.LoggerWithTrace(ctx, e.logger).With(slog.String("run_id", runID))

	g, err := state.LoadGeometry(ctx, e.store, e.cfg.Keys.Config)
	if err != nil {
		telemetry.RecordError(span, err)
		return fmt.Errorf("run: %w", err)
	}
	span.SetAttributes(
		attribute.Int("matmul.matrix_size", g.MatrixSize),
		attribute.Int("matmul.n_splits", g.NSplits),
	)
	logger.Info("run starting",
		slog.Int("matrix_size", g.MatrixSize),
		slog.Int("n_splits", g.NSplits),
		slog.Int("leaf_size", g.SubmatrixSize),
	)

	start := time.Now()
	h, err := e.dispatcher.Dispatch(ctx, e.cfg.TaskName, addressing.EncodePayload(addressing.Root()))
	if err == nil {
		awaitCtx, cancel := e.awaitContext(ctx)
		err = e.dispatcher.Await(awaitCtx, h)
		cancel()
	}
	duration := time.Since(start)

	status := "ok"
	if err != nil {
		status = "error"
	}
	if e.runLatency != nil {
		e.runLatency.Record(ctx, duration.Seconds(), metric.WithAttributes(attribute.String("status", status)))
	}

	if err != nil {
		telemetry.RecordError(span, err)
		logger.Error("run failed", slog.Duration("duration", duration), slog.String("error", err.Error()))
		return fmt.Errorf("run: %w", err)
	}
	telemetry.SetSpanOK(span)
	logger.Info("run completed", slog.Duration("duration", duration))
	return nil
}

// Prepare writes everything a run reads: the configuration record for g,
// A and B in the partitioned layout, and a zeroed Result blob.
func (e *Engine) Prepare(ctx context.Context, g geometry.Geometry, a, b mat.Matrix) error {
	if err := state.WriteConfig(ctx, e.store, e.cfg.Keys.Config, g); err != nil {
		return err
	}
	if err := state.SubdivideMatrix(ctx, e.store, g, e.cfg.Keys.A, a); err != nil {
		return err
	}
	if err := state.SubdivideMatrix(ctx, e.store, g, e.cfg.Keys.B, b); err != nil {
		return err
	}
	return state.AllocateZeroed(ctx, e.store, e.cfg.Keys.Result, g.BytesPerMatrix)
}

// Result decodes the Result blob.
func (e *Engine) Result(ctx context.Context, g geometry.Geometry) (*mat.Dense, error) {
	return state.ReconstructMatrix(ctx, e.store, g, e.cfg.Keys.Result)
}

// Multiply computes a*b through the distributed decomposition.
//
// Description:
//
//	Derives the geometry from a's size and nSplits, prepares the store,
//	runs the tree, and reads back the product.
//
// Inputs:
//
//	a, b - Square operands of equal size.
//	nSplits - Recursion depth. Size must be divisible by 2^nSplits.
//
// Outputs:
//
//	*mat.Dense - The product.
//	error - ErrInvalidInput for mismatched operands, geometry.ErrConfig for
//	        an invalid split, or any Run failure.
func (e *Engine) Multiply(ctx context.Context, a, b mat.Matrix, nSplits int) (*mat.Dense, error) {
	ar, ac := a.Dims()
	br, bc := b.Dims()
	if ar != ac || br != bc || ar != br {
		return nil, fmt.Errorf("%w: operands %dx%d and %dx%d are not equal squares", ErrInvalidInput, ar, ac, br, bc)
	}
	g, err := geometry.Compute(ar, nSplits)
	if err != nil {
		return nil, err
	}
	if err := e.Prepare(ctx, g, a, b); err != nil {
		return nil, err
	}
	if err := e.Run(ctx); err != nil {
		return nil, err
	}
	return e.Result(ctx, g)
}
