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

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"github.com/AleutianAI/dncmul/services/matmul/addressing"
	"github.com/AleutianAI/dncmul/services/matmul/codec"
	"github.com/AleutianAI/dncmul/services/matmul/dispatch"
	"github.com/AleutianAI/dncmul/services/matmul/geometry"
	"github.com/AleutianAI/dncmul/services/matmul/state"
)

// output is the byte range a node's result goes to.
type output struct {
	key    string
	total  int
	offset int
	length int

	// partitioned selects the leaf-grid layout (root only) over the plain
	// row-major block layout.
	partitioned bool
}

// outputFor returns where node c writes its result.
func (e *Engine) outputFor(g geometry.Geometry, c addressing.Coordinate) (output, error) {
	if c.IsRoot() {
		return output{
			key:         e.cfg.Keys.Result,
			total:       g.BytesPerMatrix,
			length:      g.BytesPerMatrix,
			partitioned: true,
		}, nil
	}
	parent := addressing.Parent(c)
	offset, length, err := addressing.ChildSlot(g, parent.Level, c.Quarter)
	if err != nil {
		return output{}, err
	}
	return output{
		key:    addressing.QuadrantKey(parent),
		total:  addressing.ParentQuadrantResultSize(g, parent.Level),
		offset: offset,
		length: length,
	}, nil
}

// write encodes block for out and stores it.
func (e *Engine) write(ctx context.Context, g geometry.Geometry, out output, block mat.Matrix) error {
	var data []byte
	if out.partitioned {
		var err error
		if data, err = codec.Encode(g, block); err != nil {
			return err
		}
	} else {
		data = codec.EncodeBlock(block)
	}
	if len(data) != out.length {
		return fmt.Errorf("%w: result is %d bytes, output range is %d", codec.ErrShape, len(data), out.length)
	}
	if err := e.store.PutRange(ctx, out.key, out.total, out.offset, data); err != nil {
		return fmt.Errorf("write result to %s: %w", out.key, err)
	}
	return nil
}

// runLeaf multiplies A(RowA, ColA) by B(RowB, ColB) and writes the product.
func (e *Engine) runLeaf(ctx context.Context, g geometry.Geometry, c addressing.Coordinate) error {
	out, err := e.outputFor(g, c)
	if err != nil {
		return err
	}

	a, err := state.ReadSubmatrix(ctx, e.store, g, e.cfg.Keys.A, c.RowA, c.ColA)
	if err != nil {
		return err
	}
	b, err := state.ReadSubmatrix(ctx, e.store, g, e.cfg.Keys.B, c.RowB, c.ColB)
	if err != nil {
		return err
	}

	if e.leafSlots != nil {
		if err := e.leafSlots.Acquire(ctx, 1); err != nil {
			return err
		}
	}
	var product mat.Dense
	product.Mul(a, b)
	if e.leafSlots != nil {
		e.leafSlots.Release(1)
	}

	return e.write(ctx, g, out, &product)
}

// runInterior fans out the eight decomposition terms of c, waits for all of
// them, and combines their quarter results.
func (e *Engine) runInterior(ctx context.Context, g geometry.Geometry, c addressing.Coordinate) error {
	out, err := e.outputFor(g, c)
	if err != nil {
		return err
	}

	key := addressing.QuadrantKey(c)
	size := addressing.ParentQuadrantResultSize(g, c.Level)
	if err := state.AllocateZeroed(ctx, e.store, key, size); err != nil {
		return err
	}

	if err := e.fanOut(ctx, c); err != nil {
		return err
	}

	data, err := e.store.Get(ctx, key, size)
	if err != nil {
		return fmt.Errorf("read quadrant results: %w", err)
	}
	block, err := combine(g, c.Level, data)
	if err != nil {
		return err
	}
	return e.write(ctx, g, out, block)
}

// fanOut dispatches the children of c back to back, then waits for every
// dispatched child before returning. The first error wins, but the barrier
// always covers every handle that was issued.
func (e *Engine) fanOut(ctx context.Context, c addressing.Coordinate) error {
	span := trace.SpanFromContext(ctx)

	var handles []dispatch.Handle
	var dispatchErr error
	for _, child := range addressing.Children(c) {
		h, err := e.dispatcher.Dispatch(ctx, e.cfg.TaskName, addressing.EncodePayload(child))
		if err != nil {
			dispatchErr = fmt.Errorf("dispatch quarter %d: %w", child.Quarter, err)
			break
		}
		handles = append(handles, h)
	}
	span.AddEvent("children dispatched", trace.WithAttributes(attribute.Int("count", len(handles))))

	// errgroup.Group without WithContext: one failed child must not cut
	// short the await on its siblings.
	var barrier errgroup.Group
	for i, h := range handles {
		barrier.Go(func() error {
			awaitCtx, cancel := e.awaitContext(ctx)
			defer cancel()
			if err := e.dispatcher.Await(awaitCtx, h); err != nil {
				return fmt.Errorf("await quarter %d: %w", i, err)
			}
			return nil
		})
	}
	awaitErr := barrier.Wait()
	span.AddEvent("children resolved")

	if dispatchErr != nil {
		return dispatchErr
	}
	return awaitErr
}

func (e *Engine) awaitContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.cfg.AwaitTimeout > 0 {
		return context.WithTimeout(ctx, e.cfg.AwaitTimeout)
	}
	return context.WithCancel(ctx)
}

// quarterPairs lists, per output quadrant (TL, TR, BL, BR), the two quarters
// whose products sum to it.
var quarterPairs = [4][2]int{{0, 1}, {2, 3}, {4, 5}, {6, 7}}

// combine decodes the eight quarter slots of a level's result blob, sums
// each pair, and assembles the quadrants into one block of BlockSize(level).
func combine(g geometry.Geometry, level int, data []byte) (*mat.Dense, error) {
	n := g.BlockSize(level + 1)
	var quadrants [4]*mat.Dense
	for i, pair := range quarterPairs {
		var sum *mat.Dense
		for _, q := range pair {
			offset, length, err := addressing.ChildSlot(g, level, q)
			if err != nil {
				return nil, err
			}
			part, err := codec.DecodeBlock(data[offset:offset+length], n)
			if err != nil {
				return nil, fmt.Errorf("decode quarter %d: %w", q, err)
			}
			if sum == nil {
				sum = part
				continue
			}
			sum.Add(sum, part)
		}
		quadrants[i] = sum
	}
	return codec.Assemble(quadrants[0], quadrants[1], quadrants[2], quadrants[3]), nil
}
