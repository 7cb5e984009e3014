// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package state

import (
	"context"
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/AleutianAI/dncmul/services/matmul/codec"
	"github.com/AleutianAI/dncmul/services/matmul/geometry"
)

// SubdivideMatrix encodes m in the partitioned layout and stores it under key.
func SubdivideMatrix(ctx context.Context, s Store, g geometry.Geometry, key string, m mat.Matrix) error {
	data, err := codec.Encode(g, m)
	if err != nil {
		return fmt.Errorf("subdivide %s: %w", key, err)
	}
	if err := s.Put(ctx, key, data); err != nil {
		return fmt.Errorf("subdivide %s: %w", key, err)
	}
	return nil
}

// SubdivideRandom stores a random matrix with elements in [0, 1) under key
// and returns it.
func SubdivideRandom(ctx context.Context, s Store, g geometry.Geometry, key string, rng *rand.Rand) (*mat.Dense, error) {
	values := make([]float64, g.MatrixSize*g.MatrixSize)
	for i := range values {
		values[i] = rng.Float64()
	}
	m := mat.NewDense(g.MatrixSize, g.MatrixSize, values)
	if err := SubdivideMatrix(ctx, s, g, key, m); err != nil {
		return nil, err
	}
	return m, nil
}

// ReconstructMatrix reads the partitioned blob under key and decodes it.
func ReconstructMatrix(ctx context.Context, s Store, g geometry.Geometry, key string) (*mat.Dense, error) {
	data, err := s.Get(ctx, key, g.BytesPerMatrix)
	if err != nil {
		return nil, fmt.Errorf("reconstruct %s: %w", key, err)
	}
	return codec.Decode(g, data)
}

// ReadSubmatrix fetches leaf block (row, col) of the partitioned blob under
// key without reading the rest of it.
func ReadSubmatrix(ctx context.Context, s Store, g geometry.Geometry, key string, row, col int) (*mat.Dense, error) {
	offset, length, err := codec.BlockRange(g, row, col)
	if err != nil {
		return nil, err
	}
	data, err := s.GetRange(ctx, key, g.BytesPerMatrix, offset, length)
	if err != nil {
		return nil, fmt.Errorf("read block (%d,%d) of %s: %w", row, col, key, err)
	}
	return codec.DecodeBlock(data, g.SubmatrixSize)
}

// AllocateZeroed stores length zero bytes under key, replacing any previous blob.
func AllocateZeroed(ctx context.Context, s Store, key string, length int) error {
	if length < 0 {
		return fmt.Errorf("%w: negative allocation %d for %s", ErrRange, length, key)
	}
	if err := s.Put(ctx, key, make([]byte, length)); err != nil {
		return fmt.Errorf("allocate %s: %w", key, err)
	}
	return nil
}
