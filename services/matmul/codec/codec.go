// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package codec converts matrices to and from their stored byte layouts.
//
// Two layouts exist:
//
//   - Partitioned: the full matrix as a row-major sequence of leaf blocks,
//     each leaf block itself row-major. Any leaf block can be fetched by the
//     byte range from geometry.ByteOffset without touching the rest.
//   - Block: a single square block in plain row-major element order. Quarter
//     slots and leaf products use this layout.
//
// Elements are 8-byte IEEE-754 doubles in native byte order.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/AleutianAI/dncmul/services/matmul/geometry"
)

// ErrShape indicates a matrix or byte slice whose size does not match the geometry.
var ErrShape = errors.New("matrix shape mismatch")

// Encode serializes m into the partitioned layout described by g.
//
// Description:
//
//	Walks the SubmatricesPerRow x SubmatricesPerRow grid in row-major order
//	and appends each leaf block in row-major element order. Deterministic:
//	encoding the same matrix twice yields identical bytes.
//
// Inputs:
//
//	g - The partition geometry.
//	m - A MatrixSize x MatrixSize matrix.
//
// Outputs:
//
//	[]byte - Exactly g.BytesPerMatrix bytes.
//	error - Wraps ErrShape if m has the wrong dimensions.
func Encode(g geometry.Geometry, m mat.Matrix) ([]byte, error) {
	if err := checkDims(m, g.MatrixSize); err != nil {
		return nil, err
	}

	out := make([]byte, g.BytesPerMatrix)
	n := g.SubmatrixSize
	pos := 0
	for br := 0; br < g.SubmatricesPerRow; br++ {
		for bc := 0; bc < g.SubmatricesPerRow; bc++ {
			r0, c0 := br*n, bc*n
			for i := 0; i < n; i++ {
				for j := 0; j < n; j++ {
					putFloat(out[pos:], m.At(r0+i, c0+j))
					pos += geometry.ElementSize
				}
			}
		}
	}
	return out, nil
}

// Decode reconstructs the full matrix from its partitioned layout.
//
// Description:
//
//	Reads each leaf block at its geometry byte offset, reshapes it to
//	SubmatrixSize x SubmatrixSize, joins each grid row horizontally, and
//	stacks the rows vertically.
//
// Outputs:
//
//	*mat.Dense - The MatrixSize x MatrixSize matrix.
//	error - Wraps ErrShape if len(data) != g.BytesPerMatrix.
func Decode(g geometry.Geometry, data []byte) (*mat.Dense, error) {
	if len(data) != g.BytesPerMatrix {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrShape, len(data), g.BytesPerMatrix)
	}

	var result *mat.Dense
	for br := 0; br < g.SubmatricesPerRow; br++ {
		var row *mat.Dense
		for bc := 0; bc < g.SubmatricesPerRow; bc++ {
			offset, length, err := g.ByteOffset(br, bc)
			if err != nil {
				return nil, err
			}
			block, err := DecodeBlock(data[offset:offset+length], g.SubmatrixSize)
			if err != nil {
				return nil, err
			}
			row = augment(row, block)
		}
		result = stack(result, row)
	}
	return result, nil
}

// BlockRange returns the byte range of leaf block (row, col) in a partitioned blob.
func BlockRange(g geometry.Geometry, row, col int) (offset, length int, err error) {
	return g.ByteOffset(row, col)
}

// EncodeBlock serializes a square block in row-major element order.
func EncodeBlock(m mat.Matrix) []byte {
	r, c := m.Dims()
	out := make([]byte, r*c*geometry.ElementSize)
	pos := 0
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			putFloat(out[pos:], m.At(i, j))
			pos += geometry.ElementSize
		}
	}
	return out
}

// DecodeBlock reshapes row-major bytes into an n x n matrix.
//
// The returned matrix owns its backing slice; data may be reused by the caller.
func DecodeBlock(data []byte, n int) (*mat.Dense, error) {
	want := n * n * geometry.ElementSize
	if n <= 0 || len(data) != want {
		return nil, fmt.Errorf("%w: got %d bytes for %dx%d block, want %d", ErrShape, len(data), n, n, want)
	}
	values := make([]float64, n*n)
	for i := range values {
		values[i] = getFloat(data[i*geometry.ElementSize:])
	}
	return mat.NewDense(n, n, values), nil
}

// Assemble joins four equally sized quadrants into one block:
// top = tl|tr, bottom = bl|br, result = top over bottom.
func Assemble(tl, tr, bl, br mat.Matrix) *mat.Dense {
	var top, bottom, out mat.Dense
	top.Augment(tl, tr)
	bottom.Augment(bl, br)
	out.Stack(&top, &bottom)
	return &out
}

func augment(left *mat.Dense, right *mat.Dense) *mat.Dense {
	if left == nil {
		return right
	}
	var out mat.Dense
	out.Augment(left, right)
	return &out
}

func stack(top *mat.Dense, bottom *mat.Dense) *mat.Dense {
	if top == nil {
		return bottom
	}
	var out mat.Dense
	out.Stack(top, bottom)
	return &out
}

func checkDims(m mat.Matrix, n int) error {
	r, c := m.Dims()
	if r != n || c != n {
		return fmt.Errorf("%w: got %dx%d, want %dx%d", ErrShape, r, c, n, n)
	}
	return nil
}

func putFloat(b []byte, v float64) {
	binary.NativeEndian.PutUint64(b, math.Float64bits(v))
}

func getFloat(b []byte) float64 {
	return math.Float64frombits(binary.NativeEndian.Uint64(b))
}
