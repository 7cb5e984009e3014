// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package geometry derives the partition layout of a square matrix.
//
// A matrix of side MatrixSize is halved NSplits times along each axis. The
// resulting SubmatricesPerRow x SubmatricesPerRow grid of leaf blocks is the
// unit of storage and of direct multiplication. Every size and offset used by
// the codec, the addressing scheme, and the engine is computed here.
//
// A Geometry is an immutable value. Nodes recompute it from the persisted
// configuration record; nothing caches it process-wide.
package geometry

import "fmt"

// ElementSize is the width in bytes of one matrix element (IEEE-754 double).
const ElementSize = 8

// maxSplits bounds NSplits so 2^NSplits always fits in an int32 coordinate.
const maxSplits = 30

// Geometry describes how a square matrix is partitioned into leaf blocks.
//
// Thread Safety: Geometry is a plain value and is safe to share.
type Geometry struct {
	// MatrixSize is the side length of the full matrix.
	MatrixSize int

	// NSplits is the number of halvings applied before reaching leaf blocks.
	NSplits int

	// SubmatricesPerRow is 2^NSplits, the number of leaf blocks per axis.
	SubmatricesPerRow int

	// SubmatrixSize is the side length of one leaf block.
	SubmatrixSize int

	// BytesPerSubmatrix is the encoded size of one leaf block.
	BytesPerSubmatrix int

	// BytesPerMatrix is the encoded size of the full matrix.
	BytesPerMatrix int
}

// Compute derives the geometry for a matrix of side matrixSize split nSplits times.
//
// Description:
//
//	Pure function. Fails with ErrConfig when either parameter is
//	non-positive, when 2^nSplits exceeds matrixSize, or when matrixSize is
//	not evenly divisible by 2^nSplits.
//
// Inputs:
//
//	matrixSize - Side length of the full square matrix. Must be > 0.
//	nSplits - Number of halvings. Must be > 0.
//
// Outputs:
//
//	Geometry - The derived layout.
//	error - Wraps ErrConfig on invalid input.
func Compute(matrixSize, nSplits int) (Geometry, error) {
	if matrixSize <= 0 {
		return Geometry{}, fmt.Errorf("%w: matrix size must be positive, got %d", ErrConfig, matrixSize)
	}
	if nSplits <= 0 {
		return Geometry{}, fmt.Errorf("%w: n_splits must be positive, got %d", ErrConfig, nSplits)
	}
	if nSplits > maxSplits {
		return Geometry{}, fmt.Errorf("%w: n_splits %d too large", ErrConfig, nSplits)
	}

	perRow := 1 << nSplits
	if perRow > matrixSize {
		return Geometry{}, fmt.Errorf("%w: 2^%d blocks per row exceeds matrix size %d", ErrConfig, nSplits, matrixSize)
	}
	if matrixSize%perRow != 0 {
		return Geometry{}, fmt.Errorf("%w: matrix size %d not divisible by 2^%d", ErrConfig, matrixSize, nSplits)
	}

	subSize := matrixSize / perRow
	return Geometry{
		MatrixSize:        matrixSize,
		NSplits:           nSplits,
		SubmatricesPerRow: perRow,
		SubmatrixSize:     subSize,
		BytesPerSubmatrix: subSize * subSize * ElementSize,
		BytesPerMatrix:    matrixSize * matrixSize * ElementSize,
	}, nil
}

// BlockSize returns the side length of a block at the given split level.
// Level 0 is the whole matrix; level NSplits is a leaf block.
func (g Geometry) BlockSize(level int) int {
	return g.MatrixSize >> level
}

// BlockBytes returns the encoded size of one block at the given split level.
func (g Geometry) BlockBytes(level int) int {
	n := g.BlockSize(level)
	return n * n * ElementSize
}

// BlocksPerRow returns how many blocks of the given level span one axis.
func (g Geometry) BlocksPerRow(level int) int {
	return 1 << level
}

// ValidLevel reports whether level lies in [0, NSplits].
func (g Geometry) ValidLevel(level int) bool {
	return level >= 0 && level <= g.NSplits
}

// IsLeaf reports whether blocks at level are multiplied directly.
func (g Geometry) IsLeaf(level int) bool {
	return level == g.NSplits
}

// ByteOffset returns the byte range of leaf block (row, col) within a
// partition-encoded matrix blob.
//
// Description:
//
//	offset = row*BytesPerSubmatrix*SubmatricesPerRow + col*BytesPerSubmatrix
//	length = BytesPerSubmatrix
//
// Outputs:
//
//	offset, length - The byte range of the block.
//	error - Wraps ErrIndex when row or col is outside [0, SubmatricesPerRow).
func (g Geometry) ByteOffset(row, col int) (offset, length int, err error) {
	if row < 0 || row >= g.SubmatricesPerRow {
		return 0, 0, fmt.Errorf("%w: block row %d not in [0,%d)", ErrIndex, row, g.SubmatricesPerRow)
	}
	if col < 0 || col >= g.SubmatricesPerRow {
		return 0, 0, fmt.Errorf("%w: block col %d not in [0,%d)", ErrIndex, col, g.SubmatricesPerRow)
	}
	offset = row*g.BytesPerSubmatrix*g.SubmatricesPerRow + col*g.BytesPerSubmatrix
	return offset, g.BytesPerSubmatrix, nil
}

// String renders the geometry for logs and the CLI.
func (g Geometry) String() string {
	return fmt.Sprintf("matrix=%d splits=%d blocks/row=%d block=%d block_bytes=%d matrix_bytes=%d",
		g.MatrixSize, g.NSplits, g.SubmatricesPerRow, g.SubmatrixSize, g.BytesPerSubmatrix, g.BytesPerMatrix)
}
