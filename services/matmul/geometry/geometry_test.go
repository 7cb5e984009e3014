// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package geometry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompute_Valid(t *testing.T) {
	tests := []struct {
		name       string
		size       int
		splits     int
		perRow     int
		subSize    int
		subBytes   int
		totalBytes int
	}{
		{"1000 split 3", 1000, 3, 8, 125, 125 * 125 * 8, 1000 * 1000 * 8},
		{"8 split 1", 8, 1, 2, 4, 128, 512},
		{"8 split 3 scalars", 8, 3, 8, 1, 8, 512},
		{"16 split 2", 16, 2, 4, 4, 128, 2048},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := Compute(tt.size, tt.splits)
			require.NoError(t, err)
			assert.Equal(t, tt.size, g.MatrixSize)
			assert.Equal(t, tt.splits, g.NSplits)
			assert.Equal(t, tt.perRow, g.SubmatricesPerRow)
			assert.Equal(t, tt.subSize, g.SubmatrixSize)
			assert.Equal(t, tt.subBytes, g.BytesPerSubmatrix)
			assert.Equal(t, tt.totalBytes, g.BytesPerMatrix)
		})
	}
}

func TestCompute_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		size   int
		splits int
	}{
		{"1000 not divisible by 16", 1000, 4},
		{"1000 not divisible by 32", 1000, 5},
		{"zero size", 0, 1},
		{"negative size", -8, 1},
		{"zero splits", 8, 0},
		{"negative splits", 8, -1},
		{"more blocks than elements", 4, 3},
		{"splits overflow", 1 << 20, 31},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compute(tt.size, tt.splits)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrConfig)
		})
	}
}

func TestGeometry_LevelSizes(t *testing.T) {
	g, err := Compute(16, 2)
	require.NoError(t, err)

	assert.Equal(t, 16, g.BlockSize(0))
	assert.Equal(t, 8, g.BlockSize(1))
	assert.Equal(t, 4, g.BlockSize(2))
	assert.Equal(t, g.BytesPerMatrix, g.BlockBytes(0))
	assert.Equal(t, g.BytesPerSubmatrix, g.BlockBytes(g.NSplits))
	assert.Equal(t, 2, g.BlocksPerRow(1))

	assert.True(t, g.ValidLevel(0))
	assert.True(t, g.ValidLevel(2))
	assert.False(t, g.ValidLevel(3))
	assert.False(t, g.ValidLevel(-1))

	assert.False(t, g.IsLeaf(1))
	assert.True(t, g.IsLeaf(2))
}

func TestGeometry_ByteOffset(t *testing.T) {
	g, err := Compute(1000, 3)
	require.NoError(t, err)

	offset, length, err := g.ByteOffset(3, 4)
	require.NoError(t, err)
	assert.Equal(t, 3*g.BytesPerSubmatrix*8+4*g.BytesPerSubmatrix, offset)
	assert.Equal(t, g.BytesPerSubmatrix, length)

	// The last block ends exactly at the end of the matrix blob.
	offset, length, err = g.ByteOffset(7, 7)
	require.NoError(t, err)
	assert.Equal(t, g.BytesPerMatrix, offset+length)

	for _, rc := range [][2]int{{-1, 0}, {0, -1}, {8, 0}, {0, 8}} {
		_, _, err := g.ByteOffset(rc[0], rc[1])
		assert.ErrorIs(t, err, ErrIndex, "row=%d col=%d", rc[0], rc[1])
	}
}

func TestGeometry_ByteOffsetsTileMatrix(t *testing.T) {
	g, err := Compute(16, 2)
	require.NoError(t, err)

	covered := make([]int, g.BytesPerMatrix)
	for r := 0; r < g.SubmatricesPerRow; r++ {
		for c := 0; c < g.SubmatricesPerRow; c++ {
			offset, length, err := g.ByteOffset(r, c)
			require.NoError(t, err)
			for i := offset; i < offset+length; i++ {
				covered[i]++
			}
		}
	}
	for i, n := range covered {
		require.Equal(t, 1, n, "byte %d covered %d times", i, n)
	}
}
