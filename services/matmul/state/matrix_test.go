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
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/AleutianAI/dncmul/services/matmul/geometry"
)

func TestConfigRecord_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	g, err := geometry.Compute(1000, 3)
	require.NoError(t, err)

	require.NoError(t, WriteConfig(ctx, s, KeyConfig, g))
	raw, err := s.Get(ctx, KeyConfig, ConfigRecordSize)
	require.NoError(t, err)
	assert.Len(t, raw, 8)

	loaded, err := LoadGeometry(ctx, s, KeyConfig)
	require.NoError(t, err)
	assert.Equal(t, g, loaded)
}

func TestLoadGeometry_Failures(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := LoadGeometry(ctx, s, KeyConfig)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Put(ctx, KeyConfig, []byte{1, 2, 3}))
	_, err = LoadGeometry(ctx, s, KeyConfig)
	assert.ErrorIs(t, err, ErrLength)

	// 1000 split 4 ways is not evenly divisible.
	require.NoError(t, s.Put(ctx, KeyConfig, encodeRecord(t, 1000, 4)))
	_, err = LoadGeometry(ctx, s, KeyConfig)
	assert.ErrorIs(t, err, geometry.ErrConfig)
}

// encodeRecord writes a record without validating the parameters.
func encodeRecord(t *testing.T, size, splits int) []byte {
	t.Helper()
	s := NewMemoryStore()
	g := geometry.Geometry{MatrixSize: size, NSplits: splits}
	require.NoError(t, WriteConfig(context.Background(), s, "tmp", g))
	b, err := s.Get(context.Background(), "tmp", ConfigRecordSize)
	require.NoError(t, err)
	return b
}

func TestDefaultKeys(t *testing.T) {
	k := DefaultKeys()
	assert.Equal(t, "submatrices_a", k.A)
	assert.Equal(t, "submatrices_b", k.B)
	assert.Equal(t, "result_matrix", k.Result)
	assert.Equal(t, "matrix_state", k.Config)
	assert.NoError(t, k.Validate())

	k.Result = "bad key"
	assert.ErrorIs(t, k.Validate(), ErrInvalidKey)
}

func TestSubdivideAndReconstruct(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	g, err := geometry.Compute(1000, 3)
	require.NoError(t, err)

	m, err := SubdivideRandom(ctx, s, g, KeyMatrixA, rand.New(rand.NewSource(1)))
	require.NoError(t, err)

	got, err := ReconstructMatrix(ctx, s, g, KeyMatrixA)
	require.NoError(t, err)
	assert.True(t, mat.Equal(m, got))
}

func TestReadSubmatrix(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	g, err := geometry.Compute(1000, 3)
	require.NoError(t, err)

	m, err := SubdivideRandom(ctx, s, g, KeyMatrixB, rand.New(rand.NewSource(2)))
	require.NoError(t, err)

	block, err := ReadSubmatrix(ctx, s, g, KeyMatrixB, 3, 4)
	require.NoError(t, err)

	n := g.SubmatrixSize
	want := m.Slice(3*n, 4*n, 4*n, 5*n)
	assert.True(t, mat.Equal(want, block))

	_, err = ReadSubmatrix(ctx, s, g, KeyMatrixB, 8, 0)
	assert.ErrorIs(t, err, geometry.ErrIndex)
}

func TestSubdivideMatrix_WrongShape(t *testing.T) {
	g, err := geometry.Compute(8, 1)
	require.NoError(t, err)
	err = SubdivideMatrix(context.Background(), NewMemoryStore(), g, KeyMatrixA, mat.NewDense(4, 4, nil))
	assert.Error(t, err)
}

func TestAllocateZeroed(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Put(ctx, KeyResult, []byte{1, 2, 3}))

	require.NoError(t, AllocateZeroed(ctx, s, KeyResult, 16))
	got, err := s.Get(ctx, KeyResult, 16)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 16), got)

	assert.ErrorIs(t, AllocateZeroed(ctx, s, KeyResult, -1), ErrRange)
}
