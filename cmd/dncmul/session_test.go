// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/AleutianAI/dncmul/services/matmul/geometry"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	t.Setenv("OTEL_TRACES_EXPORTER", "none")
	t.Setenv("OTEL_METRICS_EXPORTER", "none")
	cfg := defaultConfig()
	cfg.Matrix = MatrixConfig{Size: 16, Splits: 2, Input: "random", Seed: 3}
	require.NoError(t, cfg.validate())
	return cfg
}

func TestSession_MultiplyMemory(t *testing.T) {
	cfg := testConfig(t)
	sess, err := openSession(cfg, nil)
	require.NoError(t, err)
	defer sess.Close()

	r, err := sess.multiply(context.Background(), cfg.Matrix)
	require.NoError(t, err)
	assert.Equal(t, 4, r.Geometry.SubmatrixSize)
	assert.Less(t, r.MaxAbsError, 1e-9)
	rows, cols := r.Result.Dims()
	assert.Equal(t, 16, rows)
	assert.Equal(t, 16, cols)
}

func TestSession_MultiplyBadger(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store = StoreConfig{Backend: "badger", Path: filepath.Join(t.TempDir(), "db"), ChunkSize: 256}
	cfg.Matrix.Input = "sequential"
	cfg.Matrix.Size = 8
	cfg.Matrix.Splits = 3

	sess, err := openSession(cfg, nil)
	require.NoError(t, err)
	defer sess.Close()

	r, err := sess.multiply(context.Background(), cfg.Matrix)
	require.NoError(t, err)

	a, b := operands(cfg.Matrix)
	var want mat.Dense
	want.Mul(a, b)
	assert.True(t, mat.Equal(&want, r.Result))
}

func TestSession_InvalidSplit(t *testing.T) {
	cfg := testConfig(t)
	sess, err := openSession(cfg, nil)
	require.NoError(t, err)
	defer sess.Close()

	_, err = sess.multiply(context.Background(), MatrixConfig{Size: 1000, Splits: 4, Input: "random"})
	assert.ErrorIs(t, err, geometry.ErrConfig)
}

func TestOperands(t *testing.T) {
	a, b := operands(MatrixConfig{Size: 2, Input: "sequential"})
	assert.True(t, mat.Equal(mat.NewDense(2, 2, []float64{1, 2, 3, 4}), a))
	assert.True(t, mat.Equal(mat.NewDense(2, 2, []float64{4, 3, 2, 1}), b))

	r1, _ := operands(MatrixConfig{Size: 4, Input: "random", Seed: 9})
	r2, _ := operands(MatrixConfig{Size: 4, Input: "random", Seed: 9})
	assert.True(t, mat.Equal(r1, r2))
}

func TestMaxAbsDiff(t *testing.T) {
	x := mat.NewDense(2, 2, []float64{1, 2, 3, 4})
	y := mat.NewDense(2, 2, []float64{1, 2.5, 3, 3})
	assert.InDelta(t, 1.0, maxAbsDiff(x, y), 1e-12)
}
