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
	"encoding/binary"
	"fmt"
	"math"

	"github.com/AleutianAI/dncmul/services/matmul/geometry"
)

// Well-known keys shared by the caller and every node.
const (
	KeyMatrixA = "submatrices_a"
	KeyMatrixB = "submatrices_b"
	KeyResult  = "result_matrix"
	KeyConfig  = "matrix_state"
)

// ConfigRecordSize is the length of the configuration record:
// two int32 values [matrix_size, n_splits] in native byte order.
const ConfigRecordSize = 2 * 4

// Keys names the blobs of one run.
type Keys struct {
	A      string `yaml:"a" validate:"required"`
	B      string `yaml:"b" validate:"required"`
	Result string `yaml:"result" validate:"required"`
	Config string `yaml:"config" validate:"required"`
}

// DefaultKeys returns the well-known keys.
func DefaultKeys() Keys {
	return Keys{A: KeyMatrixA, B: KeyMatrixB, Result: KeyResult, Config: KeyConfig}
}

// Validate checks every key.
func (k Keys) Validate() error {
	for _, key := range []string{k.A, k.B, k.Result, k.Config} {
		if err := CheckKey(key); err != nil {
			return err
		}
	}
	return nil
}

// WriteConfig persists the configuration record for g under key.
func WriteConfig(ctx context.Context, s Store, key string, g geometry.Geometry) error {
	if g.MatrixSize > math.MaxInt32 {
		return fmt.Errorf("%w: matrix size %d does not fit the configuration record", geometry.ErrConfig, g.MatrixSize)
	}
	buf := make([]byte, ConfigRecordSize)
	binary.NativeEndian.PutUint32(buf[0:], uint32(int32(g.MatrixSize)))
	binary.NativeEndian.PutUint32(buf[4:], uint32(int32(g.NSplits)))
	if err := s.Put(ctx, key, buf); err != nil {
		return fmt.Errorf("write config record: %w", err)
	}
	return nil
}

// LoadGeometry reads the configuration record under key and recomputes the
// geometry from it.
//
// Outputs:
//
//	geometry.Geometry - The freshly derived geometry.
//	error - ErrNotFound / ErrLength from the store, or geometry.ErrConfig
//	        when the record holds invalid parameters.
func LoadGeometry(ctx context.Context, s Store, key string) (geometry.Geometry, error) {
	buf, err := s.Get(ctx, key, ConfigRecordSize)
	if err != nil {
		return geometry.Geometry{}, fmt.Errorf("load config record: %w", err)
	}
	size := int32(binary.NativeEndian.Uint32(buf[0:]))
	splits := int32(binary.NativeEndian.Uint32(buf[4:]))
	return geometry.Compute(int(size), int(splits))
}
