// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package codec

import (
	"fmt"
	"os"

	"gonum.org/v1/gonum/mat"

	"github.com/AleutianAI/dncmul/services/matmul/geometry"
)

// WriteFile writes m to path in the partitioned layout.
// The file is byte-identical to the blob SubdivideMatrix stores.
func WriteFile(g geometry.Geometry, m mat.Matrix, path string) error {
	data, err := Encode(g, m)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0640); err != nil {
		return fmt.Errorf("write matrix file %s: %w", path, err)
	}
	return nil
}

// ReadFile reads a partitioned matrix file written by WriteFile.
func ReadFile(g geometry.Geometry, path string) (*mat.Dense, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read matrix file %s: %w", path, err)
	}
	return Decode(g, data)
}
