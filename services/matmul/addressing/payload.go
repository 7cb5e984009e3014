// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package addressing

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// PayloadSize is the exact length of an encoded task payload.
const PayloadSize = 6 * 4

// ErrPayload indicates a task payload that cannot be decoded.
var ErrPayload = errors.New("malformed task payload")

// EncodePayload serializes c as six int32 values in native byte order:
// [level, quarter, rowA, colA, rowB, colB].
//
// Values outside the int32 range cannot occur for coordinates validated
// against a Geometry, whose split depth is capped well below 31.
func EncodePayload(c Coordinate) []byte {
	out := make([]byte, PayloadSize)
	for i, v := range payloadFields(c) {
		binary.NativeEndian.PutUint32(out[i*4:], uint32(int32(v)))
	}
	return out
}

// DecodePayload parses a payload produced by EncodePayload.
//
// Outputs:
//
//	Coordinate - The decoded node coordinate.
//	error - Wraps ErrPayload when the length is not PayloadSize or any
//	        field is negative.
func DecodePayload(data []byte) (Coordinate, error) {
	if len(data) != PayloadSize {
		return Coordinate{}, fmt.Errorf("%w: got %d bytes, want %d", ErrPayload, len(data), PayloadSize)
	}

	var vals [6]int
	for i := range vals {
		v := int32(binary.NativeEndian.Uint32(data[i*4:]))
		if v < 0 {
			return Coordinate{}, fmt.Errorf("%w: field %d is negative (%d)", ErrPayload, i, v)
		}
		vals[i] = int(v)
	}
	return Coordinate{
		Level:   vals[0],
		Quarter: vals[1],
		RowA:    vals[2],
		ColA:    vals[3],
		RowB:    vals[4],
		ColB:    vals[5],
	}, nil
}

func payloadFields(c Coordinate) [6]int {
	return [6]int{c.Level, c.Quarter, c.RowA, c.ColA, c.RowB, c.ColB}
}
