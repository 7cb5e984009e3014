// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package addressing names recursion nodes and the byte ranges they own.
//
// A node is identified by a Coordinate (Level, RowA, ColA, RowB, ColB): the
// product of block (RowA, ColA) of A with block (RowB, ColB) of B, both in
// units of blocks at Level. Each interior node owns one state blob, named by
// QuadrantKey, into which its eight children write disjoint slots.
//
// Quarter order follows C_xy = A_x0*B_0y + A_x1*B_1y:
//
//	q0 = A00*B00  q1 = A01*B10   -> top-left
//	q2 = A00*B01  q3 = A01*B11   -> top-right
//	q4 = A10*B00  q5 = A11*B10   -> bottom-left
//	q6 = A10*B01  q7 = A11*B11   -> bottom-right
package addressing

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/AleutianAI/dncmul/services/matmul/geometry"
)

// QuartersPerNode is the fan-out of every interior node.
const QuartersPerNode = 8

// keyPrefix starts every quadrant result key. Fields follow, '_' delimited.
const keyPrefix = "matrix_result_split"

// ErrKey indicates a string that is not a quadrant result key.
var ErrKey = errors.New("malformed quadrant key")

// Coordinate identifies one recursion node.
//
// Quarter is the slot this node fills in its parent's result blob. It is
// meaningless for the root and is not part of the node's identity.
type Coordinate struct {
	Level   int
	Quarter int
	RowA    int
	ColA    int
	RowB    int
	ColB    int
}

// Root returns the coordinate of the entry node.
func Root() Coordinate {
	return Coordinate{}
}

// IsRoot reports whether c is the entry node.
func (c Coordinate) IsRoot() bool {
	return c.Level == 0
}

// String renders the coordinate for logs and span attributes.
func (c Coordinate) String() string {
	return fmt.Sprintf("L%d q%d A(%d,%d) B(%d,%d)", c.Level, c.Quarter, c.RowA, c.ColA, c.RowB, c.ColB)
}

// quarterTerm gives, for each quarter, the output row x, output col y, and
// the shared inner index k of the term A_xk*B_ky.
var quarterTerm = [QuartersPerNode]struct{ x, y, k int }{
	{0, 0, 0}, {0, 0, 1},
	{0, 1, 0}, {0, 1, 1},
	{1, 0, 0}, {1, 0, 1},
	{1, 1, 0}, {1, 1, 1},
}

// Children returns the eight decomposition terms of c, in quarter order.
//
// Every child sits one level down with doubled block indices:
//
//	A(2*RowA+x, 2*ColA+k) * B(2*RowB+k, 2*ColB+y)
func Children(c Coordinate) [QuartersPerNode]Coordinate {
	var out [QuartersPerNode]Coordinate
	for q, term := range quarterTerm {
		out[q] = Coordinate{
			Level:   c.Level + 1,
			Quarter: q,
			RowA:    2*c.RowA + term.x,
			ColA:    2*c.ColA + term.k,
			RowB:    2*c.RowB + term.k,
			ColB:    2*c.ColB + term.y,
		}
	}
	return out
}

// Parent returns the node whose result blob c writes into.
// The parent's own Quarter is unknown from c and is left zero.
func Parent(c Coordinate) Coordinate {
	return Coordinate{
		Level: c.Level - 1,
		RowA:  c.RowA / 2,
		ColA:  c.ColA / 2,
		RowB:  c.RowB / 2,
		ColB:  c.ColB / 2,
	}
}

// QuadrantKey returns the state key of the result blob owned by node c.
//
// Fields are decimal and '_' delimited, so distinct coordinates never collide
// (e.g. (1,23) and (12,3) render as "1_23" and "12_3"). Quarter is excluded:
// it names a slot in the parent, not the node itself.
func QuadrantKey(c Coordinate) string {
	return fmt.Sprintf("%s_%d_%d_%d_%d_%d", keyPrefix, c.Level, c.RowA, c.ColA, c.RowB, c.ColB)
}

// ParseQuadrantKey inverts QuadrantKey. The returned Quarter is zero.
func ParseQuadrantKey(key string) (Coordinate, error) {
	rest, ok := strings.CutPrefix(key, keyPrefix+"_")
	if !ok {
		return Coordinate{}, fmt.Errorf("%w: %q", ErrKey, key)
	}
	fields := strings.Split(rest, "_")
	if len(fields) != 5 {
		return Coordinate{}, fmt.Errorf("%w: %q has %d fields", ErrKey, key, len(fields))
	}

	var vals [5]int
	for i, f := range fields {
		v, err := strconv.Atoi(f)
		if err != nil || v < 0 {
			return Coordinate{}, fmt.Errorf("%w: %q field %d", ErrKey, key, i)
		}
		vals[i] = v
	}
	return Coordinate{Level: vals[0], RowA: vals[1], ColA: vals[2], RowB: vals[3], ColB: vals[4]}, nil
}

// ChildSlot returns the byte range reserved for child quarter within the
// result blob of a node at level.
//
// Description:
//
//	Sizes are relative to the child level: every slot holds one block of
//	side BlockSize(level+1). Slots for quarters 0..7 are laid out back to
//	back and exactly tile ParentQuadrantResultSize(g, level).
//
// Outputs:
//
//	offset, length - The slot's byte range.
//	error - Wraps geometry.ErrIndex for a quarter outside [0,7] or a level
//	        that has no children.
func ChildSlot(g geometry.Geometry, level, quarter int) (offset, length int, err error) {
	if level < 0 || level >= g.NSplits {
		return 0, 0, fmt.Errorf("%w: level %d has no children (n_splits=%d)", geometry.ErrIndex, level, g.NSplits)
	}
	if quarter < 0 || quarter >= QuartersPerNode {
		return 0, 0, fmt.Errorf("%w: quarter %d not in [0,%d]", geometry.ErrIndex, quarter, QuartersPerNode-1)
	}
	length = g.BlockBytes(level + 1)
	return quarter * length, length, nil
}

// ParentQuadrantResultSize returns the size of the result blob owned by an
// interior node at level.
func ParentQuadrantResultSize(g geometry.Geometry, level int) int {
	return QuartersPerNode * g.BlockBytes(level+1)
}

// Validate checks that c is addressable under g.
func Validate(g geometry.Geometry, c Coordinate) error {
	if !g.ValidLevel(c.Level) {
		return fmt.Errorf("%w: level %d not in [0,%d]", geometry.ErrIndex, c.Level, g.NSplits)
	}
	if c.Quarter < 0 || c.Quarter >= QuartersPerNode {
		return fmt.Errorf("%w: quarter %d not in [0,%d]", geometry.ErrIndex, c.Quarter, QuartersPerNode-1)
	}
	limit := g.BlocksPerRow(c.Level)
	for _, v := range []int{c.RowA, c.ColA, c.RowB, c.ColB} {
		if v < 0 || v >= limit {
			return fmt.Errorf("%w: block index %d not in [0,%d) at level %d", geometry.ErrIndex, v, limit, c.Level)
		}
	}
	return nil
}
