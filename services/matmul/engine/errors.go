// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"errors"
	"fmt"

	"github.com/AleutianAI/dncmul/services/matmul/addressing"
)

var (
	// ErrNodeFailed marks every error returned by a recursion node.
	ErrNodeFailed = errors.New("node failed")

	// ErrInvalidConfig indicates an unusable engine configuration.
	ErrInvalidConfig = errors.New("invalid engine config")

	// ErrInvalidInput indicates a nil collaborator or mismatched operands.
	ErrInvalidInput = errors.New("invalid input")
)

// NodeError reports the failure of one recursion node.
//
// errors.Is(err, ErrNodeFailed) holds for every NodeError; Unwrap exposes
// the cause, so store and dispatch sentinels remain matchable.
type NodeError struct {
	Coord addressing.Coordinate
	Kind  Kind
	Err   error
}

// NewNodeError wraps err with the node's coordinate.
func NewNodeError(c addressing.Coordinate, kind Kind, err error) *NodeError {
	return &NodeError{Coord: c, Kind: kind, Err: err}
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("%s node %s: %v", e.Kind, e.Coord, e.Err)
}

func (e *NodeError) Unwrap() error {
	return e.Err
}

// Is matches ErrNodeFailed.
func (e *NodeError) Is(target error) bool {
	return target == ErrNodeFailed
}
