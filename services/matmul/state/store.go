// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package state defines the byte-addressable key/value store the engine
// coordinates through, plus helpers that move matrices in and out of it.
//
// # Access Pattern
//
// The engine relies on three properties of every Store:
//
//   - A range read returns exactly the requested bytes of an existing blob.
//   - A range write replaces only its own bytes; concurrent range writes to
//     disjoint ranges of the same blob never lose each other's updates.
//   - A write is visible to any read issued after it returns.
//
// Implementations: MemoryStore (in process), badger.BlobStore (durable), and
// the SharedReads wrapper which collapses duplicate concurrent reads.
package state

import (
	"context"
	"errors"
	"fmt"

	"github.com/AleutianAI/dncmul/pkg/validation"
)

var (
	// ErrNotFound indicates the key does not exist in the store.
	ErrNotFound = errors.New("state key not found")

	// ErrRange indicates an offset/length outside the blob.
	ErrRange = errors.New("state range out of bounds")

	// ErrLength indicates the caller's expected blob length does not match
	// the stored blob.
	ErrLength = errors.New("state length mismatch")

	// ErrInvalidKey indicates a key rejected by validation.
	ErrInvalidKey = errors.New("invalid state key")
)

// Store is a remote mapping from string key to an opaque byte blob.
//
// totalLength arguments validate the blob's current length; they never
// resize it.
//
// Thread Safety: implementations must be safe for concurrent use.
type Store interface {
	// Get returns the whole blob. Fails with ErrNotFound when absent and
	// ErrLength when the blob is not length bytes long.
	Get(ctx context.Context, key string, length int) ([]byte, error)

	// GetRange returns bytes [offset, offset+length) of the blob.
	GetRange(ctx context.Context, key string, totalLength, offset, length int) ([]byte, error)

	// Put creates or replaces the whole blob.
	Put(ctx context.Context, key string, data []byte) error

	// PutRange overwrites bytes [offset, offset+len(data)) of an existing
	// blob without touching any other byte.
	PutRange(ctx context.Context, key string, totalLength, offset int, data []byte) error
}

// CheckKey wraps validation.ValidateStateKey with ErrInvalidKey.
func CheckKey(key string) error {
	if err := validation.ValidateStateKey(key); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return nil
}

// CheckRange validates a range request against the caller's expected total
// length and the stored length.
//
// Inputs:
//
//	key - For error messages.
//	stored - The blob's actual length.
//	totalLength - The caller's expected length.
//	offset, length - The requested range.
//
// Outputs:
//
//	error - ErrLength if stored != totalLength, ErrRange if the range does
//	        not fit inside the blob.
func CheckRange(key string, stored, totalLength, offset, length int) error {
	if stored != totalLength {
		return fmt.Errorf("%w: %s is %d bytes, caller expected %d", ErrLength, key, stored, totalLength)
	}
	if offset < 0 || length < 0 || offset > stored-length {
		return fmt.Errorf("%w: %s [%d,+%d) in %d bytes", ErrRange, key, offset, length, stored)
	}
	return nil
}
