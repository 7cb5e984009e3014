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
	"fmt"
	"sort"
	"sync"
)

// blob is one stored value. Its mutex guards data; the slice header is
// replaced only by Put.
type blob struct {
	mu   sync.RWMutex
	data []byte
}

// MemoryStore is an in-process Store.
//
// Description:
//
//	Each blob carries its own lock, so range traffic on one key never
//	blocks another key. PutRange copies into the existing backing array;
//	it never reads or rewrites bytes outside its range.
//
// Thread Safety: safe for concurrent use.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string]*blob
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string]*blob)}
}

func (s *MemoryStore) lookup(key string) (*blob, error) {
	s.mu.RLock()
	b, ok := s.blobs[key]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return b, nil
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, key string, length int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b, err := s.lookup(key)
	if err != nil {
		return nil, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.data) != length {
		return nil, fmt.Errorf("%w: %s is %d bytes, caller expected %d", ErrLength, key, len(b.data), length)
	}
	out := make([]byte, length)
	copy(out, b.data)
	return out, nil
}

// GetRange implements Store.
func (s *MemoryStore) GetRange(ctx context.Context, key string, totalLength, offset, length int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b, err := s.lookup(key)
	if err != nil {
		return nil, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := CheckRange(key, len(b.data), totalLength, offset, length); err != nil {
		return nil, err
	}
	out := make([]byte, length)
	copy(out, b.data[offset:offset+length])
	return out, nil
}

// Put implements Store.
func (s *MemoryStore) Put(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := CheckKey(key); err != nil {
		return err
	}
	owned := make([]byte, len(data))
	copy(owned, data)

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.blobs[key]; ok {
		b.mu.Lock()
		b.data = owned
		b.mu.Unlock()
		return nil
	}
	s.blobs[key] = &blob{data: owned}
	return nil
}

// PutRange implements Store.
func (s *MemoryStore) PutRange(ctx context.Context, key string, totalLength, offset int, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := s.lookup(key)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := CheckRange(key, len(b.data), totalLength, offset, len(data)); err != nil {
		return err
	}
	copy(b.data[offset:], data)
	return nil
}

// Keys returns the stored keys in sorted order.
func (s *MemoryStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.blobs))
	for k := range s.blobs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
