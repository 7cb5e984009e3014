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
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gatedStore counts range reads and holds them until release is closed.
type gatedStore struct {
	Store
	reads   atomic.Int32
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedStore) GetRange(ctx context.Context, key string, totalLength, offset, length int) ([]byte, error) {
	g.reads.Add(1)
	g.once.Do(func() { close(g.entered) })
	<-g.release
	return g.Store.GetRange(ctx, key, totalLength, offset, length)
}

func TestSharedReads_CollapsesConcurrentReads(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryStore()
	require.NoError(t, mem.Put(ctx, KeyMatrixA, []byte("abcdefgh")))

	gated := &gatedStore{Store: mem, entered: make(chan struct{}), release: make(chan struct{})}
	shared := NewSharedReads(gated, KeyMatrixA)

	const callers = 6
	results := make([][]byte, callers)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		b, err := shared.GetRange(ctx, KeyMatrixA, 8, 2, 4)
		assert.NoError(t, err)
		results[0] = b
	}()
	<-gated.entered

	for i := 1; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b, err := shared.GetRange(ctx, KeyMatrixA, 8, 2, 4)
			assert.NoError(t, err)
			results[i] = b
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(gated.release)
	wg.Wait()

	assert.Equal(t, int32(1), gated.reads.Load())
	for i, b := range results {
		assert.Equal(t, []byte("cdef"), b, "caller %d", i)
	}

	// Each caller owns its bytes.
	results[0][0] = 'X'
	assert.Equal(t, byte('c'), results[1][0])
}

func TestSharedReads_PassesThroughWritableKeys(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryStore()
	shared := NewSharedReads(mem, KeyMatrixA)

	require.NoError(t, shared.Put(ctx, KeyResult, make([]byte, 4)))
	require.NoError(t, shared.PutRange(ctx, KeyResult, 4, 1, []byte{7}))

	got, err := shared.GetRange(ctx, KeyResult, 4, 0, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 7, 0, 0}, got)

	_, err = shared.GetRange(ctx, KeyMatrixA, 8, 0, 8)
	assert.ErrorIs(t, err, ErrNotFound)
}
