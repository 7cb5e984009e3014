// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badger

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/dncmul/services/matmul/state"
)

// Key layout:
//
//	m/<key>                     -> uint64 BE blob length
//	c/<key>\x00<uint32 BE idx>  -> chunk bytes (last chunk may be short)
//
// State keys never contain NUL, so one blob's chunk keys never prefix
// another's.
const (
	metaPrefix  = "m/"
	chunkPrefix = "c/"
)

// maxChunksPerTxn bounds how many chunks one range write commits at once,
// keeping whole-matrix writes under Badger's transaction size limit.
const maxChunksPerTxn = 64

// ErrConflictRetries indicates a range write kept losing transaction races.
var ErrConflictRetries = errors.New("range write exceeded conflict retries")

// Store is a state.Store backed by BadgerDB.
//
// Thread Safety: safe for concurrent use.
type Store struct {
	db         *badger.DB
	gc         *gcLoop
	chunkSize  int
	maxRetries int
	logger     *slog.Logger
}

var _ state.Store = (*Store)(nil)

// Open opens (or creates) a Badger-backed store.
//
// Description:
//
//	Opens the database described by cfg and, for persistent databases with
//	a positive GCInterval, starts a background value log GC loop.
//
// Inputs:
//
//	cfg - Store configuration. Path is required unless InMemory is set.
//
// Outputs:
//
//	*Store - The opened store. Caller must call Close.
//	error - Non-nil if the configuration is invalid or Badger fails to open.
func Open(cfg Config) (*Store, error) {
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.ChunkSize < 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", cfg.ChunkSize)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	db, err := openDB(cfg)
	if err != nil {
		return nil, err
	}

	s := &Store{
		db:         db,
		chunkSize:  cfg.ChunkSize,
		maxRetries: cfg.MaxConflictRetries,
		logger:     logger.With(slog.String("component", "badger_state")),
	}

	if cfg.GCInterval > 0 && !cfg.InMemory {
		gc, err := newGCLoop(db, cfg.GCInterval, cfg.GCDiscardRatio, s.logger)
		if err != nil {
			db.Close()
			return nil, err
		}
		s.gc = gc
		gc.start()
	}
	return s, nil
}

// OpenInMemory opens a throwaway in-memory store.
func OpenInMemory() (*Store, error) {
	return Open(InMemoryConfig())
}

// Close stops GC and closes the database.
func (s *Store) Close() error {
	if s.gc != nil {
		s.gc.stop()
	}
	return s.db.Close()
}

// Sync flushes pending writes to disk.
func (s *Store) Sync() error {
	return s.db.Sync()
}

func metaKey(key string) []byte {
	return []byte(metaPrefix + key)
}

func chunkKey(key string, idx int) []byte {
	out := make([]byte, 0, len(chunkPrefix)+len(key)+1+4)
	out = append(out, chunkPrefix...)
	out = append(out, key...)
	out = append(out, 0)
	return binary.BigEndian.AppendUint32(out, uint32(idx))
}

// chunkLen returns the width of chunk idx in a blob of total bytes.
func (s *Store) chunkLen(total, idx int) int {
	start := idx * s.chunkSize
	return min(s.chunkSize, total-start)
}

func (s *Store) numChunks(total int) int {
	return (total + s.chunkSize - 1) / s.chunkSize
}

func readLength(txn *badger.Txn, key string) (int, error) {
	item, err := txn.Get(metaKey(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, fmt.Errorf("%w: %s", state.ErrNotFound, key)
	}
	if err != nil {
		return 0, fmt.Errorf("read length of %s: %w", key, err)
	}
	var n uint64
	err = item.Value(func(v []byte) error {
		if len(v) != 8 {
			return fmt.Errorf("corrupt length record for %s", key)
		}
		n = binary.BigEndian.Uint64(v)
		return nil
	})
	return int(n), err
}

// readInto copies bytes [offset, offset+len(dst)) of the blob into dst.
func (s *Store) readInto(txn *badger.Txn, key string, total, offset int, dst []byte) error {
	end := offset + len(dst)
	for idx := offset / s.chunkSize; idx*s.chunkSize < end; idx++ {
		item, err := txn.Get(chunkKey(key, idx))
		if err != nil {
			return fmt.Errorf("read chunk %d of %s: %w", idx, key, err)
		}
		start := idx * s.chunkSize
		err = item.Value(func(v []byte) error {
			if len(v) != s.chunkLen(total, idx) {
				return fmt.Errorf("chunk %d of %s has %d bytes, want %d", idx, key, len(v), s.chunkLen(total, idx))
			}
			lo := max(offset, start)
			hi := min(end, start+len(v))
			copy(dst[lo-offset:hi-offset], v[lo-start:hi-start])
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Get implements state.Store.
func (s *Store) Get(ctx context.Context, key string, length int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		total, err := readLength(txn, key)
		if err != nil {
			return err
		}
		if total != length {
			return fmt.Errorf("%w: %s is %d bytes, caller expected %d", state.ErrLength, key, total, length)
		}
		out = make([]byte, total)
		return s.readInto(txn, key, total, 0, out)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetRange implements state.Store.
func (s *Store) GetRange(ctx context.Context, key string, totalLength, offset, length int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		total, err := readLength(txn, key)
		if err != nil {
			return err
		}
		if err := state.CheckRange(key, total, totalLength, offset, length); err != nil {
			return err
		}
		out = make([]byte, length)
		return s.readInto(txn, key, total, offset, out)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Put implements state.Store.
//
// Chunks are written through a WriteBatch so blobs larger than one
// transaction still land; the length record is written last. Chunks left
// over from a longer previous blob are deleted.
func (s *Store) Put(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := state.CheckKey(key); err != nil {
		return err
	}

	previous := 0
	err := s.db.View(func(txn *badger.Txn) error {
		n, err := readLength(txn, key)
		if errors.Is(err, state.ErrNotFound) {
			return nil
		}
		previous = n
		return err
	})
	if err != nil {
		return err
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()

	chunks := s.numChunks(len(data))
	for idx := 0; idx < chunks; idx++ {
		start := idx * s.chunkSize
		chunk := make([]byte, s.chunkLen(len(data), idx))
		copy(chunk, data[start:])
		if err := wb.Set(chunkKey(key, idx), chunk); err != nil {
			return fmt.Errorf("put %s: %w", key, err)
		}
	}
	for idx := chunks; idx < s.numChunks(previous); idx++ {
		if err := wb.Delete(chunkKey(key, idx)); err != nil {
			return fmt.Errorf("put %s: %w", key, err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}

	meta := binary.BigEndian.AppendUint64(nil, uint64(len(data)))
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(metaKey(key), meta)
	})
}

// PutRange implements state.Store.
//
// Description:
//
//	Only the chunks overlapping [offset, offset+len(data)) are read and
//	rewritten. Each group of at most maxChunksPerTxn chunks commits in its
//	own transaction; a group that loses a race on a shared boundary chunk
//	is retried from a fresh read, so concurrent disjoint writes never
//	overwrite each other's bytes.
func (s *Store) PutRange(ctx context.Context, key string, totalLength, offset int, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var total int
	err := s.db.View(func(txn *badger.Txn) error {
		n, err := readLength(txn, key)
		total = n
		return err
	})
	if err != nil {
		return err
	}
	if err := state.CheckRange(key, total, totalLength, offset, len(data)); err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}

	end := offset + len(data)
	first, last := offset/s.chunkSize, (end-1)/s.chunkSize
	for lo := first; lo <= last; lo += maxChunksPerTxn {
		hi := min(lo+maxChunksPerTxn-1, last)
		if err := s.writeChunks(ctx, key, total, offset, data, lo, hi); err != nil {
			return err
		}
	}
	return nil
}

// writeChunks rewrites chunks [lo, hi] with the overlapping part of data,
// retrying on transaction conflicts.
func (s *Store) writeChunks(ctx context.Context, key string, total, offset int, data []byte, lo, hi int) error {
	end := offset + len(data)
	for attempt := 0; ; attempt++ {
		err := s.db.Update(func(txn *badger.Txn) error {
			for idx := lo; idx <= hi; idx++ {
				start := idx * s.chunkSize
				size := s.chunkLen(total, idx)
				chunk := make([]byte, size)

				// Fully covered chunks need no read.
				if offset > start || end < start+size {
					item, err := txn.Get(chunkKey(key, idx))
					if err != nil {
						return fmt.Errorf("read chunk %d of %s: %w", idx, key, err)
					}
					prev, err := item.ValueCopy(nil)
					if err != nil {
						return err
					}
					if len(prev) != size {
						return fmt.Errorf("chunk %d of %s has %d bytes, want %d", idx, key, len(prev), size)
					}
					copy(chunk, prev)
				}

				from := max(offset, start)
				to := min(end, start+size)
				copy(chunk[from-start:to-start], data[from-offset:to-offset])
				if err := txn.Set(chunkKey(key, idx), chunk); err != nil {
					return err
				}
			}
			return nil
		})
		if !errors.Is(err, badger.ErrConflict) {
			if err != nil {
				return fmt.Errorf("put range %s [%d,+%d): %w", key, offset, len(data), err)
			}
			return nil
		}
		if attempt >= s.maxRetries {
			return fmt.Errorf("%w: %s after %d attempts", ErrConflictRetries, key, attempt+1)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		s.logger.Debug("range write conflict, retrying",
			slog.String("key", key),
			slog.Int("chunk_lo", lo),
			slog.Int("chunk_hi", hi),
			slog.Int("attempt", attempt+1))
	}
}
