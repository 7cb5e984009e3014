// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package badger implements the state store on top of BadgerDB.
//
// Blobs are split into fixed-size chunks stored under separate keys, so a
// range read or write only loads the chunks it overlaps. Two writers whose
// ranges share a boundary chunk are serialized by Badger's optimistic
// transactions: the loser sees ErrConflict and retries against the winner's
// bytes.
//
// License: BadgerDB is Apache 2.0 licensed (github.com/dgraph-io/badger).
package badger

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// DefaultChunkSize is the chunk width used when Config.ChunkSize is zero.
const DefaultChunkSize = 64 << 10

// Config holds configuration for a Badger-backed store.
type Config struct {
	// Path is the database directory. Ignored when InMemory is true.
	Path string

	// InMemory keeps everything in RAM. Used by tests and one-shot runs.
	InMemory bool

	// SyncWrites fsyncs every commit.
	SyncWrites bool

	// ChunkSize is the width in bytes of one stored chunk.
	// Zero selects DefaultChunkSize.
	ChunkSize int

	// MaxConflictRetries bounds retries of a range write that lost an
	// optimistic transaction race.
	MaxConflictRetries int

	// GCInterval is how often to run value log GC. Zero disables it.
	GCInterval time.Duration

	// GCDiscardRatio is the garbage ratio that triggers a value log rewrite.
	GCDiscardRatio float64

	// Logger receives Badger's internal log lines and store events.
	// Nil silences Badger.
	Logger *slog.Logger
}

// DefaultConfig returns settings for a persistent store at path.
func DefaultConfig(path string) Config {
	return Config{
		Path:               path,
		SyncWrites:         true,
		ChunkSize:          DefaultChunkSize,
		MaxConflictRetries: 64,
		GCInterval:         5 * time.Minute,
		GCDiscardRatio:     0.5,
	}
}

// InMemoryConfig returns settings for a throwaway store.
func InMemoryConfig() Config {
	return Config{
		InMemory:           true,
		ChunkSize:          DefaultChunkSize,
		MaxConflictRetries: 64,
	}
}

// slogAdapter routes Badger's printf-style logging into slog.
type slogAdapter struct {
	logger *slog.Logger
}

func (l *slogAdapter) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *slogAdapter) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *slogAdapter) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *slogAdapter) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func openDB(cfg Config) (*badger.DB, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, errors.New("path is required for persistent database")
		}
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}

	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&slogAdapter{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	return db, nil
}

// gcLoop periodically rewrites the value log while chunk overwrites
// accumulate garbage.
type gcLoop struct {
	db       *badger.DB
	interval time.Duration
	ratio    float64
	logger   *slog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func newGCLoop(db *badger.DB, interval time.Duration, ratio float64, logger *slog.Logger) (*gcLoop, error) {
	if interval <= 0 {
		return nil, errors.New("gc interval must be positive")
	}
	if ratio <= 0 || ratio >= 1 {
		return nil, errors.New("gc discard ratio must be in (0,1)")
	}
	return &gcLoop{
		db:       db,
		interval: interval,
		ratio:    ratio,
		logger:   logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

func (g *gcLoop) start() {
	go func() {
		defer close(g.doneCh)
		ticker := time.NewTicker(g.interval)
		defer ticker.Stop()
		for {
			select {
			case <-g.stopCh:
				return
			case <-ticker.C:
				g.collect()
			}
		}
	}()
}

// collect rewrites value log files until Badger reports nothing left to reclaim.
func (g *gcLoop) collect() {
	for {
		err := g.db.RunValueLogGC(g.ratio)
		if err == nil {
			g.logger.Debug("badger value log rewritten")
			continue
		}
		if !errors.Is(err, badger.ErrNoRewrite) {
			g.logger.Warn("badger value log GC failed", slog.String("error", err.Error()))
		}
		return
	}
}

func (g *gcLoop) stop() {
	g.stopOnce.Do(func() {
		close(g.stopCh)
		<-g.doneCh
	})
}
