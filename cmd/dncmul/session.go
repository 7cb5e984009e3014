// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"golang.org/x/time/rate"
	"gonum.org/v1/gonum/mat"

	"github.com/AleutianAI/dncmul/services/matmul/dispatch"
	"github.com/AleutianAI/dncmul/services/matmul/engine"
	"github.com/AleutianAI/dncmul/services/matmul/geometry"
	"github.com/AleutianAI/dncmul/services/matmul/state"
	bstore "github.com/AleutianAI/dncmul/services/matmul/state/badger"
)

// verifyTolerance is the relative tolerance against the dense product.
const verifyTolerance = 1e-9

var errVerification = errors.New("result does not match the dense product")

// session wires a store, a dispatcher, and an engine together.
type session struct {
	store      state.Store
	dispatcher *dispatch.Local
	engine     *engine.Engine
	closeStore func() error
}

func openSession(cfg Config, logger *slog.Logger) (*session, error) {
	s := &session{closeStore: func() error { return nil }}

	switch cfg.Store.Backend {
	case "badger":
		bcfg := bstore.DefaultConfig(cfg.Store.Path)
		bcfg.SyncWrites = cfg.Store.SyncWrites
		if cfg.Store.ChunkSize > 0 {
			bcfg.ChunkSize = cfg.Store.ChunkSize
		}
		bcfg.Logger = logger
		db, err := bstore.Open(bcfg)
		if err != nil {
			return nil, err
		}
		s.store = db
		s.closeStore = db.Close
	default:
		s.store = state.NewMemoryStore()
	}

	s.dispatcher = dispatch.NewLocal(dispatch.Config{
		RateLimit: rate.Limit(cfg.Dispatch.RateLimit),
		Burst:     cfg.Dispatch.Burst,
		Logger:    logger,
	})

	ecfg := engine.DefaultConfig()
	ecfg.Keys = cfg.Keys.stateKeys()
	ecfg.AwaitTimeout = cfg.Engine.AwaitTimeout
	if cfg.Engine.LeafConcurrency > 0 {
		ecfg.LeafConcurrency = cfg.Engine.LeafConcurrency
	}
	ecfg.ShareReads = cfg.Engine.ShareReads
	ecfg.Logger = logger

	e, err := engine.New(s.store, s.dispatcher, ecfg)
	if err == nil {
		err = e.Register(s.dispatcher)
	}
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	s.engine = e
	return s, nil
}

// Close stops the dispatcher before closing the store its tasks write to.
func (s *session) Close() error {
	return errors.Join(s.dispatcher.Close(), s.closeStore())
}

// report summarizes one verified multiplication.
type report struct {
	Geometry    geometry.Geometry
	Duration    time.Duration
	MaxAbsError float64
	Result      *mat.Dense
}

// operands builds A and B for m.
func operands(m MatrixConfig) (a, b *mat.Dense) {
	n := m.Size
	if m.Input == "sequential" {
		va := make([]float64, n*n)
		vb := make([]float64, n*n)
		for i := range va {
			va[i] = float64(i + 1)
			vb[i] = float64(n*n - i)
		}
		return mat.NewDense(n, n, va), mat.NewDense(n, n, vb)
	}
	rng := rand.New(rand.NewSource(m.Seed))
	fill := func() *mat.Dense {
		v := make([]float64, n*n)
		for i := range v {
			v[i] = rng.Float64()
		}
		return mat.NewDense(n, n, v)
	}
	a = fill()
	return a, fill()
}

// multiply runs one distributed multiplication and checks it against the
// dense product.
func (s *session) multiply(ctx context.Context, m MatrixConfig) (report, error) {
	g, err := geometry.Compute(m.Size, m.Splits)
	if err != nil {
		return report{}, err
	}
	a, b := operands(m)

	start := time.Now()
	got, err := s.engine.Multiply(ctx, a, b, m.Splits)
	if err != nil {
		return report{}, err
	}
	r := report{Geometry: g, Duration: time.Since(start), Result: got}

	var want mat.Dense
	want.Mul(a, b)
	r.MaxAbsError = maxAbsDiff(got, &want)
	if !mat.EqualApprox(got, &want, verifyTolerance) {
		return r, fmt.Errorf("%w: max abs error %g", errVerification, r.MaxAbsError)
	}
	return r, nil
}

func maxAbsDiff(x, y mat.Matrix) float64 {
	var diff mat.Dense
	diff.Sub(x, y)
	worst := 0.0
	r, c := diff.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			worst = math.Max(worst, math.Abs(diff.At(i, j)))
		}
	}
	return worst
}
