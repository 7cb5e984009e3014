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
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/dncmul/services/matmul/geometry"
	"github.com/AleutianAI/dncmul/services/telemetry"
)

// multiplyRequest is the body of POST /v1/multiply.
type multiplyRequest struct {
	Size    int    `json:"size" binding:"required,gt=0"`
	NSplits int    `json:"n_splits" binding:"gte=0"`
	Seed    int64  `json:"seed"`
	Input   string `json:"input" binding:"omitempty,oneof=random sequential"`
}

type multiplyResponse struct {
	Geometry    string  `json:"geometry"`
	DurationMS  float64 `json:"duration_ms"`
	MaxAbsError float64 `json:"max_abs_error"`
	Verified    bool    `json:"verified"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// server exposes health, metrics, and on-demand multiplication.
//
// Runs share one session and therefore one set of state keys, so they are
// serialized.
type server struct {
	sess    *session
	maxSize int
	logger  *slog.Logger
	mu      sync.Mutex
}

func newRouter(s *server, serviceName string) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(serviceName))

	router.GET("/healthz", s.handleHealth)
	if h := telemetry.MetricsHandler(); h != nil {
		router.GET("/metrics", gin.WrapH(h))
	}
	v1 := router.Group("/v1")
	v1.POST("/multiply", s.handleMultiply)
	return router
}

func (s *server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "in_flight": s.sess.dispatcher.InFlight()})
}

func (s *server) handleMultiply(c *gin.Context) {
	var req multiplyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	if req.Size > s.maxSize {
		c.JSON(http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("size %d exceeds limit %d", req.Size, s.maxSize)})
		return
	}
	if req.Input == "" {
		req.Input = "random"
	}

	s.mu.Lock()
	r, err := s.sess.multiply(c.Request.Context(), MatrixConfig{
		Size: req.Size, Splits: req.NSplits, Input: req.Input, Seed: req.Seed,
	})
	s.mu.Unlock()

	switch {
	case errors.Is(err, geometry.ErrConfig):
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.Is(err, errVerification):
		c.JSON(http.StatusInternalServerError, multiplyResponse{
			Geometry: r.Geometry.String(), DurationMS: ms(r.Duration), MaxAbsError: r.MaxAbsError,
		})
	case err != nil:
		s.logger.Error("multiply failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
	default:
		c.JSON(http.StatusOK, multiplyResponse{
			Geometry: r.Geometry.String(), DurationMS: ms(r.Duration), MaxAbsError: r.MaxAbsError, Verified: true,
		})
	}
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func newServeCmd(app *cli) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve health, Prometheus metrics, and a multiply endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("addr") {
				app.cfg.Server.Addr = addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return app.serve(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address")
	return cmd
}

func (a *cli) serve(ctx context.Context) error {
	logger := a.logger.Slog()

	tcfg := a.cfg.Telemetry
	if tcfg.MetricExporter == "" || tcfg.MetricExporter == "none" {
		tcfg.MetricExporter = "prometheus"
	}
	shutdown, err := telemetry.Init(ctx, tcfg)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(flushCtx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	sess, err := openSession(a.cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := sess.Close(); err != nil {
			logger.Warn("session close failed", "error", err)
		}
	}()

	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr:              a.cfg.Server.Addr,
		Handler:           newRouter(&server{sess: sess, maxSize: a.cfg.Server.MaxSize, logger: logger}, tcfg.ServiceName),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", slog.String("address", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
