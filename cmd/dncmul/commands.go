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
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/dncmul/pkg/logging"
	"github.com/AleutianAI/dncmul/services/matmul/codec"
	"github.com/AleutianAI/dncmul/services/matmul/geometry"
	"github.com/AleutianAI/dncmul/services/telemetry"
)

// cli carries state shared by every subcommand.
type cli struct {
	configPath string
	logLevel   string
	logFormat  string
	logDir     string

	cfg    Config
	logger *logging.Logger
}

func newRootCmd() *cobra.Command {
	app := &cli{}

	root := &cobra.Command{
		Use:   "dncmul",
		Short: "Distributed divide-and-conquer matrix multiplication",
		Long: `dncmul multiplies square matrices by splitting them into eight
block products per level, dispatching each product as its own task, and
combining the quadrant results through a shared state store.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return app.setup(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if app.logger != nil {
				return app.logger.Close()
			}
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&app.configPath, "config", "c", "", "YAML configuration file")
	flags.StringVar(&app.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	flags.StringVar(&app.logFormat, "log-format", "", "stderr log format (auto, text, json)")
	flags.StringVar(&app.logDir, "log-dir", "", "also write JSON logs to this directory")

	root.AddCommand(newRunCmd(app), newServeCmd(app), newGeometryCmd(app))
	return root
}

// setup loads configuration and builds the logger.
func (a *cli) setup(cmd *cobra.Command) error {
	cfg, err := loadConfig(a.configPath)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	if a.logFormat != "" {
		cfg.Log.Format = a.logFormat
	}
	if a.logDir != "" {
		cfg.Log.Dir = a.logDir
	}
	a.cfg = cfg

	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	logger, err := logging.New(logging.Config{
		Level:   level,
		Format:  logging.Format(cfg.Log.Format),
		LogDir:  cfg.Log.Dir,
		Service: cfg.Telemetry.ServiceName,
		Stderr:  cmd.ErrOrStderr(),
	})
	if err != nil {
		return err
	}
	a.logger = logger
	return nil
}

// applyMatrixFlags copies explicitly set matrix and store flags over the
// loaded configuration.
func (a *cli) applyMatrixFlags(cmd *cobra.Command, m MatrixConfig, s StoreConfig) error {
	flags := cmd.Flags()
	if flags.Changed("size") {
		a.cfg.Matrix.Size = m.Size
	}
	if flags.Changed("splits") {
		a.cfg.Matrix.Splits = m.Splits
	}
	if flags.Changed("input") {
		a.cfg.Matrix.Input = m.Input
	}
	if flags.Changed("seed") {
		a.cfg.Matrix.Seed = m.Seed
	}
	if flags.Changed("store") {
		a.cfg.Store.Backend = s.Backend
	}
	if flags.Changed("path") {
		a.cfg.Store.Path = s.Path
	}
	return a.cfg.validate()
}

func addMatrixFlags(cmd *cobra.Command, m *MatrixConfig) {
	cmd.Flags().IntVar(&m.Size, "size", 0, "matrix side length")
	cmd.Flags().IntVar(&m.Splits, "splits", 0, "recursion depth; size must be divisible by 2^splits")
}

func newRunCmd(app *cli) *cobra.Command {
	var (
		m   MatrixConfig
		s   StoreConfig
		out string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Multiply two matrices and verify the result against the dense product",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := app.applyMatrixFlags(cmd, m, s); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return app.run(ctx, cmd, out)
		},
	}
	addMatrixFlags(cmd, &m)
	cmd.Flags().StringVar(&m.Input, "input", "", "operand source (random, sequential)")
	cmd.Flags().Int64Var(&m.Seed, "seed", 0, "random operand seed")
	cmd.Flags().StringVar(&s.Backend, "store", "", "state backend (memory, badger)")
	cmd.Flags().StringVar(&s.Path, "path", "", "badger database directory")
	cmd.Flags().StringVarP(&out, "out", "o", "", "write the product in partitioned layout to this file")
	return cmd
}

func (a *cli) run(ctx context.Context, cmd *cobra.Command, out string) error {
	logger := a.logger.Slog()

	shutdown, err := telemetry.Init(ctx, a.cfg.Telemetry)
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

	r, err := sess.multiply(ctx, a.cfg.Matrix)
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	fmt.Fprintln(w, r.Geometry.String())
	fmt.Fprintf(w, "store:          %s\n", a.cfg.Store.Backend)
	fmt.Fprintf(w, "duration:       %s\n", r.Duration.Round(time.Microsecond))
	fmt.Fprintf(w, "max abs error:  %g\n", r.MaxAbsError)
	fmt.Fprintln(w, "verified:       ok")

	if out != "" {
		if err := codec.WriteFile(r.Geometry, r.Result, out); err != nil {
			return err
		}
		fmt.Fprintf(w, "written:        %s\n", out)
	}
	return nil
}

func newGeometryCmd(app *cli) *cobra.Command {
	var m MatrixConfig
	cmd := &cobra.Command{
		Use:   "geometry",
		Short: "Print the partition geometry for a matrix size and split depth",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := app.applyMatrixFlags(cmd, m, StoreConfig{}); err != nil {
				return err
			}
			g, err := geometry.Compute(app.cfg.Matrix.Size, app.cfg.Matrix.Splits)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintln(w, g.String())
			for level := 0; level <= g.NSplits; level++ {
				fmt.Fprintf(w, "level %d: %d blocks/row of %dx%d (%d bytes)\n",
					level, g.BlocksPerRow(level), g.BlockSize(level), g.BlockSize(level), g.BlockBytes(level))
			}
			return nil
		},
	}
	addMatrixFlags(cmd, &m)
	return cmd
}
