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
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/dncmul/pkg/validation"
	"github.com/AleutianAI/dncmul/services/matmul/state"
	"github.com/AleutianAI/dncmul/services/telemetry"
)

// Config is the dncmul configuration file. Flags override file values.
//
// Example:
//
//	matrix:
//	  size: 1000
//	  n_splits: 3
//	  input: random
//	store:
//	  backend: badger
//	  path: /var/lib/dncmul
//	engine:
//	  await_timeout: 5m
//	telemetry:
//	  trace_exporter: otlp
type Config struct {
	Matrix    MatrixConfig     `yaml:"matrix"`
	Store     StoreConfig      `yaml:"store"`
	Engine    EngineConfig     `yaml:"engine"`
	Dispatch  DispatchConfig   `yaml:"dispatch"`
	Keys      KeysConfig       `yaml:"keys"`
	Telemetry telemetry.Config `yaml:"telemetry"`
	Log       LogConfig        `yaml:"log"`
	Server    ServerConfig     `yaml:"server"`
}

// MatrixConfig selects the operands of a run.
type MatrixConfig struct {
	Size   int    `yaml:"size" validate:"gt=0"`
	Splits int    `yaml:"n_splits" validate:"gte=0,lte=24"`
	Input  string `yaml:"input" validate:"oneof=random sequential"`
	Seed   int64  `yaml:"seed"`
}

// StoreConfig selects the state backend.
type StoreConfig struct {
	Backend    string `yaml:"backend" validate:"oneof=memory badger"`
	Path       string `yaml:"path" validate:"required_if=Backend badger"`
	ChunkSize  int    `yaml:"chunk_size" validate:"gte=0"`
	SyncWrites bool   `yaml:"sync_writes"`
}

type EngineConfig struct {
	AwaitTimeout    time.Duration `yaml:"await_timeout" validate:"gte=0"`
	LeafConcurrency int           `yaml:"leaf_concurrency" validate:"gte=0"`
	ShareReads      bool          `yaml:"share_reads"`
}

type DispatchConfig struct {
	RateLimit float64 `yaml:"rate_limit" validate:"gte=0"`
	Burst     int     `yaml:"burst" validate:"gte=0"`
}

// KeysConfig names the state blobs of a run.
type KeysConfig struct {
	A      string `yaml:"a" validate:"statekey"`
	B      string `yaml:"b" validate:"statekey"`
	Result string `yaml:"result" validate:"statekey"`
	Config string `yaml:"config" validate:"statekey"`
}

func (k KeysConfig) stateKeys() state.Keys {
	return state.Keys{A: k.A, B: k.B, Result: k.Result, Config: k.Config}
}

type LogConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `yaml:"format" validate:"omitempty,oneof=auto text json"`
	Dir    string `yaml:"dir"`
}

type ServerConfig struct {
	Addr string `yaml:"addr" validate:"required"`

	// MaxSize caps the matrix size a request may ask for.
	MaxSize int `yaml:"max_size" validate:"gt=0"`
}

var errConfig = errors.New("invalid configuration")

var configValidate *validator.Validate

func init() {
	configValidate = validator.New()
	_ = configValidate.RegisterValidation("statekey", validateStateKey)
}

func validateStateKey(fl validator.FieldLevel) bool {
	return validation.ValidateStateKey(fl.Field().String()) == nil
}

// defaultConfig returns the built-in configuration.
func defaultConfig() Config {
	keys := state.DefaultKeys()
	return Config{
		Matrix: MatrixConfig{Size: 1000, Splits: 3, Input: "random", Seed: 1},
		Store:  StoreConfig{Backend: "memory", SyncWrites: true},
		Engine: EngineConfig{ShareReads: true},
		Dispatch: DispatchConfig{
			Burst: 1,
		},
		Keys:      KeysConfig{A: keys.A, B: keys.B, Result: keys.Result, Config: keys.Config},
		Telemetry: telemetry.DefaultConfig(),
		Log:       LogConfig{Level: "info", Format: "auto"},
		Server:    ServerConfig{Addr: ":8090", MaxSize: 2048},
	}
}

// loadConfig overlays the YAML file at path, if any, on the defaults and
// validates the result.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if err := configValidate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", errConfig, err)
	}
	return nil
}
