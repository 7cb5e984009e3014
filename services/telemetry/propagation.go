// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
)

// MapCarrier adapts a string map to propagation.TextMapCarrier.
type MapCarrier map[string]string

// Get returns the value for key.
func (c MapCarrier) Get(key string) string {
	return c[key]
}

// Set stores value under key.
func (c MapCarrier) Set(key, value string) {
	c[key] = value
}

// Keys lists the carrier's keys.
func (c MapCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

// InjectToMap writes the trace context of ctx into carrier, allocating it
// when nil, and returns it.
//
// Example:
//
//	carrier := telemetry.InjectToMap(ctx, nil)
//	go func() {
//	    taskCtx := telemetry.ExtractFromMap(context.Background(), carrier)
//	    run(taskCtx)
//	}()
func InjectToMap(ctx context.Context, carrier map[string]string) map[string]string {
	if carrier == nil {
		carrier = make(map[string]string)
	}
	otel.GetTextMapPropagator().Inject(ctx, MapCarrier(carrier))
	return carrier
}

// ExtractFromMap returns ctx with the remote span context found in carrier.
func ExtractFromMap(ctx context.Context, carrier map[string]string) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, MapCarrier(carrier))
}
