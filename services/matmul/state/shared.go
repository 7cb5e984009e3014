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
	"strconv"

	"golang.org/x/sync/singleflight"
)

// SharedReads wraps a Store and collapses concurrent identical range reads
// of read-only keys into a single backend call.
//
// Description:
//
//	Many leaf nodes read the same A and B blocks at the same time. For keys
//	registered as read-only, concurrent GetRange calls with identical
//	arguments share one backend read via singleflight. Every caller gets
//	its own copy of the bytes. All other calls pass straight through.
//
//	Only keys that are not written during a run may be registered; a
//	shared read could otherwise return bytes older than a write that
//	completed before the second caller started.
//
// Thread Safety: safe for concurrent use.
type SharedReads struct {
	Store
	readOnly map[string]struct{}
	group    singleflight.Group
}

// NewSharedReads wraps inner, sharing reads for the given keys.
func NewSharedReads(inner Store, readOnlyKeys ...string) *SharedReads {
	ro := make(map[string]struct{}, len(readOnlyKeys))
	for _, k := range readOnlyKeys {
		ro[k] = struct{}{}
	}
	return &SharedReads{Store: inner, readOnly: ro}
}

// GetRange implements Store.
func (s *SharedReads) GetRange(ctx context.Context, key string, totalLength, offset, length int) ([]byte, error) {
	if _, ok := s.readOnly[key]; !ok {
		return s.Store.GetRange(ctx, key, totalLength, offset, length)
	}

	flight := key + "\x00" + strconv.Itoa(totalLength) + ":" + strconv.Itoa(offset) + ":" + strconv.Itoa(length)
	v, err, _ := s.group.Do(flight, func() (interface{}, error) {
		// Detached so one caller's cancellation does not fail the others.
		return s.Store.GetRange(context.WithoutCancel(ctx), key, totalLength, offset, length)
	})
	if err != nil {
		return nil, err
	}
	shared := v.([]byte)
	out := make([]byte, len(shared))
	copy(out, shared)
	return out, nil
}
