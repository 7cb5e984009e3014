// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command dncmul multiplies square matrices by recursive block
// decomposition over a state store and an in-process task dispatcher.
//
// Usage:
//
//	dncmul run --size 1000 --splits 3
//	dncmul run --input sequential --size 8 --splits 2 --store badger --path /tmp/dncmul
//	dncmul geometry --size 1000 --splits 3
//	dncmul serve --addr :8090
//
// Example requests against serve:
//
//	curl http://localhost:8090/healthz
//	curl http://localhost:8090/metrics
//	curl -X POST http://localhost:8090/v1/multiply \
//	  -H "Content-Type: application/json" \
//	  -d '{"size": 64, "n_splits": 2, "seed": 7}'
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
