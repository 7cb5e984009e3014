// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation provides input validation for identifiers that end up
// inside storage keys.
//
// State keys are embedded verbatim into backend keys (for example, Badger
// chunk keys use a NUL separator after the blob key). Rejecting control
// characters and separators up front keeps one blob's keyspace from
// overlapping another's.
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// MaxStateKeyLength bounds a state key in bytes.
const MaxStateKeyLength = 200

// stateKeyPattern matches valid state keys.
// Allows: letters, digits, underscore, dot, hyphen, colon
// First character must be a letter or digit.
var stateKeyPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:\-]*$`)

// ValidateStateKey validates a state store key.
//
// Valid keys:
//   - 1-200 bytes
//   - ASCII letters and digits
//   - Underscore, dot, hyphen, colon after the first character
//
// Example:
//
//	if err := validation.ValidateStateKey(key); err != nil {
//	    return fmt.Errorf("put %s: %w", key, err)
//	}
func ValidateStateKey(key string) error {
	if key == "" {
		return fmt.Errorf("state key cannot be empty")
	}
	if len(key) > MaxStateKeyLength {
		return fmt.Errorf("state key too long: %d bytes (max %d)", len(key), MaxStateKeyLength)
	}
	if !stateKeyPattern.MatchString(key) {
		return fmt.Errorf("invalid state key format: %q (letters, digits, '_', '.', '-', ':' only)", key)
	}
	return nil
}

// ValidateStateKeys validates multiple keys.
// Returns an error listing all invalid keys if any fail validation.
func ValidateStateKeys(keys []string) error {
	var invalid []string
	for _, k := range keys {
		if err := ValidateStateKey(k); err != nil {
			invalid = append(invalid, k)
		}
	}

	if len(invalid) > 0 {
		return fmt.Errorf("invalid state keys: %q", invalid)
	}
	return nil
}

// SanitizeStateKey trims surrounding whitespace and validates the result.
//
// Use this for keys taken from flags or config files:
//
//	key, err := validation.SanitizeStateKey(cfg.ResultKey)
//	if err != nil {
//	    return err
//	}
func SanitizeStateKey(key string) (string, error) {
	trimmed := strings.TrimSpace(key)
	if err := ValidateStateKey(trimmed); err != nil {
		return "", err
	}
	return trimmed, nil
}
