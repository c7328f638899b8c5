// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation checks user-supplied names before they become file
// paths or object keys.
//
// Run ids and storage prefixes end up in filepath.Join and in GCS object
// names. Validating them here keeps a crafted id from escaping the export
// directory (path traversal) or writing outside the configured prefix.
package validation

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrInvalidName is wrapped by every validation failure.
var ErrInvalidName = errors.New("invalid name")

// segmentPattern matches one path segment: letters, digits, dot,
// underscore and hyphen, starting with a letter or digit.
// Max length: 64 characters (a UUID is 36).
var segmentPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._\-]{0,63}$`)

// ValidateRunID validates a run id used as a directory or object name.
//
// Valid ids:
//   - 1-64 characters
//   - Letters, digits, dots, underscores and hyphens
//   - Starting with a letter or digit, so "." and ".." are rejected
//
// Example:
//
//	if err := validation.ValidateRunID(id); err != nil {
//	    return nil, err
//	}
//	// Safe to use in filepath.Join
func ValidateRunID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: run id cannot be empty", ErrInvalidName)
	}
	if !segmentPattern.MatchString(id) {
		return fmt.Errorf("%w: run id %q (1-64 letters, digits, '.', '_' or '-')", ErrInvalidName, id)
	}
	return nil
}

// ValidatePrefix validates a slash-separated object prefix such as
// "skyimager/prod". Empty is allowed. Each segment follows the run id
// rules; leading, trailing and doubled slashes are rejected.
func ValidatePrefix(prefix string) error {
	if prefix == "" {
		return nil
	}
	for _, seg := range strings.Split(prefix, "/") {
		if !segmentPattern.MatchString(seg) {
			return fmt.Errorf("%w: prefix %q has bad segment %q", ErrInvalidName, prefix, seg)
		}
	}
	return nil
}

// SanitizeRunID trims whitespace and validates the result.
func SanitizeRunID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if err := ValidateRunID(id); err != nil {
		return "", err
	}
	return id, nil
}
