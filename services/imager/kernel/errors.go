// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package kernel

import (
	"errors"
	"fmt"
)

// ErrKernelFailure is wrapped by every error a kernel raises for bad input
// geometry or numerics.
var ErrKernelFailure = errors.New("imaging kernel failure")

// Error records which kernel operation failed.
type Error struct {
	Strategy Strategy
	Op       string
	Err      error
}

// Error returns the error message.
func (e *Error) Error() string {
	return fmt.Sprintf("kernel %s %s: %v", e.Strategy, e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

func newError(s Strategy, op string, format string, args ...any) *Error {
	return &Error{
		Strategy: s,
		Op:       op,
		Err:      fmt.Errorf("%w: %s", ErrKernelFailure, fmt.Sprintf(format, args...)),
	}
}
