// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package extensions holds the pluggable concerns of the skyimager HTTP
// API: who is calling (AuthProvider) and what they did (AuditLogger).
//
// The defaults are no-ops so a local server needs no setup:
//
//	opts := extensions.DefaultOptions()
//
// A shared deployment swaps in real implementations:
//
//	opts := extensions.DefaultOptions().
//	    WithAuth(extensions.NewTokenAuthProvider(token)).
//	    WithAudit(extensions.NewSlogAuditLogger(logger))
//
// # Thread Safety
//
// All implementations must be safe for concurrent use.
package extensions

// ServiceOptions groups the extension points of a service.
type ServiceOptions struct {
	// AuthProvider validates bearer tokens.
	// Default: NopAuthProvider (every caller is "local-user")
	AuthProvider AuthProvider

	// AuditLogger records run submissions and auth failures.
	// Default: NopAuditLogger
	AuditLogger AuditLogger
}

// DefaultOptions returns ServiceOptions with no-op implementations.
func DefaultOptions() ServiceOptions {
	return ServiceOptions{
		AuthProvider: &NopAuthProvider{},
		AuditLogger:  &NopAuditLogger{},
	}
}

// WithAuth returns a copy of opts with the given AuthProvider.
func (opts ServiceOptions) WithAuth(provider AuthProvider) ServiceOptions {
	opts.AuthProvider = provider
	return opts
}

// WithAudit returns a copy of opts with the given AuditLogger.
func (opts ServiceOptions) WithAudit(logger AuditLogger) ServiceOptions {
	opts.AuditLogger = logger
	return opts
}

// Normalize replaces nil fields with the no-op defaults.
func (opts ServiceOptions) Normalize() ServiceOptions {
	if opts.AuthProvider == nil {
		opts.AuthProvider = &NopAuthProvider{}
	}
	if opts.AuditLogger == nil {
		opts.AuditLogger = &NopAuditLogger{}
	}
	return opts
}
