// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package extensions

import (
	"context"
	"log/slog"
	"time"
)

// AuditEvent records one security-relevant action.
type AuditEvent struct {
	// EventType is "category.action", e.g. "run.submit" or "auth.failed".
	EventType string

	// Timestamp defaults to now (UTC) when zero.
	Timestamp time.Time

	// UserID is "anonymous" when the caller is unknown.
	UserID string

	Action       string
	ResourceType string
	ResourceID   string

	// Outcome is "success", "failure", "blocked" or "error".
	Outcome string

	Metadata map[string]any
}

// AuditLogger records audit events.
type AuditLogger interface {
	Log(ctx context.Context, event AuditEvent) error
	Flush(ctx context.Context) error
}

// NopAuditLogger discards every event.
type NopAuditLogger struct{}

// Log discards the event.
func (l *NopAuditLogger) Log(context.Context, AuditEvent) error { return nil }

// Flush does nothing.
func (l *NopAuditLogger) Flush(context.Context) error { return nil }

// SlogAuditLogger writes events as structured log records at Info level
// under the "audit" group.
type SlogAuditLogger struct {
	logger *slog.Logger
}

// NewSlogAuditLogger returns an audit logger writing to logger.
func NewSlogAuditLogger(logger *slog.Logger) *SlogAuditLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogAuditLogger{logger: logger}
}

// Log writes the event synchronously.
func (l *SlogAuditLogger) Log(ctx context.Context, event AuditEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.UserID == "" {
		event.UserID = "anonymous"
	}
	attrs := []any{
		slog.String("event_type", event.EventType),
		slog.Time("timestamp", event.Timestamp),
		slog.String("user_id", event.UserID),
		slog.String("action", event.Action),
		slog.String("resource_type", event.ResourceType),
		slog.String("resource_id", event.ResourceID),
		slog.String("outcome", event.Outcome),
	}
	if len(event.Metadata) > 0 {
		attrs = append(attrs, slog.Any("metadata", event.Metadata))
	}
	l.logger.InfoContext(ctx, "audit", slog.Group("audit", attrs...))
	return nil
}

// Flush does nothing; records are written as they arrive.
func (l *SlogAuditLogger) Flush(context.Context) error { return nil }
