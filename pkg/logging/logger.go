// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package logging builds the structured loggers used by the skyimager
// binaries.
//
// Loggers are plain *slog.Logger values wrapped in a Logger that owns
// the optional log file:
//
//	logger, err := logging.New(logging.Config{
//	    Level:   logging.LevelInfo,
//	    Dir:     "~/.skyimager/logs",
//	    Service: "skyimager",
//	})
//	if err != nil {
//	    return err
//	}
//	defer logger.Close()
//	pipeline.New(settings, logger.Slog())
//
// Console output is text when the destination is a terminal and JSON
// otherwise, unless Format pins one or the other. File output is
// always JSON.
//
// This package does NOT redact anything. Callers must keep tokens and
// credentials out of log attributes.
package logging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
)

// ErrInvalidLevel is returned by ParseLevel for unrecognised names.
var ErrInvalidLevel = errors.New("invalid log level")

// ErrInvalidFormat is returned by New for unrecognised output formats.
var ErrInvalidFormat = errors.New("invalid log format")

// Level represents log severity. Debug < Info < Warn < Error.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String returns the upper-case level name.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (l Level) toSlogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ParseLevel maps a case-insensitive name to a Level. The empty string
// is Info.
func ParseLevel(name string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("%w: %q", ErrInvalidLevel, name)
	}
}

// Output formats for console logging.
const (
	FormatAuto = "auto"
	FormatText = "text"
	FormatJSON = "json"
)

// Config describes where and how a Logger writes.
type Config struct {
	// Level is the minimum level emitted. Default: LevelInfo.
	Level Level

	// Dir enables file logging. Files are named
	// "{Service}_{YYYY-MM-DD}.log" and ~ is expanded. The directory is
	// created with 0750 permissions.
	Dir string

	// Service is attached to every record as the "service" attribute.
	Service string

	// Format selects console output: auto, text, or json. Auto picks
	// text for terminals.
	Format string

	// Quiet drops console output entirely.
	Quiet bool

	// Output overrides the console destination. Default: os.Stderr.
	Output io.Writer
}

// Logger owns a slog.Logger plus the file it may be writing to.
//
// Thread Safety: safe for concurrent use. Close must be called once
// logging is finished.
type Logger struct {
	slog *slog.Logger
	file *os.File
	path string
	mu   sync.Mutex
}

// New builds a Logger from config.
//
// Description:
//
//	Creates the console handler (unless Quiet), opens the log file when
//	Dir is set, and fans records out to both. A service attribute is
//	attached when Service is non-empty.
//
// Outputs:
//
//	*Logger - Ready to use. Close releases the file.
//	error - ErrInvalidFormat, or the file could not be opened.
func New(config Config) (*Logger, error) {
	opts := &slog.HandlerOptions{Level: config.Level.toSlogLevel()}
	out := config.Output
	if out == nil {
		out = os.Stderr
	}

	var handlers []slog.Handler
	if !config.Quiet {
		h, err := consoleHandler(out, config.Format, opts)
		if err != nil {
			return nil, err
		}
		handlers = append(handlers, h)
	}

	logger := &Logger{}
	if config.Dir != "" {
		dir := expandPath(config.Dir)
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
		service := config.Service
		if service == "" {
			service = "skyimager"
		}
		path := filepath.Join(dir, fmt.Sprintf("%s_%s.log", service, time.Now().Format("2006-01-02")))
		file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		logger.file = file
		logger.path = path
		handlers = append(handlers, slog.NewJSONHandler(file, opts))
	}

	var handler slog.Handler
	switch len(handlers) {
	case 0:
		handler = slog.NewTextHandler(io.Discard, opts)
	case 1:
		handler = handlers[0]
	default:
		handler = &multiHandler{handlers: handlers}
	}
	if config.Service != "" {
		handler = handler.WithAttrs([]slog.Attr{slog.String("service", config.Service)})
	}
	logger.slog = slog.New(handler)
	return logger, nil
}

// Default returns a console-only Info logger for the skyimager service.
func Default() *Logger {
	l, _ := New(Config{Level: LevelInfo, Service: "skyimager"})
	return l
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	l, _ := New(Config{Quiet: true})
	return l
}

// Slog returns the underlying structured logger.
func (l *Logger) Slog() *slog.Logger {
	return l.slog
}

// Path is the open log file, or "" when file logging is off.
func (l *Logger) Path() string {
	return l.path
}

// Close syncs and closes the log file. Safe to call more than once.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := errors.Join(l.file.Sync(), l.file.Close())
	l.file = nil
	return err
}

func consoleHandler(w io.Writer, format string, opts *slog.HandlerOptions) (slog.Handler, error) {
	switch strings.ToLower(format) {
	case "", FormatAuto:
		if isTerminal(w) {
			return slog.NewTextHandler(w, opts), nil
		}
		return slog.NewJSONHandler(w, opts), nil
	case FormatText:
		return slog.NewTextHandler(w, opts), nil
	case FormatJSON:
		return slog.NewJSONHandler(w, opts), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidFormat, format)
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(interface{ Fd() uintptr })
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// multiHandler fans records out to several handlers.
type multiHandler struct {
	handlers []slog.Handler
}

func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, r.Level) {
			errs = append(errs, handler.Handle(ctx, r.Clone()))
		}
	}
	return errors.Join(errs...)
}

func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithAttrs(attrs)
	}
	return &multiHandler{handlers: handlers}
}

func (h *multiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithGroup(name)
	}
	return &multiHandler{handlers: handlers}
}

// expandPath expands a leading ~ to the user's home directory.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}
