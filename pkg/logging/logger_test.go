// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func TestLevel_String(t *testing.T) {
	tests := []struct {
		level Level
		want  string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{Level(99), "UNKNOWN"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.level.String(); got != tt.want {
				t.Errorf("Level.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name    string
		want    Level
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{"INFO", LevelInfo, false},
		{"", LevelInfo, false},
		{" warning ", LevelWarn, false},
		{"error", LevelError, false},
		{"loud", LevelInfo, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseLevel(tt.name)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidLevel) {
					t.Fatalf("ParseLevel(%q) error = %v, want ErrInvalidLevel", tt.name, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseLevel(%q) unexpected error: %v", tt.name, err)
			}
			if got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.name, got, tt.want)
			}
		})
	}
}

func TestNew_BufferIsJSONWhenAuto(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Config{Service: "skyimager", Output: &buf})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer logger.Close()

	logger.Slog().Info("cycle done", "cycle", 2)

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("non-terminal output should be JSON, got %q: %v", buf.String(), err)
	}
	if rec["service"] != "skyimager" {
		t.Errorf("service = %v, want skyimager", rec["service"])
	}
	if rec["cycle"] != float64(2) {
		t.Errorf("cycle = %v, want 2", rec["cycle"])
	}
}

func TestNew_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Config{Format: FormatText, Output: &buf})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	logger.Slog().Info("hello", "k", "v")
	if !strings.Contains(buf.String(), "k=v") {
		t.Errorf("text output missing attribute: %q", buf.String())
	}
}

func TestNew_InvalidFormat(t *testing.T) {
	_, err := New(Config{Format: "xml"})
	if !errors.Is(err, ErrInvalidFormat) {
		t.Fatalf("error = %v, want ErrInvalidFormat", err)
	}
}

func TestNew_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Config{Level: LevelWarn, Format: FormatJSON, Output: &buf})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	logger.Slog().Debug("d")
	logger.Slog().Info("i")
	logger.Slog().Warn("w")
	logger.Slog().Error("e")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2: %q", len(lines), buf.String())
	}
}

func TestNew_QuietDiscards(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Config{Quiet: true, Output: &buf})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	logger.Slog().Error("dropped")
	if buf.Len() != 0 {
		t.Errorf("quiet logger wrote %q", buf.String())
	}
}

func TestNew_WithDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "logs")
	var console bytes.Buffer
	logger, err := New(Config{Dir: dir, Service: "imager", Format: FormatText, Output: &console})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !strings.HasPrefix(filepath.Base(logger.Path()), "imager_") {
		t.Errorf("unexpected log file name %q", logger.Path())
	}

	logger.Slog().Info("to both", "run_id", "abc")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	data, err := os.ReadFile(logger.Path())
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	var rec map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(data), &rec); err != nil {
		t.Fatalf("file output should be JSON: %v", err)
	}
	if rec["run_id"] != "abc" {
		t.Errorf("run_id = %v, want abc", rec["run_id"])
	}
	if !strings.Contains(console.String(), "run_id=abc") {
		t.Errorf("console missing record: %q", console.String())
	}
}

func TestNew_DirDefaultsServiceName(t *testing.T) {
	dir := t.TempDir()
	logger, err := New(Config{Dir: dir, Quiet: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer logger.Close()
	if !strings.HasPrefix(filepath.Base(logger.Path()), "skyimager_") {
		t.Errorf("log file %q should default to skyimager prefix", logger.Path())
	}
}

func TestNew_DirUnwritable(t *testing.T) {
	file := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(file, nil, 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := New(Config{Dir: filepath.Join(file, "logs"), Quiet: true}); err == nil {
		t.Fatal("expected error when log dir is below a regular file")
	}
}

func TestDefaultAndNop(t *testing.T) {
	if Default().Slog() == nil {
		t.Fatal("Default returned nil slog")
	}
	nop := Nop()
	nop.Slog().Error("ignored")
	if nop.Path() != "" {
		t.Errorf("Nop should not open a file")
	}
}

func TestLogger_ConcurrentUse(t *testing.T) {
	var buf syncBuffer
	logger, err := New(Config{Format: FormatJSON, Output: &buf})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	var wg sync.WaitGroup
	for i := range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.Slog().Info("worker", "i", i)
		}()
	}
	wg.Wait()
	if n := strings.Count(buf.String(), "\n"); n != 16 {
		t.Errorf("got %d records, want 16", n)
	}
}

func TestMultiHandler(t *testing.T) {
	var a, b bytes.Buffer
	h := &multiHandler{handlers: []slog.Handler{
		slog.NewJSONHandler(&a, &slog.HandlerOptions{Level: slog.LevelInfo}),
		slog.NewJSONHandler(&b, &slog.HandlerOptions{Level: slog.LevelError}),
	}}
	ctx := context.Background()
	if !h.Enabled(ctx, slog.LevelInfo) {
		t.Error("Info should be enabled by the first handler")
	}
	if h.Enabled(ctx, slog.LevelDebug) {
		t.Error("Debug should be disabled everywhere")
	}

	logger := slog.New(h.WithAttrs([]slog.Attr{slog.String("svc", "x")}).WithGroup("g"))
	logger.Info("info only", "k", 1)
	logger.Error("both", "k", 2)

	if strings.Count(a.String(), "\n") != 2 {
		t.Errorf("first handler got %q", a.String())
	}
	if strings.Count(b.String(), "\n") != 1 {
		t.Errorf("second handler got %q", b.String())
	}
	if !strings.Contains(b.String(), `"svc":"x"`) || !strings.Contains(b.String(), `"g":{"k":2}`) {
		t.Errorf("attrs or group not propagated: %q", b.String())
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	if got := expandPath("~/logs"); got != filepath.Join(home, "logs") {
		t.Errorf("expandPath(~/logs) = %q", got)
	}
	if got := expandPath("/var/log"); got != "/var/log" {
		t.Errorf("absolute path changed: %q", got)
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}
