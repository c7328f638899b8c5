// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package runstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// ErrNoPath is returned by Open for an on-disk ledger without a directory.
var ErrNoPath = errors.New("runstore: path is required unless in-memory")

// Config describes the ledger database.
type Config struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path string

	// InMemory keeps records in RAM only; they are lost on Close.
	InMemory bool

	// SyncWrites fsyncs every commit. Ledger writes are a handful per cycle,
	// so durability costs little.
	SyncWrites bool

	// Logger receives badger's messages. Badger's info chatter is logged at
	// debug level. Nil silences badger.
	Logger *slog.Logger

	// GCInterval is how often the value log is compacted. Zero disables it.
	GCInterval time.Duration

	// GCDiscardRatio is the fraction of stale data that triggers a rewrite.
	GCDiscardRatio float64
}

// DefaultConfig returns a durable ledger at path, or an in-memory one for
// an empty path.
func DefaultConfig(path string) Config {
	if path == "" {
		return InMemoryConfig()
	}
	return Config{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns configuration for tests and throwaway servers.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// ledgerValueLogSize caps value log files. Records are a few kilobytes, so
// badger's 1 GiB default only delays GC.
const ledgerValueLogSize = 64 << 20

func (c Config) options() (badger.Options, error) {
	var opts badger.Options
	switch {
	case c.InMemory:
		opts = badger.DefaultOptions("").WithInMemory(true)
	case c.Path == "":
		return opts, ErrNoPath
	default:
		if err := os.MkdirAll(c.Path, 0750); err != nil {
			return opts, fmt.Errorf("create ledger directory %s: %w", c.Path, err)
		}
		opts = badger.DefaultOptions(c.Path).WithValueLogFileSize(ledgerValueLogSize)
	}
	opts = opts.
		WithSyncWrites(c.SyncWrites).
		WithNumVersionsToKeep(1).
		WithCompactL0OnClose(true)
	if c.Logger != nil {
		opts = opts.WithLogger(slogBadger{c.Logger.With(slog.String("component", "badger"))})
	} else {
		opts = opts.WithLogger(nil)
	}
	return opts, nil
}

func openDB(cfg Config) (*badger.DB, error) {
	opts, err := cfg.options()
	if err != nil {
		return nil, err
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	return db, nil
}

// slogBadger implements badger.Logger.
type slogBadger struct{ l *slog.Logger }

func (b slogBadger) Errorf(f string, a ...any)   { b.log(slog.LevelError, f, a) }
func (b slogBadger) Warningf(f string, a ...any) { b.log(slog.LevelWarn, f, a) }
func (b slogBadger) Infof(f string, a ...any)    { b.log(slog.LevelDebug, f, a) }
func (b slogBadger) Debugf(f string, a ...any)   { b.log(slog.LevelDebug, f, a) }

func (b slogBadger) log(level slog.Level, format string, args []any) {
	b.l.Log(context.Background(), level, strings.TrimSpace(fmt.Sprintf(format, args...)))
}

// collector compacts the value log on an interval until cancelled.
type collector struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func startCollector(db *badger.DB, interval time.Duration, ratio float64, logger *slog.Logger) *collector {
	ctx, cancel := context.WithCancel(context.Background())
	c := &collector{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(c.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := collect(ctx, db, ratio); err != nil && logger != nil {
					logger.Warn("ledger value log GC failed", slog.Int("rewrites", n), slog.String("error", err.Error()))
				}
			}
		}
	}()
	return c
}

// collect rewrites value log files until badger reports nothing left to
// reclaim, returning the number of rewrites.
func collect(ctx context.Context, db *badger.DB, ratio float64) (int, error) {
	n := 0
	for ctx.Err() == nil {
		err := db.RunValueLogGC(ratio)
		if errors.Is(err, badger.ErrNoRewrite) || errors.Is(err, badger.ErrRejected) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (c *collector) stop() {
	c.cancel()
	<-c.done
}
