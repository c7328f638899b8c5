// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package runstore is the run ledger: one summary record per pipeline run,
// kept in BadgerDB.
//
// Records hold configuration hashes, outcomes and per-cycle history. No
// visibility or image data is stored.
package runstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/skyimager/services/imager/pipeline"
)

var (
	// ErrNotFound is returned when no record exists for a run ID.
	ErrNotFound = errors.New("run not found")

	// ErrInvalidRecord is returned for a record without an ID.
	ErrInvalidRecord = errors.New("invalid run record")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("run store closed")
)

const keyPrefix = "run/"

// Status is the lifecycle state of a run.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Record summarises one run.
type Record struct {
	ID           string                 `json:"id"`
	Status       Status                 `json:"status"`
	ConfigHash   string                 `json:"config_hash"`
	Strategy     string                 `json:"strategy"`
	Cycles       int                    `json:"cycles"`
	FinalState   string                 `json:"final_state,omitempty"`
	ResidualPeak float64                `json:"residual_peak"`
	ModelFlux    float64                `json:"model_flux"`
	Fallbacks    int                    `json:"selfcal_fallbacks"`
	Artifacts    []string               `json:"artifacts,omitempty"`
	History      []pipeline.CycleRecord `json:"history,omitempty"`
	StartedAt    time.Time              `json:"started_at"`
	FinishedAt   time.Time              `json:"finished_at,omitzero"`
	Error        string                 `json:"error,omitempty"`
}

// Store is the run ledger.
//
// Thread Safety: Safe for concurrent use.
type Store struct {
	db *badger.DB
	gc *collector

	mu     sync.Mutex
	closed bool
}

// Open opens or creates the ledger described by cfg.
func Open(cfg Config) (*Store, error) {
	db, err := openDB(cfg)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.gc = startCollector(db, cfg.GCInterval, cfg.GCDiscardRatio, cfg.Logger)
	}
	return s, nil
}

// Close stops GC and closes the database. Safe to call more than once.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.gc != nil {
		s.gc.stop()
	}
	return s.db.Close()
}

func key(id string) []byte { return []byte(keyPrefix + id) }

func (s *Store) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Put writes rec, replacing any record with the same ID.
func (s *Store) Put(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		return ErrInvalidRecord
	}
	if err := s.check(ctx); err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal run %s: %w", rec.ID, err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(rec.ID), data)
	})
}

// Get returns the record for id or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	var rec Record
	err := s.db.View(func(txn *badger.Txn) error {
		return get(txn, id, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func get(txn *badger.Txn, id string, rec *Record) error {
	item, err := txn.Get(key(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, rec)
	})
}

// Update applies fn to the stored record for id in one transaction.
func (s *Store) Update(ctx context.Context, id string, fn func(*Record)) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		var rec Record
		if err := get(txn, id, &rec); err != nil {
			return err
		}
		fn(&rec)
		rec.ID = id
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return txn.Set(key(id), data)
	})
}

// AppendCycle adds one major-cycle record to a run's history.
func (s *Store) AppendCycle(ctx context.Context, id string, cycle pipeline.CycleRecord) error {
	return s.Update(ctx, id, func(rec *Record) {
		rec.History = append(rec.History, cycle)
		rec.Cycles = len(rec.History)
		rec.ResidualPeak = cycle.ResidualPeak
		rec.ModelFlux = cycle.ModelFlux
		rec.Fallbacks += cycle.Fallbacks
	})
}

// List returns up to limit records, newest first. A limit below 1 returns
// every record.
func (s *Store) List(ctx context.Context, limit int) ([]Record, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	var out []Record
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var rec Record
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Begin records a new run as running.
func (s *Store) Begin(ctx context.Context, id, configHash, strategy string) error {
	return s.Put(ctx, Record{
		ID:         id,
		Status:     StatusRunning,
		ConfigHash: configHash,
		Strategy:   strategy,
		StartedAt:  time.Now().UTC(),
	})
}

// Finish records the outcome of a run. A nil res with a non-nil err marks
// the run failed.
func (s *Store) Finish(ctx context.Context, id string, res *pipeline.Result, artifacts []string, runErr error) error {
	return s.Update(ctx, id, func(rec *Record) {
		rec.FinishedAt = time.Now().UTC()
		rec.Artifacts = artifacts
		if runErr != nil {
			rec.Status = StatusFailed
			rec.Error = runErr.Error()
			return
		}
		rec.Status = StatusSucceeded
		if res != nil {
			rec.FinalState = res.FinalState.String()
			rec.History = res.History
			rec.Cycles = len(res.History)
			rec.Fallbacks = 0
			for _, c := range res.History {
				rec.Fallbacks += c.Fallbacks
			}
			if n := len(res.History); n > 0 {
				rec.ResidualPeak = res.History[n-1].ResidualPeak
			}
			if res.Model != nil {
				rec.ModelFlux = res.Model.Sum()
			}
		}
	})
}
