// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package export

import (
	"context"
	"log/slog"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/AleutianAI/skyimager/services/imager/pipeline"
)

// cycleMeasurement is the InfluxDB measurement holding per-cycle history.
const cycleMeasurement = "imager_cycle"

// HistorySink writes one InfluxDB point per major cycle.
type HistorySink struct {
	write  api.WriteAPIBlocking
	client influxdb2.Client
	logger *slog.Logger
}

// NewHistorySink connects to InfluxDB.
func NewHistorySink(url, token, org, bucket string, logger *slog.Logger) *HistorySink {
	client := influxdb2.NewClient(url, token)
	s := newHistorySink(client.WriteAPIBlocking(org, bucket), logger)
	s.client = client
	return s
}

func newHistorySink(write api.WriteAPIBlocking, logger *slog.Logger) *HistorySink {
	if logger == nil {
		logger = slog.Default()
	}
	return &HistorySink{write: write, logger: logger}
}

// Ready reports whether the server answers its health check.
func (s *HistorySink) Ready(ctx context.Context) bool {
	if s.client == nil {
		return true
	}
	health, err := s.client.Health(ctx)
	return err == nil && health != nil && health.Status == "pass"
}

// Write stores rec for runID.
func (s *HistorySink) Write(ctx context.Context, runID string, rec pipeline.CycleRecord) error {
	p := influxdb2.NewPoint(
		cycleMeasurement,
		map[string]string{
			"run_id":  runID,
			"selfcal": boolTag(rec.SelfCal),
		},
		map[string]interface{}{
			"cycle":            rec.Cycle,
			"residual_peak":    rec.ResidualPeak,
			"model_flux":       rec.ModelFlux,
			"minor_iterations": rec.Clean.Iterations,
			"diverged":         rec.Clean.Diverged,
			"fallbacks":        rec.Fallbacks,
			"nodes_executed":   rec.NodesExecuted,
			"nodes_cached":     rec.NodesCached,
			"duration_seconds": rec.Duration.Seconds(),
		},
		time.Now(),
	)
	return s.write.WritePoint(ctx, p)
}

// Observer adapts the sink to pipeline.WithObserver. Write failures are
// logged and never stop the run.
func (s *HistorySink) Observer(ctx context.Context) func(string, pipeline.CycleRecord) {
	return func(runID string, rec pipeline.CycleRecord) {
		if err := s.Write(ctx, runID, rec); err != nil {
			s.logger.Warn("failed to write cycle history to InfluxDB",
				slog.String("run_id", runID),
				slog.Int("cycle", rec.Cycle),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Close releases the client.
func (s *HistorySink) Close() {
	if s.client != nil {
		s.client.Close()
	}
}

func boolTag(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
