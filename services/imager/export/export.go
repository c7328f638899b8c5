// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package export writes run products to files, object storage and a
// time-series database.
package export

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"

	"cloud.google.com/go/storage"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/option"

	"github.com/AleutianAI/skyimager/pkg/validation"
	"github.com/AleutianAI/skyimager/services/imager/image"
	"github.com/AleutianAI/skyimager/services/imager/pipeline"
)

// Sink stores one named artifact and returns where it went.
type Sink interface {
	Put(ctx context.Context, name string, data []byte) (string, error)
}

// DirSink writes artifacts below a local directory.
type DirSink struct {
	Dir string
}

// Put writes data to Dir/name, creating directories as needed.
func (s DirSink) Put(_ context.Context, name string, data []byte) (string, error) {
	p := filepath.Join(s.Dir, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", filepath.Dir(p), err)
	}
	if err := os.WriteFile(p, data, 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", p, err)
	}
	return p, nil
}

// GCSSink uploads artifacts to a Cloud Storage bucket.
type GCSSink struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSSink creates a bucket client. An empty credentialsFile uses the
// application default credentials.
func NewGCSSink(ctx context.Context, bucket, prefix, credentialsFile string) (*GCSSink, error) {
	if bucket == "" {
		return nil, fmt.Errorf("gcs sink: bucket is required")
	}
	var opts []option.ClientOption
	if credentialsFile != "" {
		if _, err := os.Stat(credentialsFile); err != nil {
			return nil, fmt.Errorf("service account key not found at path: %s: %w", credentialsFile, err)
		}
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS storage client: %w", err)
	}
	return &GCSSink{client: client, bucket: bucket, prefix: prefix}, nil
}

// Put uploads data as prefix/name.
func (s *GCSSink) Put(ctx context.Context, name string, data []byte) (string, error) {
	object := path.Join(s.prefix, name)
	w := s.client.Bucket(s.bucket).Object(object).NewWriter(ctx)
	w.ContentType = "application/fits"
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("failed to copy %s to GCS: %w", object, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("failed to close GCS writer for %s: %w", object, err)
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, object), nil
}

// Close releases the storage client.
func (s *GCSSink) Close() error { return s.client.Close() }

// Exporter writes the images of a finished run to every sink.
type Exporter struct {
	sinks  []Sink
	logger *slog.Logger
}

// NewExporter returns an exporter over sinks.
func NewExporter(logger *slog.Logger, sinks ...Sink) *Exporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Exporter{sinks: sinks, logger: logger}
}

// Sinks returns the number of configured sinks.
func (e *Exporter) Sinks() int { return len(e.sinks) }

type product struct {
	name string
	im   *image.Image
	hdr  FITSHeader
}

// Export encodes model, residual, restored image and PSF as FITS and puts
// them to every sink concurrently.
//
// Outputs:
//
//	[]string - Artifact locations, sorted by product then sink order.
//	error - The first encode or sink failure.
func (e *Exporter) Export(ctx context.Context, runID string, res *pipeline.Result) ([]string, error) {
	if res == nil || len(e.sinks) == 0 {
		return nil, nil
	}
	if err := validation.ValidateRunID(runID); err != nil {
		return nil, err
	}
	beam := res.Beam
	products := []product{
		{"model", res.Model, FITSHeader{Object: runID, BUnit: "JY/PIXEL"}},
		{"residual", res.Residual, FITSHeader{Object: runID, BUnit: "JY/BEAM", Beam: &beam}},
		{"restored", res.Restored, FITSHeader{Object: runID, BUnit: "JY/BEAM", Beam: &beam}},
		{"psf", res.PSF, FITSHeader{Object: runID}},
	}

	locations := make([][]string, len(products))
	g, ctx := errgroup.WithContext(ctx)
	for i, p := range products {
		if p.im == nil {
			continue
		}
		var buf bytes.Buffer
		if err := WriteFITS(&buf, p.im, p.hdr); err != nil {
			return nil, fmt.Errorf("encode %s: %w", p.name, err)
		}
		data := buf.Bytes()
		name := path.Join(runID, p.name+".fits")
		locations[i] = make([]string, len(e.sinks))
		for j, sink := range e.sinks {
			g.Go(func() error {
				loc, err := sink.Put(ctx, name, data)
				if err != nil {
					return fmt.Errorf("export %s: %w", name, err)
				}
				locations[i][j] = loc
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []string
	for _, locs := range locations {
		out = append(out, locs...)
	}
	e.logger.Info("run exported", slog.String("run_id", runID), slog.Int("artifacts", len(out)))
	return out, nil
}
