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
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/skyimager/pkg/validation"
	"github.com/AleutianAI/skyimager/services/imager/deconvolve"
	"github.com/AleutianAI/skyimager/services/imager/image"
	"github.com/AleutianAI/skyimager/services/imager/pipeline"
	"github.com/AleutianAI/skyimager/services/imager/visibility"
)

func testImage() *image.Image {
	g := image.NewGeometry(6, 1e-3, []float64{1e8, 1.1e8}, 1, visibility.Direction{RA: 0.3, Dec: -0.45})
	im := image.New(g)
	for i := range im.Data {
		im.Data[i] = float64(i) * 0.25
	}
	return im
}

func TestFITS_RoundTrip(t *testing.T) {
	im := testImage()
	beam := image.Beam{SigmaMajor: 2, SigmaMinor: 1, PA: 0.2}

	var buf bytes.Buffer
	require.NoError(t, WriteFITS(&buf, im, FITSHeader{Object: "run-1", BUnit: "JY/BEAM", Beam: &beam}))
	assert.Zero(t, buf.Len()%fitsBlock)

	got, hdr, err := ReadFITS(&buf)
	require.NoError(t, err)
	assert.Equal(t, im.Data, got.Data)
	assert.Equal(t, im.Geometry.NX, got.Geometry.NX)
	assert.Equal(t, im.Geometry.NChan(), got.Geometry.NChan())
	assert.InDelta(t, im.Geometry.CellSize, got.Geometry.CellSize, 1e-15)
	assert.InDelta(t, im.Geometry.RefX, got.Geometry.RefX, 1e-12)
	assert.InDelta(t, im.Geometry.Phase.Dec, got.Geometry.Phase.Dec, 1e-12)
	assert.InDelta(t, 1.1e8, got.Geometry.Frequency[1], 1e-3)
	assert.Equal(t, "run-1", hdr["OBJECT"])
	assert.Equal(t, "JY/BEAM", hdr["BUNIT"])
	assert.Contains(t, hdr, "BMAJ")
}

func TestFITS_FacetKeepsParentPosition(t *testing.T) {
	parts, err := image.ScatterFacets(testImage(), 2)
	require.NoError(t, err)
	facet := parts[3]

	var buf bytes.Buffer
	require.NoError(t, WriteFITS(&buf, facet, FITSHeader{}))
	got, _, err := ReadFITS(&buf)
	require.NoError(t, err)

	l, m := facet.Geometry.LM(0, 0)
	gl, gm := got.Geometry.LM(0, 0)
	assert.InDelta(t, l, gl, 1e-15)
	assert.InDelta(t, m, gm, 1e-15)
}

func TestFormatCard(t *testing.T) {
	for _, c := range []string{
		formatCard("SIMPLE", true, "conforms"),
		formatCard("NAXIS1", 64, ""),
		formatCard("CDELT1", -0.0573, "deg"),
		formatCard("OBJECT", "it's", ""),
		formatCard("COMMENTX", strings.Repeat("x", 100), ""),
	} {
		assert.Len(t, c, fitsCard)
	}
	assert.True(t, strings.HasPrefix(formatCard("BITPIX", -64, ""), "BITPIX  = "+fmt.Sprintf("%20d", -64)))
	assert.Contains(t, formatCard("OBJECT", "it's", ""), "'it''s   '")
}

func TestReadFITS_Rejects(t *testing.T) {
	_, _, err := ReadFITS(strings.NewReader("not fits"))
	assert.ErrorIs(t, err, ErrFITS)

	var hdr bytes.Buffer
	hdr.WriteString(formatCard("SIMPLE", true, ""))
	hdr.WriteString(formatCard("BITPIX", 16, ""))
	hdr.WriteString(formatCard("NAXIS", 2, ""))
	hdr.WriteString(fmt.Sprintf("%-80s", "END"))
	pad(&hdr, ' ')
	_, _, err = ReadFITS(&hdr)
	assert.ErrorIs(t, err, ErrFITS)

	assert.ErrorIs(t, WriteFITS(&bytes.Buffer{}, nil, FITSHeader{}), ErrFITS)
}

func TestReadFITS_RejectsBadNumericKeys(t *testing.T) {
	header := func(skip string, override map[string]any) *bytes.Buffer {
		var h bytes.Buffer
		cards := []struct {
			key   string
			value any
		}{
			{"SIMPLE", true}, {"BITPIX", -64}, {"NAXIS", 4},
			{"NAXIS1", 2}, {"NAXIS2", 2}, {"NAXIS3", 1}, {"NAXIS4", 1},
			{"CRVAL1", 0.0}, {"CDELT1", -0.1}, {"CRPIX1", 2.0},
			{"CRVAL2", -30.0}, {"CDELT2", 0.1}, {"CRPIX2", 2.0},
			{"CRVAL3", 1e8}, {"CDELT3", 1.0},
		}
		for _, c := range cards {
			if c.key == skip {
				continue
			}
			v := c.value
			if o, ok := override[c.key]; ok {
				v = o
			}
			h.WriteString(formatCard(c.key, v, ""))
		}
		h.WriteString(fmt.Sprintf("%-80s", "END"))
		pad(&h, ' ')
		h.Write(make([]byte, 4*8))
		return &h
	}

	_, _, err := ReadFITS(header("", nil))
	require.NoError(t, err)

	_, _, err = ReadFITS(header("CDELT2", nil))
	assert.ErrorIs(t, err, ErrFITS)
	assert.ErrorContains(t, err, "CDELT2")

	_, _, err = ReadFITS(header("", map[string]any{"CRVAL3": "fast"}))
	assert.ErrorIs(t, err, ErrFITS)
	assert.ErrorContains(t, err, "CRVAL3")
}

type memorySink struct {
	mu    sync.Mutex
	items map[string][]byte
	fail  bool
}

func (s *memorySink) Put(_ context.Context, name string, data []byte) (string, error) {
	if s.fail {
		return "", errors.New("sink unavailable")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.items == nil {
		s.items = make(map[string][]byte)
	}
	s.items[name] = data
	return "mem://" + name, nil
}

func testResult() *pipeline.Result {
	im := testImage()
	return &pipeline.Result{
		Model:    im,
		Residual: im.Copy(),
		Restored: im.Copy(),
		PSF:      im.Copy(),
		Beam:     image.Beam{SigmaMajor: 1.5, SigmaMinor: 1.5},
	}
}

func TestExporter_WritesEveryProductToEverySink(t *testing.T) {
	dir := t.TempDir()
	mem := &memorySink{}
	e := NewExporter(nil, DirSink{Dir: dir}, mem)
	assert.Equal(t, 2, e.Sinks())

	locs, err := e.Export(context.Background(), "run-7", testResult())
	require.NoError(t, err)
	require.Len(t, locs, 8)
	assert.Equal(t, filepath.Join(dir, "run-7", "model.fits"), locs[0])
	assert.Equal(t, "mem://run-7/model.fits", locs[1])
	assert.Len(t, mem.items, 4)

	data, err := os.ReadFile(filepath.Join(dir, "run-7", "restored.fits"))
	require.NoError(t, err)
	got, hdr, err := ReadFITS(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, testImage().Data, got.Data)
	assert.Equal(t, "JY/BEAM", hdr["BUNIT"])
}

func TestExporter_SinkFailure(t *testing.T) {
	e := NewExporter(nil, &memorySink{fail: true})
	_, err := e.Export(context.Background(), "run", testResult())
	assert.ErrorContains(t, err, "sink unavailable")

	locs, err := NewExporter(nil).Export(context.Background(), "run", testResult())
	assert.NoError(t, err)
	assert.Empty(t, locs)
}

func TestExporter_RejectsTraversalRunID(t *testing.T) {
	dir := t.TempDir()
	_, err := NewExporter(nil, DirSink{Dir: dir}).Export(context.Background(), "../escape", testResult())
	assert.ErrorIs(t, err, validation.ErrInvalidName)
	assert.NoDirExists(t, filepath.Join(filepath.Dir(dir), "escape"))
}

func TestNewGCSSink_Validation(t *testing.T) {
	_, err := NewGCSSink(context.Background(), "", "p", "")
	assert.Error(t, err)
	_, err = NewGCSSink(context.Background(), "bucket", "p", filepath.Join(t.TempDir(), "missing.json"))
	assert.ErrorContains(t, err, "service account key not found")
}

// mockWriteAPI records points like the InfluxDB blocking writer would send.
type mockWriteAPI struct {
	points []*write.Point
	err    error
}

func (m *mockWriteAPI) WritePoint(_ context.Context, point ...*write.Point) error {
	m.points = append(m.points, point...)
	return m.err
}

func (m *mockWriteAPI) WriteRecord(context.Context, ...string) error { return nil }
func (m *mockWriteAPI) EnableBatching()                              {}
func (m *mockWriteAPI) Flush(context.Context) error                  { return nil }

func TestHistorySink_WritesOnePointPerCycle(t *testing.T) {
	mock := &mockWriteAPI{}
	s := newHistorySink(mock, nil)
	observe := s.Observer(context.Background())

	observe("run-1", pipeline.CycleRecord{Cycle: 0, ResidualPeak: 0.4, SelfCal: false, Clean: deconvolve.Report{Iterations: 30}})
	observe("run-1", pipeline.CycleRecord{Cycle: 1, ResidualPeak: 0.05, SelfCal: true, Fallbacks: 1})

	require.Len(t, mock.points, 2)
	p := mock.points[1]
	assert.Equal(t, cycleMeasurement, p.Name())
	tags := map[string]string{}
	for _, tag := range p.TagList() {
		tags[tag.Key] = tag.Value
	}
	assert.Equal(t, "run-1", tags["run_id"])
	assert.Equal(t, "true", tags["selfcal"])
	fields := map[string]any{}
	for _, f := range p.FieldList() {
		fields[f.Key] = f.Value
	}
	assert.Equal(t, 0.05, fields["residual_peak"])

	// Failures are logged, not raised.
	mock.err = errors.New("influx down")
	assert.NotPanics(t, func() { observe("run-1", pipeline.CycleRecord{Cycle: 2}) })
	assert.True(t, s.Ready(context.Background()))
}
