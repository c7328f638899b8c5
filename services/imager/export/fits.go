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
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/AleutianAI/skyimager/services/imager/image"
)

const (
	fitsBlock = 2880
	fitsCard  = 80
)

// ErrFITS is returned for FITS streams this package cannot read.
var ErrFITS = errors.New("unsupported FITS data")

// FITSHeader carries the optional keywords written with an image.
type FITSHeader struct {
	Object string
	// BUnit is the brightness unit, e.g. "JY/PIXEL" or "JY/BEAM".
	BUnit string
	// Beam, when set, is written as BMAJ/BMIN/BPA.
	Beam *image.Beam
}

// WriteFITS writes im as a single primary HDU of 64-bit IEEE floats.
//
// Description:
//
//	Axes are x, y, frequency and polarisation, matching the pixel order of
//	image.Image. Sky axes use the SIN projection about the phase centre;
//	CRPIX places the phase centre so facets carry their parent position.
func WriteFITS(w io.Writer, im *image.Image, hdr FITSHeader) error {
	if im == nil {
		return fmt.Errorf("%w: nil image", ErrFITS)
	}
	g := im.Geometry
	deg := 180 / math.Pi

	var h bytes.Buffer
	card := func(key string, value any, comment string) {
		h.WriteString(formatCard(key, value, comment))
	}
	card("SIMPLE", true, "conforms to FITS standard")
	card("BITPIX", -64, "IEEE double precision")
	card("NAXIS", 4, "")
	card("NAXIS1", g.NX, "")
	card("NAXIS2", g.NY, "")
	card("NAXIS3", g.NChan(), "")
	card("NAXIS4", g.NPol, "")
	card("ORIGIN", "skyimager", "")
	if hdr.Object != "" {
		card("OBJECT", hdr.Object, "")
	}
	bunit := hdr.BUnit
	if bunit == "" {
		bunit = "JY/PIXEL"
	}
	card("BUNIT", bunit, "")

	card("CTYPE1", "RA---SIN", "")
	card("CRVAL1", g.Phase.RA*deg, "deg")
	card("CDELT1", g.CellSize*deg, "deg")
	card("CRPIX1", g.RefX-float64(g.OffsetX)+1, "")
	card("CTYPE2", "DEC--SIN", "")
	card("CRVAL2", g.Phase.Dec*deg, "deg")
	card("CDELT2", g.CellSize*deg, "deg")
	card("CRPIX2", g.RefY-float64(g.OffsetY)+1, "")

	f0, df := g.Frequency[0], 1.0
	if g.NChan() > 1 {
		df = g.Frequency[1] - g.Frequency[0]
	}
	card("CTYPE3", "FREQ", "")
	card("CRVAL3", f0, "Hz")
	card("CDELT3", df, "Hz")
	card("CRPIX3", 1.0, "")
	card("CTYPE4", "STOKES", "")
	card("CRVAL4", 1.0, "")
	card("CDELT4", 1.0, "")
	card("CRPIX4", 1.0, "")

	if b := hdr.Beam; b != nil {
		major, minor := b.FWHM()
		card("BMAJ", major*g.CellSize*deg, "deg")
		card("BMIN", minor*g.CellSize*deg, "deg")
		card("BPA", 90-b.PA*deg, "deg")
	}
	h.WriteString(fmt.Sprintf("%-80s", "END"))
	pad(&h, ' ')

	bw := bufio.NewWriter(w)
	if _, err := bw.Write(h.Bytes()); err != nil {
		return err
	}
	var buf [8]byte
	for _, v := range im.Data {
		binary.BigEndian.PutUint64(buf[:], math.Float64bits(v))
		if _, err := bw.Write(buf[:]); err != nil {
			return err
		}
	}
	if rem := (len(im.Data) * 8) % fitsBlock; rem != 0 {
		if _, err := bw.Write(make([]byte, fitsBlock-rem)); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func pad(b *bytes.Buffer, c byte) {
	if rem := b.Len() % fitsBlock; rem != 0 {
		b.Write(bytes.Repeat([]byte{c}, fitsBlock-rem))
	}
}

// formatCard renders one fixed-format header card.
func formatCard(key string, value any, comment string) string {
	var v string
	switch x := value.(type) {
	case bool:
		v = fmt.Sprintf("%20s", map[bool]string{true: "T", false: "F"}[x])
	case int:
		v = fmt.Sprintf("%20d", x)
	case float64:
		v = fmt.Sprintf("%20s", strings.ToUpper(strconv.FormatFloat(x, 'G', 15, 64)))
	case string:
		v = fmt.Sprintf("'%-8s'", strings.ReplaceAll(x, "'", "''"))
	}
	s := fmt.Sprintf("%-8s= %s", key, v)
	if comment != "" {
		s += " / " + comment
	}
	if len(s) > fitsCard {
		s = s[:fitsCard]
	}
	return fmt.Sprintf("%-80s", s)
}

// ReadFITS reads an image written by WriteFITS. Only BITPIX -64 primary
// arrays with four axes are supported; sky geometry is rebuilt from CRVAL,
// CDELT and CRPIX.
func ReadFITS(r io.Reader) (*image.Image, map[string]string, error) {
	hdr := make(map[string]string)
	card := make([]byte, fitsCard)
	read := 0
	for {
		if _, err := io.ReadFull(r, card); err != nil {
			return nil, nil, fmt.Errorf("%w: header: %w", ErrFITS, err)
		}
		read += fitsCard
		key := strings.TrimSpace(string(card[:8]))
		if key == "END" {
			break
		}
		if string(card[8:10]) == "= " {
			val := string(card[10:])
			if i := strings.Index(val, " /"); i >= 0 && !strings.HasPrefix(strings.TrimSpace(val), "'") {
				val = val[:i]
			}
			val = strings.TrimSpace(val)
			if strings.HasPrefix(val, "'") {
				if end := strings.LastIndex(val, "'"); end > 0 {
					val = strings.ReplaceAll(strings.TrimSpace(val[1:end]), "''", "'")
				}
			}
			hdr[key] = val
		}
	}
	if rem := read % fitsBlock; rem != 0 {
		if _, err := io.CopyN(io.Discard, r, int64(fitsBlock-rem)); err != nil {
			return nil, nil, fmt.Errorf("%w: header padding: %w", ErrFITS, err)
		}
	}

	if hdr["BITPIX"] != "-64" || hdr["NAXIS"] != "4" {
		return nil, nil, fmt.Errorf("%w: BITPIX=%s NAXIS=%s", ErrFITS, hdr["BITPIX"], hdr["NAXIS"])
	}
	ints := make([]int, 4)
	for i := range ints {
		n, err := strconv.Atoi(hdr[fmt.Sprintf("NAXIS%d", i+1)])
		if err != nil || n < 1 {
			return nil, nil, fmt.Errorf("%w: NAXIS%d", ErrFITS, i+1)
		}
		ints[i] = n
	}
	nums := make(map[string]float64)
	for _, key := range []string{"CRVAL1", "CRVAL2", "CRVAL3", "CDELT2", "CDELT3", "CRPIX1", "CRPIX2"} {
		v, err := strconv.ParseFloat(hdr[key], 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, nil, fmt.Errorf("%w: %s=%q", ErrFITS, key, hdr[key])
		}
		nums[key] = v
	}
	rad := math.Pi / 180
	nchan := ints[2]
	freqs := make([]float64, nchan)
	for c := range freqs {
		freqs[c] = nums["CRVAL3"] + float64(c)*nums["CDELT3"]
	}
	g := image.Geometry{
		NX:        ints[0],
		NY:        ints[1],
		CellSize:  nums["CDELT2"] * rad,
		RefX:      nums["CRPIX1"] - 1,
		RefY:      nums["CRPIX2"] - 1,
		Frequency: freqs,
		NPol:      ints[3],
	}
	g.Phase.RA = nums["CRVAL1"] * rad
	g.Phase.Dec = nums["CRVAL2"] * rad

	im := image.New(g)
	var buf [8]byte
	for i := range im.Data {
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return nil, nil, fmt.Errorf("%w: data: %w", ErrFITS, err)
		}
		im.Data[i] = math.Float64frombits(binary.BigEndian.Uint64(buf[:]))
	}
	return im, hdr, nil
}
