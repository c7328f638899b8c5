// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dag

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"io"
)

// ComputeKey derives a node's content key.
//
// Description:
//
//	The key is a SHA-256 over the length-prefixed operation name, the
//	ordered input keys, and the canonical JSON encoding of params. Equal
//	requests therefore produce equal keys and collapse into one node.
//	Map keys in params are sorted by encoding/json.
//
// Inputs:
//
//	op - Operation label, e.g. "invert".
//	inputs - Dependency keys in argument order.
//	params - Any JSON-encodable parameter value. May be nil.
//
// Outputs:
//
//	string - "<op>-<hex digest>".
//	error - Non-nil if params cannot be encoded.
func ComputeKey(op string, inputs []string, params any) (string, error) {
	p, err := json.Marshal(params)
	if err != nil {
		return "", err
	}

	h := sha256.New()
	writeField(h, []byte(op))
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(inputs)))
	h.Write(n[:])
	for _, in := range inputs {
		writeField(h, []byte(in))
	}
	writeField(h, p)
	return op + "-" + hex.EncodeToString(h.Sum(nil)), nil
}

func writeField(w io.Writer, b []byte) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(b)))
	w.Write(n[:])
	w.Write(b)
}

// AnchorKey returns the key of a value that enters the graph from outside,
// identified by its content fingerprint.
func AnchorKey(op, fingerprint string) string {
	k, _ := ComputeKey(op, nil, fingerprint)
	return k
}
