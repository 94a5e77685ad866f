// Yapit - Document-to-Speech Synthesis and Streaming
// Copyright 2026 Yapit Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yapit-tts/yapit

package tts

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
)

// Fingerprint is the hex SHA-256 content address of (text, variant).
// Identical text under an identical variant always yields the same
// fingerprint, across users and documents.
type Fingerprint string

// Valid reports whether the fingerprint is a well-formed hex digest.
func (f Fingerprint) Valid() bool {
	if len(f) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(string(f))
	return err == nil
}

// ComputeFingerprint hashes the block text together with every
// audio-affecting variant field. Fields are NUL-separated so no value can
// bleed into the next; params are sorted by key so map order never changes
// the digest.
func ComputeFingerprint(text string, v Variant) Fingerprint {
	h := sha256.New()
	h.Write([]byte(text))
	h.Write([]byte{0})
	h.Write([]byte(v.ModelSlug))
	h.Write([]byte{0})
	h.Write([]byte(v.VoiceSlug))
	h.Write([]byte{0})
	if v.Speed != 0 {
		h.Write([]byte(strconv.FormatFloat(v.Speed, 'g', -1, 64)))
	}

	if len(v.Params) > 0 {
		keys := make([]string, 0, len(v.Params))
		for k := range v.Params {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			h.Write([]byte{0})
			h.Write([]byte(k))
			h.Write([]byte{'='})
			h.Write([]byte(v.Params[k]))
		}
	}

	return Fingerprint(hex.EncodeToString(h.Sum(nil)))
}
