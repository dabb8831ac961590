// Package pager virtualizes large byte blobs into CAS-backed,
// page-sized chunks and recalls arbitrary byte ranges back out,
// zero-filling whatever a chunk can't supply rather than failing the
// whole read.
//
// Modeled on internal/trust's CAS discipline (stream reads, fail-closed
// integrity) generalized to the manifest/chunk shape.
package pager

import (
	"io"

	"requiem/internal/canon"
	"requiem/internal/cas"
	"requiem/internal/rerrors"
)

const defaultPageSize = 4096

// chunk is one manifest entry: digest, size, and offset within the
// original blob.
type chunk struct {
	Digest string
	Size   int64
	Offset int64
}

// Virtualize partitions data into consecutive pageSize chunks (the last
// may be shorter), stores each in store, and stores a manifest of their
// digests/sizes/offsets. It returns the manifest's CAS digest. On any
// chunk put failure, no manifest is written at all — no partial
// manifest ever exists.
func Virtualize(store *cas.Store, data []byte, pageSize int) (string, error) {
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	total := int64(len(data))

	var chunks []interface{}
	for offset := int64(0); offset < total; offset += int64(pageSize) {
		end := offset + int64(pageSize)
		if end > total {
			end = total
		}
		piece := data[offset:end]
		digest, err := store.Put(piece, cas.EncodingIdentity)
		if err != nil {
			return "", rerrors.Wrapf(err, rerrors.CodeCASIntegrityFailed, "pager: put chunk at offset %d", offset)
		}
		chunks = append(chunks, map[string]interface{}{
			"d": digest,
			"s": canon.IntNumber(int64(len(piece))),
			"o": canon.IntNumber(offset),
		})
	}

	manifest := map[string]interface{}{
		"type":       "context_manifest",
		"total_size": canon.IntNumber(total),
		"chunks":     chunks,
	}
	canonicalJSON, err := canon.Canonicalize(manifest)
	if err != nil {
		return "", err
	}
	return store.Put(canonicalJSON, cas.EncodingIdentity)
}

// Recall fetches the manifest at manifestDigest and reads the
// [offset, offset+length) byte range from it, zero-filling any portion
// covered by a missing or short chunk (PAGER-2) rather than failing the
// whole recall.
func Recall(store *cas.Store, manifestDigest string, offset, length int64) ([]byte, error) {
	raw, err := store.Get(manifestDigest)
	if err != nil {
		return nil, rerrors.Wrap(err, rerrors.CodeCASIntegrityFailed, "pager: fetch manifest")
	}
	parsed, err := canon.Parse(raw)
	if err != nil {
		return nil, rerrors.Wrap(err, rerrors.CodeJSONParseError, "pager: parse manifest")
	}
	obj, ok := parsed.(map[string]interface{})
	if !ok {
		return nil, rerrors.New(rerrors.CodeJSONParseError, "pager: manifest is not a JSON object")
	}
	typeVal, _ := obj["type"].(string)
	if typeVal != "context_manifest" {
		return nil, rerrors.Newf(rerrors.CodeJSONParseError, "pager: unexpected manifest type %q", typeVal)
	}

	chunks, err := parseChunks(obj)
	if err != nil {
		return nil, err
	}

	out := make([]byte, length)
	want := [2]int64{offset, offset + length}

	for _, c := range chunks {
		chunkStart, chunkEnd := c.Offset, c.Offset+c.Size
		overlapStart := maxInt64(chunkStart, want[0])
		overlapEnd := minInt64(chunkEnd, want[1])
		if overlapStart >= overlapEnd {
			continue
		}
		readLen := overlapEnd - overlapStart
		withinChunkOffset := overlapStart - chunkStart
		withinOutOffset := overlapStart - want[0]

		r, err := store.GetStream(c.Digest)
		if err != nil {
			continue // missing chunk: leave zero-filled (PAGER-2)
		}
		if _, err := r.Seek(withinChunkOffset, io.SeekStart); err != nil {
			continue
		}
		buf := make([]byte, readLen)
		n, _ := io.ReadFull(r, buf)
		copy(out[withinOutOffset:withinOutOffset+int64(n)], buf[:n])
	}

	return out, nil
}

func parseChunks(obj map[string]interface{}) ([]chunk, error) {
	raw, _ := obj["chunks"].([]interface{})
	out := make([]chunk, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		digest, _ := m["d"].(string)
		size, sok := m["s"].(canon.Number)
		off, ook := m["o"].(canon.Number)
		if !sok || !ook {
			return nil, rerrors.New(rerrors.CodeJSONParseError, "pager: chunk missing size/offset")
		}
		out = append(out, chunk{Digest: digest, Size: size.Int64(), Offset: off.Int64()})
	}
	return out, nil
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
