// Package hashauthority is the single hashing primitive behind every
// digest Requiem produces. One algorithm (BLAKE3), three domains
// (req:, res:, cas:), one output shape (64-char lowercase hex of a
// 32-byte digest). No fallback primitive exists: if BLAKE3 cannot be
// constructed, every hash call fails closed with CodeHashUnavailable
// rather than silently degrading to a weaker hash.
package hashauthority

import (
	"encoding/hex"
	"io"
	"os"

	"github.com/zeebo/blake3"

	"requiem/internal/rerrors"
)

// AlgorithmVersion identifies the hash primitive and domain scheme. Per HASH-2,
// changing either requires bumping this version — callers that persist
// digests alongside a version should record it next to the digest.
const AlgorithmVersion = "blake3-domain-v1"

// Domain separators. Concatenated as raw bytes ahead of the payload;
// never wrapped in a structure, so the prefix itself is part of the
// hashed bytes.
const (
	DomainRequest = "req:"
	DomainResult  = "res:"
	DomainCAS     = "cas:"
)

// streamChunkSize bounds how much of a file HashFile holds in memory at
// once; per spec a whole file must never be loaded at once.
const streamChunkSize = 64 * 1024

// HashRequest hashes canonical request JSON under the req: domain.
func HashRequest(canonicalJSON []byte) (string, error) {
	return hashDomain(DomainRequest, canonicalJSON)
}

// HashResult hashes canonical result JSON under the res: domain.
func HashResult(canonicalJSON []byte) (string, error) {
	return hashDomain(DomainResult, canonicalJSON)
}

// HashCAS hashes raw object bytes under the cas: domain. This is both
// the CAS object key and the domain used for output-file digests,
// coupling the two deliberately: an output file's digest is its CAS key.
func HashCAS(raw []byte) (string, error) {
	return hashDomain(DomainCAS, raw)
}

// HashPlain hashes bytes with no domain prefix. Used internally for
// component-local digests (stdout/stderr/trace) that never leave the
// engine as a CAS key or a request/result identity — the final
// result_digest that wraps them still carries the res: domain.
func HashPlain(raw []byte) (string, error) {
	return hashDomain("", raw)
}

func hashDomain(domain string, payload []byte) (string, error) {
	h := blake3.New()
	if domain != "" {
		if _, err := h.Write([]byte(domain)); err != nil {
			return "", rerrors.Wrap(err, rerrors.CodeHashUnavailable, "hashauthority: write domain prefix")
		}
	}
	if _, err := h.Write(payload); err != nil {
		return "", rerrors.Wrap(err, rerrors.CodeHashUnavailable, "hashauthority: write payload")
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashFile streams a file's contents through the cas: domain in fixed
// 64 KiB chunks, never holding the whole file in memory.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", rerrors.Wrap(err, rerrors.CodeHashUnavailable, "hashauthority: open file for hashing")
	}
	defer f.Close()
	return HashReader(f)
}

// HashReader streams r through the cas: domain in fixed-size chunks.
func HashReader(r io.Reader) (string, error) {
	h := blake3.New()
	if _, err := h.Write([]byte(DomainCAS)); err != nil {
		return "", rerrors.Wrap(err, rerrors.CodeHashUnavailable, "hashauthority: write domain prefix")
	}
	buf := make([]byte, streamChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if _, werr := h.Write(buf[:n]); werr != nil {
				return "", rerrors.Wrap(werr, rerrors.CodeHashUnavailable, "hashauthority: hash chunk")
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", rerrors.Wrap(err, rerrors.CodeHashUnavailable, "hashauthority: read chunk")
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// IsValidDigest reports whether s has the shape of a Requiem digest:
// 64 lowercase hex characters.
func IsValidDigest(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, r := range s {
		if !((r >= '0' && r <= '9') || (r >= 'a' && r <= 'f')) {
			return false
		}
	}
	return true
}
