// Package cas implements the content-addressable object store: the
// append-only, integrity-verified storage substrate every other core
// component (engine, event graph, context pager) builds on. Objects are
// keyed by the BLAKE3 cas: digest of their plaintext bytes, sharded two
// hex levels deep, written with atomic temp-then-rename, and verified
// against their sidecar metadata on every read.
//
// Modeled on internal/trust.CAS (sha256, single-level, ObjectType-keyed
// directories): the shape — Put/Get/Has/Verify/Status, temp-file-then-
// rename commit, idempotent Put — carries over; the BLAKE3 key scheme
// and the encoding/sidecar model are new here.
package cas

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"

	"github.com/klauspost/compress/zstd"

	"requiem/internal/hashauthority"
	"requiem/internal/rerrors"
)

// FormatVersion is the on-disk layout version (§6.1). Changing shard
// depth, hex width, or the sidecar's field set requires a bump.
const FormatVersion = 2

// Encoding names the storage transform applied to an object's bytes.
type Encoding string

const (
	EncodingIdentity Encoding = "identity"
	EncodingZstd     Encoding = "zstd"
)

// Meta is the sidecar metadata record stored as <digest>.meta.
type Meta struct {
	Digest         string   `json:"digest"`
	Encoding       Encoding `json:"encoding"`
	OriginalSize   int64    `json:"original_size"`
	StoredSize     int64    `json:"stored_size"`
	StoredBlobHash string   `json:"stored_blob_hash"`
}

// ErrNotFound is returned by Get/Info when no object exists for a digest.
var ErrNotFound = errors.New("cas: object not found")

// Store is the on-disk content-addressable store rooted at a directory.
type Store struct {
	root    string
	tmpSeq  atomic.Uint64
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// New opens (creating if necessary) a CAS rooted at root.
func New(root string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(root, "objects"), 0o755); err != nil {
		return nil, rerrors.Wrap(err, rerrors.CodeInternal, "cas: create root")
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, rerrors.Wrap(err, rerrors.CodeInternal, "cas: init zstd encoder")
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, rerrors.Wrap(err, rerrors.CodeInternal, "cas: init zstd decoder")
	}
	return &Store{root: root, encoder: enc, decoder: dec}, nil
}

// Root returns the filesystem root this store is rooted at.
func (s *Store) Root() string { return s.root }

// Put stores bytes under the requested encoding and returns their cas:
// digest. Put is idempotent by content: storing the same bytes twice
// returns the same digest without writing a second object, and storing
// different bytes that happen to land on the same key (a collision, in
// practice never observed with BLAKE3) fails integrity rather than
// silently overwriting.
func (s *Store) Put(data []byte, encoding Encoding) (string, error) {
	digest, err := hashauthority.HashCAS(data)
	if err != nil {
		return "", err
	}
	blobPath, metaPath := s.objectPaths(digest)

	if existing, err := s.readVerified(digest); err == nil {
		if !bytes.Equal(existing, data) {
			return "", rerrors.Newf(rerrors.CodeCASIntegrityFailed, "cas: content mismatch for existing digest %s", digest)
		}
		return digest, nil
	} else if !errors.Is(err, ErrNotFound) {
		return "", err
	}

	stored := data
	enc := encoding
	if encoding == EncodingZstd {
		stored = s.encoder.EncodeAll(data, nil)
	}
	// The sidecar's stored_blob_hash is a domain-less integrity hash of
	// the stored (possibly compressed) bytes — distinct from the cas:
	// digest, which is always over the plaintext and is the object key.
	blobHash, err := hashauthority.HashPlain(stored)
	if err != nil {
		return "", err
	}

	meta := Meta{
		Digest:         digest,
		Encoding:       enc,
		OriginalSize:   int64(len(data)),
		StoredSize:     int64(len(stored)),
		StoredBlobHash: blobHash,
	}
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return "", rerrors.Wrap(err, rerrors.CodeInternal, "cas: marshal sidecar")
	}

	if err := os.MkdirAll(filepath.Dir(blobPath), 0o755); err != nil {
		return "", rerrors.Wrap(err, rerrors.CodeInternal, "cas: create shard dir")
	}

	blobTmp, err := s.writeTemp(filepath.Dir(blobPath), stored)
	if err != nil {
		return "", err
	}
	if err := os.Rename(blobTmp, blobPath); err != nil {
		os.Remove(blobTmp)
		return "", rerrors.Wrap(err, rerrors.CodeInternal, "cas: commit blob")
	}

	metaTmp, err := s.writeTemp(filepath.Dir(metaPath), metaBytes)
	if err != nil {
		os.Remove(blobPath)
		return "", err
	}
	if err := os.Rename(metaTmp, metaPath); err != nil {
		os.Remove(metaTmp)
		os.Remove(blobPath)
		return "", rerrors.Wrap(err, rerrors.CodeInternal, "cas: commit sidecar")
	}
	return digest, nil
}

// Get returns the verified plaintext bytes for digest.
func (s *Store) Get(digest string) ([]byte, error) {
	return s.readVerified(digest)
}

// GetStream opens a seekable reader over digest's verified plaintext.
// Verification happens eagerly (the whole object is read and checked
// before the reader is handed back) so the pager never seeks into
// corrupted bytes.
func (s *Store) GetStream(digest string) (io.ReadSeeker, error) {
	data, err := s.readVerified(digest)
	if err != nil {
		return nil, err
	}
	return bytes.NewReader(data), nil
}

// Contains reports whether an object for digest exists, without
// verifying its integrity.
func (s *Store) Contains(digest string) bool {
	blobPath, metaPath := s.objectPaths(digest)
	if _, err := os.Stat(blobPath); err != nil {
		return false
	}
	if _, err := os.Stat(metaPath); err != nil {
		return false
	}
	return true
}

// Info returns the sidecar metadata for digest without reading the blob.
func (s *Store) Info(digest string) (Meta, error) {
	_, metaPath := s.objectPaths(digest)
	raw, err := os.ReadFile(metaPath)
	if err != nil {
		if os.IsNotExist(err) {
			return Meta{}, ErrNotFound
		}
		return Meta{}, rerrors.Wrap(err, rerrors.CodeInternal, "cas: read sidecar")
	}
	var m Meta
	if err := json.Unmarshal(raw, &m); err != nil {
		return Meta{}, rerrors.Wrap(err, rerrors.CodeCASIntegrityFailed, "cas: parse sidecar")
	}
	return m, nil
}

// ScanObjects enumerates every stored object's metadata, sorted by
// digest so CAS-backed operations (GC, replication, audits) stay
// reproducible across runs.
func (s *Store) ScanObjects() ([]Meta, error) {
	var metas []Meta
	objectsRoot := filepath.Join(s.root, "objects")
	err := filepath.WalkDir(objectsRoot, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || filepath.Ext(path) != ".meta" {
			return nil
		}
		raw, rerr := os.ReadFile(path)
		if rerr != nil {
			return rerr
		}
		var m Meta
		if jerr := json.Unmarshal(raw, &m); jerr != nil {
			return jerr
		}
		metas = append(metas, m)
		return nil
	})
	if err != nil {
		return nil, rerrors.Wrap(err, rerrors.CodeInternal, "cas: scan objects")
	}
	sort.Slice(metas, func(i, j int) bool { return metas[i].Digest < metas[j].Digest })
	return metas, nil
}

// readVerified loads an object and checks both layers of integrity:
// the sidecar's stored_blob_hash against the on-disk (possibly
// compressed) bytes, then the cas: digest of the decoded plaintext
// against the requested key. Any mismatch is fatal to the read — no
// partially-verified bytes are ever returned.
func (s *Store) readVerified(digest string) ([]byte, error) {
	if !hashauthority.IsValidDigest(digest) {
		return nil, rerrors.Newf(rerrors.CodeMissingInput, "cas: malformed digest %q", digest)
	}
	blobPath, metaPath := s.objectPaths(digest)
	blob, err := os.ReadFile(blobPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, rerrors.Wrap(err, rerrors.CodeInternal, "cas: read blob")
	}
	metaRaw, err := os.ReadFile(metaPath)
	if err != nil {
		if os.IsNotExist(err) {
			// A blob with no sidecar is the product of a crash between
			// the two renames; treat it as absent so a retried Put can
			// recover cleanly.
			return nil, ErrNotFound
		}
		return nil, rerrors.Wrap(err, rerrors.CodeInternal, "cas: read sidecar")
	}
	var meta Meta
	if err := json.Unmarshal(metaRaw, &meta); err != nil {
		return nil, rerrors.Wrap(err, rerrors.CodeCASIntegrityFailed, "cas: parse sidecar")
	}

	blobHash, err := hashauthority.HashPlain(blob)
	if err != nil {
		return nil, err
	}
	if blobHash != meta.StoredBlobHash {
		return nil, rerrors.Newf(rerrors.CodeCASIntegrityFailed, "cas: stored blob hash mismatch for %s", digest)
	}

	plain := blob
	if meta.Encoding == EncodingZstd {
		plain, err = s.decoder.DecodeAll(blob, make([]byte, 0, meta.OriginalSize))
		if err != nil {
			return nil, rerrors.Wrapf(err, rerrors.CodeCASIntegrityFailed, "cas: decompress %s", digest)
		}
	}

	recomputed, err := hashauthority.HashCAS(plain)
	if err != nil {
		return nil, err
	}
	if recomputed != digest {
		return nil, rerrors.Newf(rerrors.CodeCASIntegrityFailed, "cas: content digest mismatch for %s", digest)
	}
	return plain, nil
}

func (s *Store) objectPaths(digest string) (blob, meta string) {
	shardA, shardB := digest[0:2], digest[2:4]
	dir := filepath.Join(s.root, "objects", shardA, shardB)
	return filepath.Join(dir, digest), filepath.Join(dir, digest+".meta")
}

// writeTemp writes data to a uniquely-named temp file in dir (same
// filesystem as the final path, so the later rename is atomic) and
// returns its path.
func (s *Store) writeTemp(dir string, data []byte) (string, error) {
	seq := s.tmpSeq.Add(1)
	name := fmt.Sprintf(".tmp-%d-%d", os.Getpid(), seq)
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", rerrors.Wrap(err, rerrors.CodeInternal, "cas: write temp file")
	}
	return path, nil
}
