package pager

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"requiem/internal/cas"
)

func newStore(t *testing.T) *cas.Store {
	t.Helper()
	store, err := cas.New(t.TempDir())
	if err != nil {
		t.Fatalf("cas.New: %v", err)
	}
	return store
}

func TestVirtualizeRecallRoundTrip(t *testing.T) {
	store := newStore(t)
	data := bytes.Repeat([]byte("abcdefgh"), 2000) // 16000 bytes

	manifest, err := Virtualize(store, data, 4096)
	if err != nil {
		t.Fatalf("Virtualize: %v", err)
	}

	got, err := Recall(store, manifest, 0, int64(len(data)))
	if err != nil {
		t.Fatalf("Recall: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("recalled bytes do not match virtualized bytes")
	}
}

func TestRecallArbitraryRange(t *testing.T) {
	store := newStore(t)
	data := make([]byte, 10000)
	for i := range data {
		data[i] = byte(i % 251)
	}

	manifest, err := Virtualize(store, data, 4096)
	if err != nil {
		t.Fatalf("Virtualize: %v", err)
	}

	got, err := Recall(store, manifest, 5000, 3000)
	if err != nil {
		t.Fatalf("Recall: %v", err)
	}
	want := data[5000:8000]
	if !bytes.Equal(got, want) {
		t.Fatal("recalled mid-range bytes do not match")
	}
}

func TestRecallZeroFillsMissingChunk(t *testing.T) {
	store := newStore(t)
	// Two pages with different content, so each chunk has its own digest.
	data := append(bytes.Repeat([]byte("y"), 4096), bytes.Repeat([]byte("x"), 4096)...)

	manifest, err := Virtualize(store, data, 4096)
	if err != nil {
		t.Fatalf("Virtualize: %v", err)
	}

	// Corrupt the CAS by deleting the first chunk's backing files so
	// GetStream fails for it, simulating chunk loss.
	firstChunkDigest, err := store.Put(data[:4096], cas.EncodingIdentity)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	removeObject(t, store, firstChunkDigest)

	got, err := Recall(store, manifest, 0, 8192)
	if err != nil {
		t.Fatalf("Recall: %v", err)
	}
	for i := 0; i < 4096; i++ {
		if got[i] != 0 {
			t.Fatalf("expected zero-fill at byte %d, got %d", i, got[i])
		}
	}
	for i := 4096; i < 8192; i++ {
		if got[i] != 'x' {
			t.Fatalf("expected original byte at %d, got %d", i, got[i])
		}
	}
}

func TestVirtualizeEmptyInput(t *testing.T) {
	store := newStore(t)
	manifest, err := Virtualize(store, nil, 4096)
	if err != nil {
		t.Fatalf("Virtualize: %v", err)
	}
	got, err := Recall(store, manifest, 0, 0)
	if err != nil {
		t.Fatalf("Recall: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("got %d bytes, want 0", len(got))
	}
}

// removeObject deletes an object's on-disk blob and sidecar, following
// the same two-level shard layout cas.Store uses, so a subsequent
// Get/GetStream fails — simulating chunk loss for a test.
func removeObject(t *testing.T, store *cas.Store, digest string) {
	t.Helper()
	dir := filepath.Join(store.Root(), "objects", digest[0:2], digest[2:4])
	if err := os.Remove(filepath.Join(dir, digest)); err != nil {
		t.Fatalf("remove blob: %v", err)
	}
	if err := os.Remove(filepath.Join(dir, digest+".meta")); err != nil {
		t.Fatalf("remove meta: %v", err)
	}
}
