package hashauthority

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDomainSeparation(t *testing.T) {
	payload := []byte(`{"a":1}`)
	req, err := HashRequest(payload)
	if err != nil {
		t.Fatalf("HashRequest: %v", err)
	}
	res, err := HashResult(payload)
	if err != nil {
		t.Fatalf("HashResult: %v", err)
	}
	cas, err := HashCAS(payload)
	if err != nil {
		t.Fatalf("HashCAS: %v", err)
	}
	if req == res || res == cas || req == cas {
		t.Fatalf("domains collided: req=%s res=%s cas=%s", req, res, cas)
	}
	for _, d := range []string{req, res, cas} {
		if !IsValidDigest(d) {
			t.Fatalf("digest %q is not a valid 64-char hex digest", d)
		}
	}
}

func TestHashIsDeterministic(t *testing.T) {
	payload := []byte("hello world")
	a, err := HashCAS(payload)
	if err != nil {
		t.Fatalf("HashCAS: %v", err)
	}
	b, err := HashCAS(payload)
	if err != nil {
		t.Fatalf("HashCAS: %v", err)
	}
	if a != b {
		t.Fatalf("hash not deterministic: %s != %s", a, b)
	}
}

func TestHashFileMatchesHashCAS(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.bin")
	content := []byte("the quick brown fox jumps over the lazy dog")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	want, err := HashCAS(content)
	if err != nil {
		t.Fatalf("HashCAS: %v", err)
	}
	got, err := HashFile(path)
	if err != nil {
		t.Fatalf("HashFile: %v", err)
	}
	if got != want {
		t.Fatalf("HashFile = %s, want %s", got, want)
	}
}

func TestHashFileLargerThanChunkSize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "big.bin")
	content := make([]byte, streamChunkSize*3+17)
	for i := range content {
		content[i] = byte(i % 251)
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	want, err := HashCAS(content)
	if err != nil {
		t.Fatalf("HashCAS: %v", err)
	}
	got, err := HashFile(path)
	if err != nil {
		t.Fatalf("HashFile: %v", err)
	}
	if got != want {
		t.Fatalf("HashFile = %s, want %s", got, want)
	}
}

func TestHashFileMissing(t *testing.T) {
	if _, err := HashFile("/nonexistent/path/does/not/exist"); err == nil {
		t.Fatal("expected error for missing file")
	}
}
