package core

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeAged(t *testing.T, path, content string, age time.Duration) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	ts := time.Now().Add(-age)
	if err := os.Chtimes(path, ts, ts); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
}

func TestFingerprinter_MatchesContent(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "a.txt")
	writeAged(t, p, "payload", time.Hour)

	f, err := NewFingerprinter(16)
	if err != nil {
		t.Fatalf("NewFingerprinter: %v", err)
	}
	fp, info, err := f.File(p)
	if err != nil {
		t.Fatalf("File: %v", err)
	}
	if fp != FingerprintBytes([]byte("payload")) {
		t.Errorf("fingerprint mismatch: %s", fp)
	}
	if info.Size() != int64(len("payload")) {
		t.Errorf("size = %d", info.Size())
	}
	if f.Len() != 1 {
		t.Errorf("expected cached entry, len = %d", f.Len())
	}
}

func TestFingerprinter_DetectsSameSizeRewrite(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "a.txt")
	writeAged(t, p, "aaaa", time.Hour)

	f, _ := NewFingerprinter(16)
	first, _, err := f.File(p)
	if err != nil {
		t.Fatalf("File: %v", err)
	}

	// Same size, different mtime: the cache must not be trusted.
	writeAged(t, p, "bbbb", 30*time.Minute)
	second, _, err := f.File(p)
	if err != nil {
		t.Fatalf("File: %v", err)
	}
	if first == second {
		t.Fatalf("rewrite not detected")
	}
}

func TestFingerprinter_RecentFilesNotCached(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "fresh.txt")
	writeAged(t, p, "fresh", 0)

	f, _ := NewFingerprinter(16)
	if _, _, err := f.File(p); err != nil {
		t.Fatalf("File: %v", err)
	}
	if f.Len() != 0 {
		t.Errorf("recently modified file was cached")
	}
}

func TestFingerprinter_FileOrMissing(t *testing.T) {
	f, _ := NewFingerprinter(16)
	fp, err := f.FileOrMissing(filepath.Join(t.TempDir(), "nope"))
	if err != nil {
		t.Fatalf("FileOrMissing: %v", err)
	}
	if fp != MissingFingerprint {
		t.Errorf("got %q, want %q", fp, MissingFingerprint)
	}
}

func TestFingerprintPath(t *testing.T) {
	p := filepath.Join(t.TempDir(), "a.bin")
	if err := os.WriteFile(p, []byte("abc"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	fp, err := FingerprintPath(p)
	if err != nil {
		t.Fatalf("FingerprintPath: %v", err)
	}
	if fp != FingerprintBytes([]byte("abc")) {
		t.Errorf("got %q", fp)
	}
	if err := os.Remove(p); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if fp, err := FingerprintPath(p); err != nil || fp != MissingFingerprint {
		t.Errorf("missing file: got %q, %v", fp, err)
	}
}
