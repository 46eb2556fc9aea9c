package core

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultFingerprintCacheSize bounds the number of remembered file fingerprints.
const DefaultFingerprintCacheSize = 65536

// racyWindow is how recent a modification may be before its fingerprint is
// not cached: a second write within the same timestamp tick and with the same
// size would otherwise be invisible.
const racyWindow = 2 * time.Second

type cachedFingerprint struct {
	size    int64
	modTime time.Time
	fp      Fingerprint
}

// Fingerprinter computes file fingerprints and remembers them while the file's
// size and modification time stay the same.
//
// Modification time is only a cache validator; identity always comes from
// content. It is safe for concurrent use.
type Fingerprinter struct {
	cache *lru.Cache[string, cachedFingerprint]
	now   func() time.Time
}

// NewFingerprinter creates a fingerprinter remembering up to size files.
func NewFingerprinter(size int) (*Fingerprinter, error) {
	if size <= 0 {
		size = DefaultFingerprintCacheSize
	}
	c, err := lru.New[string, cachedFingerprint](size)
	if err != nil {
		return nil, fmt.Errorf("creating fingerprint cache: %w", err)
	}
	return &Fingerprinter{cache: c, now: time.Now}, nil
}

// File returns the fingerprint of the file at path together with its stat info.
func (f *Fingerprinter) File(path string) (Fingerprint, fs.FileInfo, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", nil, err
	}
	if info.IsDir() {
		return "", nil, fmt.Errorf("fingerprint %q: is a directory", path)
	}

	if c, ok := f.cache.Get(path); ok && c.size == info.Size() && c.modTime.Equal(info.ModTime()) {
		return c.fp, info, nil
	}

	fp, err := hashFile(path)
	if err != nil {
		return "", nil, err
	}

	if f.now().Sub(info.ModTime()) >= racyWindow {
		f.cache.Add(path, cachedFingerprint{size: info.Size(), modTime: info.ModTime(), fp: fp})
	} else {
		f.cache.Remove(path)
	}
	return fp, info, nil
}

// FileOrMissing is like File but maps a missing file to MissingFingerprint.
func (f *Fingerprinter) FileOrMissing(path string) (Fingerprint, error) {
	fp, _, err := f.File(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			f.cache.Remove(path)
			return MissingFingerprint, nil
		}
		return "", err
	}
	return fp, nil
}

// Forget drops any remembered fingerprint for path.
func (f *Fingerprinter) Forget(path string) {
	f.cache.Remove(path)
}

// Len returns the number of remembered fingerprints.
func (f *Fingerprinter) Len() int { return f.cache.Len() }

// FingerprintPath hashes the file at path without consulting any cache. A
// missing file yields MissingFingerprint.
func FingerprintPath(path string) (Fingerprint, error) {
	fp, err := hashFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return MissingFingerprint, nil
	}
	return fp, err
}

func hashFile(path string) (Fingerprint, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	h := xxhash.New()
	if _, err := io.Copy(h, file); err != nil {
		return "", fmt.Errorf("reading %q: %w", path, err)
	}
	return formatSum(h.Sum64()), nil
}
