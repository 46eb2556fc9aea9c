package core

import (
	"encoding/binary"
	"encoding/hex"
	"path/filepath"
	"sort"

	"github.com/cespare/xxhash/v2"
)

// Fingerprint is a content-derived identifier used to detect change.
//
// The format is "xxh64:<16 hex digits>". Fingerprints are compared by value
// only; they carry no ordering meaning.
type Fingerprint string

// MissingFingerprint stands for a dependency whose file does not exist.
// It never collides with a content fingerprint.
const MissingFingerprint Fingerprint = "missing"

const fingerprintPrefix = "xxh64:"

// FingerprintBytes computes the fingerprint of data.
func FingerprintBytes(data []byte) Fingerprint {
	return formatSum(xxhash.Sum64(data))
}

func formatSum(sum uint64) Fingerprint {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], sum)
	return Fingerprint(fingerprintPrefix + hex.EncodeToString(b[:]))
}

func (f Fingerprint) String() string { return string(f) }

// IsZero reports whether the fingerprint is unset.
func (f Fingerprint) IsZero() bool { return f == "" }

// Dependencies maps a dependency name to its fingerprint.
//
// Names are namespaced by kind, e.g. "meta:sprites/_dir.meta",
// "sidecar:sprites/hero.png.meta" or "include:shared/palette.yaml".
type Dependencies map[string]Fingerprint

// Dependency name prefixes.
const (
	DepDirectoryMeta = "meta:"
	DepSidecarMeta   = "sidecar:"
	DepInclude       = "include:"
)

// IncludeDependency names an included file. Paths are stored relative to the
// source root so moving the project keeps the name stable; a path with no
// relative form stays absolute.
func IncludeDependency(rootDir, p string) string {
	if rootDir != "" {
		if rel, err := filepath.Rel(rootDir, p); err == nil {
			return DepInclude + filepath.ToSlash(rel)
		}
	}
	return DepInclude + filepath.ToSlash(p)
}

// IncludePath is the inverse of IncludeDependency for a name with the prefix
// already removed.
func IncludePath(rootDir, name string) string {
	p := filepath.FromSlash(name)
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(rootDir, p)
}

// Equal reports whether both sets hold exactly the same names and fingerprints.
// A nil set equals an empty set.
func (d Dependencies) Equal(other Dependencies) bool {
	if len(d) != len(other) {
		return false
	}
	for name, fp := range d {
		ofp, ok := other[name]
		if !ok || ofp != fp {
			return false
		}
	}
	return true
}

// Clone returns an independent copy of the set.
func (d Dependencies) Clone() Dependencies {
	if d == nil {
		return nil
	}
	out := make(Dependencies, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// Names returns the dependency names in sorted order.
func (d Dependencies) Names() []string {
	names := make([]string, 0, len(d))
	for k := range d {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Merge adds every entry of other into d, overwriting on conflict.
func (d Dependencies) Merge(other Dependencies) {
	for k, v := range other {
		d[k] = v
	}
}
