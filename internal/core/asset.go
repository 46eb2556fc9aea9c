package core

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// AssetKey is the stable identifier of one importable source file.
//
// It is formed as "<namespace>:<relative/slash/path>". The namespace groups
// source roots that feed the same logical tree (e.g. a project asset root and
// a shared asset root both map into "assets").
type AssetKey string

// NewAssetKey builds the key for relPath inside namespace.
// relPath is normalized to a clean slash path.
func NewAssetKey(namespace, relPath string) AssetKey {
	return AssetKey(namespace + ":" + path.Clean(strings.TrimPrefix(toSlash(relPath), "/")))
}

// Namespace returns the namespace component of the key.
func (k AssetKey) Namespace() string {
	ns, _, _ := strings.Cut(string(k), ":")
	return ns
}

// RelPath returns the slash path component of the key.
func (k AssetKey) RelPath() string {
	_, rel, ok := strings.Cut(string(k), ":")
	if !ok {
		return string(k)
	}
	return rel
}

// Validate reports whether the key is well formed.
func (k AssetKey) Validate() error {
	ns, rel, ok := strings.Cut(string(k), ":")
	if !ok || ns == "" || rel == "" {
		return fmt.Errorf("malformed asset key %q", string(k))
	}
	if rel == "." || strings.HasPrefix(rel, "../") || rel == ".." {
		return fmt.Errorf("asset key %q escapes its root", string(k))
	}
	return nil
}

func (k AssetKey) String() string { return string(k) }

// SourceFile is a file discovered under a source root.
type SourceFile struct {
	Key AssetKey

	// Root is the configured name of the source root the file was found in.
	Root string

	// RelPath is the slash path relative to the root.
	RelPath string

	// AbsPath is the OS path used for reading.
	AbsPath string

	Size    int64
	ModTime time.Time

	// Codegen is set for files found in a root that holds generated sources.
	Codegen bool
}

// RootDir returns the OS path of the root the file was found in.
func (f SourceFile) RootDir() string {
	dir := f.AbsPath
	for i := strings.Count(f.RelPath, "/"); i >= 0; i-- {
		dir = filepath.Dir(dir)
	}
	return dir
}

// Output is one file produced by an import, stored relative to an output tree.
type Output struct {
	// Tree is the configured name of the output tree.
	Tree string `json:"tree"`

	// Path is the slash path relative to the output tree.
	Path string `json:"path"`

	Fingerprint Fingerprint `json:"fingerprint"`
}

// ID returns a stable identifier for the output across trees.
func (o Output) ID() string { return o.Tree + "/" + o.Path }

func toSlash(p string) string {
	return strings.ReplaceAll(p, "\\", "/")
}
