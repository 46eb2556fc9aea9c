// Package pack bundles imported outputs into a distributable archive.
package pack

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// ErrPacking matches any PackingError.
var ErrPacking = errors.New("packing failed")

// PackingError reports a failed pack step. It never invalidates persisted
// import results.
type PackingError struct {
	Path  string
	Cause error
}

func (e *PackingError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("pack %s: %v", e.Path, e.Cause)
}

func (e *PackingError) Unwrap() error { return e.Cause }

func (e *PackingError) Is(target error) bool { return target == ErrPacking }

// Packer bundles outputs. touched lists the output paths written or removed
// in the cycle that triggered packing.
type Packer interface {
	Pack(ctx context.Context, touched []string) error
}

// Tree is one output directory packed under Name.
type Tree struct {
	Name string
	Dir  string
}

// epoch is the fixed modification time stored for every entry so that equal
// inputs produce byte-identical archives.
var epoch = time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC)

// ZipPacker writes every file of its trees into one zip archive, replacing
// the archive atomically. Entries are named "<tree>/<path>" and sorted.
type ZipPacker struct {
	Path  string
	Trees []Tree
}

// NewZipPacker creates a packer writing to path.
func NewZipPacker(path string, trees []Tree) *ZipPacker {
	return &ZipPacker{Path: path, Trees: trees}
}

type entry struct {
	name string
	src  string
}

func (p *ZipPacker) Pack(ctx context.Context, touched []string) error {
	if _, err := os.Stat(p.Path); err == nil && len(touched) == 0 {
		return nil
	}
	entries, err := p.collect(ctx)
	if err != nil {
		return &PackingError{Path: p.Path, Cause: err}
	}
	if err := p.write(ctx, entries); err != nil {
		return &PackingError{Path: p.Path, Cause: err}
	}
	return nil
}

func (p *ZipPacker) collect(ctx context.Context) ([]entry, error) {
	self := filepath.Clean(p.Path)
	var entries []entry
	for _, tree := range p.Trees {
		err := filepath.WalkDir(tree.Dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if path == tree.Dir && errors.Is(err, fs.ErrNotExist) {
					return fs.SkipAll
				}
				return err
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if strings.HasPrefix(d.Name(), ".") && path != tree.Dir {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if d.IsDir() || !d.Type().IsRegular() || filepath.Clean(path) == self {
				return nil
			}
			rel, err := filepath.Rel(tree.Dir, path)
			if err != nil {
				return err
			}
			entries = append(entries, entry{name: tree.Name + "/" + filepath.ToSlash(rel), src: path})
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("collecting %s: %w", tree.Name, err)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].name < entries[j].name })
	return entries, nil
}

func (p *ZipPacker) write(ctx context.Context, entries []entry) error {
	dir := filepath.Dir(p.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(p.Path)+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		_ = tmp.Close()
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	zw := zip.NewWriter(tmp)
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := addEntry(zw, e); err != nil {
			return fmt.Errorf("adding %s: %w", e.name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, p.Path); err != nil {
		return err
	}
	committed = true
	return nil
}

func addEntry(zw *zip.Writer, e entry) error {
	f, err := os.Open(e.src)
	if err != nil {
		return err
	}
	defer f.Close()

	hdr := &zip.FileHeader{Name: e.name, Method: zip.Deflate, Modified: epoch}
	hdr.SetMode(0o644)
	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, f)
	return err
}

// Func adapts a function to the Packer interface.
type Func func(ctx context.Context, touched []string) error

func (f Func) Pack(ctx context.Context, touched []string) error { return f(ctx, touched) }
