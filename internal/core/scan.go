package core

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Root is one configured source root.
type Root struct {
	// Name identifies the root in configuration and logs.
	Name string

	// Path is the absolute OS path of the root directory.
	Path string

	// Namespace is the AssetKey namespace of files in this root.
	Namespace string

	// Codegen marks roots holding machine-generated sources.
	Codegen bool
}

// FileKind classifies a scanned file.
type FileKind int

const (
	KindAsset FileKind = iota
	KindDirectoryMeta
	KindSidecarMeta
	KindIgnored
)

// Classifier decides what a file (by base name) is. For a sidecar meta it
// also returns the base name of the asset the sidecar belongs to.
type Classifier func(name string) (kind FileKind, owner string)

// MetaClassifier recognises the directory meta file by exact name and sidecar
// metas by suffix. The owner of "hero.png.import.yaml" under suffix
// ".import.yaml" is "hero.png".
func MetaClassifier(directoryFile, sidecarSuffix string) Classifier {
	return func(name string) (FileKind, string) {
		switch {
		case name == directoryFile:
			return KindDirectoryMeta, ""
		case sidecarSuffix != "" && len(name) > len(sidecarSuffix) && strings.HasSuffix(name, sidecarSuffix):
			return KindSidecarMeta, strings.TrimSuffix(name, sidecarSuffix)
		default:
			return KindAsset, ""
		}
	}
}

// Duplicate records a key produced by more than one root. The first root in
// configuration order wins.
type Duplicate struct {
	Key     AssetKey
	Kept    string
	Ignored string
}

// ScanResult is the full set of files found in one scan.
type ScanResult struct {
	// Assets is sorted by Key.
	Assets []SourceFile

	// DirectoryMetas holds every directory meta file, sorted by AbsPath.
	DirectoryMetas []SourceFile

	// Sidecars maps an asset's AbsPath to its sidecar meta file.
	Sidecars map[string]SourceFile

	Duplicates []Duplicate
}

// Scanner enumerates source roots.
//
// Enumeration is deterministic:
//   - Roots are visited in configuration order.
//   - Directory entries are visited in lexical order.
//   - Hidden entries (leading '.') are skipped.
//   - Excluded directories (output trees, database directory) are pruned.
type Scanner struct {
	Roots    []Root
	Exclude  []string
	Classify Classifier
}

// NewScanner creates a scanner over roots, pruning the exclude directories.
func NewScanner(roots []Root, exclude []string, classify Classifier) *Scanner {
	cleaned := make([]string, 0, len(exclude))
	for _, e := range exclude {
		if strings.TrimSpace(e) == "" {
			continue
		}
		cleaned = append(cleaned, filepath.Clean(e))
	}
	return &Scanner{Roots: roots, Exclude: cleaned, Classify: classify}
}

// Scan walks every root and returns the classified files.
// A root that does not exist is treated as empty.
func (s *Scanner) Scan(ctx context.Context) (*ScanResult, error) {
	res := &ScanResult{Sidecars: make(map[string]SourceFile)}
	seen := make(map[AssetKey]string)

	for _, root := range s.Roots {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		info, err := os.Stat(root.Path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("stat root %q: %w", root.Name, err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("root %q is not a directory: %s", root.Name, root.Path)
		}

		if err := s.walkRoot(ctx, root, res, seen); err != nil {
			return nil, fmt.Errorf("scanning root %q: %w", root.Name, err)
		}
	}

	// Explicit sort: do not rely on walk order across roots.
	sort.Slice(res.Assets, func(i, j int) bool { return res.Assets[i].Key < res.Assets[j].Key })
	sort.Slice(res.DirectoryMetas, func(i, j int) bool {
		return res.DirectoryMetas[i].AbsPath < res.DirectoryMetas[j].AbsPath
	})
	return res, nil
}

func (s *Scanner) walkRoot(ctx context.Context, root Root, res *ScanResult, seen map[AssetKey]string) error {
	count := 0
	return filepath.WalkDir(root.Path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == root.Path {
				return err
			}
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}

		count++
		if count%256 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}

		name := d.Name()
		if d.IsDir() {
			if p != root.Path && (strings.HasPrefix(name, ".") || s.excluded(p)) {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(name, ".") || !d.Type().IsRegular() {
			return nil
		}

		kind, owner := KindAsset, ""
		if s.Classify != nil {
			kind, owner = s.Classify(name)
		}
		if kind == KindIgnored || (kind == KindSidecarMeta && owner == "") {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		rel, err := filepath.Rel(root.Path, p)
		if err != nil {
			return err
		}
		sf := SourceFile{
			Key:     NewAssetKey(root.Namespace, rel),
			Root:    root.Name,
			RelPath: filepath.ToSlash(rel),
			AbsPath: p,
			Size:    info.Size(),
			ModTime: info.ModTime(),
			Codegen: root.Codegen,
		}

		switch kind {
		case KindDirectoryMeta:
			res.DirectoryMetas = append(res.DirectoryMetas, sf)
		case KindSidecarMeta:
			res.Sidecars[filepath.Join(filepath.Dir(p), owner)] = sf
		default:
			if kept, dup := seen[sf.Key]; dup {
				res.Duplicates = append(res.Duplicates, Duplicate{Key: sf.Key, Kept: kept, Ignored: root.Name})
				return nil
			}
			seen[sf.Key] = root.Name
			res.Assets = append(res.Assets, sf)
		}
		return nil
	})
}

func (s *Scanner) excluded(dir string) bool {
	clean := filepath.Clean(dir)
	for _, e := range s.Exclude {
		if clean == e {
			return true
		}
	}
	return false
}
