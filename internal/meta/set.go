package meta

import (
	"path/filepath"
	"sync"

	"assetweaver/internal/core"
)

// Resolved is the meta configuration governing one source file.
type Resolved struct {
	// Directory is the nearest enclosing directory meta, if any.
	Directory *File

	// Sidecar is the per-file meta, if any.
	Sidecar *File

	// Params are the directory parameters overlaid with the sidecar's.
	Params Params
}

// Dependencies returns the meta fingerprints the file depends on.
func (r Resolved) Dependencies() core.Dependencies {
	deps := core.Dependencies{}
	if r.Directory != nil {
		deps[core.DepDirectoryMeta+string(r.Directory.Source.Key)] = r.Directory.Fingerprint
	}
	if r.Sidecar != nil {
		deps[core.DepSidecarMeta+string(r.Sidecar.Source.Key)] = r.Sidecar.Fingerprint
	}
	return deps
}

// Set holds the meta files discovered in one scan. Files are parsed lazily
// and at most once. It is safe for concurrent use.
type Set struct {
	dirs     map[string]core.SourceFile
	dirPaths []string
	sidecars map[string]core.SourceFile

	mu     sync.Mutex
	loaded map[string]loadResult
}

type loadResult struct {
	file *File
	err  error
}

// NewSet indexes directory metas and sidecars (keyed by the owning asset's AbsPath).
func NewSet(dirMetas []core.SourceFile, sidecars map[string]core.SourceFile) *Set {
	s := &Set{
		dirs:     make(map[string]core.SourceFile, len(dirMetas)),
		dirPaths: make([]string, 0, len(dirMetas)),
		sidecars: sidecars,
		loaded:   make(map[string]loadResult),
	}
	for _, m := range dirMetas {
		s.dirs[m.AbsPath] = m
		s.dirPaths = append(s.dirPaths, m.AbsPath)
	}
	if s.sidecars == nil {
		s.sidecars = map[string]core.SourceFile{}
	}
	return s
}

// Len returns the number of known meta files.
func (s *Set) Len() int { return len(s.dirs) + len(s.sidecars) }

// Resolve returns the configuration governing asset.
func (s *Set) Resolve(asset core.SourceFile) (Resolved, error) {
	var r Resolved

	if mp, ok := Resolve(asset.AbsPath, s.dirPaths); ok {
		f, err := s.load(s.dirs[filepath.FromSlash(mp)])
		if err != nil {
			return Resolved{}, err
		}
		r.Directory = f
	}
	if sc, ok := s.sidecars[asset.AbsPath]; ok {
		f, err := s.load(sc)
		if err != nil {
			return Resolved{}, err
		}
		r.Sidecar = f
	}

	switch {
	case r.Directory != nil && r.Sidecar != nil:
		r.Params = Merge(r.Directory.Params, r.Sidecar.Params)
	case r.Directory != nil:
		r.Params = r.Directory.Params
	case r.Sidecar != nil:
		r.Params = r.Sidecar.Params
	default:
		r.Params = Params{}
	}
	return r, nil
}

func (s *Set) load(sf core.SourceFile) (*File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if res, ok := s.loaded[sf.AbsPath]; ok {
		return res.file, res.err
	}
	f, err := Load(sf)
	s.loaded[sf.AbsPath] = loadResult{file: f, err: err}
	return f, err
}
