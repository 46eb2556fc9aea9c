package importer

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"assetweaver/internal/core"
	"assetweaver/internal/meta"
)

// Source is the input handed to a format.
type Source struct {
	Key core.AssetKey

	// RelPath is the slash path relative to the source root.
	RelPath string

	// AbsPath is the OS path of the source file.
	AbsPath string

	// RootDir is the OS path of the source root. Include dependencies are
	// named relative to it.
	RootDir string

	Data    []byte
	Params  meta.Params
	Codegen bool

	mu       sync.Mutex
	includes core.Dependencies
}

// Include reads another file the import depends on and records its
// fingerprint. Relative paths resolve against the source file's directory.
// A missing include is recorded with MissingFingerprint so that creating it
// later invalidates this asset.
func (s *Source) Include(p string) ([]byte, error) {
	if !filepath.IsAbs(p) {
		p = filepath.Join(filepath.Dir(s.AbsPath), filepath.FromSlash(p))
	}
	p = filepath.Clean(p)
	name := core.IncludeDependency(s.RootDir, p)

	data, err := os.ReadFile(p)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.includes == nil {
		s.includes = core.Dependencies{}
	}
	if err != nil {
		if os.IsNotExist(err) {
			s.includes[name] = core.MissingFingerprint
		}
		return nil, fmt.Errorf("include %s: %w", p, err)
	}
	s.includes[name] = core.FingerprintBytes(data)
	return data, nil
}

// Includes returns the recorded include dependencies.
func (s *Source) Includes() core.Dependencies {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.includes.Clone()
}
