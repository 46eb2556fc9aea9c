// Package importer turns one source file into output artifacts.
//
// Formats are registered in a Registry; the Worker runs one import, writes its
// artifacts atomically and reports an outcome for the database.
package importer

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"

	"assetweaver/internal/assetdb"
	"assetweaver/internal/meta"
)

// Artifact is one produced output. Path is a slash path relative to the
// output tree.
type Artifact struct {
	Path string
	Data []byte
}

// ImportFunc converts a source into artifacts.
type ImportFunc func(ctx context.Context, src *Source) ([]Artifact, error)

// Format is a registered importer.
type Format struct {
	ID      string
	Version int

	// Extensions are lower-case, dot-prefixed file extensions this format
	// claims when no importer parameter selects one.
	Extensions []string

	Import ImportFunc
}

// Ref returns the identity recorded in the database.
func (f Format) Ref() assetdb.ImporterRef {
	return assetdb.ImporterRef{ID: f.ID, Version: f.Version}
}

// ParamImporter names the meta parameter that selects a format by ID.
const ParamImporter = "importer"

// ParamSkip names the meta parameter that excludes a file from importing.
const ParamSkip = "skip"

// Registry maps format identifiers and extensions to formats.
type Registry struct {
	formats   map[string]Format
	byExt     map[string]string
	defaultID string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		formats: make(map[string]Format),
		byExt:   make(map[string]string),
	}
}

// Register adds f. Registering an ID twice or claiming an extension already
// claimed by another format is an error.
func (r *Registry) Register(f Format) error {
	if strings.TrimSpace(f.ID) == "" {
		return fmt.Errorf("format id is required")
	}
	if f.Import == nil {
		return fmt.Errorf("format %q has no import function", f.ID)
	}
	if f.Version < 1 {
		return fmt.Errorf("format %q: version must be >= 1", f.ID)
	}
	if _, dup := r.formats[f.ID]; dup {
		return fmt.Errorf("format %q already registered", f.ID)
	}
	for _, ext := range f.Extensions {
		ext = strings.ToLower(ext)
		if owner, taken := r.byExt[ext]; taken {
			return fmt.Errorf("extension %q already claimed by %q", ext, owner)
		}
	}
	r.formats[f.ID] = f
	for _, ext := range f.Extensions {
		r.byExt[strings.ToLower(ext)] = f.ID
	}
	return nil
}

// SetDefault selects the format used when nothing else matches.
func (r *Registry) SetDefault(id string) error {
	if _, ok := r.formats[id]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownFormat, id)
	}
	r.defaultID = id
	return nil
}

// Lookup returns the format registered under id.
func (r *Registry) Lookup(id string) (Format, bool) {
	f, ok := r.formats[id]
	return f, ok
}

// IDs returns the registered format IDs, sorted.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.formats))
	for id := range r.formats {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Select picks the format for a file: the importer parameter first, then the
// file extension, then the default.
func (r *Registry) Select(relPath string, params meta.Params) (Format, error) {
	if id, ok := params.String(ParamImporter); ok && id != "" {
		f, found := r.Lookup(id)
		if !found {
			return Format{}, fmt.Errorf("%w: %q", ErrUnknownFormat, id)
		}
		return f, nil
	}
	if id, ok := r.byExt[strings.ToLower(path.Ext(relPath))]; ok {
		if f, found := r.Lookup(id); found {
			return f, nil
		}
	}
	if f, found := r.Lookup(r.defaultID); found {
		return f, nil
	}
	return Format{}, fmt.Errorf("%w for %q", ErrUnknownFormat, relPath)
}

// DefaultRegistry returns a registry with the built-in formats and copy as
// the default.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, f := range []Format{CopyFormat(), TextFormat(), CommandFormat()} {
		if err := r.Register(f); err != nil {
			panic(err)
		}
	}
	if err := r.SetDefault(CopyFormatID); err != nil {
		panic(err)
	}
	return r
}
