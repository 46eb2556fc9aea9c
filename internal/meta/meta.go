// Package meta loads directory and sidecar meta files and resolves which of
// them govern a given source file.
package meta

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"assetweaver/internal/core"
)

// Params is the parameter bag parsed from a meta file.
type Params map[string]any

// File is a parsed meta file.
type File struct {
	// Source is the scanned meta file itself.
	Source core.SourceFile

	Params      Params
	Fingerprint core.Fingerprint
}

// Load reads and parses the meta file described by sf.
// An empty file yields empty parameters.
func Load(sf core.SourceFile) (*File, error) {
	data, err := os.ReadFile(sf.AbsPath)
	if err != nil {
		return nil, fmt.Errorf("reading meta %s: %w", sf.Key, err)
	}
	params, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parsing meta %s: %w", sf.Key, err)
	}
	return &File{Source: sf, Params: params, Fingerprint: core.FingerprintBytes(data)}, nil
}

// Parse decodes YAML meta content. The document must be a mapping.
func Parse(data []byte) (Params, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	if raw == nil {
		raw = map[string]any{}
	}
	return Params(raw), nil
}

// Merge returns base overlaid with override. Neither input is modified.
func Merge(base, override Params) Params {
	out := make(Params, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}

// String returns the string parameter key.
func (p Params) String(key string) (string, bool) {
	v, ok := p[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Bool returns the boolean parameter key; missing or non-boolean values are false.
func (p Params) Bool(key string) bool {
	b, _ := p[key].(bool)
	return b
}

// StringMap returns a mapping parameter with every value rendered as a string.
func (p Params) StringMap(key string) map[string]string {
	raw, ok := p[key].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		out[k] = fmt.Sprint(v)
	}
	return out
}

// Keys returns the parameter names in sorted order.
func (p Params) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
