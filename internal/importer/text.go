package importer

import (
	"bytes"
	"context"
	"errors"
	"regexp"
	"unicode/utf8"
)

// TextFormatID normalizes text sources.
const TextFormatID = "text"

// ParamStripVolatile enables replacement of timestamps, process IDs and
// memory addresses with stable placeholders.
const ParamStripVolatile = "strip_volatile"

// TextFormat converts line endings to LF, ensures a trailing newline and,
// when requested, removes nondeterministic tokens.
func TextFormat() Format {
	n := newVolatileNormalizer()
	return Format{
		ID:         TextFormatID,
		Version:    1,
		Extensions: []string{".txt", ".md", ".csv", ".json", ".yaml", ".yml"},
		Import: func(_ context.Context, src *Source) ([]Artifact, error) {
			if !utf8.Valid(src.Data) {
				return nil, errNotText
			}
			out := normalizeLineEndings(src.Data)
			if src.Params.Bool(ParamStripVolatile) {
				out = n.normalize(out)
			}
			return []Artifact{{Path: outputPath(src), Data: out}}, nil
		},
	}
}

var errNotText = errors.New("source is not valid UTF-8")

func normalizeLineEndings(content []byte) []byte {
	out := bytes.ReplaceAll(content, []byte("\r\n"), []byte("\n"))
	out = bytes.ReplaceAll(out, []byte("\r"), []byte("\n"))
	if len(out) > 0 && out[len(out)-1] != '\n' {
		out = append(out, '\n')
	}
	return out
}

type volatilePattern struct {
	regex       *regexp.Regexp
	replacement []byte
}

type volatileNormalizer struct {
	patterns []volatilePattern
}

func newVolatileNormalizer() *volatileNormalizer {
	return &volatileNormalizer{
		patterns: []volatilePattern{
			// ISO 8601: 2024-12-13T10:30:45Z, 2024-12-13T10:30:45.123+02:00
			{
				regex:       regexp.MustCompile(`\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(\.\d+)?(Z|[+-]\d{2}:\d{2})?`),
				replacement: []byte("<TIMESTAMP>"),
			},
			// Log style: 2024-12-13 10:30:45, 2024/12/13 10:30:45
			{
				regex:       regexp.MustCompile(`\d{4}[-/]\d{2}[-/]\d{2}\s+\d{2}:\d{2}:\d{2}(\.\d+)?`),
				replacement: []byte("<TIMESTAMP>"),
			},
			{
				regex:       regexp.MustCompile(`\b[Pp][Ii][Dd][:\s]*\d+\b`),
				replacement: []byte("pid <PID>"),
			},
			{
				regex:       regexp.MustCompile(`0x[0-9a-fA-F]{8,16}`),
				replacement: []byte("<ADDR>"),
			},
		},
	}
}

func (n *volatileNormalizer) normalize(content []byte) []byte {
	out := content
	for _, p := range n.patterns {
		out = p.regex.ReplaceAll(out, p.replacement)
	}
	return out
}
