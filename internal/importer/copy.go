package importer

import (
	"context"
	"path"
	"strings"
)

// CopyFormatID is the passthrough format.
const CopyFormatID = "copy"

// ParamOutputExt replaces the source extension on the output path.
const ParamOutputExt = "output_ext"

// CopyFormat writes the source bytes unchanged.
func CopyFormat() Format {
	return Format{
		ID:      CopyFormatID,
		Version: 1,
		Import: func(_ context.Context, src *Source) ([]Artifact, error) {
			return []Artifact{{Path: outputPath(src), Data: src.Data}}, nil
		},
	}
}

// outputPath mirrors the source path, with the extension replaced when the
// output_ext parameter is set.
func outputPath(src *Source) string {
	rel := src.RelPath
	ext, ok := src.Params.String(ParamOutputExt)
	if !ok {
		return rel
	}
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return strings.TrimSuffix(rel, path.Ext(rel)) + ext
}
