package importer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"assetweaver/internal/core"
	"assetweaver/internal/meta"
)

func sourceFile(t *testing.T, root, rel, content string) core.SourceFile {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return core.SourceFile{Key: core.NewAssetKey("assets", rel), Root: "assets_src", RelPath: rel, AbsPath: p}
}

func scripted(id string, fn ImportFunc) Format {
	return Format{ID: id, Version: 1, Import: fn}
}

func TestImportOne_Success(t *testing.T) {
	src := t.TempDir()
	out := t.TempDir()
	sf := sourceFile(t, src, "tex/a.png", "pixels")

	job := Job{File: sf, Format: CopyFormat(), OutputTree: "assets", OutputDir: out, Meta: meta.Resolved{Params: meta.Params{}}}
	res := NewWorker(nil, nil).ImportOne(context.Background(), job)

	require.NoError(t, res.Err)
	require.True(t, res.Outcome.Succeeded())
	rec := res.Outcome.Record
	require.Equal(t, core.FingerprintBytes([]byte("pixels")), rec.SourceFingerprint)
	require.Equal(t, "copy", rec.Importer.ID)
	require.Len(t, rec.Outputs, 1)
	require.Equal(t, core.Output{Tree: "assets", Path: "tex/a.png", Fingerprint: core.FingerprintBytes([]byte("pixels"))}, rec.Outputs[0])

	data, err := os.ReadFile(filepath.Join(out, "tex", "a.png"))
	require.NoError(t, err)
	require.Equal(t, "pixels", string(data))
}

func TestImportOne_ImporterErrorBecomesFailure(t *testing.T) {
	src := t.TempDir()
	out := t.TempDir()
	sf := sourceFile(t, src, "a.png", "x")

	boom := errors.New("unsupported channel layout")
	job := Job{File: sf, OutputTree: "assets", OutputDir: out, Format: scripted("bad", func(context.Context, *Source) ([]Artifact, error) {
		return nil, boom
	})}
	res := NewWorker(nil, nil).ImportOne(context.Background(), job)

	require.False(t, res.Outcome.Succeeded())
	require.ErrorIs(t, res.Err, boom)
	var ie *ImportError
	require.ErrorAs(t, res.Err, &ie)
	require.Equal(t, "import", ie.Stage)
	require.Contains(t, res.Outcome.Failure.Reason, "unsupported channel layout")
}

func TestImportOne_PanicBecomesFailure(t *testing.T) {
	sf := sourceFile(t, t.TempDir(), "a.png", "x")
	job := Job{File: sf, OutputTree: "assets", OutputDir: t.TempDir(), Format: scripted("panicky", func(context.Context, *Source) ([]Artifact, error) {
		panic("nil texture")
	})}

	res := NewWorker(nil, nil).ImportOne(context.Background(), job)
	require.False(t, res.Outcome.Succeeded())
	require.Contains(t, res.Outcome.Failure.Reason, "nil texture")
}

func TestImportOne_RejectsEscapingOutput(t *testing.T) {
	out := t.TempDir()
	sf := sourceFile(t, t.TempDir(), "a.png", "x")
	job := Job{File: sf, OutputTree: "assets", OutputDir: out, Format: scripted("evil", func(context.Context, *Source) ([]Artifact, error) {
		return []Artifact{{Path: "../outside.bin", Data: []byte("x")}}, nil
	})}

	res := NewWorker(nil, nil).ImportOne(context.Background(), job)
	require.False(t, res.Outcome.Succeeded())
	_, err := os.Stat(filepath.Join(filepath.Dir(out), "outside.bin"))
	require.True(t, os.IsNotExist(err))
}

func TestImportOne_IncludesRecorded(t *testing.T) {
	src := t.TempDir()
	sf := sourceFile(t, src, "ui/a.txt", "body")
	sourceFile(t, src, "ui/palette.inc", "red")

	job := Job{File: sf, OutputTree: "assets", OutputDir: t.TempDir(), Format: scripted("inc", func(_ context.Context, s *Source) ([]Artifact, error) {
		inc, err := s.Include("palette.inc")
		if err != nil {
			return nil, err
		}
		_, _ = s.Include("optional.inc")
		return []Artifact{{Path: s.RelPath, Data: append(s.Data, inc...)}}, nil
	})}

	res := NewWorker(nil, nil).ImportOne(context.Background(), job)
	require.NoError(t, res.Err)

	deps := res.Outcome.Record.Dependencies
	require.Equal(t, core.FingerprintBytes([]byte("red")), deps[core.DepInclude+"ui/palette.inc"])
	require.Equal(t, core.MissingFingerprint, deps[core.DepInclude+"ui/optional.inc"])
}

func TestImportOne_ClaimConflict(t *testing.T) {
	out := t.TempDir()
	claims := NewClaims()
	claims.Seed("assets:other.png", []core.Output{{Tree: "assets", Path: "shared.bin"}})

	sf := sourceFile(t, t.TempDir(), "a.png", "x")
	job := Job{File: sf, OutputTree: "assets", OutputDir: out, Format: scripted("s", func(context.Context, *Source) ([]Artifact, error) {
		return []Artifact{{Path: "shared.bin", Data: []byte("mine")}}, nil
	})}

	res := NewWorker(claims, nil).ImportOne(context.Background(), job)
	require.False(t, res.Outcome.Succeeded())
	require.Contains(t, res.Outcome.Failure.Reason, "assets:other.png")
	_, err := os.Stat(filepath.Join(out, "shared.bin"))
	require.True(t, os.IsNotExist(err))
}

func TestImportOne_CancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sf := sourceFile(t, t.TempDir(), "a.png", "x")

	res := NewWorker(nil, nil).ImportOne(ctx, Job{File: sf, Format: CopyFormat(), OutputTree: "assets", OutputDir: t.TempDir()})
	require.True(t, res.Cancelled())
}

func TestImportOne_FailedWriteKeepsPreviousOutputs(t *testing.T) {
	out := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(out, "a.bin"), []byte("last good"), 0o644))
	// A directory where the second artifact's parent should be makes staging fail.
	require.NoError(t, os.WriteFile(filepath.Join(out, "blocked"), []byte{}, 0o644))

	sf := sourceFile(t, t.TempDir(), "a.png", "x")
	job := Job{File: sf, OutputTree: "assets", OutputDir: out, Format: scripted("two", func(context.Context, *Source) ([]Artifact, error) {
		return []Artifact{{Path: "a.bin", Data: []byte("new")}, {Path: "blocked/b.bin", Data: []byte("new")}}, nil
	})}

	res := NewWorker(nil, nil).ImportOne(context.Background(), job)
	require.False(t, res.Outcome.Succeeded())

	data, err := os.ReadFile(filepath.Join(out, "a.bin"))
	require.NoError(t, err)
	require.Equal(t, "last good", string(data))

	entries, err := os.ReadDir(out)
	require.NoError(t, err)
	require.Len(t, entries, 2, "staged temp files must be cleaned up")
}
