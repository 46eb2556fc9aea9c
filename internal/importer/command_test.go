package importer

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"assetweaver/internal/meta"
)

func commandSource(t *testing.T, params meta.Params, data string) *Source {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "in.src")
	require.NoError(t, os.WriteFile(p, []byte(data), 0o644))
	return &Source{Key: "assets:in.src", RelPath: "in.src", AbsPath: p, Data: []byte(data), Params: params}
}

func TestCommandFormat_StdinToStdout(t *testing.T) {
	src := commandSource(t, meta.Params{ParamCommand: "tr a-z A-Z", ParamOutputExt: ".out", "env": map[string]any{"PATH": os.Getenv("PATH")}}, "hello")

	out, err := CommandFormat().Import(context.Background(), src)
	require.NoError(t, err)
	require.Equal(t, "in.out", out[0].Path)
	require.Equal(t, "HELLO", string(out[0].Data))
}

func TestCommandFormat_EnvironmentIsolated(t *testing.T) {
	t.Setenv("ASSETWEAVER_SECRET_TEST", "leaked")
	src := commandSource(t, meta.Params{ParamCommand: `printf "%s|%s" "$ASSETWEAVER_SECRET_TEST" "$MODE"`, "env": map[string]any{"MODE": "fast"}}, "")

	out, err := CommandFormat().Import(context.Background(), src)
	require.NoError(t, err)
	require.Equal(t, "|fast", string(out[0].Data))
}

func TestCommandFormat_NonZeroExit(t *testing.T) {
	src := commandSource(t, meta.Params{ParamCommand: "echo broken >&2; exit 3"}, "")

	_, err := CommandFormat().Import(context.Background(), src)
	require.Error(t, err)
	require.Contains(t, err.Error(), "status 3")
	require.Contains(t, err.Error(), "broken")
}

func TestCommandFormat_MissingCommand(t *testing.T) {
	_, err := CommandFormat().Import(context.Background(), commandSource(t, meta.Params{}, ""))
	require.Error(t, err)
}

func TestCommandFormat_Cancelled(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	src := commandSource(t, meta.Params{ParamCommand: "sleep 10"}, "")

	start := time.Now()
	_, err := CommandFormat().Import(ctx, src)
	require.Error(t, err)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, time.Since(start), 5*time.Second)
}
