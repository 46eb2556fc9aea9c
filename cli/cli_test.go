package cli_test

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	icl "assetweaver/internal/cli"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func run(t *testing.T, ctx context.Context, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := icl.Run(ctx, args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func project(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "assets_src", "sprites", "hero.png"), "hero")
	writeFile(t, filepath.Join(dir, "shared_assets_src", "ui", "button.png"), "button")
	writeFile(t, filepath.Join(dir, "gen_src", "types.gen"), "types")
	return dir
}

func TestImport_DefaultLayoutAndIdempotence(t *testing.T) {
	dir := project(t)
	ctx := context.Background()

	code, out, errOut := run(t, ctx, "import", "--project", dir)
	require.Equal(t, icl.ExitSuccess, code, errOut)
	require.Contains(t, out, "SUCCESS")
	require.Contains(t, out, "imported=3")

	require.FileExists(t, filepath.Join(dir, "assets", "sprites", "hero.png"))
	require.FileExists(t, filepath.Join(dir, "assets", "ui", "button.png"))
	require.FileExists(t, filepath.Join(dir, "gen", "types.gen"))

	dbPath := filepath.Join(dir, "assets", ".assetweaver", "import-db.json")
	first, err := os.ReadFile(dbPath)
	require.NoError(t, err)

	code, out, errOut = run(t, ctx, "import", "--project", dir)
	require.Equal(t, icl.ExitSuccess, code, errOut)
	require.Contains(t, out, "stale=0")

	second, err := os.ReadFile(dbPath)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestImport_PartialFailureThenStatus(t *testing.T) {
	dir := project(t)
	writeFile(t, filepath.Join(dir, "assets_src", "tools", "_dir.meta"), "importer: command\ncommand: exit 3\n")
	writeFile(t, filepath.Join(dir, "assets_src", "tools", "broken.bin"), "x")
	ctx := context.Background()

	code, out, _ := run(t, ctx, "import", "--project", dir, "--workers", "2")
	require.Equal(t, icl.ExitPartialFailure, code)
	require.Contains(t, out, "failed assets:tools/broken.bin")
	require.FileExists(t, filepath.Join(dir, "assets", "sprites", "hero.png"), "siblings still imported")

	code, out, errOut := run(t, ctx, "status", "--project", dir, "--json")
	require.Equal(t, icl.ExitSuccess, code, errOut)

	var st struct {
		Exists   bool `json:"exists"`
		Records  int  `json:"records"`
		Failures []struct {
			Key    string `json:"key"`
			Reason string `json:"reason"`
		} `json:"failures"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	require.True(t, st.Exists)
	require.Equal(t, 3, st.Records)
	require.Len(t, st.Failures, 1)
	require.Equal(t, "assets:tools/broken.bin", st.Failures[0].Key)
}

func TestImport_CorruptDatabaseNeedsConsent(t *testing.T) {
	dir := project(t)
	dbPath := filepath.Join(dir, "assets", ".assetweaver", "import-db.json")
	writeFile(t, dbPath, "garbage")
	ctx := context.Background()

	code, _, errOut := run(t, ctx, "import", "--project", dir)
	require.Equal(t, icl.ExitConfigError, code)
	require.Contains(t, errOut, "corrupt")

	code, _, errOut = run(t, ctx, "import", "--project", dir, "--rebuild-on-corrupt")
	require.Equal(t, icl.ExitSuccess, code, errOut)
	matches, _ := filepath.Glob(dbPath + ".corrupt-*")
	require.Len(t, matches, 1)
}

func TestImport_PackAndJournal(t *testing.T) {
	dir := project(t)
	journal := filepath.Join(dir, "journal.json")

	code, out, errOut := run(t, context.Background(), "import", "--project", dir, "--pack", "--journal", journal)
	require.Equal(t, icl.ExitSuccess, code, errOut)
	require.Contains(t, out, "journal ")

	zr, err := zip.OpenReader(filepath.Join(dir, "assets.pack.zip"))
	require.NoError(t, err)
	defer zr.Close()
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	require.Equal(t, []string{"assets/sprites/hero.png", "assets/ui/button.png", "gen/types.gen"}, names)

	data, err := os.ReadFile(journal)
	require.NoError(t, err)
	require.Contains(t, string(data), "AssetImported")
}

func TestImport_ConfigFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "art", "a.txt"), "line one\r\nline two")
	cfgPath := filepath.Join(dir, "assetweaver.yaml")
	writeFile(t, cfgPath, `
sources:
  - name: art
    path: art
    namespace: assets
    output: build
outputs:
  - name: build
    path: out/build
log:
  mode: prod
`)
	code, _, errOut := run(t, context.Background(), "import", "--config", cfgPath)
	require.Equal(t, icl.ExitSuccess, code, errOut)

	data, err := os.ReadFile(filepath.Join(dir, "out", "build", "a.txt"))
	require.NoError(t, err)
	require.Equal(t, "line one\nline two\n", string(data))
}

func TestImport_InvalidConfig(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "assetweaver.yaml"), `
sources:
  - name: art
    path: art
    namespace: assets
    output: nowhere
`)
	code, _, errOut := run(t, context.Background(), "import", "--project", dir)
	require.Equal(t, icl.ExitConfigError, code)
	require.Contains(t, errOut, `unknown output "nowhere"`)
}

func TestWatch_ImportsNewFilesUntilCancelled(t *testing.T) {
	dir := project(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan int, 1)
	var stderr bytes.Buffer
	go func() {
		done <- icl.Run(ctx, []string{"watch", "--project", dir, "--poll", "50ms"}, &bytes.Buffer{}, &stderr)
	}()

	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(dir, "assets", "sprites", "hero.png"))
		return err == nil
	}, 10*time.Second, 20*time.Millisecond)

	writeFile(t, filepath.Join(dir, "assets_src", "late.png"), "late")
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(filepath.Join(dir, "assets", "late.png"))
		return err == nil && strings.TrimSpace(string(data)) == "late"
	}, 10*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case code := <-done:
		require.Equal(t, icl.ExitSuccess, code)
	case <-time.After(10 * time.Second):
		t.Fatal("watch did not stop")
	}
}
