package importer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"

	"assetweaver/internal/assetdb"
	"assetweaver/internal/core"
	"assetweaver/internal/logging"
	"assetweaver/internal/meta"
)

// Job is one asset to import.
type Job struct {
	File   core.SourceFile
	Meta   meta.Resolved
	Format Format

	// OutputTree is the configured name of the tree outputs are written to.
	OutputTree string

	// OutputDir is the OS directory of OutputTree.
	OutputDir string
}

// Result is the worker's report for one job.
type Result struct {
	Outcome assetdb.Outcome

	// Err is the failure cause when the outcome is a failure.
	Err error

	// Written lists the OS paths of outputs written.
	Written []string

	Duration time.Duration
}

// Cancelled reports whether the job failed only because ctx was cancelled.
func (r Result) Cancelled() bool {
	return r.Err != nil && (errors.Is(r.Err, context.Canceled) || errors.Is(r.Err, context.DeadlineExceeded))
}

// Claims tracks which asset owns each output path so that two assets never
// silently overwrite each other. It is safe for concurrent use.
type Claims struct {
	mu     sync.Mutex
	owners map[string]core.AssetKey
}

// NewClaims returns an empty claim table.
func NewClaims() *Claims {
	return &Claims{owners: make(map[string]core.AssetKey)}
}

// Seed records existing ownership without conflict checks.
func (c *Claims) Seed(key core.AssetKey, outputs []core.Output) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, o := range outputs {
		c.owners[o.ID()] = key
	}
}

func (c *Claims) claim(key core.AssetKey, ids []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		if owner, ok := c.owners[id]; ok && owner != key {
			return fmt.Errorf("output %s already produced by %s", id, owner)
		}
	}
	for _, id := range ids {
		c.owners[id] = key
	}
	return nil
}

// Worker runs imports. Workers for distinct keys share no mutable state other
// than the claim table.
type Worker struct {
	Claims *Claims
	Logger *logging.Logger
	now    func() time.Time
}

// NewWorker creates a worker. claims may be nil.
func NewWorker(claims *Claims, log *logging.Logger) *Worker {
	if claims == nil {
		claims = NewClaims()
	}
	return &Worker{Claims: claims, Logger: logging.OrNop(log), now: time.Now}
}

// ImportOne reads the source, runs its format and writes the artifacts.
//
// It never panics and never returns an error: every failure, including a
// panic inside the format, becomes a failure outcome.
func (w *Worker) ImportOne(ctx context.Context, job Job) (res Result) {
	start := w.now()
	key := job.File.Key
	defer func() {
		if r := recover(); r != nil {
			w.Logger.Error("import panicked", "key", key, "panic", r, "stack", string(debug.Stack()))
			res = failed(key, "", &ImportError{Key: key, Format: job.Format.ID, Stage: "import", Cause: fmt.Errorf("panic: %v", r)})
		}
		res.Duration = w.now().Sub(start)
	}()

	if err := ctx.Err(); err != nil {
		return failed(key, "", &ImportError{Key: key, Format: job.Format.ID, Stage: "start", Cause: err})
	}

	data, err := os.ReadFile(job.File.AbsPath)
	if err != nil {
		return failed(key, "", &ImportError{Key: key, Format: job.Format.ID, Stage: "read", Cause: err})
	}
	srcFP := core.FingerprintBytes(data)

	src := &Source{
		Key:     key,
		RelPath: job.File.RelPath,
		AbsPath: job.File.AbsPath,
		RootDir: job.File.RootDir(),
		Data:    data,
		Params:  job.Meta.Params,
		Codegen: job.File.Codegen,
	}
	if src.Params == nil {
		src.Params = meta.Params{}
	}

	artifacts, err := job.Format.Import(ctx, src)
	if err != nil {
		return failed(key, srcFP, &ImportError{Key: key, Format: job.Format.ID, Stage: "import", Cause: err})
	}

	outputs, err := outputsFor(job.OutputTree, artifacts)
	if err != nil {
		return failed(key, srcFP, &ImportError{Key: key, Format: job.Format.ID, Stage: "validate", Cause: err})
	}
	ids := make([]string, len(outputs))
	for i, o := range outputs {
		ids[i] = o.ID()
	}
	if err := w.Claims.claim(key, ids); err != nil {
		return failed(key, srcFP, &ImportError{Key: key, Format: job.Format.ID, Stage: "claim", Cause: err})
	}

	written, err := writeArtifacts(ctx, job.OutputDir, artifacts)
	if err != nil {
		return failed(key, srcFP, &ImportError{Key: key, Format: job.Format.ID, Stage: "write", Cause: err})
	}

	deps := job.Meta.Dependencies()
	deps.Merge(src.Includes())

	rec := &assetdb.ImportRecord{
		SourceRoot:        job.File.Root,
		SourcePath:        job.File.RelPath,
		SourceFingerprint: srcFP,
		ModTime:           job.File.ModTime.UTC(),
		Importer:          job.Format.Ref(),
		Outputs:           outputs,
		Dependencies:      deps,
		Codegen:           job.File.Codegen,
	}
	return Result{Outcome: assetdb.Outcome{Key: key, Record: rec}, Written: written}
}

func failed(key core.AssetKey, fp core.Fingerprint, err error) Result {
	return Result{
		Outcome: assetdb.Outcome{Key: key, Failure: &assetdb.FailureRecord{Reason: err.Error(), SourceFingerprint: fp}},
		Err:     err,
	}
}

func outputsFor(tree string, artifacts []Artifact) ([]core.Output, error) {
	outputs := make([]core.Output, 0, len(artifacts))
	seen := make(map[string]struct{}, len(artifacts))
	for _, a := range artifacts {
		o := core.Output{Tree: tree, Path: a.Path, Fingerprint: core.FingerprintBytes(a.Data)}
		if err := assetdb.ValidateOutput(o); err != nil {
			return nil, fmt.Errorf("artifact %q: %w", a.Path, err)
		}
		if _, dup := seen[a.Path]; dup {
			return nil, fmt.Errorf("artifact %q produced twice", a.Path)
		}
		seen[a.Path] = struct{}{}
		outputs = append(outputs, o)
	}
	return outputs, nil
}

// writeArtifacts stages every artifact in a temp file next to its target and
// only then renames them into place, so a failure before the rename phase
// leaves previous outputs untouched.
func writeArtifacts(ctx context.Context, outDir string, artifacts []Artifact) ([]string, error) {
	type staged struct{ tmp, dst string }
	var pending []staged
	committed := false
	defer func() {
		if committed {
			return
		}
		for _, s := range pending {
			_ = os.Remove(s.tmp)
		}
	}()

	for _, a := range artifacts {
		dst := filepath.Join(outDir, filepath.FromSlash(a.Path))
		tmp, err := stageFile(dst, a.Data)
		if err != nil {
			return nil, err
		}
		pending = append(pending, staged{tmp: tmp, dst: dst})
	}

	// Last point at which cancellation is honoured; renames are not interrupted.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	written := make([]string, 0, len(pending))
	for _, s := range pending {
		if err := os.Rename(s.tmp, s.dst); err != nil {
			return written, err
		}
		written = append(written, s.dst)
	}
	committed = true
	return written, nil
}

func stageFile(dst string, data []byte) (string, error) {
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(dst)+".tmp.*")
	if err != nil {
		return "", err
	}
	name := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(name)
		return "", err
	}
	if err := f.Chmod(0o644); err != nil {
		f.Close()
		os.Remove(name)
		return "", err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(name)
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(name)
		return "", err
	}
	return name, nil
}
