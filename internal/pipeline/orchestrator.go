// Package pipeline drives scan, diff, import, persist and pack cycles over
// the configured source roots.
//
// The Orchestrator owns the asset database exclusively. Workers return
// outcomes; only the orchestrator commits them. A cycle sees an immutable
// scan snapshot: changes arriving while it runs trigger the next cycle.
package pipeline

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"assetweaver/internal/assetdb"
	"assetweaver/internal/core"
	"assetweaver/internal/importer"
	"assetweaver/internal/logging"
	"assetweaver/internal/metrics"
	"assetweaver/internal/pack"
)

// Config wires an Orchestrator.
type Config struct {
	Roots    []core.Root
	Exclude  []string
	Classify core.Classifier

	// OutputTrees maps a source root name to the output tree it writes into.
	OutputTrees map[string]string

	// Layout maps output tree names to directories.
	Layout assetdb.Layout

	DatabasePath string

	// Workers bounds concurrent imports. Values below 1 mean 1.
	Workers int

	// RebuildOnCorrupt quarantines an unreadable database and starts empty.
	RebuildOnCorrupt bool

	// JournalFile, when set, receives the canonical journal of every cycle.
	JournalFile string

	Registry *importer.Registry
	Packer   pack.Packer
	Logger   *logging.Logger
	Metrics  *metrics.Metrics

	// FingerprintCacheSize defaults to core.DefaultFingerprintCacheSize.
	FingerprintCacheSize int
}

// Orchestrator runs import cycles. RunOnce and Run must not be called
// concurrently.
type Orchestrator struct {
	cfg      Config
	db       *assetdb.Database
	scanner  *core.Scanner
	fp       *core.Fingerprinter
	worker   *importer.Worker
	log      *logging.Logger
	progress *Progress

	// echo maps the files the previous cycle wrote or removed to the
	// fingerprint they had when it finished. Directories map to "".
	echoMu sync.Mutex
	echo   map[string]core.Fingerprint

	now func() time.Time
}

// New validates cfg and loads the database.
//
// An unreadable database is fatal unless RebuildOnCorrupt is set, in which
// case the file is quarantined and the orchestrator starts empty.
func New(cfg Config) (*Orchestrator, error) {
	if len(cfg.Roots) == 0 {
		return nil, errors.New("pipeline: no source roots")
	}
	if cfg.DatabasePath == "" {
		return nil, errors.New("pipeline: database path is required")
	}
	if cfg.Classify == nil {
		return nil, errors.New("pipeline: classifier is required")
	}
	for _, r := range cfg.Roots {
		tree, ok := cfg.OutputTrees[r.Name]
		if !ok {
			return nil, fmt.Errorf("pipeline: source root %q has no output tree", r.Name)
		}
		if _, ok := cfg.Layout[tree]; !ok {
			return nil, fmt.Errorf("pipeline: output tree %q of root %q is not in the layout", tree, r.Name)
		}
	}
	if cfg.Registry == nil {
		cfg.Registry = importer.DefaultRegistry()
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.FingerprintCacheSize <= 0 {
		cfg.FingerprintCacheSize = core.DefaultFingerprintCacheSize
	}
	log := logging.OrNop(cfg.Logger)

	fp, err := core.NewFingerprinter(cfg.FingerprintCacheSize)
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}

	db, err := loadDatabase(cfg, log, time.Now)
	if err != nil {
		return nil, err
	}

	return &Orchestrator{
		cfg:      cfg,
		db:       db,
		scanner:  core.NewScanner(cfg.Roots, cfg.Exclude, cfg.Classify),
		fp:       fp,
		worker:   importer.NewWorker(importer.NewClaims(), log),
		log:      log,
		progress: newProgress(),
		echo:     map[string]core.Fingerprint{},
		now:      time.Now,
	}, nil
}

func loadDatabase(cfg Config, log *logging.Logger, now func() time.Time) (*assetdb.Database, error) {
	db, err := assetdb.Open(cfg.DatabasePath, cfg.Layout)
	if err == nil {
		log.Debug("database loaded", "path", cfg.DatabasePath, "records", db.Len())
		return db, nil
	}
	if !errors.Is(err, assetdb.ErrCorruptState) || !cfg.RebuildOnCorrupt {
		return nil, err
	}
	moved, qerr := assetdb.Quarantine(cfg.DatabasePath, now())
	if qerr != nil {
		return nil, errors.Join(err, qerr)
	}
	log.Warn("corrupt database quarantined, rebuilding from scratch", "path", cfg.DatabasePath, "quarantine", moved, "error", err)
	return assetdb.New(cfg.DatabasePath, cfg.Layout), nil
}

// Progress exposes the live progress surface.
func (o *Orchestrator) Progress() *Progress { return o.progress }

// Database returns the in-memory database. It must not be used while a cycle
// is running.
func (o *Orchestrator) Database() *assetdb.Database { return o.db }

func (o *Orchestrator) outputDir(root string) (tree, dir string) {
	tree = o.cfg.OutputTrees[root]
	return tree, o.cfg.Layout[tree]
}

// rememberEcho stores the paths this cycle wrote or removed with their
// current fingerprints, plus their parent directories inside the output trees.
func (o *Orchestrator) rememberEcho(paths []string) {
	echo := make(map[string]core.Fingerprint, len(paths))
	stops := make(map[string]struct{}, len(o.cfg.Layout))
	for _, dir := range o.cfg.Layout {
		stops[filepath.Clean(dir)] = struct{}{}
	}
	for _, p := range paths {
		p = filepath.Clean(p)
		fp, err := core.FingerprintPath(p)
		if err != nil {
			continue
		}
		echo[p] = fp
		for dir := filepath.Dir(p); ; dir = filepath.Dir(dir) {
			if _, stop := stops[dir]; stop || dir == filepath.Dir(dir) {
				break
			}
			if _, ok := echo[dir]; !ok {
				echo[dir] = ""
			}
		}
	}
	o.echoMu.Lock()
	o.echo = echo
	o.echoMu.Unlock()
}

// isEcho reports whether every path is one the previous cycle produced and
// every such file is still exactly as that cycle left it. The remembered set
// is consumed by the check.
func (o *Orchestrator) isEcho(paths []string) bool {
	o.echoMu.Lock()
	echo := o.echo
	o.echo = map[string]core.Fingerprint{}
	o.echoMu.Unlock()
	if len(paths) == 0 || len(echo) == 0 {
		return false
	}
	for _, p := range paths {
		want, ok := echo[filepath.Clean(p)]
		if !ok {
			return false
		}
		if want == "" {
			continue
		}
		got, err := core.FingerprintPath(p)
		if err != nil || got != want {
			return false
		}
	}
	return true
}
