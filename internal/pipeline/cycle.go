package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"assetweaver/internal/assetdb"
	"assetweaver/internal/core"
	"assetweaver/internal/importer"
	"assetweaver/internal/meta"
	"assetweaver/internal/trace"
)

// RunOptions are per-invocation settings.
type RunOptions struct {
	// Pack runs the packer after a cycle that persisted successfully.
	Pack bool

	// Trigger labels what started the cycle, e.g. "manual" or "watch".
	Trigger string
}

// Failure is one asset that failed this cycle.
type Failure struct {
	Key    core.AssetKey `json:"key"`
	Reason string        `json:"reason"`
}

// Report summarizes one cycle.
type Report struct {
	CycleID string
	Trigger string
	Result  Result
	Counts  Counts

	// NoOp is set when nothing was stale, orphaned or unsaved.
	NoOp bool

	Failures   []Failure
	Duplicates []core.Duplicate

	// Written and Removed are OS paths of outputs touched this cycle.
	Written []string
	Removed []string

	Journal     trace.Journal
	JournalHash string

	// PackErr is a packer failure. It never changes Result.
	PackErr error

	Duration time.Duration
}

// plan is one candidate ready for diffing.
type plan struct {
	file      core.SourceFile
	resolved  meta.Resolved
	format    importer.Format
	candidate assetdb.Candidate

	// err is set when the candidate cannot be imported as configured, for
	// example because its meta does not parse.
	err error
}

// cycle carries the mutable state of one RunOnce call.
type cycle struct {
	o       *Orchestrator
	id      string
	opts    RunOptions
	stage   Stage
	rec     *trace.Recorder
	report  *Report
	started time.Time
}

func (c *cycle) advance(to Stage) error {
	if err := transition(c.stage, to); err != nil {
		return err
	}
	c.stage = to
	c.o.progress.update(func(s *Snapshot) { s.Stage = to })
	return nil
}

func (c *cycle) counts(fn func(*Counts)) {
	fn(&c.report.Counts)
	counts := c.report.Counts
	c.o.progress.update(func(s *Snapshot) { s.Counts = counts })
}

// RunOnce runs one full cycle.
//
// Per-asset failures never produce an error; they are reported with
// ResultPartialFailure. A scan error or a persistence failure ends the cycle
// with ResultFatal and an error. A cancelled ctx ends the cycle with
// ResultCancelled and ctx.Err(). When that happens during Importing, no
// further imports start and finished outcomes are committed and persisted.
func (o *Orchestrator) RunOnce(ctx context.Context, opts RunOptions) (*Report, error) {
	if opts.Trigger == "" {
		opts.Trigger = "manual"
	}
	c := &cycle{
		o:       o,
		id:      uuid.NewString(),
		opts:    opts,
		stage:   StageIdle,
		rec:     trace.NewRecorder(),
		started: o.now(),
	}
	c.report = &Report{CycleID: c.id, Trigger: opts.Trigger}
	o.progress.update(func(s *Snapshot) {
		*s = Snapshot{CycleID: c.id, Trigger: opts.Trigger, Stage: StageIdle}
	})

	ctx, span := trace.Tracer().Start(ctx, "cycle", oteltrace.WithAttributes(
		attribute.String("cycle.id", c.id),
		attribute.String("cycle.trigger", opts.Trigger),
	))
	defer span.End()

	o.log.Info("cycle started", "cycle", c.id, "trigger", opts.Trigger)

	err := c.run(ctx)
	c.finish(err)

	span.SetAttributes(attribute.String("cycle.result", string(c.report.Result)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return c.report, err
}

func (c *cycle) run(ctx context.Context) error {
	o := c.o

	if err := c.advance(StageScanning); err != nil {
		return err
	}
	plans, err := c.scan(ctx)
	if err != nil {
		return err
	}

	if err := c.advance(StageDiffing); err != nil {
		return err
	}
	diff, stale := c.diff(ctx, plans)
	if err := ctx.Err(); err != nil {
		return err
	}

	if len(stale) == 0 && len(diff.Orphans) == 0 {
		if !o.db.Dirty() {
			c.report.NoOp = true
			o.log.Debug("nothing to import", "cycle", c.id)
			return nil
		}
		// An earlier persist failed; retry it.
		if err := c.advance(StagePersisting); err != nil {
			return err
		}
		return c.persist(ctx, nil)
	}

	if err := c.advance(StageImporting); err != nil {
		return err
	}
	outcomes, importErr := c.importStage(ctx, diff, stale)

	// Persisting always runs once Importing started so that finished work
	// survives cancellation.
	if err := c.advance(StagePersisting); err != nil {
		return err
	}
	if err := c.persist(ctx, outcomes); err != nil {
		return err
	}
	if importErr != nil {
		return importErr
	}

	if c.opts.Pack && o.cfg.Packer != nil {
		if err := c.advance(StagePacking); err != nil {
			return err
		}
		c.pack(ctx)
	}
	return nil
}

func (c *cycle) stageSpan(ctx context.Context, stage Stage) (context.Context, func()) {
	start := c.o.now()
	ctx, span := trace.Tracer().Start(ctx, string(stage))
	return ctx, func() {
		span.End()
		c.o.cfg.Metrics.ObserveStage(string(stage), c.o.now().Sub(start))
	}
}

// scan enumerates sources and turns each into a candidate.
func (c *cycle) scan(ctx context.Context) ([]plan, error) {
	o := c.o
	ctx, end := c.stageSpan(ctx, StageScanning)
	defer end()

	res, err := o.scanner.Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}
	for _, d := range res.Duplicates {
		o.log.Warn("duplicate asset key ignored", "key", d.Key, "kept", d.Kept, "ignored", d.Ignored)
	}
	c.report.Duplicates = res.Duplicates

	metas := meta.NewSet(res.DirectoryMetas, res.Sidecars)
	plans := make([]plan, 0, len(res.Assets))
	for _, file := range res.Assets {
		p, ok := c.planFor(file, metas)
		if ok {
			plans = append(plans, p)
		}
	}
	c.counts(func(n *Counts) { n.Scanned = len(plans) })
	o.log.Debug("scan complete", "cycle", c.id, "assets", len(plans), "metas", metas.Len())
	return plans, nil
}

func (c *cycle) planFor(file core.SourceFile, metas *meta.Set) (plan, bool) {
	o := c.o
	p := plan{file: file}

	srcFP, _, err := o.fp.File(file.AbsPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// Removed since the scan; the next cycle sees it as an orphan.
			return plan{}, false
		}
		p.err = err
	}
	p.candidate.Key = file.Key
	p.candidate.Fingerprint = srcFP

	resolved, err := metas.Resolve(file)
	if err != nil {
		if p.err == nil {
			p.err = fmt.Errorf("meta: %w", err)
		}
		return p, true
	}
	if resolved.Params.Bool(importer.ParamSkip) {
		return plan{}, false
	}
	p.resolved = resolved

	format, err := o.cfg.Registry.Select(file.RelPath, resolved.Params)
	if err != nil {
		if p.err == nil {
			p.err = err
		}
		return p, true
	}
	p.format = format
	p.candidate.Importer = format.Ref()

	deps := resolved.Dependencies()
	if rec, ok := o.db.Record(file.Key); ok {
		for _, inc := range rec.Includes() {
			fp, err := o.fp.FileOrMissing(core.IncludePath(file.RootDir(), inc))
			if err != nil {
				o.log.Warn("include unreadable", "key", file.Key, "include", inc, "error", err)
				fp = core.MissingFingerprint
			}
			deps[core.DepInclude+inc] = fp
		}
	}
	p.candidate.Dependencies = deps
	p.candidate.OutputsBroken = !o.db.VerifyOutputs(file.Key, o.fp)
	return p, true
}

// diff returns the database diff and the plans that must run, in key order.
// Plans that cannot be imported are always included.
func (c *cycle) diff(ctx context.Context, plans []plan) (assetdb.DiffResult, []plan) {
	_, end := c.stageSpan(ctx, StageDiffing)
	defer end()

	candidates := make([]assetdb.Candidate, len(plans))
	for i, p := range plans {
		candidates[i] = p.candidate
	}
	diff := c.o.db.Diff(candidates)

	unplanned := make(map[core.AssetKey]struct{})
	for _, p := range plans {
		if p.err != nil {
			unplanned[p.file.Key] = struct{}{}
		}
	}
	var recovered []core.AssetKey
	for _, key := range diff.Recovered {
		if _, ok := unplanned[key]; !ok {
			recovered = append(recovered, key)
		}
	}
	if n := c.o.db.ClearFailures(recovered); n > 0 {
		c.o.log.Info("failures cleared, sources match last import", "cycle", c.id, "count", n)
	}

	var stale []plan
	for _, p := range plans {
		reason, ok := diff.Reasons[p.file.Key]
		if !ok && p.err == nil {
			continue
		}
		if !ok {
			reason = assetdb.ReasonFailed
		}
		stale = append(stale, p)
		importerRef := ""
		if p.err == nil {
			importerRef = p.candidate.Importer.String()
		}
		trace.SafeRecord(c.rec, trace.Event{
			Kind:     trace.EventAssetStale,
			Key:      string(p.file.Key),
			Reason:   string(reason),
			Importer: importerRef,
		})
	}
	c.counts(func(n *Counts) { n.Stale = len(stale) })
	c.o.cfg.Metrics.AddAssets("stale", len(stale))
	return diff, stale
}

// importStage removes orphans and dispatches the stale plans, codegen first.
func (c *cycle) importStage(ctx context.Context, diff assetdb.DiffResult, stale []plan) ([]assetdb.Outcome, error) {
	o := c.o
	ctx, end := c.stageSpan(ctx, StageImporting)
	defer end()

	c.removeOrphans(diff.Orphans)

	claims := importer.NewClaims()
	for _, key := range o.db.Keys() {
		rec, _ := o.db.Record(key)
		claims.Seed(key, rec.Outputs)
	}
	o.worker.Claims = claims

	var codegen, regular []plan
	for _, p := range stale {
		if p.file.Codegen {
			codegen = append(codegen, p)
		} else {
			regular = append(regular, p)
		}
	}

	var outcomes []assetdb.Outcome
	for _, batch := range [][]plan{codegen, regular} {
		if err := ctx.Err(); err != nil {
			break
		}
		outcomes = append(outcomes, c.dispatch(ctx, batch)...)
	}
	return outcomes, ctx.Err()
}

func (c *cycle) removeOrphans(orphans []core.AssetKey) {
	if len(orphans) == 0 {
		return
	}
	o := c.o
	before := make(map[core.AssetKey]assetdb.ImportRecord, len(orphans))
	for _, key := range orphans {
		if rec, ok := o.db.Record(key); ok {
			before[key] = rec
		}
	}

	deleted, err := o.db.RemoveOrphans(orphans)
	if err != nil {
		o.log.Warn("orphan cleanup incomplete", "cycle", c.id, "error", err)
	}
	c.report.Removed = append(c.report.Removed, deleted...)

	removed := 0
	for _, key := range orphans {
		if _, still := o.db.Record(key); still {
			continue
		}
		removed++
		var outs []string
		for _, out := range before[key].Outputs {
			outs = append(outs, out.ID())
		}
		trace.SafeRecord(c.rec, trace.Event{Kind: trace.EventAssetOrphaned, Key: string(key), Outputs: outs})
		o.log.Info("orphan removed", "key", key, "outputs", len(outs))
	}
	c.counts(func(n *Counts) { n.Orphaned = removed })
	o.cfg.Metrics.AddAssets("orphaned", removed)
}

// dispatch runs one batch on the bounded pool and returns the outcomes that
// were not cut short by cancellation.
func (c *cycle) dispatch(ctx context.Context, batch []plan) []assetdb.Outcome {
	o := c.o
	results := make([]*importer.Result, len(batch))

	var g errgroup.Group
	g.SetLimit(o.cfg.Workers)
	for i, p := range batch {
		if ctx.Err() != nil {
			break
		}
		if p.err != nil {
			r := importer.Result{
				Outcome: assetdb.Outcome{Key: p.file.Key, Failure: &assetdb.FailureRecord{
					Reason:            p.err.Error(),
					SourceFingerprint: p.candidate.Fingerprint,
				}},
				Err: p.err,
			}
			results[i] = &r
			continue
		}
		tree, dir := o.outputDir(p.file.Root)
		job := importer.Job{File: p.file, Meta: p.resolved, Format: p.format, OutputTree: tree, OutputDir: dir}
		i := i
		g.Go(func() error {
			o.cfg.Metrics.ImportStarted()
			defer o.cfg.Metrics.ImportDone()
			r := o.worker.ImportOne(ctx, job)
			results[i] = &r
			return nil
		})
	}
	_ = g.Wait()

	var outcomes []assetdb.Outcome
	for _, r := range results {
		if r == nil || r.Cancelled() {
			continue
		}
		c.recordResult(*r)
		outcomes = append(outcomes, r.Outcome)
	}
	return outcomes
}

func (c *cycle) recordResult(r importer.Result) {
	o := c.o
	key := r.Outcome.Key
	if r.Outcome.Succeeded() {
		var outs []string
		for _, out := range r.Outcome.Record.Outputs {
			outs = append(outs, out.ID())
		}
		trace.SafeRecord(c.rec, trace.Event{
			Kind:     trace.EventAssetImported,
			Key:      string(key),
			Importer: r.Outcome.Record.Importer.String(),
			Outputs:  outs,
		})
		c.report.Written = append(c.report.Written, r.Written...)
		c.counts(func(n *Counts) { n.Imported++ })
		o.cfg.Metrics.AddAssets("imported", 1)
		o.log.Debug("asset imported", "key", key, "outputs", len(outs), "duration", r.Duration)
		return
	}
	reason := r.Outcome.Failure.Reason
	trace.SafeRecord(c.rec, trace.Event{Kind: trace.EventAssetFailed, Key: string(key), Reason: reason})
	c.report.Failures = append(c.report.Failures, Failure{Key: key, Reason: reason})
	c.counts(func(n *Counts) { n.Failed++ })
	o.cfg.Metrics.AddAssets("failed", 1)
	o.log.Error("asset import failed", "key", key, "reason", reason)
}

// persist commits outcomes, deletes superseded outputs and writes the
// database. It is not interrupted by cancellation.
func (c *cycle) persist(ctx context.Context, outcomes []assetdb.Outcome) error {
	o := c.o
	_, end := c.stageSpan(context.WithoutCancel(ctx), StagePersisting)
	defer end()

	superseded := o.db.Commit(outcomes)
	if len(superseded) > 0 {
		deleted, err := o.db.DeleteOutputs(superseded)
		if err != nil {
			o.log.Warn("superseded outputs not fully removed", "cycle", c.id, "error", err)
		}
		for _, out := range superseded {
			trace.SafeRecord(c.rec, trace.Event{Kind: trace.EventOutputRemoved, Key: out.ID()})
		}
		c.report.Removed = append(c.report.Removed, deleted...)
	}

	if err := o.db.Persist(); err != nil {
		o.log.Error("database persist failed", "cycle", c.id, "path", o.db.Path(), "error", err)
		return err
	}
	return nil
}

func (c *cycle) pack(ctx context.Context) {
	o := c.o
	ctx, end := c.stageSpan(ctx, StagePacking)
	defer end()

	touched := make([]string, 0, len(c.report.Written)+len(c.report.Removed))
	touched = append(touched, c.report.Written...)
	touched = append(touched, c.report.Removed...)
	sort.Strings(touched)

	if err := o.cfg.Packer.Pack(ctx, touched); err != nil {
		c.report.PackErr = err
		o.log.Error("packing failed", "cycle", c.id, "error", err)
	}
}

// finish settles the result, journal and progress of the cycle.
func (c *cycle) finish(err error) {
	o := c.o
	r := c.report

	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		r.Result = ResultCancelled
	case err != nil:
		r.Result = ResultFatal
	case len(r.Failures) > 0:
		r.Result = ResultPartialFailure
	default:
		r.Result = ResultSuccess
	}

	sort.Slice(r.Failures, func(i, j int) bool { return r.Failures[i].Key < r.Failures[j].Key })
	sort.Strings(r.Written)
	sort.Strings(r.Removed)

	r.Journal = c.rec.Journal()
	if h, herr := r.Journal.Hash(); herr == nil {
		r.JournalHash = h
	} else {
		o.log.Warn("journal hash failed", "cycle", c.id, "error", herr)
	}
	if o.cfg.JournalFile != "" && !r.NoOp {
		if werr := trace.WriteFile(o.cfg.JournalFile, r.Journal); werr != nil {
			o.log.Warn("journal write failed", "path", o.cfg.JournalFile, "error", werr)
		}
	}

	o.rememberEcho(append(append([]string{}, r.Written...), r.Removed...))

	r.Duration = o.now().Sub(c.started)
	if c.stage != StageIdle {
		_ = c.advance(StageDone)
	}
	o.progress.update(func(s *Snapshot) { s.Result = r.Result })
	o.cfg.Metrics.CycleFinished(string(r.Result), o.now())

	kv := []any{
		"cycle", c.id,
		"trigger", r.Trigger,
		"result", r.Result,
		"scanned", r.Counts.Scanned,
		"stale", r.Counts.Stale,
		"imported", r.Counts.Imported,
		"failed", r.Counts.Failed,
		"orphaned", r.Counts.Orphaned,
		"duration", r.Duration,
	}
	if err != nil {
		o.log.Error("cycle ended", append(kv, "error", err)...)
		return
	}
	o.log.Info("cycle finished", kv...)
}
