// Package assetdb holds the persisted record of the last successful import
// of every asset and decides which assets are stale.
//
// A Database is owned by a single goroutine; it is not safe for concurrent use.
package assetdb

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"assetweaver/internal/core"
)

// Layout maps output tree names to their OS directories.
type Layout map[string]string

// Path returns the OS path of o.
func (l Layout) Path(o core.Output) (string, error) {
	dir, ok := l[o.Tree]
	if !ok {
		return "", fmt.Errorf("unknown output tree %q", o.Tree)
	}
	if err := ValidateOutput(o); err != nil {
		return "", err
	}
	return filepath.Join(dir, filepath.FromSlash(o.Path)), nil
}

// Database is the in-memory table plus the path it persists to.
type Database struct {
	path   string
	layout Layout

	records  map[core.AssetKey]ImportRecord
	failures map[core.AssetKey]FailureRecord

	// dirty is set when the table differs from the last persisted file.
	dirty bool

	rename func(oldpath, newpath string) error
}

// New returns an empty database that persists to path.
func New(path string, layout Layout) *Database {
	return &Database{
		path:     path,
		layout:   layout,
		records:  make(map[core.AssetKey]ImportRecord),
		failures: make(map[core.AssetKey]FailureRecord),
		rename:   os.Rename,
	}
}

// Path returns the database file location.
func (db *Database) Path() string { return db.path }

// Layout returns the output tree layout.
func (db *Database) Layout() Layout { return db.layout }

// Len returns the number of records.
func (db *Database) Len() int { return len(db.records) }

// Dirty reports whether there are changes not yet persisted.
func (db *Database) Dirty() bool { return db.dirty }

// Keys returns all record keys in sorted order.
func (db *Database) Keys() []core.AssetKey {
	return sortedKeys(db.records)
}

// Record returns a copy of the record for key.
func (db *Database) Record(key core.AssetKey) (ImportRecord, bool) {
	r, ok := db.records[key]
	if !ok {
		return ImportRecord{}, false
	}
	return cloneRecord(r), true
}

// Failures returns a copy of the failure table.
func (db *Database) Failures() map[core.AssetKey]FailureRecord {
	out := make(map[core.AssetKey]FailureRecord, len(db.failures))
	for k, v := range db.failures {
		out[k] = v
	}
	return out
}

// Status returns the last known status of key.
func (db *Database) Status(key core.AssetKey) (Status, string) {
	if f, ok := db.failures[key]; ok {
		return StatusFailed, f.Reason
	}
	if _, ok := db.records[key]; ok {
		return StatusImported, ""
	}
	return StatusUnknown, ""
}

// Diff compares candidates against the table.
//
// A candidate needs importing when it has no record, when its source
// fingerprint, dependency set or importer differ from the record, or when its
// outputs are broken. A fresh candidate that still carries a failure entry is
// listed as Recovered. Records and failures whose key is not a candidate are
// orphans. Diff does not modify the database.
func (db *Database) Diff(candidates []Candidate) DiffResult {
	res := DiffResult{Reasons: make(map[core.AssetKey]StaleReason)}
	present := make(map[core.AssetKey]struct{}, len(candidates))

	for _, c := range candidates {
		present[c.Key] = struct{}{}
		if reason, stale := db.staleness(c); stale {
			res.NeedsImport = append(res.NeedsImport, c.Key)
			res.Reasons[c.Key] = reason
			continue
		}
		if _, failed := db.failures[c.Key]; failed {
			res.Recovered = append(res.Recovered, c.Key)
		}
	}

	for key := range db.records {
		if _, ok := present[key]; !ok {
			res.Orphans = append(res.Orphans, key)
		}
	}
	for key := range db.failures {
		if _, ok := present[key]; ok {
			continue
		}
		if _, ok := db.records[key]; !ok {
			res.Orphans = append(res.Orphans, key)
		}
	}

	sortKeys(res.NeedsImport)
	sortKeys(res.Orphans)
	sortKeys(res.Recovered)
	return res
}

func (db *Database) staleness(c Candidate) (StaleReason, bool) {
	r, ok := db.records[c.Key]
	switch {
	case !ok:
		return ReasonNew, true
	case r.SourceFingerprint != c.Fingerprint:
		return ReasonSource, true
	case r.Importer != c.Importer:
		return ReasonImporter, true
	case !r.Dependencies.Equal(c.Dependencies):
		return ReasonDependencies, true
	case c.OutputsBroken:
		return ReasonOutputs, true
	}
	return "", false
}

// ClearFailures drops the failure entries of keys. It reports how many were
// removed.
func (db *Database) ClearFailures(keys []core.AssetKey) int {
	n := 0
	for _, key := range keys {
		if _, ok := db.failures[key]; ok {
			delete(db.failures, key)
			n++
		}
	}
	if n > 0 {
		db.dirty = true
	}
	return n
}

// Commit applies outcomes to the table without touching disk.
//
// A success replaces the record and clears any failure for the key. A failure
// is recorded in the failure table and never modifies the record. Commit
// returns the outputs of replaced records that the new record no longer lists.
func (db *Database) Commit(outcomes []Outcome) []core.Output {
	sorted := make([]Outcome, len(outcomes))
	copy(sorted, outcomes)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Key < sorted[j].Key })

	var superseded []core.Output
	for _, o := range sorted {
		if o.Succeeded() {
			rec := cloneRecord(*o.Record)
			if old, ok := db.records[o.Key]; ok {
				superseded = append(superseded, droppedOutputs(old.Outputs, rec.Outputs)...)
				if recordsEqual(old, rec) {
					if _, failed := db.failures[o.Key]; !failed {
						continue
					}
				}
			}
			db.records[o.Key] = rec
			delete(db.failures, o.Key)
			db.dirty = true
			continue
		}
		if o.Failure == nil {
			continue
		}
		if prev, ok := db.failures[o.Key]; ok && prev == *o.Failure {
			continue
		}
		db.failures[o.Key] = *o.Failure
		db.dirty = true
	}
	return db.unowned(superseded, nil)
}

// RemoveOrphans deletes the outputs of the given keys and drops their records
// and failures. It returns the OS paths that were deleted. A record whose
// outputs cannot all be deleted is kept so the next cycle retries.
func (db *Database) RemoveOrphans(keys []core.AssetKey) ([]string, error) {
	var deleted []string
	var errs []error

	removing := make(map[core.AssetKey]struct{}, len(keys))
	for _, key := range keys {
		removing[key] = struct{}{}
	}

	for _, key := range keys {
		if _, ok := db.failures[key]; ok {
			delete(db.failures, key)
			db.dirty = true
		}
		rec, ok := db.records[key]
		if !ok {
			continue
		}
		paths, err := db.DeleteOutputs(db.unowned(rec.Outputs, removing))
		deleted = append(deleted, paths...)
		if err != nil {
			errs = append(errs, fmt.Errorf("orphan %s: %w", key, err))
			continue
		}
		delete(db.records, key)
		db.dirty = true
	}
	sort.Strings(deleted)
	return deleted, errors.Join(errs...)
}

// DeleteOutputs removes output files and any output directories left empty.
// Files already absent are not an error.
func (db *Database) DeleteOutputs(outputs []core.Output) ([]string, error) {
	var deleted []string
	var errs []error
	for _, o := range outputs {
		p, err := db.layout.Path(o)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := os.Remove(p); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			errs = append(errs, err)
			continue
		}
		deleted = append(deleted, p)
		removeEmptyParents(filepath.Dir(p), db.layout[o.Tree])
	}
	return deleted, errors.Join(errs...)
}

// VerifyOutputs reports whether every output of key's record exists with its
// recorded fingerprint. A key without a record verifies trivially.
func (db *Database) VerifyOutputs(key core.AssetKey, fp *core.Fingerprinter) bool {
	rec, ok := db.records[key]
	if !ok {
		return true
	}
	for _, o := range rec.Outputs {
		p, err := db.layout.Path(o)
		if err != nil {
			return false
		}
		got, _, err := fp.File(p)
		if err != nil || got != o.Fingerprint {
			return false
		}
	}
	return true
}

// unowned filters outputs down to those no record outside except lists.
func (db *Database) unowned(outputs []core.Output, except map[core.AssetKey]struct{}) []core.Output {
	if len(outputs) == 0 {
		return nil
	}
	owned := make(map[string]struct{})
	for key, rec := range db.records {
		if _, skip := except[key]; skip {
			continue
		}
		for _, o := range rec.Outputs {
			owned[o.ID()] = struct{}{}
		}
	}
	var out []core.Output
	for _, o := range outputs {
		if _, ok := owned[o.ID()]; !ok {
			out = append(out, o)
		}
	}
	return out
}

func removeEmptyParents(dir, stop string) {
	stop = filepath.Clean(stop)
	for {
		dir = filepath.Clean(dir)
		if dir == stop || len(dir) <= len(stop) {
			return
		}
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

func droppedOutputs(old, current []core.Output) []core.Output {
	keep := make(map[string]struct{}, len(current))
	for _, o := range current {
		keep[o.ID()] = struct{}{}
	}
	var out []core.Output
	for _, o := range old {
		if _, ok := keep[o.ID()]; !ok {
			out = append(out, o)
		}
	}
	return out
}

func recordsEqual(a, b ImportRecord) bool {
	if a.SourceRoot != b.SourceRoot || a.SourcePath != b.SourcePath ||
		a.SourceFingerprint != b.SourceFingerprint || !a.ModTime.Equal(b.ModTime) ||
		a.Importer != b.Importer || a.Codegen != b.Codegen ||
		len(a.Outputs) != len(b.Outputs) || !a.Dependencies.Equal(b.Dependencies) {
		return false
	}
	for i := range a.Outputs {
		if a.Outputs[i] != b.Outputs[i] {
			return false
		}
	}
	return true
}

func cloneRecord(r ImportRecord) ImportRecord {
	out := r
	out.Outputs = append([]core.Output{}, r.Outputs...)
	out.Dependencies = r.Dependencies.Clone()
	if out.Dependencies == nil {
		out.Dependencies = core.Dependencies{}
	}
	return out
}

func sortedKeys[V any](m map[core.AssetKey]V) []core.AssetKey {
	keys := make([]core.AssetKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sortKeys(keys)
	return keys
}

func sortKeys(keys []core.AssetKey) {
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
}
