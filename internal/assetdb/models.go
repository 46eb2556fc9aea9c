package assetdb

import (
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"assetweaver/internal/core"
)

// FormatVersion is the database file version written by this package.
// Files with a newer version are rejected as corrupt state.
const FormatVersion = 1

// ImporterRef identifies the format importer and its version.
type ImporterRef struct {
	ID      string `json:"id"`
	Version int    `json:"version"`
}

func (r ImporterRef) String() string { return fmt.Sprintf("%s@%d", r.ID, r.Version) }

// ImportRecord is the last successful import of one asset.
type ImportRecord struct {
	// SourceRoot is the configured name of the root the source was found in.
	SourceRoot string `json:"source_root"`

	// SourcePath is the slash path of the source relative to SourceRoot.
	SourcePath string `json:"source_path"`

	SourceFingerprint core.Fingerprint `json:"source_fingerprint"`

	// ModTime is the observed source modification time. It is informational
	// and never used for staleness.
	ModTime time.Time `json:"mod_time"`

	Importer ImporterRef `json:"importer"`

	// Outputs are kept in the order the importer produced them.
	Outputs []core.Output `json:"outputs"`

	Dependencies core.Dependencies `json:"dependencies"`

	Codegen bool `json:"codegen,omitempty"`
}

// Validate checks the record's structural invariants.
func (r ImportRecord) Validate() error {
	var errs []error
	if strings.TrimSpace(r.SourcePath) == "" {
		errs = append(errs, errors.New("source_path is required"))
	}
	if r.SourceFingerprint.IsZero() {
		errs = append(errs, errors.New("source_fingerprint is required"))
	}
	if strings.TrimSpace(r.Importer.ID) == "" {
		errs = append(errs, errors.New("importer.id is required"))
	}
	if r.Outputs == nil {
		errs = append(errs, errors.New("outputs must be an array (not null)"))
	}
	seen := make(map[string]struct{}, len(r.Outputs))
	for i, o := range r.Outputs {
		if err := ValidateOutput(o); err != nil {
			errs = append(errs, fmt.Errorf("outputs[%d]: %w", i, err))
			continue
		}
		if _, dup := seen[o.ID()]; dup {
			errs = append(errs, fmt.Errorf("outputs[%d]: duplicate %s", i, o.ID()))
		}
		seen[o.ID()] = struct{}{}
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}

// Includes returns the paths of include dependencies, sorted.
func (r ImportRecord) Includes() []string {
	var out []string
	for _, name := range r.Dependencies.Names() {
		if p, ok := strings.CutPrefix(name, core.DepInclude); ok {
			out = append(out, p)
		}
	}
	return out
}

// ValidateOutput checks that o names a clean relative path inside a tree.
func ValidateOutput(o core.Output) error {
	if strings.TrimSpace(o.Tree) == "" {
		return errors.New("tree is required")
	}
	if o.Path == "" {
		return errors.New("path is required")
	}
	if path.IsAbs(o.Path) || strings.Contains(o.Path, "\\") {
		return fmt.Errorf("path %q must be relative with forward slashes", o.Path)
	}
	clean := path.Clean(o.Path)
	if clean != o.Path || clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return fmt.Errorf("path %q is not a clean path inside its tree", o.Path)
	}
	return nil
}

// FailureRecord is the reason the most recent import of an asset failed.
type FailureRecord struct {
	Reason            string           `json:"reason"`
	SourceFingerprint core.Fingerprint `json:"source_fingerprint,omitempty"`
}

// Status is the last known import status of an asset.
type Status string

const (
	StatusUnknown  Status = "unknown"
	StatusImported Status = "imported"
	StatusFailed   Status = "failed"
)

// Outcome is the result of importing one asset. Exactly one of Record and
// Failure is set.
type Outcome struct {
	Key     core.AssetKey
	Record  *ImportRecord
	Failure *FailureRecord
}

// Succeeded reports whether the outcome carries a record.
func (o Outcome) Succeeded() bool { return o.Record != nil }

// Candidate is the current state of one source file as seen by a scan.
type Candidate struct {
	Key          core.AssetKey
	Fingerprint  core.Fingerprint
	Dependencies core.Dependencies
	Importer     ImporterRef

	// OutputsBroken is set when the existing record's outputs are missing or
	// altered on disk.
	OutputsBroken bool
}

// StaleReason explains why a candidate needs importing.
type StaleReason string

const (
	ReasonNew          StaleReason = "new"
	ReasonSource       StaleReason = "source"
	ReasonDependencies StaleReason = "dependencies"
	ReasonImporter     StaleReason = "importer"
	ReasonOutputs      StaleReason = "outputs"

	// ReasonFailed marks an asset whose import cannot even be planned, such
	// as one governed by an unreadable meta. Diff never reports it.
	ReasonFailed StaleReason = "failed"
)

// DiffResult lists what a cycle must do. All slices are sorted.
type DiffResult struct {
	NeedsImport []core.AssetKey
	Orphans     []core.AssetKey
	Reasons     map[core.AssetKey]StaleReason

	// Recovered holds keys with a failure entry whose record already matches
	// the candidate, e.g. after a bad edit was reverted. They need no import;
	// the failure entry is stale.
	Recovered []core.AssetKey
}

// Empty reports whether the cycle has nothing to do.
func (d DiffResult) Empty() bool { return len(d.NeedsImport) == 0 && len(d.Orphans) == 0 }

// fileData is the on-disk shape of the database.
type fileData struct {
	Version  int                             `json:"version"`
	Records  map[core.AssetKey]ImportRecord  `json:"records"`
	Failures map[core.AssetKey]FailureRecord `json:"failures"`
}
