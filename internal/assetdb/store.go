package assetdb

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"assetweaver/internal/core"
)

// Open loads the database persisted at path. A missing file yields an empty
// database. A file that exists but cannot be decoded or validated yields a
// *CorruptStateError.
func Open(path string, layout Layout) (*Database, error) {
	db := New(path, layout)

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return db, nil
		}
		return nil, &CorruptStateError{Path: path, Message: "unreadable", Cause: err}
	}

	fd, err := decodeFile(data)
	if err != nil {
		return nil, &CorruptStateError{Path: path, Message: "cannot decode", Cause: err}
	}
	if fd.Version > FormatVersion {
		return nil, &CorruptStateError{Path: path, Message: fmt.Sprintf("unsupported version %d", fd.Version)}
	}
	if err := validateFile(fd); err != nil {
		return nil, &CorruptStateError{Path: path, Message: "invalid content", Cause: err}
	}

	for k, r := range fd.Records {
		db.records[k] = cloneRecord(r)
	}
	for k, f := range fd.Failures {
		db.failures[k] = f
	}
	return db, nil
}

// Quarantine moves a corrupt database file aside and returns its new path.
func Quarantine(path string, now time.Time) (string, error) {
	dst := fmt.Sprintf("%s.corrupt-%d", path, now.Unix())
	if err := os.Rename(path, dst); err != nil {
		return "", err
	}
	return dst, fsyncDir(filepath.Dir(path))
}

// Persist atomically replaces the database file with the full table.
//
// Readers observe either the previous file or the new one, never a mix.
// Failures are returned as *PersistenceError and leave the table dirty.
func (db *Database) Persist() error {
	data, err := db.encode()
	if err != nil {
		return &PersistenceError{Path: db.path, Op: "marshal", Cause: err}
	}
	if err := ensureDirDurable(filepath.Dir(db.path), 0o755); err != nil {
		return &PersistenceError{Path: db.path, Op: "mkdir", Cause: err}
	}
	if err := writeFileAtomicDurable(db.path, data, 0o644, db.rename); err != nil {
		return &PersistenceError{Path: db.path, Op: "write", Cause: err}
	}
	db.dirty = false
	return nil
}

func (db *Database) encode() ([]byte, error) {
	fd := fileData{
		Version:  FormatVersion,
		Records:  make(map[core.AssetKey]ImportRecord, len(db.records)),
		Failures: make(map[core.AssetKey]FailureRecord, len(db.failures)),
	}
	for k, r := range db.records {
		fd.Records[k] = cloneRecord(r)
	}
	for k, f := range db.failures {
		fd.Failures[k] = f
	}
	return jsonMarshalStable(fd)
}

func decodeFile(data []byte) (fileData, error) {
	var fd fileData
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&fd); err != nil {
		return fileData{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fileData{}, errors.New("invalid JSON: trailing content")
	}
	return fd, nil
}

func validateFile(fd fileData) error {
	var errs []error
	if fd.Version <= 0 {
		errs = append(errs, fmt.Errorf("invalid version %d", fd.Version))
	}
	if fd.Records == nil {
		errs = append(errs, errors.New("records must be an object (not null)"))
	}
	for k, r := range fd.Records {
		if err := k.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := r.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("record %s: %w", k, err))
		}
	}
	for k, f := range fd.Failures {
		if err := k.Validate(); err != nil {
			errs = append(errs, err)
		}
		if f.Reason == "" {
			errs = append(errs, fmt.Errorf("failure %s: reason is required", k))
		}
	}
	return errors.Join(errs...)
}

func jsonMarshalStable(v any) ([]byte, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

func ensureDirDurable(dir string, perm os.FileMode) error {
	if _, err := os.Stat(dir); err == nil {
		return nil
	}
	if err := os.MkdirAll(dir, perm); err != nil {
		return err
	}
	if err := fsyncDir(dir); err != nil {
		return err
	}
	parent := filepath.Dir(dir)
	if parent != dir {
		return fsyncDir(parent)
	}
	return nil
}

func writeFileAtomicDurable(path string, data []byte, perm os.FileMode, rename func(string, string) error) error {
	dir := filepath.Dir(path)
	base := filepath.Base(path)

	tmp, err := os.CreateTemp(dir, "."+base+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		_ = tmp.Close()
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := io.Copy(tmp, bytes.NewReader(data)); err != nil {
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return fsyncDir(dir)
}

func fsyncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
