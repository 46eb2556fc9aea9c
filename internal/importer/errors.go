package importer

import (
	"errors"
	"fmt"

	"assetweaver/internal/core"
)

// ErrUnknownFormat is returned when no format matches a file.
var ErrUnknownFormat = errors.New("unknown import format")

// ImportError is a per-asset import failure. It never aborts a cycle.
type ImportError struct {
	Key    core.AssetKey
	Format string
	// Stage is where the failure happened: read, select, import, write.
	Stage string
	Cause error
}

func (e *ImportError) Error() string {
	if e == nil {
		return ""
	}
	if e.Format != "" {
		return fmt.Sprintf("import %s [%s] %s: %v", e.Key, e.Format, e.Stage, e.Cause)
	}
	return fmt.Sprintf("import %s %s: %v", e.Key, e.Stage, e.Cause)
}

func (e *ImportError) Unwrap() error { return e.Cause }
