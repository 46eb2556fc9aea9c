// Package watch reports filesystem changes under source and output roots and
// coalesces them into trigger pulses for the pipeline.
package watch

import (
	"context"
	"fmt"
	"strings"
)

// Op is the kind of change an event reports.
type Op uint8

const (
	OpCreate Op = 1 << iota
	OpWrite
	OpRemove
	OpRename
)

func (o Op) String() string {
	var parts []string
	if o&OpCreate != 0 {
		parts = append(parts, "create")
	}
	if o&OpWrite != 0 {
		parts = append(parts, "write")
	}
	if o&OpRemove != 0 {
		parts = append(parts, "remove")
	}
	if o&OpRename != 0 {
		parts = append(parts, "rename")
	}
	if len(parts) == 0 {
		return fmt.Sprintf("op(%d)", uint8(o))
	}
	return strings.Join(parts, "|")
}

// Event is one change under a watched root.
type Event struct {
	// Root is the watched root the event belongs to.
	Root string

	// Path is the OS path that changed.
	Path string

	Op Op

	// Overflow reports that the notifier itself lost events; the root must be
	// rescanned in full.
	Overflow bool
}

// Notifier streams change events for one root. The returned channel is
// closed when ctx is done or the notifier fails permanently.
type Notifier interface {
	Subscribe(ctx context.Context, root string) (<-chan Event, error)
}
