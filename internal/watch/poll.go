package watch

import (
	"context"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"assetweaver/internal/logging"
)

// PollNotifier detects changes by diffing periodic directory snapshots.
// A root that does not exist yet is watched as empty.
type PollNotifier struct {
	Interval time.Duration
	Logger   *logging.Logger
}

// NewPollNotifier returns a snapshot-diff notifier.
func NewPollNotifier(interval time.Duration, log *logging.Logger) *PollNotifier {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &PollNotifier{Interval: interval, Logger: logging.OrNop(log)}
}

type fileStamp struct {
	size    int64
	modTime time.Time
}

func (n *PollNotifier) Subscribe(ctx context.Context, root string) (<-chan Event, error) {
	prev, err := snapshot(root)
	if err != nil {
		return nil, err
	}
	out := make(chan Event, 64)

	go func() {
		defer close(out)
		ticker := time.NewTicker(n.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			cur, err := snapshot(root)
			if err != nil {
				logging.OrNop(n.Logger).Warn("poll snapshot failed", "root", root, "error", err)
				continue
			}
			for _, ev := range diffSnapshots(root, prev, cur) {
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
			prev = cur
		}
	}()
	return out, nil
}

func snapshot(root string) (map[string]fileStamp, error) {
	snap := make(map[string]fileStamp)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return fs.SkipAll
			}
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") && path != root {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		snap[path] = fileStamp{size: info.Size(), modTime: info.ModTime()}
		return nil
	})
	return snap, err
}

// diffSnapshots returns events in path order.
func diffSnapshots(root string, prev, cur map[string]fileStamp) []Event {
	var events []Event
	for p, st := range cur {
		old, ok := prev[p]
		switch {
		case !ok:
			events = append(events, Event{Root: root, Path: p, Op: OpCreate})
		case old.size != st.size || !old.modTime.Equal(st.modTime):
			events = append(events, Event{Root: root, Path: p, Op: OpWrite})
		}
	}
	for p := range prev {
		if _, ok := cur[p]; !ok {
			events = append(events, Event{Root: root, Path: p, Op: OpRemove})
		}
	}
	sort.Slice(events, func(i, j int) bool { return events[i].Path < events[j].Path })
	return events
}
