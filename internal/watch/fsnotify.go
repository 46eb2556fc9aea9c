package watch

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"assetweaver/internal/logging"
)

// FSNotifier is an event-based notifier backed by fsnotify. Directories are
// watched recursively, including ones created after Subscribe.
type FSNotifier struct {
	Logger *logging.Logger
}

// NewFSNotifier returns an fsnotify-backed notifier.
func NewFSNotifier(log *logging.Logger) *FSNotifier {
	return &FSNotifier{Logger: logging.OrNop(log)}
}

func (n *FSNotifier) Subscribe(ctx context.Context, root string) (<-chan Event, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := addRecursive(fsw, root); err != nil {
		fsw.Close()
		return nil, err
	}

	out := make(chan Event, 64)
	go n.run(ctx, fsw, root, out)
	return out, nil
}

func (n *FSNotifier) run(ctx context.Context, fsw *fsnotify.Watcher, root string, out chan<- Event) {
	defer close(out)
	defer fsw.Close()
	log := logging.OrNop(n.Logger)

	send := func(ev Event) bool {
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			// Watch newly created directories, recursively in case of mkdir -p.
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := addRecursive(fsw, event.Name); err != nil {
						log.Warn("watching new directory failed", "path", event.Name, "error", err)
						if !send(Event{Root: root, Overflow: true}) {
							return
						}
						continue
					}
				}
			}
			op := translateOp(event.Op)
			if op == 0 {
				continue
			}
			if !send(Event{Root: root, Path: event.Name, Op: op}) {
				return
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				if !send(Event{Root: root, Overflow: true}) {
					return
				}
				continue
			}
			log.Warn("watcher error", "root", root, "error", err)
		}
	}
}

func translateOp(op fsnotify.Op) Op {
	var out Op
	if op.Has(fsnotify.Create) {
		out |= OpCreate
	}
	if op.Has(fsnotify.Write) {
		out |= OpWrite
	}
	if op.Has(fsnotify.Remove) {
		out |= OpRemove
	}
	if op.Has(fsnotify.Rename) {
		out |= OpRename
	}
	return out
}

func addRecursive(fsw *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != dir && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		return fsw.Add(path)
	})
}
