package watch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func waitEvent(t *testing.T, ch <-chan Event, match func(Event) bool) Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			require.True(t, ok, "event channel closed")
			if match(ev) {
				return ev
			}
		case <-deadline:
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestFSNotifier_ReportsNestedChanges(t *testing.T) {
	root := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := NewFSNotifier(nil).Subscribe(ctx, root)
	require.NoError(t, err)

	sub := filepath.Join(root, "new", "deep")
	require.NoError(t, os.MkdirAll(sub, 0o755))
	// Give the watcher a moment to register the new directories.
	time.Sleep(200 * time.Millisecond)

	target := filepath.Join(sub, "a.png")
	require.NoError(t, os.WriteFile(target, []byte("x"), 0o644))

	ev := waitEvent(t, ch, func(ev Event) bool { return ev.Path == target })
	require.Equal(t, root, ev.Root)
}

func TestFSNotifier_MissingRoot(t *testing.T) {
	_, err := NewFSNotifier(nil).Subscribe(context.Background(), filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
}

func TestPollNotifier_DetectsCreateWriteRemove(t *testing.T) {
	root := filepath.Join(t.TempDir(), "later")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := NewPollNotifier(20*time.Millisecond, nil).Subscribe(ctx, root)
	require.NoError(t, err)

	p := filepath.Join(root, "a.txt")
	require.NoError(t, os.MkdirAll(root, 0o755))
	require.NoError(t, os.WriteFile(p, []byte("1"), 0o644))
	waitEvent(t, ch, func(ev Event) bool { return ev.Path == p && ev.Op == OpCreate })

	require.NoError(t, os.WriteFile(p, []byte("22"), 0o644))
	waitEvent(t, ch, func(ev Event) bool { return ev.Path == p && ev.Op == OpWrite })

	require.NoError(t, os.Remove(p))
	waitEvent(t, ch, func(ev Event) bool { return ev.Path == p && ev.Op == OpRemove })
}

func TestDiffSnapshots_Sorted(t *testing.T) {
	now := time.Now()
	prev := map[string]fileStamp{"/r/b": {1, now}, "/r/c": {1, now}}
	cur := map[string]fileStamp{"/r/a": {1, now}, "/r/b": {2, now}}

	events := diffSnapshots("/r", prev, cur)
	require.Len(t, events, 3)
	require.Equal(t, Event{Root: "/r", Path: "/r/a", Op: OpCreate}, events[0])
	require.Equal(t, Event{Root: "/r", Path: "/r/b", Op: OpWrite}, events[1])
	require.Equal(t, Event{Root: "/r", Path: "/r/c", Op: OpRemove}, events[2])
}
