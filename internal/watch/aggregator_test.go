package watch

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// chanNotifier hands out one test-controlled channel per root.
type chanNotifier struct {
	mu    sync.Mutex
	chans map[string]chan Event
	fail  map[string]error
}

func newChanNotifier(roots ...string) *chanNotifier {
	n := &chanNotifier{chans: make(map[string]chan Event), fail: make(map[string]error)}
	for _, r := range roots {
		n.chans[r] = make(chan Event, 100000)
	}
	return n
}

func (n *chanNotifier) Subscribe(ctx context.Context, root string) (<-chan Event, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.fail[root]; err != nil {
		return nil, err
	}
	ch := n.chans[root]
	go func() {
		<-ctx.Done()
		n.mu.Lock()
		defer n.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}

func (n *chanNotifier) emit(root, path string) {
	n.chans[root] <- Event{Root: root, Path: path, Op: OpWrite}
}

func startAggregator(t *testing.T, n Notifier, roots []string, opts Options) *Aggregator {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	a := NewAggregator(n, roots, opts)
	done := make(chan struct{})
	go func() {
		_ = a.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return a
}

func nextPulse(t *testing.T, a *Aggregator) Pulse {
	t.Helper()
	select {
	case p, ok := <-a.Pulses():
		require.True(t, ok, "pulse channel closed")
		return p
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for pulse")
	}
	return Pulse{}
}

func TestAggregator_CoalescesBurstAcrossRoots(t *testing.T) {
	n := newChanNotifier("src", "shared")
	a := startAggregator(t, n, []string{"src", "shared"}, Options{Debounce: 50 * time.Millisecond})

	n.emit("src", "/src/a.png")
	n.emit("src", "/src/a.png")
	n.emit("shared", "/shared/b.png")
	n.emit("src", "/src/.a.png.tmp.123")

	p := nextPulse(t, a)
	require.False(t, p.RescanAll)
	require.Equal(t, []string{"/shared/b.png", "/src/a.png"}, p.Paths)
	require.Equal(t, []string{"shared", "src"}, p.Roots)

	select {
	case extra := <-a.Pulses():
		t.Fatalf("unexpected extra pulse %+v", extra)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestAggregator_PendingOverflowCollapsesToRescan(t *testing.T) {
	n := newChanNotifier("src")
	overflows := make(chan struct{}, 10)
	a := startAggregator(t, n, []string{"src"}, Options{
		Debounce:        50 * time.Millisecond,
		MaxPendingPaths: 10,
		OnOverflow:      func() { overflows <- struct{}{} },
	})

	for i := 0; i < 50; i++ {
		n.emit("src", fmt.Sprintf("/src/f%02d.png", i))
	}

	p := nextPulse(t, a)
	require.True(t, p.RescanAll)
	require.Empty(t, p.Paths)
	require.NotEmpty(t, overflows)
}

func TestAggregator_QueueOverflowNeverLosesChanges(t *testing.T) {
	n := newChanNotifier("src")
	a := NewAggregator(n, []string{"src"}, Options{Debounce: 20 * time.Millisecond, QueueSize: 4})

	// Listeners run before the coalescer drains anything, so the tiny queue
	// overflows for sure.
	for i := 0; i < 100; i++ {
		n.emit("src", fmt.Sprintf("/src/f%03d.png", i))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = a.Run(ctx)
		close(done)
	}()

	// Every change is covered by some pulse: either listed or by a rescan.
	seen := map[string]bool{}
	rescan := false
	deadline := time.After(5 * time.Second)
	for !rescan && len(seen) < 100 {
		select {
		case p := <-a.Pulses():
			rescan = rescan || p.RescanAll
			for _, path := range p.Paths {
				seen[path] = true
			}
		case <-deadline:
			t.Fatalf("changes lost: rescan=%v seen=%d", rescan, len(seen))
		}
	}
	require.True(t, rescan || len(seen) == 100)
	cancel()
	<-done
}

func TestAggregator_NotifierOverflowForcesRescan(t *testing.T) {
	n := newChanNotifier("src")
	a := startAggregator(t, n, []string{"src"}, Options{Debounce: 20 * time.Millisecond})

	n.chans["src"] <- Event{Root: "src", Overflow: true}

	p := nextPulse(t, a)
	require.True(t, p.RescanAll)
}

func TestAggregator_UndeliveredPulseAbsorbsLaterChanges(t *testing.T) {
	n := newChanNotifier("src")
	a := startAggregator(t, n, []string{"src"}, Options{Debounce: 20 * time.Millisecond})

	n.emit("src", "/src/a.png")
	time.Sleep(100 * time.Millisecond) // first pulse ready but not consumed
	n.emit("src", "/src/b.png")
	time.Sleep(100 * time.Millisecond)

	p := nextPulse(t, a)
	require.Equal(t, []string{"/src/a.png", "/src/b.png"}, p.Paths)
}

func TestAggregator_ManualTrigger(t *testing.T) {
	n := newChanNotifier("src")
	a := startAggregator(t, n, []string{"src"}, Options{Debounce: 20 * time.Millisecond})

	a.Trigger()
	p := nextPulse(t, a)
	require.True(t, p.Manual)
	require.Empty(t, p.Paths)
}

func TestAggregator_SkipsUnsubscribableRoot(t *testing.T) {
	n := newChanNotifier("src")
	n.fail["gone"] = fmt.Errorf("no such directory")
	a := startAggregator(t, n, []string{"gone", "src"}, Options{Debounce: 20 * time.Millisecond})

	n.emit("src", "/src/a.png")
	p := nextPulse(t, a)
	require.Equal(t, []string{"/src/a.png"}, p.Paths)
}

func TestAggregator_ClosesPulsesOnCancel(t *testing.T) {
	n := newChanNotifier("src")
	a := NewAggregator(n, []string{"src"}, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- a.Run(ctx) }()

	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)
	_, ok := <-a.Pulses()
	require.False(t, ok)
}
