package watch

import (
	"context"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"assetweaver/internal/logging"
)

// Pulse is one coalesced trigger for the pipeline.
type Pulse struct {
	// Paths are the distinct changed paths, sorted. Empty when RescanAll.
	Paths []string

	// Roots are the distinct roots that reported changes, sorted.
	Roots []string

	// RescanAll is set when events were collapsed because a queue or the
	// pending set overflowed, or a notifier lost events.
	RescanAll bool

	// Manual is set when the pulse includes an explicit Trigger call.
	Manual bool
}

// Options tunes an Aggregator.
type Options struct {
	// Debounce is the quiet period after the last event before a pulse fires.
	Debounce time.Duration

	// MaxWait bounds how long a continuous stream of events can delay a pulse.
	// Defaults to ten times Debounce.
	MaxWait time.Duration

	// QueueSize is the capacity of the event queue shared by all listeners.
	QueueSize int

	// MaxPendingPaths collapses a pulse into RescanAll when exceeded.
	MaxPendingPaths int

	Logger *logging.Logger

	// OnOverflow is called each time pending changes collapse into RescanAll.
	OnOverflow func()
}

func (o Options) withDefaults() Options {
	if o.Debounce <= 0 {
		o.Debounce = 250 * time.Millisecond
	}
	if o.MaxWait <= 0 {
		o.MaxWait = 10 * o.Debounce
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 1024
	}
	if o.MaxPendingPaths <= 0 {
		o.MaxPendingPaths = 4096
	}
	o.Logger = logging.OrNop(o.Logger)
	return o
}

// Aggregator merges events from several roots into debounced pulses.
//
// One listener goroutine per root pushes events into a bounded queue without
// ever blocking on it. When the queue is full the event is replaced by an
// overflow mark, so a burst that cannot be queued still produces a RescanAll
// pulse. An undelivered pulse absorbs later changes instead of being dropped.
type Aggregator struct {
	notifier Notifier
	roots    []string
	opts     Options

	queue    chan Event
	kick     chan struct{}
	overflow atomic.Bool
	manual   atomic.Bool
	out      chan Pulse

	dropped atomic.Int64
}

// NewAggregator creates an aggregator over roots.
func NewAggregator(n Notifier, roots []string, opts Options) *Aggregator {
	opts = opts.withDefaults()
	return &Aggregator{
		notifier: n,
		roots:    append([]string(nil), roots...),
		opts:     opts,
		queue:    make(chan Event, opts.QueueSize),
		kick:     make(chan struct{}, 1),
		out:      make(chan Pulse),
	}
}

// Pulses delivers coalesced pulses. It is closed when Run returns.
func (a *Aggregator) Pulses() <-chan Pulse { return a.out }

// Trigger requests a pulse without any filesystem change.
func (a *Aggregator) Trigger() {
	a.manual.Store(true)
	a.signal()
}

// Dropped returns how many events were replaced by overflow marks.
func (a *Aggregator) Dropped() int64 { return a.dropped.Load() }

func (a *Aggregator) signal() {
	select {
	case a.kick <- struct{}{}:
	default:
	}
}

// Run subscribes to every root and coalesces events until ctx is done.
// A root that cannot be subscribed is logged and skipped.
func (a *Aggregator) Run(ctx context.Context) error {
	defer close(a.out)

	var wg sync.WaitGroup
	for _, root := range a.roots {
		ch, err := a.notifier.Subscribe(ctx, root)
		if err != nil {
			a.opts.Logger.Warn("cannot watch root", "root", root, "error", err)
			continue
		}
		wg.Add(1)
		go func(ch <-chan Event) {
			defer wg.Done()
			a.listen(ch)
		}(ch)
	}

	a.coalesce(ctx)
	wg.Wait()
	return ctx.Err()
}

func (a *Aggregator) listen(ch <-chan Event) {
	for ev := range ch {
		if ev.Overflow {
			a.markOverflow()
			continue
		}
		if ignoredPath(ev.Path) {
			continue
		}
		select {
		case a.queue <- ev:
		default:
			a.dropped.Add(1)
			a.markOverflow()
		}
	}
}

func (a *Aggregator) markOverflow() {
	a.overflow.Store(true)
	a.signal()
}

// ignoredPath filters hidden files, which includes the temp files written
// during atomic replacement.
func ignoredPath(p string) bool {
	return strings.HasPrefix(filepath.Base(p), ".")
}

type pending struct {
	paths   map[string]struct{}
	roots   map[string]struct{}
	rescan  bool
	manual  bool
	firstAt time.Time
}

func newPending() *pending {
	return &pending{paths: make(map[string]struct{}), roots: make(map[string]struct{})}
}

func (p *pending) empty() bool {
	return len(p.paths) == 0 && len(p.roots) == 0 && !p.rescan && !p.manual
}

func (p *pending) collapse() {
	p.rescan = true
	p.paths = make(map[string]struct{})
}

func (p *pending) merge(other *pending, limit int) bool {
	collapsed := false
	for r := range other.roots {
		p.roots[r] = struct{}{}
	}
	p.manual = p.manual || other.manual
	if other.rescan {
		p.rescan = true
	}
	if !p.rescan {
		for path := range other.paths {
			p.paths[path] = struct{}{}
		}
		if len(p.paths) > limit {
			p.collapse()
			collapsed = true
		}
	} else {
		p.paths = make(map[string]struct{})
	}
	return collapsed
}

func (p *pending) pulse() Pulse {
	pl := Pulse{RescanAll: p.rescan, Manual: p.manual}
	if !p.rescan {
		pl.Paths = sortedSet(p.paths)
	}
	pl.Roots = sortedSet(p.roots)
	return pl
}

func sortedSet(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (a *Aggregator) coalesce(ctx context.Context) {
	cur := newPending()
	var ready *pending

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	var timerC <-chan time.Time

	arm := func() {
		now := time.Now()
		if cur.firstAt.IsZero() {
			cur.firstAt = now
		}
		wait := a.opts.Debounce
		if deadline := cur.firstAt.Add(a.opts.MaxWait); now.Add(wait).After(deadline) {
			wait = deadline.Sub(now)
			if wait < 0 {
				wait = 0
			}
		}
		timer.Stop()
		select {
		case <-timer.C:
		default:
		}
		timer.Reset(wait)
		timerC = timer.C
	}

	collapsed := func() {
		a.opts.Logger.Warn("change queue overflow, rescanning all roots", "dropped_events", a.dropped.Load())
		if a.opts.OnOverflow != nil {
			a.opts.OnOverflow()
		}
	}

	for {
		var outC chan Pulse
		var next Pulse
		if ready != nil {
			outC = a.out
			next = ready.pulse()
		}

		select {
		case <-ctx.Done():
			timer.Stop()
			return

		case ev := <-a.queue:
			cur.roots[ev.Root] = struct{}{}
			if !cur.rescan {
				cur.paths[ev.Path] = struct{}{}
				if len(cur.paths) > a.opts.MaxPendingPaths {
					cur.collapse()
					collapsed()
				}
			}
			arm()

		case <-a.kick:
			if a.overflow.Swap(false) {
				// Whatever is still queued is covered by the rescan.
				a.drainQueue(cur)
				cur.collapse()
				collapsed()
			}
			if a.manual.Swap(false) {
				cur.manual = true
			}
			if !cur.empty() {
				arm()
			}

		case <-timerC:
			timerC = nil
			if cur.empty() {
				continue
			}
			if ready == nil {
				ready = cur
			} else if ready.merge(cur, a.opts.MaxPendingPaths) {
				collapsed()
			}
			cur = newPending()

		case outC <- next:
			ready = nil
		}
	}
}

func (a *Aggregator) drainQueue(p *pending) {
	for {
		select {
		case ev := <-a.queue:
			p.roots[ev.Root] = struct{}{}
		default:
			return
		}
	}
}
