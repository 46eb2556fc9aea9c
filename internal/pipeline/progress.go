package pipeline

import "sync"

// Counts are the per-cycle tallies exposed to callers.
type Counts struct {
	Scanned  int `json:"scanned"`
	Stale    int `json:"stale"`
	Imported int `json:"imported"`
	Failed   int `json:"failed"`
	Orphaned int `json:"orphaned"`
}

// Snapshot is the observable state of the orchestrator.
type Snapshot struct {
	CycleID string `json:"cycle_id"`
	Trigger string `json:"trigger"`
	Stage   Stage  `json:"stage"`
	Result  Result `json:"result,omitempty"`
	Counts  Counts `json:"counts"`
}

// Progress publishes snapshots. Callers either poll Snapshot or Subscribe.
// It is safe for concurrent use.
type Progress struct {
	mu   sync.Mutex
	snap Snapshot
	subs map[int]chan Snapshot
	next int
}

func newProgress() *Progress {
	return &Progress{snap: Snapshot{Stage: StageIdle}, subs: make(map[int]chan Snapshot)}
}

// Snapshot returns the current state.
func (p *Progress) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snap
}

// Subscribe returns a channel receiving every published snapshot and a
// function that ends the subscription. A slow subscriber only loses
// intermediate snapshots; the newest one is always delivered.
func (p *Progress) Subscribe() (<-chan Snapshot, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.next
	p.next++
	ch := make(chan Snapshot, 1)
	ch <- p.snap
	p.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			delete(p.subs, id)
			close(ch)
		})
	}
}

func (p *Progress) update(fn func(*Snapshot)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(&p.snap)
	for _, ch := range p.subs {
		select {
		case ch <- p.snap:
		default:
			// Replace the stale pending snapshot.
			select {
			case <-ch:
			default:
			}
			ch <- p.snap
		}
	}
}
