package pipeline

import (
	"context"
	"errors"

	"assetweaver/internal/assetdb"
	"assetweaver/internal/watch"
)

// Run is continuous mode. It runs a startup cycle, then one cycle per pulse
// until ctx is done or pulses is closed.
//
// Fatal cycle errors are logged and the orchestrator waits for the next
// pulse; unsaved results are retried then. Pulses that only echo the
// previous cycle's own writes are skipped.
func (o *Orchestrator) Run(ctx context.Context, pulses <-chan watch.Pulse, opts RunOptions) error {
	startup := opts
	startup.Trigger = "startup"
	o.cycleAndIdle(ctx, startup)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case pulse, ok := <-pulses:
			if !ok {
				return nil
			}
			if !pulse.RescanAll && !pulse.Manual && o.isEcho(pulse.Paths) {
				o.log.Debug("skipping pulse caused by own writes", "paths", len(pulse.Paths))
				continue
			}
			cycleOpts := opts
			cycleOpts.Trigger = triggerOf(pulse)
			o.cycleAndIdle(ctx, cycleOpts)
		}
	}
}

func (o *Orchestrator) cycleAndIdle(ctx context.Context, opts RunOptions) {
	_, err := o.RunOnce(ctx, opts)
	switch {
	case err == nil, errors.Is(err, context.Canceled):
	case errors.Is(err, assetdb.ErrPersistence):
		o.log.Warn("results kept in memory, persist will be retried", "error", err)
	default:
		o.log.Error("cycle failed", "error", err)
	}
	o.progress.update(func(s *Snapshot) { s.Stage = StageIdle })
}

func triggerOf(p watch.Pulse) string {
	switch {
	case p.Manual:
		return "manual"
	case p.RescanAll:
		return "rescan"
	default:
		return "watch"
	}
}
