package cli

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"assetweaver/internal/config"
	"assetweaver/internal/metrics"
	"assetweaver/internal/pipeline"
	"assetweaver/internal/watch"
)

type watchFlags struct {
	pack        bool
	poll        time.Duration
	metricsAddr string
}

func newWatchCommand(g *globalFlags, stdout, stderr io.Writer) *cobra.Command {
	f := &watchFlags{}
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Import continuously as sources change",
		Long:  "watch runs a cycle at startup and then one per batch of file changes, until interrupted.",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := g.setup(cmd.Context(), stderr, func(c *config.Config) {
				if f.pack {
					c.Pack.Enabled = true
				}
				if cmd.Flags().Changed("poll") {
					c.Watch.PollInterval = f.poll
				}
				if f.metricsAddr != "" {
					c.Metrics.Addr = f.metricsAddr
				}
			})
			if err != nil {
				return err
			}
			defer e.close()

			o, err := e.orchestrator()
			if err != nil {
				return err
			}
			return runWatch(cmd.Context(), e, o)
		},
	}
	cmd.Flags().BoolVar(&f.pack, "pack", false, "pack the output trees after every cycle")
	cmd.Flags().DurationVar(&f.poll, "poll", 0, "poll for changes at this interval instead of using native events")
	cmd.Flags().StringVar(&f.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9090")
	return cmd
}

func runWatch(ctx context.Context, e *env, o *pipeline.Orchestrator) error {
	cfg := e.cfg

	var notifier watch.Notifier
	if cfg.Watch.PollInterval > 0 {
		notifier = watch.NewPollNotifier(cfg.Watch.PollInterval, e.log)
	} else {
		notifier = watch.NewFSNotifier(e.log)
	}
	agg := watch.NewAggregator(notifier, cfg.WatchRoots(), watch.Options{
		Debounce:        cfg.Watch.Debounce,
		QueueSize:       cfg.Watch.QueueSize,
		MaxPendingPaths: cfg.Watch.MaxPendingPaths,
		Logger:          e.log,
		OnOverflow:      e.metrics.Overflow,
	})

	grp, gctx := errgroup.WithContext(ctx)
	grp.Go(func() error { return agg.Run(gctx) })
	grp.Go(func() error {
		return o.Run(gctx, agg.Pulses(), pipeline.RunOptions{Pack: cfg.Pack.Enabled})
	})
	if cfg.Metrics.Addr != "" {
		grp.Go(func() error { return metrics.Serve(gctx, cfg.Metrics.Addr, e.registry) })
		e.log.Info("serving metrics", "addr", cfg.Metrics.Addr)
	}

	e.log.Info("watching for changes", "roots", len(cfg.WatchRoots()))
	err := grp.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}
