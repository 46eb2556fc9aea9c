package cli

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/spf13/cobra"

	"assetweaver/internal/config"
	"assetweaver/internal/pipeline"
)

type importFlags struct {
	pack             bool
	rebuildOnCorrupt bool
	workers          int
	journal          string
}

func newImportCommand(g *globalFlags, stdout, stderr io.Writer) *cobra.Command {
	f := &importFlags{}
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Run one import cycle",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := g.setup(cmd.Context(), stderr, func(c *config.Config) {
				if cmd.Flags().Changed("workers") {
					c.Workers = f.workers
				}
				if f.rebuildOnCorrupt {
					c.RebuildOnCorrupt = true
				}
				if f.pack {
					c.Pack.Enabled = true
				}
				if f.journal != "" {
					if abs, err := filepath.Abs(f.journal); err == nil {
						c.Trace.JournalFile = abs
					}
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
			rep, runErr := o.RunOnce(cmd.Context(), pipeline.RunOptions{Pack: e.cfg.Pack.Enabled, Trigger: "manual"})
			printReport(stdout, rep)
			if runErr != nil {
				return runErr
			}
			if code := reportExitCode(rep); code != ExitSuccess {
				return &exitError{code: code}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&f.pack, "pack", false, "pack the output trees after importing")
	cmd.Flags().BoolVar(&f.rebuildOnCorrupt, "rebuild-on-corrupt", false, "quarantine an unreadable database and rebuild from scratch")
	cmd.Flags().IntVar(&f.workers, "workers", 0, "concurrent imports (0 = number of CPUs)")
	cmd.Flags().StringVar(&f.journal, "journal", "", "write the cycle journal to this file")
	return cmd
}

func printReport(w io.Writer, rep *pipeline.Report) {
	if rep == nil {
		return
	}
	c := rep.Counts
	fmt.Fprintf(w, "cycle %s %s: scanned=%d stale=%d imported=%d failed=%d orphaned=%d\n",
		rep.CycleID, rep.Result, c.Scanned, c.Stale, c.Imported, c.Failed, c.Orphaned)
	for _, d := range rep.Duplicates {
		fmt.Fprintf(w, "duplicate %s: kept %s, ignored %s\n", d.Key, d.Kept, d.Ignored)
	}
	for _, f := range rep.Failures {
		fmt.Fprintf(w, "failed %s: %s\n", f.Key, f.Reason)
	}
	if rep.PackErr != nil {
		fmt.Fprintf(w, "pack failed: %v\n", rep.PackErr)
	}
	if rep.JournalHash != "" {
		fmt.Fprintf(w, "journal %s\n", rep.JournalHash)
	}
}
