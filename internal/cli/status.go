package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"assetweaver/internal/assetdb"
	"assetweaver/internal/core"
)

type statusFailure struct {
	Key    core.AssetKey `json:"key"`
	Reason string        `json:"reason"`
}

type statusReport struct {
	Database string          `json:"database"`
	Exists   bool            `json:"exists"`
	Records  int             `json:"records"`
	Failures []statusFailure `json:"failures"`
}

func newStatusCommand(g *globalFlags, stdout io.Writer) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the last persisted import state",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			// Only the last fully persisted file is read.
			db, err := assetdb.Open(cfg.Database, cfg.Layout())
			if err != nil {
				return err
			}

			rep := statusReport{Database: cfg.Database, Exists: fileExists(cfg.Database), Records: db.Len(), Failures: []statusFailure{}}
			for key, f := range db.Failures() {
				rep.Failures = append(rep.Failures, statusFailure{Key: key, Reason: f.Reason})
			}
			sort.Slice(rep.Failures, func(i, j int) bool { return rep.Failures[i].Key < rep.Failures[j].Key })

			if asJSON {
				enc := json.NewEncoder(stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(rep)
			}
			if !rep.Exists {
				fmt.Fprintf(stdout, "database %s: not yet written\n", rep.Database)
			} else {
				fmt.Fprintf(stdout, "database %s\n", rep.Database)
			}
			fmt.Fprintf(stdout, "records=%d failures=%d\n", rep.Records, len(rep.Failures))
			for _, f := range rep.Failures {
				fmt.Fprintf(stdout, "failed %s: %s\n", f.Key, f.Reason)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func fileExists(p string) bool {
	info, err := os.Stat(p)
	return err == nil && info.Mode().IsRegular()
}

func dirExists(p string) bool {
	info, err := os.Stat(p)
	return err == nil && info.IsDir()
}
