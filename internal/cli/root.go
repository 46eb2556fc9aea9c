package cli

import (
	"context"
	"fmt"
	"io"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"assetweaver/internal/config"
	"assetweaver/internal/importer"
	"assetweaver/internal/logging"
	"assetweaver/internal/metrics"
	"assetweaver/internal/pack"
	"assetweaver/internal/pipeline"
	"assetweaver/internal/trace"
)

// globalFlags are the persistent flags shared by every command.
type globalFlags struct {
	configFile string
	projectDir string
	logMode    string
	logLevel   string
}

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	g := &globalFlags{}

	root := &cobra.Command{
		Use:           "assetweaver",
		Short:         "Incremental asset import pipeline",
		Long:          "assetweaver imports source assets into output trees, re-importing only what changed since the last run.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				return invalidInvocationf("unknown command %q", args[0])
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return &InvocationError{ExitCode: ExitInvalidInvocation, Message: cmd.CommandPath(), Cause: err}
	})

	pf := root.PersistentFlags()
	pf.StringVar(&g.configFile, "config", "", "config file (default: <project>/"+config.FileName+")")
	pf.StringVar(&g.projectDir, "project", "", "project directory (default: working directory)")
	pf.StringVar(&g.logMode, "log-mode", "", "log format: dev|prod")
	pf.StringVar(&g.logLevel, "log-level", "", "log level: debug|info|warn|error")

	root.AddCommand(
		newImportCommand(g, stdout, stderr),
		newWatchCommand(g, stdout, stderr),
		newStatusCommand(g, stdout),
	)
	return root
}

func noArgs(cmd *cobra.Command, args []string) error {
	if len(args) > 0 {
		return invalidInvocationf("%s takes no arguments, got %q", cmd.CommandPath(), args)
	}
	return nil
}

// env is everything a command needs, built from config and flags.
type env struct {
	cfg      *config.Config
	log      *logging.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	shutdown func(context.Context) error
}

func (g *globalFlags) load() (*config.Config, error) {
	cfg, err := config.Load(config.Options{File: g.configFile, ProjectDir: g.projectDir})
	if err != nil {
		return nil, configError("configuration", err)
	}
	if g.logMode != "" {
		cfg.Log.Mode = g.logMode
	}
	if g.logLevel != "" {
		cfg.Log.Level = g.logLevel
	}
	return cfg, nil
}

func (g *globalFlags) setup(ctx context.Context, stderr io.Writer, tweak func(*config.Config)) (*env, error) {
	cfg, err := g.load()
	if err != nil {
		return nil, err
	}
	if tweak != nil {
		tweak(cfg)
		if err := cfg.Validate(); err != nil {
			return nil, configError("configuration", err)
		}
	}

	log, err := logging.New(logging.Options{Mode: cfg.Log.Mode, Level: cfg.Log.Level, Output: stderr})
	if err != nil {
		return nil, configError("logging", err)
	}

	shutdown, err := trace.Setup(ctx, cfg.Trace.OtelFile, Version, log)
	if err != nil {
		return nil, configError("tracing", err)
	}

	reg := prometheus.NewRegistry()
	return &env{
		cfg:      cfg,
		log:      log,
		registry: reg,
		metrics:  metrics.MustNew(reg),
		shutdown: shutdown,
	}, nil
}

func (e *env) close() {
	if err := e.shutdown(context.Background()); err != nil {
		e.log.Warn("span exporter shutdown failed", "error", err)
	}
	e.log.Sync()
}

func (e *env) orchestrator() (*pipeline.Orchestrator, error) {
	cfg := e.cfg
	trees := make(map[string]string, len(cfg.Sources))
	for _, s := range cfg.Sources {
		trees[s.Name] = s.Output
	}

	var packer pack.Packer
	if cfg.Pack.Enabled {
		packTrees := make([]pack.Tree, 0, len(cfg.Outputs))
		for _, o := range cfg.Outputs {
			packTrees = append(packTrees, pack.Tree{Name: o.Name, Dir: o.Path})
		}
		packer = pack.NewZipPacker(cfg.Pack.Path, packTrees)
	}

	for _, s := range cfg.Sources {
		if !dirExists(s.Path) {
			e.log.Debug("source root missing, treated as empty", "root", s.Name, "path", s.Path)
		}
	}

	o, err := pipeline.New(pipeline.Config{
		Roots:            cfg.Roots(),
		Exclude:          cfg.Exclude(),
		Classify:         cfg.Classifier(),
		OutputTrees:      trees,
		Layout:           cfg.Layout(),
		DatabasePath:     cfg.Database,
		Workers:          cfg.WorkerCount(),
		RebuildOnCorrupt: cfg.RebuildOnCorrupt,
		JournalFile:      cfg.Trace.JournalFile,
		Registry:         importer.DefaultRegistry(),
		Packer:           packer,
		Logger:           e.log,
		Metrics:          e.metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("opening database %s: %w", filepath.Base(cfg.Database), err)
	}
	return o, nil
}
