// Package config loads pipeline settings from a YAML file, the environment
// and built-in defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"

	"assetweaver/internal/assetdb"
	"assetweaver/internal/core"
)

// FileName is the config file looked up in the project directory.
const FileName = "assetweaver.yaml"

// EnvPrefix prefixes environment overrides, e.g. ASSETWEAVER_WORKERS.
const EnvPrefix = "ASSETWEAVER"

// Source is one source root.
type Source struct {
	Name      string `mapstructure:"name"`
	Path      string `mapstructure:"path"`
	Namespace string `mapstructure:"namespace"`
	Output    string `mapstructure:"output"`
	Codegen   bool   `mapstructure:"codegen"`
}

// Output is one output tree.
type Output struct {
	Name string `mapstructure:"name"`
	Path string `mapstructure:"path"`
}

type MetaConfig struct {
	DirectoryFile string `mapstructure:"directory_file"`
	SidecarSuffix string `mapstructure:"sidecar_suffix"`
}

type WatchConfig struct {
	Debounce        time.Duration `mapstructure:"debounce"`
	QueueSize       int           `mapstructure:"queue_size"`
	MaxPendingPaths int           `mapstructure:"max_pending_paths"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
}

type PackConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type LogConfig struct {
	Mode  string `mapstructure:"mode"`
	Level string `mapstructure:"level"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

type TraceConfig struct {
	OtelFile    string `mapstructure:"otel_file"`
	JournalFile string `mapstructure:"journal_file"`
}

// Config is the fully resolved configuration. All paths are absolute after
// Load.
type Config struct {
	Sources          []Source      `mapstructure:"sources"`
	Outputs          []Output      `mapstructure:"outputs"`
	Database         string        `mapstructure:"database"`
	Meta             MetaConfig    `mapstructure:"meta"`
	Workers          int           `mapstructure:"workers"`
	Watch            WatchConfig   `mapstructure:"watch"`
	RebuildOnCorrupt bool          `mapstructure:"rebuild_on_corrupt"`
	Pack             PackConfig    `mapstructure:"pack"`
	Log              LogConfig     `mapstructure:"log"`
	Metrics          MetricsConfig `mapstructure:"metrics"`
	Trace            TraceConfig   `mapstructure:"trace"`

	// File is the config file that was read, empty when defaults were used.
	File string `mapstructure:"-"`
	// BaseDir anchors relative paths.
	BaseDir string `mapstructure:"-"`
}

// Options controls where Load looks.
type Options struct {
	// File is an explicit config file. It must exist when set.
	File string
	// ProjectDir is searched for FileName and anchors relative paths when no
	// file is found. Defaults to the working directory.
	ProjectDir string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("sources", []map[string]any{
		{"name": "assets_src", "path": "assets_src", "namespace": "assets", "output": "assets"},
		{"name": "shared_assets_src", "path": "shared_assets_src", "namespace": "assets", "output": "assets"},
		{"name": "gen_src", "path": "gen_src", "namespace": "codegen", "output": "gen", "codegen": true},
	})
	v.SetDefault("outputs", []map[string]any{
		{"name": "assets", "path": "assets"},
		{"name": "gen", "path": "gen"},
	})
	v.SetDefault("database", "")
	v.SetDefault("meta.directory_file", "_dir.meta")
	v.SetDefault("meta.sidecar_suffix", ".meta")
	v.SetDefault("workers", 0)
	v.SetDefault("watch.debounce", 250*time.Millisecond)
	v.SetDefault("watch.queue_size", 1024)
	v.SetDefault("watch.max_pending_paths", 4096)
	v.SetDefault("watch.poll_interval", time.Duration(0))
	v.SetDefault("rebuild_on_corrupt", false)
	v.SetDefault("pack.enabled", false)
	v.SetDefault("pack.path", "")
	v.SetDefault("log.mode", "dev")
	v.SetDefault("log.level", "info")
	v.SetDefault("metrics.addr", "")
	v.SetDefault("trace.otel_file", "")
	v.SetDefault("trace.journal_file", "")
}

// Load reads the configuration, resolves relative paths and validates it.
func Load(opts Options) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	projectDir := opts.ProjectDir
	if projectDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolving working directory: %w", err)
		}
		projectDir = wd
	}
	projectDir, err := filepath.Abs(projectDir)
	if err != nil {
		return nil, fmt.Errorf("resolving project directory: %w", err)
	}

	cfgFile := opts.File
	if cfgFile == "" {
		candidate := filepath.Join(projectDir, FileName)
		if _, statErr := os.Stat(candidate); statErr == nil {
			cfgFile = candidate
		}
	}

	baseDir := projectDir
	if cfgFile != "" {
		abs, err := filepath.Abs(cfgFile)
		if err != nil {
			return nil, fmt.Errorf("resolving config path: %w", err)
		}
		cfgFile = abs
		v.SetConfigFile(cfgFile)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", cfgFile, err)
		}
		if opts.ProjectDir == "" {
			baseDir = filepath.Dir(cfgFile)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	cfg.File = cfgFile
	cfg.BaseDir = baseDir
	cfg.resolvePaths()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) abs(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.BaseDir, p)
}

func (c *Config) resolvePaths() {
	for i := range c.Sources {
		c.Sources[i].Path = c.abs(c.Sources[i].Path)
	}
	for i := range c.Outputs {
		c.Outputs[i].Path = c.abs(c.Outputs[i].Path)
	}
	if c.Database == "" && len(c.Outputs) > 0 {
		c.Database = filepath.Join(c.Outputs[0].Path, ".assetweaver", "import-db.json")
	}
	c.Database = c.abs(c.Database)
	if c.Pack.Path == "" && len(c.Outputs) > 0 {
		c.Pack.Path = c.Outputs[0].Path + ".pack.zip"
	}
	c.Pack.Path = c.abs(c.Pack.Path)
	c.Trace.OtelFile = c.abs(c.Trace.OtelFile)
	c.Trace.JournalFile = c.abs(c.Trace.JournalFile)
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error
	if len(c.Sources) == 0 {
		errs = append(errs, errors.New("config: at least one source is required"))
	}
	if len(c.Outputs) == 0 {
		errs = append(errs, errors.New("config: at least one output is required"))
	}

	names := make(map[string]bool)
	outputs := make(map[string]bool)
	for i, o := range c.Outputs {
		switch {
		case o.Name == "":
			errs = append(errs, fmt.Errorf("config: outputs[%d]: name is required", i))
		case names[o.Name]:
			errs = append(errs, fmt.Errorf("config: duplicate root name %q", o.Name))
		}
		if o.Path == "" {
			errs = append(errs, fmt.Errorf("config: outputs[%d]: path is required", i))
		}
		names[o.Name] = true
		outputs[o.Name] = true
	}
	for i, s := range c.Sources {
		switch {
		case s.Name == "":
			errs = append(errs, fmt.Errorf("config: sources[%d]: name is required", i))
		case names[s.Name]:
			errs = append(errs, fmt.Errorf("config: duplicate root name %q", s.Name))
		}
		names[s.Name] = true
		if s.Path == "" {
			errs = append(errs, fmt.Errorf("config: sources[%d]: path is required", i))
		}
		if s.Namespace == "" {
			errs = append(errs, fmt.Errorf("config: sources[%d]: namespace is required", i))
		} else if strings.Contains(s.Namespace, ":") {
			errs = append(errs, fmt.Errorf("config: sources[%d]: namespace %q must not contain ':'", i, s.Namespace))
		}
		if !outputs[s.Output] {
			errs = append(errs, fmt.Errorf("config: sources[%d]: unknown output %q", i, s.Output))
		}
	}

	if c.Workers < 0 {
		errs = append(errs, fmt.Errorf("config: workers must not be negative, got %d", c.Workers))
	}
	if c.Watch.QueueSize <= 0 {
		errs = append(errs, fmt.Errorf("config: watch.queue_size must be positive, got %d", c.Watch.QueueSize))
	}
	if c.Watch.Debounce < 0 {
		errs = append(errs, errors.New("config: watch.debounce must not be negative"))
	}
	if c.Meta.DirectoryFile == "" {
		errs = append(errs, errors.New("config: meta.directory_file is required"))
	}
	if c.Meta.SidecarSuffix == "" {
		errs = append(errs, errors.New("config: meta.sidecar_suffix is required"))
	}
	if c.Database == "" {
		errs = append(errs, errors.New("config: database path is required"))
	}
	return errors.Join(errs...)
}

// WorkerCount is the effective pool size.
func (c *Config) WorkerCount() int {
	if c.Workers > 0 {
		return c.Workers
	}
	return runtime.NumCPU()
}

// Roots returns the scan roots in configured order.
func (c *Config) Roots() []core.Root {
	roots := make([]core.Root, 0, len(c.Sources))
	for _, s := range c.Sources {
		roots = append(roots, core.Root{
			Name:      s.Name,
			Path:      s.Path,
			Namespace: s.Namespace,
			Codegen:   s.Codegen,
		})
	}
	return roots
}

// Layout maps each output tree name to its directory.
func (c *Config) Layout() assetdb.Layout {
	layout := make(assetdb.Layout, len(c.Outputs))
	for _, o := range c.Outputs {
		layout[o.Name] = o.Path
	}
	return layout
}

// OutputTree returns the output tree name a source root writes into.
func (c *Config) OutputTree(sourceName string) string {
	for _, s := range c.Sources {
		if s.Name == sourceName {
			return s.Output
		}
	}
	return ""
}

// Exclude lists directories the scanner must not descend into.
func (c *Config) Exclude() []string {
	out := make([]string, 0, len(c.Outputs)+1)
	for _, o := range c.Outputs {
		out = append(out, o.Path)
	}
	if c.Database != "" {
		out = append(out, filepath.Dir(c.Database))
	}
	return out
}

// WatchRoots lists every tree the watcher subscribes to: sources then outputs.
func (c *Config) WatchRoots() []string {
	out := make([]string, 0, len(c.Sources)+len(c.Outputs))
	for _, s := range c.Sources {
		out = append(out, s.Path)
	}
	for _, o := range c.Outputs {
		out = append(out, o.Path)
	}
	return out
}

// Classifier recognises meta files by the configured names.
func (c *Config) Classifier() core.Classifier {
	return core.MetaClassifier(c.Meta.DirectoryFile, c.Meta.SidecarSuffix)
}
