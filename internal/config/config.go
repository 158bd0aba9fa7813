// internal/config/config.go
//
// This package holds the global batchflow configuration. It is loaded once in
// main and handed by pointer to every component that needs it.

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

const (
	// DefaultFile is looked up in the working directory when no --config is given.
	DefaultFile = "batchflow.yml"

	// EnvPrefix prefixes environment overrides, e.g. BATCHFLOW_OUTPUT_OUTPUT_DIR.
	EnvPrefix = "BATCHFLOW"

	BackendSlurm = "slurm"
	BackendLocal = "local"
)

// GlobalConfig carries pipeline-wide knobs.
type GlobalConfig struct {
	Prefix         string `mapstructure:"prefix" validate:"required"`
	MaxJobs        int    `mapstructure:"max_jobs" validate:"gte=1"`
	MaxJobsInQueue int    `mapstructure:"max_jobs_in_queue" validate:"gte=0"`
	Backend        string `mapstructure:"backend" validate:"oneof=slurm local"`
	FailFast       bool   `mapstructure:"fail_fast"`
}

// OutputConfig controls where tasks write and how often the queue is polled.
type OutputConfig struct {
	OutputDir     string        `mapstructure:"output_dir" validate:"required"`
	PingFrequency time.Duration `mapstructure:"ping_frequency" validate:"gt=0"`
	QueryTimeout  time.Duration `mapstructure:"query_timeout" validate:"gt=0"`
	SubmitTimeout time.Duration `mapstructure:"submit_timeout" validate:"gt=0"`
	WaitTimeout   time.Duration `mapstructure:"wait_timeout" validate:"gt=0"`
}

// LoggingConfig configures the root zerolog logger.
type LoggingConfig struct {
	Level   string `mapstructure:"level" validate:"oneof=debug info warn error"`
	NoColor bool   `mapstructure:"no_color"`
	File    bool   `mapstructure:"file"`
}

// ToolConfig locates one external tool and the batch resources it requests.
type ToolConfig struct {
	Location   string `mapstructure:"location"`
	CondaEnv   string `mapstructure:"conda_env"`
	Executable string `mapstructure:"executable"`
	Partition  string `mapstructure:"partition"`
	Account    string `mapstructure:"account"`
	Mem        string `mapstructure:"mem"`
	Time       string `mapstructure:"time"`
	GPUs       int    `mapstructure:"gpus" validate:"gte=0"`
}

// SNANAConfig points to the simulation package install.
type SNANAConfig struct {
	SimDir string `mapstructure:"sim_dir"`
}

// Config holds the runtime configuration for batchflow.
type Config struct {
	Global   GlobalConfig          `mapstructure:"global"`
	Output   OutputConfig          `mapstructure:"output"`
	DataDirs []string              `mapstructure:"data_dirs"`
	Logging  LoggingConfig         `mapstructure:"logging"`
	Batch    ToolConfig            `mapstructure:"batch"`
	Tools    map[string]ToolConfig `mapstructure:"tools" validate:"dive"`
	SNANA    SNANAConfig           `mapstructure:"snana"`

	// Path is the file the configuration was read from, empty for defaults.
	Path string `mapstructure:"-"`
	// BaseDir resolves relative paths; the config file's directory or cwd.
	BaseDir string `mapstructure:"-"`
}

// Load reads the config file at path (or DefaultFile when path is empty and
// the default exists), applies BATCHFLOW_ environment overrides and validates
// the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	explicit := strings.TrimSpace(path) != ""
	if !explicit {
		path = DefaultFile
	}
	base, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: working directory: %w", err)
	}

	used := ""
	if _, statErr := os.Stat(path); statErr == nil {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		used, _ = filepath.Abs(path)
		base = filepath.Dir(used)
	} else if explicit || !errors.Is(statErr, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: read %s: %w", path, statErr)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	cfg.Path = used
	cfg.BaseDir = base

	cfg.applyDefaults()
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Default returns a validated configuration rooted at baseDir. Tests and the
// local backend use it when no config file exists.
func Default(baseDir string) *Config {
	cfg := &Config{BaseDir: baseDir}
	cfg.applyDefaults()
	cfg.normalize()
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("global.prefix", "BF")
	v.SetDefault("global.max_jobs", 100)
	v.SetDefault("global.max_jobs_in_queue", 1000)
	v.SetDefault("global.backend", BackendSlurm)
	v.SetDefault("global.fail_fast", false)
	v.SetDefault("output.output_dir", "output")
	v.SetDefault("output.ping_frequency", "20s")
	v.SetDefault("output.query_timeout", "30s")
	v.SetDefault("output.submit_timeout", "60s")
	v.SetDefault("output.wait_timeout", "12h")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.no_color", false)
	v.SetDefault("logging.file", true)
	v.SetDefault("snana.sim_dir", "$SNDATA_ROOT/SIM")
}

func (c *Config) applyDefaults() {
	if c.Global.Prefix == "" {
		c.Global.Prefix = "BF"
	}
	if c.Global.MaxJobs == 0 {
		c.Global.MaxJobs = 100
	}
	if c.Global.Backend == "" {
		c.Global.Backend = BackendSlurm
	}
	if c.Output.OutputDir == "" {
		c.Output.OutputDir = "output"
	}
	if c.Output.PingFrequency == 0 {
		c.Output.PingFrequency = 20 * time.Second
	}
	if c.Output.QueryTimeout == 0 {
		c.Output.QueryTimeout = 30 * time.Second
	}
	if c.Output.SubmitTimeout == 0 {
		c.Output.SubmitTimeout = time.Minute
	}
	if c.Output.WaitTimeout == 0 {
		c.Output.WaitTimeout = 12 * time.Hour
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Tools == nil {
		c.Tools = map[string]ToolConfig{}
	}
	if c.Batch.Time == "" {
		c.Batch.Time = "2:00:00"
	}
	if c.Batch.Mem == "" {
		c.Batch.Mem = "4GB"
	}
}

func (c *Config) normalize() {
	c.Global.Prefix = strings.TrimSpace(c.Global.Prefix)
	c.Global.Backend = strings.ToLower(strings.TrimSpace(c.Global.Backend))
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	c.Output.OutputDir = resolvePath(c.BaseDir, os.ExpandEnv(c.Output.OutputDir))
	dirs := make([]string, 0, len(c.DataDirs))
	for _, dir := range c.DataDirs {
		if resolved := resolvePath(c.BaseDir, os.ExpandEnv(dir)); resolved != "" {
			dirs = append(dirs, resolved)
		}
	}
	c.DataDirs = dirs
	tools := make(map[string]ToolConfig, len(c.Tools))
	for name, tool := range c.Tools {
		tool.Location = strings.TrimSpace(os.ExpandEnv(tool.Location))
		tools[strings.ToLower(strings.TrimSpace(name))] = tool
	}
	c.Tools = tools
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("mapstructure"), ",", 2)[0]
		if name == "" || name == "-" {
			return fld.Name
		}
		return name
	})
	return v
}

func (c *Config) validate() error {
	if err := validate.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			msgs := make([]string, 0, len(fieldErrs))
			for _, fe := range fieldErrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q (got %v)", fieldPath(fe.Namespace()), fe.Tag(), fe.Value()))
			}
			return errors.New(strings.Join(msgs, "; "))
		}
		return err
	}
	if c.Global.MaxJobsInQueue > 0 && c.Global.MaxJobsInQueue < c.Global.MaxJobs {
		return fmt.Errorf("global.max_jobs_in_queue (%d) must be >= global.max_jobs (%d)", c.Global.MaxJobsInQueue, c.Global.MaxJobs)
	}
	return nil
}

// fieldPath drops the root struct name from a validator namespace.
func fieldPath(ns string) string {
	if idx := strings.Index(ns, "."); idx >= 0 {
		return ns[idx+1:]
	}
	return ns
}

// Tool returns the named tool configuration with unset batch resources
// filled from the batch section.
func (c *Config) Tool(name string) ToolConfig {
	tool := c.Tools[strings.ToLower(name)]
	if tool.Partition == "" {
		tool.Partition = c.Batch.Partition
	}
	if tool.Account == "" {
		tool.Account = c.Batch.Account
	}
	if tool.Mem == "" {
		tool.Mem = c.Batch.Mem
	}
	if tool.Time == "" {
		tool.Time = c.Batch.Time
	}
	if tool.CondaEnv == "" {
		tool.CondaEnv = c.Batch.CondaEnv
	}
	return tool
}

// ToolNames lists configured tools in sorted order.
func (c *Config) ToolNames() []string {
	names := make([]string, 0, len(c.Tools))
	for name := range c.Tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LogsDir returns where the run log file lives for the named pipeline.
func (c *Config) LogsDir(pipeline string) string {
	return filepath.Join(c.PipelineDir(pipeline), "logs")
}

// PipelineDir returns the output root for the named pipeline.
func (c *Config) PipelineDir(pipeline string) string {
	return filepath.Join(c.Output.OutputDir, pipeline)
}

// PipelinePrefix returns the job and version prefix for the named pipeline.
func (c *Config) PipelinePrefix(pipeline string) string {
	return c.Global.Prefix + "_" + pipeline
}

// ResolveData locates an input file. Environment variables are expanded,
// absolute paths must exist and relative paths are searched through
// data_dirs in order.
func (c *Config) ResolveData(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", fmt.Errorf("config: empty data path")
	}
	if strings.Contains(trimmed, "$") {
		expanded := os.ExpandEnv(trimmed)
		if strings.Contains(expanded, "$") || expanded == "" {
			return "", fmt.Errorf("config: unresolved variable in %s", trimmed)
		}
		trimmed = expanded
	}
	if filepath.IsAbs(trimmed) {
		if _, err := os.Stat(trimmed); err != nil {
			return "", fmt.Errorf("config: data path %s: %w", trimmed, err)
		}
		return filepath.Clean(trimmed), nil
	}
	for _, dir := range c.DataDirs {
		candidate := filepath.Join(dir, trimmed)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("config: %s not found in data dirs %v", trimmed, c.DataDirs)
}

// ResolveOutput makes path absolute against the output directory.
func (c *Config) ResolveOutput(path string) string {
	trimmed := os.ExpandEnv(strings.TrimSpace(path))
	if trimmed == "" {
		return ""
	}
	if filepath.IsAbs(trimmed) {
		return filepath.Clean(trimmed)
	}
	return filepath.Join(c.Output.OutputDir, trimmed)
}

// SimDir returns the expanded SNANA simulation directory.
func (c *Config) SimDir() string {
	return os.ExpandEnv(c.SNANA.SimDir)
}

func resolvePath(base, candidate string) string {
	trimmed := strings.TrimSpace(candidate)
	if trimmed == "" {
		return ""
	}
	if filepath.IsAbs(trimmed) {
		return filepath.Clean(trimmed)
	}
	return filepath.Clean(filepath.Join(base, trimmed))
}
