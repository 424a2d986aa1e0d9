// Package registry loads the executables to test from a YAML or TOML file.
package registry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/log"
	"gopkg.in/yaml.v3"
)

// FrameworkAuto asks for the framework to be detected from --help output.
const FrameworkAuto = "auto"

// ExecutableConfig is one entry of the registry file. Pattern is a glob,
// relative to the registry file, that may match several binaries.
type ExecutableConfig struct {
	Name                 string            `yaml:"name" toml:"name"`
	Pattern              string            `yaml:"pattern" toml:"pattern"`
	Framework            string            `yaml:"framework" toml:"framework"`
	Cwd                  string            `yaml:"cwd" toml:"cwd"`
	Args                 []string          `yaml:"args" toml:"args"`
	Env                  map[string]string `yaml:"env" toml:"env"`
	ParallelizationLimit int               `yaml:"parallelization_limit" toml:"parallelization_limit"`
	Timeout              string            `yaml:"timeout" toml:"timeout"`
	LowPriority          bool              `yaml:"low_priority" toml:"low_priority"`
}

// File is the layout of a registry file. Timeout and Concurrency override
// the command line defaults while the file sets them.
type File struct {
	Timeout     string             `yaml:"timeout" toml:"timeout"`
	Concurrency int                `yaml:"concurrency" toml:"concurrency"`
	Executables []ExecutableConfig `yaml:"executables" toml:"executables"`
}

// Defaults are the file-wide settings of the last load.
type Defaults struct {
	Timeout     time.Duration // Limit of executables without their own
	Concurrency int           // 0 when the file does not set it
}

// Executable is a binary resolved from the registry file.
type Executable struct {
	Name                 string
	Path                 string
	Framework            string
	Dir                  string
	Args                 []string
	Env                  []string // nil inherits the environment
	ParallelizationLimit int
	Timeout              time.Duration
	InheritsTimeout      bool // Timeout is the file-wide default
	LowPriority          bool
}

// Config contains registry configuration
type Config struct {
	Log            log.Logger
	ConfigFile     string
	Frameworks     []string // Accepted framework names besides FrameworkAuto
	DefaultTimeout time.Duration
}

// Registry holds the executables of a registry file.
type Registry struct {
	config      Config
	executables []Executable
	defaults    Defaults
	mu          sync.RWMutex
}

// NewRegistry loads cfg.ConfigFile and expands its patterns.
func NewRegistry(cfg Config) (*Registry, error) {
	if cfg.ConfigFile == "" {
		return nil, errors.New("registry config file is required")
	}
	if cfg.Log == nil {
		cfg.Log = log.New()
	}
	r := &Registry{config: cfg}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload reads the registry file again.
func (r *Registry) Reload() error {
	file, err := LoadFile(r.config.ConfigFile)
	if err != nil {
		return fmt.Errorf("failed to load registry: %w", err)
	}
	defaults := Defaults{Timeout: r.config.DefaultTimeout, Concurrency: file.Concurrency}
	if file.Timeout != "" {
		d, err := time.ParseDuration(file.Timeout)
		if err != nil {
			return fmt.Errorf("invalid timeout: %w", err)
		}
		defaults.Timeout = d
	}
	if file.Concurrency < 0 {
		return fmt.Errorf("invalid concurrency %d", file.Concurrency)
	}

	base := filepath.Dir(r.config.ConfigFile)
	var (
		executables []Executable
		names       = make(map[string]string)
	)
	for i, entry := range file.Executables {
		resolved, err := r.resolve(base, entry, defaults.Timeout)
		if err != nil {
			return fmt.Errorf("executable %d (%s): %w", i, entry.Pattern, err)
		}
		if len(resolved) == 0 {
			r.config.Log.Warn("Pattern matched no executables", "pattern", entry.Pattern)
		}
		for _, exe := range resolved {
			if prev, ok := names[exe.Name]; ok {
				return fmt.Errorf("duplicate executable name %q for %s and %s", exe.Name, prev, exe.Path)
			}
			names[exe.Name] = exe.Path
			executables = append(executables, exe)
		}
	}

	r.mu.Lock()
	r.executables = executables
	r.defaults = defaults
	r.mu.Unlock()
	r.config.Log.Debug("Registry loaded", "executables", len(executables))
	return nil
}

// Executables returns the resolved executables in file order.
func (r *Registry) Executables() []Executable {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.executables)
}

// Defaults returns the file-wide settings of the last load.
func (r *Registry) Defaults() Defaults {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaults
}

// GetConfig returns the registry configuration
func (r *Registry) GetConfig() Config {
	return r.config
}

func (r *Registry) resolve(base string, entry ExecutableConfig, timeout time.Duration) ([]Executable, error) {
	if entry.Pattern == "" {
		return nil, errors.New("pattern is required")
	}
	framework := strings.ToLower(entry.Framework)
	if framework == "" {
		framework = FrameworkAuto
	}
	if framework != FrameworkAuto && r.config.Frameworks != nil && !slices.Contains(r.config.Frameworks, framework) {
		return nil, fmt.Errorf("unknown framework %q, expected one of %s or %s",
			entry.Framework, strings.Join(r.config.Frameworks, ", "), FrameworkAuto)
	}
	inherits := entry.Timeout == ""
	if !inherits {
		d, err := time.ParseDuration(entry.Timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid timeout: %w", err)
		}
		timeout = d
	}
	if entry.ParallelizationLimit < 0 {
		return nil, fmt.Errorf("invalid parallelization limit %d", entry.ParallelizationLimit)
	}

	pattern := entry.Pattern
	if !filepath.IsAbs(pattern) {
		pattern = filepath.Join(base, pattern)
	}
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern: %w", err)
	}
	sort.Strings(matches)

	dir := entry.Cwd
	if dir != "" && !filepath.IsAbs(dir) {
		dir = filepath.Join(base, dir)
	}
	env := environ(entry.Env)

	var out []Executable
	for _, path := range matches {
		st, err := os.Stat(path)
		if err != nil || !st.Mode().IsRegular() {
			continue
		}
		if st.Mode().Perm()&0o111 == 0 {
			r.config.Log.Debug("Skipping non-executable file", "path", path)
			continue
		}
		out = append(out, Executable{
			Path:                 path,
			Framework:            framework,
			Dir:                  dir,
			Args:                 slices.Clone(entry.Args),
			Env:                  env,
			ParallelizationLimit: entry.ParallelizationLimit,
			Timeout:              timeout,
			InheritsTimeout:      inherits,
			LowPriority:          entry.LowPriority,
		})
	}
	for i := range out {
		out[i].Name = executableName(entry.Name, out[i].Path, len(out))
	}
	return out, nil
}

// executableName uses the configured name for a single match and qualifies
// it with the file name when a pattern matches several binaries.
func executableName(name, path string, matches int) string {
	file := filepath.Base(path)
	switch {
	case name == "":
		return file
	case matches > 1:
		return name + "/" + file
	default:
		return name
	}
}

func environ(extra map[string]string) []string {
	if len(extra) == 0 {
		return nil
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := os.Environ()
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}

// LoadFile parses a registry file. Files ending in .toml are read as TOML,
// anything else as YAML.
func LoadFile(path string) (*File, error) {
	log.Debug("Reading registry file", "path", path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var file File
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(string(data), &file); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
		return &file, nil
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	return &file, nil
}
