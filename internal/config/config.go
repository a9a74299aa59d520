// Package config loads hpc-connect settings from a YAML document and
// HPCC_-prefixed environment variables; the environment wins.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/sandialabs/hpc-connect/internal/launch"
)

// EnvPrefix is the fixed prefix of every configuration override variable.
const EnvPrefix = "HPCC_"

// Launch configures argument translation. Nested vendor sections override
// the top-level settings for that vendor only.
type Launch struct {
	launch.Vendor `yaml:",inline"`

	// Overrides maps a vendor name to settings replacing the top level
	// when that vendor is selected.
	Overrides map[string]launch.Vendor `yaml:"overrides"`
}

// Submit configures scheduler submission and polling.
type Submit struct {
	Backend     string        `yaml:"backend"`
	DefaultArgs []string      `yaml:"default_args"`
	PollInitial time.Duration `yaml:"poll_initial"`
	PollMax     time.Duration `yaml:"poll_max"`
	Remote      Remote        `yaml:"remote"`
}

// Remote configures the ssh submission backend.
type Remote struct {
	Host       string `yaml:"host"` // host or host:port
	User       string `yaml:"user"`
	KeyFile    string `yaml:"key_file"`
	KnownHosts string `yaml:"known_hosts"`
	Workdir    string `yaml:"workdir"`
}

type Config struct {
	Debug   bool   `yaml:"debug"`
	Launch  Launch `yaml:"launch"`
	Submit  Submit `yaml:"submit"`
	History string `yaml:"history"` // submission history database path
}

type document struct {
	HPCConnect *Config `yaml:"hpc_connect"`
}

// Load reads the configuration from path, or from the first of the default
// locations when path is empty, then applies environment overrides.
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		path = defaultPath()
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		// accept both a bare document and one nested under hpc_connect
		var doc document
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
		if doc.HPCConnect != nil {
			cfg = *doc.HPCConnect
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
		log.Debug().Str("config", path).Msg("loaded configuration file")
	}
	applyEnv(&cfg)
	cfg.normalize()
	return cfg, nil
}

// defaultPath resolves the first existing config file: ./hpc_connect.yaml,
// $HPCC_CONFIG_FILE, $XDG_CONFIG_HOME/hpc_connect/config.yaml, then
// ~/.config/hpc_connect/config.yaml.
func defaultPath() string {
	if _, err := os.Stat("hpc_connect.yaml"); err == nil {
		return "hpc_connect.yaml"
	}
	if p := os.Getenv(EnvPrefix + "CONFIG_FILE"); p != "" {
		return p
	}
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		base = filepath.Join(home, ".config")
	}
	p := filepath.Join(base, "hpc_connect", "config.yaml")
	if _, err := os.Stat(p); err == nil {
		return p
	}
	return ""
}

// applyEnv merges HPCC_* overrides on top of the file settings.
func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvPrefix + "LAUNCH_VENDOR"); v != "" {
		cfg.Launch.Name = v
	}
	if v := os.Getenv(EnvPrefix + "LAUNCH_EXEC"); v != "" {
		cfg.Launch.Exec = v
	}
	if v := os.Getenv(EnvPrefix + "LAUNCH_NUMPROC_FLAG"); v != "" {
		cfg.Launch.NumprocFlag = v
	}
	if v := os.Getenv(EnvPrefix + "LAUNCH_DEFAULT_FLAGS"); v != "" {
		cfg.Launch.DefaultFlags = strings.Fields(v)
	}
	if v := os.Getenv(EnvPrefix + "LAUNCH_LOCAL_FLAGS"); v != "" {
		cfg.Launch.LocalFlags = strings.Fields(v)
	}
	if v := os.Getenv(EnvPrefix + "LAUNCH_POST_FLAGS"); v != "" {
		cfg.Launch.PostFlags = strings.Fields(v)
	}
	if v := os.Getenv(EnvPrefix + "LAUNCH_MAPPINGS"); v != "" {
		cfg.Launch.Mappings = parseMappings(v)
	}
	if v := os.Getenv(EnvPrefix + "SUBMIT_BACKEND"); v != "" {
		cfg.Submit.Backend = v
	}
	if v := os.Getenv(EnvPrefix + "POLLING_FREQUENCY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Submit.PollInitial = d
		} else {
			log.Warn().Str("value", v).Msg("ignoring unparsable polling frequency")
		}
	}
	if v := os.Getenv(EnvPrefix + "DEBUG"); v != "" {
		switch strings.ToLower(v) {
		case "1", "yes", "true", "on":
			cfg.Debug = true
		}
	}
}

// parseMappings reads "flag=replacement" pairs separated by commas, e.g.
// "--account=SUPPRESS,-c=--cpus-per-task".
func parseMappings(v string) map[string]string {
	out := map[string]string{}
	for _, pair := range strings.Split(v, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		if i := strings.LastIndexByte(pair, '='); i > 0 {
			out[pair[:i]] = pair[i+1:]
		}
	}
	return out
}

func (c *Config) normalize() {
	if c.Launch.Name == "" {
		c.Launch.Name = "openmpi"
	}
	if c.Submit.Backend == "" {
		c.Submit.Backend = "shell"
	}
	if c.Submit.PollInitial <= 0 {
		c.Submit.PollInitial = 500 * time.Millisecond
	}
	if c.Submit.PollMax <= 0 {
		c.Submit.PollMax = 30 * time.Second
	}
}

// Vendor resolves the effective launcher vendor: builtin table, file
// settings, then any per-vendor override section; the result is what the
// translator consumes and is never mutated afterwards.
func (c *Config) Vendor() launch.Vendor {
	v := launch.LookupVendor(c.Launch.Name)
	v = merge(v, c.Launch.Vendor)
	if o, ok := c.Launch.Overrides[c.Launch.Name]; ok {
		v = merge(v, o)
	}
	v.Name = c.Launch.Name
	return v
}

func merge(base, over launch.Vendor) launch.Vendor {
	if over.Exec != "" {
		base.Exec = over.Exec
	}
	if over.NumprocFlag != "" {
		base.NumprocFlag = over.NumprocFlag
	}
	if len(over.DefaultFlags) > 0 {
		base.DefaultFlags = over.DefaultFlags
	}
	if len(over.LocalFlags) > 0 {
		base.LocalFlags = over.LocalFlags
	}
	if len(over.PostFlags) > 0 {
		base.PostFlags = over.PostFlags
	}
	if len(over.Mappings) > 0 {
		base.Mappings = over.Mappings
	}
	if over.MultiProgFlag != "" {
		base.MultiProgFlag = over.MultiProgFlag
	}
	if over.NativeMultiProg {
		base.NativeMultiProg = true
	}
	return base
}
