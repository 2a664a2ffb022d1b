// Package config loads the archiver configuration.
//
// Configuration is YAML validated against the embedded CUE schema #Config,
// which also supplies every default.
package config

import (
	"bytes"
	_ "embed"
	"fmt"
	"io"
	"os"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueyaml "cuelang.org/go/encoding/yaml"
	"gopkg.in/yaml.v3"

	"github.com/roach88/archiver/internal/invalidation"
)

// EnvConfigPath names a config file when --config is not given.
const EnvConfigPath = "ARCHIVER_CONFIG"

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource, cue.Filename("config.cue"))
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
}

// Config is the archiver configuration.
type Config struct {
	Database          string   `json:"database" yaml:"database"`
	Concurrency       int      `json:"concurrency" yaml:"concurrency"`
	Sites             []int64  `json:"sites,omitempty" yaml:"sites,omitempty"`
	Periods           []string `json:"periods,omitempty" yaml:"periods,omitempty"`
	MaxInvalidations  int      `json:"max_invalidations" yaml:"max_invalidations"`
	HeartbeatInterval string   `json:"heartbeat_interval" yaml:"heartbeat_interval"`
	StaleAfter        string   `json:"stale_after" yaml:"stale_after"`
	Log               Log      `json:"log" yaml:"log"`
	Metrics           Metrics  `json:"metrics" yaml:"metrics"`
}

// Log configures the process logger.
type Log struct {
	Verbose bool   `json:"verbose" yaml:"verbose"`
	Format  string `json:"format" yaml:"format"` // "text" | "json"
}

// Metrics configures the Prometheus endpoint.
type Metrics struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Address string `json:"address" yaml:"address"`
}

// Default returns the configuration with every field at its schema default.
func Default() *Config {
	cfg, err := decode(schema.Unify(cueCtx.CompileString("{}")))
	if err != nil {
		panic(fmt.Sprintf("config schema defaults: %v", err))
	}
	return cfg
}

// LoadConfig validates YAML from r against the schema and decodes it.
// Fields missing from the YAML take their defaults.
func LoadConfig(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return Default(), nil
	}

	yamlFile, err := cueyaml.Extract("config.yaml", data)
	if err != nil {
		return nil, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	return decode(schema.Unify(yamlValue))
}

// Load reads the config file at path. An empty path falls back to
// $ARCHIVER_CONFIG, and then to the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path == "" {
		return Default(), nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	cfg, err := LoadConfig(f)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}

func decode(unified cue.Value) (*Config, error) {
	if err := unified.Validate(
		cue.All(),
		cue.Concrete(true),
	); err != nil {
		return nil, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return nil, err
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return &out, nil
}

// Validate checks constraints the schema cannot express. It also guards
// values set by flags after loading.
func (c *Config) Validate() error {
	if c.Database == "" {
		return fmt.Errorf("database must not be empty")
	}
	if c.Concurrency < 1 || c.Concurrency > 64 {
		return fmt.Errorf("concurrency must be between 1 and 64, got %d", c.Concurrency)
	}
	if c.MaxInvalidations < 0 {
		return fmt.Errorf("max_invalidations must not be negative")
	}
	heartbeat, err := time.ParseDuration(c.HeartbeatInterval)
	if err != nil || heartbeat <= 0 {
		return fmt.Errorf("heartbeat_interval: invalid duration %q", c.HeartbeatInterval)
	}
	stale, err := time.ParseDuration(c.StaleAfter)
	if err != nil || stale <= 0 {
		return fmt.Errorf("stale_after: invalid duration %q", c.StaleAfter)
	}
	if stale <= heartbeat {
		return fmt.Errorf("stale_after (%s) must be longer than heartbeat_interval (%s)", stale, heartbeat)
	}
	if _, err := c.Filter(); err != nil {
		return err
	}
	return nil
}

// Heartbeat returns HeartbeatInterval as a duration.
func (c *Config) Heartbeat() time.Duration {
	d, _ := time.ParseDuration(c.HeartbeatInterval)
	return d
}

// Stale returns StaleAfter as a duration.
func (c *Config) Stale() time.Duration {
	d, _ := time.ParseDuration(c.StaleAfter)
	return d
}

// Filter converts the site and period selection into a claim filter.
func (c *Config) Filter() (invalidation.Filter, error) {
	f := invalidation.Filter{SiteIDs: c.Sites}
	for _, name := range c.Periods {
		p, err := invalidation.ParsePeriod(name)
		if err != nil {
			return invalidation.Filter{}, err
		}
		f.Periods = append(f.Periods, p)
	}
	return f, nil
}

// WriteYAML encodes the configuration as YAML.
func (c *Config) WriteYAML(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return enc.Close()
}
