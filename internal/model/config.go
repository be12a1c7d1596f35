package model

import (
	"context"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

const (
	DefaultMaxHistoryEntries = 10
	DefaultListen            = "127.0.0.1:8765"
	DefaultCancelGrace       = 5 * time.Second
	DefaultProbeTimeout      = 15 * time.Second
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
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

// Config is the rosterd.yaml file.
type Config struct {
	Version int      `json:"version" yaml:"version"` // fixed 0 for now
	Solver  Solver   `json:"solver" yaml:"solver"`
	History *History `json:"history,omitempty" yaml:"history,omitempty"`
	Service *Service `json:"service,omitempty" yaml:"service,omitempty"`
}

// Solver describes how to start the external solver. Args are put before the
// serialized run config.
type Solver struct {
	Path         string            `json:"path" yaml:"path"`
	Args         []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env          map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Probe        []string          `json:"probe,omitempty" yaml:"probe,omitempty"`
	ProbeTimeout *string           `json:"probe_timeout,omitempty" yaml:"probe_timeout,omitempty"`
}

type History struct {
	Dir        *string `json:"dir,omitempty" yaml:"dir,omitempty"`
	MaxEntries *int    `json:"max_entries,omitempty" yaml:"max_entries,omitempty"`
	Sweep      *string `json:"sweep,omitempty" yaml:"sweep,omitempty"`
}

type Service struct {
	Verbose     *bool   `json:"verbose,omitempty" yaml:"verbose,omitempty"`
	Listen      *string `json:"listen,omitempty" yaml:"listen,omitempty"`
	CancelGrace *string `json:"cancel_grace,omitempty" yaml:"cancel_grace,omitempty"`
}

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
func LoadConfig(r io.Reader) (Config, error) {
	yamlFile, err := yaml.Extract("rosterd.yaml", r)
	if err != nil {
		return Config{}, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),
		cue.Concrete(true),
	); err != nil {
		return Config{}, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return Config{}, err
	}
	return out, nil
}

// DefaultConfig is written on first start when no config file exists.
func DefaultConfig(_ context.Context) Config {
	maxEntries := DefaultMaxHistoryEntries
	listen := DefaultListen
	return Config{
		Version: 0,
		Solver: Solver{
			Path:  "python3",
			Args:  []string{"-m", "shift_solver"},
			Probe: []string{"python3", "-c", "import ortools, pandas, openpyxl"},
		},
		History: &History{
			MaxEntries: &maxEntries,
		},
		Service: &Service{
			Listen: &listen,
		},
	}
}

// HistoryDir returns the configured history directory or the default one
// inside the user's data directory.
func (c Config) HistoryDir() (string, error) {
	if c.History != nil && c.History.Dir != nil {
		return os.ExpandEnv(*c.History.Dir), nil
	}
	d, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolving user config dir: %w", err)
	}
	return filepath.Join(d, "rosterd", "history"), nil
}

func (c Config) MaxHistoryEntries() int {
	if c.History != nil && c.History.MaxEntries != nil {
		return *c.History.MaxEntries
	}
	return DefaultMaxHistoryEntries
}

func (c Config) Sweep() string {
	if c.History != nil && c.History.Sweep != nil {
		return *c.History.Sweep
	}
	return ""
}

func (c Config) Verbose() bool {
	return c.Service != nil && c.Service.Verbose != nil && *c.Service.Verbose
}

func (c Config) Listen() string {
	if c.Service != nil && c.Service.Listen != nil {
		return *c.Service.Listen
	}
	return DefaultListen
}

func (c Config) CancelGrace() time.Duration {
	if c.Service != nil && c.Service.CancelGrace != nil {
		if d, err := time.ParseDuration(*c.Service.CancelGrace); err == nil {
			return d
		}
	}
	return DefaultCancelGrace
}

func (s Solver) Timeout() time.Duration {
	if s.ProbeTimeout != nil {
		if d, err := time.ParseDuration(*s.ProbeTimeout); err == nil {
			return d
		}
	}
	return DefaultProbeTimeout
}

// Environ expands $VARS in configured values and returns the process
// environment with them appended.
func (s Solver) Environ() []string {
	env := os.Environ()
	for _, k := range slices.Sorted(maps.Keys(s.Env)) {
		env = append(env, k+"="+os.ExpandEnv(s.Env[k]))
	}
	return env
}
