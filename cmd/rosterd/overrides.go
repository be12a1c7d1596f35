package main

import (
	"fmt"

	"github.com/shiftcraft/rosterd/internal/model"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// override binds a config key to a command flag and an environment variable.
type override struct {
	key  string
	flag string
	env  string
}

var overrides = []override{
	{key: "solver.path", flag: "solver", env: "ROSTERD_SOLVER_PATH"},
	{key: "history.dir", flag: "history-dir", env: "ROSTERD_HISTORY_DIR"},
	{key: "history.max_entries", env: "ROSTERD_HISTORY_MAX_ENTRIES"},
	{key: "service.listen", flag: "listen", env: "ROSTERD_LISTEN"},
	{key: "service.verbose", flag: "verbose", env: "ROSTERD_VERBOSE"},
}

// newViper returns a viper instance which sees only explicitly set flags of
// fs and the ROSTERD_* environment.
func newViper(fs *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	for _, o := range overrides {
		if err := v.BindEnv(o.key, o.env); err != nil {
			return nil, fmt.Errorf("binding %s: %w", o.env, err)
		}
		if o.flag == "" || fs == nil {
			continue
		}
		f := fs.Lookup(o.flag)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(o.key, f); err != nil {
			return nil, fmt.Errorf("binding --%s: %w", o.flag, err)
		}
	}
	return v, nil
}

// applyOverrides copies every key set in v over cfg. Unset keys keep the
// values loaded from the config file.
func applyOverrides(cfg model.Config, v *viper.Viper) model.Config {
	if v.IsSet("solver.path") {
		cfg.Solver.Path = v.GetString("solver.path")
	}
	if v.IsSet("history.dir") || v.IsSet("history.max_entries") {
		var h model.History
		if cfg.History != nil {
			h = *cfg.History
		}
		if v.IsSet("history.dir") {
			dir := v.GetString("history.dir")
			h.Dir = &dir
		}
		if v.IsSet("history.max_entries") {
			maxEntries := v.GetInt("history.max_entries")
			h.MaxEntries = &maxEntries
		}
		cfg.History = &h
	}
	if v.IsSet("service.listen") || v.IsSet("service.verbose") {
		var s model.Service
		if cfg.Service != nil {
			s = *cfg.Service
		}
		if v.IsSet("service.listen") {
			listen := v.GetString("service.listen")
			s.Listen = &listen
		}
		if v.IsSet("service.verbose") {
			verbose := v.GetBool("service.verbose")
			s.Verbose = &verbose
		}
		cfg.Service = &s
	}
	return cfg
}
