package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"

	"github.com/innovationfleet/mitogen/pkg/mitogen/module"
)

// PeerConfig describes a single bootstrap target (spec.md §4.6's three
// transport variants, flattened into one YAML record per peer).
type PeerConfig struct {
	Name         string `mapstructure:"name"`
	Method       string `mapstructure:"method"` // local|ssh|sudo
	Hostname     string `mapstructure:"hostname"`
	Port         int    `mapstructure:"port"`
	Username     string `mapstructure:"username"`
	IdentityFile string `mapstructure:"identity_file"`
	SudoUser     string `mapstructure:"sudo_user"`
	Debug        bool   `mapstructure:"debug"`
}

// Config is cmd/mitogen-master's top-level YAML shape.
type Config struct {
	PeerBinary string       `mapstructure:"peer_binary"`
	ModuleDir  string       `mapstructure:"module_dir"`
	Peers      []PeerConfig `mapstructure:"peers"`
}

// loadConfig reads path via viper (SPEC_FULL.md §5: "transport definitions
// ... loaded via github.com/spf13/viper").
func loadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetDefault("peer_binary", "mitogen-peer")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return &cfg, nil
}

// loadLibrary reads every *.lua file under dir into a module.Library keyed
// by its path relative to dir with slashes turned into dots, e.g.
// dir/pkg/a.lua -> "pkg.a".
func loadLibrary(dir string) (module.Library, error) {
	lib := make(module.Library)
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || filepath.Ext(path) != ".lua" {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		fullname := luaFullname(rel)
		body, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		lib[fullname] = module.Source{Path: path, Text: string(body)}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return lib, nil
}

func luaFullname(rel string) string {
	rel = rel[:len(rel)-len(filepath.Ext(rel))]
	out := make([]byte, 0, len(rel))
	for i := 0; i < len(rel); i++ {
		if rel[i] == os.PathSeparator || rel[i] == '/' {
			out = append(out, '.')
		} else {
			out = append(out, rel[i])
		}
	}
	return string(out)
}
