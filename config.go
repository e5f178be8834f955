package runbox

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the file form of a manager, its ambient environment and the
// instances to create.
type Config struct {
	Rules      []string         `yaml:"rules,omitempty"`
	Delegation string           `yaml:"delegation,omitempty"`
	Repair     *bool            `yaml:"repair,omitempty"`
	Ambient    []string         `yaml:"ambient"`
	Instances  []InstanceConfig `yaml:"instances"`
}

// InstanceConfig declares one instance.
type InstanceConfig struct {
	Name       string   `yaml:"name"`
	SearchPath []string `yaml:"search_path"`
	Isolate    string   `yaml:"isolate,omitempty"`
	Debug      bool     `yaml:"debug,omitempty"`
	Preload    []string `yaml:"preload,omitempty"`
}

// LoadConfig reads a YAML config. Relative directories are resolved against
// the directory of path.
func LoadConfig(path string) (Config, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := yaml.Unmarshal(payload, &cfg); err != nil {
		return Config{}, ConfigurationError{Field: "config", Reason: "decode " + path, Err: err}
	}

	base := filepath.Dir(path)
	cfg.Ambient = resolveDirs(base, cfg.Ambient)
	for n := range cfg.Instances {
		cfg.Instances[n].SearchPath = resolveDirs(base, cfg.Instances[n].SearchPath)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func resolveDirs(base string, dirs []string) []string {
	out := make([]string, len(dirs))
	for n, dir := range dirs {
		if filepath.IsAbs(dir) {
			out[n] = dir
		} else {
			out[n] = filepath.Join(base, dir)
		}
	}
	return out
}

// Validate checks the config without touching the file system.
func (c Config) Validate() error {
	if _, err := ParseDelegation(c.Delegation); err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(c.Instances))
	for n, inst := range c.Instances {
		if inst.Name == "" {
			return ConfigurationError{Field: fmt.Sprintf("instances[%d].name", n), Reason: "empty"}
		}
		if _, dup := seen[inst.Name]; dup {
			return ConfigurationError{Field: fmt.Sprintf("instances[%d].name", n), Reason: "duplicate " + inst.Name}
		}
		seen[inst.Name] = struct{}{}
		if len(inst.SearchPath) == 0 {
			return ConfigurationError{Field: fmt.Sprintf("instances[%d].search_path", n), Reason: "empty"}
		}
	}
	return nil
}

// ManagerOptions maps the manager-wide settings to options.
func (c Config) ManagerOptions() ([]Option, error) {
	d, err := ParseDelegation(c.Delegation)
	if err != nil {
		return nil, err
	}
	opts := []Option{WithDelegation(d)}
	if len(c.Rules) > 0 {
		opts = append(opts, WithIsolationRules(c.Rules...))
	}
	if c.Repair != nil {
		opts = append(opts, WithRegistrationRepair(*c.Repair))
	}
	return opts, nil
}

// Dirs turns directory paths into search path locations.
func Dirs(paths []string) []Location {
	locs := make([]Location, len(paths))
	for n, p := range paths {
		locs[n] = NewDir(p)
	}
	return locs
}
