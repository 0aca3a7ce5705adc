package process

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aretw0/lattice/internal/codec"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// ProcessConfig represents an allow-listed command.
type ProcessConfig struct {
	Name        string            `yaml:"name" json:"name"`
	Command     string            `yaml:"command" json:"command"`
	Args        []string          `yaml:"args" json:"args"`
	Environment map[string]string `yaml:"env" json:"env"`
	Description string            `yaml:"description" json:"description"`
}

// ConfigFile represents the structure of processes.yaml
type ConfigFile struct {
	Processes []ProcessConfig `yaml:"processes" json:"processes"`
}

// LoadProcesses reads a configuration file (YAML or JSON) and returns the allow-list keyed by name.
// A missing file yields an empty allow-list.
func LoadProcesses(path string) (map[string]ProcessConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]ProcessConfig{}, nil
		}
		return nil, fmt.Errorf("failed to read process config: %w", err)
	}

	var cfg ConfigFile
	if strings.ToLower(filepath.Ext(path)) == ".json" {
		if err := codec.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	} else {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}

	procs := make(map[string]ProcessConfig)
	for _, p := range cfg.Processes {
		if p.Name == "" {
			continue
		}
		procs[p.Name] = p
	}
	return procs, nil
}

// nodeConfig is the shape of a process node's Config.
//
//	config:
//	  process: resize_image     # allow-listed name
//	  args: {width: 200}        # passed as LATTICE_ARG_WIDTH=200
//	  exec:                     # inline command, only with WithInlineExecution
//	    command: python
//	    args: [scripts/resize.py]
type nodeConfig struct {
	Process string         `mapstructure:"process"`
	Args    map[string]any `mapstructure:"args"`
	Exec    *inlineExec    `mapstructure:"exec"`
}

type inlineExec struct {
	Command string   `mapstructure:"command"`
	Args    []string `mapstructure:"args"`
}

func decodeNodeConfig(raw map[string]any) (nodeConfig, error) {
	var cfg nodeConfig
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &cfg,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return cfg, err
	}
	if err := dec.Decode(raw); err != nil {
		return cfg, fmt.Errorf("invalid process node config: %w", err)
	}
	return cfg, nil
}
