package config

import (
	"fmt"
	"io"
	"maps"
	"strings"

	"github.com/BurntSushi/toml"
)

// RuntimeFileName is the runtime configuration the wrapper reads next to the archive.
const RuntimeFileName = "alphadep-runtime.toml"

type RuntimeDeployment struct {
	ID string `toml:"id"`
}

type RuntimeBuild struct {
	Script string `toml:"script,omitempty"`
}

type RuntimeExecution struct {
	Script  string `toml:"script"`
	Context string `toml:"context"`
}

// RuntimeConfig is the document handed to the remote runtime wrapper.
type RuntimeConfig struct {
	Deployment           RuntimeDeployment `toml:"deployment"`
	Build                RuntimeBuild      `toml:"build"`
	Execution            RuntimeExecution  `toml:"execution"`
	EnvironmentVariables map[string]string `toml:"environment-variables"`
}

// RuntimeFromProject derives the remote runtime document from a deployment block.
func RuntimeFromProject(p Project) RuntimeConfig {
	env := make(map[string]string, len(p.Deployment.Environment))
	maps.Copy(env, p.Deployment.Environment)
	return RuntimeConfig{
		Deployment: RuntimeDeployment{ID: p.Deployment.ID},
		Build:      RuntimeBuild{Script: p.Deployment.Build.Script},
		Execution: RuntimeExecution{
			Script:  p.Deployment.Runtime.Execute,
			Context: string(p.Deployment.Runtime.Context),
		},
		EnvironmentVariables: env,
	}
}

func (c RuntimeConfig) Encode(w io.Writer) error {
	if err := toml.NewEncoder(w).Encode(c); err != nil {
		return fmt.Errorf("config encode runtime: %w", err)
	}
	return nil
}

// LoadRuntime reads a runtime document and checks the execution script is present.
func LoadRuntime(path string) (RuntimeConfig, error) {
	var cfg RuntimeConfig
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return RuntimeConfig{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if strings.TrimSpace(cfg.Execution.Script) == "" {
		return RuntimeConfig{}, fmt.Errorf("%w: execution.script is required", ErrInvalidConfig)
	}
	if cfg.EnvironmentVariables == nil {
		cfg.EnvironmentVariables = map[string]string{}
	}
	return cfg, nil
}
