package config

import (
	"path/filepath"

	services "github.com/syntrixbase/indexsync/internal/services/config"
)

// ServiceConfig defines the configuration lifecycle every section follows.
type ServiceConfig interface {
	// ApplyDefaults fills zero values with defaults
	ApplyDefaults()

	// ApplyEnvOverrides applies INDEXSYNC_* environment variable overrides
	ApplyEnvOverrides()

	// ResolvePaths resolves relative paths. configDir anchors config-related paths and
	// dataDir anchors runtime data such as logs and queue files.
	ResolvePaths(configDir, dataDir string)

	// Validate returns an error if the configuration is invalid for mode.
	Validate(mode services.DeploymentMode) error
}

// ApplyServiceConfigs runs ApplyDefaults, ApplyEnvOverrides, ResolvePaths and Validate on
// each config in order.
func ApplyServiceConfigs(configDir, dataDir string, mode services.DeploymentMode, configs ...ServiceConfig) error {
	for _, cfg := range configs {
		cfg.ApplyDefaults()
		cfg.ApplyEnvOverrides()
		cfg.ResolvePaths(configDir, dataDir)
		if err := cfg.Validate(mode); err != nil {
			return err
		}
	}
	return nil
}

func resolve(base, path string) string {
	if path == "" || base == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(base, path)
}
