package config

import (
	"fmt"
	"os"
)

// DeploymentMode represents how indexsync components are laid out.
type DeploymentMode string

const (
	// ModeDistributed runs listeners and workers in separate processes sharing networked
	// backends.
	ModeDistributed DeploymentMode = "distributed"
	// ModeStandalone runs everything in one process and allows in-memory backends.
	ModeStandalone DeploymentMode = "standalone"
)

// IsStandalone returns true if this is standalone mode.
func (m DeploymentMode) IsStandalone() bool {
	return m == ModeStandalone
}

// IsDistributed returns true if this is distributed mode.
// Empty string defaults to distributed.
func (m DeploymentMode) IsDistributed() bool {
	return m == "" || m == ModeDistributed
}

// DeploymentConfig holds deployment mode settings
type DeploymentConfig struct {
	Mode DeploymentMode `yaml:"mode"`
	// DataDir is the base for relative runtime paths such as logs and the pebble queue.
	DataDir string `yaml:"data_dir"`
}

func DefaultDeploymentConfig() DeploymentConfig {
	return DeploymentConfig{
		Mode:    ModeStandalone,
		DataDir: "data",
	}
}

// ApplyDefaults fills in zero values with defaults.
func (c *DeploymentConfig) ApplyDefaults() {
	defaults := DefaultDeploymentConfig()
	if c.Mode == "" {
		c.Mode = defaults.Mode
	}
	if c.DataDir == "" {
		c.DataDir = defaults.DataDir
	}
}

// ApplyEnvOverrides applies environment variable overrides.
func (c *DeploymentConfig) ApplyEnvOverrides() {
	if val := os.Getenv("INDEXSYNC_DEPLOYMENT_MODE"); val != "" {
		c.Mode = DeploymentMode(val)
	}
	if val := os.Getenv("INDEXSYNC_DATA_DIR"); val != "" {
		c.DataDir = val
	}
}

// Validate returns an error if the configuration is invalid.
func (c *DeploymentConfig) Validate() error {
	if c.Mode != "" && c.Mode != ModeStandalone && c.Mode != ModeDistributed {
		return fmt.Errorf("deployment.mode must be 'standalone' or 'distributed', got '%s'", c.Mode)
	}
	return nil
}
