package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	indexer "github.com/syntrixbase/indexsync/internal/indexer/config"
	"github.com/syntrixbase/indexsync/internal/server"
	services "github.com/syntrixbase/indexsync/internal/services/config"
)

// DefaultConfigDir holds config.yml and config.local.yml.
const DefaultConfigDir = "config"

// Config holds the application configuration
type Config struct {
	Deployment services.DeploymentConfig `yaml:"deployment"`
	Logging    LoggingConfig             `yaml:"logging"`
	Server     server.Config             `yaml:"server"`

	Indexer indexer.Config `yaml:"indexer"`

	// Components
	Primary PrimaryConfig `yaml:"primary"`
	Search  SearchConfig  `yaml:"search"`
	Queue   QueueConfig   `yaml:"queue"`
	PubSub  PubSubConfig  `yaml:"pubsub"`
	Render  RenderConfig  `yaml:"render"`
}

// Default returns the configuration used when no file sets a value.
func Default() *Config {
	return &Config{
		Deployment: services.DefaultDeploymentConfig(),
		Logging:    DefaultLoggingConfig(),
		Server:     server.DefaultConfig(),
		Indexer:    indexer.DefaultConfig(),
		Primary:    DefaultPrimaryConfig(),
		Search:     DefaultSearchConfig(),
		Queue:      DefaultQueueConfig(),
		PubSub:     DefaultPubSubConfig(),
		Render:     DefaultRenderConfig(),
	}
}

// Load reads configuration.
// Order: defaults -> file(s) -> ApplyDefaults -> ApplyEnvOverrides -> ResolvePaths -> Validate.
// With an empty path it reads config/config.yml then config/config.local.yml, skipping
// missing files. An explicit path must exist.
func Load(path string) (*Config, error) {
	cfg := Default()
	configDir := DefaultConfigDir

	if path != "" {
		configDir = filepath.Dir(path)
		if err := loadFile(path, cfg, false); err != nil {
			return nil, err
		}
	} else {
		for _, name := range []string{"config.yml", "config.local.yml"} {
			if err := loadFile(filepath.Join(configDir, name), cfg, true); err != nil {
				return nil, err
			}
		}
	}

	// Deployment goes first so the others can validate against the mode.
	cfg.Deployment.ApplyDefaults()
	cfg.Deployment.ApplyEnvOverrides()
	if err := cfg.Deployment.Validate(); err != nil {
		return nil, fmt.Errorf("configuration error: %w", err)
	}
	dataDir := cfg.Deployment.DataDir
	if !filepath.IsAbs(dataDir) {
		dataDir = filepath.Clean(filepath.Join(filepath.Dir(configDir), dataDir))
	}

	if err := ApplyServiceConfigs(configDir, dataDir, cfg.Deployment.Mode,
		&cfg.Logging,
		&cfg.Server,
		&cfg.Indexer,
		&cfg.Primary,
		&cfg.Search,
		&cfg.Queue,
		&cfg.PubSub,
		&cfg.Render,
	); err != nil {
		return nil, fmt.Errorf("configuration error: %w", err)
	}
	return cfg, nil
}

func loadFile(filename string, cfg *Config, optional bool) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		if optional && os.IsNotExist(err) {
			return nil
		}
		if optional {
			slog.Warn("Error reading config file", "file", filename, "error", err)
			return nil
		}
		return fmt.Errorf("failed to read %s: %w", filename, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse %s: %w", filename, err)
	}
	return nil
}
