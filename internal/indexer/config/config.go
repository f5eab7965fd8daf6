// Package config provides configuration for the indexer service.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	services "github.com/syntrixbase/indexsync/internal/services/config"
)

// Config holds the indexer configuration.
type Config struct {
	// Title names this indexer. Cycle state and priority requests are kept under it.
	// Defaults to "primary".
	Title string `yaml:"title"`

	// Followups are the titles of indexers that consume keys staged by this one.
	Followups []string `yaml:"followups"`

	// Workers is the number of in-process queue workers started per cycle.
	// Defaults to 4.
	Workers int `yaml:"workers"`

	// ExternalWorkers leaves draining to `indexsync worker` processes.
	ExternalWorkers bool `yaml:"external_workers"`

	// BatchSize is the number of keys a worker claims at a time. Defaults to 100.
	BatchSize int `yaml:"batch_size"`

	// LoadChunk is the number of keys per queue load call. Defaults to 1000.
	LoadChunk int `yaml:"load_chunk"`

	// PollInterval is how often the listener checks whether the queue drained.
	// Defaults to 1s.
	PollInterval time.Duration `yaml:"poll_interval"`

	// MaxAge is how long a claimed batch may stay unfinished before it is requeued.
	// Defaults to 2h.
	MaxAge time.Duration `yaml:"max_age"`

	// Timeout stops waiting for a cycle to drain. Zero waits forever.
	Timeout time.Duration `yaml:"timeout"`

	// ListenInterval is the pause between passes of the listener loop. Defaults to 10s.
	ListenInterval time.Duration `yaml:"listen_interval"`

	// Backoff is the per-key retry ladder. Defaults to 0s, 10s, 20s, 40s, 80s.
	Backoff []time.Duration `yaml:"backoff"`

	// MaxClauses bounds the reverse lookup query. Defaults to 8192.
	MaxClauses int `yaml:"max_clauses"`

	// MaxResults is the invalidation size above which a cycle becomes a full reindex.
	// Defaults to 99999.
	MaxResults int `yaml:"max_results"`

	// ShortKeys limits every invalidation set to this many keys, for debugging.
	ShortKeys int `yaml:"short_keys"`

	// Record writes each cycle summary to the indexing document.
	Record bool `yaml:"record"`
}

// DefaultConfig returns the default indexer configuration.
func DefaultConfig() Config {
	return Config{
		Title:          "primary",
		Workers:        4,
		BatchSize:      100,
		LoadChunk:      1000,
		PollInterval:   time.Second,
		MaxAge:         2 * time.Hour,
		ListenInterval: 10 * time.Second,
		Backoff:        []time.Duration{0, 10 * time.Second, 20 * time.Second, 40 * time.Second, 80 * time.Second},
		MaxClauses:     8192,
		MaxResults:     99999,
		Record:         true,
	}
}

func (c *Config) ApplyDefaults() {
	d := DefaultConfig()
	if c.Title == "" {
		c.Title = d.Title
	}
	if c.Workers == 0 && !c.ExternalWorkers {
		c.Workers = d.Workers
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.LoadChunk <= 0 {
		c.LoadChunk = d.LoadChunk
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.MaxAge <= 0 {
		c.MaxAge = d.MaxAge
	}
	if c.ListenInterval <= 0 {
		c.ListenInterval = d.ListenInterval
	}
	if len(c.Backoff) == 0 {
		c.Backoff = d.Backoff
	}
	if c.MaxClauses <= 0 {
		c.MaxClauses = d.MaxClauses
	}
	if c.MaxResults <= 0 {
		c.MaxResults = d.MaxResults
	}
}

func (c *Config) ApplyEnvOverrides() {
	if val := os.Getenv("INDEXSYNC_INDEXER_TITLE"); val != "" {
		c.Title = val
	}
	if val := os.Getenv("INDEXSYNC_INDEXER_WORKERS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Workers = n
		}
	}
	if val := os.Getenv("INDEXSYNC_SHORT_KEYS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.ShortKeys = n
		}
	}
}

func (c *Config) ResolvePaths(_, _ string) {}

func (c *Config) Validate(mode services.DeploymentMode) error {
	if c.ExternalWorkers {
		if mode.IsStandalone() {
			return fmt.Errorf("indexer.external_workers requires distributed mode")
		}
		c.Workers = 0
	} else if c.Workers < 1 {
		return fmt.Errorf("indexer.workers must be positive, got %d", c.Workers)
	}
	for _, f := range c.Followups {
		if f == c.Title {
			return fmt.Errorf("indexer.followups must not contain the indexer's own title %q", c.Title)
		}
	}
	if c.ShortKeys < 0 {
		return fmt.Errorf("indexer.short_keys must not be negative")
	}
	if c.Timeout < 0 {
		return fmt.Errorf("indexer.timeout must not be negative")
	}
	return nil
}
