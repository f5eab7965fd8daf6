package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/syntrixbase/indexsync/internal/core/primary/sqlstore"
	"github.com/syntrixbase/indexsync/internal/core/pubsub/nats"
	"github.com/syntrixbase/indexsync/internal/core/search/elastic"
	"github.com/syntrixbase/indexsync/internal/render"
	services "github.com/syntrixbase/indexsync/internal/services/config"
)

// Backend names.
const (
	BackendMemory  = "memory"
	BackendElastic = "elastic"
	BackendPebble  = "pebble"
	BackendMongo   = "mongo"
	BackendNATS    = "nats"
)

// PrimaryConfig selects the primary database holding the transaction log.
type PrimaryConfig struct {
	sqlstore.Config `yaml:",inline"`
}

func DefaultPrimaryConfig() PrimaryConfig {
	return PrimaryConfig{Config: sqlstore.Config{
		Driver: sqlstore.DriverSQLite,
		DSN:    "primary.db",
	}}
}

func (c *PrimaryConfig) ApplyDefaults() {
	d := DefaultPrimaryConfig()
	if c.Driver == "" {
		c.Driver = d.Driver
	}
	if c.DSN == "" && c.Driver == sqlstore.DriverSQLite {
		c.DSN = d.DSN
	}
}

func (c *PrimaryConfig) ApplyEnvOverrides() {
	if val := os.Getenv("INDEXSYNC_PRIMARY_DRIVER"); val != "" {
		c.Driver = val
	}
	if val := os.Getenv("INDEXSYNC_PRIMARY_DSN"); val != "" {
		c.DSN = val
	}
}

// ResolvePaths anchors a relative SQLite file at dataDir.
func (c *PrimaryConfig) ResolvePaths(_, dataDir string) {
	if c.Driver != sqlstore.DriverSQLite || c.DSN == ":memory:" || strings.HasPrefix(c.DSN, "file:") {
		return
	}
	c.DSN = resolve(dataDir, c.DSN)
}

func (c *PrimaryConfig) Validate(_ services.DeploymentMode) error {
	if c.Driver != sqlstore.DriverPostgres && c.Driver != sqlstore.DriverSQLite {
		return fmt.Errorf("primary.driver must be %q or %q, got %q", sqlstore.DriverPostgres, sqlstore.DriverSQLite, c.Driver)
	}
	if c.DSN == "" {
		return fmt.Errorf("primary.dsn is required")
	}
	return nil
}

// SearchConfig selects the search index.
type SearchConfig struct {
	Backend string         `yaml:"backend"`
	Elastic elastic.Config `yaml:"elastic"`
	// EnsureIndices creates missing indices on startup.
	EnsureIndices bool `yaml:"ensure_indices"`
}

func DefaultSearchConfig() SearchConfig {
	return SearchConfig{
		Backend: BackendElastic,
		Elastic: elastic.Config{
			URLs:    []string{"http://localhost:9200"},
			Index:   "indexsync",
			Timeout: 30 * time.Second,
		},
		EnsureIndices: true,
	}
}

func (c *SearchConfig) ApplyDefaults() {
	d := DefaultSearchConfig()
	if c.Backend == "" {
		c.Backend = d.Backend
	}
	if len(c.Elastic.URLs) == 0 {
		c.Elastic.URLs = d.Elastic.URLs
	}
	if c.Elastic.Index == "" {
		c.Elastic.Index = d.Elastic.Index
	}
	if c.Elastic.Timeout == 0 {
		c.Elastic.Timeout = d.Elastic.Timeout
	}
}

func (c *SearchConfig) ApplyEnvOverrides() {
	if val := os.Getenv("INDEXSYNC_SEARCH_BACKEND"); val != "" {
		c.Backend = val
	}
	if val := os.Getenv("INDEXSYNC_ELASTIC_URLS"); val != "" {
		c.Elastic.URLs = splitList(val)
	}
	if val := os.Getenv("INDEXSYNC_ELASTIC_INDEX"); val != "" {
		c.Elastic.Index = val
	}
	if val := os.Getenv("INDEXSYNC_ELASTIC_USERNAME"); val != "" {
		c.Elastic.Username = val
	}
	if val := os.Getenv("INDEXSYNC_ELASTIC_PASSWORD"); val != "" {
		c.Elastic.Password = val
	}
}

func (c *SearchConfig) ResolvePaths(_, _ string) {}

func (c *SearchConfig) Validate(mode services.DeploymentMode) error {
	switch c.Backend {
	case BackendElastic:
		if len(c.Elastic.URLs) == 0 {
			return fmt.Errorf("search.elastic.urls is required")
		}
	case BackendMemory:
		if mode.IsDistributed() {
			return fmt.Errorf("search.backend %q is only allowed in standalone mode", c.Backend)
		}
	default:
		return fmt.Errorf("search.backend must be %q or %q, got %q", BackendElastic, BackendMemory, c.Backend)
	}
	return nil
}

// QueueConfig selects the work queue backend. The in-process memory queue is always the
// failover target.
type QueueConfig struct {
	Backend string `yaml:"backend"`
	// Path is the pebble directory, relative to deployment.data_dir.
	Path          string `yaml:"path"`
	MongoURI      string `yaml:"mongo_uri"`
	MongoDatabase string `yaml:"mongo_database"`
	// Prefix names the mongo collections.
	Prefix string `yaml:"prefix"`
	// MaxErrors stops a cycle once this many keys failed. Zero is unlimited.
	MaxErrors int `yaml:"max_errors"`
	// FailoverThreshold is the number of consecutive primary queue failures tolerated before
	// switching to the memory queue for good.
	FailoverThreshold int `yaml:"failover_threshold"`
}

func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		Backend:           BackendPebble,
		Path:              "queue",
		MongoURI:          "mongodb://localhost:27017",
		MongoDatabase:     "indexsync",
		Prefix:            "indexsync_queue",
		FailoverThreshold: 1,
	}
}

func (c *QueueConfig) ApplyDefaults() {
	d := DefaultQueueConfig()
	if c.Backend == "" {
		c.Backend = d.Backend
	}
	if c.Path == "" {
		c.Path = d.Path
	}
	if c.MongoURI == "" {
		c.MongoURI = d.MongoURI
	}
	if c.MongoDatabase == "" {
		c.MongoDatabase = d.MongoDatabase
	}
	if c.Prefix == "" {
		c.Prefix = d.Prefix
	}
	if c.FailoverThreshold <= 0 {
		c.FailoverThreshold = d.FailoverThreshold
	}
}

func (c *QueueConfig) ApplyEnvOverrides() {
	if val := os.Getenv("INDEXSYNC_QUEUE_BACKEND"); val != "" {
		c.Backend = val
	}
	if val := os.Getenv("INDEXSYNC_QUEUE_PATH"); val != "" {
		c.Path = val
	}
	if val := os.Getenv("INDEXSYNC_MONGO_URI"); val != "" {
		c.MongoURI = val
	}
	if val := os.Getenv("INDEXSYNC_MONGO_DATABASE"); val != "" {
		c.MongoDatabase = val
	}
	if val := os.Getenv("INDEXSYNC_QUEUE_MAX_ERRORS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.MaxErrors = n
		}
	}
}

func (c *QueueConfig) ResolvePaths(_, dataDir string) {
	c.Path = resolve(dataDir, c.Path)
}

func (c *QueueConfig) Validate(mode services.DeploymentMode) error {
	switch c.Backend {
	case BackendMemory, BackendPebble:
		if mode.IsDistributed() {
			return fmt.Errorf("queue.backend %q cannot be shared between processes; use %q in distributed mode", c.Backend, BackendMongo)
		}
	case BackendMongo:
		if c.MongoURI == "" {
			return fmt.Errorf("queue.mongo_uri is required")
		}
	default:
		return fmt.Errorf("queue.backend must be one of memory, pebble, mongo, got %q", c.Backend)
	}
	if c.MaxErrors < 0 {
		return fmt.Errorf("queue.max_errors must not be negative")
	}
	return nil
}

// PubSubConfig selects the transport for followup notices.
type PubSubConfig struct {
	Backend string      `yaml:"backend"`
	Stream  string      `yaml:"stream"`
	NATS    nats.Config `yaml:"nats"`
}

func DefaultPubSubConfig() PubSubConfig {
	return PubSubConfig{
		Backend: BackendMemory,
		Stream:  "indexsync",
		NATS:    nats.Config{URL: "nats://localhost:4222", MaxReconnects: -1, ReconnectWait: 2 * time.Second},
	}
}

func (c *PubSubConfig) ApplyDefaults() {
	d := DefaultPubSubConfig()
	if c.Backend == "" {
		c.Backend = d.Backend
	}
	if c.Stream == "" {
		c.Stream = d.Stream
	}
	if c.NATS.URL == "" {
		c.NATS.URL = d.NATS.URL
	}
	if c.NATS.ReconnectWait == 0 {
		c.NATS.ReconnectWait = d.NATS.ReconnectWait
	}
}

func (c *PubSubConfig) ApplyEnvOverrides() {
	if val := os.Getenv("INDEXSYNC_PUBSUB_BACKEND"); val != "" {
		c.Backend = val
	}
	if val := os.Getenv("INDEXSYNC_NATS_URL"); val != "" {
		c.NATS.URL = val
	}
}

func (c *PubSubConfig) ResolvePaths(_, _ string) {}

func (c *PubSubConfig) Validate(mode services.DeploymentMode) error {
	switch c.Backend {
	case BackendNATS:
		if c.NATS.URL == "" {
			return fmt.Errorf("pubsub.nats.url is required")
		}
	case BackendMemory:
		if mode.IsDistributed() {
			return fmt.Errorf("pubsub.backend %q is only allowed in standalone mode", c.Backend)
		}
	default:
		return fmt.Errorf("pubsub.backend must be %q or %q, got %q", BackendNATS, BackendMemory, c.Backend)
	}
	if c.Stream == "" {
		return fmt.Errorf("pubsub.stream is required")
	}
	return nil
}

// RenderConfig points at the primary application's index-data view.
type RenderConfig struct {
	render.Config `yaml:",inline"`
}

func DefaultRenderConfig() RenderConfig {
	return RenderConfig{Config: render.Config{
		BaseURL: "http://localhost:6543",
		Timeout: 60 * time.Second,
	}}
}

func (c *RenderConfig) ApplyDefaults() {
	d := DefaultRenderConfig()
	if c.BaseURL == "" {
		c.BaseURL = d.BaseURL
	}
	if c.Timeout == 0 {
		c.Timeout = d.Timeout
	}
}

func (c *RenderConfig) ApplyEnvOverrides() {
	if val := os.Getenv("INDEXSYNC_RENDER_URL"); val != "" {
		c.BaseURL = val
	}
}

func (c *RenderConfig) ResolvePaths(_, _ string) {}

func (c *RenderConfig) Validate(_ services.DeploymentMode) error {
	if c.BaseURL == "" {
		return fmt.Errorf("render.base_url is required")
	}
	return nil
}

func splitList(val string) []string {
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
