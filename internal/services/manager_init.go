package services

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/syntrixbase/indexsync/internal/config"
	"github.com/syntrixbase/indexsync/internal/core/primary"
	"github.com/syntrixbase/indexsync/internal/core/primary/sqlstore"
	"github.com/syntrixbase/indexsync/internal/core/pubsub"
	pubsubmemory "github.com/syntrixbase/indexsync/internal/core/pubsub/memory"
	"github.com/syntrixbase/indexsync/internal/core/pubsub/nats"
	"github.com/syntrixbase/indexsync/internal/core/search"
	"github.com/syntrixbase/indexsync/internal/core/search/elastic"
	searchmemory "github.com/syntrixbase/indexsync/internal/core/search/memory"
	"github.com/syntrixbase/indexsync/internal/indexer"
	"github.com/syntrixbase/indexsync/internal/queue"
	queuememory "github.com/syntrixbase/indexsync/internal/queue/memory"
	queuemongo "github.com/syntrixbase/indexsync/internal/queue/mongo"
	"github.com/syntrixbase/indexsync/internal/queue/pebble"
	"github.com/syntrixbase/indexsync/internal/render"
	"github.com/syntrixbase/indexsync/internal/server"
)

// Factories are package variables so tests can replace networked backends.
var (
	primaryFactory = func(ctx context.Context, cfg config.PrimaryConfig) (primary.Store, error) {
		s, err := sqlstore.Open(cfg.Config)
		if err != nil {
			return nil, err
		}
		// The SQLite primary is local to this process, so its tables may not exist yet.
		if cfg.Driver == sqlstore.DriverSQLite {
			if err := s.EnsureSchema(ctx); err != nil {
				_ = s.Close()
				return nil, err
			}
		}
		return s, nil
	}

	searchFactory = func(ctx context.Context, cfg config.SearchConfig) (search.Index, error) {
		if cfg.Backend == config.BackendMemory {
			return searchmemory.New(), nil
		}
		idx, err := elastic.New(cfg.Elastic)
		if err != nil {
			return nil, err
		}
		if cfg.EnsureIndices {
			if err := idx.EnsureIndices(ctx); err != nil {
				_ = idx.Close()
				return nil, err
			}
		}
		return idx, nil
	}

	mongoFactory = func(ctx context.Context, uri string) (*mongo.Client, error) {
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
		if err != nil {
			return nil, err
		}
		if err := client.Ping(ctx, nil); err != nil {
			_ = client.Disconnect(ctx)
			return nil, err
		}
		return client, nil
	}

	pubsubFactory = func(ctx context.Context, cfg config.PubSubConfig) (pubsub.Provider, error) {
		if cfg.Backend == config.BackendMemory {
			return pubsubmemory.New(), nil
		}
		p := nats.NewProvider(cfg.NATS)
		if err := p.Connect(ctx); err != nil {
			return nil, err
		}
		return p, nil
	}

	rendererFactory = func(cfg config.RenderConfig) (render.Renderer, error) {
		return render.NewHTTP(cfg.Config, nil)
	}
)

// Init builds every component and the indexer. On error the components built so far are
// closed.
func (m *Manager) Init(ctx context.Context) (err error) {
	defer func() {
		if err != nil {
			m.Shutdown(context.Background())
		}
	}()

	p, err := primaryFactory(ctx, m.cfg.Primary)
	if err != nil {
		return fmt.Errorf("failed to open primary store: %w", err)
	}
	m.onShutdown("primary", p.Close)

	// Reverse lookups fetch up to max_results keys, so the index must serve that window.
	scfg := m.cfg.Search
	scfg.Elastic.MaxResultWindow = max(scfg.Elastic.MaxResultWindow, m.cfg.Indexer.MaxResults)
	idx, err := searchFactory(ctx, scfg)
	if err != nil {
		return fmt.Errorf("failed to open search index: %w", err)
	}
	m.onShutdown("search", idx.Close)

	q, err := m.openQueue(ctx)
	if err != nil {
		return fmt.Errorf("failed to open work queue: %w", err)
	}
	m.onShutdown("queue", q.Close)

	renderer, err := rendererFactory(m.cfg.Render)
	if err != nil {
		return fmt.Errorf("failed to create renderer: %w", err)
	}

	provider, err := pubsubFactory(ctx, m.cfg.PubSub)
	if err != nil {
		return fmt.Errorf("failed to open pubsub: %w", err)
	}
	m.provider = provider
	m.onShutdown("pubsub", provider.Close)

	deps := indexer.Deps{
		Primary:           p,
		Index:             idx,
		Queue:             q,
		Renderer:          renderer,
		FailoverThreshold: m.cfg.Queue.FailoverThreshold,
		Logger:            m.logger,
	}
	if m.cfg.Queue.Backend != config.BackendMemory {
		deps.Fallback = queuememory.New(queuememory.WithMaxErrors(m.cfg.Queue.MaxErrors))
	}

	if len(m.cfg.Indexer.Followups) > 0 {
		pub, err := provider.NewPublisher(pubsub.PublisherOptions{
			StreamName: m.cfg.PubSub.Stream,
			Storage:    pubsub.FileStorage,
		})
		if err != nil {
			return fmt.Errorf("failed to create notice publisher: %w", err)
		}
		m.onShutdown("publisher", pub.Close)
		deps.Notifier = pub
	}
	if m.opts.Listen {
		consumer, err := provider.NewConsumer(pubsub.ConsumerOptions{
			StreamName:    m.cfg.PubSub.Stream,
			ConsumerName:  "indexsync-" + m.cfg.Indexer.Title,
			FilterSubject: indexer.NoticeSubject(m.cfg.Indexer.Title),
			Storage:       pubsub.FileStorage,
		})
		if err != nil {
			return fmt.Errorf("failed to create notice consumer: %w", err)
		}
		deps.Notices = consumer
	}

	svc, err := indexer.NewService(m.cfg.Indexer, deps)
	if err != nil {
		return err
	}
	m.indexer = svc

	if m.cfg.Server.Enabled {
		if err := m.startServer(ctx, p); err != nil {
			return err
		}
	}

	m.logger.Info("Components initialized",
		"mode", m.cfg.Deployment.Mode,
		"title", m.cfg.Indexer.Title,
		"primary", m.cfg.Primary.Driver,
		"search", m.cfg.Search.Backend,
		"queue", m.cfg.Queue.Backend,
		"pubsub", m.cfg.PubSub.Backend,
	)
	return nil
}

// startServer exposes /metrics and a /healthz probe that reads the primary's watermark.
func (m *Manager) startServer(ctx context.Context, p primary.Store) error {
	srv := server.New(m.cfg.Server, m.logger)
	srv.Handle("/metrics", promhttp.Handler())
	srv.Handle("/healthz", server.HealthHandler(func(ctx context.Context) error {
		_, err := p.CurrentWatermark(ctx, false)
		return err
	}))
	if err := srv.Start(ctx); err != nil {
		return err
	}
	m.server = srv
	m.onShutdown("server", func() error { return srv.Stop(context.Background()) })
	return nil
}

func (m *Manager) openQueue(ctx context.Context) (queue.Queue, error) {
	cfg := m.cfg.Queue
	switch cfg.Backend {
	case config.BackendMemory:
		return queuememory.New(queuememory.WithMaxErrors(cfg.MaxErrors)), nil
	case config.BackendPebble:
		return pebble.Open(pebble.Config{Path: cfg.Path, MaxErrors: cfg.MaxErrors, Logger: m.logger})
	case config.BackendMongo:
		client, err := mongoFactory(ctx, cfg.MongoURI)
		if err != nil {
			return nil, err
		}
		m.onShutdown("mongo", func() error { return client.Disconnect(context.Background()) })
		q := queuemongo.New(client.Database(cfg.MongoDatabase), queuemongo.Config{
			Prefix:    cfg.Prefix,
			MaxErrors: cfg.MaxErrors,
			Logger:    m.logger,
		})
		if err := q.EnsureIndexes(ctx); err != nil {
			return nil, err
		}
		return q, nil
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.Backend)
	}
}
