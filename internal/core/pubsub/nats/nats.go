// Package nats provides a pubsub provider backed by NATS JetStream.
package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/syntrixbase/indexsync/internal/core/pubsub"
)

// ErrNotConnected is returned when the provider is used before Connect.
var ErrNotConnected = errors.New("nats provider not connected")

// JetStream is the subset of jetstream.JetStream the provider uses.
type JetStream interface {
	CreateOrUpdateStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error)
	CreateOrUpdateConsumer(ctx context.Context, stream string, cfg jetstream.ConsumerConfig) (jetstream.Consumer, error)
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// Config holds connection settings.
type Config struct {
	URL           string        `yaml:"url"`
	Name          string        `yaml:"name"`
	MaxReconnects int           `yaml:"max_reconnects"`
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
}

// Provider implements pubsub.Provider.
type Provider struct {
	cfg Config

	mu sync.Mutex
	nc *nats.Conn
	js JetStream
}

var (
	_ pubsub.Provider    = (*Provider)(nil)
	_ pubsub.Connectable = (*Provider)(nil)
)

// NewProvider creates an unconnected provider.
func NewProvider(cfg Config) *Provider {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.Name == "" {
		cfg.Name = "indexsync"
	}
	return &Provider{cfg: cfg}
}

// NewProviderWithJetStream wraps an existing JetStream context.
func NewProviderWithJetStream(js JetStream) *Provider {
	return &Provider{js: js}
}

// Connect dials the server and opens a JetStream context.
func (p *Provider) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.js != nil {
		return nil
	}
	opts := []nats.Option{
		nats.Name(p.cfg.Name),
		nats.MaxReconnects(p.cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			slog.Info("NATS reconnected", "url", c.ConnectedUrl())
		}),
	}
	if p.cfg.ReconnectWait > 0 {
		opts = append(opts, nats.ReconnectWait(p.cfg.ReconnectWait))
	}
	nc, err := nats.Connect(p.cfg.URL, opts...)
	if err != nil {
		return fmt.Errorf("connect to nats %s: %w", p.cfg.URL, err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return fmt.Errorf("create jetstream context: %w", err)
	}
	if err := ctx.Err(); err != nil {
		nc.Close()
		return err
	}
	p.nc, p.js = nc, js
	return nil
}

func (p *Provider) jetStream() (JetStream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.js == nil {
		return nil, ErrNotConnected
	}
	return p.js, nil
}

func (p *Provider) NewPublisher(opts pubsub.PublisherOptions) (pubsub.Publisher, error) {
	js, err := p.jetStream()
	if err != nil {
		return nil, err
	}
	if opts.StreamName == "" {
		return nil, errors.New("stream name is required")
	}
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = 3
	}
	return &publisher{js: js, opts: opts}, nil
}

func (p *Provider) NewConsumer(opts pubsub.ConsumerOptions) (pubsub.Consumer, error) {
	js, err := p.jetStream()
	if err != nil {
		return nil, err
	}
	if opts.StreamName == "" || opts.ConsumerName == "" {
		return nil, errors.New("stream and consumer names are required")
	}
	if opts.ChannelBufSize <= 0 {
		opts.ChannelBufSize = pubsub.DefaultChannelBufSize
	}
	return &consumer{js: js, opts: opts}, nil
}

// Close drains the connection if the provider owns one.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.nc == nil {
		return nil
	}
	err := p.nc.Drain()
	p.nc, p.js = nil, nil
	return err
}

func storage(s pubsub.StorageType) jetstream.StorageType {
	if s == pubsub.FileStorage {
		return jetstream.FileStorage
	}
	return jetstream.MemoryStorage
}

func ensureStream(ctx context.Context, js JetStream, name string, st pubsub.StorageType) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     name,
		Subjects: []string{name + ".>"},
		Storage:  storage(st),
	})
	if err != nil {
		return fmt.Errorf("ensure stream %s: %w", name, err)
	}
	return nil
}

type publisher struct {
	js   JetStream
	opts pubsub.PublisherOptions

	once      sync.Once
	streamErr error
}

func (p *publisher) Publish(ctx context.Context, subject string, data []byte) error {
	p.once.Do(func() { p.streamErr = ensureStream(ctx, p.js, p.opts.StreamName, p.opts.Storage) })
	if p.streamErr != nil {
		return p.streamErr
	}
	full := pubsub.Subject(p.opts.StreamName, pubsub.Subject(p.opts.SubjectPrefix, subject))
	var err error
	for attempt := 0; attempt < p.opts.RetryAttempts; attempt++ {
		if _, err = p.js.Publish(ctx, full, data); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return fmt.Errorf("publish %s: %w", full, err)
}

func (p *publisher) Close() error { return nil }

type consumer struct {
	js   JetStream
	opts pubsub.ConsumerOptions
}

func (c *consumer) Subscribe(ctx context.Context) (<-chan pubsub.Message, error) {
	if err := ensureStream(ctx, c.js, c.opts.StreamName, c.opts.Storage); err != nil {
		return nil, err
	}
	cfg := jetstream.ConsumerConfig{
		Durable:   c.opts.ConsumerName,
		AckPolicy: jetstream.AckExplicitPolicy,
	}
	if c.opts.FilterSubject != "" {
		cfg.FilterSubject = pubsub.Subject(c.opts.StreamName, c.opts.FilterSubject)
	}
	cons, err := c.js.CreateOrUpdateConsumer(ctx, c.opts.StreamName, cfg)
	if err != nil {
		return nil, fmt.Errorf("create consumer %s: %w", c.opts.ConsumerName, err)
	}

	ch := make(chan pubsub.Message, c.opts.ChannelBufSize)
	done := make(chan struct{})
	var (
		mu     sync.RWMutex
		closed bool
	)
	cc, err := cons.Consume(func(msg jetstream.Msg) {
		mu.RLock()
		defer mu.RUnlock()
		if closed {
			_ = msg.Nak()
			return
		}
		select {
		case <-done:
			_ = msg.Nak()
		case ch <- message{msg}:
		}
	})
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", c.opts.ConsumerName, err)
	}

	go func() {
		<-ctx.Done()
		cc.Stop()
		close(done)
		mu.Lock()
		closed = true
		close(ch)
		mu.Unlock()
	}()
	return ch, nil
}

type message struct {
	msg jetstream.Msg
}

func (m message) Data() []byte    { return m.msg.Data() }
func (m message) Subject() string { return m.msg.Subject() }
func (m message) Ack() error      { return m.msg.Ack() }
func (m message) Nak() error      { return m.msg.Nak() }
