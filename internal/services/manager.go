// Package services assembles indexsync components from configuration.
package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/syntrixbase/indexsync/internal/config"
	"github.com/syntrixbase/indexsync/internal/core/pubsub"
	"github.com/syntrixbase/indexsync/internal/indexer"
	"github.com/syntrixbase/indexsync/internal/server"
)

// Options select what the process runs.
type Options struct {
	// Listen subscribes to followup notices for the configured indexer.
	Listen bool
}

type closer struct {
	name  string
	close func() error
}

// Manager owns the components of one indexsync process.
type Manager struct {
	cfg    *config.Config
	opts   Options
	logger *slog.Logger

	provider pubsub.Provider
	indexer  indexer.LocalService
	server   *server.Server
	closers  []closer
	started  bool
}

func NewManager(cfg *config.Config, opts Options) *Manager {
	return &Manager{
		cfg:    cfg,
		opts:   opts,
		logger: slog.Default().With("component", "services"),
	}
}

// Indexer returns the indexer built by Init.
func (m *Manager) Indexer() indexer.LocalService {
	return m.indexer
}

// ServerAddr returns the bound address of the operational server, if it runs.
func (m *Manager) ServerAddr() string {
	if m.server == nil {
		return ""
	}
	return m.server.Addr()
}

// Start runs the indexer listener.
func (m *Manager) Start(ctx context.Context) error {
	if m.indexer == nil {
		return errors.New("services: manager not initialized")
	}
	if err := m.indexer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start indexer: %w", err)
	}
	m.started = true
	return nil
}

// Shutdown stops the listener and closes every component in reverse order of creation.
func (m *Manager) Shutdown(ctx context.Context) {
	if m.started {
		if err := m.indexer.Stop(ctx); err != nil {
			m.logger.Error("Error stopping indexer", "error", err)
		}
		m.started = false
	}
	for i := len(m.closers) - 1; i >= 0; i-- {
		c := m.closers[i]
		if err := c.close(); err != nil {
			m.logger.Error("Error closing component", "component", c.name, "error", err)
		}
	}
	m.closers = nil
	m.server = nil
}

func (m *Manager) onShutdown(name string, f func() error) {
	m.closers = append(m.closers, closer{name: name, close: f})
}
