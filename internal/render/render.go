// Package render fetches the denormalized representation of a record.
package render

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/syntrixbase/indexsync/internal/core/search"
)

// SnapshotHeader carries the primary store snapshot the renderer should read through.
const SnapshotHeader = "X-Index-Snapshot"

// ErrNotFound is returned when the record no longer exists.
var ErrNotFound = errors.New("record not found")

// Renderer renders one key into an indexable document.
type Renderer interface {
	Render(ctx context.Context, key, snapshotID string) (search.Document, error)
}

// Func adapts a function to Renderer.
type Func func(ctx context.Context, key, snapshotID string) (search.Document, error)

// Render calls f.
func (f Func) Render(ctx context.Context, key, snapshotID string) (search.Document, error) {
	return f(ctx, key, snapshotID)
}

// Config configures the HTTP renderer.
type Config struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
	// View is appended to the record path. Defaults to "@@index-data".
	View string `yaml:"view"`
}

// HTTP renders records through the application's index-data view.
type HTTP struct {
	base   *url.URL
	view   string
	client *http.Client
}

// NewHTTP creates an HTTP renderer. client may be nil.
func NewHTTP(cfg Config, client *http.Client) (*HTTP, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("render: base url is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("render: invalid base url: %w", err)
	}
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	view := cfg.View
	if view == "" {
		view = "@@index-data"
	}
	return &HTTP{base: base, view: view, client: client}, nil
}

type indexData struct {
	ItemType      string         `json:"item_type"`
	Embedded      map[string]any `json:"embedded"`
	EmbeddedUUIDs []string       `json:"embedded_uuids"`
	LinkedUUIDs   []string       `json:"linked_uuids"`
}

// Render implements Renderer.
func (h *HTTP) Render(ctx context.Context, key, snapshotID string) (search.Document, error) {
	u := h.base.JoinPath(key, h.view)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return search.Document{}, fmt.Errorf("render %s: %w", key, err)
	}
	req.Header.Set("Accept", "application/json")
	if snapshotID != "" {
		req.Header.Set(SnapshotHeader, snapshotID)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return search.Document{}, fmt.Errorf("render %s: %w", key, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return search.Document{}, fmt.Errorf("render %s: %w", key, ErrNotFound)
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return search.Document{}, fmt.Errorf("render %s: status %d: %s", key, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var data indexData
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return search.Document{}, fmt.Errorf("render %s: failed to decode: %w", key, err)
	}
	return search.Document{
		Key:          key,
		ItemType:     data.ItemType,
		Body:         data.Embedded,
		EmbeddedKeys: data.EmbeddedUUIDs,
		LinkedKeys:   data.LinkedUUIDs,
	}, nil
}
