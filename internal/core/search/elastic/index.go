// Package elastic implements search.Index on Elasticsearch through olivere/elastic.
//
// Documents are written with version_type external_gte so that a write carrying an older
// watermark than the stored one is rejected as a conflict. Cycle metadata lives in a
// separate index so that it never shows up in reverse lookups.
package elastic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/olivere/elastic/v7"

	"github.com/syntrixbase/indexsync/internal/core/search"
)

// Config configures the Elasticsearch adapter.
type Config struct {
	URLs      []string      `yaml:"urls"`
	Index     string        `yaml:"index"`
	MetaIndex string        `yaml:"meta_index"`
	Username  string        `yaml:"username"`
	Password  string        `yaml:"password"`
	Timeout   time.Duration `yaml:"timeout"`
	// MaxResultWindow is the index.max_result_window of the document index and caps the
	// size of a reverse lookup.
	MaxResultWindow int `yaml:"max_result_window"`
}

// DefaultMaxResultWindow matches the default invalidation ceiling of the indexer.
const DefaultMaxResultWindow = 99999

const windowSettings = `{"index": {"max_result_window": %d}}`

const documentMapping = `{
  "settings": %s,
  "mappings": {
    "properties": {
      "uuid": {"type": "keyword"},
      "item_type": {"type": "keyword"},
      "embedded_uuids": {"type": "keyword"},
      "linked_uuids": {"type": "keyword"}
    }
  }
}`

const metaMapping = `{
  "mappings": {
    "properties": {
      "meta_id": {"type": "keyword"},
      "payload": {"type": "keyword", "index": false, "doc_values": false}
    }
  }
}`

// Index is an Elasticsearch backed search.Index.
type Index struct {
	client    *elastic.Client
	index     string
	metaIndex string
	window    int
}

var _ search.Index = (*Index)(nil)

// New connects to the cluster. Extra client options are appended after the ones derived
// from cfg.
func New(cfg Config, opts ...elastic.ClientOptionFunc) (*Index, error) {
	if len(cfg.URLs) == 0 {
		return nil, errors.New("elastic: no urls configured")
	}
	if cfg.Index == "" {
		return nil, errors.New("elastic: index name is required")
	}
	metaIndex := cfg.MetaIndex
	if metaIndex == "" {
		metaIndex = cfg.Index + "_meta"
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	options := []elastic.ClientOptionFunc{
		elastic.SetURL(cfg.URLs...),
		elastic.SetSniff(false),
		elastic.SetHealthcheck(false),
		elastic.SetHttpClient(&http.Client{Timeout: timeout}),
	}
	if cfg.Username != "" {
		options = append(options, elastic.SetBasicAuth(cfg.Username, cfg.Password))
	}
	options = append(options, opts...)

	client, err := elastic.NewClient(options...)
	if err != nil {
		return nil, fmt.Errorf("elastic: failed to create client: %w", classify(err))
	}
	window := cfg.MaxResultWindow
	if window <= 0 {
		window = DefaultMaxResultWindow
	}
	return &Index{client: client, index: cfg.Index, metaIndex: metaIndex, window: window}, nil
}

// EnsureIndices creates the document and metadata indices with keyword mappings for the
// reverse-reference fields when they do not exist yet. The result window of an existing
// document index is raised to the configured one.
func (x *Index) EnsureIndices(ctx context.Context) error {
	settings := fmt.Sprintf(windowSettings, x.window)
	for name, mapping := range map[string]string{
		x.index:     fmt.Sprintf(documentMapping, settings),
		x.metaIndex: metaMapping,
	} {
		exists, err := x.client.IndexExists(name).Do(ctx)
		if err != nil {
			return fmt.Errorf("elastic: failed to check index %s: %w", name, classify(err))
		}
		if !exists {
			if _, err := x.client.CreateIndex(name).BodyString(mapping).Do(ctx); err != nil {
				return fmt.Errorf("elastic: failed to create index %s: %w", name, classify(err))
			}
			continue
		}
		if name != x.index {
			continue
		}
		if _, err := x.client.IndexPutSettings(name).BodyString(settings).Do(ctx); err != nil {
			return fmt.Errorf("elastic: failed to update settings of %s: %w", name, classify(err))
		}
	}
	return nil
}

// ReverseLookup issues one bool query: embedded_uuids in updated OR linked_uuids in renamed.
// size is capped at the result window; the total still counts every match.
func (x *Index) ReverseLookup(ctx context.Context, updated, renamed []string, size int) ([]string, int64, error) {
	if size > x.window {
		size = x.window
	}
	q := elastic.NewBoolQuery().MinimumNumberShouldMatch(1)
	if len(updated) > 0 {
		q = q.Should(elastic.NewTermsQuery(search.FieldEmbedded, toAny(updated)...))
	}
	if len(renamed) > 0 {
		q = q.Should(elastic.NewTermsQuery(search.FieldLinked, toAny(renamed)...))
	}

	res, err := x.client.Search(x.index).
		Query(q).
		FetchSource(false).
		Size(size).
		TrackTotalHits(true).
		Do(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("elastic: reverse lookup failed: %w", classify(err))
	}

	var keys []string
	if res.Hits != nil {
		keys = make([]string, 0, len(res.Hits.Hits))
		for _, hit := range res.Hits.Hits {
			keys = append(keys, hit.Id)
		}
	}
	return keys, res.TotalHits(), nil
}

type document struct {
	UUID          string         `json:"uuid"`
	ItemType      string         `json:"item_type,omitempty"`
	Embedded      map[string]any `json:"embedded,omitempty"`
	EmbeddedUUIDs []string       `json:"embedded_uuids"`
	LinkedUUIDs   []string       `json:"linked_uuids"`
}

// Upsert writes doc with version_type external_gte.
func (x *Index) Upsert(ctx context.Context, doc search.Document, version int64) error {
	body := document{
		UUID:          doc.Key,
		ItemType:      doc.ItemType,
		Embedded:      doc.Body,
		EmbeddedUUIDs: nonNil(doc.EmbeddedKeys),
		LinkedUUIDs:   nonNil(doc.LinkedKeys),
	}
	_, err := x.client.Index().
		Index(x.index).
		Id(doc.Key).
		VersionType("external_gte").
		Version(version).
		BodyJson(body).
		Do(ctx)
	if err != nil {
		return fmt.Errorf("elastic: failed to index %s: %w", doc.Key, classify(err))
	}
	return nil
}

// Version returns the stored external version of key.
func (x *Index) Version(ctx context.Context, key string) (int64, error) {
	res, err := x.client.Get().Index(x.index).Id(key).FetchSource(false).Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("elastic: failed to get %s: %w", key, classify(err))
	}
	if !res.Found || res.Version == nil {
		return 0, search.ErrNotFound
	}
	return *res.Version, nil
}

// Refresh makes recent writes to the document index searchable.
func (x *Index) Refresh(ctx context.Context) error {
	if _, err := x.client.Refresh(x.index).Do(ctx); err != nil {
		return fmt.Errorf("elastic: refresh failed: %w", classify(err))
	}
	return nil
}

// Flush persists the document index to disk.
func (x *Index) Flush(ctx context.Context) error {
	if _, err := x.client.Flush(x.index).Do(ctx); err != nil {
		return fmt.Errorf("elastic: flush failed: %w", classify(err))
	}
	return nil
}

type metaDoc struct {
	MetaID  string `json:"meta_id"`
	Payload string `json:"payload"`
}

// GetMeta reads a metadata document. A missing document is not an error.
func (x *Index) GetMeta(ctx context.Context, id string) ([]byte, bool, error) {
	res, err := x.client.Get().Index(x.metaIndex).Id(id).Do(ctx)
	if err != nil {
		err = classify(err)
		if errors.Is(err, search.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("elastic: failed to get meta %s: %w", id, err)
	}
	if !res.Found {
		return nil, false, nil
	}
	var doc metaDoc
	if err := json.Unmarshal(res.Source, &doc); err != nil {
		return nil, false, fmt.Errorf("elastic: failed to decode meta %s: %w", id, err)
	}
	return []byte(doc.Payload), true, nil
}

// PutMeta stores body under id and refreshes the metadata index.
func (x *Index) PutMeta(ctx context.Context, id string, body []byte) error {
	_, err := x.client.Index().
		Index(x.metaIndex).
		Id(id).
		BodyJson(metaDoc{MetaID: id, Payload: string(body)}).
		Refresh("true").
		Do(ctx)
	if err != nil {
		return fmt.Errorf("elastic: failed to put meta %s: %w", id, classify(err))
	}
	return nil
}

// DeleteMeta removes a metadata document. Deleting a missing one is not an error.
func (x *Index) DeleteMeta(ctx context.Context, id string) error {
	_, err := x.client.Delete().Index(x.metaIndex).Id(id).Refresh("true").Do(ctx)
	if err != nil {
		err = classify(err)
		if errors.Is(err, search.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("elastic: failed to delete meta %s: %w", id, err)
	}
	return nil
}

// Close stops the client.
func (x *Index) Close() error {
	x.client.Stop()
	return nil
}

// classify maps client errors onto the search sentinels.
func classify(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case elastic.IsConflict(err):
		return fmt.Errorf("%w: %v", search.ErrConflict, err)
	case elastic.IsNotFound(err):
		return fmt.Errorf("%w: %v", search.ErrNotFound, err)
	case elastic.IsConnErr(err), elastic.IsTimeout(err),
		elastic.IsStatusCode(err, http.StatusServiceUnavailable),
		elastic.IsStatusCode(err, http.StatusBadGateway),
		elastic.IsStatusCode(err, http.StatusGatewayTimeout),
		elastic.IsStatusCode(err, http.StatusTooManyRequests),
		errors.Is(err, elastic.ErrNoClient),
		errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", search.ErrUnavailable, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %v", search.ErrUnavailable, err)
	}
	return err
}

func toAny(keys []string) []interface{} {
	out := make([]interface{}, len(keys))
	for i, k := range keys {
		out[i] = k
	}
	return out
}

func nonNil(keys []string) []string {
	if keys == nil {
		return []string{}
	}
	return keys
}
