// Package search defines the search index collaborator the indexer writes rendered
// documents into.
package search

import (
	"context"
	"errors"
)

var (
	// ErrConflict is returned by Upsert when the stored version is newer than or equal to
	// the incoming one.
	ErrConflict = errors.New("version conflict")
	// ErrUnavailable marks connectivity failures and timeouts.
	ErrUnavailable = errors.New("search index unavailable")
	// ErrNotFound is returned when a document does not exist.
	ErrNotFound = errors.New("document not found")
)

// Document is a rendered record ready to be written to the index.
type Document struct {
	Key      string
	ItemType string
	Body     map[string]any
	// EmbeddedKeys are the keys whose content was copied into Body.
	EmbeddedKeys []string
	// LinkedKeys are the keys Body refers to by path or name.
	LinkedKeys []string
}

// Field names carried by every indexed document.
const (
	FieldEmbedded = "embedded_uuids"
	FieldLinked   = "linked_uuids"
	FieldItemType = "item_type"
	FieldKey      = "uuid"
	FieldBody     = "embedded"
)

// Index is the subset of a search engine the indexer depends on.
type Index interface {
	// ReverseLookup returns up to size keys of documents that embed any of updated or link
	// any of renamed, together with the total match count.
	ReverseLookup(ctx context.Context, updated, renamed []string, size int) ([]string, int64, error)

	// Upsert writes doc with an external version. It returns ErrConflict when the stored
	// version is greater than version.
	Upsert(ctx context.Context, doc Document, version int64) error

	// Version returns the stored version of key.
	Version(ctx context.Context, key string) (int64, error)

	Refresh(ctx context.Context) error
	Flush(ctx context.Context) error

	// GetMeta reads a metadata document. The bool is false when it does not exist.
	GetMeta(ctx context.Context, id string) ([]byte, bool, error)
	PutMeta(ctx context.Context, id string, body []byte) error
	DeleteMeta(ctx context.Context, id string) error

	Close() error
}

// IsRetryable reports whether err is a connectivity failure worth retrying.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
