// Package memory provides an in-process search.Index used by the standalone deployment
// and tests.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/syntrixbase/indexsync/internal/core/search"
)

type entry struct {
	doc     search.Document
	version int64
}

// Index keeps documents and metadata in maps.
type Index struct {
	mu   sync.RWMutex
	docs map[string]entry
	meta map[string][]byte

	refreshes int
	flushes   int
}

var _ search.Index = (*Index)(nil)

// New creates an empty index.
func New() *Index {
	return &Index{
		docs: make(map[string]entry),
		meta: make(map[string][]byte),
	}
}

// ReverseLookup scans every document for embedded or linked references.
func (x *Index) ReverseLookup(_ context.Context, updated, renamed []string, size int) ([]string, int64, error) {
	upd := toSet(updated)
	ren := toSet(renamed)

	x.mu.RLock()
	defer x.mu.RUnlock()

	var matched []string
	for key, e := range x.docs {
		if intersects(e.doc.EmbeddedKeys, upd) || intersects(e.doc.LinkedKeys, ren) {
			matched = append(matched, key)
		}
	}
	sort.Strings(matched)
	total := int64(len(matched))
	if size >= 0 && len(matched) > size {
		matched = matched[:size]
	}
	return matched, total, nil
}

// Upsert stores doc unless a greater version is already stored.
func (x *Index) Upsert(_ context.Context, doc search.Document, version int64) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if cur, ok := x.docs[doc.Key]; ok && cur.version > version {
		return search.ErrConflict
	}
	x.docs[doc.Key] = entry{doc: doc, version: version}
	return nil
}

// Version returns the stored version of key.
func (x *Index) Version(_ context.Context, key string) (int64, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	e, ok := x.docs[key]
	if !ok {
		return 0, search.ErrNotFound
	}
	return e.version, nil
}

// Document returns the stored document for key.
func (x *Index) Document(key string) (search.Document, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	e, ok := x.docs[key]
	return e.doc, ok
}

// Len returns the number of stored documents.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.docs)
}

func (x *Index) Refresh(context.Context) error {
	x.mu.Lock()
	x.refreshes++
	x.mu.Unlock()
	return nil
}

func (x *Index) Flush(context.Context) error {
	x.mu.Lock()
	x.flushes++
	x.mu.Unlock()
	return nil
}

// Stats returns how many refreshes and flushes were requested.
func (x *Index) Stats() (refreshes, flushes int) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.refreshes, x.flushes
}

func (x *Index) GetMeta(_ context.Context, id string) ([]byte, bool, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	b, ok := x.meta[id]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), b...), true, nil
}

func (x *Index) PutMeta(_ context.Context, id string, body []byte) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.meta[id] = append([]byte(nil), body...)
	return nil
}

func (x *Index) DeleteMeta(_ context.Context, id string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	delete(x.meta, id)
	return nil
}

func (x *Index) Close() error {
	return nil
}

func toSet(keys []string) map[string]struct{} {
	s := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		s[k] = struct{}{}
	}
	return s
}

func intersects(keys []string, set map[string]struct{}) bool {
	if len(set) == 0 {
		return false
	}
	for _, k := range keys {
		if _, ok := set[k]; ok {
			return true
		}
	}
	return false
}
