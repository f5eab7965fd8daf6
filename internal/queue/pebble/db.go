package pebble

import (
	"io"

	"github.com/cockroachdb/pebble"
)

// DB is the part of *pebble.DB the queue uses.
type DB interface {
	// Get returns ErrNotFound when the key is absent. The caller must close the closer.
	Get(key []byte) (value []byte, closer io.Closer, err error)
	NewIter(o *pebble.IterOptions) (Iterator, error)
	NewBatch() Batch
	Close() error
}

// Iterator is the part of *pebble.Iterator the queue uses.
type Iterator interface {
	First() bool
	Valid() bool
	Next() bool
	Key() []byte
	Value() []byte
	Error() error
	Close() error
}

// Batch is a write-only batch applied atomically on Commit.
type Batch interface {
	Set(key, value []byte, opt *pebble.WriteOptions) error
	Delete(key []byte, opt *pebble.WriteOptions) error
	DeleteRange(start, end []byte, opt *pebble.WriteOptions) error
	Commit(o *pebble.WriteOptions) error
	Close() error
}

type pebbleDB struct {
	db *pebble.DB
}

func (p *pebbleDB) Get(key []byte) ([]byte, io.Closer, error) {
	return p.db.Get(key)
}

func (p *pebbleDB) NewIter(o *pebble.IterOptions) (Iterator, error) {
	return p.db.NewIter(o)
}

func (p *pebbleDB) NewBatch() Batch {
	return p.db.NewBatch()
}

func (p *pebbleDB) Close() error {
	return p.db.Close()
}
