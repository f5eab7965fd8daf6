// Package memory is the in-process pubsub provider used in standalone mode and tests.
package memory

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/syntrixbase/indexsync/internal/core/pubsub"
)

var (
	// ErrClosed is returned after the engine is closed.
	ErrClosed = errors.New("pubsub engine closed")
	// ErrPatternSubscribed is returned when a pattern already has a subscriber.
	ErrPatternSubscribed = errors.New("pattern already has a subscriber")
)

// Engine routes published messages to subscribers whose pattern matches the subject.
type Engine struct {
	mu     sync.RWMutex
	subs   map[string]*subscription
	closed bool
}

type subscription struct {
	ch       chan pubsub.Message
	done     chan struct{}
	stopOnce sync.Once
	chOnce   sync.Once
}

// stop unblocks pending publishes without taking the engine lock.
func (s *subscription) stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

func (s *subscription) close() {
	s.stop()
	s.chOnce.Do(func() { close(s.ch) })
}

var _ pubsub.Provider = (*Engine)(nil)

// New creates an engine.
func New() *Engine {
	return &Engine{subs: make(map[string]*subscription)}
}

func (e *Engine) NewPublisher(opts pubsub.PublisherOptions) (pubsub.Publisher, error) {
	if e.isClosed() {
		return nil, ErrClosed
	}
	return &publisher{engine: e, prefix: opts.SubjectPrefix}, nil
}

func (e *Engine) NewConsumer(opts pubsub.ConsumerOptions) (pubsub.Consumer, error) {
	if e.isClosed() {
		return nil, ErrClosed
	}
	pattern := opts.FilterSubject
	if pattern == "" {
		pattern = ">"
		if opts.StreamName != "" {
			pattern = opts.StreamName + ".>"
		}
	}
	size := opts.ChannelBufSize
	if size <= 0 {
		size = pubsub.DefaultChannelBufSize
	}
	return &consumer{engine: e, pattern: pattern, size: size}, nil
}

// Close ends every subscription.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	for _, s := range e.subs {
		s.close()
	}
	e.subs = nil
	return nil
}

func (e *Engine) isClosed() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.closed
}

func (e *Engine) publish(ctx context.Context, subject string, data []byte) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return ErrClosed
	}
	for pattern, s := range e.subs {
		if !match(pattern, subject) {
			continue
		}
		m := &message{data: data, subject: subject, sub: s}
		select {
		case s.ch <- m:
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (e *Engine) subscribe(ctx context.Context, pattern string, size int) (<-chan pubsub.Message, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	if _, ok := e.subs[pattern]; ok {
		return nil, ErrPatternSubscribed
	}
	s := &subscription{ch: make(chan pubsub.Message, size), done: make(chan struct{})}
	e.subs[pattern] = s

	go func() {
		select {
		case <-ctx.Done():
		case <-s.done:
			return
		}
		s.stop()
		e.mu.Lock()
		if e.subs[pattern] == s {
			delete(e.subs, pattern)
		}
		s.close()
		e.mu.Unlock()
	}()
	return s.ch, nil
}

type publisher struct {
	engine *Engine
	prefix string
}

func (p *publisher) Publish(ctx context.Context, subject string, data []byte) error {
	return p.engine.publish(ctx, pubsub.Subject(p.prefix, subject), data)
}

func (p *publisher) Close() error { return nil }

type consumer struct {
	engine  *Engine
	pattern string
	size    int
}

func (c *consumer) Subscribe(ctx context.Context) (<-chan pubsub.Message, error) {
	return c.engine.subscribe(ctx, c.pattern, c.size)
}

type message struct {
	data    []byte
	subject string
	sub     *subscription

	mu      sync.Mutex
	settled bool
}

func (m *message) Data() []byte    { return m.data }
func (m *message) Subject() string { return m.subject }

func (m *message) Ack() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settled = true
	return nil
}

// Nak redelivers the message unless the subscription is gone or its buffer is full.
func (m *message) Nak() error {
	m.mu.Lock()
	if m.settled {
		m.mu.Unlock()
		return nil
	}
	m.settled = true
	m.mu.Unlock()

	redelivered := &message{data: m.data, subject: m.subject, sub: m.sub}
	defer func() { _ = recover() }()
	select {
	case <-m.sub.done:
	case m.sub.ch <- redelivered:
	default:
	}
	return nil
}

// match reports whether subject matches a NATS style pattern. "*" matches one token and
// a trailing ">" matches one or more.
func match(pattern, subject string) bool {
	if pattern == "" || subject == "" {
		return false
	}
	pp := strings.Split(pattern, ".")
	sp := strings.Split(subject, ".")
	for i, p := range pp {
		if p == ">" {
			return i < len(sp)
		}
		if i >= len(sp) || (p != "*" && p != sp[i]) {
			return false
		}
	}
	return len(pp) == len(sp)
}
