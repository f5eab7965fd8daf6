// Package pubsub is a small subject-based publish/subscribe abstraction used to carry
// followup notices between indexers.
package pubsub

import (
	"context"
	"io"
)

// Message is a delivered message.
type Message interface {
	Data() []byte
	Subject() string
	// Ack acknowledges processing.
	Ack() error
	// Nak requests redelivery.
	Nak() error
}

// Publisher publishes messages.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
	Close() error
}

// Consumer delivers messages on a channel that is closed when ctx ends.
type Consumer interface {
	Subscribe(ctx context.Context) (<-chan Message, error)
}

// Provider creates publishers and consumers over one broker.
type Provider interface {
	io.Closer
	NewPublisher(opts PublisherOptions) (Publisher, error)
	NewConsumer(opts ConsumerOptions) (Consumer, error)
}

// Connectable is implemented by providers that must connect before use.
type Connectable interface {
	Connect(ctx context.Context) error
}

// StorageType selects stream storage.
type StorageType int

const (
	MemoryStorage StorageType = iota
	FileStorage
)

// PublisherOptions configures a publisher.
type PublisherOptions struct {
	StreamName string
	// SubjectPrefix is prepended to every subject, separated by a dot.
	SubjectPrefix string
	RetryAttempts int
	Storage       StorageType
}

// ConsumerOptions configures a consumer.
type ConsumerOptions struct {
	StreamName    string
	ConsumerName  string
	FilterSubject string
	// ChannelBufSize defaults to DefaultChannelBufSize.
	ChannelBufSize int
	Storage        StorageType
}

// DefaultChannelBufSize is the default consumer channel buffer.
const DefaultChannelBufSize = 100

// Subject joins a prefix and a subject.
func Subject(prefix, subject string) string {
	if prefix == "" {
		return subject
	}
	return prefix + "." + subject
}
