package nats

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/syntrixbase/indexsync/internal/core/pubsub"
)

func TestProvider_NotConnected(t *testing.T) {
	t.Parallel()
	p := NewProvider(Config{})
	_, err := p.NewPublisher(pubsub.PublisherOptions{StreamName: "indexsync"})
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = p.NewConsumer(pubsub.ConsumerOptions{StreamName: "indexsync", ConsumerName: "c"})
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.NoError(t, p.Close())
}

func TestProvider_OptionValidation(t *testing.T) {
	t.Parallel()
	p := NewProviderWithJetStream(&mockJetStream{})
	_, err := p.NewPublisher(pubsub.PublisherOptions{})
	assert.Error(t, err)
	_, err = p.NewConsumer(pubsub.ConsumerOptions{StreamName: "indexsync"})
	assert.Error(t, err)
}

func TestPublisher_Publish(t *testing.T) {
	t.Parallel()
	js := &mockJetStream{}
	js.On("CreateOrUpdateStream", mock.Anything, mock.MatchedBy(func(cfg jetstream.StreamConfig) bool {
		return cfg.Name == "indexsync" && cfg.Subjects[0] == "indexsync.>" && cfg.Storage == jetstream.FileStorage
	})).Return(nil, nil).Once()
	js.On("Publish", mock.Anything, "indexsync.followup.secondary", []byte("x")).
		Return(nil, errors.New("flaky")).Once()
	js.On("Publish", mock.Anything, "indexsync.followup.secondary", []byte("x")).
		Return(&jetstream.PubAck{Stream: "indexsync"}, nil)

	pub, err := NewProviderWithJetStream(js).NewPublisher(pubsub.PublisherOptions{
		StreamName: "indexsync",
		Storage:    pubsub.FileStorage,
	})
	require.NoError(t, err)
	require.NoError(t, pub.Publish(context.Background(), "followup.secondary", []byte("x")))
	require.NoError(t, pub.Publish(context.Background(), "followup.secondary", []byte("x")))
	require.NoError(t, pub.Close())
	js.AssertExpectations(t)
}

func TestPublisher_StreamError(t *testing.T) {
	t.Parallel()
	js := &mockJetStream{}
	js.On("CreateOrUpdateStream", mock.Anything, mock.Anything).Return(nil, errors.New("no jetstream"))

	pub, err := NewProviderWithJetStream(js).NewPublisher(pubsub.PublisherOptions{StreamName: "indexsync"})
	require.NoError(t, err)
	err = pub.Publish(context.Background(), "a", nil)
	assert.ErrorContains(t, err, "no jetstream")
	js.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
}

func TestPublisher_RetriesExhausted(t *testing.T) {
	t.Parallel()
	js := &mockJetStream{}
	js.On("CreateOrUpdateStream", mock.Anything, mock.Anything).Return(nil, nil)
	js.On("Publish", mock.Anything, "s.a", mock.Anything).Return(nil, errors.New("down")).Times(2)

	pub, err := NewProviderWithJetStream(js).NewPublisher(pubsub.PublisherOptions{StreamName: "s", RetryAttempts: 2})
	require.NoError(t, err)
	assert.ErrorContains(t, pub.Publish(context.Background(), "a", nil), "down")
	js.AssertExpectations(t)
}

func TestConsumer_Subscribe(t *testing.T) {
	t.Parallel()
	cons := newMockConsumer()
	js := &mockJetStream{}
	js.On("CreateOrUpdateStream", mock.Anything, mock.Anything).Return(nil, nil)
	js.On("CreateOrUpdateConsumer", mock.Anything, "indexsync", mock.MatchedBy(func(cfg jetstream.ConsumerConfig) bool {
		return cfg.Durable == "listener" &&
			cfg.AckPolicy == jetstream.AckExplicitPolicy &&
			cfg.FilterSubject == "indexsync.followup.secondary"
	})).Return(cons, nil)

	c, err := NewProviderWithJetStream(js).NewConsumer(pubsub.ConsumerOptions{
		StreamName:    "indexsync",
		ConsumerName:  "listener",
		FilterSubject: "followup.secondary",
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := c.Subscribe(ctx)
	require.NoError(t, err)

	handler := <-cons.handlers
	msg := &mockMsg{subject: "indexsync.followup.secondary", data: []byte("{}")}
	msg.On("Ack").Return(nil)
	go handler(msg)

	select {
	case m := <-ch:
		assert.Equal(t, "indexsync.followup.secondary", m.Subject())
		assert.Equal(t, "{}", string(m.Data()))
		require.NoError(t, m.Ack())
	case <-time.After(2 * time.Second):
		t.Fatal("no message")
	}
	msg.AssertExpectations(t)

	cancel()
	select {
	case <-cons.cc.stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("consume context not stopped")
	}
	_, ok := <-ch
	assert.False(t, ok)
}

func TestConsumer_ConsumerError(t *testing.T) {
	t.Parallel()
	js := &mockJetStream{}
	js.On("CreateOrUpdateStream", mock.Anything, mock.Anything).Return(nil, nil)
	js.On("CreateOrUpdateConsumer", mock.Anything, mock.Anything, mock.Anything).Return(nil, errors.New("denied"))

	c, err := NewProviderWithJetStream(js).NewConsumer(pubsub.ConsumerOptions{StreamName: "s", ConsumerName: "c"})
	require.NoError(t, err)
	_, err = c.Subscribe(context.Background())
	assert.ErrorContains(t, err, "denied")
}

func TestStorage(t *testing.T) {
	assert.Equal(t, jetstream.MemoryStorage, storage(pubsub.MemoryStorage))
	assert.Equal(t, jetstream.FileStorage, storage(pubsub.FileStorage))
}
