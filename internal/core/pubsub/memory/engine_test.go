package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syntrixbase/indexsync/internal/core/pubsub"
)

func receive(t *testing.T, ch <-chan pubsub.Message) pubsub.Message {
	t.Helper()
	select {
	case m, ok := <-ch:
		require.True(t, ok, "channel closed")
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("no message")
		return nil
	}
}

func TestMatch(t *testing.T) {
	t.Parallel()
	tests := []struct {
		pattern, subject string
		want             bool
	}{
		{"followup.secondary", "followup.secondary", true},
		{"followup.*", "followup.secondary", true},
		{"followup.*", "followup.a.b", false},
		{"followup.>", "followup.a.b", true},
		{"followup.>", "followup", false},
		{">", "anything", true},
		{"", "x", false},
		{"a.b", "a", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, match(tt.pattern, tt.subject), "%s ~ %s", tt.pattern, tt.subject)
	}
}

func TestEngine_PublishSubscribe(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e := New()
	defer e.Close()

	c, err := e.NewConsumer(pubsub.ConsumerOptions{StreamName: "indexsync"})
	require.NoError(t, err)
	ch, err := c.Subscribe(ctx)
	require.NoError(t, err)

	p, err := e.NewPublisher(pubsub.PublisherOptions{SubjectPrefix: "indexsync"})
	require.NoError(t, err)
	require.NoError(t, p.Publish(ctx, "followup.secondary", []byte(`{"stage":"secondary"}`)))

	m := receive(t, ch)
	assert.Equal(t, "indexsync.followup.secondary", m.Subject())
	assert.JSONEq(t, `{"stage":"secondary"}`, string(m.Data()))
	require.NoError(t, m.Ack())
	require.NoError(t, m.Nak())

	_, err = c.Subscribe(ctx)
	assert.ErrorIs(t, err, ErrPatternSubscribed)
}

func TestEngine_NakRedelivers(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e := New()
	defer e.Close()

	c, err := e.NewConsumer(pubsub.ConsumerOptions{FilterSubject: "followup.*"})
	require.NoError(t, err)
	ch, err := c.Subscribe(ctx)
	require.NoError(t, err)
	p, err := e.NewPublisher(pubsub.PublisherOptions{})
	require.NoError(t, err)

	require.NoError(t, p.Publish(ctx, "followup.x", []byte("1")))
	first := receive(t, ch)
	require.NoError(t, first.Nak())
	again := receive(t, ch)
	assert.Equal(t, "1", string(again.Data()))
}

func TestEngine_CancelUnsubscribes(t *testing.T) {
	t.Parallel()
	e := New()
	defer e.Close()
	ctx, cancel := context.WithCancel(context.Background())
	c, err := e.NewConsumer(pubsub.ConsumerOptions{})
	require.NoError(t, err)
	ch, err := c.Subscribe(ctx)
	require.NoError(t, err)
	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed")
	}

	require.Eventually(t, func() bool {
		_, err := c.Subscribe(context.Background())
		return err == nil
	}, time.Second, 10*time.Millisecond)
}

func TestEngine_Close(t *testing.T) {
	t.Parallel()
	e := New()
	c, err := e.NewConsumer(pubsub.ConsumerOptions{})
	require.NoError(t, err)
	ch, err := c.Subscribe(context.Background())
	require.NoError(t, err)
	p, err := e.NewPublisher(pubsub.PublisherOptions{})
	require.NoError(t, err)

	require.NoError(t, e.Close())
	require.NoError(t, e.Close())
	_, ok := <-ch
	assert.False(t, ok)

	assert.ErrorIs(t, p.Publish(context.Background(), "a", nil), ErrClosed)
	_, err = e.NewPublisher(pubsub.PublisherOptions{})
	assert.ErrorIs(t, err, ErrClosed)
	_, err = e.NewConsumer(pubsub.ConsumerOptions{})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestEngine_PublishWithoutSubscribers(t *testing.T) {
	t.Parallel()
	e := New()
	defer e.Close()
	p, err := e.NewPublisher(pubsub.PublisherOptions{})
	require.NoError(t, err)
	assert.NoError(t, p.Publish(context.Background(), "nobody.listens", nil))
}
