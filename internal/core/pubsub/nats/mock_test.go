package nats

import (
	"context"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/mock"
)

type mockJetStream struct {
	mock.Mock
}

func (m *mockJetStream) CreateOrUpdateStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error) {
	args := m.Called(ctx, cfg)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(jetstream.Stream), args.Error(1)
}

func (m *mockJetStream) CreateOrUpdateConsumer(ctx context.Context, stream string, cfg jetstream.ConsumerConfig) (jetstream.Consumer, error) {
	args := m.Called(ctx, stream, cfg)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(jetstream.Consumer), args.Error(1)
}

func (m *mockJetStream) Publish(ctx context.Context, subject string, data []byte, _ ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	args := m.Called(ctx, subject, data)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*jetstream.PubAck), args.Error(1)
}

// mockConsumer hands the registered handler to the test.
type mockConsumer struct {
	jetstream.Consumer
	handlers chan jetstream.MessageHandler
	cc       *mockConsumeContext
	err      error
}

func newMockConsumer() *mockConsumer {
	return &mockConsumer{
		handlers: make(chan jetstream.MessageHandler, 1),
		cc:       &mockConsumeContext{stopped: make(chan struct{})},
	}
}

func (m *mockConsumer) Consume(handler jetstream.MessageHandler, _ ...jetstream.PullConsumeOpt) (jetstream.ConsumeContext, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.handlers <- handler
	return m.cc, nil
}

type mockConsumeContext struct {
	jetstream.ConsumeContext
	stopped chan struct{}
}

func (m *mockConsumeContext) Stop() { close(m.stopped) }

type mockMsg struct {
	jetstream.Msg
	mock.Mock
	subject string
	data    []byte
}

func (m *mockMsg) Data() []byte    { return m.data }
func (m *mockMsg) Subject() string { return m.subject }
func (m *mockMsg) Ack() error      { return m.Called().Error(0) }
func (m *mockMsg) Nak() error      { return m.Called().Error(0) }
