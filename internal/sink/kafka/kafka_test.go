package kafka_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"firestige.xyz/ethctl/internal/core"
	"firestige.xyz/ethctl/internal/sink/kafka"
)

type writerMock struct {
	mock.Mock
	mu   sync.Mutex
	msgs []kafkago.Message
}

func (w *writerMock) WriteMessages(ctx context.Context, msgs ...kafkago.Message) error {
	args := w.Called(len(msgs))
	if args.Error(0) == nil {
		w.mu.Lock()
		w.msgs = append(w.msgs, msgs...)
		w.mu.Unlock()
	}
	return args.Error(0)
}

func (w *writerMock) Close() error {
	return w.Called().Error(0)
}

func (w *writerMock) events(t *testing.T) []kafka.Event {
	t.Helper()
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]kafka.Event, 0, len(w.msgs))
	for _, m := range w.msgs {
		var ev kafka.Event
		require.NoError(t, json.Unmarshal(m.Value, &ev))
		out = append(out, ev)
	}
	return out
}

func testOptions() kafka.Options {
	return kafka.Options{Device: "sw0", Brokers: []string{"localhost:9092"}, Topic: "ethctl"}
}

func TestPublishesEventsInOrder(t *testing.T) {
	w := &writerMock{}
	w.On("WriteMessages", mock.Anything).Return(nil)
	w.On("Close").Return(nil)

	s := kafka.NewWithWriter(testOptions(), w)
	s.Start(context.Background())

	frame := make([]byte, 60)
	copy(frame, []byte{0x00, 0x11, 0x22, 0x33, 0x44, 0x66, 0x00, 0x11, 0x22, 0x33, 0x44, 0x55, 0x08, 0x00})

	s.NotifyLinkChange(2, core.LinkState{Up: true, Speed: core.Speed100, Duplex: core.DuplexFull})
	s.DeliverReceivedFrame(frame, core.RxMeta{Port: 2})
	s.SignalTransmitReady()
	require.NoError(t, s.Close())

	evs := w.events(t)
	require.Len(t, evs, 3)

	assert.Equal(t, kafka.KindLink, evs[0].Kind)
	assert.Equal(t, "sw0", evs[0].Device)
	assert.Equal(t, uint8(2), evs[0].Port)
	require.NotNil(t, evs[0].Link)
	assert.Equal(t, kafka.LinkEvent{Up: true, Speed: 100, Duplex: "full"}, *evs[0].Link)

	assert.Equal(t, kafka.KindFrame, evs[1].Kind)
	require.NotNil(t, evs[1].Frame)
	assert.Equal(t, "00:11:22:33:44:55", evs[1].Frame.Src)
	assert.Equal(t, "00:11:22:33:44:66", evs[1].Frame.Dst)
	assert.Equal(t, uint16(0x0800), evs[1].Frame.EtherType)
	assert.Equal(t, 60, evs[1].Frame.Length)
	assert.Equal(t, frame, evs[1].Frame.Data)

	assert.Equal(t, kafka.KindTxReady, evs[2].Kind)

	published, dropped, failed := s.Stats()
	assert.Equal(t, uint64(3), published)
	assert.Zero(t, dropped)
	assert.Zero(t, failed)
	w.AssertExpectations(t)
}

func TestMessageKeyAndHeaders(t *testing.T) {
	w := &writerMock{}
	w.On("WriteMessages", mock.Anything).Return(nil)
	w.On("Close").Return(nil)

	s := kafka.NewWithWriter(testOptions(), w)
	s.Start(context.Background())
	s.NotifyLinkChange(4, core.LinkState{})
	require.NoError(t, s.Close())

	require.Len(t, w.msgs, 1)
	assert.Equal(t, "sw0/4", string(w.msgs[0].Key))
	assert.Equal(t, []kafkago.Header{{Key: "kind", Value: []byte("link")}}, w.msgs[0].Headers)
}

func TestQueueOverflowDrops(t *testing.T) {
	w := &writerMock{}
	w.On("WriteMessages", mock.Anything).Return(nil)
	w.On("Close").Return(nil)

	opts := testOptions()
	opts.QueueSize = 2
	s := kafka.NewWithWriter(opts, w)

	for i := 0; i < 5; i++ {
		s.SignalTransmitReady()
	}
	s.Start(context.Background())
	require.NoError(t, s.Close())

	published, dropped, _ := s.Stats()
	assert.Equal(t, uint64(2), published)
	assert.Equal(t, uint64(3), dropped)
}

func TestWriteErrorCounted(t *testing.T) {
	w := &writerMock{}
	w.On("WriteMessages", mock.Anything).Return(errors.New("broker down"))
	w.On("Close").Return(nil)

	s := kafka.NewWithWriter(testOptions(), w)
	s.Start(context.Background())
	s.SignalTransmitReady()
	require.NoError(t, s.Close())

	published, _, failed := s.Stats()
	assert.Zero(t, published)
	assert.Equal(t, uint64(1), failed)
}

func TestEventsAfterCloseAreDropped(t *testing.T) {
	w := &writerMock{}
	w.On("Close").Return(nil)

	s := kafka.NewWithWriter(testOptions(), w)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	s.SignalTransmitReady()

	_, dropped, _ := s.Stats()
	assert.Equal(t, uint64(1), dropped)
	w.AssertNotCalled(t, "WriteMessages", mock.Anything)
}

func TestOptionsValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*kafka.Options)
		wantErr bool
	}{
		{"valid", func(*kafka.Options) {}, false},
		{"missing brokers", func(o *kafka.Options) { o.Brokers = nil }, true},
		{"missing topic", func(o *kafka.Options) { o.Topic = "" }, true},
		{"gzip", func(o *kafka.Options) { o.Compression = "gzip" }, false},
		{"lz4", func(o *kafka.Options) { o.Compression = "lz4" }, false},
		{"none", func(o *kafka.Options) { o.Compression = "none" }, false},
		{"invalid compression", func(o *kafka.Options) { o.Compression = "brotli" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := testOptions()
			tt.mutate(&o)
			err := o.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, core.ErrConfigInvalid)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNewBuildsWriter(t *testing.T) {
	s, err := kafka.New(testOptions())
	require.NoError(t, err)
	assert.NoError(t, s.Close())

	_, err = kafka.New(kafka.Options{Topic: "x"})
	assert.ErrorIs(t, err, core.ErrConfigInvalid)
}
