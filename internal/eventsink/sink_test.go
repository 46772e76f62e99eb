package eventsink

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pricepush/internal/clock"
	"pricepush/internal/dispatch"
	"pricepush/internal/eventbus"
	"pricepush/pkg/logx"
)

type memWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	closed bool
}

func (w *memWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *memWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *memWriter) snapshot() []kafka.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]kafka.Message(nil), w.msgs...)
}

func TestSinkExportsOutcomeEvents(t *testing.T) {
	t.Parallel()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.NewFake(at)
	bus := eventbus.New[dispatch.Event]()
	w := &memWriter{}
	s := New(Config{BatchSize: 2, FlushInterval: time.Second}, w, clk, logx.Nop())

	ch, unsub := s.Subscribe(bus)
	defer unsub()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, ch) }()

	bus.Publish(dispatch.Event{Type: dispatch.EventDelivered, TaskID: "t1", Priority: dispatch.High, Sent: 10, At: at})
	bus.Publish(dispatch.Event{Type: dispatch.EventRetryScheduled, TaskID: "t2"})
	bus.Publish(dispatch.Event{
		Type: dispatch.EventTerminalFailure, TaskID: "t3", ParentID: "t1", Priority: dispatch.High, Failed: 2, At: at,
		Failure: &dispatch.TerminalFailure{TaskID: "t3", RootID: "t1", Recipients: []string{"a", "b"}, Attempts: 4, Err: errors.New("down")},
	})

	require.Eventually(t, func() bool { return len(w.snapshot()) == 2 }, time.Second, 5*time.Millisecond)

	bus.Publish(dispatch.Event{Type: dispatch.EventFallback, Kind: "announcement", Sent: 3, At: at})
	require.Eventually(t, func() bool {
		clk.Advance(time.Second)
		return len(w.snapshot()) == 3
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.True(t, w.closed)

	msgs := w.snapshot()
	var rec Record
	require.NoError(t, json.Unmarshal(msgs[1].Value, &rec))
	assert.Equal(t, dispatch.EventTerminalFailure, rec.Type)
	assert.Equal(t, "t1", rec.RootID)
	assert.Equal(t, 4, rec.Attempts)
	assert.Equal(t, []string{"a", "b"}, rec.Recipients)
	assert.Equal(t, "down", rec.Error)
	assert.Equal(t, "t1", string(msgs[1].Key))
}

func TestNewKafkaWriterRequiresBrokers(t *testing.T) {
	t.Parallel()
	_, err := NewKafkaWriter(Config{Topic: "x"})
	require.Error(t, err)
	w, err := NewKafkaWriter(Config{Brokers: []string{"localhost:9092"}, Topic: "pricepush.events"})
	require.NoError(t, err)
	assert.Equal(t, "pricepush.events", w.Topic)
}
