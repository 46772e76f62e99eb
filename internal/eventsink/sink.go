// Package eventsink exports dispatch outcome events to Kafka.
package eventsink

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"

	"pricepush/internal/clock"
	"pricepush/internal/dispatch"
	"pricepush/internal/eventbus"
	"pricepush/pkg/logx"
)

// Writer is the part of *kafka.Writer the sink uses.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Config struct {
	Brokers []string
	Topic   string
	// BatchSize flushes once this many events are buffered. 0 means 100.
	BatchSize int
	// FlushInterval flushes a partial batch. 0 means 1s.
	FlushInterval time.Duration
	WriteTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	return c
}

// NewKafkaWriter returns a producer for cfg.Topic.
func NewKafkaWriter(cfg Config) (*kafka.Writer, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, errors.New("eventsink: brokers and topic are required")
	}
	return &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
		Compression:            kafka.Snappy,
		RequiredAcks:           kafka.RequireAll,
		MaxAttempts:            5,
		WriteBackoffMin:        100 * time.Millisecond,
		WriteBackoffMax:        time.Second,
	}, nil
}

// Record is the exported form of a dispatch.Event.
type Record struct {
	Type       dispatch.EventType `json:"type"`
	TaskID     string             `json:"task_id"`
	RootID     string             `json:"root_id,omitempty"`
	Priority   dispatch.Priority  `json:"priority"`
	Kind       string             `json:"kind,omitempty"`
	Sent       int                `json:"sent"`
	Failed     int                `json:"failed"`
	At         time.Time          `json:"at"`
	Attempts   int                `json:"attempts,omitempty"`
	Permanent  bool               `json:"permanent,omitempty"`
	Recipients []string           `json:"recipients,omitempty"`
	Error      string             `json:"error,omitempty"`
}

func toRecord(ev dispatch.Event) Record {
	r := Record{
		Type:     ev.Type,
		TaskID:   ev.TaskID,
		RootID:   ev.ParentID,
		Priority: ev.Priority,
		Kind:     ev.Kind,
		Sent:     ev.Sent,
		Failed:   ev.Failed,
		At:       ev.At,
	}
	if f := ev.Failure; f != nil {
		r.RootID = f.RootID
		r.Attempts = f.Attempts
		r.Permanent = f.Permanent
		r.Recipients = f.Recipients
		if f.Err != nil {
			r.Error = f.Err.Error()
		}
	}
	return r
}

// exported lists the event types the sink forwards.
func exported(t dispatch.EventType) bool {
	switch t {
	case dispatch.EventDelivered, dispatch.EventTerminalFailure, dispatch.EventFallback:
		return true
	}
	return false
}

type Sink struct {
	cfg Config
	w   Writer
	clk clock.Clock
	log logx.Logger

	written, failed uint64
}

func New(cfg Config, w Writer, clk clock.Clock, log logx.Logger) *Sink {
	if clk == nil {
		clk = clock.Real()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sink{cfg: cfg.withDefaults(), w: w, clk: clk, log: log.With(logx.String("comp", "eventsink"))}
}

// Subscribe attaches to bus with a buffer sized for the batch.
func (s *Sink) Subscribe(bus eventbus.Bus[dispatch.Event]) (<-chan dispatch.Event, func()) {
	return bus.Subscribe(s.cfg.BatchSize * 4)
}

// Run consumes events until ctx is done or ch closes, then flushes what is
// left and closes the writer.
func (s *Sink) Run(ctx context.Context, ch <-chan dispatch.Event) error {
	ticker := s.clk.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]kafka.Message, 0, s.cfg.BatchSize)
	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		wctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
		err := s.w.WriteMessages(wctx, batch...)
		cancel()
		if err != nil {
			s.failed += uint64(len(batch))
			s.log.Warn("event export failed", logx.Int("events", len(batch)), logx.Err(err))
		} else {
			s.written += uint64(len(batch))
		}
		batch = batch[:0]
	}
	defer func() {
		fctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
		flush(fctx)
		cancel()
		if err := s.w.Close(); err != nil {
			s.log.Warn("event writer close failed", logx.Err(err))
		}
		s.log.Info("event sink stopped", logx.Uint64("written", s.written), logx.Uint64("failed", s.failed))
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			flush(ctx)
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if !exported(ev.Type) {
				continue
			}
			b, err := json.Marshal(toRecord(ev))
			if err != nil {
				s.log.Warn("event encode failed", logx.Err(err))
				continue
			}
			key := ev.ParentID
			if key == "" {
				key = ev.TaskID
			}
			batch = append(batch, kafka.Message{Key: []byte(key), Value: b, Time: ev.At})
			if len(batch) >= s.cfg.BatchSize {
				flush(ctx)
			}
		}
	}
}
