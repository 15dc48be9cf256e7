package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"unitrade/internal/config"
	"unitrade/internal/model"
)

const maxBatch = 100

// Publisher accepts counted views for delivery. Publish must not block.
type Publisher interface {
	Publish(ev model.ViewEvent) bool
}

type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

func NewKafkaWriter(cfg config.EventsConfig) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		BatchTimeout:           50 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}
}

// Stream buffers view events and writes them to Kafka from a single goroutine.
type Stream struct {
	w        Writer
	ch       chan model.ViewEvent
	timeout  time.Duration
	logger   *slog.Logger
	onResult func(ok bool)
}

func NewStream(w Writer, buffer int, timeout time.Duration, logger *slog.Logger) *Stream {
	if buffer <= 0 {
		buffer = 1024
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Stream{w: w, ch: make(chan model.ViewEvent, buffer), timeout: timeout, logger: logger}
}

// OnResult registers fn to observe every enqueue drop and every write outcome.
func (s *Stream) OnResult(fn func(ok bool)) {
	s.onResult = fn
}

func (s *Stream) Publish(ev model.ViewEvent) bool {
	select {
	case s.ch <- ev:
		return true
	default:
		if s.logger != nil {
			s.logger.Warn("view event buffer full, dropping event", "product_id", ev.ProductID, "event_id", ev.ID)
		}
		s.report(false, 1)
		return false
	}
}

// Run drains the buffer until ctx is cancelled, then flushes what is left and closes the writer.
func (s *Stream) Run(ctx context.Context) error {
	defer func() {
		if err := s.w.Close(); err != nil && s.logger != nil {
			s.logger.Warn("kafka writer close error", "err", err)
		}
	}()
	for {
		select {
		case ev := <-s.ch:
			s.write(context.Background(), s.collect(ev))
		case <-ctx.Done():
			s.flush()
			return nil
		}
	}
}

func (s *Stream) collect(first model.ViewEvent) []model.ViewEvent {
	batch := []model.ViewEvent{first}
	for len(batch) < maxBatch {
		select {
		case ev := <-s.ch:
			batch = append(batch, ev)
		default:
			return batch
		}
	}
	return batch
}

func (s *Stream) flush() {
	for {
		select {
		case ev := <-s.ch:
			s.write(context.Background(), s.collect(ev))
		default:
			return
		}
	}
}

func (s *Stream) write(parent context.Context, batch []model.ViewEvent) {
	msgs := make([]kafka.Message, 0, len(batch))
	for _, ev := range batch {
		value, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(ev.ProductID),
			Value: value,
			Time:  ev.Timestamp,
		})
	}
	ctx, cancel := context.WithTimeout(parent, s.timeout)
	defer cancel()
	if err := s.w.WriteMessages(ctx, msgs...); err != nil {
		if s.logger != nil {
			s.logger.Warn("kafka write error", "err", err, "events", len(msgs))
		}
		s.report(false, len(msgs))
		return
	}
	s.report(true, len(msgs))
}

func (s *Stream) report(ok bool, n int) {
	if s.onResult == nil {
		return
	}
	for i := 0; i < n; i++ {
		s.onResult(ok)
	}
}
