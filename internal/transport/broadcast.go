package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"attendance-service/internal/config"
	"attendance-service/internal/model"
	"attendance-service/internal/util"
)

// broadcastSignal stands in for a physical RSSI reading: the shared bus has
// no radio, so every delivery reports a strong constant signal
const broadcastSignal = -40

// Broadcast carries advertisements over a shared Kafka topic standing in for
// the short-range broadcast medium. One topic, keyed by session_id; each
// subscription tails the topic from its latest offset, so a subscriber that
// starts after a publish misses it, matching the lossy-medium contract.
type Broadcast struct {
	writer *kafka.Writer
	cfg    *config.KafkaConfig
	logger *zap.Logger
}

// NewBroadcast creates the Kafka-backed transport variant
func NewBroadcast(cfg *config.KafkaConfig, logger *zap.Logger) *Broadcast {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.BroadcastTopic,
		Balancer:     &kafka.Hash{},
		MaxAttempts:  3,
		BatchSize:    1,
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Async:        false,
	}

	return &Broadcast{
		writer: writer,
		cfg:    cfg,
		logger: logger,
	}
}

func (b *Broadcast) Publish(ctx context.Context, adv model.Advertisement) error {
	payload, err := json.Marshal(adv)
	if err != nil {
		return fmt.Errorf("failed to marshal advertisement: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(adv.SessionID),
		Value: payload,
	}

	if err := b.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	b.logger.Debug("Advertisement published",
		zap.String("session_id", adv.SessionID),
		zap.Int64("time_slot", adv.TimeSlot))

	return nil
}

// Withdraw emits a tombstone for the session key. Subscribers treat an empty
// payload as end-of-advertisement and deliver nothing for it.
func (b *Broadcast) Withdraw(ctx context.Context, sessionID string) error {
	msg := kafka.Message{
		Key:   []byte(sessionID),
		Value: nil,
	}

	if err := b.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	return nil
}

func (b *Broadcast) Subscribe(ctx context.Context, filter Filter) (Subscription, error) {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        b.cfg.Brokers,
		Topic:          b.cfg.BroadcastTopic,
		Partition:      0,
		StartOffset:    kafka.LastOffset,
		MinBytes:       1,
		MaxBytes:       1e6,
		MaxWait:        500 * time.Millisecond,
		ReadBackoffMin: 100 * time.Millisecond,
		ReadBackoffMax: time.Second,
	})

	subCtx, cancel := context.WithCancel(ctx)
	sub := &broadcastSubscription{
		reader:   reader,
		filter:   filter,
		ch:       make(chan Event, subscriptionBuffer),
		cancel:   cancel,
		lastSlot: make(map[string]int64),
	}

	go sub.run(subCtx)

	return sub, nil
}

// Close shuts down the producer side of the transport
func (b *Broadcast) Close() error {
	if err := b.writer.Close(); err != nil {
		return fmt.Errorf("failed to close broadcast writer: %w", err)
	}
	return nil
}

type broadcastSubscription struct {
	reader   *kafka.Reader
	filter   Filter
	ch       chan Event
	cancel   context.CancelFunc
	lastSlot map[string]int64
	stopOnce sync.Once
}

func (s *broadcastSubscription) Events() <-chan Event {
	return s.ch
}

func (s *broadcastSubscription) Stop() {
	s.stopOnce.Do(func() {
		s.cancel()
	})
}

func (s *broadcastSubscription) run(ctx context.Context) {
	defer close(s.ch)
	defer func() {
		if err := s.reader.Close(); err != nil {
			util.Warn("Failed to close broadcast reader", zap.Error(err))
		}
	}()

	for {
		msg, err := s.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			util.Warn("Broadcast read failed", zap.Error(err))
			return
		}

		if len(msg.Value) == 0 {
			// withdrawal tombstone
			delete(s.lastSlot, string(msg.Key))
			continue
		}

		var adv model.Advertisement
		if err := json.Unmarshal(msg.Value, &adv); err != nil {
			util.Warn("Dropping malformed advertisement", zap.Error(err))
			continue
		}

		if !s.filter.Matches(adv) {
			continue
		}

		if last, ok := s.lastSlot[adv.SessionID]; ok && adv.TimeSlot < last {
			continue
		}
		s.lastSlot[adv.SessionID] = adv.TimeSlot

		select {
		case s.ch <- Event{Advertisement: adv, RSSI: broadcastSignal}:
		case <-ctx.Done():
			return
		}
	}
}
