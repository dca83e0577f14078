package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaConfig configures a Kafka subscription.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string

	// MaxWait bounds how long a fetch waits for a batch to fill.
	// Default: 50ms
	MaxWait time.Duration

	// QueueCapacity is the reader's internal prefetch buffer.
	// Default: 1024
	QueueCapacity int

	// MaxUncommitted caps the fetched offsets a partition may hold behind its
	// commit point. Past it Fetch returns ErrStalled.
	// Default: 10000
	MaxUncommitted int
}

const defaultMaxUncommitted = 10_000

const (
	kafkaMinBytes = 10_000     // 10KB
	kafkaMaxBytes = 10_000_000 // 10MB
)

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSubscription consumes a topic as part of a consumer group. Offsets are
// committed explicitly, and only over contiguous runs of acked messages per
// partition. Nack leaves the offset uncommitted; Kafka redelivers from the
// last commit after a restart or rebalance.
type KafkaSubscription struct {
	reader         messageReader
	offsets        *offsetTracker
	maxUncommitted int

	mu     sync.Mutex
	closed bool
}

// NewKafkaSubscription creates a group reader for cfg.Topic.
func NewKafkaSubscription(cfg KafkaConfig) (*KafkaSubscription, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: no brokers configured")
	}
	if cfg.Topic == "" || cfg.GroupID == "" {
		return nil, errors.New("kafka: topic and group id are required")
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 50 * time.Millisecond
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 1024
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:         cfg.Brokers,
		GroupID:         cfg.GroupID,
		Topic:           cfg.Topic,
		MinBytes:        kafkaMinBytes,
		MaxBytes:        kafkaMaxBytes,
		MaxWait:         cfg.MaxWait,
		QueueCapacity:   cfg.QueueCapacity,
		ReadLagInterval: -1,
	})
	return newKafkaSubscription(r, cfg.MaxUncommitted), nil
}

func newKafkaSubscription(r messageReader, maxUncommitted int) *KafkaSubscription {
	if maxUncommitted <= 0 {
		maxUncommitted = defaultMaxUncommitted
	}
	return &KafkaSubscription{reader: r, offsets: newOffsetTracker(), maxUncommitted: maxUncommitted}
}

// Fetch implements Subscription.
func (s *KafkaSubscription) Fetch(ctx context.Context) (Message, error) {
	if n := s.offsets.backlog(); n >= s.maxUncommitted {
		return nil, fmt.Errorf("%w: %d offsets behind the commit point", ErrStalled, n)
	}
	m, err := s.reader.FetchMessage(ctx)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrClosed
		}
		return nil, err
	}
	s.offsets.fetched(m.Topic, m.Partition, m.Offset)
	return &kafkaMessage{sub: s, msg: m}, nil
}

// InFlight returns the number of fetched messages whose offsets are not yet
// committed.
func (s *KafkaSubscription) InFlight() int {
	return s.offsets.inFlight()
}

// Close implements Subscription.
func (s *KafkaSubscription) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.reader.Close()
}

func (s *KafkaSubscription) ack(ctx context.Context, m kafka.Message) error {
	offset, ok := s.offsets.ack(m.Topic, m.Partition, m.Offset)
	if !ok {
		return nil
	}
	// CommitMessages commits offset+1 for the given message.
	err := s.reader.CommitMessages(ctx, kafka.Message{
		Topic:     m.Topic,
		Partition: m.Partition,
		Offset:    offset,
	})
	if err != nil {
		return fmt.Errorf("commit %s/%d@%d: %w", m.Topic, m.Partition, offset, err)
	}
	return nil
}

type kafkaMessage struct {
	sub  *KafkaSubscription
	msg  kafka.Message
	once sync.Once
	err  error
}

func (m *kafkaMessage) Payload() []byte { return m.msg.Value }
func (m *kafkaMessage) Key() string     { return string(m.msg.Key) }

func (m *kafkaMessage) Ack(ctx context.Context) error {
	m.once.Do(func() {
		m.err = m.sub.ack(ctx, m.msg)
	})
	return m.err
}

// Nack leaves the offset pending so it is never committed past.
func (m *kafkaMessage) Nack(context.Context) error {
	m.once.Do(func() {})
	return nil
}

var _ Subscription = (*KafkaSubscription)(nil)
