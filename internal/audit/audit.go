// Package audit publishes committed mutations to a Kafka topic.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

const DefaultTopic = "sp-gateway.mutations"

// ErrPublisherClosed is returned by Publish after Close.
var ErrPublisherClosed = errors.New("audit publisher is closed")

// Config holds Kafka producer settings.
type Config struct {
	Enabled      bool
	Brokers      []string
	Topic        string
	WriteTimeout time.Duration
	// RequiredAcks is 0, 1 or -1 (all replicas).
	RequiredAcks int
}

// Event describes one committed create, update or delete.
type Event struct {
	Table      string    `json:"table"`
	Operation  string    `json:"operation"`
	Procedure  string    `json:"procedure"`
	Params     []any     `json:"params"`
	RequestID  string    `json:"request_id,omitempty"`
	Subject    string    `json:"subject,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// MessageWriter is the part of *kafka.Writer the publisher needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher writes events synchronously. A nil *Publisher drops events.
type Publisher struct {
	writer MessageWriter
	topic  string

	mu     sync.RWMutex
	closed bool
}

// NewPublisher builds a Kafka writer for cfg. No connection is made until
// the first Publish.
func NewPublisher(cfg Config) (*Publisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("at least one audit broker is required")
	}
	topic := cfg.Topic
	if topic == "" {
		topic = DefaultTopic
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    1,
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: writeTimeout,
		RequiredAcks: kafka.RequiredAcks(cfg.RequiredAcks),
		MaxAttempts:  3,
		Async:        false,
	}
	return NewPublisherWithWriter(writer, topic), nil
}

// NewPublisherWithWriter wraps an existing writer.
func NewPublisherWithWriter(writer MessageWriter, topic string) *Publisher {
	return &Publisher{writer: writer, topic: topic}
}

// Topic returns the destination topic.
func (p *Publisher) Topic() string {
	if p == nil {
		return ""
	}
	return p.topic
}

// Publish sends ev keyed by table so events for one table stay ordered.
func (p *Publisher) Publish(ctx context.Context, ev Event) error {
	if p == nil {
		return nil
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPublisherClosed
	}

	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	if ev.Params == nil {
		ev.Params = []any{}
	}
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode audit event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(ev.Table),
		Value: value,
		Time:  ev.OccurredAt,
		Headers: []kafka.Header{
			{Key: "operation", Value: []byte(ev.Operation)},
			{Key: "table", Value: []byte(ev.Table)},
			{Key: "procedure", Value: []byte(ev.Procedure)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish audit event to %s: %w", p.topic, err)
	}
	return nil
}

// Close flushes and closes the writer. Safe to call more than once.
func (p *Publisher) Close() error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.writer.Close()
}
