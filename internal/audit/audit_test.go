package audit

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	messages []kafka.Message
	err      error
	closes   int
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.messages = append(f.messages, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closes++
	return nil
}

func TestPublish_EncodesEvent(t *testing.T) {
	w := &fakeWriter{}
	p := NewPublisherWithWriter(w, "audit")
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	err := p.Publish(context.Background(), Event{
		Table:      "sectores",
		Operation:  "insertar",
		Procedure:  "sp_sectores_insertar",
		Params:     []any{"Norte", nil},
		RequestID:  "req-1",
		OccurredAt: at,
	})
	require.NoError(t, err)
	require.Len(t, w.messages, 1)

	msg := w.messages[0]
	assert.Equal(t, "sectores", string(msg.Key))
	assert.Equal(t, at, msg.Time)
	assert.JSONEq(t, `{
		"table": "sectores",
		"operation": "insertar",
		"procedure": "sp_sectores_insertar",
		"params": ["Norte", null],
		"request_id": "req-1",
		"occurred_at": "2026-03-01T12:00:00Z"
	}`, string(msg.Value))

	headers := map[string]string{}
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	assert.Equal(t, map[string]string{
		"operation": "insertar",
		"table":     "sectores",
		"procedure": "sp_sectores_insertar",
	}, headers)
}

func TestPublish_DefaultsTimestampAndParams(t *testing.T) {
	w := &fakeWriter{}
	p := NewPublisherWithWriter(w, "audit")

	require.NoError(t, p.Publish(context.Background(), Event{Table: "plazas", Operation: "eliminar"}))
	require.Len(t, w.messages, 1)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(w.messages[0].Value, &decoded))
	assert.Equal(t, []any{}, decoded["params"])
	assert.False(t, w.messages[0].Time.IsZero())
}

func TestPublish_WrapsWriterError(t *testing.T) {
	boom := errors.New("broker unavailable")
	p := NewPublisherWithWriter(&fakeWriter{err: boom}, "audit")

	err := p.Publish(context.Background(), Event{Table: "t"})
	assert.ErrorIs(t, err, boom)
}

func TestPublisher_Close(t *testing.T) {
	w := &fakeWriter{}
	p := NewPublisherWithWriter(w, "audit")

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	assert.Equal(t, 1, w.closes)
	assert.ErrorIs(t, p.Publish(context.Background(), Event{Table: "t"}), ErrPublisherClosed)
}

func TestNilPublisher(t *testing.T) {
	var p *Publisher
	assert.NoError(t, p.Publish(context.Background(), Event{}))
	assert.NoError(t, p.Close())
	assert.Empty(t, p.Topic())
}

func TestNewPublisher(t *testing.T) {
	_, err := NewPublisher(Config{})
	assert.Error(t, err)

	p, err := NewPublisher(Config{Brokers: []string{"localhost:9092"}})
	require.NoError(t, err)
	assert.Equal(t, DefaultTopic, p.Topic())
	kw, ok := p.writer.(*kafka.Writer)
	require.True(t, ok)
	assert.Equal(t, DefaultTopic, kw.Topic)
	require.NoError(t, p.Close())
}
