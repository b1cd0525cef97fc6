// Package trigger delivers change envelopes to handlers through a durable
// queue with bounded retries and a dead-letter list.
package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
)

const defaultQueueCapacity = 1024

// Envelope is one unit of trigger work.
type Envelope struct {
	ID            string          `json:"id"`
	Kind          string          `json:"kind"`
	Payload       json.RawMessage `json:"payload"`
	Attempt       int             `json:"attempt"`
	CorrelationID string          `json:"correlationId,omitempty"`
	ReceivedAt    time.Time       `json:"receivedAt"`
}

type Queue interface {
	TryEnqueue(env Envelope) bool
	Enqueue(ctx context.Context, env Envelope) bool
	Dequeue(ctx context.Context) (Envelope, bool)
	Depth() int
	Capacity() int
	Close() error
}

type inMemoryQueue struct {
	ch chan Envelope
}

func NewInMemoryQueue(capacity int) Queue {
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	return &inMemoryQueue{ch: make(chan Envelope, capacity)}
}

func (q *inMemoryQueue) TryEnqueue(env Envelope) bool {
	if q == nil || env.ID == "" {
		return false
	}
	select {
	case q.ch <- env:
		return true
	default:
		return false
	}
}

func (q *inMemoryQueue) Enqueue(ctx context.Context, env Envelope) bool {
	if q == nil || env.ID == "" {
		return false
	}
	select {
	case q.ch <- env:
		return true
	case <-ctx.Done():
		return false
	}
}

func (q *inMemoryQueue) Dequeue(ctx context.Context) (Envelope, bool) {
	if q == nil {
		return Envelope{}, false
	}
	select {
	case env := <-q.ch:
		return env, true
	case <-ctx.Done():
		return Envelope{}, false
	}
}

func (q *inMemoryQueue) Depth() int {
	if q == nil {
		return 0
	}
	return len(q.ch)
}

func (q *inMemoryQueue) Capacity() int {
	if q == nil {
		return 0
	}
	return cap(q.ch)
}

func (q *inMemoryQueue) Close() error {
	return nil
}

// BuildQueueFromDSN selects a queue backend: memory://, file:///path or postgres://...
func BuildQueueFromDSN(dsn string, capacity int) (Queue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewInMemoryQueue(capacity), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileQueue(path, capacity)
	case "memory", "mem", "inmem":
		return NewInMemoryQueue(capacity), nil
	case "postgres", "postgresql":
		return NewPostgresQueue(dsn, capacity)
	case "redis", "rediss", "nats", "sqs", "kafka", "pubsub":
		return nil, fmt.Errorf("%w: trigger queue backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported trigger queue scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}
