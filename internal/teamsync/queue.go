package teamsync

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

// NotificationQueue decouples the fast acknowledgment of a notification from
// the slower pull-and-reconcile work. Delivery is at-least-once; consumers
// must tolerate duplicates.
type NotificationQueue interface {
	TryEnqueue(n ChangeNotification) bool
	Enqueue(ctx context.Context, n ChangeNotification) bool
	Dequeue(ctx context.Context) (ChangeNotification, bool)
	Depth() int
	Capacity() int
	Close() error
}

type memoryNotificationQueue struct {
	ch chan ChangeNotification
}

func NewMemoryNotificationQueue(capacity int) NotificationQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &memoryNotificationQueue{ch: make(chan ChangeNotification, capacity)}
}

func (q *memoryNotificationQueue) TryEnqueue(n ChangeNotification) bool {
	if strings.TrimSpace(n.SubscriptionID) == "" {
		return false
	}
	select {
	case q.ch <- n:
		return true
	default:
		return false
	}
}

func (q *memoryNotificationQueue) Enqueue(ctx context.Context, n ChangeNotification) bool {
	if strings.TrimSpace(n.SubscriptionID) == "" {
		return false
	}
	select {
	case q.ch <- n:
		return true
	case <-ctx.Done():
		return false
	}
}

func (q *memoryNotificationQueue) Dequeue(ctx context.Context) (ChangeNotification, bool) {
	select {
	case n := <-q.ch:
		return n, true
	case <-ctx.Done():
		return ChangeNotification{}, false
	}
}

func (q *memoryNotificationQueue) Depth() int {
	return len(q.ch)
}

func (q *memoryNotificationQueue) Capacity() int {
	return cap(q.ch)
}

func (q *memoryNotificationQueue) Close() error {
	return nil
}

func BuildNotificationQueueFromDSN(dsn string, capacity int) (NotificationQueue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
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
		return NewFileNotificationQueue(path, capacity)
	case "memory", "mem", "inmem":
		return NewMemoryNotificationQueue(capacity), nil
	case "postgres", "postgresql":
		return NewPostgresNotificationQueue(dsn, capacity)
	case "redis", "rediss", "nats", "sqs", "kafka":
		return nil, fmt.Errorf("%w: notification queue backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported notification queue scheme: %s", scheme)
	}
}

func BuildRecordStoreFromDSN(dsn string) (RecordStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	switch scheme {
	case "memory", "mem", "inmem":
		return NewMemoryRecordStore(), nil
	case "postgres", "postgresql":
		return NewPostgresRecordStore(dsn)
	case "mysql", "sqlite", "file":
		return nil, fmt.Errorf("%w: record store backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported record store scheme: %s", scheme)
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
