package teamsync

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// fileNotificationQueue persists pending notifications as a JSON snapshot so
// queued work survives a restart. Writes go through a temp file and rename.
type fileNotificationQueue struct {
	path         string
	capacity     int
	pollInterval time.Duration
	mu           sync.Mutex
	items        []ChangeNotification
}

type fileNotificationQueueState struct {
	Items []ChangeNotification `json:"items"`
}

func NewFileNotificationQueue(path string, capacity int) (NotificationQueue, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = 1024
	}
	q := &fileNotificationQueue{
		path:         path,
		capacity:     capacity,
		pollInterval: 10 * time.Millisecond,
		items:        []ChangeNotification{},
	}
	if err := q.load(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *fileNotificationQueue) TryEnqueue(n ChangeNotification) bool {
	if strings.TrimSpace(n.SubscriptionID) == "" {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.capacity {
		return false
	}
	q.items = append(q.items, n)
	if err := q.saveLocked(); err != nil {
		q.items = q.items[:len(q.items)-1]
		return false
	}
	return true
}

func (q *fileNotificationQueue) Enqueue(ctx context.Context, n ChangeNotification) bool {
	for {
		if q.TryEnqueue(n) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *fileNotificationQueue) Dequeue(ctx context.Context) (ChangeNotification, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items = q.items[1:]
			if err := q.saveLocked(); err != nil {
				q.items = append([]ChangeNotification{item}, q.items...)
				q.mu.Unlock()
				select {
				case <-ctx.Done():
					return ChangeNotification{}, false
				case <-time.After(q.pollInterval):
					continue
				}
			}
			q.mu.Unlock()
			return item, true
		}
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return ChangeNotification{}, false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *fileNotificationQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *fileNotificationQueue) Capacity() int {
	return q.capacity
}

func (q *fileNotificationQueue) Close() error {
	return nil
}

func (q *fileNotificationQueue) load() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	data, err := os.ReadFile(q.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot fileNotificationQueueState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	if len(snapshot.Items) > q.capacity {
		q.items = append([]ChangeNotification(nil), snapshot.Items[len(snapshot.Items)-q.capacity:]...)
		return q.saveLocked()
	}
	q.items = append([]ChangeNotification(nil), snapshot.Items...)
	return nil
}

func (q *fileNotificationQueue) saveLocked() error {
	snapshot := fileNotificationQueueState{
		Items: append([]ChangeNotification(nil), q.items...),
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(q.path), 0o755); err != nil {
		return err
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, q.path)
}
