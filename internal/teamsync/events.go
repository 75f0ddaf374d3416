package teamsync

import (
	"sync"
	"time"
)

const (
	EventEntryCreated          = "entry_created"
	EventEntryUpdated          = "entry_updated"
	EventEntryArchived         = "entry_archived"
	EventPassCompleted         = "pass_completed"
	EventNotificationDiscarded = "notification_discarded"
)

// Event is an operational signal emitted by the engine. The stream is lossy
// by design: a subscriber that cannot keep up misses events.
type Event struct {
	Type           string `json:"type"`
	ItemID         string `json:"itemId,omitempty"`
	TeamID         string `json:"teamId,omitempty"`
	Resource       string `json:"resource,omitempty"`
	SubscriptionID string `json:"subscriptionId,omitempty"`
	Detail         string `json:"detail,omitempty"`
	Timestamp      string `json:"timestamp"`
}

type Broadcaster struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
	buffer int
}

func NewBroadcaster(buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = 64
	}
	return &Broadcaster{
		subs:   map[int]chan Event{},
		buffer: buffer,
	}
}

func (b *Broadcaster) Publish(event Event) {
	if b == nil {
		return
	}
	if event.Timestamp == "" {
		event.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- event:
		default:
		}
	}
}

// Subscribe registers a listener. The returned cancel func must be called to
// release the channel; the channel is closed on cancel.
func (b *Broadcaster) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	ch := make(chan Event, b.buffer)
	b.subs[id] = ch
	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if existing, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(existing)
		}
	}
	return ch, cancel
}

func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
