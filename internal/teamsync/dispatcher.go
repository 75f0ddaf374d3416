package teamsync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
)

const cursorConflictRetries = 3

type DispatcherOptions struct {
	Store      RecordStore
	Queue      NotificationQueue
	Reconciler *Reconciler
	Events     *Broadcaster
	Workers    int
}

// Dispatcher consumes queued notifications and turns each into one
// reconciliation pass. Workers run in parallel across subscriptions; passes
// for the same subscription are serialized on a per-subscription lock, and
// the store's version check catches writers in other processes.
type Dispatcher struct {
	store      RecordStore
	queue      NotificationQueue
	reconciler *Reconciler
	events     *Broadcaster
	workers    int

	lockMu   sync.Mutex
	subLocks map[string]*sync.Mutex

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func NewDispatcher(opts DispatcherOptions) *Dispatcher {
	workers := opts.Workers
	if workers <= 0 {
		workers = 2
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		store:      opts.Store,
		queue:      opts.Queue,
		reconciler: opts.Reconciler,
		events:     opts.Events,
		workers:    workers,
		subLocks:   map[string]*sync.Mutex{},
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (d *Dispatcher) Start() {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.workerLoop()
		}()
	}
}

func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		d.cancel()
	})
	d.wg.Wait()
}

func (d *Dispatcher) workerLoop() {
	for {
		n, ok := d.queue.Dequeue(d.ctx)
		if !ok {
			return
		}
		if err := d.Handle(d.ctx, n); err != nil {
			log.Printf("teamsync: processing notification for subscription %s: %v", n.SubscriptionID, err)
		}
	}
}

// Handle processes one notification: look up the subscription, authenticate
// the client state, reconcile, persist the cursor. An unknown subscription or
// a mismatched secret is a silent discard, not an error.
func (d *Dispatcher) Handle(ctx context.Context, n ChangeNotification) error {
	subs, err := d.store.SubscriptionsByRemoteID(n.SubscriptionID)
	if err != nil {
		return err
	}
	if len(subs) == 0 {
		d.discard(n, "unknown subscription")
		return nil
	}
	if len(subs) > 1 {
		log.Printf("teamsync: %d subscriptions match remote id %s, using %s", len(subs), n.SubscriptionID, subs[0].ID)
	}
	sub := subs[0]
	if sub.ClientState != n.ClientState {
		d.discard(n, "client state mismatch")
		return nil
	}
	return d.RunPass(ctx, sub)
}

// RunPass reconciles one subscription and persists the resulting cursor,
// re-reading and retrying when another writer advanced the row concurrently.
func (d *Dispatcher) RunPass(ctx context.Context, sub Subscription) error {
	lock := d.subscriptionLock(sub.Resource)
	lock.Lock()
	defer lock.Unlock()

	for attempt := 0; attempt < cursorConflictRetries; attempt++ {
		cursor, err := d.reconciler.Reconcile(ctx, sub)
		if err != nil {
			return err
		}
		sub.DeltaLink = cursor
		if _, err := d.store.UpsertSubscription(sub); err == nil {
			return nil
		} else if !errors.Is(err, ErrVersionConflict) {
			return err
		}
		fresh, err := d.store.SubscriptionByResource(sub.Resource)
		if err != nil {
			return err
		}
		sub = fresh
	}
	return fmt.Errorf("%w: cursor for %s", ErrVersionConflict, sub.Resource)
}

func (d *Dispatcher) subscriptionLock(resource string) *sync.Mutex {
	d.lockMu.Lock()
	defer d.lockMu.Unlock()
	lock, ok := d.subLocks[resource]
	if !ok {
		lock = &sync.Mutex{}
		d.subLocks[resource] = lock
	}
	return lock
}

func (d *Dispatcher) discard(n ChangeNotification, reason string) {
	log.Printf("teamsync: discarding notification for subscription %s: %s", n.SubscriptionID, reason)
	if d.events != nil {
		d.events.Publish(Event{
			Type:           EventNotificationDiscarded,
			SubscriptionID: n.SubscriptionID,
			Detail:         reason,
		})
	}
}
