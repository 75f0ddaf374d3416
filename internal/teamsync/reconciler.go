package teamsync

import (
	"context"
	"fmt"
	"log"
	"time"
)

const defaultMaxPages = 1000

type ReconcilerOptions struct {
	Store       RecordStore
	Feed        FeedClient
	Provisioner Provisioner
	Events      *Broadcaster
	// MaxPages caps one pass; the remote feed contract promises eventual
	// termination but the engine does not trust it unboundedly.
	MaxPages int
	Now      func() time.Time
}

// Reconciler pulls the change feed page by page and applies each record
// against the directory with create/update/delete semantics. It never
// advances the cursor itself; the caller persists the returned delta link
// only after the whole pass succeeded.
type Reconciler struct {
	store    RecordStore
	feed     FeedClient
	prov     Provisioner
	events   *Broadcaster
	maxPages int
	now      func() time.Time
}

func NewReconciler(opts ReconcilerOptions) *Reconciler {
	maxPages := opts.MaxPages
	if maxPages <= 0 {
		maxPages = defaultMaxPages
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Reconciler{
		store:    opts.Store,
		feed:     opts.Feed,
		prov:     opts.Provisioner,
		events:   opts.Events,
		maxPages: maxPages,
		now:      now,
	}
}

// Reconcile runs one complete pass from the subscription's stored cursor (or
// a full enumeration when the cursor is empty) and returns the terminal delta
// link from the last page. Any error aborts the pass with the cursor
// untouched; replaying the same pages later is safe because every record
// application is idempotent.
func (r *Reconciler) Reconcile(ctx context.Context, sub Subscription) (string, error) {
	link := sub.DeltaLink
	for pages := 0; ; pages++ {
		if pages >= r.maxPages {
			return "", fmt.Errorf("%w: %d pages for %s", ErrPageLimit, r.maxPages, sub.Resource)
		}
		page, err := r.feed.Page(ctx, sub.Resource, link)
		if err != nil {
			return "", err
		}
		for _, record := range page.Records {
			if err := r.apply(ctx, sub.Resource, record); err != nil {
				return "", err
			}
		}
		if page.NextLink != "" {
			link = page.NextLink
			continue
		}
		r.publish(Event{
			Type:           EventPassCompleted,
			Resource:       sub.Resource,
			SubscriptionID: sub.RemoteID,
		})
		return page.DeltaLink, nil
	}
}

// apply classifies one change record by (deleted, content, local existence)
// and fires exactly one of create, update, delete, or no-op.
func (r *Reconciler) apply(ctx context.Context, resource string, record ChangeRecord) error {
	if record.Deleted {
		return r.applyDelete(ctx, record)
	}
	if record.HasContent {
		return r.applyUpsert(ctx, resource, record)
	}
	return nil
}

func (r *Reconciler) applyDelete(ctx context.Context, record ChangeRecord) error {
	entry, err := r.store.EntryByItemID(record.ItemID)
	if err == ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	if entry.TeamID != "" {
		if err := r.prov.Archive(ctx, entry.TeamID); err != nil {
			return err
		}
	} else {
		log.Printf("teamsync: deleting unprovisioned entry for item %s, nothing to archive", record.ItemID)
	}
	if err := r.store.DeleteEntryByItemID(record.ItemID); err != nil && err != ErrNotFound {
		return err
	}
	r.publish(Event{Type: EventEntryArchived, ItemID: record.ItemID, TeamID: entry.TeamID})
	return nil
}

func (r *Reconciler) applyUpsert(ctx context.Context, resource string, record ChangeRecord) error {
	payload, err := r.feed.Item(ctx, resource, record.ItemID)
	if err != nil {
		return err
	}
	candidate := entryFromPayload(payload)
	candidate.ItemID = record.ItemID
	candidate.UpdatedAt = r.now().UTC()

	existing, err := r.store.EntryByItemID(record.ItemID)
	switch {
	case err == ErrNotFound:
		teamID, createErr := r.prov.Create(ctx, candidate)
		if createErr != nil {
			return createErr
		}
		candidate.TeamID = teamID
		stored, storeErr := r.store.UpsertEntry(candidate)
		if storeErr != nil {
			return storeErr
		}
		r.publish(Event{Type: EventEntryCreated, ItemID: stored.ItemID, TeamID: stored.TeamID})
		return nil
	case err != nil:
		return err
	default:
		candidate.ID = existing.ID
		candidate.TeamID = existing.TeamID
		if err := r.prov.Update(ctx, existing, candidate); err != nil {
			return err
		}
		if _, err := r.store.UpsertEntry(candidate); err != nil {
			return err
		}
		r.publish(Event{Type: EventEntryUpdated, ItemID: candidate.ItemID, TeamID: candidate.TeamID})
		return nil
	}
}

func (r *Reconciler) publish(event Event) {
	if r.events != nil {
		r.events.Publish(event)
	}
}
