package teamsync

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidInput    = errors.New("invalid input")
	ErrVersionConflict = errors.New("version conflict")
	ErrQueueFull       = errors.New("queue full")
	ErrNotImplemented  = errors.New("not implemented")
	ErrPageLimit       = errors.New("page limit exceeded")
)

// Subscription is the standing registration for change notifications on one
// watched resource, plus the resumption cursor for its change feed. Version
// is bumped on every successful upsert; writers must present the version they
// read or the upsert fails with ErrVersionConflict.
type Subscription struct {
	ID          string    `json:"id"`
	RemoteID    string    `json:"remoteId"`
	Resource    string    `json:"resource"`
	ClientState string    `json:"clientState"`
	ExpiresAt   time.Time `json:"expiresAt"`
	DeltaLink   string    `json:"deltaLink,omitempty"`
	Version     int64     `json:"version"`
}

func (s Subscription) Expired(now time.Time) bool {
	return !s.ExpiresAt.After(now)
}

// DirectoryEntry is the local projection of one provisioned team. ItemID is
// the remote list item identifier and is unique across entries; TeamID is
// empty until provisioning assigns one.
type DirectoryEntry struct {
	ID        string    `json:"id"`
	ItemID    string    `json:"itemId"`
	TeamID    string    `json:"teamId,omitempty"`
	Name      string    `json:"name"`
	Gate      string    `json:"gate,omitempty"`
	MeetTime  string    `json:"meetTime,omitempty"`
	Location  string    `json:"location,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ChangeRecord is one entry from a change feed page. Deleted wins over
// HasContent: a record with the deleted facet set is a removal regardless of
// any other fields.
type ChangeRecord struct {
	ItemID     string `json:"itemId"`
	ParentID   string `json:"parentId,omitempty"`
	Deleted    bool   `json:"deleted,omitempty"`
	HasContent bool   `json:"hasContent,omitempty"`
}

// FeedPage carries exactly one of NextLink (more pages remain) or DeltaLink
// (terminal cursor for this pass).
type FeedPage struct {
	Records   []ChangeRecord
	NextLink  string
	DeltaLink string
}

// ItemPayload is the full item fetched from the content source; feed pages
// only carry the change envelope.
type ItemPayload struct {
	ItemID string
	Fields map[string]string
}

// ChangeNotification is the queue message schema: the parsed notification
// envelope entry, passed through intake unmodified.
type ChangeNotification struct {
	SubscriptionID string `json:"subscriptionId"`
	ClientState    string `json:"clientState"`
	Resource       string `json:"resource,omitempty"`
}

// RecordStore is the single source of truth shared across workers. Every
// method reads or writes authoritative state; implementations must not cache
// rows across calls on behalf of the caller.
type RecordStore interface {
	SubscriptionByResource(resource string) (Subscription, error)
	SubscriptionsByRemoteID(remoteID string) ([]Subscription, error)
	ListSubscriptions() ([]Subscription, error)
	UpsertSubscription(sub Subscription) (Subscription, error)
	DeleteAllSubscriptions() error

	EntryByItemID(itemID string) (DirectoryEntry, error)
	ListEntries() ([]DirectoryEntry, error)
	UpsertEntry(entry DirectoryEntry) (DirectoryEntry, error)
	DeleteEntryByItemID(itemID string) error
	DeleteAllEntries() error

	Close() error
}

type MemoryRecordStore struct {
	mu            sync.Mutex
	subsByRes     map[string]Subscription
	entriesByItem map[string]DirectoryEntry
	subCounter    uint64
	entryCounter  uint64
}

func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{
		subsByRes:     map[string]Subscription{},
		entriesByItem: map[string]DirectoryEntry{},
	}
}

func (s *MemoryRecordStore) SubscriptionByResource(resource string) (Subscription, error) {
	resource = strings.TrimSpace(resource)
	if resource == "" {
		return Subscription{}, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subsByRes[resource]
	if !ok {
		return Subscription{}, ErrNotFound
	}
	return sub, nil
}

func (s *MemoryRecordStore) SubscriptionsByRemoteID(remoteID string) ([]Subscription, error) {
	remoteID = strings.TrimSpace(remoteID)
	if remoteID == "" {
		return nil, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	matches := make([]Subscription, 0, 1)
	for _, sub := range s.subsByRes {
		if sub.RemoteID == remoteID {
			matches = append(matches, sub)
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].ID < matches[j].ID })
	return matches, nil
}

func (s *MemoryRecordStore) ListSubscriptions() ([]Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	subs := make([]Subscription, 0, len(s.subsByRes))
	for _, sub := range s.subsByRes {
		subs = append(subs, sub)
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].ID < subs[j].ID })
	return subs, nil
}

func (s *MemoryRecordStore) UpsertSubscription(sub Subscription) (Subscription, error) {
	sub.Resource = strings.TrimSpace(sub.Resource)
	if sub.Resource == "" {
		return Subscription{}, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.subsByRes[sub.Resource]
	if ok {
		if sub.Version != existing.Version {
			return Subscription{}, ErrVersionConflict
		}
		sub.ID = existing.ID
	} else {
		if sub.Version != 0 {
			return Subscription{}, ErrVersionConflict
		}
		if strings.TrimSpace(sub.ID) == "" {
			s.subCounter++
			sub.ID = fmt.Sprintf("sub_%d", s.subCounter)
		}
	}
	sub.Version++
	s.subsByRes[sub.Resource] = sub
	return sub, nil
}

func (s *MemoryRecordStore) DeleteAllSubscriptions() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subsByRes = map[string]Subscription{}
	return nil
}

func (s *MemoryRecordStore) EntryByItemID(itemID string) (DirectoryEntry, error) {
	itemID = strings.TrimSpace(itemID)
	if itemID == "" {
		return DirectoryEntry{}, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entriesByItem[itemID]
	if !ok {
		return DirectoryEntry{}, ErrNotFound
	}
	return entry, nil
}

func (s *MemoryRecordStore) ListEntries() ([]DirectoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := make([]DirectoryEntry, 0, len(s.entriesByItem))
	for _, entry := range s.entriesByItem {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ItemID < entries[j].ItemID })
	return entries, nil
}

func (s *MemoryRecordStore) UpsertEntry(entry DirectoryEntry) (DirectoryEntry, error) {
	entry.ItemID = strings.TrimSpace(entry.ItemID)
	if entry.ItemID == "" {
		return DirectoryEntry{}, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.entriesByItem[entry.ItemID]; ok {
		entry.ID = existing.ID
	} else if strings.TrimSpace(entry.ID) == "" {
		s.entryCounter++
		entry.ID = fmt.Sprintf("team_%d", s.entryCounter)
	}
	s.entriesByItem[entry.ItemID] = entry
	return entry, nil
}

func (s *MemoryRecordStore) DeleteEntryByItemID(itemID string) error {
	itemID = strings.TrimSpace(itemID)
	if itemID == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entriesByItem[itemID]; !ok {
		return ErrNotFound
	}
	delete(s.entriesByItem, itemID)
	return nil
}

func (s *MemoryRecordStore) DeleteAllEntries() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entriesByItem = map[string]DirectoryEntry{}
	return nil
}

func (s *MemoryRecordStore) Close() error {
	return nil
}
