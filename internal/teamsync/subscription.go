package teamsync

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// RemoteSubscription is the remote side's view of one registration.
type RemoteSubscription struct {
	ID        string
	ExpiresAt time.Time
}

// SubscriptionClient talks to the remote notification service.
type SubscriptionClient interface {
	Create(ctx context.Context, resource, notificationURL, clientState string, expiresAt time.Time) (RemoteSubscription, error)
	Renew(ctx context.Context, remoteID string, expiresAt time.Time) (RemoteSubscription, error)
	Delete(ctx context.Context, remoteID string) error
}

type HTTPSubscriptionClient struct {
	api *apiClient
}

func NewHTTPSubscriptionClient(opts APIClientOptions) *HTTPSubscriptionClient {
	return &HTTPSubscriptionClient{api: newAPIClient(opts)}
}

type subscriptionDocument struct {
	ID                 string `json:"id"`
	Resource           string `json:"resource,omitempty"`
	NotificationURL    string `json:"notificationUrl,omitempty"`
	ClientState        string `json:"clientState,omitempty"`
	ChangeType         string `json:"changeType,omitempty"`
	ExpirationDateTime string `json:"expirationDateTime"`
}

func (c *HTTPSubscriptionClient) Create(ctx context.Context, resource, notificationURL, clientState string, expiresAt time.Time) (RemoteSubscription, error) {
	if c == nil || c.api == nil {
		return RemoteSubscription{}, fmt.Errorf("subscription client is nil")
	}
	req := subscriptionDocument{
		Resource:           resource,
		NotificationURL:    notificationURL,
		ClientState:        clientState,
		ChangeType:         "updated",
		ExpirationDateTime: expiresAt.UTC().Format(time.RFC3339),
	}
	var resp subscriptionDocument
	if err := c.api.do(ctx, http.MethodPost, "/v1/subscriptions", nil, req, &resp); err != nil {
		return RemoteSubscription{}, err
	}
	return remoteSubscriptionFromDocument(resp, expiresAt)
}

func (c *HTTPSubscriptionClient) Renew(ctx context.Context, remoteID string, expiresAt time.Time) (RemoteSubscription, error) {
	if c == nil || c.api == nil {
		return RemoteSubscription{}, fmt.Errorf("subscription client is nil")
	}
	remoteID = strings.TrimSpace(remoteID)
	if remoteID == "" {
		return RemoteSubscription{}, ErrInvalidInput
	}
	req := subscriptionDocument{ExpirationDateTime: expiresAt.UTC().Format(time.RFC3339)}
	var resp subscriptionDocument
	path := "/v1/subscriptions/" + url.PathEscape(remoteID)
	if err := c.api.do(ctx, http.MethodPatch, path, nil, req, &resp); err != nil {
		return RemoteSubscription{}, err
	}
	if strings.TrimSpace(resp.ID) == "" {
		resp.ID = remoteID
	}
	return remoteSubscriptionFromDocument(resp, expiresAt)
}

func (c *HTTPSubscriptionClient) Delete(ctx context.Context, remoteID string) error {
	if c == nil || c.api == nil {
		return fmt.Errorf("subscription client is nil")
	}
	remoteID = strings.TrimSpace(remoteID)
	if remoteID == "" {
		return ErrInvalidInput
	}
	return c.api.do(ctx, http.MethodDelete, "/v1/subscriptions/"+url.PathEscape(remoteID), nil, nil, nil)
}

func remoteSubscriptionFromDocument(doc subscriptionDocument, fallbackExpiry time.Time) (RemoteSubscription, error) {
	id := strings.TrimSpace(doc.ID)
	if id == "" {
		return RemoteSubscription{}, fmt.Errorf("remote subscription response missing id")
	}
	expiresAt := fallbackExpiry
	if raw := strings.TrimSpace(doc.ExpirationDateTime); raw != "" {
		if parsed, err := time.Parse(time.RFC3339, raw); err == nil {
			expiresAt = parsed
		}
	}
	return RemoteSubscription{ID: id, ExpiresAt: expiresAt}, nil
}

type SubscriptionManagerOptions struct {
	Store           RecordStore
	Client          SubscriptionClient
	NotificationURL string
	TTL             time.Duration
	RenewalWindow   time.Duration
	Now             func() time.Time
}

// SubscriptionManager creates, renews, and tears down the registrations that
// make notifications flow. Renewal never touches the stored delta link, so a
// renewed subscription resumes the feed instead of re-enumerating.
type SubscriptionManager struct {
	store           RecordStore
	client          SubscriptionClient
	notificationURL string
	ttl             time.Duration
	renewalWindow   time.Duration
	now             func() time.Time
}

func NewSubscriptionManager(opts SubscriptionManagerOptions) *SubscriptionManager {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = 48 * time.Hour
	}
	renewalWindow := opts.RenewalWindow
	if renewalWindow <= 0 {
		renewalWindow = 6 * time.Hour
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &SubscriptionManager{
		store:           opts.Store,
		client:          opts.Client,
		notificationURL: strings.TrimSpace(opts.NotificationURL),
		ttl:             ttl,
		renewalWindow:   renewalWindow,
		now:             now,
	}
}

// Ensure returns the current subscription for resource, creating a remote
// registration when none exists or the stored one has expired. Any existing
// resumption cursor survives re-registration.
func (m *SubscriptionManager) Ensure(ctx context.Context, resource string) (Subscription, error) {
	resource = strings.TrimSpace(resource)
	if resource == "" {
		return Subscription{}, ErrInvalidInput
	}
	now := m.now().UTC()
	existing, err := m.store.SubscriptionByResource(resource)
	if err == nil && !existing.Expired(now) {
		return existing, nil
	}
	if err != nil && err != ErrNotFound {
		return Subscription{}, err
	}

	clientState, err := newClientState()
	if err != nil {
		return Subscription{}, err
	}
	remote, err := m.client.Create(ctx, resource, m.notificationURL, clientState, now.Add(m.ttl))
	if err != nil {
		return Subscription{}, err
	}
	sub := Subscription{
		ID:          existing.ID,
		RemoteID:    remote.ID,
		Resource:    resource,
		ClientState: clientState,
		ExpiresAt:   remote.ExpiresAt,
		DeltaLink:   existing.DeltaLink,
		Version:     existing.Version,
	}
	stored, err := m.store.UpsertSubscription(sub)
	if err != nil {
		return Subscription{}, err
	}
	return stored, nil
}

// RenewDue renews every subscription within the renewal window of its expiry.
// A failed remote renewal falls back to creating a fresh registration; either
// way the cursor is preserved. Per-subscription failures are logged and do
// not stop the sweep.
func (m *SubscriptionManager) RenewDue(ctx context.Context) error {
	subs, err := m.store.ListSubscriptions()
	if err != nil {
		return err
	}
	now := m.now().UTC()
	var firstErr error
	for _, sub := range subs {
		if sub.ExpiresAt.After(now.Add(m.renewalWindow)) {
			continue
		}
		if err := m.renewOne(ctx, sub, now); err != nil {
			log.Printf("teamsync: renewing subscription %s for %s: %v", sub.RemoteID, sub.Resource, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (m *SubscriptionManager) renewOne(ctx context.Context, sub Subscription, now time.Time) error {
	expiresAt := now.Add(m.ttl)
	remote, err := m.client.Renew(ctx, sub.RemoteID, expiresAt)
	if err != nil {
		// The remote registration may already be gone; re-create it under a
		// fresh secret rather than letting notifications stop.
		clientState, stateErr := newClientState()
		if stateErr != nil {
			return stateErr
		}
		remote, err = m.client.Create(ctx, sub.Resource, m.notificationURL, clientState, expiresAt)
		if err != nil {
			return err
		}
		sub.ClientState = clientState
	}
	sub.RemoteID = remote.ID
	sub.ExpiresAt = remote.ExpiresAt
	_, err = m.store.UpsertSubscription(sub)
	return err
}

// Teardown removes every remote registration and local subscription row.
// When cascade is set it also drops all directory entries; that is the
// destructive, manual-only path.
func (m *SubscriptionManager) Teardown(ctx context.Context, cascade bool) error {
	subs, err := m.store.ListSubscriptions()
	if err != nil {
		return err
	}
	for _, sub := range subs {
		if err := m.client.Delete(ctx, sub.RemoteID); err != nil {
			log.Printf("teamsync: deleting remote subscription %s: %v", sub.RemoteID, err)
		}
	}
	if err := m.store.DeleteAllSubscriptions(); err != nil {
		return err
	}
	if cascade {
		return m.store.DeleteAllEntries()
	}
	return nil
}

func newClientState() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
