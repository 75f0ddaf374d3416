package httpapi

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"github.com/collabops/teamsync/internal/teamsync"
)

const testJWTSecret = "test-secret"

func mintToken(t *testing.T, secret string, scopes []string, exp time.Time) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	payload, err := json.Marshal(map[string]any{
		"sub":    "tester",
		"aud":    "teamsync",
		"scopes": scopes,
		"exp":    exp.Unix(),
	})
	if err != nil {
		t.Fatalf("marshaling claims: %v", err)
	}
	body := header + "." + base64.RawURLEncoding.EncodeToString(payload)
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(body))
	return body + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func bearer(t *testing.T, scopes ...string) string {
	t.Helper()
	return "Bearer " + mintToken(t, testJWTSecret, scopes, time.Now().Add(time.Hour))
}

type stubFeed struct {
	mu    sync.Mutex
	pages map[string]teamsync.FeedPage
	items map[string]teamsync.ItemPayload
}

func (f *stubFeed) Page(ctx context.Context, resource, link string) (teamsync.FeedPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	page, ok := f.pages[link]
	if !ok {
		return teamsync.FeedPage{}, fmt.Errorf("no page for link %q", link)
	}
	return page, nil
}

func (f *stubFeed) Item(ctx context.Context, resource, itemID string) (teamsync.ItemPayload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	payload, ok := f.items[itemID]
	if !ok {
		return teamsync.ItemPayload{}, fmt.Errorf("no item %q", itemID)
	}
	return payload, nil
}

type stubProvisioner struct{}

func (stubProvisioner) Create(ctx context.Context, entry teamsync.DirectoryEntry) (string, error) {
	return "ext_" + entry.ItemID, nil
}

func (stubProvisioner) Update(ctx context.Context, old, updated teamsync.DirectoryEntry) error {
	return nil
}

func (stubProvisioner) Archive(ctx context.Context, teamID string) error {
	return nil
}

type stubSubscriptionClient struct {
	mu      sync.Mutex
	creates int
	deletes int
}

func (c *stubSubscriptionClient) Create(ctx context.Context, resource, notificationURL, clientState string, expiresAt time.Time) (teamsync.RemoteSubscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.creates++
	return teamsync.RemoteSubscription{ID: fmt.Sprintf("rs_%d", c.creates), ExpiresAt: expiresAt}, nil
}

func (c *stubSubscriptionClient) Renew(ctx context.Context, remoteID string, expiresAt time.Time) (teamsync.RemoteSubscription, error) {
	return teamsync.RemoteSubscription{ID: remoteID, ExpiresAt: expiresAt}, nil
}

func (c *stubSubscriptionClient) Delete(ctx context.Context, remoteID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deletes++
	return nil
}

type serverFixture struct {
	server *Server
	store  teamsync.RecordStore
	queue  teamsync.NotificationQueue
	events *teamsync.Broadcaster
	feed   *stubFeed
	subs   *stubSubscriptionClient
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	store := teamsync.NewMemoryRecordStore()
	queue := teamsync.NewMemoryNotificationQueue(8)
	events := teamsync.NewBroadcaster(16)
	feed := &stubFeed{
		pages: map[string]teamsync.FeedPage{"": {DeltaLink: "delta_1"}},
		items: map[string]teamsync.ItemPayload{},
	}
	validator, err := teamsync.NewNotificationValidator()
	if err != nil {
		t.Fatalf("compiling validator: %v", err)
	}
	reconciler := teamsync.NewReconciler(teamsync.ReconcilerOptions{
		Store:       store,
		Feed:        feed,
		Provisioner: stubProvisioner{},
		Events:      events,
	})
	subs := &stubSubscriptionClient{}
	manager := teamsync.NewSubscriptionManager(teamsync.SubscriptionManagerOptions{
		Store:           store,
		Client:          subs,
		NotificationURL: "https://sync.example.com/v1/notifications",
	})
	dispatcher := teamsync.NewDispatcher(teamsync.DispatcherOptions{
		Store:      store,
		Queue:      queue,
		Reconciler: reconciler,
		Events:     events,
	})
	return &serverFixture{
		server: NewServer(ServerOptions{
			Store:      store,
			Queue:      queue,
			Validator:  validator,
			Manager:    manager,
			Dispatcher: dispatcher,
			Events:     events,
			Resource:   "lists/roster",
			Config:     ServerConfig{JWTSecret: testJWTSecret},
		}),
		store:  store,
		queue:  queue,
		events: events,
		feed:   feed,
		subs:   subs,
	}
}

func TestValidationHandshakeEchoesToken(t *testing.T) {
	fixture := newServerFixture(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/notifications?validationToken=check-123", strings.NewReader("ignored"))
	rec := httptest.NewRecorder()
	fixture.server.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); !strings.HasPrefix(got, "text/plain") {
		t.Fatalf("expected text/plain, got %q", got)
	}
	if rec.Body.String() != "check-123" {
		t.Fatalf("token must be echoed verbatim, got %q", rec.Body.String())
	}
	if fixture.queue.Depth() != 0 {
		t.Fatalf("handshake must not enqueue anything, depth=%d", fixture.queue.Depth())
	}
	subs, _ := fixture.store.ListSubscriptions()
	entries, _ := fixture.store.ListEntries()
	if len(subs) != 0 || len(entries) != 0 {
		t.Fatalf("handshake must not touch the store")
	}
}

func TestNotificationIntakeQueuesAndAcknowledges(t *testing.T) {
	fixture := newServerFixture(t)
	body := `{"value": [
		{"subscriptionId": "rs_1", "clientState": "secret"},
		{"subscriptionId": "rs_2", "clientState": "secret"}
	]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/notifications", strings.NewReader(body))
	rec := httptest.NewRecorder()
	fixture.server.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Status   string `json:"status"`
		Received int    `json:"received"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Status != "accepted" || resp.Received != 2 {
		t.Fatalf("unexpected ack: %+v", resp)
	}
	if fixture.queue.Depth() != 2 {
		t.Fatalf("expected 2 queued notifications, got %d", fixture.queue.Depth())
	}
}

func TestNotificationIntakeRejectsInvalidEnvelope(t *testing.T) {
	fixture := newServerFixture(t)
	for name, body := range map[string]string{
		"not json":      `{`,
		"missing value": `{}`,
		"bad item":      `{"value": [{"clientState": "secret"}]}`,
	} {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/notifications", strings.NewReader(body))
			rec := httptest.NewRecorder()
			fixture.server.ServeHTTP(rec, req)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", rec.Code)
			}
			if fixture.queue.Depth() != 0 {
				t.Fatalf("rejected envelope must not enqueue, depth=%d", fixture.queue.Depth())
			}
		})
	}
}

func TestNotificationIntakeAcknowledgesWhenQueueFull(t *testing.T) {
	fixture := newServerFixture(t)
	for i := 0; i < fixture.queue.Capacity(); i++ {
		if !fixture.queue.TryEnqueue(teamsync.ChangeNotification{SubscriptionID: "rs_fill"}) {
			t.Fatalf("filling queue failed at %d", i)
		}
	}
	req := httptest.NewRequest(http.MethodPost, "/v1/notifications", strings.NewReader(`{"value": [{"subscriptionId": "rs_1", "clientState": "s"}]}`))
	rec := httptest.NewRecorder()
	fixture.server.ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("a full queue must still be acknowledged, got %d", rec.Code)
	}
}

func TestSyncRequiresAuth(t *testing.T) {
	fixture := newServerFixture(t)
	cases := map[string]string{
		"no token":      "",
		"garbage":       "Bearer garbage",
		"wrong scope":   bearer(t, "admin:read"),
		"expired token": "Bearer " + mintToken(t, testJWTSecret, []string{"sync:trigger"}, time.Now().Add(-time.Hour)),
		"wrong secret":  "Bearer " + mintToken(t, "other-secret", []string{"sync:trigger"}, time.Now().Add(time.Hour)),
	}
	for name, header := range cases {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/sync", nil)
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			rec := httptest.NewRecorder()
			fixture.server.ServeHTTP(rec, req)
			if rec.Code != http.StatusUnauthorized && rec.Code != http.StatusForbidden {
				t.Fatalf("expected auth failure, got %d", rec.Code)
			}
		})
	}
}

func TestSyncProvisionsFromFeed(t *testing.T) {
	fixture := newServerFixture(t)
	fixture.feed.mu.Lock()
	fixture.feed.pages[""] = teamsync.FeedPage{
		Records:   []teamsync.ChangeRecord{{ItemID: "42", HasContent: true}},
		DeltaLink: "delta_1",
	}
	fixture.feed.items["42"] = teamsync.ItemPayload{ItemID: "42", Fields: map[string]string{"Title": "Blue Crew"}}
	fixture.feed.mu.Unlock()

	req := httptest.NewRequest(http.MethodPost, "/v1/sync", nil)
	req.Header.Set("Authorization", bearer(t, "sync:trigger"))
	rec := httptest.NewRecorder()
	fixture.server.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	entry, err := fixture.store.EntryByItemID("42")
	if err != nil {
		t.Fatalf("expected provisioned entry: %v", err)
	}
	if entry.TeamID != "ext_42" {
		t.Fatalf("unexpected team id %q", entry.TeamID)
	}
	sub, err := fixture.store.SubscriptionByResource("lists/roster")
	if err != nil {
		t.Fatalf("expected subscription: %v", err)
	}
	if sub.DeltaLink != "delta_1" {
		t.Fatalf("expected persisted cursor, got %q", sub.DeltaLink)
	}
}

func TestTeardownCascade(t *testing.T) {
	fixture := newServerFixture(t)
	if _, err := fixture.store.UpsertSubscription(teamsync.Subscription{Resource: "lists/roster", RemoteID: "rs_1"}); err != nil {
		t.Fatalf("seed subscription: %v", err)
	}
	if _, err := fixture.store.UpsertEntry(teamsync.DirectoryEntry{ItemID: "42", TeamID: "ext_42"}); err != nil {
		t.Fatalf("seed entry: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/teardown?cascade=true", nil)
	req.Header.Set("Authorization", bearer(t, "admin:teardown"))
	rec := httptest.NewRecorder()
	fixture.server.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	subs, _ := fixture.store.ListSubscriptions()
	entries, _ := fixture.store.ListEntries()
	if len(subs) != 0 || len(entries) != 0 {
		t.Fatalf("cascade teardown must clear the store, subs=%d entries=%d", len(subs), len(entries))
	}
	if fixture.subs.deletes != 1 {
		t.Fatalf("expected one remote delete, got %d", fixture.subs.deletes)
	}
}

func TestTeardownRejectsBadCascadeFlag(t *testing.T) {
	fixture := newServerFixture(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/teardown?cascade=sideways", nil)
	req.Header.Set("Authorization", bearer(t, "admin:teardown"))
	rec := httptest.NewRecorder()
	fixture.server.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestStatusOmitsClientState(t *testing.T) {
	fixture := newServerFixture(t)
	if _, err := fixture.store.UpsertSubscription(teamsync.Subscription{
		Resource:    "lists/roster",
		RemoteID:    "rs_1",
		ClientState: "super-secret-state",
		ExpiresAt:   time.Now().Add(time.Hour),
		DeltaLink:   "delta_1",
	}); err != nil {
		t.Fatalf("seed subscription: %v", err)
	}
	if _, err := fixture.store.UpsertEntry(teamsync.DirectoryEntry{ItemID: "42"}); err != nil {
		t.Fatalf("seed entry: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/admin/status", nil)
	req.Header.Set("Authorization", bearer(t, "admin:read"))
	rec := httptest.NewRecorder()
	fixture.server.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	raw := rec.Body.String()
	if strings.Contains(raw, "super-secret-state") {
		t.Fatalf("status payload must not leak the client state: %s", raw)
	}
	var resp statusResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		t.Fatalf("decoding status: %v", err)
	}
	if resp.EntryCount != 1 || len(resp.Subscriptions) != 1 {
		t.Fatalf("unexpected status: %+v", resp)
	}
	if !resp.Subscriptions[0].HasCursor {
		t.Fatalf("expected HasCursor true: %+v", resp.Subscriptions[0])
	}
	if resp.QueueCapacity != fixture.queue.Capacity() {
		t.Fatalf("unexpected queue capacity %d", resp.QueueCapacity)
	}
}

func TestHealthAndUnknownRoute(t *testing.T) {
	fixture := newServerFixture(t)
	rec := httptest.NewRecorder()
	fixture.server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from /health, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	fixture.server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	var resp struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding error body: %v", err)
	}
	if resp.Error.Code != "not_found" {
		t.Fatalf("unexpected error code %q", resp.Error.Code)
	}
}

func TestEventStreamDeliversEvents(t *testing.T) {
	fixture := newServerFixture(t)
	httpServer := httptest.NewServer(fixture.server)
	defer httpServer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/v1/admin/events"
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{bearer(t, "admin:read")}},
	})
	if err != nil {
		t.Fatalf("dialing event stream: %v", err)
	}
	defer conn.CloseNow()

	// Wait for the subscription to register before publishing.
	deadline := time.Now().Add(2 * time.Second)
	for fixture.events.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("event stream never subscribed")
		}
		time.Sleep(10 * time.Millisecond)
	}
	fixture.events.Publish(teamsync.Event{Type: teamsync.EventEntryCreated, ItemID: "42"})

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("reading event: %v", err)
	}
	var event teamsync.Event
	if err := json.Unmarshal(data, &event); err != nil {
		t.Fatalf("decoding event: %v", err)
	}
	if event.Type != teamsync.EventEntryCreated || event.ItemID != "42" {
		t.Fatalf("unexpected event: %+v", event)
	}
}

func TestEventStreamRequiresAuth(t *testing.T) {
	fixture := newServerFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/admin/events", nil)
	rec := httptest.NewRecorder()
	fixture.server.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "unauthorized") {
		t.Fatalf("unexpected body: %s", body)
	}
}
