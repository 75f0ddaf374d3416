package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"github.com/collabops/teamsync/internal/teamsync"
)

type ServerConfig struct {
	JWTSecret    string
	MaxBodyBytes int64
}

// Server is the HTTP boundary: notification intake, the manual sync and
// teardown entry points, and admin observability. Reconciliation never runs
// on the intake path; accepted notifications are queued and acknowledged
// immediately.
type Server struct {
	store      teamsync.RecordStore
	queue      teamsync.NotificationQueue
	validator  *teamsync.NotificationValidator
	manager    *teamsync.SubscriptionManager
	dispatcher *teamsync.Dispatcher
	events     *teamsync.Broadcaster
	resource   string
	cfg        ServerConfig
}

type ServerOptions struct {
	Store      teamsync.RecordStore
	Queue      teamsync.NotificationQueue
	Validator  *teamsync.NotificationValidator
	Manager    *teamsync.SubscriptionManager
	Dispatcher *teamsync.Dispatcher
	Events     *teamsync.Broadcaster
	Resource   string
	Config     ServerConfig
}

func NewServer(opts ServerOptions) *Server {
	cfg := opts.Config
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	return &Server{
		store:      opts.Store,
		queue:      opts.Queue,
		validator:  opts.Validator,
		manager:    opts.Manager,
		dispatcher: opts.Dispatcher,
		events:     opts.Events,
		resource:   strings.TrimSpace(opts.Resource),
		cfg:        cfg,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/health" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case r.URL.Path == "/v1/notifications" && r.Method == http.MethodPost:
		s.handleNotifications(w, r)
	case r.URL.Path == "/v1/sync" && r.Method == http.MethodPost:
		s.handleSync(w, r)
	case r.URL.Path == "/v1/teardown" && r.Method == http.MethodPost:
		s.handleTeardown(w, r)
	case r.URL.Path == "/v1/admin/status" && r.Method == http.MethodGet:
		s.handleStatus(w, r)
	case r.URL.Path == "/v1/admin/events" && r.Method == http.MethodGet:
		s.handleEvents(w, r)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	}
}

// handleNotifications implements the subscription-verification handshake and
// notification intake. A request carrying validationToken is answered by
// echoing the token verbatim, with zero store or queue side effects. Anything
// else is validated, queued, and acknowledged with 202; downstream failures
// are never reflected to the sender.
func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	if token := r.URL.Query().Get("validationToken"); token != "" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, token)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "unreadable body")
		return
	}
	envelope, err := s.validator.Parse(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	for _, n := range envelope.Value {
		if !s.queue.TryEnqueue(n) {
			log.Printf("httpapi: notification queue full, dropping notification for subscription %s", n.SubscriptionID)
		}
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":   "accepted",
		"received": len(envelope.Value),
	})
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if _, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, "sync:trigger", time.Now().UTC()); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message)
		return
	}
	ctx := r.Context()
	sub, err := s.manager.Ensure(ctx, s.resource)
	if err != nil {
		writeError(w, syncErrorStatus(err), "sync_failed", err.Error())
		return
	}
	if err := s.dispatcher.RunPass(ctx, sub); err != nil {
		writeError(w, syncErrorStatus(err), "sync_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "ok",
		"resource": s.resource,
	})
}

func (s *Server) handleTeardown(w http.ResponseWriter, r *http.Request) {
	if _, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, "admin:teardown", time.Now().UTC()); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message)
		return
	}
	cascade := false
	if raw := strings.TrimSpace(r.URL.Query().Get("cascade")); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid cascade flag")
			return
		}
		cascade = parsed
	}
	if err := s.manager.Teardown(r.Context(), cascade); err != nil {
		writeError(w, http.StatusInternalServerError, "teardown_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"cascade": cascade,
	})
}

type subscriptionStatus struct {
	ID        string `json:"id"`
	RemoteID  string `json:"remoteId"`
	Resource  string `json:"resource"`
	ExpiresAt string `json:"expiresAt"`
	HasCursor bool   `json:"hasCursor"`
}

type statusResponse struct {
	QueueDepth    int                  `json:"queueDepth"`
	QueueCapacity int                  `json:"queueCapacity"`
	Subscriptions []subscriptionStatus `json:"subscriptions"`
	EntryCount    int                  `json:"entryCount"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if _, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, "admin:read", time.Now().UTC()); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message)
		return
	}
	subs, err := s.store.ListSubscriptions()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	entries, err := s.store.ListEntries()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	resp := statusResponse{
		QueueDepth:    s.queue.Depth(),
		QueueCapacity: s.queue.Capacity(),
		Subscriptions: make([]subscriptionStatus, 0, len(subs)),
		EntryCount:    len(entries),
	}
	// Client state stays out of the status payload.
	for _, sub := range subs {
		resp.Subscriptions = append(resp.Subscriptions, subscriptionStatus{
			ID:        sub.ID,
			RemoteID:  sub.RemoteID,
			Resource:  sub.Resource,
			ExpiresAt: sub.ExpiresAt.UTC().Format(time.RFC3339),
			HasCursor: sub.DeltaLink != "",
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if _, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, "admin:read", time.Now().UTC()); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message)
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.CloseNow()

	ch, cancel := s.events.Subscribe()
	defer cancel()
	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return
		case event, ok := <-ch:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			data, marshalErr := json.Marshal(event)
			if marshalErr != nil {
				continue
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			writeErr := conn.Write(writeCtx, websocket.MessageText, data)
			cancelWrite()
			if writeErr != nil {
				return
			}
		}
	}
}

func syncErrorStatus(err error) int {
	if errors.Is(err, teamsync.ErrInvalidInput) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}
