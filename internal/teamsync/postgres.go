package teamsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresSubscriptionTableName = "teamsync_subscriptions"
	postgresEntryTableName        = "teamsync_entries"
	postgresQueueTableName        = "teamsync_notification_queue"
	postgresQueueKey              = "default"
	postgresOperationTimeout      = 5 * time.Second
	postgresQueuePollInterval     = 10 * time.Millisecond
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresRecordStore keeps subscriptions and directory entries in two
// tables. Subscription upserts are compare-and-swap on the version column so
// concurrent writers never silently overwrite an advanced cursor.
type PostgresRecordStore struct {
	dsn    string
	openDB sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresRecordStore(dsn string) (RecordStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresRecordStore{dsn: dsn, openDB: sql.Open}, nil
}

func (s *PostgresRecordStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		subTable := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id TEXT PRIMARY KEY,
				remote_id TEXT NOT NULL,
				resource TEXT NOT NULL UNIQUE,
				client_state TEXT NOT NULL,
				expires_at TIMESTAMPTZ NOT NULL,
				delta_link TEXT NOT NULL DEFAULT '',
				version BIGINT NOT NULL
			)`, postgresQuoteIdentifier(postgresSubscriptionTableName))
		if _, err := db.ExecContext(ctx, subTable); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		entryTable := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id TEXT PRIMARY KEY,
				item_id TEXT NOT NULL UNIQUE,
				team_id TEXT NOT NULL DEFAULT '',
				name TEXT NOT NULL DEFAULT '',
				gate TEXT NOT NULL DEFAULT '',
				meet_time TEXT NOT NULL DEFAULT '',
				location TEXT NOT NULL DEFAULT '',
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresQuoteIdentifier(postgresEntryTableName))
		if _, err := db.ExecContext(ctx, entryTable); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}

func (s *PostgresRecordStore) SubscriptionByResource(resource string) (Subscription, error) {
	resource = strings.TrimSpace(resource)
	if resource == "" {
		return Subscription{}, ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return Subscription{}, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(
		"SELECT id, remote_id, resource, client_state, expires_at, delta_link, version FROM %s WHERE resource = $1",
		postgresQuoteIdentifier(postgresSubscriptionTableName),
	)
	sub, err := scanSubscription(s.db.QueryRowContext(ctx, query, resource))
	if errors.Is(err, sql.ErrNoRows) {
		return Subscription{}, ErrNotFound
	}
	return sub, err
}

func (s *PostgresRecordStore) SubscriptionsByRemoteID(remoteID string) ([]Subscription, error) {
	remoteID = strings.TrimSpace(remoteID)
	if remoteID == "" {
		return nil, ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(
		"SELECT id, remote_id, resource, client_state, expires_at, delta_link, version FROM %s WHERE remote_id = $1 ORDER BY id ASC",
		postgresQuoteIdentifier(postgresSubscriptionTableName),
	)
	rows, err := s.db.QueryContext(ctx, query, remoteID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSubscriptions(rows)
}

func (s *PostgresRecordStore) ListSubscriptions() ([]Subscription, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(
		"SELECT id, remote_id, resource, client_state, expires_at, delta_link, version FROM %s ORDER BY id ASC",
		postgresQuoteIdentifier(postgresSubscriptionTableName),
	)
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSubscriptions(rows)
}

func (s *PostgresRecordStore) UpsertSubscription(sub Subscription) (Subscription, error) {
	sub.Resource = strings.TrimSpace(sub.Resource)
	if sub.Resource == "" {
		return Subscription{}, ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return Subscription{}, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Subscription{}, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	table := postgresQuoteIdentifier(postgresSubscriptionTableName)
	selectQuery := fmt.Sprintf("SELECT id, version FROM %s WHERE resource = $1 FOR UPDATE", table)
	var existingID string
	var existingVersion int64
	err = tx.QueryRowContext(ctx, selectQuery, sub.Resource).Scan(&existingID, &existingVersion)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if sub.Version != 0 {
			return Subscription{}, ErrVersionConflict
		}
		if strings.TrimSpace(sub.ID) == "" {
			sub.ID = fmt.Sprintf("sub_%d", time.Now().UnixNano())
		}
		sub.Version = 1
		insertQuery := fmt.Sprintf(`
			INSERT INTO %s (id, remote_id, resource, client_state, expires_at, delta_link, version)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`, table)
		if _, err := tx.ExecContext(ctx, insertQuery, sub.ID, sub.RemoteID, sub.Resource, sub.ClientState, sub.ExpiresAt.UTC(), sub.DeltaLink, sub.Version); err != nil {
			return Subscription{}, err
		}
	case err != nil:
		return Subscription{}, err
	default:
		if sub.Version != existingVersion {
			return Subscription{}, ErrVersionConflict
		}
		sub.ID = existingID
		sub.Version = existingVersion + 1
		updateQuery := fmt.Sprintf(`
			UPDATE %s
			SET remote_id = $1, client_state = $2, expires_at = $3, delta_link = $4, version = $5
			WHERE resource = $6`, table)
		if _, err := tx.ExecContext(ctx, updateQuery, sub.RemoteID, sub.ClientState, sub.ExpiresAt.UTC(), sub.DeltaLink, sub.Version, sub.Resource); err != nil {
			return Subscription{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return Subscription{}, err
	}
	committed = true
	return sub, nil
}

func (s *PostgresRecordStore) DeleteAllSubscriptions() error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()
	query := fmt.Sprintf("DELETE FROM %s", postgresQuoteIdentifier(postgresSubscriptionTableName))
	_, err := s.db.ExecContext(ctx, query)
	return err
}

func (s *PostgresRecordStore) EntryByItemID(itemID string) (DirectoryEntry, error) {
	itemID = strings.TrimSpace(itemID)
	if itemID == "" {
		return DirectoryEntry{}, ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return DirectoryEntry{}, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(
		"SELECT id, item_id, team_id, name, gate, meet_time, location, updated_at FROM %s WHERE item_id = $1",
		postgresQuoteIdentifier(postgresEntryTableName),
	)
	entry, err := scanEntry(s.db.QueryRowContext(ctx, query, itemID))
	if errors.Is(err, sql.ErrNoRows) {
		return DirectoryEntry{}, ErrNotFound
	}
	return entry, err
}

func (s *PostgresRecordStore) ListEntries() ([]DirectoryEntry, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(
		"SELECT id, item_id, team_id, name, gate, meet_time, location, updated_at FROM %s ORDER BY item_id ASC",
		postgresQuoteIdentifier(postgresEntryTableName),
	)
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]DirectoryEntry, 0)
	for rows.Next() {
		var entry DirectoryEntry
		if scanErr := rows.Scan(&entry.ID, &entry.ItemID, &entry.TeamID, &entry.Name, &entry.Gate, &entry.MeetTime, &entry.Location, &entry.UpdatedAt); scanErr != nil {
			return nil, scanErr
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (s *PostgresRecordStore) UpsertEntry(entry DirectoryEntry) (DirectoryEntry, error) {
	entry.ItemID = strings.TrimSpace(entry.ItemID)
	if entry.ItemID == "" {
		return DirectoryEntry{}, ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return DirectoryEntry{}, err
	}
	if strings.TrimSpace(entry.ID) == "" {
		entry.ID = fmt.Sprintf("team_%d", time.Now().UnixNano())
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (id, item_id, team_id, name, gate, meet_time, location, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (item_id)
		DO UPDATE SET team_id = EXCLUDED.team_id, name = EXCLUDED.name, gate = EXCLUDED.gate,
			meet_time = EXCLUDED.meet_time, location = EXCLUDED.location, updated_at = EXCLUDED.updated_at
		RETURNING id`, postgresQuoteIdentifier(postgresEntryTableName))
	if err := s.db.QueryRowContext(ctx, query, entry.ID, entry.ItemID, entry.TeamID, entry.Name, entry.Gate, entry.MeetTime, entry.Location, entry.UpdatedAt.UTC()).Scan(&entry.ID); err != nil {
		return DirectoryEntry{}, err
	}
	return entry, nil
}

func (s *PostgresRecordStore) DeleteEntryByItemID(itemID string) error {
	itemID = strings.TrimSpace(itemID)
	if itemID == "" {
		return ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("DELETE FROM %s WHERE item_id = $1", postgresQuoteIdentifier(postgresEntryTableName))
	result, err := s.db.ExecContext(ctx, query, itemID)
	if err != nil {
		return err
	}
	if affected, affectedErr := result.RowsAffected(); affectedErr == nil && affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresRecordStore) DeleteAllEntries() error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()
	query := fmt.Sprintf("DELETE FROM %s", postgresQuoteIdentifier(postgresEntryTableName))
	_, err := s.db.ExecContext(ctx, query)
	return err
}

func (s *PostgresRecordStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type subscriptionScanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row subscriptionScanner) (Subscription, error) {
	var sub Subscription
	err := row.Scan(&sub.ID, &sub.RemoteID, &sub.Resource, &sub.ClientState, &sub.ExpiresAt, &sub.DeltaLink, &sub.Version)
	return sub, err
}

func scanEntry(row subscriptionScanner) (DirectoryEntry, error) {
	var entry DirectoryEntry
	err := row.Scan(&entry.ID, &entry.ItemID, &entry.TeamID, &entry.Name, &entry.Gate, &entry.MeetTime, &entry.Location, &entry.UpdatedAt)
	return entry, err
}

func collectSubscriptions(rows *sql.Rows) ([]Subscription, error) {
	subs := make([]Subscription, 0)
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// PostgresNotificationQueue is a durable dispatch queue on a single table.
// Dequeue uses FOR UPDATE SKIP LOCKED so multiple processes can consume
// without double-delivering a row that another worker holds.
type PostgresNotificationQueue struct {
	dsn          string
	tableName    string
	queueKey     string
	capacity     int
	pollInterval time.Duration
	openDB       sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresNotificationQueue(dsn string, capacity int) (NotificationQueue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = 1024
	}
	return &PostgresNotificationQueue{
		dsn:          dsn,
		tableName:    postgresQueueTableName,
		queueKey:     postgresQueueKey,
		capacity:     capacity,
		pollInterval: postgresQueuePollInterval,
		openDB:       sql.Open,
	}, nil
}

func (q *PostgresNotificationQueue) ensureReady() error {
	if q == nil {
		return ErrInvalidInput
	}
	q.initOnce.Do(func() {
		db, err := q.openDB("postgres", q.dsn)
		if err != nil {
			q.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		createTableQuery := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id BIGSERIAL PRIMARY KEY,
				queue_key TEXT NOT NULL,
				payload TEXT NOT NULL,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresQuoteIdentifier(q.tableName))
		if _, err := db.ExecContext(ctx, createTableQuery); err != nil {
			_ = db.Close()
			q.initErr = err
			return
		}
		indexName := q.tableName + "_queue_key_id_idx"
		createIndexQuery := fmt.Sprintf(
			"CREATE INDEX IF NOT EXISTS %s ON %s (queue_key, id)",
			postgresQuoteIdentifier(indexName),
			postgresQuoteIdentifier(q.tableName),
		)
		if _, err := db.ExecContext(ctx, createIndexQuery); err != nil {
			_ = db.Close()
			q.initErr = err
			return
		}
		q.db = db
	})
	return q.initErr
}

func (q *PostgresNotificationQueue) TryEnqueue(n ChangeNotification) bool {
	if q == nil || strings.TrimSpace(n.SubscriptionID) == "" {
		return false
	}
	payload, err := json.Marshal(n)
	if err != nil {
		return false
	}
	if err := q.ensureReady(); err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return false
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	lockKey := postgresQueueLockKey(q.tableName, q.queueKey)
	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", lockKey); err != nil {
		return false
	}
	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE queue_key = $1", postgresQuoteIdentifier(q.tableName))
	var depth int
	if err := tx.QueryRowContext(ctx, countQuery, q.queueKey).Scan(&depth); err != nil {
		return false
	}
	if depth >= q.capacity {
		return false
	}
	insertQuery := fmt.Sprintf("INSERT INTO %s (queue_key, payload, created_at) VALUES ($1, $2, NOW())", postgresQuoteIdentifier(q.tableName))
	if _, err := tx.ExecContext(ctx, insertQuery, q.queueKey, string(payload)); err != nil {
		return false
	}
	if err := tx.Commit(); err != nil {
		return false
	}
	committed = true
	return true
}

func (q *PostgresNotificationQueue) Enqueue(ctx context.Context, n ChangeNotification) bool {
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

func (q *PostgresNotificationQueue) Dequeue(ctx context.Context) (ChangeNotification, bool) {
	for {
		payload, ok := q.tryDequeuePayload(ctx)
		if ok {
			var n ChangeNotification
			if err := json.Unmarshal([]byte(payload), &n); err != nil || strings.TrimSpace(n.SubscriptionID) == "" {
				continue
			}
			return n, true
		}
		select {
		case <-ctx.Done():
			return ChangeNotification{}, false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *PostgresNotificationQueue) tryDequeuePayload(ctx context.Context) (string, bool) {
	if err := q.ensureReady(); err != nil {
		return "", false
	}
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	query := fmt.Sprintf(`
		SELECT id, payload
		FROM %s
		WHERE queue_key = $1
		ORDER BY id ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`, postgresQuoteIdentifier(q.tableName))
	var id int64
	var payload string
	err = tx.QueryRowContext(ctx, query, q.queueKey).Scan(&id, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false
	}
	if err != nil {
		return "", false
	}
	deleteQuery := fmt.Sprintf("DELETE FROM %s WHERE id = $1", postgresQuoteIdentifier(q.tableName))
	if _, err := tx.ExecContext(ctx, deleteQuery, id); err != nil {
		return "", false
	}
	if err := tx.Commit(); err != nil {
		return "", false
	}
	committed = true
	return payload, true
}

func (q *PostgresNotificationQueue) Depth() int {
	if err := q.ensureReady(); err != nil {
		return 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE queue_key = $1", postgresQuoteIdentifier(q.tableName))
	var depth int
	if err := q.db.QueryRowContext(ctx, query, q.queueKey).Scan(&depth); err != nil {
		return 0
	}
	return depth
}

func (q *PostgresNotificationQueue) Capacity() int {
	if q == nil {
		return 0
	}
	return q.capacity
}

func (q *PostgresNotificationQueue) Close() error {
	if q == nil || q.db == nil {
		return nil
	}
	return q.db.Close()
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

func postgresQueueLockKey(tableName, queueKey string) int64 {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(strings.TrimSpace(tableName)))
	_, _ = hasher.Write([]byte{0})
	_, _ = hasher.Write([]byte(strings.TrimSpace(queueKey)))
	return int64(hasher.Sum64())
}
