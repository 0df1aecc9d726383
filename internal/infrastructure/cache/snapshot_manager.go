package cache

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/lib/pq"
)

// SnapshotManager serves cache snapshot tokens from memory instead of
// querying the database on every check. It listens on the snapshot_changed
// channel and re-reads txid_current_snapshot() whenever a write commits,
// with a TTL refresh as fallback for missed notifications. A token is
// therefore at most one notification delivery behind the database; cached
// check results keyed on it are stale for that window and no longer.
type SnapshotManager struct {
	mu          sync.RWMutex
	token       string
	lastRefresh time.Time
	stopped     bool

	db         *sql.DB
	refreshTTL time.Duration
	listener   *pq.Listener
	connStr    string
	stopCh     chan struct{}
}

// NewSnapshotManager creates a snapshot manager. connStr is the connection
// string for the LISTEN session; refreshTTL bounds how long a token is
// served without confirmation from the database.
func NewSnapshotManager(db *sql.DB, connStr string, refreshTTL time.Duration) *SnapshotManager {
	return &SnapshotManager{
		db:         db,
		connStr:    connStr,
		refreshTTL: refreshTTL,
		stopCh:     make(chan struct{}),
	}
}

// Start fetches the initial token and begins listening for change
// notifications.
func (m *SnapshotManager) Start(ctx context.Context) error {
	if _, err := m.refresh(ctx); err != nil {
		return fmt.Errorf("failed to fetch initial snapshot: %w", err)
	}
	if err := m.startListener(); err != nil {
		return fmt.Errorf("failed to start listener: %w", err)
	}
	return nil
}

// Stop closes the listener. The manager keeps serving its last token
// afterwards, refreshing over the main connection on the TTL.
func (m *SnapshotManager) Stop() error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	close(m.stopCh)
	m.mu.Unlock()

	if m.listener != nil {
		return m.listener.Close()
	}
	return nil
}

// SnapshotToken returns the current token, refreshing from the database
// when the cached one has outlived refreshTTL.
func (m *SnapshotManager) SnapshotToken(ctx context.Context) (string, error) {
	m.mu.RLock()
	token := m.token
	fresh := time.Since(m.lastRefresh) <= m.refreshTTL
	m.mu.RUnlock()

	if m.db == nil {
		return token, nil
	}
	if token == "" || !fresh {
		return m.refresh(ctx)
	}
	return token, nil
}

// SetToken overrides the cached token.
func (m *SnapshotManager) SetToken(token string) {
	m.mu.Lock()
	m.token = token
	m.lastRefresh = time.Now()
	m.mu.Unlock()
}

// refresh reads the current snapshot from the database and caches it.
func (m *SnapshotManager) refresh(ctx context.Context) (string, error) {
	var token string
	err := m.db.QueryRowContext(ctx, "SELECT txid_current_snapshot()::text").Scan(&token)
	if err != nil {
		return "", fmt.Errorf("failed to read current snapshot: %w", err)
	}

	m.mu.Lock()
	m.token = token
	m.lastRefresh = time.Now()
	m.mu.Unlock()

	return token, nil
}

// startListener opens the LISTEN session on snapshot_changed.
func (m *SnapshotManager) startListener() error {
	reportProblem := func(ev pq.ListenerEventType, err error) {
		if err != nil {
			// The TTL refresh covers notifications lost while reconnecting.
			log.Printf("snapshot listener: %v", err)
		}
	}

	m.listener = pq.NewListener(m.connStr, 10*time.Second, time.Minute, reportProblem)
	if err := m.listener.Listen("snapshot_changed"); err != nil {
		return fmt.Errorf("failed to listen on snapshot_changed: %w", err)
	}

	go m.handleNotifications()
	return nil
}

// handleNotifications refreshes the token when a write commits. The payload
// is ignored; the trigger fires before commit and cannot name the snapshot
// the commit produces, so the database is asked again instead.
func (m *SnapshotManager) handleNotifications() {
	for {
		select {
		case <-m.stopCh:
			return
		case notification := <-m.listener.Notify:
			if notification == nil {
				// Connection lost; the listener reconnects on its own.
				continue
			}
			if _, err := m.refresh(context.Background()); err != nil {
				log.Printf("snapshot refresh: %v", err)
			}
		case <-time.After(90 * time.Second):
			go func() {
				if err := m.listener.Ping(); err != nil {
					log.Printf("snapshot listener ping: %v", err)
				}
			}()
		}
	}
}
