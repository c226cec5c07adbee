package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ashureev/pulseboard/internal/domain"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB

	watchMu  sync.Mutex
	watchers map[chan domain.ChangeEvent]struct{}
	closed   bool
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{
		db:       db,
		watchers: make(map[chan domain.ChangeEvent]struct{}),
	}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		channel TEXT NOT NULL,
		label TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_events_channel ON events(channel);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// InsertEvent appends an event and publishes a change event to watchers.
func (s *SQLiteStore) InsertEvent(ctx context.Context, channel, label string) error {
	query := `INSERT INTO events (channel, label, created_at) VALUES (?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, query, channel, label, time.Now().Unix()); err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	s.publish(domain.ChangeEvent{Channel: channel, Label: label})
	return nil
}

// CountByLabel returns per-label counts for a channel.
func (s *SQLiteStore) CountByLabel(ctx context.Context, channel string) ([]domain.AggregateRow, error) {
	query := `SELECT label, COUNT(*) FROM events WHERE channel = ? GROUP BY label`

	rows, err := s.db.QueryContext(ctx, query, channel)
	if err != nil {
		return nil, fmt.Errorf("query label counts: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close label count rows", "error", closeErr)
		}
	}()

	var counts []domain.AggregateRow
	for rows.Next() {
		var row domain.AggregateRow
		if err := rows.Scan(&row.Label, &row.Count); err != nil {
			return nil, fmt.Errorf("scan label count row: %w", err)
		}
		counts = append(counts, row)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate label counts: %w", err)
	}

	return counts, nil
}

// ListChannels returns the distinct channels present in the collection.
func (s *SQLiteStore) ListChannels(ctx context.Context) ([]string, error) {
	query := `SELECT DISTINCT channel FROM events ORDER BY channel`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query channels: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close channel rows", "error", closeErr)
		}
	}()

	var channels []string
	for rows.Next() {
		var channel string
		if err := rows.Scan(&channel); err != nil {
			return nil, fmt.Errorf("scan channel row: %w", err)
		}
		channels = append(channels, channel)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate channels: %w", err)
	}

	return channels, nil
}

// WatchChanges returns a channel of raw change events. On a closed store the
// returned channel is already closed.
func (s *SQLiteStore) WatchChanges() <-chan domain.ChangeEvent {
	ch := make(chan domain.ChangeEvent, 16)

	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	if s.closed {
		close(ch)
		return ch
	}
	s.watchers[ch] = struct{}{}
	return ch
}

func (s *SQLiteStore) publish(ev domain.ChangeEvent) {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	if s.closed {
		return
	}
	for ch := range s.watchers {
		select {
		case ch <- ev:
		default:
			// Watcher is behind; downstream consumers are level-triggered,
			// so a dropped raw event loses nothing.
		}
	}
}

// Close closes the database connection and terminates all change feeds.
func (s *SQLiteStore) Close() error {
	s.watchMu.Lock()
	if !s.closed {
		s.closed = true
		for ch := range s.watchers {
			close(ch)
		}
		s.watchers = nil
	}
	s.watchMu.Unlock()

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
