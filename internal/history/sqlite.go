package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kindredhq/kindred/internal/domain"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed archive.
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

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS exchanges (
		exchange_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		user_text TEXT NOT NULL,
		state TEXT NOT NULL,
		reply_text TEXT,
		error_text TEXT,
		analysis_json TEXT,
		created_at INTEGER NOT NULL,
		archived_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_exchanges_conversation
		ON exchanges(user_id, session_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_exchanges_archived ON exchanges(archived_at);
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

// SaveExchange archives a terminal exchange. Retries a small bounded number
// of times on SQLITE_BUSY, which can occur while the purge worker holds the
// write lock.
func (s *SQLiteStore) SaveExchange(ctx context.Context, entry *Entry) error {
	maxRetries := 3
	baseDelay := 100 * time.Millisecond

	for i := 0; i < maxRetries; i++ {
		err := s.saveExchangeOnce(ctx, entry)
		if err == nil {
			return nil
		}
		if isBusyError(err) && i < maxRetries-1 {
			delay := baseDelay * time.Duration(1<<i)
			slog.Debug("SaveExchange hit SQLITE_BUSY, retrying",
				"exchange_id", entry.Exchange.ID,
				"attempt", i+1,
				"delay", delay)
			time.Sleep(delay)
			continue
		}
		return fmt.Errorf("archive exchange %s: %w", entry.Exchange.ID, err)
	}

	return nil
}

func (s *SQLiteStore) saveExchangeOnce(ctx context.Context, entry *Entry) error {
	var analysisJSON interface{}
	if entry.Exchange.Analysis != nil {
		data, err := json.Marshal(entry.Exchange.Analysis)
		if err != nil {
			return fmt.Errorf("marshal analysis: %w", err)
		}
		analysisJSON = string(data)
	}

	var replyText, errorText interface{}
	if entry.Exchange.ReplyText != "" {
		replyText = entry.Exchange.ReplyText
	}
	if entry.Exchange.ErrorText != "" {
		errorText = entry.Exchange.ErrorText
	}

	query := `
	INSERT INTO exchanges (
		exchange_id, user_id, session_id, user_text, state,
		reply_text, error_text, analysis_json, created_at, archived_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(exchange_id) DO UPDATE SET
		state = excluded.state,
		reply_text = excluded.reply_text,
		error_text = excluded.error_text,
		analysis_json = excluded.analysis_json,
		archived_at = excluded.archived_at`

	_, err := s.db.ExecContext(ctx, query,
		entry.Exchange.ID, entry.UserID, entry.SessionID,
		entry.Exchange.UserText, string(entry.Exchange.State),
		replyText, errorText, analysisJSON,
		entry.Exchange.CreatedAt.Unix(), entry.ArchivedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert exchange: %w", err)
	}
	return nil
}

// RecentExchanges returns up to limit archived exchanges for a conversation,
// oldest first.
func (s *SQLiteStore) RecentExchanges(ctx context.Context, userID, sessionID string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}

	// Select the newest rows, then reverse so callers get chronological order.
	query := `
		SELECT exchange_id, user_id, session_id, user_text, state,
		       reply_text, error_text, analysis_json, created_at, archived_at
		FROM exchanges
		WHERE user_id = ? AND session_id = ?
		ORDER BY created_at DESC
		LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, userID, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent exchanges: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close recent exchanges rows", "error", closeErr)
		}
	}()

	var entries []*Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate recent exchanges: %w", err)
	}

	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

func scanEntry(rows *sql.Rows) (*Entry, error) {
	var entry Entry
	var state string
	var replyText, errorText, analysisJSON sql.NullString
	var createdAt, archivedAt int64

	if err := rows.Scan(
		&entry.Exchange.ID, &entry.UserID, &entry.SessionID,
		&entry.Exchange.UserText, &state,
		&replyText, &errorText, &analysisJSON,
		&createdAt, &archivedAt,
	); err != nil {
		return nil, fmt.Errorf("scan exchange row: %w", err)
	}

	entry.Exchange.State = domain.ExchangeState(state)
	entry.Exchange.ReplyText = replyText.String
	entry.Exchange.ErrorText = errorText.String
	entry.Exchange.CreatedAt = time.Unix(createdAt, 0)
	entry.Exchange.UpdatedAt = time.Unix(archivedAt, 0)
	entry.ArchivedAt = time.Unix(archivedAt, 0)

	if analysisJSON.Valid {
		var analysis domain.Analysis
		if err := json.Unmarshal([]byte(analysisJSON.String), &analysis); err != nil {
			return nil, fmt.Errorf("unmarshal analysis for %s: %w", entry.Exchange.ID, err)
		}
		entry.Exchange.Analysis = &analysis
	}

	return &entry, nil
}

// DeleteConversation removes all archived exchanges for a conversation.
func (s *SQLiteStore) DeleteConversation(ctx context.Context, userID, sessionID string) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM exchanges WHERE user_id = ? AND session_id = ?`,
		userID, sessionID,
	)
	if err != nil {
		return 0, fmt.Errorf("delete conversation: %w", err)
	}
	return result.RowsAffected()
}

// PurgeOlderThan removes archived exchanges past the retention window.
func (s *SQLiteStore) PurgeOlderThan(ctx context.Context, retention time.Duration) (int64, error) {
	threshold := time.Now().Add(-retention).Unix()
	result, err := s.db.ExecContext(ctx, `DELETE FROM exchanges WHERE archived_at < ?`, threshold)
	if err != nil {
		return 0, fmt.Errorf("purge old exchanges: %w", err)
	}
	return result.RowsAffected()
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// isBusyError checks for SQLite concurrency errors that warrant a retry.
func isBusyError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}
