// Package history provides the conversation archive.
//
// The live conversation lives in memory; once an exchange reaches a terminal
// state it is archived here so a returning client can reload recent history.
package history

import (
	"context"
	"time"

	"github.com/kindredhq/kindred/internal/domain"
)

// Entry is one archived exchange, keyed by the anonymous user and tab session
// that produced it.
type Entry struct {
	UserID     string
	SessionID  string
	Exchange   domain.Exchange
	ArchivedAt time.Time
}

// Repository defines the interface for persisting terminal exchanges.
type Repository interface {
	// SaveExchange archives a terminal (resolved or failed) exchange.
	// Saving the same exchange id again overwrites the previous row.
	SaveExchange(ctx context.Context, entry *Entry) error

	// RecentExchanges returns up to limit archived exchanges for a
	// conversation, oldest first.
	RecentExchanges(ctx context.Context, userID, sessionID string, limit int) ([]*Entry, error)

	// DeleteConversation removes all archived exchanges for a conversation.
	DeleteConversation(ctx context.Context, userID, sessionID string) (int64, error)

	// PurgeOlderThan removes archived exchanges older than the retention
	// window and returns the number of rows deleted.
	PurgeOlderThan(ctx context.Context, retention time.Duration) (int64, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
