package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/kindredhq/kindred/internal/domain"
)

func newTestStore(t *testing.T) Repository {
	t.Helper()
	repo, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() {
		if err := repo.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}
	})
	return repo
}

func resolvedEntry(id, userID, sessionID string, createdAt time.Time) *Entry {
	return &Entry{
		UserID:    userID,
		SessionID: sessionID,
		Exchange: domain.Exchange{
			ID:        id,
			UserText:  "message " + id,
			State:     domain.ExchangeResolved,
			ReplyText: "reply " + id,
			Analysis:  &domain.Analysis{RiskLevel: domain.RiskLow, MemoryTags: []string{"sleep"}},
			CreatedAt: createdAt,
		},
		ArchivedAt: createdAt,
	}
}

func TestSaveAndRecentExchanges(t *testing.T) {
	t.Parallel()

	repo := newTestStore(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour).Truncate(time.Second)

	for i, id := range []string{"ex-1", "ex-2", "ex-3"} {
		entry := resolvedEntry(id, "anon_u", "tab", base.Add(time.Duration(i)*time.Minute))
		if err := repo.SaveExchange(ctx, entry); err != nil {
			t.Fatalf("SaveExchange(%s) failed: %v", id, err)
		}
	}

	entries, err := repo.RecentExchanges(ctx, "anon_u", "tab", 10)
	if err != nil {
		t.Fatalf("RecentExchanges failed: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}
	// Chronological order, oldest first.
	for i, id := range []string{"ex-1", "ex-2", "ex-3"} {
		if entries[i].Exchange.ID != id {
			t.Errorf("entry %d id = %q, want %q", i, entries[i].Exchange.ID, id)
		}
	}
	first := entries[0].Exchange
	if first.ReplyText != "reply ex-1" || first.State != domain.ExchangeResolved {
		t.Errorf("round trip lost fields: %+v", first)
	}
	if first.Analysis == nil || first.Analysis.RiskLevel != domain.RiskLow {
		t.Errorf("analysis not restored: %+v", first.Analysis)
	}
}

func TestSaveExchangeUpsertsTerminalState(t *testing.T) {
	t.Parallel()

	repo := newTestStore(t)
	ctx := context.Background()
	created := time.Now().Truncate(time.Second)

	// Archive the pending placeholder first, then the resolution.
	pending := &Entry{
		UserID:    "anon_u",
		SessionID: "tab",
		Exchange: domain.Exchange{
			ID:        "ex-1",
			UserText:  "hello",
			State:     domain.ExchangePending,
			CreatedAt: created,
		},
		ArchivedAt: created,
	}
	if err := repo.SaveExchange(ctx, pending); err != nil {
		t.Fatalf("SaveExchange(pending) failed: %v", err)
	}
	if err := repo.SaveExchange(ctx, resolvedEntry("ex-1", "anon_u", "tab", created)); err != nil {
		t.Fatalf("SaveExchange(resolved) failed: %v", err)
	}

	entries, err := repo.RecentExchanges(ctx, "anon_u", "tab", 10)
	if err != nil {
		t.Fatalf("RecentExchanges failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1 (upsert, not insert)", len(entries))
	}
	if entries[0].Exchange.State != domain.ExchangeResolved {
		t.Errorf("state = %q, want resolved", entries[0].Exchange.State)
	}
}

func TestRecentExchangesScopedToConversation(t *testing.T) {
	t.Parallel()

	repo := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	if err := repo.SaveExchange(ctx, resolvedEntry("ex-a", "anon_a", "tab", now)); err != nil {
		t.Fatalf("SaveExchange failed: %v", err)
	}
	if err := repo.SaveExchange(ctx, resolvedEntry("ex-b", "anon_a", "other", now)); err != nil {
		t.Fatalf("SaveExchange failed: %v", err)
	}
	if err := repo.SaveExchange(ctx, resolvedEntry("ex-c", "anon_b", "tab", now)); err != nil {
		t.Fatalf("SaveExchange failed: %v", err)
	}

	entries, err := repo.RecentExchanges(ctx, "anon_a", "tab", 10)
	if err != nil {
		t.Fatalf("RecentExchanges failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Exchange.ID != "ex-a" {
		t.Errorf("conversation scope leaked: %+v", entries)
	}
}

func TestDeleteConversation(t *testing.T) {
	t.Parallel()

	repo := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	if err := repo.SaveExchange(ctx, resolvedEntry("ex-1", "anon_u", "tab", now)); err != nil {
		t.Fatalf("SaveExchange failed: %v", err)
	}
	if err := repo.SaveExchange(ctx, resolvedEntry("ex-2", "anon_u", "tab", now)); err != nil {
		t.Fatalf("SaveExchange failed: %v", err)
	}
	if err := repo.SaveExchange(ctx, resolvedEntry("ex-3", "anon_u", "other", now)); err != nil {
		t.Fatalf("SaveExchange failed: %v", err)
	}

	deleted, err := repo.DeleteConversation(ctx, "anon_u", "tab")
	if err != nil {
		t.Fatalf("DeleteConversation failed: %v", err)
	}
	if deleted != 2 {
		t.Errorf("deleted %d rows, want 2", deleted)
	}

	remaining, err := repo.RecentExchanges(ctx, "anon_u", "other", 10)
	if err != nil {
		t.Fatalf("RecentExchanges failed: %v", err)
	}
	if len(remaining) != 1 {
		t.Errorf("other session lost rows: %d remaining", len(remaining))
	}
}

func TestPurgeOlderThan(t *testing.T) {
	t.Parallel()

	repo := newTestStore(t)
	ctx := context.Background()

	old := resolvedEntry("ex-old", "anon_u", "tab", time.Now().Add(-48*time.Hour))
	fresh := resolvedEntry("ex-new", "anon_u", "tab", time.Now())
	if err := repo.SaveExchange(ctx, old); err != nil {
		t.Fatalf("SaveExchange failed: %v", err)
	}
	if err := repo.SaveExchange(ctx, fresh); err != nil {
		t.Fatalf("SaveExchange failed: %v", err)
	}

	purged, err := repo.PurgeOlderThan(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("PurgeOlderThan failed: %v", err)
	}
	if purged != 1 {
		t.Errorf("purged %d rows, want 1", purged)
	}

	entries, err := repo.RecentExchanges(ctx, "anon_u", "tab", 10)
	if err != nil {
		t.Fatalf("RecentExchanges failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Exchange.ID != "ex-new" {
		t.Errorf("wrong rows survived the purge: %+v", entries)
	}
}

func TestPing(t *testing.T) {
	t.Parallel()

	repo := newTestStore(t)
	if err := repo.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}
