package companion

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kindredhq/kindred/internal/domain"
)

func newExchange(id, text string) *domain.Exchange {
	return &domain.Exchange{ID: id, UserText: text, CreatedAt: time.Now()}
}

func TestStoreAppendCreatesPending(t *testing.T) {
	t.Parallel()

	store := NewStore(nil)
	if err := store.Append(newExchange("ex-1", "hello")); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	ex, ok := store.Get("ex-1")
	if !ok {
		t.Fatal("exchange not found after Append")
	}
	if ex.State != domain.ExchangePending {
		t.Errorf("new exchange state = %q, want pending", ex.State)
	}
	if ex.ReplyText != "" || ex.ErrorText != "" {
		t.Errorf("new exchange must have no reply or error, got %+v", ex)
	}
}

func TestStoreRejectsDuplicateID(t *testing.T) {
	t.Parallel()

	store := NewStore(nil)
	if err := store.Append(newExchange("ex-1", "first")); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := store.Append(newExchange("ex-1", "second")); err == nil {
		t.Fatal("expected error appending duplicate id")
	}
	if store.Len() != 1 {
		t.Errorf("store length = %d, want 1", store.Len())
	}
}

func TestStoreLifecycleIsMonotonic(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		first func(*Store) error
	}{
		{"resolved stays resolved", func(s *Store) error {
			return s.Resolve("ex-1", "reply", nil)
		}},
		{"failed stays failed", func(s *Store) error {
			return s.Fail("ex-1", "something went wrong")
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			store := NewStore(nil)
			if err := store.Append(newExchange("ex-1", "hello")); err != nil {
				t.Fatalf("Append failed: %v", err)
			}
			if err := tt.first(store); err != nil {
				t.Fatalf("first transition failed: %v", err)
			}

			if err := store.Resolve("ex-1", "late reply", nil); !errors.Is(err, ErrExchangeTerminal) {
				t.Errorf("second Resolve err = %v, want ErrExchangeTerminal", err)
			}
			if err := store.Fail("ex-1", "late failure"); !errors.Is(err, ErrExchangeTerminal) {
				t.Errorf("second Fail err = %v, want ErrExchangeTerminal", err)
			}
			if err := store.MarkStillWorking("ex-1"); !errors.Is(err, ErrExchangeTerminal) {
				t.Errorf("MarkStillWorking on terminal err = %v, want ErrExchangeTerminal", err)
			}
		})
	}
}

func TestStoreResolveSetsReplyAndAnalysisTogether(t *testing.T) {
	t.Parallel()

	store := NewStore(nil)
	if err := store.Append(newExchange("ex-1", "hello")); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	analysis := &domain.Analysis{RiskLevel: domain.RiskLow, CopingStrategies: []string{"breathing"}}
	if err := store.Resolve("ex-1", "take a breath", analysis); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	ex, _ := store.Get("ex-1")
	if ex.State != domain.ExchangeResolved {
		t.Errorf("state = %q, want resolved", ex.State)
	}
	if ex.ReplyText != "take a breath" {
		t.Errorf("reply = %q", ex.ReplyText)
	}
	if ex.Analysis == nil || ex.Analysis.RiskLevel != domain.RiskLow {
		t.Errorf("analysis not carried: %+v", ex.Analysis)
	}
}

func TestStoreOutOfOrderResolution(t *testing.T) {
	t.Parallel()

	store := NewStore(nil)
	for _, id := range []string{"ex-1", "ex-2", "ex-3"} {
		if err := store.Append(newExchange(id, "msg "+id)); err != nil {
			t.Fatalf("Append(%s) failed: %v", id, err)
		}
	}

	// Second message resolves before the first.
	if err := store.Resolve("ex-2", "second reply", nil); err != nil {
		t.Fatalf("Resolve(ex-2) failed: %v", err)
	}
	if err := store.Resolve("ex-1", "first reply", nil); err != nil {
		t.Fatalf("Resolve(ex-1) failed: %v", err)
	}

	exchanges := store.Exchanges()
	if len(exchanges) != 3 {
		t.Fatalf("got %d exchanges, want 3", len(exchanges))
	}
	// Submission order preserved, each update landed on the matching id.
	if exchanges[0].ID != "ex-1" || exchanges[0].ReplyText != "first reply" {
		t.Errorf("position 0: %+v", exchanges[0])
	}
	if exchanges[1].ID != "ex-2" || exchanges[1].ReplyText != "second reply" {
		t.Errorf("position 1: %+v", exchanges[1])
	}
	if exchanges[2].State != domain.ExchangePending {
		t.Errorf("ex-3 should still be pending, got %q", exchanges[2].State)
	}
}

func TestStoreUnknownExchange(t *testing.T) {
	t.Parallel()

	store := NewStore(nil)
	if err := store.Resolve("ghost", "reply", nil); !errors.Is(err, ErrUnknownExchange) {
		t.Errorf("Resolve err = %v, want ErrUnknownExchange", err)
	}
	if err := store.Fail("ghost", "oops"); !errors.Is(err, ErrUnknownExchange) {
		t.Errorf("Fail err = %v, want ErrUnknownExchange", err)
	}
}

func TestStoreClosedRejectsMutations(t *testing.T) {
	t.Parallel()

	store := NewStore(nil)
	if err := store.Append(newExchange("ex-1", "hello")); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	store.Close()

	if err := store.Append(newExchange("ex-2", "late")); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("Append after Close err = %v, want ErrStoreClosed", err)
	}
	if err := store.Resolve("ex-1", "late reply", nil); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("Resolve after Close err = %v, want ErrStoreClosed", err)
	}
	if !store.Closed() {
		t.Error("Closed() = false after Close")
	}
}

func TestStoreMarkStillWorkingKeepsPending(t *testing.T) {
	t.Parallel()

	store := NewStore(nil)
	if err := store.Append(newExchange("ex-1", "hello")); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := store.MarkStillWorking("ex-1"); err != nil {
		t.Fatalf("MarkStillWorking failed: %v", err)
	}

	ex, _ := store.Get("ex-1")
	if ex.State != domain.ExchangePending {
		t.Errorf("state = %q, want pending", ex.State)
	}
	if !ex.StillWorking {
		t.Error("StillWorking flag not set")
	}

	// A late resolution after the soft timeout is still legal.
	if err := store.Resolve("ex-1", "finally", nil); err != nil {
		t.Fatalf("Resolve after MarkStillWorking failed: %v", err)
	}
	ex, _ = store.Get("ex-1")
	if ex.StillWorking {
		t.Error("StillWorking flag must clear on resolution")
	}
}

func TestStoreNotifiesOnEveryMutation(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var seen []domain.Exchange
	store := NewStore(func(ex domain.Exchange) {
		mu.Lock()
		seen = append(seen, ex)
		mu.Unlock()
	})

	if err := store.Append(newExchange("ex-1", "hello")); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := store.Resolve("ex-1", "reply", nil); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 {
		t.Fatalf("got %d notifications, want 2", len(seen))
	}
	if seen[0].State != domain.ExchangePending {
		t.Errorf("first notification state = %q, want pending", seen[0].State)
	}
	if seen[1].State != domain.ExchangeResolved || seen[1].ReplyText != "reply" {
		t.Errorf("second notification: %+v", seen[1])
	}
}
