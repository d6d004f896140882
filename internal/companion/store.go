package companion

import (
	"errors"
	"sync"
	"time"

	"github.com/kindredhq/kindred/internal/domain"
)

var (
	// ErrStoreClosed is returned when the owning conversation was torn down.
	// Late poll continuations hit this instead of mutating dead state.
	ErrStoreClosed = errors.New("conversation store closed")

	// ErrUnknownExchange is returned for updates against an id that was
	// never appended.
	ErrUnknownExchange = errors.New("unknown exchange")

	// ErrExchangeTerminal is returned when a lifecycle transition is
	// attempted on an exchange that already resolved or failed.
	ErrExchangeTerminal = errors.New("exchange already terminal")
)

// Store holds the ordered sequence of exchanges for one conversation.
//
// All mutations go through update-by-id entry points that enforce the
// lifecycle: an exchange is created pending and transitions at most once, to
// resolved or failed. Resolution order is independent of submission order; an
// out-of-order resolution updates the matching id wherever it sits in the
// sequence. After each successful mutation the notify hook receives a copy of
// the exchange, outside the store lock.
type Store struct {
	mu        sync.Mutex
	exchanges []*domain.Exchange
	byID      map[string]*domain.Exchange
	closed    bool
	notify    func(domain.Exchange)
}

// NewStore creates an empty conversation store. notify may be nil.
func NewStore(notify func(domain.Exchange)) *Store {
	return &Store{
		byID:   make(map[string]*domain.Exchange),
		notify: notify,
	}
}

// Append adds a new pending exchange to the end of the conversation.
func (s *Store) Append(ex *domain.Exchange) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStoreClosed
	}
	if _, exists := s.byID[ex.ID]; exists {
		s.mu.Unlock()
		return errors.New("duplicate exchange id")
	}
	ex.State = domain.ExchangePending
	ex.UpdatedAt = ex.CreatedAt
	s.exchanges = append(s.exchanges, ex)
	s.byID[ex.ID] = ex
	snapshot := *ex
	s.mu.Unlock()

	s.emit(snapshot)
	return nil
}

// Resolve transitions a pending exchange to resolved, setting the reply and
// analysis together so the invariant "reply present iff resolved" holds.
func (s *Store) Resolve(id, replyText string, analysis *domain.Analysis) error {
	return s.transition(id, func(ex *domain.Exchange) {
		ex.State = domain.ExchangeResolved
		ex.ReplyText = replyText
		ex.Analysis = analysis
		ex.StillWorking = false
	})
}

// Fail transitions a pending exchange to failed with a user-facing message.
func (s *Store) Fail(id, errorText string) error {
	return s.transition(id, func(ex *domain.Exchange) {
		ex.State = domain.ExchangeFailed
		ex.ErrorText = errorText
		ex.StillWorking = false
	})
}

// MarkStillWorking flags a pending exchange whose background computation
// outlived the polling budget. The exchange stays pending.
func (s *Store) MarkStillWorking(id string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStoreClosed
	}
	ex, ok := s.byID[id]
	if !ok {
		s.mu.Unlock()
		return ErrUnknownExchange
	}
	if ex.Terminal() {
		s.mu.Unlock()
		return ErrExchangeTerminal
	}
	ex.StillWorking = true
	ex.UpdatedAt = time.Now()
	snapshot := *ex
	s.mu.Unlock()

	s.emit(snapshot)
	return nil
}

func (s *Store) transition(id string, apply func(*domain.Exchange)) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStoreClosed
	}
	ex, ok := s.byID[id]
	if !ok {
		s.mu.Unlock()
		return ErrUnknownExchange
	}
	if ex.Terminal() {
		s.mu.Unlock()
		return ErrExchangeTerminal
	}
	apply(ex)
	ex.UpdatedAt = time.Now()
	snapshot := *ex
	s.mu.Unlock()

	s.emit(snapshot)
	return nil
}

// Get returns a copy of the exchange with the given id.
func (s *Store) Get(id string) (domain.Exchange, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ex, ok := s.byID[id]
	if !ok {
		return domain.Exchange{}, false
	}
	return *ex, true
}

// Exchanges returns a copy of the conversation in submission order.
func (s *Store) Exchanges() []domain.Exchange {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Exchange, len(s.exchanges))
	for i, ex := range s.exchanges {
		out[i] = *ex
	}
	return out
}

// Len returns the number of exchanges in the conversation.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.exchanges)
}

// Close tears the store down. Subsequent mutations return ErrStoreClosed.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

// Closed reports whether the store was torn down.
func (s *Store) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Store) emit(ex domain.Exchange) {
	if s.notify != nil {
		s.notify(ex)
	}
}
