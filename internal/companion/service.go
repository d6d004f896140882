package companion

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kindredhq/kindred/internal/config"
	"github.com/kindredhq/kindred/internal/domain"
	"github.com/kindredhq/kindred/internal/history"
)

// contextTurnLimit bounds how many prior turns are forwarded to the backend
// as conversation context.
const contextTurnLimit = 10

// ExchangeEvent is one store mutation, published for UI re-render.
type ExchangeEvent struct {
	UserID    string
	SessionID string
	Exchange  domain.Exchange
}

// Service is the send orchestrator. It owns one conversation per
// user+session, submits user turns to the analysis backend, and routes each
// outcome — inline result, polled result, soft timeout, or failure — through
// the conversation's dispatcher.
type Service struct {
	cfg     *config.Config
	backend Backend
	poller  *Poller
	archive history.Repository // nil disables the archive
	journal Journal
	logger  *slog.Logger

	mu    sync.Mutex
	convs map[string]*conversation

	events chan ExchangeEvent

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// conversation bundles the per-conversation state: store, workflows, and the
// dispatcher that mutates them.
type conversation struct {
	userID     string
	sessionID  string
	store      *Store
	workflows  *WorkflowSet
	dispatcher *Dispatcher
}

// NewService creates the orchestrator. archive may be nil; journal may be nil
// (disabled); clock may be nil (system timers).
func NewService(cfg *config.Config, backend Backend, clock Clock, archive history.Repository, journal Journal, logger *slog.Logger) *Service {
	if journal == nil {
		journal = NopJournal{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		cfg:     cfg,
		backend: backend,
		poller:  NewPoller(backend, clock, cfg.Poller, logger),
		archive: archive,
		journal: journal,
		logger:  logger,
		convs:   make(map[string]*conversation),
		events:  make(chan ExchangeEvent, 256),
		baseCtx: ctx,
		cancel:  cancel,
	}
}

// Events exposes the stream of store mutations for the update broadcaster.
func (s *Service) Events() <-chan ExchangeEvent {
	return s.events
}

func conversationKey(userID, sessionID string) string {
	return userID + ":" + sessionID
}

// conversation returns the live conversation for the key, creating one if
// none exists or the previous one was torn down.
func (s *Service) conversation(userID, sessionID string) *conversation {
	key := conversationKey(userID, sessionID)

	s.mu.Lock()
	defer s.mu.Unlock()

	if conv, ok := s.convs[key]; ok && !conv.store.Closed() {
		return conv
	}

	conv := &conversation{userID: userID, sessionID: sessionID}
	conv.store = NewStore(func(ex domain.Exchange) {
		s.publish(ExchangeEvent{UserID: userID, SessionID: sessionID, Exchange: ex})
	})
	conv.workflows = NewWorkflowSet()
	conv.dispatcher = NewDispatcher(userID, sessionID, conv.store, conv.workflows, s.archive, s.journal, s.logger)
	s.convs[key] = conv
	return conv
}

func (s *Service) publish(ev ExchangeEvent) {
	select {
	case s.events <- ev:
	default:
		s.logger.Warn("Exchange event queue full, dropping update",
			"user_id", ev.UserID,
			"exchange_id", ev.Exchange.ID,
		)
	}
}

// Send creates a pending exchange for the user's message and resolves it in
// the background. The returned snapshot is the pending placeholder; callers
// observe the final state via the event stream.
func (s *Service) Send(ctx context.Context, userID, sessionID, text string) (domain.Exchange, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return domain.Exchange{}, ErrEmptyMessage
	}

	conv := s.conversation(userID, sessionID)
	ex := &domain.Exchange{
		ID:        uuid.NewString(),
		UserText:  text,
		CreatedAt: time.Now(),
	}
	if err := conv.store.Append(ex); err != nil {
		return domain.Exchange{}, err
	}

	s.journal.Log(JournalEvent{
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		UserID:     userID,
		SessionID:  sessionID,
		EventType:  "user_message",
		ExchangeID: ex.ID,
		Content:    text,
	})
	s.logger.Info("Exchange created",
		"exchange_id", ex.ID,
		"user_id", userID,
		"session_id", sessionID,
		"message_length", len(text),
	)

	// Resolution outlives the HTTP request: run on the service context so a
	// client disconnect does not abandon the poll.
	snapshot := *ex
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.resolve(s.baseCtx, conv, snapshot.ID, text)
	}()

	return snapshot, nil
}

// resolve runs the submission and, when deferred, the polling loop, then
// hands the terminal outcome to the dispatcher.
func (s *Service) resolve(ctx context.Context, conv *conversation, exchangeID, text string) {
	outcome, err := s.backend.Submit(ctx, SubmitRequest{
		UserID:    conv.userID,
		SessionID: conv.sessionID,
		Message:   text,
		Context:   s.contextTurns(conv, exchangeID),
	})
	if err != nil {
		// Submission failure is surfaced immediately; it is not retried.
		conv.dispatcher.Fail(ctx, exchangeID, err)
		return
	}

	if !outcome.Deferred() {
		conv.dispatcher.Dispatch(ctx, exchangeID, outcome.Result)
		return
	}

	task := &domain.BackgroundTask{
		TaskID:          outcome.TaskID,
		OwnerExchangeID: exchangeID,
	}
	result, err := s.poller.Poll(ctx, task)
	switch {
	case err != nil:
		conv.dispatcher.Fail(ctx, exchangeID, err)
	case result == nil:
		// Soft timeout: the exchange stays pending; mark it so clients can
		// render "taking longer than expected".
		if markErr := conv.store.MarkStillWorking(exchangeID); markErr != nil {
			s.logger.Warn("Could not mark exchange still-working",
				"exchange_id", exchangeID,
				"error", markErr,
			)
		}
	default:
		conv.dispatcher.Dispatch(ctx, exchangeID, result)
	}
}

// contextTurns collects recent terminal turns, oldest first, excluding the
// exchange being resolved.
func (s *Service) contextTurns(conv *conversation, excludeID string) []ContextTurn {
	exchanges := conv.store.Exchanges()
	var turns []ContextTurn
	for _, ex := range exchanges {
		if ex.ID == excludeID {
			continue
		}
		turns = append(turns, ContextTurn{Role: "user", Text: ex.UserText})
		if ex.State == domain.ExchangeResolved {
			turns = append(turns, ContextTurn{Role: "assistant", Text: ex.ReplyText})
		}
	}
	if len(turns) > contextTurnLimit {
		turns = turns[len(turns)-contextTurnLimit:]
	}
	return turns
}

// Exchanges returns the conversation for rendering: archived history first,
// then the live exchanges not yet (or never) archived, in submission order.
func (s *Service) Exchanges(ctx context.Context, userID, sessionID string) ([]domain.Exchange, error) {
	conv := s.conversation(userID, sessionID)
	live := conv.store.Exchanges()

	if s.archive == nil {
		return live, nil
	}

	entries, err := s.archive.RecentExchanges(ctx, userID, sessionID, 100)
	if err != nil {
		return nil, err
	}

	liveIDs := make(map[string]bool, len(live))
	for _, ex := range live {
		liveIDs[ex.ID] = true
	}

	merged := make([]domain.Exchange, 0, len(entries)+len(live))
	for _, entry := range entries {
		if !liveIDs[entry.Exchange.ID] {
			merged = append(merged, entry.Exchange)
		}
	}
	return append(merged, live...), nil
}

// ActiveWorkflow returns the open workflow of the given type, or nil.
func (s *Service) ActiveWorkflow(userID, sessionID string, t domain.WorkflowType) *domain.WorkflowState {
	return s.conversation(userID, sessionID).workflows.Active(t)
}

// ActiveWorkflows returns all open workflows for the conversation.
func (s *Service) ActiveWorkflows(userID, sessionID string) []domain.WorkflowState {
	return s.conversation(userID, sessionID).workflows.ActiveAll()
}

// ConfirmWorkflow accepts and closes the open workflow of the given type.
func (s *Service) ConfirmWorkflow(userID, sessionID string, t domain.WorkflowType) error {
	state, err := s.conversation(userID, sessionID).workflows.Confirm(t)
	if err != nil {
		return err
	}
	s.journalWorkflow(userID, sessionID, state.ExchangeID, "workflow_confirmed", t)
	return nil
}

// DismissWorkflow closes the open workflow of the given type without acting
// on it. The exchange and the other workflows are unaffected.
func (s *Service) DismissWorkflow(userID, sessionID string, t domain.WorkflowType) error {
	state, err := s.conversation(userID, sessionID).workflows.Dismiss(t)
	if err != nil {
		return err
	}
	s.journalWorkflow(userID, sessionID, state.ExchangeID, "workflow_dismissed", t)
	return nil
}

func (s *Service) journalWorkflow(userID, sessionID, exchangeID, eventType string, t domain.WorkflowType) {
	s.journal.Log(JournalEvent{
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		UserID:     userID,
		SessionID:  sessionID,
		EventType:  eventType,
		ExchangeID: exchangeID,
		Meta:       map[string]any{"workflow": string(t)},
	})
}

// Reset tears down the caller's conversation and deletes its archive. Any
// in-flight poll continuation finds the store closed and drops its result.
func (s *Service) Reset(ctx context.Context, userID, sessionID string) error {
	key := conversationKey(userID, sessionID)

	s.mu.Lock()
	conv, ok := s.convs[key]
	if ok {
		delete(s.convs, key)
	}
	s.mu.Unlock()

	if ok {
		conv.store.Close()
	}

	if s.archive != nil {
		if _, err := s.archive.DeleteConversation(ctx, userID, sessionID); err != nil {
			return err
		}
	}

	s.logger.Info("Conversation reset", "user_id", userID, "session_id", sessionID)
	return nil
}

// Ping verifies the archive is reachable. With no archive configured the
// service is trivially healthy.
func (s *Service) Ping(ctx context.Context) error {
	if s.archive == nil {
		return nil
	}
	return s.archive.Ping(ctx)
}

// Close cancels background resolution and waits for in-flight sends.
func (s *Service) Close() {
	s.cancel()
	s.wg.Wait()
}
