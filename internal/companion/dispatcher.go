package companion

import (
	"context"
	"log/slog"
	"time"

	"github.com/kindredhq/kindred/internal/domain"
	"github.com/kindredhq/kindred/internal/history"
)

// failureReply is the single user-facing message for any terminal failure.
// Every failure, whatever stage produced it, funnels through the dispatcher
// so the failure UX is consistent.
const failureReply = "I'm having trouble responding right now. Please try again in a moment."

// Dispatcher converts terminal outcomes into exchange transitions and fans
// completed results out to the follow-up workflows of one conversation.
type Dispatcher struct {
	userID    string
	sessionID string
	store     *Store
	workflows *WorkflowSet
	archive   history.Repository // nil disables archiving
	journal   Journal
	logger    *slog.Logger
}

// NewDispatcher creates the dispatcher for one conversation.
func NewDispatcher(userID, sessionID string, store *Store, workflows *WorkflowSet, archive history.Repository, journal Journal, logger *slog.Logger) *Dispatcher {
	if journal == nil {
		journal = NopJournal{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		userID:    userID,
		sessionID: sessionID,
		store:     store,
		workflows: workflows,
		archive:   archive,
		journal:   journal,
		logger:    logger,
	}
}

// Dispatch applies a terminal result to the exchange and activates follow-up
// workflows. A nil or non-completed result takes the failure path.
func (d *Dispatcher) Dispatch(ctx context.Context, exchangeID string, result *domain.AnalysisResult) {
	if result == nil || result.Status != domain.TaskCompleted {
		d.Fail(ctx, exchangeID, ErrAnalysisFailed)
		return
	}

	if err := d.store.Resolve(exchangeID, result.ReplyText, result.Analysis); err != nil {
		// Closed store means the conversation was torn down mid-poll; the
		// result is dropped on purpose.
		d.logger.Warn("Could not resolve exchange", "exchange_id", exchangeID, "error", err)
		return
	}

	d.journal.Log(JournalEvent{
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		UserID:     d.userID,
		SessionID:  d.sessionID,
		EventType:  "assistant_reply",
		ExchangeID: exchangeID,
		Content:    result.ReplyText,
	})
	d.archiveExchange(ctx, exchangeID)

	// The three checks are independent and unconditional: crisis takes
	// precedence in user attention but never blocks the other two.
	if result.Crisis != nil && result.Crisis.Severe() {
		d.activate(&domain.WorkflowState{
			Type:       domain.WorkflowCrisis,
			ExchangeID: exchangeID,
			Crisis:     result.Crisis,
		})
	}
	if result.ActionPlan != nil && result.ActionPlan.ShouldSuggest {
		d.activate(&domain.WorkflowState{
			Type:       domain.WorkflowActionPlan,
			ExchangeID: exchangeID,
			ActionPlan: result.ActionPlan,
		})
	}
	if result.Schedule != nil && result.Schedule.ShouldSuggest {
		d.activate(&domain.WorkflowState{
			Type:       domain.WorkflowSchedule,
			ExchangeID: exchangeID,
			Schedule:   result.Schedule,
		})
	}
}

// Fail transitions the exchange to failed with the generic user-facing
// message. This is the one place an error becomes user-visible.
func (d *Dispatcher) Fail(ctx context.Context, exchangeID string, cause error) {
	if err := d.store.Fail(exchangeID, failureReply); err != nil {
		d.logger.Warn("Could not fail exchange", "exchange_id", exchangeID, "error", err)
		return
	}

	d.logger.Error("Exchange failed",
		"exchange_id", exchangeID,
		"user_id", d.userID,
		"session_id", d.sessionID,
		"cause", cause,
	)
	d.journal.Log(JournalEvent{
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		UserID:     d.userID,
		SessionID:  d.sessionID,
		EventType:  "exchange_failed",
		ExchangeID: exchangeID,
		Meta:       map[string]any{"cause": cause.Error()},
	})
	d.archiveExchange(ctx, exchangeID)
}

func (d *Dispatcher) activate(state *domain.WorkflowState) {
	d.workflows.Activate(state)
	d.logger.Info("Workflow activated",
		"type", state.Type,
		"exchange_id", state.ExchangeID,
		"user_id", d.userID,
	)
	d.journal.Log(JournalEvent{
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		UserID:     d.userID,
		SessionID:  d.sessionID,
		EventType:  "workflow_activated",
		ExchangeID: state.ExchangeID,
		Meta:       map[string]any{"workflow": string(state.Type)},
	})
}

func (d *Dispatcher) archiveExchange(ctx context.Context, exchangeID string) {
	if d.archive == nil {
		return
	}
	ex, ok := d.store.Get(exchangeID)
	if !ok {
		return
	}
	err := d.archive.SaveExchange(ctx, &history.Entry{
		UserID:     d.userID,
		SessionID:  d.sessionID,
		Exchange:   ex,
		ArchivedAt: time.Now(),
	})
	if err != nil {
		d.logger.Warn("Failed to archive exchange", "exchange_id", exchangeID, "error", err)
	}
}
