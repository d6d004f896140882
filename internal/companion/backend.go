// Package companion implements the asynchronous chat orchestration core: it
// owns conversation state, submits user turns to the analysis backend, polls
// deferred computations, and fans completed results out to follow-up
// workflows.
package companion

import (
	"context"
	"errors"

	"github.com/kindredhq/kindred/internal/domain"
)

var (
	// ErrTaskNotFound means the backend does not know the task handle. The
	// task was never properly created; polling again can never succeed.
	ErrTaskNotFound = errors.New("task not found")

	// ErrAnalysisFailed means the backend reported that the computation
	// itself failed. Retrying would repeat the same failed computation.
	ErrAnalysisFailed = errors.New("analysis computation failed")

	// ErrEmptyMessage is returned by Send for blank input.
	ErrEmptyMessage = errors.New("message is required")
)

// ContextTurn is one prior turn handed to the backend as conversation context.
type ContextTurn struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// SubmitRequest carries a user turn to the analysis backend.
type SubmitRequest struct {
	UserID    string        `json:"user_id"`
	SessionID string        `json:"session_id"`
	Message   string        `json:"message"`
	Context   []ContextTurn `json:"context,omitempty"`
}

// SubmitOutcome is the backend's answer to a submission: either an inline
// result (Result non-nil) or a deferred task handle (TaskID non-empty). The
// backend decides which.
type SubmitOutcome struct {
	TaskID string
	Result *domain.AnalysisResult
}

// Deferred reports whether the backend handed back a task to poll.
func (o *SubmitOutcome) Deferred() bool {
	return o.TaskID != ""
}

// Backend is the analysis service the companion orchestrates. Implementations
// must return ErrTaskNotFound (possibly wrapped) from QueryTask when the
// handle is unknown, so the poller can distinguish a vanished task from a
// transient network error.
type Backend interface {
	Submit(ctx context.Context, req SubmitRequest) (*SubmitOutcome, error)
	QueryTask(ctx context.Context, taskID string) (*domain.AnalysisResult, error)
}
