package companion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/kindredhq/kindred/internal/config"
	"github.com/kindredhq/kindred/internal/domain"
)

// HTTPBackend talks to the analysis backend over HTTP JSON.
//
// Routes are an implementation detail of this client, not part of the Backend
// contract: POST {base}/v1/chat/messages submits a turn, GET
// {base}/v1/tasks/{id} queries a deferred computation.
type HTTPBackend struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// NewHTTPBackend creates an HTTP client for the analysis backend.
func NewHTTPBackend(cfg config.BackendConfig, logger *slog.Logger) *HTTPBackend {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPBackend{
		baseURL: cfg.BaseURL,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// submitResponse is the wire shape of a submission reply. The backend either
// answers inline (reply_text and friends) or defers with a task_id.
type submitResponse struct {
	TaskID     string                       `json:"task_id,omitempty"`
	ReplyText  string                       `json:"reply_text,omitempty"`
	Analysis   *domain.Analysis             `json:"analysis,omitempty"`
	Crisis     *domain.CrisisAssessment     `json:"crisis_assessment,omitempty"`
	ActionPlan *domain.ActionPlanSuggestion `json:"action_plan_suggestion,omitempty"`
	Schedule   *domain.ScheduleSuggestion   `json:"schedule_suggestion,omitempty"`
}

// Submit sends a user turn to the backend.
func (b *HTTPBackend) Submit(ctx context.Context, req SubmitRequest) (*SubmitOutcome, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal submit request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/v1/chat/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build submit request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("submit message: %w", err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return nil, fmt.Errorf("submit message: backend returned %s", resp.Status)
	}

	var wire submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("decode submit response: %w", err)
	}

	if wire.TaskID != "" {
		b.logger.Debug("Backend deferred submission", "task_id", wire.TaskID, "user_id", req.UserID)
		return &SubmitOutcome{TaskID: wire.TaskID}, nil
	}

	// Inline answer: synthesize a completed result.
	return &SubmitOutcome{Result: &domain.AnalysisResult{
		Status:     domain.TaskCompleted,
		ReplyText:  wire.ReplyText,
		Analysis:   wire.Analysis,
		Crisis:     wire.Crisis,
		ActionPlan: wire.ActionPlan,
		Schedule:   wire.Schedule,
	}}, nil
}

// QueryTask fetches the state of a deferred computation. A 404 from the
// backend maps to ErrTaskNotFound; any other non-200 is a transient error.
func (b *HTTPBackend) QueryTask(ctx context.Context, taskID string) (*domain.AnalysisResult, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/v1/tasks/"+url.PathEscape(taskID), nil)
	if err != nil {
		return nil, fmt.Errorf("build task query: %w", err)
	}

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("query task %s: %w", taskID, err)
	}
	defer drainAndClose(resp.Body)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("query task %s: %w", taskID, ErrTaskNotFound)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("query task %s: backend returned %s", taskID, resp.Status)
	}

	var result domain.AnalysisResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode task %s response: %w", taskID, err)
	}
	return &result, nil
}

// drainAndClose fully reads and closes a response body so the underlying
// connection can be reused.
func drainAndClose(body io.ReadCloser) {
	if _, err := io.Copy(io.Discard, io.LimitReader(body, 1<<20)); err != nil {
		slog.Debug("failed to drain response body", "error", err)
	}
	if err := body.Close(); err != nil {
		slog.Debug("failed to close response body", "error", err)
	}
}
