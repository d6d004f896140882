package companion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kindredhq/kindred/internal/config"
	"github.com/kindredhq/kindred/internal/domain"
)

// Poller drives a deferred backend computation to a terminal state.
//
// The schedule is an explicit state machine on the task handle (attempt,
// next delay) rather than timer-callback recursion, so the backoff policy is
// a pure function and tests inject a fake clock. Outcome handling is
// deliberately differentiated:
//
//   - still processing: wait and retry, up to the attempt budget; exhausting
//     the budget is a soft timeout, logged but not an error
//   - backend-reported failure: permanent, no retry
//   - task not found: permanent, no retry; the handle can never succeed
//   - transient query error: bounded retries at a fixed short delay
type Poller struct {
	backend Backend
	clock   Clock
	cfg     config.PollerConfig
	logger  *slog.Logger
}

// NewPoller creates a poller over the given backend and clock.
func NewPoller(backend Backend, clock Clock, cfg config.PollerConfig, logger *slog.Logger) *Poller {
	if clock == nil {
		clock = SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{backend: backend, clock: clock, cfg: cfg, logger: logger}
}

// Poll queries the task until it reaches a terminal state or the attempt
// budget runs out. On soft timeout both return values are nil: the backend
// may still complete the work, but the client stops waiting and the owning
// exchange stays pending.
func (p *Poller) Poll(ctx context.Context, task *domain.BackgroundTask) (*domain.AnalysisResult, error) {
	task.Attempt = 1
	task.NextDelay = p.cfg.InitialDelay
	transientFailures := 0

	for {
		result, err := p.backend.QueryTask(ctx, task.TaskID)
		if err != nil {
			if errors.Is(err, ErrTaskNotFound) {
				// The task was never properly created; retrying cannot help.
				return nil, err
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			transientFailures++
			if transientFailures >= p.cfg.TransientRetries {
				return nil, fmt.Errorf("poll task %s: %d transient errors: %w", task.TaskID, transientFailures, err)
			}
			p.logger.Warn("Transient poll error, retrying",
				"task_id", task.TaskID,
				"failures", transientFailures,
				"error", err,
			)
			if sleepErr := p.clock.Sleep(ctx, p.cfg.TransientDelay); sleepErr != nil {
				return nil, sleepErr
			}
			continue
		}

		switch result.Status {
		case domain.TaskCompleted:
			return result, nil

		case domain.TaskErrored:
			if result.ErrorMessage != "" {
				return nil, fmt.Errorf("%w: %s", ErrAnalysisFailed, result.ErrorMessage)
			}
			return nil, ErrAnalysisFailed

		case domain.TaskProcessing:
			if task.Attempt >= p.cfg.MaxAttempts {
				// Soft timeout. Not surfaced as failure: the computation may
				// still land server-side, the client just stops waiting.
				p.logger.Warn("Task still processing after polling budget, abandoning wait",
					"task_id", task.TaskID,
					"exchange_id", task.OwnerExchangeID,
					"attempts", task.Attempt,
				)
				return nil, nil
			}
			if sleepErr := p.clock.Sleep(ctx, task.NextDelay); sleepErr != nil {
				return nil, sleepErr
			}
			task.NextDelay = NextDelay(task.NextDelay, p.cfg)
			task.Attempt++

		default:
			return nil, fmt.Errorf("task %s: unknown status %q", task.TaskID, result.Status)
		}
	}
}

// NextDelay applies one backoff step: multiply the delay, capped at MaxDelay.
// Pure so the schedule is testable in isolation.
func NextDelay(d time.Duration, cfg config.PollerConfig) time.Duration {
	next := time.Duration(float64(d) * cfg.Multiplier)
	if next > cfg.MaxDelay {
		next = cfg.MaxDelay
	}
	return next
}
