package domain

import "time"

// BackgroundTask is a handle to an in-flight server-side analysis computation.
// It exists only while the owning exchange is pending; once the exchange
// reaches a terminal state the handle is dropped.
type BackgroundTask struct {
	TaskID          string
	OwnerExchangeID string

	// Attempt and NextDelay are the poller's backoff state.
	Attempt   int
	NextDelay time.Duration
}
