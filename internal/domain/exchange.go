// Package domain contains core domain types for the Kindred companion.
package domain

import (
	"time"
)

// ExchangeState tracks the lifecycle of a single conversation turn.
type ExchangeState string

const (
	// ExchangePending indicates the reply is still being computed.
	ExchangePending ExchangeState = "pending"
	// ExchangeResolved indicates the reply arrived and is final.
	ExchangeResolved ExchangeState = "resolved"
	// ExchangeFailed indicates the turn ended in an error shown to the user.
	ExchangeFailed ExchangeState = "failed"
)

// Exchange represents one user message and its eventual companion reply,
// tracked as a single lifecycle unit. An exchange is created Pending and
// transitions at most once, to Resolved or Failed.
type Exchange struct {
	ID       string        `json:"id"`
	UserText string        `json:"user_text"`
	State    ExchangeState `json:"state"`

	// ReplyText and Analysis are set if and only if State is resolved.
	ReplyText string    `json:"reply_text,omitempty"`
	Analysis  *Analysis `json:"analysis,omitempty"`

	// ErrorText carries the user-facing message when State is failed.
	ErrorText string `json:"error_text,omitempty"`

	// StillWorking marks a pending exchange whose background computation
	// outlived the polling budget. The client may render "taking longer
	// than expected"; the exchange is not failed.
	StillWorking bool `json:"still_working,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Terminal returns true once the exchange reached a final state.
func (e *Exchange) Terminal() bool {
	return e.State == ExchangeResolved || e.State == ExchangeFailed
}
