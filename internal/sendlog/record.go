package sendlog

import (
	"context"
	"errors"
	"time"
)

type Status string

const (
	StatusNotSent Status = "NOT_SENT"
	StatusSending Status = "SENDING"
	StatusSent    Status = "SENT"
	StatusFailed  Status = "FAILED"
	StatusSkipped Status = "SKIPPED"
)

func (s Status) IsValid() bool {
	switch s {
	case StatusNotSent, StatusSending, StatusSent, StatusFailed, StatusSkipped:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition can happen from s.
func (s Status) IsTerminal() bool {
	return s == StatusSent || s == StatusFailed || s == StatusSkipped
}

var (
	ErrAlreadySent       = errors.New("target already has a sent record")
	ErrInFlight          = errors.New("target has a send in progress")
	ErrNotFound          = errors.New("send record not found")
	ErrInvalidTransition = errors.New("invalid send record transition")
)

// Record is one row per dispatch attempt per target.
type Record struct {
	ID                    string     `json:"id"`
	TargetID              string     `json:"target_id"`
	RawPhoneNumber        string     `json:"raw_phone_number"`
	NormalizedPhoneNumber *string    `json:"normalized_phone_number"`
	MessageBody           string     `json:"message_body"`
	Status                Status     `json:"status"`
	IdempotencyReference  string     `json:"idempotency_reference,omitempty"`
	ProviderMessageID     *string    `json:"provider_message_id"`
	ErrorDetail           *string    `json:"error_detail"`
	SentAt                *time.Time `json:"sent_at"`
	CreatedAt             time.Time  `json:"created_at"`
}

// Outcome is the single terminal update applied to a SENDING record.
type Outcome struct {
	Status            Status
	ProviderMessageID string
	ErrorDetail       string
	At                time.Time
}

// Store persists send records. Implementations must make Begin atomic per
// target so that two concurrent dispatches cannot both start a send.
type Store interface {
	// Begin inserts a SENDING record unless the target already has a SENT
	// record (ErrAlreadySent) or a SENDING record younger than the store's
	// in-flight window (ErrInFlight).
	Begin(ctx context.Context, rec Record) (Record, error)
	// Skip inserts a terminal SKIPPED record.
	Skip(ctx context.Context, rec Record) (Record, error)
	// Complete moves a SENDING record to SENT or FAILED exactly once.
	Complete(ctx context.Context, id string, out Outcome) (Record, error)
	// Latest returns the most recent record for a target.
	Latest(ctx context.Context, targetID string) (Record, bool, error)
	ListByTarget(ctx context.Context, targetID string, limit int) ([]Record, error)
	ListByStatus(ctx context.Context, status Status, limit, offset int) ([]Record, error)
}

func validateOutcome(out Outcome) error {
	if out.Status != StatusSent && out.Status != StatusFailed {
		return ErrInvalidTransition
	}
	return nil
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

const (
	defaultListLimit   = 50
	maxListLimit       = 500
	DefaultInFlightTTL = 10 * time.Minute
)

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
