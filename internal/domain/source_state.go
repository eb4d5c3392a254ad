package domain

import "time"

type SourceStatus string

const (
	SourceStatusNew            SourceStatus = "new"
	SourceStatusInProgress     SourceStatus = "in_progress"
	SourceStatusRetryScheduled SourceStatus = "retry_scheduled"
	SourceStatusCompleted      SourceStatus = "completed"
	SourceStatusFailedTerminal SourceStatus = "failed_terminal"
)

// SourceState tracks the retry/progress state of one (requestId, eventType,
// sourceId) unit of work. All transitions after creation go through the
// repository's conditional update, which only succeeds from an expected prior
// status; the mutators below mirror those transitions on the in-memory copy.
type SourceState struct {
	RequestID        string       `json:"request_id"`
	EventType        string       `json:"event_type"`
	SourceID         string       `json:"source_id"`
	Provider         string       `json:"provider"`
	Handle           string       `json:"handle"`
	Status           SourceStatus `json:"status"`
	Attempt          int          `json:"attempt"`
	MaxAttempts      int          `json:"max_attempts"`
	NextAttemptAt    *time.Time   `json:"next_attempt_at,omitempty"`
	LastErrorCode    *string      `json:"last_error_code,omitempty"`
	LastErrorMessage *string      `json:"last_error_message,omitempty"`
	LastErrorAt      *time.Time   `json:"last_error_at,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

func (s *SourceState) IsTerminal() bool {
	return s.Status == SourceStatusCompleted || s.Status == SourceStatusFailedTerminal
}

func (s *SourceState) CanRetry() bool {
	return s.Attempt < s.MaxAttempts
}

func (s *SourceState) MarkCompleted(now time.Time) {
	s.Status = SourceStatusCompleted
	s.UpdatedAt = now
}

func (s *SourceState) MarkRetryScheduled(nextAttempt time.Time, errCode, errMsg string, now time.Time) {
	s.Status = SourceStatusRetryScheduled
	s.Attempt++
	s.NextAttemptAt = &nextAttempt
	s.LastErrorCode = &errCode
	s.LastErrorMessage = &errMsg
	s.LastErrorAt = &now
	s.UpdatedAt = now
}

func (s *SourceState) MarkFailedTerminal(errCode, errMsg string, now time.Time) {
	s.Status = SourceStatusFailedTerminal
	s.Attempt++
	s.NextAttemptAt = nil
	s.LastErrorCode = &errCode
	s.LastErrorMessage = &errMsg
	s.LastErrorAt = &now
	s.UpdatedAt = now
}
