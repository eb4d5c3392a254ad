package domain

import "time"

type ExecutionStatus string

const (
	ExecutionStatusNew        ExecutionStatus = "new"
	ExecutionStatusInProgress ExecutionStatus = "in_progress"
	ExecutionStatusCompleted  ExecutionStatus = "completed"
	ExecutionStatusFailed     ExecutionStatus = "failed"
)

// Execution is one orchestrated run of an (account, event type, date range)
// combination. It is created once by the orchestrator and its counters are
// advanced by workers as individual sources resolve. Rows are never deleted.
type Execution struct {
	RequestID        string          `json:"request_id"`
	AccountID        string          `json:"account_id"`
	EventType        string          `json:"event_type"`
	DateFrom         time.Time       `json:"date_from"`
	DateTo           time.Time       `json:"date_to"`
	Status           ExecutionStatus `json:"status"`
	TotalSources     int             `json:"total_sources"`
	CompletedSources int             `json:"completed_sources"`
	FailedSources    int             `json:"failed_sources"`
	StartedAt        time.Time       `json:"started_at"`
	EndedAt          *time.Time      `json:"ended_at,omitempty"`
	AggregatedAt     *time.Time      `json:"aggregated_at,omitempty"`
}

func (e *Execution) IsTerminal() bool {
	return e.Status == ExecutionStatusCompleted || e.Status == ExecutionStatusFailed
}

// AllSourcesResolved reports whether every source has reached a terminal
// outcome. completed + failed never exceeds total (enforced by conditional
// counter updates), so equality is the release condition for aggregation.
func (e *Execution) AllSourcesResolved() bool {
	return e.CompletedSources+e.FailedSources >= e.TotalSources
}
