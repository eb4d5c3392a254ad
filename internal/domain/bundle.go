package domain

import "time"

type BundleStatus string

const (
	BundleStatusSuccess BundleStatus = "success"
	BundleStatusFailed  BundleStatus = "failed"
)

type FailureReason string

const (
	// FailureReasonError means the source reported a terminal failure.
	FailureReasonError FailureReason = "error"
	// FailureReasonMissing means the source never reported within the grace
	// window and was treated as an implicit failure.
	FailureReasonMissing FailureReason = "missing"
)

// SourceFailure describes why one source did not complete. Errored and
// never-reported sources are kept distinguishable for diagnostics.
type SourceFailure struct {
	SourceID  string        `json:"source_id"`
	Reason    FailureReason `json:"reason"`
	ErrorCode string        `json:"error_code,omitempty"`
	Message   string        `json:"message"`
}

// CompletionBundle is the single aggregated outcome emitted once per
// execution to the downstream materialization consumer.
type CompletionBundle struct {
	RequestID     string          `json:"request_id"`
	AccountID     string          `json:"account_id"`
	EventType     string          `json:"event_type"`
	DateFrom      time.Time       `json:"date_from"`
	DateTo        time.Time       `json:"date_to"`
	OverallStatus BundleStatus    `json:"overall_status"`
	Failures      []SourceFailure `json:"failures,omitempty"`
}

func (b *CompletionBundle) FailedSourceIDs() []string {
	ids := make([]string, 0, len(b.Failures))
	for _, f := range b.Failures {
		ids = append(ids, f.SourceID)
	}
	return ids
}

func (b *CompletionBundle) ErrorMessages() []string {
	msgs := make([]string, 0, len(b.Failures))
	for _, f := range b.Failures {
		msgs = append(msgs, f.Message)
	}
	return msgs
}
