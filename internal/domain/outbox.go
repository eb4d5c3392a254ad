package domain

import (
	"encoding/json"
	"time"
)

type OutboxStatus string

const (
	OutboxStatusNew    OutboxStatus = "new"
	OutboxStatusSent   OutboxStatus = "sent"
	OutboxStatusFailed OutboxStatus = "failed"
)

// OutboxRow is one durably queued retry. A row moves NEW -> SENT or
// NEW -> FAILED exactly once; a failed publish is not retried at the outbox
// level, the source state's attempt counter governs further chances.
type OutboxRow struct {
	ID           int64           `json:"id"`
	AggregateKey string          `json:"aggregate_key"`
	Payload      json.RawMessage `json:"payload"`
	TTLMillis    int64           `json:"ttl_millis"`
	NotBefore    time.Time       `json:"not_before"`
	Status       OutboxStatus    `json:"status"`
	CreatedAt    time.Time       `json:"created_at"`
}

// SourceKey is the composite identity of one source state.
type SourceKey struct {
	RequestID string
	EventType string
	SourceID  string
}

func (k SourceKey) String() string {
	return k.RequestID + "|" + k.EventType + "|" + k.SourceID
}

// Key returns the source state this unit reports against.
func (u ExecutionUnit) Key() SourceKey {
	return SourceKey{RequestID: u.RequestID, EventType: u.EventType, SourceID: u.SourceID}
}
