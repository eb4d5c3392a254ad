package domain

import "time"

// ExecutionUnit is the dispatched message representing "fetch this one source
// for this execution". It is produced by the orchestrator, routed through the
// provider-keyed dispatch sink, and consumed by a worker. Units are values and
// never mutated after creation; a retry is a fresh unit.
type ExecutionUnit struct {
	RequestID    string `json:"request_id"`
	AccountID    string `json:"account_id"`
	EventType    string `json:"event_type"`
	SourceID     string `json:"source_id"`
	Provider     string `json:"provider"`
	SourceHandle string `json:"source_handle"`
	// RateLimitGroup selects the bucket configuration for the provider
	// endpoint group this source is fetched from.
	RateLimitGroup string    `json:"rate_limit_group,omitempty"`
	DateFrom       time.Time `json:"date_from"`
	DateTo         time.Time `json:"date_to"`
	// NotBefore is set on delayed redeliveries coming back through the
	// outbox; zero for first dispatch.
	NotBefore *time.Time `json:"not_before,omitempty"`
}

// AggregateKey identifies the source state this unit reports against.
func (u ExecutionUnit) AggregateKey() string {
	return u.Key().String()
}
