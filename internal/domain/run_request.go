package domain

import (
	"fmt"
	"time"
)

// RunRequest is the validated input of run submission.
type RunRequest struct {
	AccountID string    `json:"account_id"`
	EventType string    `json:"event_type"`
	DateFrom  time.Time `json:"date_from"`
	DateTo    time.Time `json:"date_to"`
}

func (r RunRequest) Validate() error {
	if r.AccountID == "" {
		return fmt.Errorf("%w: account_id is required", ErrInvalidRequest)
	}
	if r.EventType == "" {
		return fmt.Errorf("%w: event_type is required", ErrInvalidRequest)
	}
	if r.DateFrom.IsZero() || r.DateTo.IsZero() {
		return fmt.Errorf("%w: date_from and date_to are required", ErrInvalidRequest)
	}
	if r.DateFrom.After(r.DateTo) {
		return fmt.Errorf("%w: date_from is after date_to", ErrInvalidRequest)
	}
	return nil
}

// Source is one registry entry: a fetchable upstream data source of a
// provider, resolved at plan time against the account's active connections.
type Source struct {
	Provider       string `json:"provider"`
	SourceID       string `json:"source_id"`
	Handle         string `json:"handle"`
	RateLimitGroup string `json:"rate_limit_group"`
}
