package fetch

import (
	"fmt"
	"net/http"
)

// HTTPError is returned when a provider endpoint answers with a non-2xx
// status. The response headers are kept so the backoff classifier can honor
// Retry-After and provider-specific rate-limit-reset hints.
type HTTPError struct {
	StatusCode int
	Header     http.Header
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("snapshot request failed with status %d", e.StatusCode)
}
