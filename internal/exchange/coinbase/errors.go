package coinbase

import (
	"fmt"
	"strings"
	"time"

	"coin-pilot/internal/core"
)

// APIError is a non-2xx, non-429 response. It is never retried.
type APIError struct {
	Status int
	Body   string
}

func (e APIError) Error() string {
	return fmt.Sprintf("coinbase http error %d: %s", e.Status, strings.TrimSpace(e.Body))
}

// RateLimitError is returned once the bounded 429 retry loop is exhausted.
type RateLimitError struct {
	Attempts int
	LastWait time.Duration
}

func (e RateLimitError) Error() string {
	return fmt.Sprintf("coinbase rate limit: %d attempts exhausted, last retry-after %s", e.Attempts, e.LastWait)
}

func (e RateLimitError) Is(target error) bool {
	return target == core.ErrRateLimited
}
