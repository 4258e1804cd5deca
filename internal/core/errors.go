package core

import "errors"

var (
	// ErrBadKeyMaterial indicates the configured private key could not be parsed.
	ErrBadKeyMaterial = errors.New("bad key material")
	// ErrRateLimited indicates 429 retries were exhausted.
	ErrRateLimited = errors.New("rate limited")
	// ErrRefreshInFlight indicates a refresh cycle is already running.
	ErrRefreshInFlight = errors.New("refresh already in progress")
	// ErrOrderUnsupported indicates market order placement has no implementation.
	ErrOrderUnsupported = errors.New("market order placement not supported")
)
