package domain

import "errors"

var (
	// ErrInvalidQuery is returned when a query is rejected before dispatch
	ErrInvalidQuery = errors.New("invalid query")

	// ErrNoDataAvailable is returned when every requested source failed or nothing survived filtering
	ErrNoDataAvailable = errors.New("no data available")

	// ErrPartialData marks a result where some, but not all, sources failed
	ErrPartialData = errors.New("partial data")

	// ErrClarificationNeeded is returned when the user has to be re-prompted
	ErrClarificationNeeded = errors.New("clarification needed")

	// ErrCapabilityUnavailable is returned when persistence or the assistant stays down across repeated attempts
	ErrCapabilityUnavailable = errors.New("capability unavailable")

	// ErrSourceUnavailable is returned by adapters when the source is unreachable or blocked
	ErrSourceUnavailable = errors.New("source unavailable")

	// ErrSourceTimeout is returned by adapters when the source did not answer in time
	ErrSourceTimeout = errors.New("source timeout")

	// ErrSourceEmpty is returned by adapters for a valid call with no matches
	ErrSourceEmpty = errors.New("source returned no matches")

	// ErrCacheMiss is returned when data is not found in cache
	ErrCacheMiss = errors.New("cache miss")

	// ErrCacheUnavailable is returned when cache service is unavailable
	ErrCacheUnavailable = errors.New("cache service unavailable")

	// ErrSessionNotFound is returned when no session is stored under the id
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionCorrupt is returned when a stored session cannot be decoded or fails validation
	ErrSessionCorrupt = errors.New("session state corrupt")

	// ErrIntentUnparseable is returned when the assistant answers with output we cannot use
	ErrIntentUnparseable = errors.New("assistant output unparseable")

	// ErrAssistantUnavailable is returned when the assistant cannot be reached
	ErrAssistantUnavailable = errors.New("assistant unavailable")
)
