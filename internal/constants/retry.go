package constants

import "time"

// Token refresh retry policy. RefreshMaxRetries counts retries after the
// initial attempt, so a fully failing refresh hits upstream 4 times.
const (
	RefreshMaxRetries    = 3
	RefreshBaseDelay     = 1 * time.Second
	RefreshBackoffFactor = 2
)

// RefreshRequestTimeout bounds a single upstream refresh HTTP call.
const RefreshRequestTimeout = 30 * time.Second
