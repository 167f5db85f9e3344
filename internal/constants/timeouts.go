package constants

import "time"

const (
	// ExpirySafetyBuffer is subtracted from upstream expiresIn when computing
	// the local expiry instant.
	ExpirySafetyBuffer = 60 * time.Second

	// DefaultExpiresIn is assumed when the upstream omits expiresIn.
	DefaultExpiresIn = 3600 * time.Second

	// HealthProbeSpacing throttles consecutive health probes to avoid
	// tripping upstream rate limits.
	HealthProbeSpacing = 1 * time.Second

	// HealthLoopErrorBackoff is how long the health loop sleeps after a
	// cycle-level error (e.g. store unreachable) before retrying.
	HealthLoopErrorBackoff = 60 * time.Second

	// ServerShutdownTimeout bounds graceful HTTP server shutdown.
	ServerShutdownTimeout = 30 * time.Second
)
