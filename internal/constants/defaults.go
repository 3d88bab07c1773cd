package constants

import "time"

// Environment variables read at startup.
const (
	EnvLogLevel     = "LOG_LEVEL"
	EnvHost         = "SELFTUNE_HOST"
	EnvPort         = "SELFTUNE_PORT"
	EnvRedisAddr    = "SELFTUNE_REDIS_ADDR"
	EnvEmitInterval = "SELFTUNE_EMIT_INTERVAL"
)

// Service defaults
const (
	DefaultHost = "0.0.0.0"
	DefaultPort = "8090"

	// DefaultRedisKey is the list key that mirrors the configuration history.
	DefaultRedisKey = "helix:snapshots"

	DefaultSnapshotCapacity     = 500
	DefaultMaxActiveExperiments = 8

	DefaultPollInterval         = 10 * time.Second
	DefaultHousekeepingInterval = 30 * time.Second
	DefaultExecutorRetryBackoff = 250 * time.Millisecond

	// DefaultRollbackSearchWindow bounds how far back a critical anomaly looks for a known-good snapshot.
	DefaultRollbackSearchWindow = 10 * time.Minute

	// MaxRecentAnomalies caps the anomaly list kept for status reporting.
	MaxRecentAnomalies = 100
)
