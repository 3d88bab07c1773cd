package utils

import "time"

// Default timeout constants for the HTTP server
const (
	// DefaultReadHeaderTimeout bounds how long a client may take to send request headers
	DefaultReadHeaderTimeout = 10 * time.Second

	// DefaultReadTimeout is the default timeout for reading a whole request
	DefaultReadTimeout = 30 * time.Second

	// DefaultWriteTimeout is the default timeout for writing a response
	DefaultWriteTimeout = 30 * time.Second

	// DefaultIdleTimeout is the default timeout for idle keep-alive connections
	DefaultIdleTimeout = 90 * time.Second

	// DefaultShutdownTimeout bounds graceful server shutdown
	DefaultShutdownTimeout = 10 * time.Second
)
