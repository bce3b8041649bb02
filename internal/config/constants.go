package config

import "time"

// Database connection pool settings
const (
	DBMaxOpenConns    = 25
	DBMaxIdleConns    = 5
	DBConnMaxLifetime = 5 * time.Minute
)

// HTTP server timeouts
const (
	ServerRequestTimeout  = 60 * time.Second
	ServerReadTimeout     = 15 * time.Second
	ServerIdleTimeout     = 120 * time.Second
	ServerShutdownTimeout = 30 * time.Second
)

// Database ping timeout for health checks
const DBPingTimeout = 5 * time.Second

// Background job intervals
const CleanupJobInterval = 5 * time.Minute

// Rate limiting windows for the public provisioning endpoints
const (
	ClaimRateLimitWindow    = time.Minute
	RegisterRateLimitPerMin = 30
)

// Per-caller limit on the authenticated endpoints
const (
	UserRateLimitPerMin = 120
	UserRateLimitWindow = time.Minute
)

// Provisioning code shape
const (
	ProvisionCodeDigits      = 4
	ProvisionCodeMaxAttempts = 10
)

// Device id bounds for manual entry
const (
	DeviceIDMinLength = 6
	DeviceIDMaxLength = 12
)

// Request body limit for JSON endpoints
const MaxRequestBodyBytes = 64 << 10
