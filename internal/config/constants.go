package config

import "time"

// Application constants - engine tunables for the KeyGate license service.
// These are deliberately constants, not configuration: the cache windows and
// batch thresholds are part of the engine's correctness and cost model.
const (
	// Application Info
	AppName    = "KeyGate"
	AppVersion = "2.0.0"

	// License System Constants
	LicenseKeyPrefix     = "LIC"
	MaxDevicesPerLicense = 1
	MaxBulkGenerate      = 100

	// HWID Format Validation
	HwidMinLength = 10
	HwidMaxLength = 256

	// Input sanitizing
	MaxSanitizedLength = 200

	// Cache Settings
	LicenseCacheTTL   = 10 * time.Minute
	ValidationSkipTTL = 5 * time.Minute
	SettingsCacheTTL  = 30 * time.Minute
	BanlistCacheTTL   = 30 * time.Minute
	JanitorInterval   = 15 * time.Minute

	// Activity Logging
	ActivityBatchSize     = 50
	ActivityFlushInterval = 5 * time.Minute
	ActivityBufferCap     = 5000

	// Write amortization: a successful validation persists the record only
	// every Nth validation.
	ValidationPersistEvery = 10

	// Reset Requests
	ResetRequestsPerHour = 3
	ResetDeniedCooldown  = 24 * time.Hour

	// Security Constants
	TokenExpiryDuration = 12 * time.Hour

	// Rate Limiting
	DefaultRateLimit = 100 // requests per second per client
	DefaultBurstSize = 50
	LoginRateLimit   = 10

	// Network Timeouts
	DefaultHTTPTimeout = 30 * time.Second
	StoreTimeout       = 10 * time.Second
	WebhookTimeout     = 5 * time.Second
)
