package constants

// Realtime transport defaults
const (
	DefaultSocketPath            = "/socket.io/"
	DefaultReconnectAttempts     = 5
	DefaultReconnectDelayMs      = 3000
	DefaultMaxReconnectDelayMs   = 10000
	DefaultConnectTimeoutMs      = 20000
	DefaultPingIntervalMs        = 25000
	DefaultPingTimeoutMs         = 20000
	DefaultSocketReadLimitBytes  = 1 << 20
	DefaultSocketWriteTimeoutSec = 5
	DefaultDispatchQueueSize     = 256
)

// Chat engine defaults
const (
	DefaultTextAckTimeoutSec  = 30
	DefaultImageAckTimeoutSec = 60
	DefaultDedupWindowMs      = 1000
	DefaultTypingIdleMs       = 3000
	DefaultTypingThrottleMs   = 2000
	DefaultMaxImageBytes      = 5 << 20
)

// Admin REST client defaults
const (
	DefaultAPITimeoutSec          = 15
	DefaultAPIRetryCount          = 3
	DefaultBreakerMaxFailures     = 5
	DefaultBreakerOpenTimeoutSec  = 30
	DefaultHistoryFetchTimeoutSec = 20
	DefaultRetryBackoffMs         = 500
	DefaultMaxBackoffMs           = 5000
	DefaultMaxAttempts            = 3
)

// Notification feed defaults
const (
	DefaultNotificationPollSec    = 30
	DefaultNotificationTimeoutSec = 10
)

// Control API and process defaults
const (
	DefaultServerHost            = "127.0.0.1"
	DefaultServerPort            = 8090
	DefaultServerReadTimeoutSec  = 15
	DefaultServerWriteTimeoutSec = 15
	DefaultServerIdleTimeoutSec  = 60
	DefaultGracefulShutdownSec   = 10
	DefaultDatabaseRetryAttempts = 3
	DefaultCommandTimeoutSec     = 10
)

// Privacy settings
const (
	DefaultIDMaskLength = 4
)

// Local cache encryption
const (
	EnvEncryptionSecret         = "ADMINCHAT_ENCRYPTION_SECRET"
	EncryptionSalt              = "adminchat-notification-cache-v1"
	MinEncryptionSecretLen      = 32
	DefaultNotificationKeepDays = 30
)
