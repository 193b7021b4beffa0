package models

// Config holds the application configuration
type Config struct {
	API           APIConfig          `json:"api"`
	Socket        SocketConfig       `json:"socket"`
	Chat          ChatConfig         `json:"chat"`
	Notifications NotificationConfig `json:"notifications"`
	Database      DatabaseConfig     `json:"database"`
	Retry         RetryConfig        `json:"retry"`
	Server        ServerConfig       `json:"server"`
	Tracing       TracingConfig      `json:"tracing"`
	Admin         AdminCredentials   `json:"admin"`
	LogLevel      string             `json:"log_level"`
}

// APIConfig holds the admin REST backend settings
type APIConfig struct {
	BaseURL               string `json:"base_url"`
	TimeoutSec            int    `json:"timeout_sec"`
	RetryCount            int    `json:"retry_count"`
	BreakerMaxFailures    int    `json:"breaker_max_failures"`
	BreakerOpenTimeoutSec int    `json:"breaker_open_timeout_sec"`
}

// SocketConfig holds the realtime transport settings
type SocketConfig struct {
	URL                 string `json:"url"`
	Path                string `json:"path"`
	ReconnectAttempts   int    `json:"reconnect_attempts"`
	ReconnectDelayMs    int    `json:"reconnect_delay_ms"`
	MaxReconnectDelayMs int    `json:"max_reconnect_delay_ms"`
	ConnectTimeoutMs    int    `json:"connect_timeout_ms"`
}

// ChatConfig tunes the reconciliation engine
type ChatConfig struct {
	TextAckTimeoutSec  int  `json:"text_ack_timeout_sec"`
	ImageAckTimeoutSec int  `json:"image_ack_timeout_sec"`
	DedupWindowMs      int  `json:"dedup_window_ms"`
	TypingIdleMs       int  `json:"typing_idle_ms"`
	TypingThrottleMs   int  `json:"typing_throttle_ms"`
	StrictTempIDs      bool `json:"strict_temp_ids"`
	MaxImageBytes      int  `json:"max_image_bytes"`
}

// NotificationConfig holds the Firebase feed settings
type NotificationConfig struct {
	Enabled         bool   `json:"enabled"`
	FirebaseURL     string `json:"firebase_url"`
	FirebaseAuth    string `json:"firebase_auth"`
	PollIntervalSec int    `json:"poll_interval_sec"`
	KeepDays        int    `json:"keep_days"`
}

// DatabaseConfig holds database related configurations
type DatabaseConfig struct {
	Path string `json:"path"`
}

// RetryConfig holds retry related configurations
type RetryConfig struct {
	InitialBackoffMs int `json:"initialBackoffMs"`
	MaxBackoffMs     int `json:"maxBackoffMs"`
	MaxAttempts      int `json:"maxAttempts"`
}

// ServerConfig holds the local control API settings
type ServerConfig struct {
	Host            string `json:"host"`
	Port            int    `json:"port"`
	ReadTimeoutSec  int    `json:"read_timeout_sec"`
	WriteTimeoutSec int    `json:"write_timeout_sec"`
	IdleTimeoutSec  int    `json:"idle_timeout_sec"`
}

// TracingConfig mirrors tracing.TracingConfig for the JSON file
type TracingConfig struct {
	Enabled        bool    `json:"enabled"`
	ServiceName    string  `json:"service_name"`
	ServiceVersion string  `json:"service_version"`
	Environment    string  `json:"environment"`
	OTLPEndpoint   string  `json:"otlp_endpoint"`
	SampleRate     float64 `json:"sample_rate"`
	UseStdout      bool    `json:"use_stdout"`
}

// AdminCredentials identify the administrator. Either a token and admin id,
// or an email and password used to log in, must be present.
type AdminCredentials struct {
	Token    string `json:"-"`
	AdminID  string `json:"admin_id"`
	Email    string `json:"email"`
	Password string `json:"-"`
}

type ConfigError struct {
	Message string
}

func (e ConfigError) Error() string {
	return e.Message
}
