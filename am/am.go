package am

import "time"

// Config represents the polar scheduler configuration
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database" toml:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler" toml:"scheduler"`
	Gateway   GatewayConfig   `mapstructure:"gateway" toml:"gateway"`
	TaskBoard TaskBoardConfig `mapstructure:"taskboard" toml:"taskboard"`
	Server    ServerConfig    `mapstructure:"server" toml:"server"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path" toml:"path"`
}

// SchedulerConfig configures the ticker and the defaults applied to events
// that arrive without retry policy fields.
type SchedulerConfig struct {
	TickerIntervalSeconds   int    `mapstructure:"ticker_interval_seconds" toml:"ticker_interval_seconds"` // 0 = ticker disabled
	DueBatchLimit           int    `mapstructure:"due_batch_limit" toml:"due_batch_limit"`
	RetryBatchLimit         int    `mapstructure:"retry_batch_limit" toml:"retry_batch_limit"`
	DefaultMaxAttempts      int    `mapstructure:"default_max_attempts" toml:"default_max_attempts"`
	DefaultRetryBackoffMs   int64  `mapstructure:"default_retry_backoff_ms" toml:"default_retry_backoff_ms"`
	DeadLetterOnMaxAttempts bool   `mapstructure:"dead_letter_on_max_attempts" toml:"dead_letter_on_max_attempts"`
	DefaultProfileID        string `mapstructure:"default_profile_id" toml:"default_profile_id"`
}

// GatewayConfig configures the webhook executors. An empty URL leaves that
// source without a handler.
type GatewayConfig struct {
	AutomationURL     string  `mapstructure:"automation_url" toml:"automation_url"`
	HeartbeatURL      string  `mapstructure:"heartbeat_url" toml:"heartbeat_url"`
	TimeoutSeconds    int     `mapstructure:"timeout_seconds" toml:"timeout_seconds"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second" toml:"requests_per_second"`
	BlockPrivateIP    bool    `mapstructure:"block_private_ip" toml:"block_private_ip"`
}

// TaskBoardConfig configures the task board. With no URL and InMemory off
// there is no board: runs are recorded without linking and replay reports
// the board as unavailable.
type TaskBoardConfig struct {
	URL               string  `mapstructure:"url" toml:"url"`
	InMemory          bool    `mapstructure:"in_memory" toml:"in_memory"` // in-process board, for local testing
	TimeoutSeconds    int     `mapstructure:"timeout_seconds" toml:"timeout_seconds"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second" toml:"requests_per_second"`
	BlockPrivateIP    bool    `mapstructure:"block_private_ip" toml:"block_private_ip"`
}

// ServerConfig configures the HTTP API
type ServerConfig struct {
	Port                    int `mapstructure:"port" toml:"port"`
	OperationTimeoutSeconds int `mapstructure:"operation_timeout_seconds" toml:"operation_timeout_seconds"`
}

// TickerInterval returns the configured tick period.
func (s SchedulerConfig) TickerInterval() time.Duration {
	return time.Duration(s.TickerIntervalSeconds) * time.Second
}

// Timeout returns the gateway request timeout.
func (g GatewayConfig) Timeout() time.Duration {
	return time.Duration(g.TimeoutSeconds) * time.Second
}

// Timeout returns the task board request timeout.
func (t TaskBoardConfig) Timeout() time.Duration {
	return time.Duration(t.TimeoutSeconds) * time.Second
}

// OperationTimeout bounds each API request.
func (s ServerConfig) OperationTimeout() time.Duration {
	return time.Duration(s.OperationTimeoutSeconds) * time.Second
}
