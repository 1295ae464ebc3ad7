package am

import (
	"strings"

	"github.com/spf13/viper"
)

// Defaults
const (
	DefaultServerPort            = 8787
	DefaultDatabasePath          = "polar.db"
	DefaultTickerIntervalSeconds = 30
	DefaultDueBatchLimit         = 50
	DefaultRetryBatchLimit       = 50
	DefaultMaxAttempts           = 3
	DefaultRetryBackoffMs        = 60000
	DefaultProfileID             = "default"

	// DefaultDirPermissions is used for ~/.polar
	DefaultDirPermissions = 0750
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", DefaultDatabasePath)

	v.SetDefault("scheduler.ticker_interval_seconds", DefaultTickerIntervalSeconds)
	v.SetDefault("scheduler.due_batch_limit", DefaultDueBatchLimit)
	v.SetDefault("scheduler.retry_batch_limit", DefaultRetryBatchLimit)
	v.SetDefault("scheduler.default_max_attempts", DefaultMaxAttempts)
	v.SetDefault("scheduler.default_retry_backoff_ms", DefaultRetryBackoffMs)
	v.SetDefault("scheduler.dead_letter_on_max_attempts", true)
	v.SetDefault("scheduler.default_profile_id", DefaultProfileID)

	v.SetDefault("gateway.automation_url", "")
	v.SetDefault("gateway.heartbeat_url", "")
	v.SetDefault("gateway.timeout_seconds", 30)
	v.SetDefault("gateway.requests_per_second", 5.0)
	v.SetDefault("gateway.block_private_ip", false)

	v.SetDefault("taskboard.url", "")
	v.SetDefault("taskboard.in_memory", false)
	v.SetDefault("taskboard.timeout_seconds", 10)
	v.SetDefault("taskboard.requests_per_second", 5.0)
	v.SetDefault("taskboard.block_private_ip", false)

	v.SetDefault("server.port", DefaultServerPort)
	v.SetDefault("server.operation_timeout_seconds", 30)
}

// explicitEnv maps keys to short environment names used by deployments.
var explicitEnv = map[string]string{
	"gateway.automation_url": "POLAR_AUTOMATION_GATEWAY_URL",
	"gateway.heartbeat_url":  "POLAR_HEARTBEAT_GATEWAY_URL",
	"taskboard.url":          "POLAR_TASKBOARD_URL",
	"database.path":          "POLAR_DB_PATH",
}

// BindSensitiveEnvVars binds endpoint settings to explicit environment variables
func BindSensitiveEnvVars(v *viper.Viper) {
	for key, env := range explicitEnv {
		v.BindEnv(key, env, EnvPrefix+"_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")))
	}
}
