package am

import (
	"net/url"

	"github.com/teranos/polar/errors"
)

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	v := errors.NewValidationError("loadConfig")

	if c.Database.Path == "" {
		v.Add("database.path", "cannot be empty")
	}

	// Scheduler ticker: 0 = no periodic ticking, negative = invalid
	s := c.Scheduler
	if s.TickerIntervalSeconds < 0 {
		v.Add("scheduler.ticker_interval_seconds", "must be >= 0, got %d", s.TickerIntervalSeconds)
	}
	if s.DueBatchLimit < 1 || s.DueBatchLimit > 1000 {
		v.Add("scheduler.due_batch_limit", "must be between 1 and 1000, got %d", s.DueBatchLimit)
	}
	if s.RetryBatchLimit < 1 || s.RetryBatchLimit > 1000 {
		v.Add("scheduler.retry_batch_limit", "must be between 1 and 1000, got %d", s.RetryBatchLimit)
	}
	if s.DefaultMaxAttempts < 1 {
		v.Add("scheduler.default_max_attempts", "must be >= 1, got %d", s.DefaultMaxAttempts)
	}
	if s.DefaultRetryBackoffMs < 0 {
		v.Add("scheduler.default_retry_backoff_ms", "must be >= 0, got %d", s.DefaultRetryBackoffMs)
	}
	if s.DefaultProfileID == "" {
		v.Add("scheduler.default_profile_id", "cannot be empty")
	}

	validateURL(v, "gateway.automation_url", c.Gateway.AutomationURL)
	validateURL(v, "gateway.heartbeat_url", c.Gateway.HeartbeatURL)
	if c.Gateway.TimeoutSeconds <= 0 {
		v.Add("gateway.timeout_seconds", "must be > 0, got %d", c.Gateway.TimeoutSeconds)
	}
	if c.Gateway.RequestsPerSecond < 0 {
		v.Add("gateway.requests_per_second", "must be >= 0, got %g", c.Gateway.RequestsPerSecond)
	}

	validateURL(v, "taskboard.url", c.TaskBoard.URL)
	if c.TaskBoard.InMemory && c.TaskBoard.URL != "" {
		v.Add("taskboard.in_memory", "cannot be combined with taskboard.url")
	}
	if c.TaskBoard.TimeoutSeconds <= 0 {
		v.Add("taskboard.timeout_seconds", "must be > 0, got %d", c.TaskBoard.TimeoutSeconds)
	}
	if c.TaskBoard.RequestsPerSecond < 0 {
		v.Add("taskboard.requests_per_second", "must be >= 0, got %g", c.TaskBoard.RequestsPerSecond)
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		v.Add("server.port", "must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Server.OperationTimeoutSeconds <= 0 {
		v.Add("server.operation_timeout_seconds", "must be > 0, got %d", c.Server.OperationTimeoutSeconds)
	}

	return v.Err()
}

// validateURL accepts an empty value (feature off) or an absolute http(s) URL.
func validateURL(v *errors.ValidationError, field, raw string) {
	if raw == "" {
		return
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		v.Add(field, "must be an absolute http(s) URL, got %q", raw)
	}
}
