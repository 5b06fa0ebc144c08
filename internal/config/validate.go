package config

import (
	"fmt"
	"net/url"

	log "github.com/sirupsen/logrus"

	"persons-desktop/internal/services/transfer"
)

// ValidationError represents a validation error with field context
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return &ValidationError{"api.base_url", "required"}
	}
	u, err := url.Parse(c.API.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return &ValidationError{"api.base_url", "must be an absolute http(s) URL"}
	}
	if c.API.Timeout <= 0 {
		return &ValidationError{"api.timeout", "must be positive"}
	}

	if c.Poll.Interval <= 0 {
		return &ValidationError{"poll.interval", "must be positive"}
	}
	if c.Poll.MaxFailures < 0 {
		return &ValidationError{"poll.max_failures", "must not be negative"}
	}
	if c.Poll.Timeout < c.Poll.Interval {
		return &ValidationError{"poll.timeout", fmt.Sprintf("must be at least poll.interval (%s)", c.Poll.Interval)}
	}

	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return &ValidationError{"log_level", err.Error()}
	}
	return nil
}

// ApplyLogLevel configures logrus from log_level
func (c *Config) ApplyLogLevel() {
	level, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)
}

// PollPolicy converts the poll section. An explicit max_failures of 0 means
// no retries, not the transfer default.
func (c *Config) PollPolicy() transfer.PollPolicy {
	policy := transfer.PollPolicy{
		Interval:    c.Poll.Interval,
		MaxFailures: c.Poll.MaxFailures,
		Timeout:     c.Poll.Timeout,
	}
	if policy.MaxFailures == 0 {
		policy.MaxFailures = transfer.NoRetries
	}
	return policy
}
