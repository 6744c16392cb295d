package config

import (
	"fmt"
	"time"
)

// ValidateConfig checks if the global configuration has valid values.
func ValidateConfig(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("YAML global config: configuration object is nil")
	}
	if err := ValidateAgentConfig(&cfg.Agent); err != nil {
		return fmt.Errorf("YAML global config: agent directive is invalid: %w", err)
	}
	if err := ValidatePlanningConfig(&cfg.Planning); err != nil {
		return fmt.Errorf("YAML global config: planning directive is invalid: %w", err)
	}
	if err := ValidateHTTPConfig(&cfg.HttpClient); err != nil {
		return fmt.Errorf("YAML global config: http_client directive is invalid: %w", err)
	}
	return nil
}

// ValidateAgentConfig checks the external agent invocation settings.
func ValidateAgentConfig(agentConfig *Agent) error {
	if agentConfig == nil {
		return fmt.Errorf("agent configuration is nil")
	}
	if agentConfig.Binary == "" {
		return fmt.Errorf("agent binary must be set")
	}
	if agentConfig.TimeoutSec <= 0 {
		return fmt.Errorf("agent timeout_sec must be positive: %d", agentConfig.TimeoutSec)
	}
	return nil
}

// ValidatePlanningConfig checks the planning settings.
func ValidatePlanningConfig(planningConfig *Planning) error {
	if planningConfig == nil {
		return fmt.Errorf("planning configuration is nil")
	}
	if planningConfig.CoverageTarget <= 0 || planningConfig.CoverageTarget > 1 {
		return fmt.Errorf("coverage_target must be in (0, 1]: %f", planningConfig.CoverageTarget)
	}
	if len(planningConfig.RuleKeys) == 0 {
		return fmt.Errorf("at least one rule key must be configured")
	}
	return nil
}

// ValidateHTTPConfig checks if the HTTP configurations have valid values.
func ValidateHTTPConfig(httpConfig *HttpClient) error {
	if httpConfig == nil {
		return fmt.Errorf("HTTP configuration is nil")
	}
	if httpConfig.RetryCount < 0 || httpConfig.RetryCount > 20 {
		return fmt.Errorf("retry_count must be between 0 and 20: %d", httpConfig.RetryCount)
	}

	durations := map[string]time.Duration{
		"retry_wait_time":     httpConfig.RetryWaitTime,
		"retry_max_wait_time": httpConfig.RetryMaxWaitTime,
		"timeout":             httpConfig.Timeout,
	}
	for name, d := range durations {
		if d < 0 {
			return fmt.Errorf("%s must not be negative: %v", name, d)
		}
	}
	return nil
}
