package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// loadAndMerge loads a YAML file and merges it into the config.
func loadAndMerge(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var override Config
	if err := yaml.Unmarshal(data, &override); err != nil {
		return fmt.Errorf("parsing YAML: %w", err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parsing YAML: %w", err)
	}

	mergeConfigs(cfg, &override, raw)
	return nil
}

// mergeConfigs merges override into base. Zero values only win when the
// key was actually present in the file, checked against the raw map.
func mergeConfigs(base, override *Config, raw map[string]any) {
	if override == nil {
		return
	}

	if override.Server.Bind != "" {
		base.Server.Bind = override.Server.Bind
	}
	if override.Server.AuthSecret != "" {
		base.Server.AuthSecret = override.Server.AuthSecret
	}
	if fieldSet(raw, "server", "allowed_origins") {
		base.Server.AllowedOrigins = append([]string{}, override.Server.AllowedOrigins...)
	}

	if fieldSet(raw, "browser", "headless") {
		base.Browser.Headless = override.Browser.Headless
	}
	if override.Browser.Bin != "" {
		base.Browser.Bin = override.Browser.Bin
	}
	if override.Browser.Viewport.Width != 0 {
		base.Browser.Viewport.Width = override.Browser.Viewport.Width
	}
	if override.Browser.Viewport.Height != 0 {
		base.Browser.Viewport.Height = override.Browser.Viewport.Height
	}
	if override.Browser.ActionTimeout != 0 {
		base.Browser.ActionTimeout = override.Browser.ActionTimeout
	}
	if override.Browser.NavigationTimeout != 0 {
		base.Browser.NavigationTimeout = override.Browser.NavigationTimeout
	}
	if fieldSet(raw, "browser", "stabilize_timeout") {
		base.Browser.StabilizeTimeout = override.Browser.StabilizeTimeout
	}
	if fieldSet(raw, "browser", "stabilize_idle_gap") {
		base.Browser.StabilizeIdleGap = override.Browser.StabilizeIdleGap
	}

	if override.Storage.DBPath != "" {
		base.Storage.DBPath = override.Storage.DBPath
	}

	if override.Evidence.Backend != "" {
		base.Evidence.Backend = override.Evidence.Backend
	}
	if override.Evidence.Dir != "" {
		base.Evidence.Dir = override.Evidence.Dir
	}
	if override.Evidence.S3.Endpoint != "" {
		base.Evidence.S3.Endpoint = override.Evidence.S3.Endpoint
	}
	if override.Evidence.S3.Bucket != "" {
		base.Evidence.S3.Bucket = override.Evidence.S3.Bucket
	}
	if override.Evidence.S3.AccessKey != "" {
		base.Evidence.S3.AccessKey = override.Evidence.S3.AccessKey
	}
	if override.Evidence.S3.SecretKey != "" {
		base.Evidence.S3.SecretKey = override.Evidence.S3.SecretKey
	}
	if fieldSet(raw, "evidence", "s3", "use_ssl") {
		base.Evidence.S3.UseSSL = override.Evidence.S3.UseSSL
	}
	if override.Evidence.S3.Prefix != "" {
		base.Evidence.S3.Prefix = override.Evidence.S3.Prefix
	}

	if override.Cases.Source != "" {
		base.Cases.Source = override.Cases.Source
	}
	if override.Cases.Dir != "" {
		base.Cases.Dir = override.Cases.Dir
	}
	if override.Cases.ServiceURL != "" {
		base.Cases.ServiceURL = override.Cases.ServiceURL
	}

	if fieldSet(raw, "diagnostics", "enabled") {
		base.Diagnostics.Enabled = override.Diagnostics.Enabled
	}
	if override.Diagnostics.URL != "" {
		base.Diagnostics.URL = override.Diagnostics.URL
	}
	if override.Diagnostics.Timeout != 0 {
		base.Diagnostics.Timeout = override.Diagnostics.Timeout
	}
	if fieldSet(raw, "diagnostics", "retry_max") {
		base.Diagnostics.RetryMax = override.Diagnostics.RetryMax
	}
	if override.Diagnostics.RateLimitRPS != 0 {
		base.Diagnostics.RateLimitRPS = override.Diagnostics.RateLimitRPS
	}
	if fieldSet(raw, "diagnostics", "dom_token_budget") {
		base.Diagnostics.DOMTokenBudget = override.Diagnostics.DOMTokenBudget
	}

	if override.Events.NATSURL != "" {
		base.Events.NATSURL = override.Events.NATSURL
	}

	if override.Logging.Dir != "" {
		base.Logging.Dir = override.Logging.Dir
	}
	if override.Logging.Level != "" {
		base.Logging.Level = override.Logging.Level
	}

	if fieldSet(raw, "telemetry", "tracing_enabled") {
		base.Telemetry.TracingEnabled = override.Telemetry.TracingEnabled
	}

	if override.Runs.MaxConcurrent != 0 {
		base.Runs.MaxConcurrent = override.Runs.MaxConcurrent
	}
}

func fieldSet(raw map[string]any, path ...string) bool {
	if len(path) == 0 || raw == nil {
		return false
	}
	current := any(raw)
	for _, key := range path {
		m, ok := current.(map[string]any)
		if !ok {
			return false
		}
		val, ok := m[key]
		if !ok {
			return false
		}
		current = val
	}
	return true
}
