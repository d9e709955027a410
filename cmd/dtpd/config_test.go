package main

import "testing"

func baseConfig() *appConfig {
	return &appConfig{
		controlAddr:   ":8080",
		dtpPort:       4433,
		clockSyncPort: 4434,
		logFormat:     "text",
		logLevel:      "info",
	}
}

func TestConfigValidateOK(t *testing.T) {
	if err := baseConfig().validate(); err != nil {
		t.Fatalf("expected ok, got %v", err)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*appConfig)
	}{
		{"badLogFormat", func(c *appConfig) { c.logFormat = "xml" }},
		{"badLogLevel", func(c *appConfig) { c.logLevel = "verbose" }},
		{"dtpPortZero", func(c *appConfig) { c.dtpPort = 0 }},
		{"dtpPortTooLarge", func(c *appConfig) { c.dtpPort = 70000 }},
		{"clockSyncPortZero", func(c *appConfig) { c.clockSyncPort = 0 }},
		{"samePort", func(c *appConfig) { c.clockSyncPort = c.dtpPort }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := baseConfig()
			tc.mod(cfg)
			if err := cfg.validate(); err == nil {
				t.Fatalf("%s: expected error", tc.name)
			}
		})
	}
}

func TestApplyEnvOverridesSkipsExplicitFlags(t *testing.T) {
	t.Setenv("DTPD_LOG_LEVEL", "debug")
	cfg := baseConfig()
	set := map[string]struct{}{"log-level": {}}
	if err := applyEnvOverrides(cfg, set); err != nil {
		t.Fatalf("applyEnvOverrides: %v", err)
	}
	if cfg.logLevel != "info" {
		t.Fatalf("logLevel = %q, want unchanged %q (flag was explicitly set)", cfg.logLevel, "info")
	}
}

func TestApplyEnvOverridesAppliesWhenFlagUnset(t *testing.T) {
	t.Setenv("DTPD_LOG_LEVEL", "debug")
	cfg := baseConfig()
	if err := applyEnvOverrides(cfg, map[string]struct{}{}); err != nil {
		t.Fatalf("applyEnvOverrides: %v", err)
	}
	if cfg.logLevel != "debug" {
		t.Fatalf("logLevel = %q, want %q", cfg.logLevel, "debug")
	}
}
