package config

import "testing"

func TestDefaultsAreValid(t *testing.T) {
	if err := validateConfig(GetDefaults()); err != nil {
		t.Errorf("defaults failed validation: %v", err)
	}
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }},
		{"bad driver", func(c *Config) { c.Storage.Driver = "sqlite" }},
		{"bad output format", func(c *Config) { c.Dataset.OutputFormat = "xml" }},
		{"bad worker count", func(c *Config) { c.Pipeline.Workers = -1 }},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := GetDefaults()
			tt.mutate(cfg)
			if err := validateConfig(cfg); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}
