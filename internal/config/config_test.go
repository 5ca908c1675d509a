package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")
	t.Setenv("EVALUATOR_URL", "http://judge.local/evaluate")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Submission.GracePeriod != 30*time.Second {
		t.Errorf("expected 30s grace, got %s", cfg.Submission.GracePeriod)
	}
	if cfg.Sweep.Interval != 5*time.Minute {
		t.Errorf("expected 5m sweep interval, got %s", cfg.Sweep.Interval)
	}
	if cfg.Archive.Interval != 24*time.Hour {
		t.Errorf("expected 24h archive interval, got %s", cfg.Archive.Interval)
	}
	if cfg.Evaluation.PublishTimeout != 5*time.Second {
		t.Errorf("expected 5s publish timeout, got %s", cfg.Evaluation.PublishTimeout)
	}
	if cfg.Evaluation.Queue != "queue:evaluation" {
		t.Errorf("unexpected queue name %q", cfg.Evaluation.Queue)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")
	t.Setenv("EVALUATION_ENABLED", "false")
	t.Setenv("DATABASE_DRIVER", "memory")
	t.Setenv("SUBMISSION_GRACE_PERIOD", "45s")
	t.Setenv("SWEEP_CONCURRENCY", "3")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example.com, https://b.example.com")
	t.Setenv("SERVER_PORT", "not-a-number")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Submission.GracePeriod != 45*time.Second {
		t.Errorf("expected 45s grace, got %s", cfg.Submission.GracePeriod)
	}
	if cfg.Sweep.Concurrency != 3 {
		t.Errorf("expected concurrency 3, got %d", cfg.Sweep.Concurrency)
	}
	if len(cfg.Server.AllowedOrigins) != 2 || cfg.Server.AllowedOrigins[1] != "https://b.example.com" {
		t.Errorf("unexpected origins: %v", cfg.Server.AllowedOrigins)
	}
	// Unparseable values fall back to defaults
	if cfg.Server.Port != 8080 {
		t.Errorf("expected default port, got %d", cfg.Server.Port)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Server:     ServerConfig{Port: 8080},
			Database:   DatabaseConfig{Driver: "memory"},
			Auth:       AuthConfig{JWTSecret: "s"},
			Sweep:      SweepConfig{Interval: time.Minute, BatchSize: 10, Concurrency: 1},
			Evaluation: EvaluationConfig{Enabled: false},
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"bad port", func(c *Config) { c.Server.Port = 0 }, true},
		{"unknown driver", func(c *Config) { c.Database.Driver = "sqlite" }, true},
		{"postgres without dsn", func(c *Config) { c.Database.Driver = "postgres" }, true},
		{"missing jwt secret", func(c *Config) { c.Auth.JWTSecret = "" }, true},
		{"negative grace", func(c *Config) { c.Submission.GracePeriod = -time.Second }, true},
		{"zero sweep interval", func(c *Config) { c.Sweep.Interval = 0 }, true},
		{"evaluation without url", func(c *Config) { c.Evaluation.Enabled = true }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
