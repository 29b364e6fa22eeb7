package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestLoad_Defaults tests defaults with an empty environment.
func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "./pipeline.db", cfg.SQLitePath)
	assert.Empty(t, cfg.DatabaseURL)
	assert.Equal(t, "gpt-4o-mini", cfg.CompletionModel)
	assert.InDelta(t, 50, cfg.DefaultMonthlyBudget, 1e-9)
	assert.Equal(t, 30, cfg.DefaultArticleLimit)
	assert.InDelta(t, 0.8, cfg.BudgetAlertThreshold, 1e-9)
	assert.EqualValues(t, 3, cfg.MaxConcurrentPerOrg)
	assert.Equal(t, 30*time.Minute, cfg.RunTimeout)
	assert.Equal(t, time.Hour, cfg.ResumeGrace)
	assert.Zero(t, cfg.RunRetention)
	assert.Equal(t, "pipeline", cfg.ServiceName)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.EqualValues(t, 1<<20, cfg.MaxRequestBodyBytes)
}

// TestLoad_Overrides tests environment overrides of each value kind.
func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PIPELINE_PORT", "9090")
	t.Setenv("DATABASE_URL", "postgres://u:p@localhost/pipeline")
	t.Setenv("PIPELINE_SUBMIT_RATE", "2.5")
	t.Setenv("PIPELINE_RUN_TIMEOUT", "90s")
	t.Setenv("PIPELINE_LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, "postgres://u:p@localhost/pipeline", cfg.DatabaseURL)
	assert.InDelta(t, 2.5, cfg.SubmitRate, 1e-9)
	assert.Equal(t, 90*time.Second, cfg.RunTimeout)
	assert.Equal(t, "debug", cfg.LogLevel)
}

// TestLoad_MalformedValuesFallBack tests that unparsable values keep
// defaults rather than failing.
func TestLoad_MalformedValuesFallBack(t *testing.T) {
	t.Setenv("PIPELINE_PORT", "not-a-number")
	t.Setenv("PIPELINE_SUBMIT_RATE", "fast")
	t.Setenv("PIPELINE_RUN_TIMEOUT", "soon")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.InDelta(t, 1, cfg.SubmitRate, 1e-9)
	assert.Equal(t, 30*time.Minute, cfg.RunTimeout)
}

// TestValidate tests each rejection rule.
func TestValidate(t *testing.T) {
	valid := Config{
		SQLitePath:           "./pipeline.db",
		CompletionURL:        "http://localhost:11434",
		BudgetAlertThreshold: 0.8,
		MaxRequestBodyBytes:  1 << 20,
	}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no storage", func(c *Config) { c.SQLitePath = "" }},
		{"no completion URL", func(c *Config) { c.CompletionURL = "" }},
		{"threshold zero", func(c *Config) { c.BudgetAlertThreshold = 0 }},
		{"threshold above one", func(c *Config) { c.BudgetAlertThreshold = 1.5 }},
		{"body limit zero", func(c *Config) { c.MaxRequestBodyBytes = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
