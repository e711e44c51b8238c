package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateDefaultsPass(t *testing.T) {
	require.NoError(t, Validate(DefaultConfig()))
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"request delay below floor", func(c *Config) { c.Ingestion.RequestDelaySeconds = 1 }},
		{"min request delay below floor", func(c *Config) { c.Ingestion.MinRequestDelaySeconds = 1 }},
		{"delay below configured min", func(c *Config) {
			c.Ingestion.MinRequestDelaySeconds = 5
			c.Ingestion.RequestDelaySeconds = 3
		}},
		{"zero retry backoff", func(c *Config) { c.Ingestion.RetryBackoffSeconds = 0 }},
		{"continuation max below base", func(c *Config) {
			c.Ingestion.ContinuationBaseDelaySeconds = 120
			c.Ingestion.ContinuationMaxDelaySeconds = 60
		}},
		{"run interval below 15", func(c *Config) { c.Scheduler.RunIntervalMinutesDefault = 5 }},
		{"blocked cooldown below 60", func(c *Config) { c.Safety.CooldownBlockedSeconds = 30 }},
		{"unknown log level", func(c *Config) { c.Logging.Level = "loud" }},
		{"match threshold over 100", func(c *Config) { c.OpenAlex.MatchThreshold = 150 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			assert.Error(t, Validate(cfg))
		})
	}
}
