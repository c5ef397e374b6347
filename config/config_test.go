package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "payment-events", cfg.Kafka.TopicPayments)
	assert.Equal(t, "commission-events", cfg.Kafka.TopicCommissions)
	assert.Equal(t, 2*time.Minute, cfg.Retry.SweepInterval)
	assert.Equal(t, time.Hour, cfg.Retry.BaseDelay)
	assert.Equal(t, 10*time.Second, cfg.Webhook.Timeout)
	assert.Equal(t, 10, cfg.Webhook.DeactivateAfter)
	assert.Equal(t, 3, cfg.Approval.MaxRetries)
}

func TestFileThenEnvPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
approval:
  commission_rate: 0.15
  fraud_threshold: 0.5
retry:
  base_delay: 30m
webhook:
  workers: 8
fraud:
  weights:
    click_ratio: 1
    ip_reuse: 0
    amount_deviation: 0
    velocity: 0
  velocity_limit: 25
`), 0o600))

	t.Setenv("CONFIG_FILE", path)
	t.Setenv("WEBHOOK_WORKERS", "2")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 0.15, cfg.Approval.CommissionRate)
	assert.Equal(t, 0.5, cfg.Approval.FraudThreshold)
	assert.Equal(t, 30*time.Minute, cfg.Retry.BaseDelay)
	assert.Equal(t, 24*time.Hour, cfg.Retry.MaxDelay, "untouched keys keep defaults")
	assert.Equal(t, 2, cfg.Webhook.Workers, "environment wins over file")
	assert.Equal(t, 1.0, cfg.Fraud.Weights.ClickRatio)
	assert.Equal(t, int64(25), cfg.Fraud.VelocityLimit)
}

func TestInvalidEnvironmentValue(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("RETRY_BASE_DELAY", "soon")

	_, err := Load()
	assert.ErrorContains(t, err, "RETRY_BASE_DELAY")
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"driver":     func(c *Config) { c.Database.Driver = "mongo" },
		"rate":       func(c *Config) { c.Approval.CommissionRate = 1.5 },
		"threshold":  func(c *Config) { c.Approval.FraudThreshold = -0.1 },
		"retries":    func(c *Config) { c.Approval.MaxRetries = 0 },
		"multiplier": func(c *Config) { c.Retry.Multiplier = 0.5 },
		"workers":    func(c *Config) { c.Webhook.Workers = 0 },
		"lease":      func(c *Config) { c.Webhook.Lease = c.Webhook.Timeout },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Defaults()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
	assert.NoError(t, Defaults().Validate())
}
