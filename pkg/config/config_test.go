package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, 10000, cfg.Pricing.Paths)
	assert.Equal(t, 100, cfg.Pricing.Steps)
	assert.Equal(t, "polynomial", cfg.Pricing.Basis)
	assert.Equal(t, 2, cfg.Pricing.Degree)
	assert.Equal(t, 0.95, cfg.Pricing.ConfidenceLevel)
	assert.Equal(t, 30*time.Second, cfg.Pricing.Timeout)
	assert.Less(t, cfg.Pricing.Timeout, cfg.HTTP.WriteTimeout)
	assert.Equal(t, "option.valuations", cfg.Kafka.EventTopic)
	assert.Equal(t, 30*time.Minute, cfg.MySQL.ConnMaxLifetime)
	assert.False(t, cfg.Kafka.Enabled)
}

func TestLoad_FileAndEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pricer.yaml")
	content := `
http:
  addr: ":9090"
pricing:
  paths: 50000
  basis: laguerre
  degree: 3
kafka:
  enabled: true
  brokers: ["k1:9092", "k2:9092"]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	t.Setenv("OPTPRICER_PRICING_STEPS", "250")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.HTTP.Addr)
	assert.Equal(t, 50000, cfg.Pricing.Paths)
	assert.Equal(t, 250, cfg.Pricing.Steps)
	assert.Equal(t, "laguerre", cfg.Pricing.Basis)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
}

func TestLoad_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("pricing:\n  confidence_level: 1.5\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "confidence_level")

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestLoad_PricingTimeoutMustBeShorterThanWriteTimeout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "timeout.yaml")
	content := `
http:
  write_timeout: 20s
pricing:
  timeout: 20s
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pricing.timeout")

	t.Setenv("OPTPRICER_PRICING_TIMEOUT", "15s")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 15*time.Second, cfg.Pricing.Timeout)
	assert.Equal(t, 20*time.Second, cfg.HTTP.WriteTimeout)
}
