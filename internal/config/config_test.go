package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Setenv("ODDS_API_BASE_URL", "http://odds.local/api")
	t.Setenv("DATABASE_PASSWORD", "secret")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8*time.Second, cfg.OddsAPITimeout)
	assert.Equal(t, time.Second, cfg.OddsAPIMinKeyInterval)
	assert.Equal(t, 3600, cfg.CacheTTLRawOdds)
	assert.Equal(t, 86400, cfg.CacheTTLReconciled)
	assert.Equal(t, 5, cfg.CacheTTLInPlayFancy)
	assert.Equal(t, "skip-if-exists", cfg.EventOddsOptionPolicy)
	assert.Equal(t, "queue:writes", cfg.RetryQueueName)
	assert.Equal(t, 3, cfg.RetryMaxAttempts)
	assert.Equal(t, 5*time.Second, cfg.PollIntervalInPlay)
	assert.Equal(t, 60*time.Second, cfg.PollIntervalIdle)
	assert.Equal(t, []string{"*"}, cfg.CORSOrigins)
	assert.Equal(t, 3000, cfg.HTTPPort)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr())
	assert.True(t, cfg.IsDevelopment())
}

func TestLoadMissingRequired(t *testing.T) {
	t.Setenv("ODDS_API_BASE_URL", "")
	t.Setenv("DATABASE_PASSWORD", "secret")

	_, err := Load()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	setRequired(t)
	cfg, err := Load()
	require.NoError(t, err)

	bad := *cfg
	bad.FancyOptionPolicy = "overwrite"
	assert.Error(t, bad.Validate())

	bad = *cfg
	bad.OddsAPIBaseURL = "odds.local"
	assert.Error(t, bad.Validate())

	bad = *cfg
	bad.RetryMaxAttempts = 0
	assert.Error(t, bad.Validate())
}

func TestOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("CORS_ORIGINS", "https://a.example,https://b.example")
	t.Setenv("POLL_INTERVAL_INPLAY", "2s")
	t.Setenv("CACHE_READ_FIRST", "true")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
	assert.Equal(t, 2*time.Second, cfg.PollIntervalInPlay)
	assert.True(t, cfg.CacheReadFirst)
	assert.Equal(t, 5*time.Second, Seconds(cfg.CacheTTLInPlayFancy))
}
