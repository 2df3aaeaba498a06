package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 5*time.Minute, cfg.QuoteTTL)
	assert.True(t, cfg.PremiumLoading.Equal(decimal.RequireFromString("0.1")))
	assert.Equal(t, []string{"oracle"}, cfg.Reporters)
	assert.True(t, cfg.MaxCellExposure.IsZero())
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("REPORTERS", " station-a, station-b ,,")
	t.Setenv("QUOTE_TTL", "90s")
	t.Setenv("PREMIUM_LOADING", "0.25")
	t.Setenv("CORRELATION_PREFIX_LEN", "5")
	t.Setenv("MAX_CELL_EXPOSURE", "not-a-number")

	cfg := Load()
	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, []string{"station-a", "station-b"}, cfg.Reporters)
	assert.Equal(t, 90*time.Second, cfg.QuoteTTL)
	assert.True(t, cfg.PremiumLoading.Equal(decimal.RequireFromString("0.25")))
	assert.Equal(t, 5, cfg.CorrelationPrefixLen)
	assert.True(t, cfg.MaxCellExposure.IsZero(), "malformed value falls back to default")
}
