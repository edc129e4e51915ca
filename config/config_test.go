package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("API_PORT", "")
	t.Setenv("PRICE_SOURCE", "")
	t.Setenv("REWARD_RATE", "")
	t.Setenv("PRICE_FRESH_TTL", "")
	t.Setenv("PRICE_STALE_TTL", "")
	t.Setenv("KAFKA_BROKERS", "")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 8080, cfg.APIPort)
	require.Equal(t, "fixed", cfg.Price.Source)
	require.Equal(t, "0.01", cfg.Reward.Rate)
	require.Equal(t, 30*time.Second, cfg.Price.FreshTTL)
	require.Equal(t, 5*time.Minute, cfg.Price.StaleTTL)
	require.Equal(t, uint8(18), cfg.Ledger.TokenDecimals)
	require.Empty(t, cfg.Kafka.Brokers)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("API_PORT", "9000")
	t.Setenv("BASE_URL", "https://claims.example.com/")
	t.Setenv("PRICE_SOURCE", "CoinGecko")
	t.Setenv("PRICE_FRESH_TTL", "10s")
	t.Setenv("PRICE_STALE_TTL", "2m")
	t.Setenv("LEDGER_TOKEN_DECIMALS", "9")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("REDEEM_MAX_ATTEMPTS", "0")
	t.Setenv("RECONCILE_ALERT_INTERVAL", "30m")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 9000, cfg.APIPort)
	require.Equal(t, "https://claims.example.com", cfg.BaseURL)
	require.Equal(t, "coingecko", cfg.Price.Source)
	require.Equal(t, 10*time.Second, cfg.Price.FreshTTL)
	require.Equal(t, 2*time.Minute, cfg.Price.StaleTTL)
	require.Equal(t, uint8(9), cfg.Ledger.TokenDecimals)
	require.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	require.Equal(t, 0, cfg.Reward.MaxAttempts)
	require.Equal(t, 30*time.Minute, cfg.Reconcile.AlertEvery)
}

func TestLoadRejectsInvertedPriceWindows(t *testing.T) {
	t.Setenv("PRICE_FRESH_TTL", "10m")
	t.Setenv("PRICE_STALE_TTL", "1m")

	_, err := Load()
	require.Error(t, err)
}
