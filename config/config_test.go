package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"macd-systemv1/internal/indicator"
)

var keys = []string{
	"REDIS_ADDR", "REDIS_PASSWORD", "SQLITE_PATH", "HTTP_ADDR", "LOG_LEVEL",
	"PRICE_STREAMS", "CONSUMER_GROUP", "CONSUMER_NAME",
	"MACD_SHORT", "MACD_LONG", "MACD_SIGNAL", "MACD_SEED",
	"SNAPSHOT_KEY", "SNAPSHOT_INTERVAL",
}

// clearEnv blanks every key for the duration of the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range keys {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func missingEnvFile(t *testing.T) string {
	return filepath.Join(t.TempDir(), "absent.env")
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	c, err := Load(missingEnvFile(t))
	require.NoError(t, err)

	assert.Equal(t, "localhost:6379", c.RedisAddr)
	assert.Equal(t, "data/macd.db", c.SQLitePath)
	assert.Equal(t, ":9096", c.HTTPAddr)
	assert.Nil(t, c.PriceStreams)
	assert.Equal(t, "macdengine", c.ConsumerGroup)
	assert.Equal(t, "macd:snapshot:engine", c.SnapshotKey)
	assert.Equal(t, 30*time.Second, c.SnapshotInterval)
	assert.Equal(t, indicator.DefaultMACDConfig(), c.MACD())
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PRICE_STREAMS", "price:NIFTY, price:BANKNIFTY,")
	t.Setenv("MACD_SHORT", "2")
	t.Setenv("MACD_LONG", "5")
	t.Setenv("MACD_SIGNAL", "9")
	t.Setenv("MACD_SEED", "SMA")
	t.Setenv("SNAPSHOT_INTERVAL", "5s")

	c, err := Load(missingEnvFile(t))
	require.NoError(t, err)

	assert.Equal(t, []string{"price:NIFTY", "price:BANKNIFTY"}, c.PriceStreams)
	assert.Equal(t, indicator.MACDConfig{Short: 2, Long: 5, Signal: 9, Seed: indicator.SeedSMA}, c.MACD())
	assert.Equal(t, "MACD_2_5_9", c.MACD().Name())
	assert.Equal(t, 5*time.Second, c.SnapshotInterval)
}

func TestLoad_DotEnvFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("MACD_LONG=30\nREDIS_ADDR=redis:6379\n"), 0o600))
	t.Setenv("REDIS_ADDR", "override:6379")

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 30, c.MACDLong)
	assert.Equal(t, "override:6379", c.RedisAddr, "process env wins over .env")
	os.Unsetenv("MACD_LONG")
}

func TestLoad_Invalid(t *testing.T) {
	for k, v := range map[string]string{
		"MACD_LONG":         "0",
		"MACD_SIGNAL":       "-3",
		"MACD_SEED":         "median",
		"SNAPSHOT_INTERVAL": "100ms",
		"MACD_SHORT":        "twelve",
	} {
		t.Run(k, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(k, v)
			_, err := Load(missingEnvFile(t))
			assert.Error(t, err)
		})
	}
}

func TestValidate_PeriodError(t *testing.T) {
	c := Config{MACDShort: 12, MACDLong: 0, MACDSignal: 9, SnapshotInterval: time.Second, ConsumerGroup: "g", ConsumerName: "n"}
	assert.ErrorIs(t, c.Validate(), indicator.ErrInvalidPeriod)
}
