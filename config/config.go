package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"macd-systemv1/internal/indicator"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// Infrastructure
	RedisAddr     string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	SQLitePath    string `envconfig:"SQLITE_PATH" default:"data/macd.db"`
	HTTPAddr      string `envconfig:"HTTP_ADDR" default:":9096"`
	LogLevel      string `envconfig:"LOG_LEVEL" default:"info"`

	// Input streams; empty means discover every price:* stream.
	PriceStreams  []string `envconfig:"PRICE_STREAMS"`
	ConsumerGroup string   `envconfig:"CONSUMER_GROUP" default:"macdengine"`
	ConsumerName  string   `envconfig:"CONSUMER_NAME" default:"worker-1"`

	// Composer
	MACDShort  int                `envconfig:"MACD_SHORT" default:"12"`
	MACDLong   int                `envconfig:"MACD_LONG" default:"26"`
	MACDSignal int                `envconfig:"MACD_SIGNAL" default:"9"`
	MACDSeed   indicator.SeedMode `envconfig:"MACD_SEED" default:"first"`

	// Checkpointing
	SnapshotKey      string        `envconfig:"SNAPSHOT_KEY" default:"macd:snapshot:engine"`
	SnapshotInterval time.Duration `envconfig:"SNAPSHOT_INTERVAL" default:"30s"`
}

// Load reads an optional .env file, then the environment, and validates the result.
// Variables already set in the environment win over the .env file.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}

	var c Config
	if err := envconfig.Process("", &c); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	c.PriceStreams = cleanList(c.PriceStreams)
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// MACD returns the composer configuration.
func (c *Config) MACD() indicator.MACDConfig {
	return indicator.MACDConfig{
		Short:  c.MACDShort,
		Long:   c.MACDLong,
		Signal: c.MACDSignal,
		Seed:   c.MACDSeed,
	}
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if err := c.MACD().Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.SnapshotInterval < time.Second {
		return fmt.Errorf("config: SNAPSHOT_INTERVAL must be at least 1s, got %s", c.SnapshotInterval)
	}
	if c.ConsumerGroup == "" || c.ConsumerName == "" {
		return errors.New("config: CONSUMER_GROUP and CONSUMER_NAME must be set")
	}
	return nil
}

func cleanList(in []string) []string {
	out := in[:0]
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
