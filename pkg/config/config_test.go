package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sampleConfig struct {
	Port    int           `env:"SAMPLE_PORT" envDefault:"8010"`
	Brokers []string      `env:"SAMPLE_BROKERS" envDefault:"localhost:9092" envSeparator:","`
	TTL     time.Duration `env:"SAMPLE_TTL" envDefault:"10m"`
}

func TestLoad_Defaults(t *testing.T) {
	var cfg sampleConfig
	require.NoError(t, Load(&cfg))

	assert.Equal(t, 8010, cfg.Port)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Brokers)
	assert.Equal(t, 10*time.Minute, cfg.TTL)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("SAMPLE_PORT", "9000")
	t.Setenv("SAMPLE_BROKERS", "k1:9092,k2:9092")
	t.Setenv("SAMPLE_TTL", "30s")

	var cfg sampleConfig
	require.NoError(t, Load(&cfg))

	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Brokers)
	assert.Equal(t, 30*time.Second, cfg.TTL)
}

func TestLoad_InvalidValue(t *testing.T) {
	t.Setenv("SAMPLE_PORT", "not-a-number")

	var cfg sampleConfig
	err := Load(&cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse config")
}

func TestLoad_RejectsNonPointer(t *testing.T) {
	assert.Error(t, Load(sampleConfig{}))
}
