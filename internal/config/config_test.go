package config

import (
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Port:            "8418",
		Env:             "development",
		DBDriver:        "sqlite",
		DBPath:          "beacon.db",
		RedisURL:        "localhost:6379",
		BackupDir:       "backups",
		FanoutMode:      "snapshot",
		IdentityAPIBase: "https://api.github.com",
		ResumeTTL:       60,
		PresenceTTL:     45,
		ContactCacheTTL: 300,
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "8418", cfg.Port)
	assert.Equal(t, "sqlite", cfg.DBDriver)
	assert.Equal(t, "snapshot", cfg.FanoutMode)
	assert.Equal(t, 60, cfg.ResumeTTL)
	assert.Equal(t, 45, cfg.PresenceTTL)
	assert.False(t, cfg.IsProduction())
}

func TestValidate(t *testing.T) {
	t.Run("ValidConfig", func(t *testing.T) {
		assert.NoError(t, validConfig().Validate())
	})

	t.Run("MissingPort", func(t *testing.T) {
		cfg := validConfig()
		cfg.Port = ""
		assert.Error(t, cfg.Validate())
	})

	t.Run("UnknownDriver", func(t *testing.T) {
		cfg := validConfig()
		cfg.DBDriver = "oracle"
		assert.Error(t, cfg.Validate())
	})

	t.Run("SqliteNeedsPath", func(t *testing.T) {
		cfg := validConfig()
		cfg.DBPath = ""
		assert.Error(t, cfg.Validate())
	})

	t.Run("PostgresNeedsHostAndName", func(t *testing.T) {
		cfg := validConfig()
		cfg.DBDriver = "postgres"
		assert.Error(t, cfg.Validate())

		cfg.DBHost = "localhost"
		cfg.DBName = "beacon"
		assert.NoError(t, cfg.Validate())
	})

	t.Run("UnknownFanoutMode", func(t *testing.T) {
		cfg := validConfig()
		cfg.FanoutMode = "gossip"
		assert.Error(t, cfg.Validate())
	})

	t.Run("NonPositiveTTL", func(t *testing.T) {
		cfg := validConfig()
		cfg.ResumeTTL = 0
		assert.Error(t, cfg.Validate())
	})

	t.Run("ProductionRequiresStrongPassword", func(t *testing.T) {
		cfg := validConfig()
		cfg.Env = "production"
		cfg.DBDriver = "postgres"
		cfg.DBHost = "db"
		cfg.DBName = "beacon"
		cfg.DBPassword = "password"
		assert.Error(t, cfg.Validate())

		cfg.DBPassword = "s3cure-and-long"
		assert.NoError(t, cfg.Validate())
	})
}
