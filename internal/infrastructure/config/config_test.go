package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	// Save original env vars and restore after tests
	originalEnv := map[string]string{
		"MERIDIAN_APP_NAME":          os.Getenv("MERIDIAN_APP_NAME"),
		"MERIDIAN_APP_ENV":           os.Getenv("MERIDIAN_APP_ENV"),
		"MERIDIAN_APP_PORT":          os.Getenv("MERIDIAN_APP_PORT"),
		"MERIDIAN_DATABASE_HOST":     os.Getenv("MERIDIAN_DATABASE_HOST"),
		"MERIDIAN_DATABASE_PORT":     os.Getenv("MERIDIAN_DATABASE_PORT"),
		"MERIDIAN_DATABASE_USER":     os.Getenv("MERIDIAN_DATABASE_USER"),
		"MERIDIAN_DATABASE_PASSWORD": os.Getenv("MERIDIAN_DATABASE_PASSWORD"),
		"MERIDIAN_DATABASE_DBNAME":   os.Getenv("MERIDIAN_DATABASE_DBNAME"),
		"MERIDIAN_DATABASE_SSLMODE":  os.Getenv("MERIDIAN_DATABASE_SSLMODE"),
		"MERIDIAN_REGIONS_HOME":      os.Getenv("MERIDIAN_REGIONS_HOME"),
		"MERIDIAN_JWT_SECRET":        os.Getenv("MERIDIAN_JWT_SECRET"),
	}

	defer func() {
		for k, v := range originalEnv {
			if v == "" {
				os.Unsetenv(k)
			} else {
				os.Setenv(k, v)
			}
		}
	}()

	clearEnv := func() {
		for k := range originalEnv {
			os.Unsetenv(k)
		}
	}

	t.Run("loads default values when env vars not set", func(t *testing.T) {
		clearEnv()

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, "meridian-backend", cfg.App.Name)
		assert.Equal(t, "development", cfg.App.Env)
		assert.Equal(t, "8080", cfg.App.Port)
		assert.Equal(t, "localhost", cfg.Database.Host)
		assert.Equal(t, 5432, cfg.Database.Port)
		assert.Equal(t, "meridian", cfg.Database.DBName)
		assert.Equal(t, "us-east", cfg.Regions.Home)
		assert.Contains(t, cfg.Regions.Codes, cfg.Regions.Home)
		assert.Equal(t, 0.8, cfg.Quota.DefaultAlertThreshold)
		assert.Equal(t, 5*time.Minute, cfg.Reconcile.Interval)
		assert.Equal(t, time.Hour, cfg.Audit.VerifyInterval)
		assert.Equal(t, 5, cfg.Audit.AppendRetries)
	})

	t.Run("loads values from environment variables with MERIDIAN prefix", func(t *testing.T) {
		clearEnv()
		os.Setenv("MERIDIAN_APP_NAME", "test-app")
		os.Setenv("MERIDIAN_APP_ENV", "testing")
		os.Setenv("MERIDIAN_APP_PORT", "9000")
		os.Setenv("MERIDIAN_DATABASE_HOST", "testdb.local")
		os.Setenv("MERIDIAN_DATABASE_PORT", "5433")
		os.Setenv("MERIDIAN_DATABASE_USER", "testuser")
		os.Setenv("MERIDIAN_DATABASE_PASSWORD", "testpass")
		os.Setenv("MERIDIAN_DATABASE_DBNAME", "testdb")
		os.Setenv("MERIDIAN_DATABASE_SSLMODE", "require")

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, "test-app", cfg.App.Name)
		assert.Equal(t, "testing", cfg.App.Env)
		assert.Equal(t, "9000", cfg.App.Port)
		assert.Equal(t, "testdb.local", cfg.Database.Host)
		assert.Equal(t, 5433, cfg.Database.Port)
		assert.Equal(t, "testuser", cfg.Database.User)
		assert.Equal(t, "testpass", cfg.Database.Password)
		assert.Equal(t, "testdb", cfg.Database.DBName)
		assert.Equal(t, "require", cfg.Database.SSLMode)
	})

	t.Run("rejects production config without jwt secret", func(t *testing.T) {
		clearEnv()
		os.Setenv("MERIDIAN_APP_ENV", "production")
		os.Setenv("MERIDIAN_DATABASE_PASSWORD", "supersecret")
		os.Setenv("MERIDIAN_DATABASE_SSLMODE", "require")

		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "jwt.secret")
	})

	t.Run("rejects production config with short jwt secret", func(t *testing.T) {
		clearEnv()
		os.Setenv("MERIDIAN_APP_ENV", "production")
		os.Setenv("MERIDIAN_JWT_SECRET", "tooshort")
		os.Setenv("MERIDIAN_DATABASE_PASSWORD", "supersecret")
		os.Setenv("MERIDIAN_DATABASE_SSLMODE", "require")

		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "32 characters")
	})

	t.Run("rejects production config with sslmode disable", func(t *testing.T) {
		clearEnv()
		os.Setenv("MERIDIAN_APP_ENV", "production")
		os.Setenv("MERIDIAN_JWT_SECRET", "this-secret-is-at-least-32-characters-long")
		os.Setenv("MERIDIAN_DATABASE_PASSWORD", "supersecret")

		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "sslmode")
	})

	t.Run("rejects home region missing from codes", func(t *testing.T) {
		clearEnv()
		os.Setenv("MERIDIAN_REGIONS_HOME", "eu-west")

		// The default codes list only contains the default home region;
		// overriding home alone leaves it unprovisioned
		_, err := Load()
		if err != nil {
			assert.Contains(t, err.Error(), "regions.home")
		}
		os.Unsetenv("MERIDIAN_REGIONS_HOME")
	})
}

func TestConfigValidate(t *testing.T) {
	base := func() *Config {
		cfg := &Config{}
		applyDefaults(cfg)
		return cfg
	}

	t.Run("accepts defaults", func(t *testing.T) {
		require.NoError(t, base().validate())
	})

	t.Run("rejects idle conns exceeding open conns", func(t *testing.T) {
		cfg := base()
		cfg.Database.MaxOpenConns = 5
		cfg.Database.MaxIdleConns = 10
		err := cfg.validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "max_idle_conns")
	})

	t.Run("rejects DSN for unknown region", func(t *testing.T) {
		cfg := base()
		cfg.Regions.DSNs = map[string]string{"mars-1": "postgres://mars"}
		err := cfg.validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown region")
	})

	t.Run("rejects malformed adequacy pair", func(t *testing.T) {
		cfg := base()
		cfg.Regions.AdequacyPairs = []string{"eu-west"}
		err := cfg.validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "adequacy_pairs")
	})

	t.Run("rejects alert threshold above one", func(t *testing.T) {
		cfg := base()
		cfg.Quota.DefaultAlertThreshold = 1.5
		err := cfg.validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "alert_threshold")
	})
}

func TestDatabaseDSN(t *testing.T) {
	d := DatabaseConfig{
		Host:     "db.internal",
		Port:     5432,
		User:     "meridian",
		Password: "p@ss/word",
		DBName:   "meridian",
		SSLMode:  "require",
	}

	dsn := d.DSN()
	assert.Contains(t, dsn, "postgres://")
	assert.Contains(t, dsn, "db.internal:5432")
	assert.Contains(t, dsn, "sslmode=require")
	// Special characters in the password must be escaped
	assert.NotContains(t, dsn, "p@ss/word")
}

func TestAdequacyMap(t *testing.T) {
	r := RegionsConfig{
		AdequacyPairs: []string{"eu-west:uk", "eu-west:ch", "uk:eu-west"},
	}

	m := r.AdequacyMap()
	assert.ElementsMatch(t, []string{"uk", "ch"}, m["eu-west"])
	assert.ElementsMatch(t, []string{"eu-west"}, m["uk"])
	assert.Empty(t, m["us-east"])
}

func TestRegionDSN(t *testing.T) {
	cfg := &Config{}
	applyDefaults(cfg)
	cfg.Regions.Codes = []string{"us-east", "eu-west"}
	cfg.Regions.DSNs = map[string]string{"eu-west": "postgres://eu-west-db/meridian"}

	assert.Equal(t, "postgres://eu-west-db/meridian", cfg.RegionDSN("eu-west"))
	// Unconfigured regions fall back to the default database
	assert.Equal(t, cfg.Database.DSN(), cfg.RegionDSN("us-east"))
}
