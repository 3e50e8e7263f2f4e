package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func validConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         "8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Host:   "localhost",
			User:   "test",
			DBName: "test",
		},
		Platform: PlatformConfig{
			VerifyToken: "secret",
		},
		AI: AIConfig{
			APIKeys:      []string{"k1"},
			ReplyTimeout: 25 * time.Second,
		},
		Scheduler: SchedulerConfig{
			IntervalMinutes: 10,
		},
	}
}

func TestConfigValidation(t *testing.T) {
	assert.NoError(t, validConfig().Validate())

	noPort := validConfig()
	noPort.Server.Port = ""
	assert.Error(t, noPort.Validate())

	noToken := validConfig()
	noToken.Platform.VerifyToken = ""
	assert.Error(t, noToken.Validate())

	noKeys := validConfig()
	noKeys.AI.APIKeys = nil
	assert.Error(t, noKeys.Validate())

	noTimeout := validConfig()
	noTimeout.AI.ReplyTimeout = 0
	assert.Error(t, noTimeout.Validate())

	badInterval := validConfig()
	badInterval.Scheduler.IntervalMinutes = 0
	assert.Error(t, badInterval.Validate())
}

func TestDatabaseDSN(t *testing.T) {
	cfg := DatabaseConfig{
		Host:     "localhost",
		Port:     3306,
		User:     "testuser",
		Password: "testpass",
		DBName:   "testdb",
	}

	dsn := cfg.GetDSN()
	expected := "testuser:testpass@tcp(localhost:3306)/testdb?charset=utf8mb4&parseTime=True&loc=Local"
	assert.Equal(t, expected, dsn)
}
