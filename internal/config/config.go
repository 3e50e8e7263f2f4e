package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Platform  PlatformConfig  `mapstructure:"platform"`
	AI        AIConfig        `mapstructure:"ai"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         string        `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
}

// PlatformConfig holds social-platform Graph API configuration
type PlatformConfig struct {
	GraphBaseURL     string        `mapstructure:"graph_base_url"`
	APIVersion       string        `mapstructure:"api_version"`
	VerifyToken      string        `mapstructure:"verify_token"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	RepollPostLimit  int           `mapstructure:"repoll_post_limit"`
	SubscribedFields string        `mapstructure:"subscribed_fields"`
}

// AIConfig holds generative-AI provider configuration
type AIConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	Model          string        `mapstructure:"model"`
	APIKeys        []string      `mapstructure:"api_keys"`
	RetryDelay     time.Duration `mapstructure:"retry_delay"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	ReplyTimeout   time.Duration `mapstructure:"reply_timeout"`
}

// SchedulerConfig holds reprocessing scheduler configuration
type SchedulerConfig struct {
	IntervalMinutes int `mapstructure:"interval_minutes"`
	BatchSize       int `mapstructure:"batch_size"`
}

// LoadConfig loads configuration from environment variables and config file
func LoadConfig() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	// Set defaults
	setDefaults()

	// Read config file if it exists
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	// Environment variables override config file
	viper.AutomaticEnv()

	// Bind environment variables
	bindEnvVars()

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults() {
	viper.SetDefault("server.port", "8080")
	viper.SetDefault("server.read_timeout", "30s")
	viper.SetDefault("server.write_timeout", "30s")

	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 3306)

	viper.SetDefault("platform.graph_base_url", "https://graph.facebook.com")
	viper.SetDefault("platform.api_version", "v20.0")
	viper.SetDefault("platform.request_timeout", "30s")
	viper.SetDefault("platform.repoll_post_limit", 5)
	viper.SetDefault("platform.subscribed_fields", "feed,messages")

	viper.SetDefault("ai.base_url", "https://generativelanguage.googleapis.com/v1beta")
	viper.SetDefault("ai.model", "gemini-1.5-flash")
	viper.SetDefault("ai.retry_delay", "2s")
	viper.SetDefault("ai.request_timeout", "30s")
	viper.SetDefault("ai.reply_timeout", "25s")

	viper.SetDefault("scheduler.interval_minutes", 10)
	viper.SetDefault("scheduler.batch_size", 50)
}

// bindEnvVars binds environment variables to configuration keys
func bindEnvVars() {
	// Server
	viper.BindEnv("server.port", "SERVER_PORT")
	viper.BindEnv("server.read_timeout", "SERVER_READ_TIMEOUT")
	viper.BindEnv("server.write_timeout", "SERVER_WRITE_TIMEOUT")

	// Database
	viper.BindEnv("database.host", "DB_HOST")
	viper.BindEnv("database.port", "DB_PORT")
	viper.BindEnv("database.user", "DB_USER")
	viper.BindEnv("database.password", "DB_PASSWORD")
	viper.BindEnv("database.dbname", "DB_NAME")

	// Platform
	viper.BindEnv("platform.graph_base_url", "GRAPH_BASE_URL")
	viper.BindEnv("platform.api_version", "GRAPH_API_VERSION")
	viper.BindEnv("platform.verify_token", "WEBHOOK_VERIFY_TOKEN")
	viper.BindEnv("platform.request_timeout", "GRAPH_REQUEST_TIMEOUT")
	viper.BindEnv("platform.repoll_post_limit", "GRAPH_REPOLL_POST_LIMIT")
	viper.BindEnv("platform.subscribed_fields", "GRAPH_SUBSCRIBED_FIELDS")

	// AI provider
	viper.BindEnv("ai.base_url", "AI_BASE_URL")
	viper.BindEnv("ai.model", "AI_MODEL")
	viper.BindEnv("ai.api_keys", "AI_API_KEYS")
	viper.BindEnv("ai.retry_delay", "AI_RETRY_DELAY")
	viper.BindEnv("ai.request_timeout", "AI_REQUEST_TIMEOUT")
	viper.BindEnv("ai.reply_timeout", "AI_REPLY_TIMEOUT")

	// Scheduler
	viper.BindEnv("scheduler.interval_minutes", "SCHEDULER_INTERVAL_MINUTES")
	viper.BindEnv("scheduler.batch_size", "SCHEDULER_BATCH_SIZE")
}

// GetDSN returns the database connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		c.User, c.Password, c.Host, c.Port, c.DBName)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}

	if c.Database.Host == "" || c.Database.User == "" || c.Database.DBName == "" {
		return fmt.Errorf("database host, user, and dbname are required")
	}

	if c.Platform.VerifyToken == "" {
		return fmt.Errorf("webhook verify token is required")
	}

	if len(c.AI.APIKeys) == 0 {
		return fmt.Errorf("at least one AI API key is required")
	}

	if c.AI.ReplyTimeout <= 0 {
		return fmt.Errorf("AI reply timeout must be greater than 0")
	}

	if c.Scheduler.IntervalMinutes <= 0 {
		return fmt.Errorf("scheduler interval must be greater than 0")
	}

	return nil
}
