package config

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	// Application settings
	AppName   string `mapstructure:"app_name"`
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	// Engine configuration
	Engine EngineConfig `mapstructure:"engine"`

	// Database configuration (the ArangoDB-backed Repository option)
	Database DatabaseConfig `mapstructure:"database"`
}

// EngineConfig holds every option spec §6 Configuration recognizes.
type EngineConfig struct {
	WorkerPoolSize                 int `mapstructure:"worker_pool_size"`
	AgentCallTimeoutSeconds        int `mapstructure:"agent_call_timeout_seconds"`
	ToolAgentCallTimeoutSeconds    int `mapstructure:"tool_agent_call_timeout_seconds"`
	MonitorIntervalSeconds         int `mapstructure:"monitor_interval_seconds"`
	ContextCleanupTTLSeconds       int `mapstructure:"context_cleanup_ttl_seconds"`
	InstanceCapacity               int `mapstructure:"instance_capacity"`
	TaskRetryLimit                 int `mapstructure:"task_retry_limit"`
	AdvisoryInstanceDeadlineMinutes int `mapstructure:"advisory_instance_deadline_minutes"`
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	Type     string `mapstructure:"type"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	SSLMode  string `mapstructure:"ssl_mode"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	config := &Config{
		AppName:   "workflowcore",
		LogLevel:  "info",
		LogFormat: "text",
		Engine: EngineConfig{
			WorkerPoolSize:                  5,
			AgentCallTimeoutSeconds:         120,
			ToolAgentCallTimeoutSeconds:     600,
			MonitorIntervalSeconds:          15,
			ContextCleanupTTLSeconds:        300,
			InstanceCapacity:                0, // 0 = unbounded
			TaskRetryLimit:                  0,
			AdvisoryInstanceDeadlineMinutes: 0, // 0 = unset
		},
		Database: DatabaseConfig{
			Type:     "arangodb",
			Host:     "localhost",
			Port:     8529,
			Database: "workflowcore",
			Username: "root",
			SSLMode:  "disable",
		},
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	// Add config paths
	if configPath != "" {
		if filepath.IsAbs(configPath) {
			viper.SetConfigFile(configPath)
		} else {
			viper.AddConfigPath(filepath.Dir(configPath))
			viper.SetConfigName(filepath.Base(configPath[:len(configPath)-len(filepath.Ext(configPath))]))
		}
	}

	// Add common config paths
	viper.AddConfigPath(".")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath("/etc/workflowcore")

	// Environment variable support
	viper.SetEnvPrefix("WFC")
	viper.AutomaticEnv()

	// Read config file if it exists
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		// Config file not found is acceptable, we'll use defaults and env vars
	}

	// Unmarshal into struct
	if err := viper.Unmarshal(config); err != nil {
		return nil, err
	}

	// Override with environment variables
	if password := os.Getenv("WFC_DATABASE_PASSWORD"); password != "" {
		config.Database.Password = password
	}
	if dbPort := os.Getenv("WFC_DATABASE_PORT"); dbPort != "" {
		if p, err := strconv.Atoi(dbPort); err == nil {
			config.Database.Port = p
		}
	}
	if pool := os.Getenv("WFC_ENGINE_WORKER_POOL_SIZE"); pool != "" {
		if p, err := strconv.Atoi(pool); err == nil {
			config.Engine.WorkerPoolSize = p
		}
	}

	return config, nil
}
