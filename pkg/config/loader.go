package config

import (
	"log/slog"
	"strings"

	"github.com/spf13/viper"
)

// Load reads configuration from a file and environment variables.
func Load(logger *slog.Logger, fileName string) (*Config, error) {
	v := viper.New()

	// 1. Set default values
	v.SetDefault("server.address", ":3001")
	v.SetDefault("server.auth.jwtSecret", "default-secret-key-change-me")
	v.SetDefault("server.auth.issuer", "agentbench")
	v.SetDefault("server.auth.audience", "agentbench-relay")
	v.SetDefault("server.auth.accessTokenTTL", "15m")
	v.SetDefault("server.auth.refreshTokenTTL", "168h")
	v.SetDefault("server.auth.connectionTokenTTL", "15m")
	v.SetDefault("transport.readTimeout", "60s")
	v.SetDefault("relay.heartbeatInterval", "30s")
	v.SetDefault("relay.messageTimeout", "10s")
	v.SetDefault("relay.maxRetries", 3)
	v.SetDefault("relay.queueProcessInterval", "100ms")
	v.SetDefault("relay.maxQueueSize", 1000)
	v.SetDefault("relay.sessionTimeout", "1h")
	v.SetDefault("relay.sessionGracePeriod", "5s")
	v.SetDefault("relay.maxSessionEvents", 1000)
	v.SetDefault("relay.cleanupInterval", "60s")
	v.SetDefault("scoring.endpoint", "https://open.bigmodel.cn/api/paas/v4/chat/completions")
	v.SetDefault("scoring.model", "glm-4")
	v.SetDefault("scoring.timeout", "30s")
	v.SetDefault("logLevel", "info")

	// 2. Set config file details
	v.SetConfigName(fileName)
	v.SetConfigType("yaml")
	v.AddConfigPath(".") // look for config in the working directory

	// 3. Set up environment variable handling
	v.SetEnvPrefix("AGENTRELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 4. Read the configuration file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			// Config file was found but another error was produced
			return nil, err
		}
		logger.Warn("Config file not found. ignoring error and relying on defaults/env vars")
	}

	// 5. Unmarshal the configuration into our struct
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
