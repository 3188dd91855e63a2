package config

import "time"

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Transport TransportConfig `mapstructure:"transport"`
	Relay     RelayConfig     `mapstructure:"relay"`
	Scoring   ScoringConfig   `mapstructure:"scoring"`
	LogLevel  string          `mapstructure:"logLevel"`
}

type ServerConfig struct {
	Address string     `mapstructure:"address"`
	Auth    AuthConfig `mapstructure:"auth"`
}

type AuthConfig struct {
	JWTSecret          string        `mapstructure:"jwtSecret"`
	Issuer             string        `mapstructure:"issuer"`
	Audience           string        `mapstructure:"audience"`
	AccessTokenTTL     time.Duration `mapstructure:"accessTokenTTL"`
	RefreshTokenTTL    time.Duration `mapstructure:"refreshTokenTTL"`
	ConnectionTokenTTL time.Duration `mapstructure:"connectionTokenTTL"`
}

type TransportConfig struct {
	ReadTimeout time.Duration `mapstructure:"readTimeout"`
}

// RelayConfig holds the timers and bounds of the relay core.
type RelayConfig struct {
	HeartbeatInterval    time.Duration `mapstructure:"heartbeatInterval"`
	MessageTimeout       time.Duration `mapstructure:"messageTimeout"`
	MaxRetries           int           `mapstructure:"maxRetries"`
	QueueProcessInterval time.Duration `mapstructure:"queueProcessInterval"`
	MaxQueueSize         int           `mapstructure:"maxQueueSize"`
	SessionTimeout       time.Duration `mapstructure:"sessionTimeout"`
	SessionGracePeriod   time.Duration `mapstructure:"sessionGracePeriod"`
	MaxSessionEvents     int           `mapstructure:"maxSessionEvents"`
	CleanupInterval      time.Duration `mapstructure:"cleanupInterval"`
}

type ScoringConfig struct {
	Endpoint string        `mapstructure:"endpoint"`
	APIKey   string        `mapstructure:"apiKey"`
	Model    string        `mapstructure:"model"`
	Timeout  time.Duration `mapstructure:"timeout"`
}
