package config

import "time"

// Config holds server configuration values.
type Config struct {
	Addr              string        `mapstructure:"addr" yaml:"addr"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	MaxMessageBytes   int64         `mapstructure:"max_message_bytes" yaml:"max_message_bytes"`

	DatabasePath string `mapstructure:"database_path" yaml:"database_path"`

	JWTSecret   string `mapstructure:"jwt_secret" yaml:"jwt_secret"`
	JWTIssuer   string `mapstructure:"jwt_issuer" yaml:"jwt_issuer"`
	JWTAudience string `mapstructure:"jwt_audience" yaml:"jwt_audience"`
	// JWTRequired forces the realtime authenticate frame to carry a valid token.
	JWTRequired bool `mapstructure:"jwt_required" yaml:"jwt_required"`

	LogLevel  string `mapstructure:"log_level" yaml:"log_level"`
	LogFormat string `mapstructure:"log_format" yaml:"log_format"`

	// Redis relays room events between server instances. Empty address disables it.
	RedisAddr     string `mapstructure:"redis_addr" yaml:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password" yaml:"redis_password"`
	RedisChannel  string `mapstructure:"redis_channel" yaml:"redis_channel"`

	SendTimeout     time.Duration `mapstructure:"send_timeout" yaml:"send_timeout"`
	HistoryLimit    int           `mapstructure:"history_limit" yaml:"history_limit"`
	ConnBuffer      int           `mapstructure:"conn_buffer" yaml:"conn_buffer"`
	FramesPerSecond float64       `mapstructure:"frames_per_second" yaml:"frames_per_second"`
	FrameBurst      int           `mapstructure:"frame_burst" yaml:"frame_burst"`
	MaxTextLength   int           `mapstructure:"max_text_length" yaml:"max_text_length"`
}

// Default returns configuration with reasonable starter defaults.
func Default() Config {
	return Config{
		Addr:              ":8080",
		ReadHeaderTimeout: 5 * time.Second,
		ShutdownTimeout:   5 * time.Second,
		MaxMessageBytes:   64 << 10,
		DatabasePath:      "spotter.db",
		JWTSecret:         "change-me",
		JWTIssuer:         "spotter",
		JWTAudience:       "spotter-app",
		LogLevel:          "info",
		LogFormat:         "console",
		RedisChannel:      "spotter:chat",
		SendTimeout:       5 * time.Second,
		HistoryLimit:      50,
		ConnBuffer:        32,
		FramesPerSecond:   10,
		FrameBurst:        20,
		MaxTextLength:     4000,
	}
}

// UpdateFrom overwrites non-zero values from other config into receiver.
// The command line uses it to apply flag overrides on top of the loaded file.
func (c *Config) UpdateFrom(other Config) {
	if other.Addr != "" {
		c.Addr = other.Addr
	}
	if other.ReadHeaderTimeout != 0 {
		c.ReadHeaderTimeout = other.ReadHeaderTimeout
	}
	if other.ShutdownTimeout != 0 {
		c.ShutdownTimeout = other.ShutdownTimeout
	}
	if other.MaxMessageBytes != 0 {
		c.MaxMessageBytes = other.MaxMessageBytes
	}
	if other.DatabasePath != "" {
		c.DatabasePath = other.DatabasePath
	}
	if other.JWTSecret != "" {
		c.JWTSecret = other.JWTSecret
	}
	if other.JWTIssuer != "" {
		c.JWTIssuer = other.JWTIssuer
	}
	if other.JWTAudience != "" {
		c.JWTAudience = other.JWTAudience
	}
	if other.JWTRequired {
		c.JWTRequired = true
	}
	if other.LogLevel != "" {
		c.LogLevel = other.LogLevel
	}
	if other.LogFormat != "" {
		c.LogFormat = other.LogFormat
	}
	if other.RedisAddr != "" {
		c.RedisAddr = other.RedisAddr
	}
	if other.RedisPassword != "" {
		c.RedisPassword = other.RedisPassword
	}
	if other.RedisChannel != "" {
		c.RedisChannel = other.RedisChannel
	}
	if other.SendTimeout != 0 {
		c.SendTimeout = other.SendTimeout
	}
	if other.HistoryLimit != 0 {
		c.HistoryLimit = other.HistoryLimit
	}
	if other.ConnBuffer != 0 {
		c.ConnBuffer = other.ConnBuffer
	}
	if other.FramesPerSecond != 0 {
		c.FramesPerSecond = other.FramesPerSecond
	}
	if other.FrameBurst != 0 {
		c.FrameBurst = other.FrameBurst
	}
	if other.MaxTextLength != 0 {
		c.MaxTextLength = other.MaxTextLength
	}
}
