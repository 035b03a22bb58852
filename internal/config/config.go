package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// DefaultSTUNServers are used when no STUN servers are configured.
var DefaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// Config holds runtime configuration values for the API service.
type Config struct {
	AppName               string
	AppEnv                string
	AppPort               string
	DatabaseURL           string
	RedisURL              string
	NATSURL               string
	JWTSecret             string
	JWTRefreshSecret      string
	RealtimeChannelBase   string
	RingTimeout           time.Duration
	PingInterval          time.Duration
	NotificationKeepAlive time.Duration
	STUNServers           []string
	AllowedOrigins        []string
}

// HTTPAddress returns the address the HTTP server should listen on.
func (c Config) HTTPAddress() string {
	if strings.HasPrefix(c.AppPort, ":") {
		return c.AppPort
	}

	return fmt.Sprintf(":%s", c.AppPort)
}

// Load reads configuration values from environment variables and optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("TELECARE")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("app.name", "Telecare API")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8080")
	v.SetDefault("realtime.channel_base", "telecare")
	v.SetDefault("realtime.ring_timeout", "60s")
	v.SetDefault("realtime.ping_interval", "30s")
	v.SetDefault("notifications.keepalive", "30s")

	return fromViper(v)
}

func fromViper(v *viper.Viper) (Config, error) {
	ringTimeout, err := parseDuration(v, "realtime.ring_timeout", time.Minute)
	if err != nil {
		return Config{}, err
	}
	pingInterval, err := parseDuration(v, "realtime.ping_interval", 30*time.Second)
	if err != nil {
		return Config{}, err
	}
	keepAlive, err := parseDuration(v, "notifications.keepalive", 30*time.Second)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		AppName:               v.GetString("app.name"),
		AppEnv:                v.GetString("app.env"),
		AppPort:               v.GetString("app.port"),
		DatabaseURL:           v.GetString("database.url"),
		RedisURL:              v.GetString("redis.url"),
		NATSURL:               v.GetString("nats.url"),
		JWTSecret:             v.GetString("jwt.secret"),
		JWTRefreshSecret:      v.GetString("jwt.refresh_secret"),
		RealtimeChannelBase:   v.GetString("realtime.channel_base"),
		RingTimeout:           ringTimeout,
		PingInterval:          pingInterval,
		NotificationKeepAlive: keepAlive,
		STUNServers:           splitList(v.GetString("stun.urls")),
		AllowedOrigins:        splitList(v.GetString("cors.allowed_origins")),
	}

	if cfg.JWTSecret == "" || cfg.JWTRefreshSecret == "" {
		return Config{}, fmt.Errorf("jwt secrets must be provided")
	}

	if len(cfg.STUNServers) == 0 {
		cfg.STUNServers = append([]string(nil), DefaultSTUNServers...)
	}

	return cfg, nil
}

func parseDuration(v *viper.Viper, key string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(v.GetString(key))
	if raw == "" {
		return fallback, nil
	}

	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if parsed <= 0 {
		return fallback, nil
	}

	return parsed, nil
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
