package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration (env + Viper).
type Config struct {
	Env                 string
	Port                string
	LogLevel            string
	DatabaseURL         string // postgres DSN, or sqlite:<path> for local runs
	RedisURL            string // optional; enables the shared reservation lock, settings cache and request stats
	AMQPURL             string // optional; downstream events are only logged without it
	AMQPExchange        string
	StripeSecretKey     string
	StripeWebhookSecret string
	HealthAdminKey      string
	CORSAllowedSuffix   string
	HoldSweepInterval   time.Duration
	ReconcileInterval   time.Duration
	SettingsCacheTTL    time.Duration
	ReservationLockTTL  time.Duration
}

// Load loads config from env and optional .env file.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("APP_ENV", "development")
	v.SetDefault("PORT", "8080")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DATABASE_URL", "sqlite:clinic.db")
	v.SetDefault("AMQP_EXCHANGE", "clinic.events")
	v.SetDefault("HOLD_SWEEP_INTERVAL", "1m")
	v.SetDefault("RECONCILE_INTERVAL", "5m")
	v.SetDefault("SETTINGS_CACHE_TTL", "30s")
	v.SetDefault("RESERVATION_LOCK_TTL", "10s")

	return &Config{
		Env:                 v.GetString("APP_ENV"),
		Port:                v.GetString("PORT"),
		LogLevel:            v.GetString("LOG_LEVEL"),
		DatabaseURL:         v.GetString("DATABASE_URL"),
		RedisURL:            v.GetString("REDIS_URL"),
		AMQPURL:             v.GetString("AMQP_URL"),
		AMQPExchange:        v.GetString("AMQP_EXCHANGE"),
		StripeSecretKey:     v.GetString("STRIPE_SECRET_KEY"),
		StripeWebhookSecret: v.GetString("STRIPE_WEBHOOK_SECRET"),
		HealthAdminKey:      v.GetString("HEALTH_ADMIN_KEY"),
		CORSAllowedSuffix:   v.GetString("CORS_ALLOWED_SUFFIX"),
		HoldSweepInterval:   v.GetDuration("HOLD_SWEEP_INTERVAL"),
		ReconcileInterval:   v.GetDuration("RECONCILE_INTERVAL"),
		SettingsCacheTTL:    v.GetDuration("SETTINGS_CACHE_TTL"),
		ReservationLockTTL:  v.GetDuration("RESERVATION_LOCK_TTL"),
	}, nil
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}
