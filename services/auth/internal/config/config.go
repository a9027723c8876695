package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	base "github.com/Dinhviethd/reclaim/libs/config"
	"github.com/Dinhviethd/reclaim/services/auth/internal/security"
)

type DBConfig struct {
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	SSLMode  string
}

type RateLimitRedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

type RateLimitConfig struct {
	Limit  int
	Window time.Duration
	Redis  RateLimitRedisConfig
}

type SMTPConfig struct {
	Addr     string
	From     string
	User     string
	Password string
	Timeout  time.Duration
}

type KafkaConfig struct {
	Brokers  []string
	DLQTopic string
}

type Config struct {
	App              base.AppConfig
	JWTAccessSecret  string
	JWTRefreshSecret string
	JWTIssuer        string
	AccessTokenTTL   time.Duration
	RefreshTokenTTL  time.Duration
	OTPTTL           time.Duration
	Argon2           security.Argon2Params
	DB               DBConfig
	RateLimit        RateLimitConfig
	SMTP             SMTPConfig
	Kafka            KafkaConfig
}

func Load() (*Config, error) {
	appCfg, err := base.Load(os.Getenv("RECLAIM_CONFIG"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		App:              *appCfg,
		JWTAccessSecret:  envString("RECLAIM_JWT_ACCESS_SECRET", ""),
		JWTRefreshSecret: envString("RECLAIM_JWT_REFRESH_SECRET", ""),
		JWTIssuer:        envString("RECLAIM_JWT_ISSUER", "reclaim-auth"),
		AccessTokenTTL:   envDuration("RECLAIM_ACCESS_TOKEN_TTL", 15*time.Minute),
		RefreshTokenTTL:  envDuration("RECLAIM_REFRESH_TOKEN_TTL", 7*24*time.Hour),
		OTPTTL:           envDuration("RECLAIM_OTP_TTL", 5*time.Minute),
		Argon2: security.Argon2Params{
			Memory:      uint32(envInt("RECLAIM_ARGON2_MEMORY", 64*1024)),
			Iterations:  uint32(envInt("RECLAIM_ARGON2_ITERATIONS", 3)),
			Parallelism: uint8(envInt("RECLAIM_ARGON2_PARALLELISM", 2)),
			SaltLength:  uint32(envInt("RECLAIM_ARGON2_SALT_LENGTH", 16)),
			KeyLength:   uint32(envInt("RECLAIM_ARGON2_KEY_LENGTH", 32)),
		},
		DB: DBConfig{
			Host:     envString("POSTGRES_HOST", "localhost"),
			Port:     envInt("POSTGRES_PORT", 5432),
			Name:     envString("POSTGRES_DB", "reclaim"),
			User:     envString("POSTGRES_USER", "reclaim"),
			Password: envString("POSTGRES_PASSWORD", "reclaim"),
			SSLMode:  envString("POSTGRES_SSLMODE", "disable"),
		},
		RateLimit: RateLimitConfig{
			Limit:  envInt("RECLAIM_AUTH_RATE_LIMIT", 10),
			Window: envDuration("RECLAIM_AUTH_RATE_WINDOW", 1*time.Minute),
			Redis: RateLimitRedisConfig{
				Addr:     envString("RECLAIM_RATE_LIMIT_REDIS_ADDR", ""),
				Password: envString("RECLAIM_RATE_LIMIT_REDIS_PASSWORD", ""),
				DB:       envInt("RECLAIM_RATE_LIMIT_REDIS_DB", 0),
				Prefix:   envString("RECLAIM_RATE_LIMIT_REDIS_PREFIX", "reclaim:auth:rl:"),
			},
		},
		SMTP: SMTPConfig{
			Addr:     envString("RECLAIM_SMTP_ADDR", "localhost:1025"),
			From:     envString("RECLAIM_SMTP_FROM", "noreply@reclaim.local"),
			User:     envString("RECLAIM_SMTP_USER", ""),
			Password: envString("RECLAIM_SMTP_PASSWORD", ""),
			Timeout:  envDuration("RECLAIM_SMTP_TIMEOUT", 10*time.Second),
		},
		Kafka: KafkaConfig{
			Brokers:  envList("RECLAIM_KAFKA_BROKERS"),
			DLQTopic: envString("RECLAIM_KAFKA_DLQ_TOPIC", "auth.dead_letter"),
		},
	}

	if cfg.JWTAccessSecret == "" || cfg.JWTRefreshSecret == "" {
		return nil, fmt.Errorf("RECLAIM_JWT_ACCESS_SECRET and RECLAIM_JWT_REFRESH_SECRET must be set")
	}
	if cfg.JWTAccessSecret == cfg.JWTRefreshSecret {
		return nil, fmt.Errorf("access and refresh secrets must differ")
	}

	return cfg, nil
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
