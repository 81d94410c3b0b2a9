package config

import (
	"fmt"
	"log"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Port           string   `mapstructure:"PORT"`
	Env            string   `mapstructure:"ENV"`
	FHIRBaseURL    string   `mapstructure:"FHIR_BASE_URL"`
	FHIRAuthToken  string   `mapstructure:"FHIR_AUTH_TOKEN"`
	DatabaseURL    string   `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32    `mapstructure:"DB_MIN_CONNS"`
	RedisURL       string   `mapstructure:"REDIS_URL"`
	AuthSigningKey string   `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins    []string `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int      `mapstructure:"RATE_LIMIT_BURST"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("FHIR_BASE_URL")
	v.BindEnv("FHIR_AUTH_TOKEN")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("REDIS_URL")
	v.BindEnv("AUTH_SIGNING_KEY")
	v.BindEnv("CORS_ORIGINS")
	v.BindEnv("RATE_LIMIT_RPS")
	v.BindEnv("RATE_LIMIT_BURST")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.IsDev() {
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: The in-memory patient directory is active unless FHIR_BASE_URL is set.")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run. Outside development
// the session signing key must be set and long enough that HS256 tokens
// cannot be brute-forced, and a real FHIR store must be configured.
func (c *Config) Validate() error {
	if c.IsDev() {
		return nil
	}
	if c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_SIGNING_KEY is required when ENV=%q", c.Env)
	}
	if len(c.AuthSigningKey) < 32 {
		return fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 bytes, got %d", len(c.AuthSigningKey))
	}
	if c.FHIRBaseURL == "" {
		return fmt.Errorf("FHIR_BASE_URL is required when ENV=%q", c.Env)
	}
	return nil
}
