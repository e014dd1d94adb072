package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// Config holds all configuration for the service. It is loaded once at
// startup and passed explicitly into constructors; business code never reads
// viper directly.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	MercadoPago MercadoPagoConfig `mapstructure:"mercadopago"`
	Appmax      AppmaxConfig      `mapstructure:"appmax"`
	Lovable     LovableConfig     `mapstructure:"lovable"`
	Cron        CronConfig        `mapstructure:"cron"`
	Vault       VaultConfig       `mapstructure:"vault"`
	Log         LogConfig         `mapstructure:"log"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port string `mapstructure:"port"`
	Host string `mapstructure:"host"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Name     string `mapstructure:"name"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	SSLMode  string `mapstructure:"ssl_mode"`
}

// RedisConfig holds the optional Redis connection used for webhook
// deduplication. An empty address disables the dedup guard.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// MercadoPagoConfig holds the primary gateway credentials and endpoints.
type MercadoPagoConfig struct {
	AccessToken         string `mapstructure:"access_token"`
	BaseURL             string `mapstructure:"base_url"`
	NotificationURL     string `mapstructure:"notification_url"`
	StatementDescriptor string `mapstructure:"statement_descriptor"`
	Description         string `mapstructure:"description"`
}

// AppmaxConfig holds the secondary (fallback) gateway credentials.
type AppmaxConfig struct {
	Token     string `mapstructure:"token"`
	BaseURL   string `mapstructure:"base_url"`
	ProductID string `mapstructure:"product_id"`
}

// LovableConfig holds the account provisioning target.
type LovableConfig struct {
	BaseURL  string `mapstructure:"base_url"`
	APIKey   string `mapstructure:"api_key"`
	LoginURL string `mapstructure:"login_url"`
}

// CronConfig authorizes the external scheduler that drives the
// provisioning worker.
type CronConfig struct {
	Secret           string `mapstructure:"secret"`
	TrustedUserAgent string `mapstructure:"trusted_user_agent"`
}

// VaultConfig holds optional HashiCorp Vault settings for secret loading.
type VaultConfig struct {
	URL   string `mapstructure:"url"`
	Token string `mapstructure:"token"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Load loads configuration from file and environment variables
func Load() (*Config, error) {
	viper.SetDefault("server.port", "8086")
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.name", "gravador_checkout")
	viper.SetDefault("database.user", "postgres")
	viper.SetDefault("database.password", "password")
	viper.SetDefault("database.ssl_mode", "disable")
	viper.SetDefault("mercadopago.base_url", "https://api.mercadopago.com")
	viper.SetDefault("mercadopago.statement_descriptor", "GRAVADOR MEDICO")
	viper.SetDefault("mercadopago.description", "Gravador Médico - Acesso Vitalício")
	viper.SetDefault("appmax.base_url", "https://admin.appmax.com.br")
	viper.SetDefault("lovable.base_url", "https://gravadormedico.lovable.app")
	viper.SetDefault("cron.trusted_user_agent", "vercel-cron")
	viper.SetDefault("log.level", "info")

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/app/config")
	viper.AddConfigPath(".")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// No config file is fine, defaults and environment take over.
	}

	viper.AutomaticEnv()

	bindings := map[string]string{
		"server.port":                  "SERVER_PORT",
		"server.host":                  "SERVER_HOST",
		"database.host":                "DATABASE_HOST",
		"database.port":                "DATABASE_PORT",
		"database.name":                "DATABASE_NAME",
		"database.user":                "DATABASE_USER",
		"database.password":            "DATABASE_PASSWORD",
		"database.ssl_mode":            "DATABASE_SSL_MODE",
		"redis.addr":                   "REDIS_ADDR",
		"redis.password":               "REDIS_PASSWORD",
		"mercadopago.access_token":     "MERCADOPAGO_ACCESS_TOKEN",
		"mercadopago.notification_url": "MERCADOPAGO_NOTIFICATION_URL",
		"appmax.token":                 "APPMAX_TOKEN",
		"appmax.product_id":            "APPMAX_PRODUCT_ID",
		"lovable.base_url":             "LOVABLE_BASE_URL",
		"lovable.api_key":              "LOVABLE_API_KEY",
		"cron.secret":                  "CRON_SECRET",
		"vault.url":                    "VAULT_URL",
		"vault.token":                  "VAULT_TOKEN",
		"log.level":                    "LOG_LEVEL",
	}
	for key, env := range bindings {
		if err := viper.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", env, err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	return &cfg, nil
}
