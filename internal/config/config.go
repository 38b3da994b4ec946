/**
 * @description
 * This package handles the configuration management for the service. It uses
 * the Viper library to read configuration from environment variables,
 * providing a centralized and straightforward way to manage application
 * settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the payment-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort string `mapstructure:"SERVER_PORT"`

	// Tenant host composition.
	BaseDomain   string `mapstructure:"BASE_DOMAIN"`
	Protocol     string `mapstructure:"PROTOCOL"`
	FrontendPort string `mapstructure:"FRONTEND_PORT"`
	WebsiteURL   string `mapstructure:"WEBSITE_URL"`

	// Provider endpoints.
	KhaltiBaseURL string `mapstructure:"KHALTI_BASE_URL"`
	EsewaBaseURL  string `mapstructure:"ESEWA_BASE_URL"`

	// Tenant-management backend.
	TenantAPITemplate string `mapstructure:"TENANT_API_TEMPLATE"`
	PlatformAPIURL    string `mapstructure:"PLATFORM_API_URL"`

	GatewayCacheTTLSeconds int `mapstructure:"GATEWAY_CACHE_TTL_SECONDS"`
	ProviderTimeoutSeconds int `mapstructure:"PROVIDER_TIMEOUT_SECONDS"`

	DatabaseURL string `mapstructure:"DATABASE_URL"`

	RedisURL                   string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix       string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	InitiateRateLimitPerMinute int    `mapstructure:"INITIATE_RATE_LIMIT_PER_MINUTE"`

	RabbitMQURL string `mapstructure:"RABBITMQ_URL"`

	InternalAPIKey string `mapstructure:"INTERNAL_API_KEY"`

	ReconcileSchedule    string `mapstructure:"RECONCILE_SCHEDULE"`
	ReconcileMaxAttempts int    `mapstructure:"RECONCILE_MAX_ATTEMPTS"`
	ReconcileBatchSize   int    `mapstructure:"RECONCILE_BATCH_SIZE"`
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("BASE_DOMAIN", "nepdora.com")
	viper.SetDefault("PROTOCOL", "https")
	viper.SetDefault("FRONTEND_PORT", "3000")
	viper.SetDefault("WEBSITE_URL", "https://nepdora.com")
	viper.SetDefault("KHALTI_BASE_URL", "https://khalti.com/api/v2")
	viper.SetDefault("ESEWA_BASE_URL", "https://epay.esewa.com.np/api/epay")
	viper.SetDefault("TENANT_API_TEMPLATE", "https://{subdomain}.nepdora.com")
	viper.SetDefault("PLATFORM_API_URL", "https://api.nepdora.com")
	viper.SetDefault("GATEWAY_CACHE_TTL_SECONDS", 300)
	viper.SetDefault("PROVIDER_TIMEOUT_SECONDS", 15)
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "nepdora:rate_limit")
	viper.SetDefault("INITIATE_RATE_LIMIT_PER_MINUTE", 30)
	viper.SetDefault("RECONCILE_SCHEDULE", "*/5 * * * *")
	viper.SetDefault("RECONCILE_MAX_ATTEMPTS", 5)
	viper.SetDefault("RECONCILE_BATCH_SIZE", 20)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("BASE_DOMAIN")
	_ = viper.BindEnv("PROTOCOL")
	_ = viper.BindEnv("FRONTEND_PORT")
	_ = viper.BindEnv("WEBSITE_URL")
	_ = viper.BindEnv("KHALTI_BASE_URL")
	_ = viper.BindEnv("ESEWA_BASE_URL")
	_ = viper.BindEnv("TENANT_API_TEMPLATE")
	_ = viper.BindEnv("PLATFORM_API_URL")
	_ = viper.BindEnv("GATEWAY_CACHE_TTL_SECONDS")
	_ = viper.BindEnv("PROVIDER_TIMEOUT_SECONDS")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "PAYMENT_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("INITIATE_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "PAYMENT_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("RECONCILE_SCHEDULE")
	_ = viper.BindEnv("RECONCILE_MAX_ATTEMPTS")
	_ = viper.BindEnv("RECONCILE_BATCH_SIZE")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	// Unmarshal the configuration into the Config struct.
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	if strings.TrimSpace(config.InternalAPIKey) == "" {
		config.InternalAPIKey = strings.TrimSpace(os.Getenv("PAYMENT_SERVICE_INTERNAL_API_KEY"))
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "nepdora:rate_limit"
	}

	if config.GatewayCacheTTLSeconds <= 0 {
		log.Printf("level=warn component=config msg=\"non-positive gateway cache ttl; using default\" ttl_seconds=%d", config.GatewayCacheTTLSeconds)
		config.GatewayCacheTTLSeconds = 300
	}
	if config.ProviderTimeoutSeconds <= 0 {
		log.Printf("level=warn component=config msg=\"non-positive provider timeout; using default\" timeout_seconds=%d", config.ProviderTimeoutSeconds)
		config.ProviderTimeoutSeconds = 15
	}
	if config.ReconcileMaxAttempts <= 0 {
		config.ReconcileMaxAttempts = 5
	}
	if config.ReconcileBatchSize <= 0 {
		config.ReconcileBatchSize = 20
	}

	return
}
