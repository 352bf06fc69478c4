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
	"strings"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the remittance service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort             string `mapstructure:"SERVER_PORT"`
	Environment            string `mapstructure:"ENVIRONMENT"`
	DatabaseURL            string `mapstructure:"DATABASE_URL"`
	RedisURL               string `mapstructure:"REDIS_URL"`
	RabbitMQURL            string `mapstructure:"RABBITMQ_URL"`
	JWKSURL                string `mapstructure:"JWKS_URL"`
	AnchorHomeDomain       string `mapstructure:"ANCHOR_HOME_DOMAIN"`
	FiatAsset              string `mapstructure:"FIAT_ASSET"`
	ChainAsset             string `mapstructure:"CHAIN_ASSET"`
	VerificationCodeTTLSec int    `mapstructure:"VERIFICATION_CODE_TTL_SECONDS"`
	VerificationMaxTries   int    `mapstructure:"VERIFICATION_MAX_ATTEMPTS"`
	VerificationBypassCode string `mapstructure:"VERIFICATION_BYPASS_CODE"`
	SessionSweepSchedule   string `mapstructure:"SESSION_SWEEP_SCHEDULE"`
	SessionMaxAgeMinutes   int    `mapstructure:"SESSION_MAX_AGE_MINUTES"`
}

// IsProduction reports whether the service runs with production hardening.
func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
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
	viper.SetDefault("SERVER_PORT", "8086")
	viper.SetDefault("ENVIRONMENT", "development")
	viper.SetDefault("ANCHOR_HOME_DOMAIN", "testanchor.stellar.org")
	viper.SetDefault("FIAT_ASSET", "iso4217:NGN")
	viper.SetDefault("CHAIN_ASSET", "stellar:USDC:GBBD47IF6LWK7P7MDEVSCWR7DPUWV3NY3DTQEVFL4NAT4AQH3ZLLFLA5")
	viper.SetDefault("VERIFICATION_CODE_TTL_SECONDS", 300)
	viper.SetDefault("VERIFICATION_MAX_ATTEMPTS", 5)
	viper.SetDefault("SESSION_SWEEP_SCHEDULE", "@every 15m")
	viper.SetDefault("SESSION_MAX_AGE_MINUTES", 60)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("ENVIRONMENT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("JWKS_URL")
	_ = viper.BindEnv("ANCHOR_HOME_DOMAIN")
	_ = viper.BindEnv("FIAT_ASSET")
	_ = viper.BindEnv("CHAIN_ASSET")
	_ = viper.BindEnv("VERIFICATION_CODE_TTL_SECONDS")
	_ = viper.BindEnv("VERIFICATION_MAX_ATTEMPTS")
	_ = viper.BindEnv("VERIFICATION_BYPASS_CODE")
	_ = viper.BindEnv("SESSION_SWEEP_SCHEDULE")
	_ = viper.BindEnv("SESSION_MAX_AGE_MINUTES")

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

	config.AnchorHomeDomain = strings.TrimSpace(strings.ToLower(config.AnchorHomeDomain))

	if config.VerificationCodeTTLSec <= 0 {
		config.VerificationCodeTTLSec = 300
	}
	if config.VerificationMaxTries <= 0 {
		config.VerificationMaxTries = 5
	}
	if config.SessionMaxAgeMinutes <= 0 {
		config.SessionMaxAgeMinutes = 60
	}

	// A bypass code in production configuration is a misconfiguration, not a
	// feature. Drop it and warn.
	if config.IsProduction() && strings.TrimSpace(config.VerificationBypassCode) != "" {
		log.Println("level=warn component=config msg=\"verification bypass code ignored in production\"")
		config.VerificationBypassCode = ""
	}

	return
}
