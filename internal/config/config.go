/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables, providing a
 * centralized and straightforward way to manage application settings.
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

// Config holds all the configuration variables for the settlement-service.
// These values are loaded from environment variables. Gateway secrets are
// never logged.
type Config struct {
	ServerPort           string `mapstructure:"SERVER_PORT"`
	DatabaseURL          string `mapstructure:"DATABASE_URL"`
	RedisURL             string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL          string `mapstructure:"RABBITMQ_URL"`
	SettlementFeedQueue  string `mapstructure:"SETTLEMENT_FEED_QUEUE"`
	InternalAPIKey       string `mapstructure:"INTERNAL_API_KEY"`

	Currency        string `mapstructure:"CURRENCY"`
	CallbackBaseURL string `mapstructure:"CALLBACK_BASE_URL"`
	Environment     string `mapstructure:"GATEWAY_ENVIRONMENT"`

	// Mobile money (push) gateway
	MobileMoneyBaseURL        string `mapstructure:"MOBILE_MONEY_BASE_URL"`
	MobileMoneyShortCode      string `mapstructure:"MOBILE_MONEY_SHORT_CODE"`
	MobileMoneyTelco          string `mapstructure:"MOBILE_MONEY_TELCO"`
	MobileMoneyPushSecret     string `mapstructure:"MOBILE_MONEY_PUSH_SECRET"`
	MobileMoneyTokenURL       string `mapstructure:"MOBILE_MONEY_TOKEN_URL"`
	MobileMoneyConsumerKey    string `mapstructure:"MOBILE_MONEY_CONSUMER_KEY"`
	MobileMoneyConsumerSecret string `mapstructure:"MOBILE_MONEY_CONSUMER_SECRET"`

	// Bank hosted-checkout gateway
	BankCheckoutBaseURL        string `mapstructure:"BANK_CHECKOUT_BASE_URL"`
	BankCheckoutMerchantCode   string `mapstructure:"BANK_CHECKOUT_MERCHANT_CODE"`
	BankCheckoutSecret         string `mapstructure:"BANK_CHECKOUT_SECRET"`
	BankCheckoutTokenURL       string `mapstructure:"BANK_CHECKOUT_TOKEN_URL"`
	BankCheckoutConsumerKey    string `mapstructure:"BANK_CHECKOUT_CONSUMER_KEY"`
	BankCheckoutConsumerSecret string `mapstructure:"BANK_CHECKOUT_CONSUMER_SECRET"`

	// Bank USSD / bill push gateway
	BankUSSDBaseURL        string `mapstructure:"BANK_USSD_BASE_URL"`
	BankUSSDAccountNumber  string `mapstructure:"BANK_USSD_ACCOUNT_NUMBER"`
	BankUSSDPrivateKeyPEM  string `mapstructure:"BANK_USSD_PRIVATE_KEY_PEM"`
	BankUSSDTokenURL       string `mapstructure:"BANK_USSD_TOKEN_URL"`
	BankUSSDConsumerKey    string `mapstructure:"BANK_USSD_CONSUMER_KEY"`
	BankUSSDConsumerSecret string `mapstructure:"BANK_USSD_CONSUMER_SECRET"`

	GatewayTimeoutSeconds      int `mapstructure:"GATEWAY_TIMEOUT_SECONDS"`
	StalePendingHorizonMinutes int `mapstructure:"STALE_PENDING_HORIZON_MINUTES"`
	InitiateRateLimitPerMinute int `mapstructure:"INITIATE_RATE_LIMIT_PER_MINUTE"`

	SweepCronSpec     string `mapstructure:"SWEEP_CRON_SPEC"`
	ReconcileCronSpec string `mapstructure:"RECONCILE_CRON_SPEC"`
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
	viper.SetDefault("SETTLEMENT_FEED_QUEUE", "settlement_service.gateway_feed")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "skoolpay:rate_limit")
	viper.SetDefault("CURRENCY", "KES")
	viper.SetDefault("GATEWAY_ENVIRONMENT", "sandbox")
	viper.SetDefault("MOBILE_MONEY_TELCO", "safaricom")
	viper.SetDefault("GATEWAY_TIMEOUT_SECONDS", 30)
	viper.SetDefault("STALE_PENDING_HORIZON_MINUTES", 120)
	viper.SetDefault("INITIATE_RATE_LIMIT_PER_MINUTE", 10)
	viper.SetDefault("SWEEP_CRON_SPEC", "*/15 * * * *")
	viper.SetDefault("RECONCILE_CRON_SPEC", "*/5 * * * *")

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("SETTLEMENT_FEED_QUEUE")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "SETTLEMENT_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("CURRENCY")
	_ = viper.BindEnv("CALLBACK_BASE_URL")
	_ = viper.BindEnv("GATEWAY_ENVIRONMENT")
	_ = viper.BindEnv("MOBILE_MONEY_BASE_URL")
	_ = viper.BindEnv("MOBILE_MONEY_SHORT_CODE")
	_ = viper.BindEnv("MOBILE_MONEY_TELCO")
	_ = viper.BindEnv("MOBILE_MONEY_PUSH_SECRET")
	_ = viper.BindEnv("MOBILE_MONEY_TOKEN_URL")
	_ = viper.BindEnv("MOBILE_MONEY_CONSUMER_KEY")
	_ = viper.BindEnv("MOBILE_MONEY_CONSUMER_SECRET")
	_ = viper.BindEnv("BANK_CHECKOUT_BASE_URL")
	_ = viper.BindEnv("BANK_CHECKOUT_MERCHANT_CODE")
	_ = viper.BindEnv("BANK_CHECKOUT_SECRET")
	_ = viper.BindEnv("BANK_CHECKOUT_TOKEN_URL")
	_ = viper.BindEnv("BANK_CHECKOUT_CONSUMER_KEY")
	_ = viper.BindEnv("BANK_CHECKOUT_CONSUMER_SECRET")
	_ = viper.BindEnv("BANK_USSD_BASE_URL")
	_ = viper.BindEnv("BANK_USSD_ACCOUNT_NUMBER")
	_ = viper.BindEnv("BANK_USSD_PRIVATE_KEY_PEM")
	_ = viper.BindEnv("BANK_USSD_TOKEN_URL")
	_ = viper.BindEnv("BANK_USSD_CONSUMER_KEY")
	_ = viper.BindEnv("BANK_USSD_CONSUMER_SECRET")
	_ = viper.BindEnv("GATEWAY_TIMEOUT_SECONDS")
	_ = viper.BindEnv("STALE_PENDING_HORIZON_MINUTES")
	_ = viper.BindEnv("INITIATE_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("SWEEP_CRON_SPEC")
	_ = viper.BindEnv("RECONCILE_CRON_SPEC")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		// If the config file is not found, we can ignore the error.
		// For other errors, we should return them.
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
		config.InternalAPIKey = strings.TrimSpace(os.Getenv("SETTLEMENT_SERVICE_INTERNAL_API_KEY"))
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "skoolpay:rate_limit"
	}
	config.CallbackBaseURL = strings.TrimSuffix(strings.TrimSpace(config.CallbackBaseURL), "/")

	if config.GatewayTimeoutSeconds <= 0 {
		config.GatewayTimeoutSeconds = 30
	}
	if config.StalePendingHorizonMinutes <= 0 {
		config.StalePendingHorizonMinutes = 120
	}
	// Zero disables initiation rate limiting; only negative values are coerced.
	if config.InitiateRateLimitPerMinute < 0 {
		config.InitiateRateLimitPerMinute = 0
	}

	return
}
