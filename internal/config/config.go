package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix               = "USERBASE"
	defaultHTTPAddress      = "0.0.0.0:8080"
	defaultLogLevel         = "info"
	defaultTransactionTable = "userbase-transactions"
	defaultUserTable        = "userbase-users"
	defaultBundleBucket     = "userbase-bundles"
	defaultMaxItemBytes     = 400 << 10
	defaultMaxBatchBytes    = 10 << 20
	defaultMaxBatchDeletes  = 100
	defaultLockLeaseSeconds = 30
	defaultTokenTTLMinutes  = 30
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress      string
	SigningSecret    string
	LogLevel         string
	AWSRegion        string
	AWSEndpoint      string
	TransactionTable string
	UserTable        string
	BundleBucket     string
	MaxItemBytes     int
	MaxBatchBytes    int
	MaxBatchDeletes  int
	BundleLockLease  time.Duration
	TokenTTL         time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("ddb.transaction_table", defaultTransactionTable)
	configViper.SetDefault("ddb.user_table", defaultUserTable)
	configViper.SetDefault("s3.bundle_bucket", defaultBundleBucket)
	configViper.SetDefault("limits.max_item_bytes", defaultMaxItemBytes)
	configViper.SetDefault("limits.max_batch_bytes", defaultMaxBatchBytes)
	configViper.SetDefault("limits.max_batch_deletes", defaultMaxBatchDeletes)
	configViper.SetDefault("bundle.lock_lease_seconds", defaultLockLeaseSeconds)
	configViper.SetDefault("token.ttl_minutes", defaultTokenTTLMinutes)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:      configViper.GetString("http.address"),
		SigningSecret:    configViper.GetString("auth.signing_secret"),
		LogLevel:         configViper.GetString("log.level"),
		AWSRegion:        configViper.GetString("aws.region"),
		AWSEndpoint:      configViper.GetString("aws.endpoint"),
		TransactionTable: configViper.GetString("ddb.transaction_table"),
		UserTable:        configViper.GetString("ddb.user_table"),
		BundleBucket:     configViper.GetString("s3.bundle_bucket"),
		MaxItemBytes:     configViper.GetInt("limits.max_item_bytes"),
		MaxBatchBytes:    configViper.GetInt("limits.max_batch_bytes"),
		MaxBatchDeletes:  configViper.GetInt("limits.max_batch_deletes"),
		BundleLockLease:  time.Duration(configViper.GetInt("bundle.lock_lease_seconds")) * time.Second,
		TokenTTL:         time.Duration(configViper.GetInt("token.ttl_minutes")) * time.Minute,
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.TransactionTable) == "" {
		return fmt.Errorf("ddb.transaction_table is required")
	}
	if strings.TrimSpace(c.UserTable) == "" {
		return fmt.Errorf("ddb.user_table is required")
	}
	if strings.TrimSpace(c.BundleBucket) == "" {
		return fmt.Errorf("s3.bundle_bucket is required")
	}
	if c.MaxItemBytes <= 0 || c.MaxBatchBytes <= 0 || c.MaxBatchDeletes <= 0 {
		return fmt.Errorf("limits must be positive")
	}
	if c.BundleLockLease <= 0 {
		return fmt.Errorf("bundle.lock_lease_seconds must be positive")
	}
	return nil
}
