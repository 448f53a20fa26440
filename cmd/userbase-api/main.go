package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/nuibits/userbase/internal/auth"
	"github.com/nuibits/userbase/internal/config"
	"github.com/nuibits/userbase/internal/ledger"
	"github.com/nuibits/userbase/internal/logging"
	"github.com/nuibits/userbase/internal/server"
	"github.com/nuibits/userbase/internal/store"
	"github.com/nuibits/userbase/internal/users"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "userbase-api",
		Short: "Userbase encrypted per-user database service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("transaction-table", defaults.GetString("ddb.transaction_table"), "DynamoDB transaction table name")
	cmd.PersistentFlags().String("user-table", defaults.GetString("ddb.user_table"), "DynamoDB user table name")
	cmd.PersistentFlags().String("bundle-bucket", defaults.GetString("s3.bundle_bucket"), "S3 bucket for bundle snapshots")
	cmd.PersistentFlags().String("aws-region", defaults.GetString("aws.region"), "AWS region")
	cmd.PersistentFlags().String("aws-endpoint", defaults.GetString("aws.endpoint"), "AWS endpoint override for local stacks")
	cmd.PersistentFlags().Int("lock-lease-seconds", defaults.GetInt("bundle.lock_lease_seconds"), "Bundle lock lease in seconds")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "ddb.transaction_table", "transaction-table")
	bindFlag(cmd, "ddb.user_table", "user-table")
	bindFlag(cmd, "s3.bundle_bucket", "bundle-bucket")
	bindFlag(cmd, "aws.region", "aws-region")
	bindFlag(cmd, "aws.endpoint", "aws-endpoint")
	bindFlag(cmd, "bundle.lock_lease_seconds", "lock-lease-seconds")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	awsConfig, err := loadAWSConfig(ctx, appConfig)
	if err != nil {
		return err
	}
	dynamoClient := dynamodb.NewFromConfig(awsConfig, func(options *dynamodb.Options) {
		if appConfig.AWSEndpoint != "" {
			options.BaseEndpoint = aws.String(appConfig.AWSEndpoint)
		}
	})
	s3Client := s3.NewFromConfig(awsConfig, func(options *s3.Options) {
		if appConfig.AWSEndpoint != "" {
			options.BaseEndpoint = aws.String(appConfig.AWSEndpoint)
			options.UsePathStyle = true
		}
	})

	dynamoStore, err := store.NewDynamoStore(store.DynamoConfig{
		Client:           dynamoClient,
		TransactionTable: appConfig.TransactionTable,
		UserTable:        appConfig.UserTable,
	})
	if err != nil {
		return err
	}
	blobStore, err := store.NewBlobStore(store.BlobConfig{
		Client: s3Client,
		Bucket: appConfig.BundleBucket,
	})
	if err != nil {
		return err
	}

	userService, err := users.NewService(users.ServiceConfig{Directory: dynamoStore})
	if err != nil {
		return err
	}

	memcache := ledger.NewMemcache(ledger.MemcacheConfig{
		Transactions: dynamoStore,
		Watermarks:   userService,
		Logger:       logger,
	})
	bundleLock := ledger.NewBundleLock(ledger.BundleLockConfig{Lease: appConfig.BundleLockLease})

	engine, err := ledger.NewEngine(ledger.EngineConfig{
		Store:           dynamoStore,
		Memcache:        memcache,
		Logger:          logger,
		MaxItemBytes:    appConfig.MaxItemBytes,
		MaxBatchBytes:   appConfig.MaxBatchBytes,
		MaxBatchDeletes: appConfig.MaxBatchDeletes,
	})
	if err != nil {
		return err
	}
	defer engine.Close()

	coordinator, err := ledger.NewBundleCoordinator(ledger.BundleCoordinatorConfig{
		Blobs:    blobStore,
		Store:    dynamoStore,
		Users:    userService,
		Memcache: memcache,
		Lock:     bundleLock,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	readPath, err := ledger.NewReadPath(ledger.ReadPathConfig{
		Memcache: memcache,
		Blobs:    blobStore,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	tokenIssuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        "userbase-auth",
		Audience:      "userbase-api",
		TokenTTL:      appConfig.TokenTTL,
	})

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Tokens:   tokenIssuer,
		Engine:   engine,
		Reads:    readPath,
		Bundles:  coordinator,
		Locks:    bundleLock,
		Realtime: server.NewRealtimeDispatcher(),
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func loadAWSConfig(ctx context.Context, appConfig config.AppConfig) (aws.Config, error) {
	var options []func(*awsconfig.LoadOptions) error
	if appConfig.AWSRegion != "" {
		options = append(options, awsconfig.WithRegion(appConfig.AWSRegion))
	}
	return awsconfig.LoadDefaultConfig(ctx, options...)
}
