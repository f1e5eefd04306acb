package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tyemirov/portfolioctl/internal/portfolioapi"
	"github.com/tyemirov/portfolioctl/internal/sessionkit"
	"go.uber.org/zap"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

const (
	configCodeMissingAPIBaseURL      = "config.missing_api_base_url"
	configCodeInvalidVerifyInterval  = "config.invalid_verify_interval"
	configCodeInvalidHTTPTimeout     = "config.invalid_http_timeout"
	configCodeUnresolvedStateDir     = "config.unresolved_state_dir"
	configCodeUninitializedClientCfg = "config.uninitialized_client_config"
)

type contextKey string

const clientConfigContextKey contextKey = "clientConfig"

// ClientConfig carries everything the session subsystem needs to run.
type ClientConfig struct {
	APIBaseURL     string
	DatabaseURL    string
	MarkerPath     string
	VerifyInterval time.Duration
	HTTPTimeout    time.Duration
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:               "portfolioctl",
		Short:             "Portfolio-builder client with persistent bearer sessions, transparent refresh, and cross-process session sync",
		PersistentPreRunE: prepareClientConfig,
	}

	rootCmd.PersistentFlags().String("api_base_url", "", "Base URL of the portfolio API")
	rootCmd.PersistentFlags().String("state_dir", "", "Directory for session state; defaults to ~/.portfolioctl")
	rootCmd.PersistentFlags().String("database_url", "", "Credential store URL (sqlite:// or postgres://); defaults to sqlite in state_dir")
	rootCmd.PersistentFlags().Duration("verify_interval", sessionkit.DefaultVerifyInterval, "Background credential verification interval")
	rootCmd.PersistentFlags().Duration("http_timeout", 15*time.Second, "HTTP client timeout")

	_ = viper.BindPFlag("api_base_url", rootCmd.PersistentFlags().Lookup("api_base_url"))
	_ = viper.BindPFlag("state_dir", rootCmd.PersistentFlags().Lookup("state_dir"))
	_ = viper.BindPFlag("database_url", rootCmd.PersistentFlags().Lookup("database_url"))
	_ = viper.BindPFlag("verify_interval", rootCmd.PersistentFlags().Lookup("verify_interval"))
	_ = viper.BindPFlag("http_timeout", rootCmd.PersistentFlags().Lookup("http_timeout"))

	viper.SetEnvPrefix("APP")
	viper.AutomaticEnv()

	rootCmd.AddCommand(
		newLoginCommand(),
		newLogoutCommand(),
		newWhoamiCommand(),
		newRequestCommand(),
		newWatchCommand(),
		newPortfolioCommand(),
		newTemplatesCommand(),
	)

	return rootCmd
}

func prepareClientConfig(command *cobra.Command, arguments []string) error {
	clientConfig, loadErr := LoadClientConfig()
	if loadErr != nil {
		return loadErr
	}
	existingContext := command.Context()
	if existingContext == nil {
		existingContext = context.Background()
	}
	command.SetContext(context.WithValue(existingContext, clientConfigContextKey, clientConfig))
	return nil
}

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

// LoadClientConfig validates viper state into a ClientConfig.
func LoadClientConfig() (ClientConfig, error) {
	apiBaseURL := viper.GetString("api_base_url")
	if apiBaseURL == "" {
		return ClientConfig{}, configError(configCodeMissingAPIBaseURL, "api_base_url must be provided")
	}

	verifyInterval := viper.GetDuration("verify_interval")
	if verifyInterval <= 0 {
		return ClientConfig{}, configError(configCodeInvalidVerifyInterval, "verify_interval must be greater than zero")
	}

	httpTimeout := viper.GetDuration("http_timeout")
	if httpTimeout <= 0 {
		return ClientConfig{}, configError(configCodeInvalidHTTPTimeout, "http_timeout must be greater than zero")
	}

	stateDir := viper.GetString("state_dir")
	if stateDir == "" {
		homeDir, homeErr := os.UserHomeDir()
		if homeErr != nil {
			return ClientConfig{}, configError(configCodeUnresolvedStateDir, "state_dir not set and home directory unavailable")
		}
		stateDir = filepath.Join(homeDir, ".portfolioctl")
	}

	databaseURL := viper.GetString("database_url")
	if databaseURL == "" {
		databaseURL = "sqlite://" + filepath.Join(stateDir, "session.db")
	}

	return ClientConfig{
		APIBaseURL:     apiBaseURL,
		DatabaseURL:    databaseURL,
		MarkerPath:     filepath.Join(stateDir, "session.events"),
		VerifyInterval: verifyInterval,
		HTTPTimeout:    httpTimeout,
	}, nil
}

func clientConfigFromCommand(command *cobra.Command) (ClientConfig, error) {
	commandContext := command.Context()
	var contextValue any
	if commandContext != nil {
		contextValue = commandContext.Value(clientConfigContextKey)
	}
	clientConfig, ok := contextValue.(ClientConfig)
	if !ok {
		return ClientConfig{}, configError(configCodeUninitializedClientCfg, "client configuration not prepared; PersistentPreRunE must execute before RunE")
	}
	return clientConfig, nil
}

// sessionRuntime bundles the wired session subsystem for one command
// invocation.
type sessionRuntime struct {
	store       *sessionkit.DatabaseCredentialStore
	notifier    *sessionkit.Broadcaster
	coordinator *sessionkit.RefreshCoordinator
	dispatcher  *sessionkit.Dispatcher
	controller  *sessionkit.SessionController
	monitor     *sessionkit.ValidityMonitor
	syncer      *sessionkit.ContextSynchronizer
	metrics     *sessionkit.CounterMetrics
	portfolios  *portfolioapi.Client
	logger      *zap.Logger
}

// Close releases the credential store and flushes the logger.
func (runtime *sessionRuntime) Close() {
	if closeErr := runtime.store.Close(); closeErr != nil {
		runtime.logger.Error("credential store close failed", zap.Error(closeErr))
	}
	_ = runtime.logger.Sync()
}

var openCredentialStore = func(ctx context.Context, clientConfig ClientConfig) (*sessionkit.DatabaseCredentialStore, error) {
	return sessionkit.NewDatabaseCredentialStore(ctx, clientConfig.DatabaseURL, clientConfig.MarkerPath, sessionkit.NewSystemClock())
}

func buildSessionRuntime(ctx context.Context, clientConfig ClientConfig, logger *zap.Logger) (*sessionRuntime, error) {
	store, storeErr := openCredentialStore(ctx, clientConfig)
	if storeErr != nil {
		return nil, storeErr
	}
	httpClient := &http.Client{Timeout: clientConfig.HTTPTimeout}
	notifier := sessionkit.NewBroadcaster()
	metrics := sessionkit.NewCounterMetrics()
	coordinator := sessionkit.NewRefreshCoordinator(clientConfig.APIBaseURL, httpClient, store, logger, metrics)
	dispatcher := sessionkit.NewDispatcher(clientConfig.APIBaseURL, httpClient, store, coordinator, notifier, logger, metrics)
	controller := sessionkit.NewSessionController(store, dispatcher, notifier, logger, metrics)
	monitor := sessionkit.NewValidityMonitor(clientConfig.VerifyInterval, clientConfig.APIBaseURL, httpClient, store, notifier, logger, metrics)
	syncer := sessionkit.NewContextSynchronizer(store, notifier, logger)
	return &sessionRuntime{
		store:       store,
		notifier:    notifier,
		coordinator: coordinator,
		dispatcher:  dispatcher,
		controller:  controller,
		monitor:     monitor,
		syncer:      syncer,
		metrics:     metrics,
		portfolios:  portfolioapi.NewClient(dispatcher),
		logger:      logger,
	}, nil
}

func newRuntimeForCommand(command *cobra.Command) (*sessionRuntime, error) {
	clientConfig, configErr := clientConfigFromCommand(command)
	if configErr != nil {
		return nil, configErr
	}
	logger, loggerErr := zap.NewProduction()
	if loggerErr != nil {
		return nil, loggerErr
	}
	return buildSessionRuntime(command.Context(), clientConfig, logger)
}
