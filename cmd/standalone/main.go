package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"scmauthd/core"
	"scmauthd/providers"
	"scmauthd/storage"
	"scmauthd/telemetry"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

type AppConfig struct {
	Core   *core.Config            `yaml:",inline"`
	GitHub *providers.GitHubConfig `yaml:"github,omitempty"`
	GitLab *providers.GitLabConfig `yaml:"gitlab,omitempty"`

	DB        DBConfig         `yaml:"db"`
	Port      string           `yaml:"port"`
	Env       string           `yaml:"env"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

type DBConfig struct {
	Type          string              `yaml:"type"`
	SQLitePath    string              `yaml:"sqlite_path"`
	PostgresURL   string              `yaml:"postgres_url"`
	Redis         storage.RedisConfig `yaml:"redis"`
	YDB           storage.YDBConfig   `yaml:"ydb"`
	SweepInterval time.Duration       `yaml:"sweep_interval"`
}

const defaultSweepInterval = time.Hour

func main() {
	_ = godotenv.Load()

	configPath := getEnv("CONFIG_PATH", "config.yaml")
	appConfig, err := loadConfigFromYAML(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	applyEnvOverrides(appConfig)

	logger, err := newLogger(appConfig.Env)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp, err := telemetry.New(ctx, appConfig.Telemetry, logger)
	if err != nil {
		logger.Fatal("Failed to initialize telemetry", zap.Error(err))
	}

	store, err := initRepository(ctx, appConfig.DB, logger)
	if err != nil {
		logger.Fatal("Failed to initialize repository", zap.Error(err))
	}
	defer store.Close()

	if key := appConfig.Core.Crypto.EncryptionKey; key != "" {
		crypto, err := core.NewCryptoService(key)
		if err != nil {
			logger.Fatal("Failed to initialize crypto service", zap.Error(err))
		}
		store = storage.NewSealedStore(store, crypto)
		logger.Info("Tokens are sealed at rest")
	}

	probes, exchangers, consent := initProviders(appConfig, store, logger)

	resolver := core.NewTokenResolver(store, probes, exchangers, appConfig.Core.Resolver, core.WithLogger(logger))
	fetcher := core.NewUserDataFetcher(appConfig.Core.APIEndpoint, resolver, probes, consent)
	server := core.NewServer(fetcher, resolver, consent, appConfig.Core, logger)

	sweepInterval := appConfig.DB.SweepInterval
	if sweepInterval <= 0 {
		sweepInterval = defaultSweepInterval
	}
	go core.RunSweeper(ctx, store, sweepInterval, logger)

	httpServer := &http.Server{
		Addr:              ":" + appConfig.Port,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Starting scmauthd server",
			zap.String("port", appConfig.Port),
			zap.Strings("providers", providerNames(resolver.Providers())),
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown failed", zap.Error(err))
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Telemetry shutdown failed", zap.Error(err))
	}
}

func loadConfigFromYAML(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}

	config := AppConfig{Core: &core.Config{}}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	return &config, nil
}

func applyEnvOverrides(cfg *AppConfig) {
	cfg.Port = getEnv("PORT", cfg.Port)
	if cfg.Port == "" {
		cfg.Port = "8080"
	}
	cfg.Core.JWT.Secret = getEnv("JWT_SECRET", cfg.Core.JWT.Secret)
	cfg.Core.Crypto.EncryptionKey = getEnv("ENCRYPTION_KEY", cfg.Core.Crypto.EncryptionKey)
	cfg.DB.PostgresURL = getEnv("DATABASE_URL", cfg.DB.PostgresURL)
	cfg.DB.Redis.Addr = getEnv("REDIS_ADDR", cfg.DB.Redis.Addr)
}

func newLogger(env string) (*zap.Logger, error) {
	if env == "development" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func initRepository(ctx context.Context, dbConfig DBConfig, logger *zap.Logger) (storage.Backend, error) {
	switch strings.ToLower(dbConfig.Type) {
	case "sqlite":
		logger.Info("Using SQLite database", zap.String("path", dbConfig.SQLitePath))
		return storage.NewSQLiteStore(dbConfig.SQLitePath)

	case "postgres":
		logger.Info("Using PostgreSQL database")
		return storage.NewPostgresStore(ctx, dbConfig.PostgresURL)

	case "redis":
		logger.Info("Using Redis", zap.String("addr", dbConfig.Redis.Addr))
		return storage.NewRedisStore(ctx, dbConfig.Redis)

	case "ydb":
		logger.Info("Using YDB database")
		return storage.NewYDBStore(ctx, dbConfig.YDB)

	case "memory", "mock":
		logger.Info("Using in-memory repository")
		return storage.NewMemoryStore(), nil

	default:
		return nil, fmt.Errorf("unsupported DB type: %s (supported: sqlite, postgres, redis, ydb, memory)", dbConfig.Type)
	}
}

func initProviders(cfg *AppConfig, grants core.GrantStore, logger *zap.Logger) (map[core.Provider]core.ProviderAPIProbe, map[core.Provider]core.OAuthExchanger, map[core.Provider]core.ConsentFlow) {
	probes := make(map[core.Provider]core.ProviderAPIProbe)
	exchangers := make(map[core.Provider]core.OAuthExchanger)
	consent := make(map[core.Provider]core.ConsentFlow)

	httpClient := &http.Client{Timeout: 10 * time.Second}

	if cfg.GitHub != nil {
		exchanger := providers.NewOAuth2Exchanger(core.ProviderGitHub, cfg.GitHub.OAuth2Config(), grants, httpClient, logger)
		probes[core.ProviderGitHub] = providers.NewGitHubProbe(cfg.GitHub, httpClient)
		exchangers[core.ProviderGitHub] = exchanger
		consent[core.ProviderGitHub] = exchanger
		logger.Info("GitHub provider initialized")
	}

	if cfg.GitLab != nil {
		exchanger := providers.NewOAuth2Exchanger(core.ProviderGitLab, cfg.GitLab.OAuth2Config(), grants, httpClient, logger)
		probes[core.ProviderGitLab] = providers.NewGitLabProbe(cfg.GitLab, httpClient)
		exchangers[core.ProviderGitLab] = exchanger
		consent[core.ProviderGitLab] = exchanger
		logger.Info("GitLab provider initialized")
	}

	return probes, exchangers, consent
}

func providerNames(list []core.Provider) []string {
	names := make([]string, 0, len(list))
	for _, provider := range list {
		names = append(names, string(provider))
	}
	sort.Strings(names)
	return names
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
