package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/MarcoPoloResearchLab/livequery/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/livequery/backend/internal/config"
	"github.com/MarcoPoloResearchLab/livequery/backend/internal/database"
	"github.com/MarcoPoloResearchLab/livequery/backend/internal/livequery"
	"github.com/MarcoPoloResearchLab/livequery/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/livequery/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/livequery/backend/internal/objects"
	"github.com/MarcoPoloResearchLab/livequery/backend/internal/pubsub"
	"github.com/MarcoPoloResearchLab/livequery/backend/internal/schema"
	"github.com/MarcoPoloResearchLab/livequery/backend/internal/server"
	"github.com/MarcoPoloResearchLab/livequery/backend/internal/users"
)

const (
	sessionIssuer   = "livequery-auth"
	shutdownTimeout = 10 * time.Second
	memoryBusBuffer = 256
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "livequery-api",
		Short: "Live query subscription server",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("app-id", defaults.GetString("app.id"), "Application id clients connect with")
	cmd.PersistentFlags().String("master-key", "", "Master key (overrides env)")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error, none)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().String("session-signing-secret", "", "Secret for signed session tokens (overrides env)")
	cmd.PersistentFlags().String("pubsub-redis-url", "", "Redis URL for the mutation event bus")
	cmd.PersistentFlags().String("schema-redis-url", "", "Redis URL for the shared schema cache")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "app.id", "app-id")
	bindFlag(cmd, "keys.master", "master-key")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "auth.session_signing_secret", "session-signing-secret")
	bindFlag(cmd, "pubsub.redis_url", "pubsub-redis-url")
	bindFlag(cmd, "schema.redis_url", "schema-redis-url")
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

func newTokenCommand() *cobra.Command {
	var roles []string
	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Issue a signed session token for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.SessionSigningSecret),
				Issuer:        sessionIssuer,
				TokenTTL:      appConfig.SessionTTL,
			})
			if err != nil {
				return err
			}
			token, expiresIn, err := issuer.IssueSessionToken(cmd.Context(), args[0], roles)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\nexpires_in=%d\n", token, expiresIn)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&roles, "role", nil, "Role name granted to the token (repeatable)")
	return cmd
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	adapter, err := database.NewAdapter(database.AdapterConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}

	schemaCache, err := newSchemaCache(appConfig, logger)
	if err != nil {
		return err
	}
	schemas, err := schema.NewController(schema.ControllerConfig{
		Store:  adapter,
		Cache:  schemaCache,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	bus, err := newBus(appConfig, logger)
	if err != nil {
		return err
	}

	objectController, err := objects.NewController(objects.ControllerConfig{
		Adapter:   adapter,
		Schemas:   schemas,
		Publisher: bus,
		AppID:     appConfig.AppID,
		Clock:     time.Now,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	resolver, err := newSessionResolver(appConfig, objectController, logger)
	if err != nil {
		return err
	}
	authCache, err := auth.NewCache(auth.CacheConfig{
		Resolver: resolver,
		TTL:      appConfig.AuthCacheTTL,
		ErrorTTL: appConfig.AuthCacheErrorTTL,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	collector := metrics.New()
	liveQuery, err := livequery.NewServer(livequery.ServerConfig{
		AppID:         appConfig.AppID,
		KeyPairs:      appConfig.KeyPairs(),
		Subscriber:    bus,
		Permissions:   schemas,
		Authenticator: authCache,
		Lifecycle:     collector.ObserveLifecycle,
		Deliveries:    collector.ObserveDelivery,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	group, groupCtx := errgroup.WithContext(signalCtx)

	revocations, err := authCache.ForgetRevokedSessions(groupCtx, bus, appConfig.AppID)
	if err != nil {
		return err
	}
	group.Go(func() error {
		<-revocations
		return nil
	})
	group.Go(func() error {
		return liveQuery.Run(groupCtx)
	})
	select {
	case <-liveQuery.Ready():
	case <-groupCtx.Done():
		return group.Wait()
	}

	handler, err := server.NewHTTPHandler(groupCtx, server.Dependencies{
		LiveQuery:      liveQuery,
		Objects:        objectController,
		Authenticator:  authCache,
		MasterKey:      appConfig.MasterKey,
		AllowedOrigins: appConfig.AllowedOrigins,
		Metrics:        collector,
		Logger:         logger,
	})
	if err != nil {
		stop()
		_ = group.Wait()
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	group.Go(func() error {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress), zap.String("app_id", appConfig.AppID))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return group.Wait()
}

func newSchemaCache(appConfig config.AppConfig, logger *zap.Logger) (schema.Cache, error) {
	if strings.TrimSpace(appConfig.SchemaRedisURL) == "" {
		return schema.NewMemoryCache(appConfig.SchemaCacheTTL), nil
	}
	client, err := newRedisClient(appConfig.SchemaRedisURL)
	if err != nil {
		return nil, fmt.Errorf("schema cache: %w", err)
	}
	return schema.NewRedisCache(client, appConfig.SchemaCacheTTL, logger), nil
}

func newBus(appConfig config.AppConfig, logger *zap.Logger) (pubsub.Bus, error) {
	if strings.TrimSpace(appConfig.PubSubRedisURL) == "" {
		return pubsub.NewMemoryBus(memoryBusBuffer, logger), nil
	}
	client, err := newRedisClient(appConfig.PubSubRedisURL)
	if err != nil {
		return nil, fmt.Errorf("pubsub: %w", err)
	}
	return pubsub.NewRedisBus(client, logger), nil
}

func newRedisClient(rawURL string) (*redis.Client, error) {
	options, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, err
	}
	return redis.NewClient(options), nil
}

// newSessionResolver prefers stateless signed tokens when a signing secret is configured.
func newSessionResolver(appConfig config.AppConfig, objectController *objects.Controller, logger *zap.Logger) (auth.SessionResolver, error) {
	if appConfig.SessionSigningSecret != "" {
		return auth.NewSessionValidator(auth.SessionValidatorConfig{
			SigningSecret: []byte(appConfig.SessionSigningSecret),
			Issuer:        sessionIssuer,
		})
	}
	return users.NewService(users.ServiceConfig{
		Objects: objectController,
		Clock:   time.Now,
		Logger:  logger,
	})
}
