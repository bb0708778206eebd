package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/canvas/internal/auth"
	"github.com/MarcoPoloResearchLab/canvas/internal/canvas"
	"github.com/MarcoPoloResearchLab/canvas/internal/config"
	"github.com/MarcoPoloResearchLab/canvas/internal/database"
	"github.com/MarcoPoloResearchLab/canvas/internal/logging"
	"github.com/MarcoPoloResearchLab/canvas/internal/realtime"
	"github.com/MarcoPoloResearchLab/canvas/internal/server"
	"github.com/MarcoPoloResearchLab/canvas/internal/telemetry"
)

var (
	cfgFile string
	version = "dev"
)

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "canvas-api",
		Short: "Canvas sync service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newTokenCommand())
	return rootCmd
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("database-dsn", "", "Postgres connection string")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "Actor token TTL in minutes")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Actor token signing secret (overrides env)")
	cmd.PersistentFlags().String("redis-url", "", "Redis URL for the cross-process change feed")
	cmd.PersistentFlags().Int("undo-depth", defaults.GetInt("canvas.undo_depth"), "Number of recent actions UNDO can revert")
	cmd.PersistentFlags().Int("up-next-limit", defaults.GetInt("canvas.up_next_limit"), "Maximum up-next entries per canvas")
	cmd.PersistentFlags().Int("heartbeat-seconds", defaults.GetInt("realtime.heartbeat_seconds"), "Stream heartbeat interval in seconds")
	cmd.PersistentFlags().String("otlp-endpoint", "", "OTLP gRPC endpoint for metrics export")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "auth.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "feed.redis_url", "redis-url")
	bindFlag(cmd, "canvas.undo_depth", "undo-depth")
	bindFlag(cmd, "canvas.up_next_limit", "up-next-limit")
	bindFlag(cmd, "realtime.heartbeat_seconds", "heartbeat-seconds")
	bindFlag(cmd, "telemetry.otlp_endpoint", "otlp-endpoint")
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
	var (
		subject string
		role    string
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an actor token for an agent or client",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			actorRole, err := auth.ParseRole(role)
			if err != nil {
				return err
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.SigningSecret),
				TokenTTL:      appConfig.TokenTTL,
			})
			if err != nil {
				return err
			}
			token, expiresIn, err := issuer.IssueActorToken(cmd.Context(), subject, actorRole)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires in %ds\n", expiresIn)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "Token subject (agent or device name)")
	cmd.Flags().StringVar(&role, "role", string(auth.RoleClient), "Actor role (agent, client)")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
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

	telemetryProvider, err := telemetry.New(ctx, telemetry.Config{
		ServiceVersion: version,
		OTLPEndpoint:   appConfig.OTLPEndpoint,
		Insecure:       true,
	}, logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetryProvider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics shutdown failed", zap.Error(err))
		}
	}()

	db, err := database.Open(appConfig, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	feed, err := newFeed(appConfig, logger)
	if err != nil {
		return err
	}
	defer feed.Close() //nolint:errcheck

	canvasService, err := canvas.NewService(canvas.ServiceConfig{
		Database:    db,
		Clock:       time.Now,
		IDProvider:  canvas.NewUUIDProvider(),
		Logger:      logger,
		Notifier:    realtime.NewFeedNotifier(feed),
		Meter:       telemetryProvider.Meter(),
		UndoDepth:   appConfig.UndoDepth,
		UpNextLimit: appConfig.UpNextLimit,
	})
	if err != nil {
		return err
	}

	publisher, err := realtime.NewPublisher(realtime.PublisherConfig{
		Feed:   feed,
		Loader: canvasService,
		Logger: logger,
	})
	if err != nil {
		return err
	}
	defer publisher.Close()

	tokenValidator, err := auth.NewTokenValidator(auth.TokenValidatorConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Tokens:            tokenValidator,
		Canvases:          canvasService,
		Snapshots:         publisher,
		Logger:            logger,
		HeartbeatInterval: appConfig.HeartbeatInterval,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
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

type closableFeed interface {
	realtime.Feed
	Close() error
}

func newFeed(appConfig config.AppConfig, logger *zap.Logger) (closableFeed, error) {
	if appConfig.RedisURL == "" {
		logger.Info("using in-process change feed")
		return realtime.NewLocalFeed(), nil
	}
	feed, err := realtime.NewRedisFeed(appConfig.RedisURL, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("using redis change feed")
	return feed, nil
}
