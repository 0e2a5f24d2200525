package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/penleaflabs/coscribe/backend/internal/auth"
	"github.com/penleaflabs/coscribe/backend/internal/collab"
	"github.com/penleaflabs/coscribe/backend/internal/config"
	"github.com/penleaflabs/coscribe/backend/internal/database"
	"github.com/penleaflabs/coscribe/backend/internal/logging"
	"github.com/penleaflabs/coscribe/backend/internal/posts"
	"github.com/penleaflabs/coscribe/backend/internal/server"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "coscribe-api",
		Short: "CoScribe collaborative editing backend",
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
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().Int("persist-interval-s", defaults.GetInt("collab.persist_interval_s"), "Room snapshot persist interval in seconds")
	cmd.PersistentFlags().Int("session-idle-timeout-s", defaults.GetInt("collab.session_idle_timeout_s"), "Websocket session idle timeout in seconds")
	cmd.PersistentFlags().Int("max-rooms", defaults.GetInt("collab.max_rooms"), "Maximum concurrently open rooms")
	cmd.PersistentFlags().Int("max-sessions-per-room", defaults.GetInt("collab.max_sessions_per_room"), "Maximum sessions per room")
	cmd.PersistentFlags().String("signing-secret", "", "Token signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "collab.persist_interval_s", "persist-interval-s")
	bindFlag(cmd, "collab.session_idle_timeout_s", "session-idle-timeout-s")
	bindFlag(cmd, "collab.max_rooms", "max-rooms")
	bindFlag(cmd, "collab.max_sessions_per_room", "max-sessions-per-room")
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

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	tokenManager := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        "coscribe-auth",
		Audience:      "coscribe-api",
	})

	postStore, err := posts.NewStore(posts.StoreConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: posts.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	registry, err := collab.NewRegistry(collab.RegistryConfig{
		Store:              postStore,
		PersistInterval:    appConfig.PersistInterval,
		MaxRooms:           appConfig.MaxRooms,
		MaxSessionsPerRoom: appConfig.MaxSessionsPerRoom,
		Logger:             logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenManager:       tokenManager,
		PostStore:          postStore,
		Registry:           registry,
		SessionIdleTimeout: appConfig.SessionIdleTimeout,
		Logger:             logger,
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
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown incomplete", zap.Error(err))
		}
		return registry.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
