package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/MarcoPoloResearchLab/comment-relay/internal/comments"
	"github.com/MarcoPoloResearchLab/comment-relay/internal/config"
	"github.com/MarcoPoloResearchLab/comment-relay/internal/database"
	"github.com/MarcoPoloResearchLab/comment-relay/internal/logging"
	"github.com/MarcoPoloResearchLab/comment-relay/internal/realtime"
	"github.com/MarcoPoloResearchLab/comment-relay/internal/server"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "comment-relay",
		Short: "Real-time product comment relay",
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
	cmd.PersistentFlags().StringSlice("allowed-origins", nil, "Browser origins allowed to connect")
	cmd.PersistentFlags().Bool("allow-localhost", defaults.GetBool("origins.allow_localhost"), "Allow http://localhost:<port> and http://127.0.0.1:<port> origins")
	cmd.PersistentFlags().Int("registry-shards", defaults.GetInt("registry.shards"), "Number of room registry shards")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "origins.allowed", "allowed-origins")
	bindFlag(cmd, "origins.allow_localhost", "allow-localhost")
	bindFlag(cmd, "registry.shards", "registry-shards")
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
		logger.Error("comment store unavailable", zap.String("path", appConfig.DatabasePath), zap.Error(err))
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	store, err := comments.NewGormStore(comments.GormStoreConfig{
		Database:   db,
		IDProvider: comments.NewUUIDProvider(),
	})
	if err != nil {
		return err
	}

	registry := realtime.NewRegistry(realtime.RegistryConfig{
		Shards: appConfig.RegistryShards,
		Logger: logger,
	})
	processor, err := comments.NewProcessor(comments.ProcessorConfig{
		Store:       store,
		Broadcaster: realtime.NewBroadcaster(registry, logger),
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	origins := realtime.NewOriginPolicy(appConfig.AllowedOrigins, appConfig.AllowLocalhost)
	hub, err := realtime.NewHub(realtime.HubConfig{
		Registry: registry,
		Handler:  processor,
		Origins:  origins,
		Connection: realtime.ConnectionConfig{
			SendBuffer:      appConfig.SendBuffer,
			WriteTimeout:    appConfig.WriteTimeout,
			PingInterval:    appConfig.PingInterval,
			MaxMessageBytes: appConfig.MaxMessageBytes,
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}

	gin.SetMode(gin.ReleaseMode)
	handler, err := server.NewHTTPHandler(server.Dependencies{
		Hub:      hub,
		Comments: processor,
		Origins:  origins,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Sessions inherit the signal context so shutdown closes them with 1001.
	httpServer := &http.Server{
		Addr:        appConfig.HTTPAddress,
		Handler:     handler,
		BaseContext: func(net.Listener) context.Context { return signalCtx },
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.Strings("allowed_origins", appConfig.AllowedOrigins),
			zap.Bool("allow_localhost", appConfig.AllowLocalhost))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		stats := registry.Stats()
		logger.Info("server stopping", zap.Int("rooms", stats.Rooms), zap.Int("connections", stats.Connections))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), appConfig.ShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
