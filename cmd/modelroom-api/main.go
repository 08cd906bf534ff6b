package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/modelroom/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/modelroom/backend/internal/config"
	"github.com/MarcoPoloResearchLab/modelroom/backend/internal/database"
	"github.com/MarcoPoloResearchLab/modelroom/backend/internal/events"
	"github.com/MarcoPoloResearchLab/modelroom/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/modelroom/backend/internal/presence"
	"github.com/MarcoPoloResearchLab/modelroom/backend/internal/server"
	"github.com/MarcoPoloResearchLab/modelroom/backend/internal/snapshots"
	"github.com/MarcoPoloResearchLab/modelroom/backend/internal/workspace"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "modelroom-api",
		Short: "Modelroom collaborative modeling backend",
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
	cmd.PersistentFlags().String("signing-secret", "", "Token signing secret (overrides env)")
	cmd.PersistentFlags().Duration("heartbeat-interval", defaults.GetDuration("collab.heartbeat_interval"), "Session heartbeat interval")
	cmd.PersistentFlags().Duration("inactivity-timeout", defaults.GetDuration("collab.inactivity_timeout"), "Session idle timeout")
	cmd.PersistentFlags().Duration("presence-ttl", defaults.GetDuration("collab.presence_ttl"), "Presence record expiry")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "collab.heartbeat_interval", "heartbeat-interval")
	bindFlag(cmd, "collab.inactivity_timeout", "inactivity-timeout")
	bindFlag(cmd, "collab.presence_ttl", "presence-ttl")
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

	tokenIssuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.AuthSigningSecret),
		Issuer:        "modelroom-auth",
		Audience:      "modelroom-api",
	})
	if err != nil {
		return err
	}

	snapshotStore, err := snapshots.NewStore(snapshots.StoreConfig{
		DB:     db,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	bus := events.NewBus(logger)
	registry, err := workspace.NewRegistry(workspace.RegistryConfig{
		IDProvider: workspace.NewUUIDProvider(),
		Bus:        bus,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	tracker := presence.NewTracker(presence.TrackerConfig{
		CursorThrottle:    appConfig.CursorThrottle,
		SelectionThrottle: appConfig.SelectionThrottle,
		PresenceTTL:       appConfig.PresenceTTL,
		Bus:               bus,
		Toucher:           workspace.NewSessionToucher(registry),
		Logger:            logger,
	})

	hub, err := server.NewHub(server.HubConfig{
		Registry:          registry,
		Presence:          tracker,
		Snapshots:         snapshotStore,
		Tokens:            tokenIssuer,
		InactivityTimeout: appConfig.InactivityTimeout,
		Logger:            logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenIssuer: tokenIssuer,
		Hub:         hub,
		Snapshots:   snapshotStore,
		Logger:      logger,
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

	go hub.Run(signalCtx)

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
