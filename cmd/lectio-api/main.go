package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/lectio/internal/auth"
	"github.com/MarcoPoloResearchLab/lectio/internal/config"
	"github.com/MarcoPoloResearchLab/lectio/internal/database"
	"github.com/MarcoPoloResearchLab/lectio/internal/gateway"
	"github.com/MarcoPoloResearchLab/lectio/internal/logging"
	"github.com/MarcoPoloResearchLab/lectio/internal/metrics"
	"github.com/MarcoPoloResearchLab/lectio/internal/navigation"
	"github.com/MarcoPoloResearchLab/lectio/internal/presence"
	"github.com/MarcoPoloResearchLab/lectio/internal/reaper"
	"github.com/MarcoPoloResearchLab/lectio/internal/rooms"
	"github.com/MarcoPoloResearchLab/lectio/internal/server"
	"github.com/MarcoPoloResearchLab/lectio/internal/signaling"
	"github.com/MarcoPoloResearchLab/lectio/internal/store"
	"github.com/MarcoPoloResearchLab/lectio/internal/studyroom"
	"github.com/MarcoPoloResearchLab/lectio/internal/users"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "lectio-api",
		Short: "Lectio study-room synchronization server",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newIssueTokenCommand())

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
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().String("signing-secret", "", "Token signing secret (overrides env)")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "Participant token TTL in minutes")
	cmd.PersistentFlags().String("sync-mode", defaults.GetString("sync.mode"), "Navigation mode (synchronized, passthrough)")
	cmd.PersistentFlags().String("reaper-schedule", defaults.GetString("reaper.schedule"), "Idle room reaper cron schedule")
	cmd.PersistentFlags().Int("reaper-max-idle-minutes", defaults.GetInt("reaper.max_idle_minutes"), "Minutes an empty room may stay idle")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "auth.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "sync.mode", "sync-mode")
	bindFlag(cmd, "reaper.schedule", "reaper-schedule")
	bindFlag(cmd, "reaper.max_idle_minutes", "reaper-max-idle-minutes")
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

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder := metrics.New(promRegistry)

	tokenValidator, err := auth.NewTokenValidator(auth.TokenValidatorConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.Issuer,
		Audience:      appConfig.Audience,
	})
	if err != nil {
		return err
	}

	directory, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		return err
	}

	storeService, err := store.NewService(store.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: store.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	writer, err := store.NewAsyncWriter(store.WriterConfig{
		Store:       storeService,
		QueueSize:   appConfig.PersistenceQueue,
		MaxAttempts: uint(appConfig.PersistenceAttempts),
		Logger:      logger,
		Metrics:     recorder,
	})
	if err != nil {
		return err
	}

	registry, err := rooms.NewRegistry(rooms.Config{
		Access:      storeService,
		JoinTimeout: appConfig.JoinTimeout,
		Logger:      logger,
		Metrics:     recorder,
	})
	if err != nil {
		return err
	}

	navigator, pruners, err := newNavigator(appConfig, registry, writer, logger, recorder)
	if err != nil {
		return err
	}

	broadcaster, err := presence.NewBroadcaster(presence.Config{
		Registry:         registry,
		History:          navigator,
		SnapshotInterval: appConfig.SnapshotInterval,
		Logger:           logger,
	})
	if err != nil {
		return err
	}

	relay, err := signaling.NewRelay(signaling.Config{Registry: registry, Logger: logger, Metrics: recorder})
	if err != nil {
		return err
	}
	pruners = append(pruners, relay)

	coordinator, err := studyroom.NewCoordinator(studyroom.Config{
		Registry:  registry,
		Navigator: navigator,
		Relay:     relay,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	realtime, err := gateway.NewGateway(gateway.Config{
		Authenticator:   tokenValidator,
		Directory:       directory,
		Sessions:        coordinator,
		SendBuffer:      appConfig.SendBuffer,
		WriteWait:       appConfig.WriteWait,
		PongWait:        appConfig.PongWait,
		MaxMessageBytes: appConfig.MaxMessageBytes,
		Logger:          logger,
		Metrics:         recorder,
	})
	if err != nil {
		return err
	}

	idleReaper, err := reaper.NewReaper(reaper.Config{
		Sweeper:  registry,
		Pruners:  pruners,
		Schedule: appConfig.ReaperSchedule,
		MaxIdle:  appConfig.MaxIdle,
		Logger:   logger,
		Metrics:  recorder,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Authenticator: tokenValidator,
		Directory:     directory,
		Rooms:         storeService,
		Navigator:     navigator,
		Realtime:      realtime,
		Metrics:       promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}),
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	httpServer.RegisterOnShutdown(realtime.CloseAll)

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("sync_mode", appConfig.SyncMode))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
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
	group.Go(func() error { return writer.Run(groupCtx) })
	group.Go(func() error { return broadcaster.Run(groupCtx) })
	group.Go(func() error { return idleReaper.Run(groupCtx) })

	err = group.Wait()
	logger.Info("server stopped")
	return err
}

// newNavigator builds the navigation capability selected by sync.mode.
func newNavigator(appConfig config.AppConfig, registry *rooms.Registry, persister navigation.Persister, logger *zap.Logger, recorder *metrics.Metrics) (navigation.Navigator, []reaper.Pruner, error) {
	if appConfig.SyncMode == config.SyncModePassThrough {
		passThrough, err := navigation.NewPassThrough(navigation.PassThroughConfig{
			Registry:  registry,
			Persister: persister,
			Logger:    logger,
			Metrics:   recorder,
		})
		return passThrough, nil, err
	}
	synchronizer, err := navigation.NewSynchronizer(navigation.SynchronizerConfig{
		Registry:          registry,
		Persister:         persister,
		CoalesceWindow:    appConfig.CoalesceWindow,
		ConflictWindowMax: appConfig.ConflictWindowMax,
		ConflictTimeout:   appConfig.ConflictTimeout,
		HistoryLimit:      appConfig.HistoryLimit,
		Logger:            logger,
		Metrics:           recorder,
	})
	if err != nil {
		return nil, nil, err
	}
	return synchronizer, []reaper.Pruner{synchronizer}, nil
}
