package main

import (
	"context"
	"errors"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/contentnode/internal/auth"
	"github.com/MarcoPoloResearchLab/contentnode/internal/config"
	"github.com/MarcoPoloResearchLab/contentnode/internal/contentaddr"
	"github.com/MarcoPoloResearchLab/contentnode/internal/database"
	"github.com/MarcoPoloResearchLab/contentnode/internal/health"
	"github.com/MarcoPoloResearchLab/contentnode/internal/logging"
	"github.com/MarcoPoloResearchLab/contentnode/internal/monitor"
	"github.com/MarcoPoloResearchLab/contentnode/internal/peer"
	"github.com/MarcoPoloResearchLab/contentnode/internal/reconciler"
	"github.com/MarcoPoloResearchLab/contentnode/internal/reconfig"
	"github.com/MarcoPoloResearchLab/contentnode/internal/registry"
	"github.com/MarcoPoloResearchLab/contentnode/internal/replicaset"
	"github.com/MarcoPoloResearchLab/contentnode/internal/replication"
	"github.com/MarcoPoloResearchLab/contentnode/internal/selector"
	"github.com/MarcoPoloResearchLab/contentnode/internal/server"
	"github.com/MarcoPoloResearchLab/contentnode/internal/synchistory"
	"github.com/MarcoPoloResearchLab/contentnode/internal/sysinfo"
	"github.com/MarcoPoloResearchLab/contentnode/internal/versioning"
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
		Use:   "content-node",
		Short: "Content node replica-set service",
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
	cmd.PersistentFlags().String("self-endpoint", "", "Public endpoint peers use to reach this node")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("storage-root", defaults.GetString("storage.root"), "Content storage directory")
	cmd.PersistentFlags().String("reconfig-mode", defaults.GetString("reconfig.mode"), "Most severe reconfiguration allowed to execute (disabled for dry runs)")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().String("signing-secret", "", "Peer token signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "node.self_endpoint", "self-endpoint")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "storage.root", "storage-root")
	bindFlag(cmd, "reconfig.mode", "reconfig-mode")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "peer.signing_secret", "signing-secret")
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

	addresser, err := contentaddr.New(appConfig.StorageRoot)
	if err != nil {
		return err
	}

	versioningService, err := versioning.NewService(versioning.ServiceConfig{
		Database:            db,
		Clock:               time.Now,
		Logger:              logger,
		MaxExportClockRange: appConfig.Sync.MaxExportClockRange,
	})
	if err != nil {
		return err
	}
	directory, err := replicaset.NewDirectory(replicaset.DirectoryConfig{Database: db, Clock: time.Now})
	if err != nil {
		return err
	}
	history, err := synchistory.NewStore(synchistory.StoreConfig{Database: db, Clock: time.Now, Logger: logger})
	if err != nil {
		return err
	}

	staticRegistry, err := registry.NewStaticLookup(appConfig.Node.ServiceType, appConfig.Registry.Providers, appConfig.Registry.CurrentVersion)
	if err != nil {
		return err
	}
	serviceRegistry := registry.NewCachedLookup(staticRegistry, appConfig.Registry.CacheTTL)

	tokenIssuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.Peer.SigningSecret),
		Issuer:        appConfig.Peer.Issuer,
		TokenTTL:      appConfig.Peer.TokenTTL,
	})
	if err != nil {
		return err
	}
	tokenValidator, err := auth.NewTokenValidator(auth.TokenValidatorConfig{
		SigningSecret: []byte(appConfig.Peer.SigningSecret),
		Issuer:        appConfig.Peer.Issuer,
	})
	if err != nil {
		return err
	}

	peerClient := peer.NewClient(peer.ClientConfig{
		SelfEndpoint:         appConfig.Node.SelfEndpoint,
		Tokens:               tokenIssuer,
		RequestsPerSecond:    appConfig.Peer.RequestsPerSecond,
		Burst:                appConfig.Peer.Burst,
		HealthTimeout:        appConfig.Peer.HealthTimeout,
		ClockStatusTimeout:   appConfig.Peer.ClockStatusTimeout,
		ExportTimeout:        appConfig.Peer.ExportTimeout,
		SyncTimeout:          appConfig.Peer.SyncTimeout,
		ContentTimeout:       appConfig.Peer.ContentTimeout,
		ClockStatusBatchSize: appConfig.Peer.ClockStatusBatchSize,
		Logger:               logger,
	})

	prober := health.NewProber(health.ProberConfig{
		Client:           peerClient,
		Thresholds:       appConfig.Health.Thresholds,
		PrimaryGrace:     appConfig.Health.PrimaryGrace,
		SecondaryGrace:   appConfig.Health.SecondaryGrace,
		ProbeConcurrency: appConfig.Health.ProbeConcurrency,
		Retry:            peer.DefaultRetryPolicy(),
		Logger:           logger,
	})

	replicaSetSelector, err := selector.New(selector.Config{
		Registry:                          serviceRegistry,
		Prober:                            prober,
		SyncStatus:                        peerClient,
		ServiceType:                       appConfig.Node.ServiceType,
		SelfEndpoint:                      appConfig.Node.SelfEndpoint,
		AllowList:                         appConfig.Selection.AllowList,
		DenyList:                          appConfig.Selection.DenyList,
		HealthCheckTimeout:                appConfig.Selection.HealthCheckTimeout,
		EquivalencyDelta:                  appConfig.Selection.EquivalencyDelta,
		PreferHigherVersionForPrimary:     appConfig.Selection.PreferHigherVersionForPrimary,
		PreferHigherVersionForSecondaries: appConfig.Selection.PreferHigherVersionForSecondaries,
		DefaultMaxStorageUsedPercent:      appConfig.Health.Thresholds.MaxStorageUsedPercent,
		Concurrency:                       appConfig.Selection.Concurrency,
		Rand:                              rand.New(rand.NewSource(time.Now().UnixNano())),
		Logger:                            logger,
	})
	if err != nil {
		return err
	}

	events := server.NewEventDispatcher()

	syncReconciler, err := reconciler.New(reconciler.Config{
		Client:                  peerClient,
		History:                 history,
		ManualConcurrency:       appConfig.Sync.ManualConcurrency,
		RecurringConcurrency:    appConfig.Sync.RecurringConcurrency,
		IssueTimeout:            appConfig.Sync.IssueTimeout,
		ManualMonitorCeiling:    appConfig.Sync.ManualMonitorCeiling,
		RecurringMonitorCeiling: appConfig.Sync.RecurringMonitorCeiling,
		PollInterval:            appConfig.Sync.PollInterval,
		Logger:                  logger,
		OnComplete:              events.PublishSyncOutcome,
	})
	if err != nil {
		return err
	}

	reconfigEngine, err := reconfig.NewEngine(reconfig.Config{
		Directory:   directory,
		Selector:    replicaSetSelector,
		Mode:        appConfig.Reconfig.Mode,
		Concurrency: appConfig.Reconfig.Concurrency,
		DenyList:    appConfig.Reconfig.DenyList,
		Logger:      logger,
		OnComplete:  events.PublishReconfigOutcome,
	})
	if err != nil {
		return err
	}

	puller, err := replication.New(replication.Config{
		Store:              versioningService,
		Client:             peerClient,
		Addresser:          addresser,
		History:            history,
		Concurrency:        appConfig.Sync.PullConcurrency,
		ContentConcurrency: appConfig.Sync.ContentConcurrency,
		PullTimeout:        appConfig.Sync.PullTimeout,
		Logger:             logger,
		OnComplete:         events.PublishPull,
	})
	if err != nil {
		return err
	}

	var stateMonitor *monitor.Monitor
	if appConfig.Monitor.Enabled {
		stateMonitor, err = monitor.New(monitor.Config{
			Directory:                      directory,
			Prober:                         prober,
			Clocks:                         peerClient,
			Store:                          versioningService,
			History:                        history,
			Syncs:                          syncReconciler,
			Reconfigs:                      reconfigEngine,
			SelfEndpoint:                   appConfig.Node.SelfEndpoint,
			UsersPerJob:                    appConfig.Monitor.UsersPerJob,
			Interval:                       appConfig.Monitor.Interval,
			DailyFailureThreshold:          appConfig.Monitor.DailyFailureThreshold,
			MinimumSecondarySuccessPercent: appConfig.Monitor.MinimumSecondarySuccessPercent,
			MinimumSecondarySyncSamples:    appConfig.Monitor.MinimumSecondarySyncSamples,
			ClockConcurrency:               appConfig.Monitor.ClockConcurrency,
			Logger:                         logger,
			OnRun:                          events.PublishMonitorRun,
		})
		if err != nil {
			return err
		}
	}

	deps := server.Dependencies{
		Store:                 versioningService,
		Addresser:             addresser,
		Authenticator:         tokenValidator,
		Puller:                puller,
		Syncs:                 syncReconciler,
		ReplicaSets:           directory,
		History:               history,
		Sampler:               sysinfo.NewSampler(appConfig.StorageRoot),
		Events:                events,
		SelfEndpoint:          appConfig.Node.SelfEndpoint,
		Version:               appConfig.Node.Version,
		MaxStorageUsedPercent: appConfig.Health.Thresholds.MaxStorageUsedPercent,
		MaxClockStatusWallets: appConfig.Sync.MaxClockStatusWallets,
		Logger:                logger,
	}
	if stateMonitor != nil {
		deps.Traces = stateMonitor
	}
	handler, err := server.NewHTTPHandler(deps)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		syncReconciler.Run(groupCtx)
		return nil
	})
	group.Go(func() error {
		reconfigEngine.Run(groupCtx)
		return nil
	})
	group.Go(func() error {
		puller.Run(groupCtx)
		return nil
	})
	if stateMonitor != nil {
		group.Go(func() error {
			stateMonitor.Start(groupCtx)
			return nil
		})
	}
	group.Go(func() error {
		pruneHistory(groupCtx, history, appConfig.Monitor.HistoryPruneInterval, logger)
		return nil
	})
	group.Go(func() error {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("self_endpoint", appConfig.Node.SelfEndpoint),
			zap.Stringer("reconfig_mode", appConfig.Reconfig.Mode),
		)
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

	return group.Wait()
}

// pruneHistory drops sync counters that fell out of the rolling window.
func pruneHistory(ctx context.Context, history *synchistory.Store, interval time.Duration, logger *zap.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := history.Prune(ctx)
			if err != nil {
				logger.Warn("sync history prune failed", zap.Error(err))
				continue
			}
			if removed > 0 {
				logger.Info("sync history pruned", zap.Int64("removed", removed))
			}
		}
	}
}
