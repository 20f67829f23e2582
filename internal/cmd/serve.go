package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/openelev/demjobs/internal/observability"
	"github.com/openelev/demjobs/internal/server"
	"github.com/openelev/demjobs/internal/version"
	"github.com/openelev/demjobs/pkg/ledger"
	"github.com/openelev/demjobs/pkg/manager"
	"github.com/openelev/demjobs/pkg/notify"
	"github.com/openelev/demjobs/pkg/snapshot"
	"github.com/openelev/demjobs/pkg/trustgate"
)

var (
	servePopulate bool
	serveJobID    int64
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the job processing daemon",
	Long: `Run the processing daemon: poll the trusted landing area for job
descriptors, execute detected jobs, and keep the published ledger
snapshot current.

Examples:
  demjobs serve --config demjobs.yaml
  demjobs serve --populate            # enter existing jobs without executing
  demjobs serve --job 202404150001    # process one job, then exit`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().BoolVar(&servePopulate, "populate", false, "Enter detected jobs into the ledger without executing them")
	serveCmd.Flags().Int64Var(&serveJobID, "job", 0, "Process only this job id, then exit")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}

	observability.InitServerLogger("demjobs", cfg.Logging.Level)
	logger := observability.ServerLogger

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := buildStore(ctx, cfg)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to connect to object store", err)
	}
	defer func() { _ = store.Close() }()

	action, err := snapshot.SyncOnStart(ctx, store, cfg.Storage.Buckets.Database,
		cfg.Snapshot.Key, cfg.Ledger.Path, logger)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Ledger sync-on-start failed", err)
	}
	logger.Info("ledger reconciled", zap.String("action", action.String()))

	led, err := ledger.Open(ctx, ledger.Config{Path: cfg.Ledger.Path})
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to open ledger", err)
	}
	defer func() { _ = led.Close() }()

	transport, err := buildTransport(ctx, cfg, logger)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to initialize notifications", err)
	}
	notifier := &notify.Notifier{Ledger: led, Transport: transport, Logger: logger}

	minClient := cfg.Snapshot.MinClientVersion
	if minClient == "" {
		minClient = version.MinClientVersion
	}
	publisher := &snapshot.Publisher{
		Ledger:           led,
		Store:            store,
		Bucket:           cfg.Storage.Buckets.Database,
		Key:              cfg.Snapshot.Key,
		LatestKey:        cfg.Snapshot.LatestKey,
		ToolVersion:      versionInfo.Version,
		MinClientVersion: minClient,
		Debounce:         cfg.Snapshot.Debounce,
		LatestJobs:       cfg.Snapshot.LatestJobs,
		LatestDays:       cfg.Snapshot.LatestDays,
		Logger:           logger,
	}

	fetcher := &trustgate.Fetcher{
		Store:   store,
		Buckets: cfg.Storage.Buckets,
		Ledger:  led,
		Validator: &trustgate.Validator{
			MaxSizeBytes: cfg.Jobs.MaxFileSize,
			Allow:        cfg.Jobs.AllowPatterns,
			Deny:         cfg.Jobs.DenyPatterns,
		},
		Logger:  logger,
		Timeout: cfg.Jobs.DownloadTimeout,
	}

	mgr := &manager.Manager{
		Ledger:    led,
		Store:     store,
		Fetcher:   fetcher,
		Notifier:  notifier,
		Publisher: publisher,
		Runners: map[string]manager.CommandRunner{
			"test": manager.TestRunner{},
			"update": manager.UpdateRunner{
				Notifier: notifier,
				TopicARN: cfg.Notify.SNS.TopicARN,
			},
		},
		Logger: logger,
		Config: manager.Config{
			Buckets:       cfg.Storage.Buckets,
			LandingPrefix: cfg.Jobs.LandingPrefix,
			DataDir:       cfg.Jobs.DataDir,
			PollInterval:  cfg.Jobs.PollInterval,
			PopulateOnly:  servePopulate,
			OnlyJobID:     serveJobID,
		},
	}

	go func() {
		if err := publisher.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("snapshot publisher stopped", zap.Error(err))
		}
	}()

	var srv *server.Server
	if cfg.Server.Enabled {
		srv = server.New(cfg.Server.Host, cfg.Server.Port, server.Deps{
			Ledger: led,
			Snapshot: &snapshot.Reader{
				Store:  store,
				Bucket: cfg.Storage.Buckets.Database,
				Key:    cfg.Snapshot.Key,
			},
			Version: versionInfo.Version,
			Logger:  logger,
		})
		go func() {
			err := srv.ListenAndServe(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.IdleTimeout)
			if err != nil && ctx.Err() == nil {
				logger.Error("status API stopped", zap.Error(err))
			}
		}()
	}

	runErr := mgr.Run(ctx)

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("status API shutdown failed", zap.Error(err))
		}
	}

	if runErr != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Daemon terminated abnormally", runErr)
	}
	logger.Info("daemon stopped")
	return nil
}
