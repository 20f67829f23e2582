package cmd

import (
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/openelev/demjobs/internal/config"
	"github.com/openelev/demjobs/internal/observability"
	"github.com/openelev/demjobs/internal/version"
	"github.com/openelev/demjobs/pkg/ledger"
	"github.com/openelev/demjobs/pkg/snapshot"
	"github.com/openelev/demjobs/pkg/storage"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Ledger database operations",
}

var dbCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create an empty ledger at the configured path",
	RunE:  runDBCreate,
}

var (
	dbPrintVnum  bool
	dbPrintLimit int
)

var dbPrintCmd = &cobra.Command{
	Use:   "print",
	Short: "Print ledger contents",
	Long: `Print recent ledger jobs, or just the snapshot version counter.

Examples:
  demjobs db print
  demjobs db print --limit 10
  demjobs db print --vnum`,
	RunE: runDBPrint,
}

var dbPublishOnlyIfNewer bool

var dbPublishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Publish the ledger snapshot to the object store",
	RunE:  runDBPublish,
}

var (
	dbDownloadOut    string
	dbDownloadLatest bool
)

var dbDownloadCmd = &cobra.Command{
	Use:   "download",
	Short: "Download the published ledger snapshot",
	RunE:  runDBDownload,
}

var (
	dbArchiveBefore    string
	dbArchiveDir       string
	dbArchiveNoPublish bool
)

var dbArchiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Archive ledger rows older than a cutoff date",
	Long: `Copy jobs created before the cutoff into an archive database, delete
them from the live ledger, compact it, and republish the snapshot.

Example:
  demjobs db archive --before 2024-01-01 --dir /var/lib/demjobs/archive`,
	RunE: runDBArchive,
}

func init() {
	rootCmd.AddCommand(dbCmd)
	dbCmd.AddCommand(dbCreateCmd, dbPrintCmd, dbPublishCmd, dbDownloadCmd, dbArchiveCmd)

	dbPrintCmd.Flags().BoolVar(&dbPrintVnum, "vnum", false, "Print only the snapshot version counter")
	dbPrintCmd.Flags().IntVar(&dbPrintLimit, "limit", 50, "Maximum number of jobs to print")

	dbPublishCmd.Flags().BoolVar(&dbPublishOnlyIfNewer, "only-if-newer", false, "Skip when the published copy is already current")

	dbDownloadCmd.Flags().StringVar(&dbDownloadOut, "out", "jobs_download.db", "Local path for the downloaded snapshot")
	dbDownloadCmd.Flags().BoolVar(&dbDownloadLatest, "latest", false, "Download the reduced latest-jobs copy")

	dbArchiveCmd.Flags().StringVar(&dbArchiveBefore, "before", "", "Cutoff date, YYYY-MM-DD (required)")
	dbArchiveCmd.Flags().StringVar(&dbArchiveDir, "dir", ".", "Directory for the archive database")
	dbArchiveCmd.Flags().BoolVar(&dbArchiveNoPublish, "no-publish", false, "Skip republishing after archiving")
	_ = dbArchiveCmd.MarkFlagRequired("before")
}

func runDBCreate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}

	led, err := ledger.Open(cmd.Context(), ledger.Config{Path: cfg.Ledger.Path})
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to create ledger", err)
	}
	defer func() { _ = led.Close() }()

	observability.CLILogger.Info("ledger created", zap.String("path", cfg.Ledger.Path))
	return nil
}

func runDBPrint(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}

	ctx := cmd.Context()
	led, err := ledger.Open(ctx, ledger.Config{Path: cfg.Ledger.Path})
	if err != nil {
		return exitError(foundry.ExitFileNotFound, "Failed to open ledger", err)
	}
	defer func() { _ = led.Close() }()

	if dbPrintVnum {
		vnum, err := led.Version(ctx)
		if err != nil {
			return exitError(foundry.ExitFileNotFound, "Failed to read version counter", err)
		}
		cmd.Printf("%d\n", vnum)
		return nil
	}

	jobs, err := led.ListJobs(ctx, dbPrintLimit)
	if err != nil {
		return exitError(foundry.ExitFileNotFound, "Failed to list jobs", err)
	}
	for _, job := range jobs {
		cmd.Printf("%d\t%s\t%s\t%s\t%s\n",
			job.JobID, job.Username, job.Command, job.Status,
			job.CreatedAt.Format(time.RFC3339))
	}
	return nil
}

func runDBPublish(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}

	ctx := cmd.Context()
	led, err := ledger.Open(ctx, ledger.Config{Path: cfg.Ledger.Path})
	if err != nil {
		return exitError(foundry.ExitFileNotFound, "Failed to open ledger", err)
	}
	defer func() { _ = led.Close() }()

	store, err := buildStore(ctx, cfg)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to connect to object store", err)
	}
	defer func() { _ = store.Close() }()

	publisher := newPublisher(cfg, led, store)
	if err := publisher.Publish(ctx, dbPublishOnlyIfNewer); err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Snapshot publish failed", err)
	}

	vnum, err := led.Version(ctx)
	if err != nil {
		return exitError(foundry.ExitFileNotFound, "Failed to read version counter", err)
	}
	observability.CLILogger.Info("snapshot published", zap.Int64("vnum", vnum))
	return nil
}

func runDBDownload(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}

	ctx := cmd.Context()
	store, err := buildStore(ctx, cfg)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to connect to object store", err)
	}
	defer func() { _ = store.Close() }()

	key := cfg.Snapshot.Key
	if dbDownloadLatest {
		key = cfg.Snapshot.LatestKey
	}
	reader := &snapshot.Reader{Store: store, Bucket: cfg.Storage.Buckets.Database, Key: key}

	meta, err := reader.Meta(ctx)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to read snapshot metadata", err)
	}
	if meta == nil {
		return exitError(foundry.ExitFileNotFound, "No snapshot published yet", nil)
	}

	if err := reader.Fetch(ctx, dbDownloadOut); err != nil {
		return exitError(foundry.ExitFileWriteError, "Snapshot download failed", err)
	}

	observability.CLILogger.Info("snapshot downloaded",
		zap.String("path", dbDownloadOut),
		zap.Int64("vnum", meta.Vnum))
	return nil
}

func runDBArchive(cmd *cobra.Command, args []string) error {
	cutoff, err := time.Parse("2006-01-02", dbArchiveBefore)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid --before date", err)
	}

	cfg, err := loadConfig()
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}

	ctx := cmd.Context()
	led, err := ledger.Open(ctx, ledger.Config{Path: cfg.Ledger.Path})
	if err != nil {
		return exitError(foundry.ExitFileNotFound, "Failed to open ledger", err)
	}
	defer func() { _ = led.Close() }()

	archivePath, err := led.ArchiveBefore(ctx, cutoff, dbArchiveDir)
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Archive failed", err)
	}
	observability.CLILogger.Info("ledger archived",
		zap.String("archive", archivePath),
		zap.String("cutoff", dbArchiveBefore))

	if dbArchiveNoPublish {
		return nil
	}

	store, err := buildStore(ctx, cfg)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to connect to object store", err)
	}
	defer func() { _ = store.Close() }()

	publisher := newPublisher(cfg, led, store)
	if err := publisher.Publish(ctx, false); err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Snapshot publish failed", err)
	}
	return nil
}

// newPublisher assembles a snapshot publisher from configuration.
func newPublisher(cfg *config.Config, led *ledger.Store, store storage.Store) *snapshot.Publisher {
	minClient := cfg.Snapshot.MinClientVersion
	if minClient == "" {
		minClient = version.MinClientVersion
	}
	return &snapshot.Publisher{
		Ledger:           led,
		Store:            store,
		Bucket:           cfg.Storage.Buckets.Database,
		Key:              cfg.Snapshot.Key,
		LatestKey:        cfg.Snapshot.LatestKey,
		ToolVersion:      versionInfo.Version,
		MinClientVersion: minClient,
		LatestJobs:       cfg.Snapshot.LatestJobs,
		LatestDays:       cfg.Snapshot.LatestDays,
		Logger:           observability.CLILogger,
	}
}
