package cmd

import (
	"strconv"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/openelev/demjobs/internal/observability"
	"github.com/openelev/demjobs/pkg/ledger"
	"github.com/openelev/demjobs/pkg/manager"
)

var killCmd = &cobra.Command{
	Use:   "kill <username> <job-id>",
	Short: "Terminate a job",
	Long: `Terminate a job by its composite identity. Terminal jobs are left
unchanged; a recorded process id is signaled best-effort and the
ledger records the job as killed.

Example:
  demjobs kill alice 202404150001`,
	Args: cobra.ExactArgs(2),
	RunE: runKill,
}

func init() {
	rootCmd.AddCommand(killCmd)
}

func runKill(cmd *cobra.Command, args []string) error {
	username := args[0]
	jobID, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid job id", err)
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

	mgr := &manager.Manager{Ledger: led, Logger: observability.CLILogger}
	if err := mgr.Kill(ctx, jobID, username); err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to kill job", err)
	}

	observability.CLILogger.Info("job killed",
		zap.Int64("job_id", jobID),
		zap.String("username", username))
	return nil
}
