// Package cmd wires the demjobs command tree.
package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openelev/demjobs/internal/config"
	"github.com/openelev/demjobs/internal/observability"
	"github.com/openelev/demjobs/internal/version"
)

var (
	cfgFile string
	verbose bool
)

var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   version.Version,
	Commit:    version.Commit,
	BuildDate: version.BuildDate,
}

// SetVersionInfo records the build identity stamped in by the linker.
func SetVersionInfo(ver, commit, buildDate string) {
	versionInfo.Version = ver
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
	version.Version = ver
	version.Commit = commit
	version.BuildDate = buildDate
}

var rootCmd = &cobra.Command{
	Use:   "demjobs",
	Short: "DEM job processing daemon and ledger tools",
	Long: `demjobs runs the DEM job processing node: it detects job descriptors
in the trusted landing area, promotes input files through the trust
gate, executes commands, delivers notifications, and publishes
versioned ledger snapshots to the object store.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		observability.InitCLILogger("demjobs", verbose)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to YAML config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
}

// Execute runs the command tree.
func Execute() error {
	defer observability.Sync()
	return rootCmd.Execute()
}

// loadConfig reads configuration honoring the --config flag.
func loadConfig() (*config.Config, error) {
	return config.Load(cfgFile)
}

// codedError carries a process exit code alongside the cause.
type codedError struct {
	code int
	msg  string
	err  error
}

func (e *codedError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v (exit code %d)", e.msg, e.err, e.code)
	}
	return fmt.Sprintf("%s (exit code %d)", e.msg, e.code)
}

func (e *codedError) Unwrap() error { return e.err }

// exitError creates an error that will cause the CLI to exit with the given code.
func exitError(code int, message string, err error) error {
	return &codedError{code: code, msg: message, err: err}
}

// ExitCode extracts the exit code from err, defaulting to 1.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var coded *codedError
	if errors.As(err, &coded) {
		return coded.code
	}
	return 1
}
