package cmd

import (
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Printf("demjobs %s\n", versionInfo.Version)
		cmd.Printf("  commit:     %s\n", versionInfo.Commit)
		cmd.Printf("  build date: %s\n", versionInfo.BuildDate)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
