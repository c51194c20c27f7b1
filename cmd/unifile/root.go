package main

import (
	"github.com/spf13/cobra"
)

// version is set at build time via ldflags.
var version = "dev"

var flagConfigPath string

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "unifile",
		Short:         "Unified file access over FTP, SFTP, S3 and local storage",
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newValidateCmd())

	return cmd
}
