package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/auditpipe/auditpipe/cmd/export"
	"github.com/auditpipe/auditpipe/cmd/fetch"
	"github.com/auditpipe/auditpipe/cmd/run"
	"github.com/auditpipe/auditpipe/cmd/version"
	"github.com/auditpipe/auditpipe/pkg/shared/config"
	"github.com/auditpipe/auditpipe/pkg/shared/errors"
)

var (
	cfgFile   string
	AppConfig *config.Config
	rootCmd   = &cobra.Command{
		Use:                   "auditpipe [command]",
		SilenceUsage:          true,
		DisableFlagsInUseLine: true,
		Short:                 "Auditpipe is an automated smart-contract auditing pipeline.",
		Long: `Auditpipe mines, confirms and persists vulnerability findings for a batch of
source-code projects by driving an external code-analysis agent through
planning, reasoning and validation stages over a relational store.
	`,
	}
)

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is config.yml)")
	rootCmd.AddCommand(version.NewVersionCmd())
	rootCmd.AddCommand(run.RunCmd)
	rootCmd.AddCommand(fetch.FetchCmd)
	rootCmd.AddCommand(export.ExportCmd)
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error executing command: %v\n", err)
		if cmdErr, ok := err.(*errors.CommandError); ok {
			return cmdErr.ExitCode
		}
		return 1
	}
	return 0
}

func initConfig() {
	var err error

	if cfgFile == "" {
		cfgFile = "config.yml"
	}
	AppConfig, err = config.LoadConfig(cfgFile)
	if err != nil {
		fmt.Printf("initializing config file function is crashed - %v \n", err)
		os.Exit(1)
	}
	if err := config.ValidateConfig(AppConfig); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}

	version.Init(AppConfig)
	run.Init(AppConfig)
	fetch.Init(AppConfig)
	export.Init(AppConfig)
}
