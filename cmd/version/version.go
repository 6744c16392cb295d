package version

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/auditpipe/auditpipe/pkg/shared"
	"github.com/auditpipe/auditpipe/pkg/shared/config"
)

var (
	AppConfig     *config.Config
	CoreVersion   = "unknown"
	GolangVersion = "unknown"
	BuildTime     = "unknown"
)

// Init initializes the global configuration variable.
func Init(cfg *config.Config) {
	AppConfig = cfg
}

// NewVersionCmd creates a new cobra.Command for the version command.
func NewVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:                   "version",
		SilenceUsage:          true,
		DisableFlagsInUseLine: true,
		Short:                 "Print the version number of the application",
		Run: func(cmd *cobra.Command, args []string) {
			versionInfo := shared.Versions{
				Version:       CoreVersion,
				GolangVersion: GolangVersion,
				BuildTime:     BuildTime,
			}
			output, err := json.MarshalIndent(versionInfo, "", "  ")
			if err != nil {
				fmt.Printf("failed to render version info: %v\n", err)
				return
			}
			fmt.Println(string(output))
		},
	}
}
