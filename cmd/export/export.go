package export

import (
	"fmt"

	"github.com/spf13/cobra"

	sarifexport "github.com/auditpipe/auditpipe/internal/export"
	"github.com/auditpipe/auditpipe/internal/store"
	"github.com/auditpipe/auditpipe/pkg/shared/config"
	"github.com/auditpipe/auditpipe/pkg/shared/logger"
)

// RunOptionsExport holds the arguments for the export command.
type RunOptionsExport struct {
	ProjectID  string
	OutputPath string
}

var (
	AppConfig          *config.Config
	exportOptions      RunOptionsExport
	exampleExportUsage = `  # Exporting the findings of one project to SARIF
  auditpipe export --project-id demo-vault --output /tmp/demo-vault.sarif`
)

// ExportCmd represents the export command.
var ExportCmd = &cobra.Command{
	Use:                   "export --project-id ID --output PATH",
	SilenceUsage:          true,
	DisableFlagsInUseLine: true,
	Example:               exampleExportUsage,
	Short:                 "Writes the persisted findings of a project as a SARIF report",
	RunE:                  runExportCommand,
}

// Init initializes the global configuration variable.
func Init(cfg *config.Config) {
	AppConfig = cfg
}

// runExportCommand executes the export command.
func runExportCommand(cmd *cobra.Command, args []string) error {
	log := logger.NewLogger(AppConfig, "core-export")

	if exportOptions.ProjectID == "" {
		return fmt.Errorf("the 'project-id' flag must be specified")
	}
	if exportOptions.OutputPath == "" {
		return fmt.Errorf("the 'output' flag must be specified")
	}

	st, err := store.NewStore(AppConfig, log)
	if err != nil {
		log.Error("failed to open store", "error", err)
		return err
	}
	defer st.Close()

	findings, err := st.ListFindingsForExport(cmd.Context(), exportOptions.ProjectID)
	if err != nil {
		log.Error("failed to read findings", "error", err)
		return err
	}

	if err := sarifexport.WriteSarifReport(findings, exportOptions.OutputPath, log); err != nil {
		log.Error("export command failed", "error", err)
		return err
	}

	log.Info("export command completed successfully")
	return nil
}

// Initialize flags for the export command.
func init() {
	ExportCmd.Flags().StringVarP(&exportOptions.ProjectID, "project-id", "p", "", "Project id whose findings are exported.")
	ExportCmd.Flags().StringVarP(&exportOptions.OutputPath, "output", "o", "", "Path of the SARIF report to write.")
	ExportCmd.Flags().BoolP("help", "h", false, "Show help for the export command.")
}
