package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/juju/loggo/v2"
	"github.com/spf13/cobra"

	"github.com/rezonia/xml-sender/internal/config"
)

var (
	version = "1.0.0"

	// Global flags
	configFile   string
	logLevel     string
	verbose      bool
	outputFormat string

	// cfg is loaded before any subcommand runs
	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "xml-sender",
	Short: "Deliver UBL electronic documents to SUNAT",
	Long: `xml-sender validates UBL 2.0/2.1 electronic documents (invoices, receipts,
credit and debit notes, voided and summary documents, perceptions and
retentions) and delivers them to SUNAT, recording the receipt (CDR).

Configuration is read from an optional YAML file (--config), a .env file and
XMLSENDER_ environment variables, e.g. XMLSENDER_SUNAT_USERNAME.

Examples:
  # Start the HTTP API and the delivery workers
  xml-sender serve --address :8080

  # Check documents without sending them
  xml-sender validate invoices/*.xml

  # Deliver one document and wait for the receipt
  xml-sender send 20123456789-01-F001-1.xml --username 20123456789MODDATOS --password moddatos`,
	Version:           version,
	SilenceUsage:      true,
	PersistentPreRunE: initConfig,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "YAML config file (env: XMLSENDER_* overrides it)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: TRACE, DEBUG, INFO, WARNING, ERROR (env: XMLSENDER_LOG_LEVEL)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "format", "f", "json", "Output format (json, table)")
}

func initConfig(cmd *cobra.Command, args []string) error {
	loaded, err := config.Load(configFile)
	if err != nil {
		return err
	}
	cfg = loaded

	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if verbose {
		cfg.Log.Level = "DEBUG"
	}
	return loggo.ConfigureLoggers("<root>=" + strings.ToUpper(cfg.Log.Level))
}

// collectFiles expands globs and directories into the XML files they hold
func collectFiles(args []string) ([]string, error) {
	var files []string

	for _, arg := range args {
		matches, err := filepath.Glob(arg)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %s: %w", arg, err)
		}
		if len(matches) == 0 {
			matches = []string{arg}
		}

		for _, match := range matches {
			info, err := os.Stat(match)
			if err != nil {
				return nil, fmt.Errorf("file not found: %s", match)
			}
			if !info.IsDir() {
				files = append(files, match)
				continue
			}
			err = filepath.Walk(match, func(path string, info os.FileInfo, err error) error {
				if err != nil {
					return err
				}
				if !info.IsDir() && strings.EqualFold(filepath.Ext(path), ".xml") {
					files = append(files, path)
				}
				return nil
			})
			if err != nil {
				return nil, err
			}
		}
	}

	return files, nil
}
