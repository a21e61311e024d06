package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rezonia/xml-sender/internal/config"
	"github.com/rezonia/xml-sender/internal/server"
	"github.com/rezonia/xml-sender/pkg/xmlsender"
)

var listStatus string

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored documents in one delivery status",
	Long: `List the documents of the configured store that are currently in one
delivery status. Documents left DELIVERING by a shutdown are never resumed
automatically; this is how they are found.

Examples:
  xml-sender list --status DELIVERING
  xml-sender list --status FAILED --format table --config xml-sender.yaml`,
	Args: cobra.NoArgs,
	RunE: runList,
}

func init() {
	rootCmd.AddCommand(listCmd)

	listCmd.Flags().StringVar(&listStatus, "status", string(xmlsender.StatusDelivering),
		"Delivery status: SCHEDULED_TO_DELIVER, DELIVERING, DELIVERED, FAILED")
}

func runList(cmd *cobra.Command, args []string) error {
	status := xmlsender.DeliveryStatus(strings.ToUpper(listStatus))
	if !status.IsValid() {
		return fmt.Errorf("unknown delivery status %q", listStatus)
	}
	if cfg.Storage.Driver == config.DriverMemory {
		fmt.Fprintln(os.Stderr, "warning: storage.driver is memory, nothing outlives the process")
	}

	ctx := context.Background()
	engine, err := xmlsender.NewEngine(ctx, cfg)
	if err != nil {
		return err
	}
	defer engine.Close()

	docs, err := engine.List(ctx, status)
	if err != nil {
		return err
	}

	if outputFormat == "table" {
		return writeDocumentTable(os.Stdout, docs)
	}
	response := make([]server.DocumentResponse, 0, len(docs))
	for _, doc := range docs {
		response = append(response, server.NewDocumentResponse(doc))
	}
	return writeJSON(os.Stdout, response)
}
