package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rezonia/xml-sender/internal/server"
	"github.com/rezonia/xml-sender/pkg/xmlsender"
)

var (
	sendUsername string
	sendPassword string
	sendCustomID string
	sendTimeout  time.Duration
)

var sendCmd = &cobra.Command{
	Use:   "send <file>",
	Short: "Deliver one document and wait for the result",
	Long: `Submit one document through an in-process engine, deliver it to SUNAT and
wait until it is DELIVERED or FAILED. The final document is printed as JSON,
with the password masked.

Without --username and --password the default identity from the config
(sunat.username, sunat.password) is used.

Examples:
  xml-sender send 20123456789-01-F001-1.xml
  xml-sender send summary.xml --username 20123456789MODDATOS --password moddatos --timeout 10m`,
	Args: cobra.ExactArgs(1),
	RunE: runSend,
}

func init() {
	rootCmd.AddCommand(sendCmd)

	sendCmd.Flags().StringVar(&sendUsername, "username", "", "SUNAT username (RUC + SOL user)")
	sendCmd.Flags().StringVar(&sendPassword, "password", "", "SUNAT SOL password")
	sendCmd.Flags().StringVar(&sendCustomID, "custom-id", "", "Caller reference stored with the document")
	sendCmd.Flags().DurationVar(&sendTimeout, "timeout", 10*time.Minute, "Maximum time to wait for a terminal status")
}

func runSend(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	engine, err := xmlsender.NewEngine(ctx, cfg)
	if err != nil {
		return err
	}
	defer engine.Close()

	doc, err := engine.Submit(ctx, xmlsender.SubmitRequest{
		File:     data,
		CustomID: sendCustomID,
		Username: sendUsername,
		Password: sendPassword,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Submitted %s as %s\n", doc.FileInfo.Filename, doc.ID)

	runCtx, stopWorkers := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		done <- engine.Run(runCtx)
	}()

	final, waitErr := engine.Wait(ctx, doc.ID)
	stopWorkers()
	<-done

	if final != nil {
		if err := writeJSON(os.Stdout, server.NewDocumentResponse(final)); err != nil {
			return err
		}
	}
	if waitErr != nil {
		return fmt.Errorf("waiting for %s: %w", doc.ID, waitErr)
	}
	if final.DeliveryStatus != xmlsender.StatusDelivered {
		return fmt.Errorf("document %s %s", doc.ID, final.DeliveryStatus)
	}
	return nil
}
