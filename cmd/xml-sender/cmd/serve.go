package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rezonia/xml-sender/pkg/xmlsender"
)

var (
	serverAddr   string
	serverDebug  bool
	readTimeout  time.Duration
	writeTimeout time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server and the delivery workers",
	Long: `Start the HTTP API server together with the delivery workers.

The API provides endpoints for:
  - POST /documents            - Submit a document (multipart: file, customId, username, password)
  - GET  /documents/:id        - Document status
  - GET  /documents/:id/file   - Submitted XML
  - GET  /documents/:id/cdr    - Receipt (CDR) once delivered
  - POST /api/v1/validate      - Validate without storing
  - GET  /health               - Health check
  - GET  /metrics              - Prometheus metrics

Documents left SCHEDULED_TO_DELIVER by a previous run are picked up on start.

Examples:
  # Start server on the configured address
  xml-sender serve

  # Start on a custom port in debug mode
  xml-sender serve --address :9090 --debug`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serverAddr, "address", "", "Server listen address (default from server.address)")
	serveCmd.Flags().BoolVar(&serverDebug, "debug", false, "Enable debug mode")
	serveCmd.Flags().DurationVar(&readTimeout, "read-timeout", 0, "HTTP read timeout (default from server.read_timeout)")
	serveCmd.Flags().DurationVar(&writeTimeout, "write-timeout", 0, "HTTP write timeout (default from server.write_timeout)")
}

func runServe(cmd *cobra.Command, args []string) error {
	if serverAddr != "" {
		cfg.Server.Address = serverAddr
	}
	if serverDebug {
		cfg.Server.Debug = true
	}
	if readTimeout > 0 {
		cfg.Server.ReadTimeout = readTimeout
	}
	if writeTimeout > 0 {
		cfg.Server.WriteTimeout = writeTimeout
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine, err := xmlsender.NewEngine(ctx, cfg)
	if err != nil {
		return err
	}
	defer engine.Close()

	fmt.Printf("Starting server on %s\n", cfg.Server.Address)
	if cfg.Sunat.Username == "" {
		fmt.Println("No default SUNAT credentials: submissions must carry username and password")
	}

	err = engine.Serve(ctx)
	fmt.Println("Server stopped")
	return err
}
