package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/burrowhq/burrow/pkg/engine"
	"github.com/burrowhq/burrow/pkg/metrics"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the engine with a metrics endpoint",
	Long: `Run the engine in the foreground: topology loaded from the declaration
file, Prometheus metrics served over HTTP, shutdown on SIGINT/SIGTERM.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
		dataDir, _ := cmd.Flags().GetString("data-dir")
		leaseTTL, _ := cmd.Flags().GetDuration("lease-ttl")
		auditRetention, _ := cmd.Flags().GetInt("audit-retention")
		topoPath, _ := cmd.Flags().GetString("topology")

		fmt.Println("Starting Burrow engine...")
		fmt.Printf("  Metrics Address: %s\n", metricsAddr)
		if dataDir != "" {
			fmt.Printf("  Data Directory:  %s\n", dataDir)
		}
		if topoPath != "" {
			fmt.Printf("  Topology File:   %s\n", topoPath)
		}
		fmt.Println()

		eng, err := engine.New(engine.Config{
			LeaseTTL:       leaseTTL,
			AuditRetention: auditRetention,
			DataDir:        dataDir,
		})
		if err != nil {
			return fmt.Errorf("failed to create engine: %w", err)
		}

		if topoPath != "" {
			if err := eng.LoadTopology(topoPath); err != nil {
				return err
			}
			fmt.Printf("✓ Topology applied (version %d)\n", eng.TopologyVersion())
		}

		eng.Start()
		fmt.Println("✓ Engine started")

		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		server := &http.Server{
			Addr:              metricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("metrics server error: %w", err)
			}
		}()
		fmt.Println("✓ Metrics endpoint serving")

		fmt.Println()
		fmt.Println("Engine is running. Press Ctrl+C to stop.")

		// Wait for interrupt signal or metrics server error
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			fmt.Println("\nShutting down...")
		case err := <-errCh:
			fmt.Fprintf(os.Stderr, "\nError: %v\n", err)
		}

		_ = server.Close()
		eng.Stop()

		fmt.Println("✓ Shutdown complete")
		return nil
	},
}

func init() {
	serveCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Address for the Prometheus metrics endpoint")
	serveCmd.Flags().String("data-dir", "", "Data directory for the audit and dead-letter archive")
	serveCmd.Flags().Duration("lease-ttl", 30*time.Second, "Default lease TTL")
	serveCmd.Flags().Int("audit-retention", 0, "Audit entries retained in memory (0 = default)")
}
