package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/burrowhq/burrow/pkg/engine"
	"github.com/burrowhq/burrow/pkg/log"
	"github.com/burrowhq/burrow/pkg/topology"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// errNotFound marks lookups against names or IDs that do not exist
var errNotFound = errors.New("not found")

// exitCode maps command errors to exit codes: 2 invalid input,
// 3 declaration conflict, 4 unknown name, 5 everything else
func exitCode(err error) int {
	switch {
	case topology.IsValidation(err):
		return 2
	case topology.IsConflict(err):
		return 3
	case errors.Is(err, errNotFound):
		return 4
	}
	return 5
}

var rootCmd = &cobra.Command{
	Use:   "burrow",
	Short: "Burrow - Unified dispatch and lifecycle engine",
	Long: `Burrow is a message broker, task queue, job scheduler, and workflow
engine behind a single topology and a single dispatch loop, delivered
as one binary with zero external dependencies.`,
	Version: Version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level, _ := cmd.Flags().GetString("log-level")
		jsonOut, _ := cmd.Flags().GetBool("json-logs")
		log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
	},
}

func init() {
	// Set version template
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Burrow version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "warn", "Log level (debug|info|warn|error)")
	rootCmd.PersistentFlags().Bool("json-logs", false, "Emit JSON logs instead of console output")
	rootCmd.PersistentFlags().StringP("topology", "f", "", "Topology declaration file (YAML)")

	// Add subcommands
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(publishCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(triggerCmd)
	rootCmd.AddCommand(workflowCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(envelopeCmd)
	rootCmd.AddCommand(auditCmd)
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a topology declaration file without applying it",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("topology")
		if path == "" {
			return fmt.Errorf("--topology is required")
		}

		reg := topology.NewRegistry()
		if err := reg.LoadFile(path); err != nil {
			return err
		}

		snap := reg.Snapshot()
		fmt.Printf("✓ Topology is valid\n")
		fmt.Printf("  Exchanges: %d\n", len(snap.ListExchanges()))
		fmt.Printf("  Queues:    %d\n", len(snap.ListQueues()))
		fmt.Printf("  Tasks:     %d\n", len(snap.ListTasks()))
		fmt.Printf("  Jobs:      %d\n", len(snap.ListJobs()))
		fmt.Printf("  Workflows: %d\n", len(snap.ListWorkflows()))
		return nil
	},
}

// newEngine builds a started engine from the shared flags, loading the
// topology file when one is given. The caller must Stop it.
func newEngine(cmd *cobra.Command) (*engine.Engine, error) {
	dataDir, _ := cmd.Flags().GetString("data-dir")

	eng, err := engine.New(engine.Config{DataDir: dataDir})
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}

	if path, _ := cmd.Flags().GetString("topology"); path != "" {
		if err := eng.LoadTopology(path); err != nil {
			return nil, err
		}
	}

	eng.Start()
	return eng, nil
}
