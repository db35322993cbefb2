package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"codeatlas/internal/config"
	"codeatlas/internal/logging"
	"codeatlas/internal/pipeline"
)

var (
	// Global flags
	cfgPath string
	verbose bool

	cfg config.Config
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "atlas",
	Short: "codeatlas - LLM-driven code knowledge graph pipeline",
	Long: `codeatlas analyzes a source directory with LLM assistance and builds a
knowledge graph of points of interest and their relationships.

Files are scanned and batched, each batch is analyzed for POIs, candidate
relationships are resolved and confidence-scored, low-confidence candidates
go through multi-agent triangulation, and accepted relationships are merged
into a queryable graph.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return err
		}
		if verbose {
			cfg.Logging.Level = "debug"
		}
		return logging.Initialize(cfg.Logging)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Sync()
	},
}

// runCmd executes one full pipeline pass over a target directory.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Analyze a directory and build its knowledge graph",
	RunE: func(cmd *cobra.Command, args []string) error {
		target, err := cmd.Flags().GetString("target")
		if err != nil {
			return err
		}

		r, err := pipeline.New(cfg)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		summary, runErr := r.Run(ctx, target)
		printSummary(summary)
		if runErr != nil && ctx.Err() == nil {
			fmt.Fprintf(os.Stderr, "run failed: %v\n", runErr)
		}
		os.Exit(summary.ExitCode)
		return nil
	},
}

// statusCmd prints a one-shot snapshot of pipeline state.
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show a snapshot of stores and queues",
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := pipeline.New(cfg)
		if err != nil {
			return err
		}
		defer r.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		snap, err := r.Monitor().Snapshot(ctx)
		if err != nil {
			return err
		}
		out, err := json.MarshalIndent(snap, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

// resetCmd wipes both stores.
var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete all analysis state and graph data",
	RunE: func(cmd *cobra.Command, args []string) error {
		confirmed, err := cmd.Flags().GetBool("yes")
		if err != nil {
			return err
		}
		if !confirmed {
			return fmt.Errorf("reset is destructive; re-run with --yes to confirm")
		}

		r, err := pipeline.New(cfg)
		if err != nil {
			return err
		}
		defer r.Close()

		if err := r.Reset(cmd.Context()); err != nil {
			return err
		}
		fmt.Println("all analysis state and graph data deleted")
		return nil
	},
}

func printSummary(s *pipeline.Summary) {
	if s == nil {
		return
	}
	fmt.Printf("files analyzed: %d (failed: %d)\n", s.FilesAnalyzed, s.FilesFailed)
	fmt.Printf("points of interest: %d\n", s.POIs)
	fmt.Printf("relationships accepted: %d (deferred: %d)\n", s.Accepted, s.Deferred)
	fmt.Printf("graph: %d nodes, %d edges\n", s.GraphNodes, s.GraphEdges)
	if s.DeadJobs > 0 {
		fmt.Printf("dead jobs: %d\n", s.DeadJobs)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "atlas.yaml", "path to config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	runCmd.Flags().String("target", ".", "directory to analyze")
	resetCmd.Flags().Bool("yes", false, "confirm destructive reset")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(resetCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(pipeline.ExitFailure)
	}
}
