package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"s3migrate/internal/app"
	"s3migrate/internal/checkpoint"
	"s3migrate/internal/config"
	"s3migrate/internal/logger"
)

const exitInterrupted = 130

var configFile string

var rootCmd = &cobra.Command{
	Use:   "s3migrate",
	Short: "Migrate buckets between S3 compatible endpoints",
	Long: `A concurrent, resumable bucket migration tool between S3 compatible endpoints
(MinIO, AWS S3, Cloudflare R2 and others) with retry, multipart transfers,
checkpointing and failure reports.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runMigration,
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check that the source and target buckets are reachable",
	RunE:  runCheck,
}

var failedCmd = &cobra.Command{
	Use:   "failed",
	Short: "List failed and skipped objects recorded in a checkpoint",
	RunE:  runFailed,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (YAML)")
	config.RegisterFlags(rootCmd.PersistentFlags())

	checkCmd.Flags().Bool("source-only", false, "Only check the source endpoint")
	checkCmd.Flags().Bool("target-only", false, "Only check the target endpoint")
	checkCmd.MarkFlagsMutuallyExclusive("source-only", "target-only")

	failedCmd.Flags().String("bucket", "", "Only list objects of this bucket")

	rootCmd.AddCommand(checkCmd, failedCmd)
}

// setup loads the configuration and builds the logger and migrator.
func setup(cmd *cobra.Command) (*app.Migrator, *zap.Logger, error) {
	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	migrator, err := app.New(cfg, log)
	if err != nil {
		_ = log.Sync()
		return nil, nil, fmt.Errorf("failed to create migrator: %w", err)
	}
	return migrator, log, nil
}

// signalContext cancels the returned context on SIGINT or SIGTERM.
func signalContext(log *zap.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case <-sigChan:
			log.Info("Received shutdown signal, gracefully stopping...")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()

	return ctx, cancel
}

func runMigration(cmd *cobra.Command, args []string) error {
	migrator, log, err := setup(cmd)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, cancel := signalContext(log)
	defer cancel()

	_, err = migrator.Run(ctx)

	// Close migrator resources after migration completes or is cancelled
	if closeErr := migrator.Close(); closeErr != nil {
		log.Error("Error closing migrator", zap.Error(closeErr))
	}

	return err
}

func runCheck(cmd *cobra.Command, args []string) error {
	migrator, log, err := setup(cmd)
	if err != nil {
		return err
	}
	defer log.Sync()
	defer migrator.Close()

	sourceOnly, _ := cmd.Flags().GetBool("source-only")
	targetOnly, _ := cmd.Flags().GetBool("target-only")

	ctx, cancel := signalContext(log)
	defer cancel()

	results, err := migrator.Check(ctx, sourceOnly, targetOnly)

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ROLE\tBUCKET\tSTATUS\tDETAIL")
	for _, r := range results {
		status, detail := "ok", r.FirstKey
		switch {
		case r.Err != nil:
			status, detail = "error", r.Err.Error()
		case r.Missing && r.OK():
			status, detail = "missing", "will be created"
		case r.Missing:
			status, detail = "missing", "bucket does not exist"
		case detail == "":
			detail = "(empty)"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.Role, r.Bucket, status, detail)
	}
	if flushErr := w.Flush(); flushErr != nil {
		return flushErr
	}

	if err != nil {
		return fmt.Errorf("connectivity check failed: %w", err)
	}
	return nil
}

func runFailed(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("checkpoint")
	if path == "" {
		return errors.New("--checkpoint is required")
	}
	bucket, _ := cmd.Flags().GetString("bucket")

	store, err := checkpoint.NewSQLiteStore(path)
	if err != nil {
		return fmt.Errorf("failed to open checkpoint: %w", err)
	}
	defer store.Close()

	records, err := store.ListFailedTasks(bucket)
	if err != nil {
		return fmt.Errorf("failed to list failed objects: %w", err)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "BUCKET\tKEY\tSTATUS\tKIND\tATTEMPTS\tUPDATED\tERROR")
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			r.Bucket, r.Key, r.Status, r.Kind, r.Attempts, r.UpdatedAt.Format("2006-01-02 15:04:05"), r.LastError)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "%d objects\n", len(records))
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if errors.Is(err, context.Canceled) {
			os.Exit(exitInterrupted)
		}
		os.Exit(1)
	}
}
