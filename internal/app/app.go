package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"s3migrate/internal/checkpoint"
	"s3migrate/internal/config"
	"s3migrate/internal/metrics"
	"s3migrate/internal/progress"
	"s3migrate/internal/report"
	"s3migrate/internal/storage"
	"s3migrate/internal/worker"
)

// ErrEndpointUnreachable is returned when the preflight probe of the source
// or target endpoint fails with a transport or authorization error.
var ErrEndpointUnreachable = errors.New("endpoint unreachable")

// Migrator represents the main migration application
type Migrator struct {
	cfg        *config.Config
	logger     *zap.Logger
	runID      string
	srcClient  storage.Client
	dstClient  storage.Client
	checkpoint checkpoint.Store
	metrics    *metrics.Collector
	processor  *worker.TaskProcessor
	stdout     io.Writer
}

// New creates a new migrator instance
func New(cfg *config.Config, logger *zap.Logger) (*Migrator, error) {
	srcClient, err := storage.New(cfg.Source.Storage())
	if err != nil {
		return nil, fmt.Errorf("failed to create source client: %w", err)
	}

	dstClient, err := storage.New(cfg.Target.Storage())
	if err != nil {
		return nil, fmt.Errorf("failed to create destination client: %w", err)
	}

	var store checkpoint.Store
	if cfg.Migration.Checkpoint != "" {
		sqlite, err := checkpoint.NewSQLiteStore(cfg.Migration.Checkpoint)
		if err != nil {
			return nil, fmt.Errorf("failed to create checkpoint store: %w", err)
		}
		store = sqlite
	}

	var collector *metrics.Collector
	if cfg.Metrics.Addr != "" {
		collector = metrics.New()
	}

	return NewWithClients(cfg, srcClient, dstClient, store, collector, logger), nil
}

// NewWithClients creates a migrator around existing clients. store and
// collector may be nil.
func NewWithClients(cfg *config.Config, src, dst storage.Client, store checkpoint.Store, collector *metrics.Collector, logger *zap.Logger) *Migrator {
	runID := uuid.NewString()
	m := &Migrator{
		cfg:        cfg,
		logger:     logger.With(zap.String("run_id", runID)),
		runID:      runID,
		srcClient:  src,
		dstClient:  dst,
		checkpoint: store,
		metrics:    collector,
		stdout:     os.Stdout,
	}
	m.processor = worker.NewTaskProcessor(m.workerConfig(), src, dst, store, collector, m.logger)
	return m
}

// SetOutput redirects the printed summary.
func (m *Migrator) SetOutput(w io.Writer) {
	m.stdout = w
}

// RunID returns the identifier of this run.
func (m *Migrator) RunID() string {
	return m.runID
}

func (m *Migrator) workerConfig() worker.Config {
	mc := m.cfg.Migration
	return worker.Config{
		ChunkSize:       mc.ChunkSize,
		PartConcurrency: mc.PartConcurrency,
		DirectRead:      mc.DirectRead,
		MaxDirectSize:   mc.MaxDirectSize,
		IsSourceR2:      m.cfg.Source.IsR2,
		CopyInPlace:     mc.CopyInPlace,
		MaxRetries:      mc.MaxRetries,
		RetryBackoff:    time.Duration(mc.RetryBackoffMs) * time.Millisecond,
		SkipExisting:    mc.SkipExisting,
		Resume:          mc.Resume,
		RunID:           m.runID,
	}
}

func (m *Migrator) retrier(logger *zap.Logger) worker.Retrier {
	return worker.Retrier{
		MaxAttempts: m.cfg.Migration.MaxRetries,
		Base:        time.Duration(m.cfg.Migration.RetryBackoffMs) * time.Millisecond,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			logger.Warn("Attempt failed, retrying",
				zap.Int("attempt", attempt),
				zap.String("kind", storage.Classify(err).String()),
				zap.Duration("backoff", delay),
				zap.Error(err),
			)
		},
	}
}

// Run executes the migration process. Per-bucket failures are recorded in
// the report; only run-fatal conditions and interruption return an error.
func (m *Migrator) Run(ctx context.Context) (*report.Report, error) {
	mc := m.cfg.Migration
	m.logger.Info("Starting migration",
		zap.Strings("buckets", mc.Buckets),
		zap.String("prefix", mc.Prefix),
		zap.Int("max_workers", mc.MaxWorkers),
		zap.Int64("chunk_size", mc.ChunkSize),
		zap.Bool("source_r2", m.cfg.Source.IsR2),
		zap.Bool("dry_run", mc.DryRun),
	)

	if m.metrics != nil && m.cfg.Metrics.Addr != "" {
		go func() {
			if err := m.metrics.StartServer(m.cfg.Metrics.Addr); err != nil {
				m.logger.Error("Failed to start metrics server", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := m.metrics.Shutdown(shutdownCtx); err != nil {
				m.logger.Warn("Failed to stop metrics server", zap.Error(err))
			}
		}()
	}

	if err := m.preflight(ctx); err != nil {
		return nil, err
	}

	agg := report.NewAggregator(m.runID, mc.FailureDir, time.Now(), m.logger)
	lister := NewBucketLister(m.srcClient, m.retrier(m.logger), m.logger)

	tracker := progress.NewTracker()
	agg.Observe(func(out worker.Outcome) { trackOutcome(tracker, out) })
	display := m.startProgress(ctx, lister, tracker)

	for _, bucket := range mc.Buckets {
		if ctx.Err() != nil {
			break
		}
		agg.BeginBucket(bucket)
		logger := m.logger.With(zap.String("bucket", bucket))

		if mc.DryRun {
			listed := func(storage.ObjectInfo) { agg.AddListed(bucket, 1) }
			if _, err := lister.ListAndEnqueue(ctx, bucket, mc.Prefix, nil, listed, true); err != nil && !isCanceled(err) {
				logger.Error("Listing failed", zap.Error(err))
				agg.AbortBucket(bucket, err)
			}
			continue
		}

		if err := m.ensureBucket(ctx, bucket, logger); err != nil {
			if isCanceled(err) {
				break
			}
			logger.Error("Bucket skipped", zap.Error(err))
			agg.AbortBucket(bucket, err)
			continue
		}

		m.runBucket(ctx, bucket, lister, agg, logger)
	}

	if display != nil {
		display.Stop()
	}

	rep, err := agg.Finalize(time.Now())
	if err != nil {
		m.logger.Error("Failed to write failed object lists", zap.Error(err))
	}

	totals := rep.Totals()
	m.logger.Info("Migration completed",
		zap.Int("listed", totals.Listed),
		zap.Int("succeeded", totals.Succeeded),
		zap.Int("existing", totals.Existing),
		zap.Int("skipped", totals.Skipped),
		zap.Int("failed", totals.Failed),
		zap.Int64("bytes", totals.Bytes),
		zap.Strings("fatal_buckets", rep.FatalBuckets()),
		zap.Strings("artifacts", rep.Artifacts),
	)
	if err := rep.WriteSummary(m.stdout); err != nil {
		m.logger.Warn("Failed to print summary", zap.Error(err))
	}

	if ctx.Err() != nil {
		return rep, fmt.Errorf("migration interrupted: %w", ctx.Err())
	}
	return rep, nil
}

// runBucket migrates one bucket. It returns after every dispatched task has
// produced an outcome.
func (m *Migrator) runBucket(ctx context.Context, bucket string, lister *BucketLister, agg *report.Aggregator, logger *zap.Logger) {
	mc := m.cfg.Migration
	tasks := make(chan worker.Task, mc.MaxWorkers*2)
	pool := worker.NewPool(mc.MaxWorkers, m.processor, m.metrics, logger)

	done := make(chan struct{})
	go func() {
		defer close(done)
		pool.Run(ctx, tasks, agg)
	}()

	listed := func(storage.ObjectInfo) { agg.AddListed(bucket, 1) }
	n, err := lister.ListAndEnqueue(ctx, bucket, mc.Prefix, tasks, listed, false)
	close(tasks)
	<-done

	switch {
	case err == nil:
		logger.Info("Bucket finished", zap.Int("objects", n))
	case isCanceled(err):
		logger.Warn("Bucket interrupted", zap.Int("dispatched", n))
	default:
		logger.Error("Listing failed, bucket incomplete", zap.Int("dispatched", n), zap.Error(err))
		agg.AbortBucket(bucket, err)
	}
}

// preflight probes both endpoints before any transfer.
func (m *Migrator) preflight(ctx context.Context) error {
	bucket := ""
	if len(m.cfg.Migration.Buckets) > 0 {
		bucket = m.cfg.Migration.Buckets[0]
	}

	endpoints := []struct {
		name     string
		endpoint string
		client   storage.Client
	}{
		{"source", m.cfg.Source.Endpoint, m.srcClient},
		{"target", m.cfg.Target.Endpoint, m.dstClient},
	}
	for _, ep := range endpoints {
		logger := m.logger.With(zap.String("endpoint", ep.endpoint))
		_, err := m.retrier(logger).Do(ctx, func(ctx context.Context) error {
			return ep.client.Probe(ctx, bucket)
		})
		switch kind := storage.Classify(err); kind {
		case storage.KindNone, storage.KindNotFound:
			logger.Debug("Endpoint reachable", zap.String("role", ep.name))
		case storage.KindTransient, storage.KindAuth, storage.KindFatal:
			return fmt.Errorf("%w: %s %s: %w", ErrEndpointUnreachable, ep.name, ep.endpoint, err)
		case storage.KindCanceled:
			return fmt.Errorf("migration interrupted: %w", err)
		default:
			logger.Warn("Endpoint probe returned an error, continuing", zap.String("role", ep.name), zap.String("kind", kind.String()), zap.Error(err))
		}
	}
	return nil
}

// ensureBucket makes sure the target bucket exists.
func (m *Migrator) ensureBucket(ctx context.Context, bucket string, logger *zap.Logger) error {
	retry := m.retrier(logger)

	var exists bool
	_, err := retry.Do(ctx, func(ctx context.Context) error {
		var err error
		exists, err = m.dstClient.BucketExists(ctx, bucket)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to check target bucket %s: %w", bucket, err)
	}
	if exists {
		return nil
	}

	logger.Info("Creating target bucket")
	_, err = retry.Do(ctx, func(ctx context.Context) error {
		return m.dstClient.CreateBucket(ctx, bucket)
	})
	if err != nil {
		return fmt.Errorf("failed to create target bucket %s: %w", bucket, err)
	}
	return nil
}

// startProgress counts the source objects and starts the terminal display.
// It returns nil when the display is disabled.
func (m *Migrator) startProgress(ctx context.Context, lister *BucketLister, tracker *progress.Tracker) *progress.Display {
	mc := m.cfg.Migration
	switch {
	case mc.DryRun:
		m.logger.Info("Progress display disabled (dry-run mode)")
		return nil
	case !mc.ShowProgress:
		m.logger.Info("Progress display disabled (disabled in config)")
		return nil
	case !progress.IsTerminalSupported():
		m.logger.Info("Progress display disabled (unsupported terminal)")
		return nil
	}

	m.logger.Info("Counting objects for progress tracking...")
	for _, bucket := range mc.Buckets {
		objects, size, err := lister.Count(ctx, bucket, mc.Prefix)
		if err != nil {
			m.logger.Warn("Failed to count objects, progress tracking may be inaccurate",
				zap.String("bucket", bucket), zap.Error(err))
			continue
		}
		tracker.AddTotal(objects, size)
	}
	st := tracker.GetStatus()
	m.logger.Info("Object counting completed",
		zap.Int64("total_objects", st.TotalObjects),
		zap.String("total_size", progress.FormatBytes(st.TotalBytes)),
	)

	display := progress.NewDisplay(tracker, 2*time.Second)
	display.Start()
	return display
}

func trackOutcome(tracker *progress.Tracker, out worker.Outcome) {
	switch {
	case out.Status == worker.StatusSuccess && out.Existing:
		tracker.AddExisting(out.Task.Object.Size)
	case out.Status == worker.StatusSuccess:
		tracker.AddSuccess(out.BytesTransferred)
	case out.Status == worker.StatusSkipped:
		tracker.AddSkipped(0)
	default:
		tracker.AddFailed()
	}
}

func isCanceled(err error) bool {
	return storage.Classify(err) == storage.KindCanceled
}

// Close cleans up resources
func (m *Migrator) Close() error {
	if m.checkpoint != nil {
		return m.checkpoint.Close()
	}
	return nil
}
