package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jmylchreest/reencodarr/internal/analyzer"
	"github.com/jmylchreest/reencodarr/internal/crfsearch"
	"github.com/jmylchreest/reencodarr/internal/database"
	"github.com/jmylchreest/reencodarr/internal/encoder"
	"github.com/jmylchreest/reencodarr/internal/events"
	"github.com/jmylchreest/reencodarr/internal/mediainfo"
	"github.com/jmylchreest/reencodarr/internal/models"
	"github.com/jmylchreest/reencodarr/internal/postprocess"
	"github.com/jmylchreest/reencodarr/internal/producer"
	"github.com/jmylchreest/reencodarr/internal/repository"
	"github.com/jmylchreest/reencodarr/internal/scheduler"
	"github.com/jmylchreest/reencodarr/internal/startup"
	"github.com/jmylchreest/reencodarr/internal/util"
	"github.com/jmylchreest/reencodarr/internal/version"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the re-encoding pipeline",
	Long: `Run the full re-encoding pipeline: the analyzer probes discovered
videos, the CRF search finds the highest CRF meeting the VMAF target, and
the encoder re-encodes and swaps results back into the library. Orphaned
work from a previous run is reclaimed before any stage starts.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := setupLogger(cfg)

	logger.Info("starting reencodarr",
		slog.String("version", version.Version),
		slog.String("commit", version.Commit),
	)

	db, err := database.New(cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("initializing database: %w", err)
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		return fmt.Errorf("migrating database: %w", err)
	}

	videos := repository.NewVideoRepository(db.DB)
	vmafs := repository.NewVmafRepository(db.DB)
	failures := repository.NewFailureRepository(db.DB)

	bus := events.NewBus(logger)

	abav1, err := resolveBinary(cfg.CrfSearch.AbAv1Binary, "ab-av1", "REENCODARR_AB_AV1_BINARY")
	if err != nil {
		return err
	}
	mediainfoBin, err := resolveBinary(cfg.Analyzer.MediainfoBinary, "mediainfo", "REENCODARR_MEDIAINFO_BINARY")
	if err != nil {
		return err
	}

	tempDir, err := ensureTempDir(cfg.Storage.TempDir)
	if err != nil {
		return err
	}
	logger.Info("temp directory ready", slog.String("path", tempDir))

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("shutdown signal received", slog.String("signal", sig.String()))
		cancel()
	}()

	// Reclaim interrupted work before any producer can hand out videos.
	reaper := startup.NewReaper(videos, []string{"ab-av1"}, tempDir, logger)
	if err := reaper.Run(ctx); err != nil {
		return fmt.Errorf("reclaiming orphaned work: %w", err)
	}

	perf := analyzer.NewPerfMonitor(
		cfg.Analyzer.BatchSize,
		cfg.Analyzer.MinBatchSize,
		cfg.Analyzer.MaxBatchSize,
		logger,
		bus,
	)
	probe := mediainfo.NewClient(mediainfoBin, logger)
	analyzerWorker := analyzer.NewWorker(probe, videos, failures, bus, perf, logger)

	crfWorker := crfsearch.NewWorker(cfg.CrfSearch, abav1, tempDir, videos, vmafs, failures, bus, logger)

	swapper := postprocess.NewSwapper(videos, logger)
	enc := encoder.NewController(cfg.Encoder, abav1, tempDir, videos, vmafs, failures, swapper, bus, logger)

	maintenance := scheduler.NewMaintenance(cfg.Maintenance, failures, tempDir, logger)
	if err := maintenance.Start(ctx); err != nil {
		return fmt.Errorf("starting maintenance scheduler: %w", err)
	}
	defer maintenance.Stop()

	analyzerProducer := producer.New(
		"analyzer",
		events.TopicAnalyzerEvents,
		videos.VideosNeedingAnalysis,
		&analyzerConsumer{worker: analyzerWorker},
		bus,
		cfg.Producers.PollInterval,
		logger,
	)
	crfProducer := producer.New(
		"crf_search",
		events.TopicCrfSearchEvents,
		func(ctx context.Context, limit int) ([]*models.Video, error) {
			return videos.VideosForCrfSearch(ctx, limit, cfg.Exclude.Patterns)
		},
		&crfSearchConsumer{worker: crfWorker},
		bus,
		cfg.Producers.PollInterval,
		logger,
	)
	encodeProducer := producer.New(
		"encoder",
		events.TopicEncodingEvents,
		videos.VideosForEncoding,
		&encodeConsumer{controller: enc},
		bus,
		cfg.Producers.PollInterval,
		logger,
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		perf.Start(ctx)
		return nil
	})
	g.Go(func() error { return analyzerProducer.Run(ctx) })
	g.Go(func() error { return crfProducer.Run(ctx) })
	g.Go(func() error { return encodeProducer.Run(ctx) })

	logger.Info("pipeline running")
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("pipeline stopped: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}

// resolveBinary returns the configured path when set, else searches the
// environment and PATH.
func resolveBinary(configured, name, envVar string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	path, err := util.FindBinary(name, envVar)
	if err != nil {
		return "", fmt.Errorf("locating %s: %w", name, err)
	}
	return path, nil
}

// ensureTempDir resolves and creates the working directory for in-flight
// encode artifacts.
func ensureTempDir(configured string) (string, error) {
	dir := configured
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "reencodarr")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating temp directory: %w", err)
	}
	return dir, nil
}

// analyzerConsumer feeds batches of discovered videos to the analyzer. The
// analyzer has no exclusive resource, so it is always available and its
// demand tracks the adaptive batch size.
type analyzerConsumer struct {
	worker *analyzer.Worker
}

func (c *analyzerConsumer) Available(ctx context.Context) bool { return true }

func (c *analyzerConsumer) Demand() int { return c.worker.BatchSize() }

func (c *analyzerConsumer) Process(ctx context.Context, batch []*models.Video) error {
	return c.worker.AnalyzeBatch(ctx, batch)
}

// crfSearchConsumer feeds one video at a time to the single-slot CRF search
// worker. Per-video failures are recorded by the worker itself and must not
// stall the rest of the batch.
type crfSearchConsumer struct {
	worker *crfsearch.Worker
}

func (c *crfSearchConsumer) Available(ctx context.Context) bool { return !c.worker.Busy() }

func (c *crfSearchConsumer) Demand() int { return 1 }

func (c *crfSearchConsumer) Process(ctx context.Context, batch []*models.Video) error {
	for _, v := range batch {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.worker.Search(ctx, v); err != nil {
			slog.Warn("crf search failed", "video_id", v.ID, "error", err)
		}
	}
	return nil
}

// encodeConsumer feeds one video at a time to the single-slot encoder.
type encodeConsumer struct {
	controller *encoder.Controller
}

func (c *encodeConsumer) Available(ctx context.Context) bool { return !c.controller.Busy() }

func (c *encodeConsumer) Demand() int { return 1 }

func (c *encodeConsumer) Process(ctx context.Context, batch []*models.Video) error {
	for _, v := range batch {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.controller.Encode(ctx, v); err != nil {
			slog.Warn("encode failed", "video_id", v.ID, "error", err)
		}
	}
	return nil
}
