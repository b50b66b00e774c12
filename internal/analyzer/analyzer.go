// Package analyzer probes technical metadata for discovered videos in
// batches and applies the codec fast-path.
package analyzer

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmylchreest/reencodarr/internal/events"
	"github.com/jmylchreest/reencodarr/internal/mediainfo"
	"github.com/jmylchreest/reencodarr/internal/models"
	"github.com/jmylchreest/reencodarr/internal/repository"
	"golang.org/x/sync/errgroup"
)

// maxFanOut bounds concurrent mediainfo invocations regardless of tier.
const maxFanOut = 4

// Scanner probes a set of paths. Implemented by mediainfo.Client.
type Scanner interface {
	Scan(ctx context.Context, paths []string) (map[string]*mediainfo.FileMetadata, error)
}

// Worker analyzes batches of videos in needs_analysis state.
type Worker struct {
	scanner  Scanner
	videos   repository.VideoRepository
	failures repository.FailureRepository
	bus      *events.Bus
	perf     *PerfMonitor
	logger   *slog.Logger
}

// NewWorker creates an analyzer worker.
func NewWorker(
	scanner Scanner,
	videos repository.VideoRepository,
	failures repository.FailureRepository,
	bus *events.Bus,
	perf *PerfMonitor,
	logger *slog.Logger,
) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		scanner:  scanner,
		videos:   videos,
		failures: failures,
		bus:      bus,
		perf:     perf,
		logger:   logger.With("component", "analyzer"),
	}
}

// BatchSize returns the current adaptive batch size, used by the producer to
// size its demand.
func (w *Worker) BatchSize() int {
	return w.perf.BatchSize()
}

// AnalyzeBatch probes all videos in the batch. The batch is split into
// chunks of the adaptive batch size and chunks run with bounded fan-out.
// Per-video failures are recorded individually and never abort the batch.
func (w *Worker) AnalyzeBatch(ctx context.Context, batch []*models.Video) error {
	if len(batch) == 0 {
		return nil
	}

	batchID := uuid.NewString()
	chunkSize := w.perf.BatchSize()
	concurrency := w.perf.Concurrency()
	if concurrency > maxFanOut {
		concurrency = maxFanOut
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for start := 0; start < len(batch); start += chunkSize {
		end := start + chunkSize
		if end > len(batch) {
			end = len(batch)
		}
		chunk := batch[start:end]
		g.Go(func() error {
			w.analyzeChunk(ctx, batchID, chunk)
			return ctx.Err()
		})
	}
	return g.Wait()
}

// analyzeChunk runs one mediainfo invocation and writes per-video results.
func (w *Worker) analyzeChunk(ctx context.Context, batchID string, chunk []*models.Video) {
	paths := make([]string, len(chunk))
	for i, v := range chunk {
		paths[i] = v.Path
	}

	start := time.Now()
	result, err := w.scanner.Scan(ctx, paths)
	if err != nil {
		w.logger.Error("mediainfo invocation failed",
			"files", len(paths),
			"error", err,
		)
		for _, v := range chunk {
			w.failVideo(ctx, v, models.FailureCommandError, err.Error(), nil)
		}
		return
	}

	var bytes int64
	for _, v := range chunk {
		meta, ok := result[v.Path]
		if !ok {
			w.failVideo(ctx, v, models.FailureCommandError,
				"mediainfo returned no data for path",
				map[string]any{"path": v.Path})
			continue
		}
		bytes += meta.Size
		w.applyResult(ctx, v, meta)
	}

	elapsed := time.Since(start)
	w.perf.RecordBatch(len(chunk), bytes, elapsed)
	w.publishThroughput(batchID, len(chunk), bytes, elapsed)
}

// publishThroughput reports one chunk's probe rate for dashboard consumers.
func (w *Worker) publishThroughput(batchID string, files int, bytes int64, elapsed time.Duration) {
	if w.bus == nil {
		return
	}
	w.bus.Publish(events.Event{
		Topic: events.TopicAnalyzerEvents,
		Type:  events.TypeThroughput,
		Payload: map[string]any{
			"batch_id":   batchID,
			"files":      files,
			"bytes":      bytes,
			"elapsed_ms": elapsed.Milliseconds(),
		},
	})
}

// applyResult persists the probed metadata and advances the video's state,
// taking the codec fast-path when the video already carries AV1 or Opus.
func (w *Worker) applyResult(ctx context.Context, video *models.Video, meta *mediainfo.FileMetadata) {
	meta.ApplyTo(video)

	if err := w.videos.UpdateMetadata(ctx, video); err != nil {
		w.failVideo(ctx, video, models.FailureDatabaseError, err.Error(), nil)
		return
	}

	if video.HasCompatibleCodecs() {
		if _, err := w.videos.MarkReencoded(ctx, video.ID); err != nil {
			w.failVideo(ctx, video, models.FailureDatabaseError, err.Error(), nil)
			return
		}
		w.logger.Info("codec fast-path taken",
			"video_id", video.ID,
			"video_codecs", []string(video.VideoCodecs),
			"audio_codecs", []string(video.AudioCodecs),
		)
		w.publish(events.TypeAnalysisDone, video.ID, map[string]any{"fast_path": true})
		w.publishState(video.ID, models.VideoStateNeedsAnalysis, models.VideoStateEncoded)
		return
	}

	if _, err := w.videos.MarkAnalyzed(ctx, video.ID); err != nil {
		if errors.Is(err, models.ErrMissingMetadata) {
			w.failVideo(ctx, video, models.FailureProcessError,
				"analysis produced incomplete metadata",
				map[string]any{
					"bitrate": video.Bitrate,
					"width":   video.Width,
					"height":  video.Height,
				})
			return
		}
		w.failVideo(ctx, video, models.FailureDatabaseError, err.Error(), nil)
		return
	}

	w.publish(events.TypeAnalysisDone, video.ID, map[string]any{"fast_path": false})
	w.publishState(video.ID, models.VideoStateNeedsAnalysis, models.VideoStateAnalyzed)
}

func (w *Worker) publishState(videoID uint, from, to models.VideoState) {
	if w.bus == nil {
		return
	}
	w.bus.PublishStateChange(videoID, string(from), string(to))
}

// failVideo records an analysis-stage failure and marks the video failed.
func (w *Worker) failVideo(ctx context.Context, video *models.Video, kind models.FailureKind, detail string, extra map[string]any) {
	w.logger.Warn("video analysis failed",
		"video_id", video.ID,
		"path", video.Path,
		"kind", kind,
		"detail", detail,
	)

	rec := &models.FailureRecord{
		VideoID:    video.ID,
		Stage:      models.StageAnalysis,
		Kind:       kind,
		OutputTail: detail,
		Context:    models.JSONMap(extra),
	}
	if err := w.failures.Record(ctx, rec); err != nil {
		w.logger.Error("failed to record analysis failure", "video_id", video.ID, "error", err)
	}
	if _, err := w.videos.MarkFailed(ctx, video.ID); err != nil {
		w.logger.Error("failed to mark video failed", "video_id", video.ID, "error", err)
		return
	}
	w.publish(events.TypeFailed, video.ID, map[string]any{"kind": string(kind)})
}

func (w *Worker) publish(eventType string, videoID uint, payload map[string]any) {
	if w.bus == nil {
		return
	}
	w.bus.Publish(events.Event{
		Topic:   events.TopicMediaEvents,
		Type:    eventType,
		VideoID: videoID,
		Payload: payload,
	})
}
