// Package encoder runs ab-av1 encode processes. The process handle lives in
// a Holder separate from the Controller so a controller restart can re-attach
// to an encode still running underneath it.
package encoder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jmylchreest/reencodarr/internal/config"
	"github.com/jmylchreest/reencodarr/internal/events"
	"github.com/jmylchreest/reencodarr/internal/models"
	"github.com/jmylchreest/reencodarr/internal/parser"
	"github.com/jmylchreest/reencodarr/internal/procrunner"
	"github.com/jmylchreest/reencodarr/internal/repository"
	"github.com/jmylchreest/reencodarr/internal/rules"
)

// ErrBusy is returned when an encode is already in flight. The encoder is
// strictly single-slot.
var ErrBusy = errors.New("encode already running")

// ErrNoHolder is returned by Resume when there is no live encode to recover.
var ErrNoHolder = errors.New("no live encode to resume")

// defaultHeartbeat is how often the last known progress is re-broadcast while
// the encode produces no new progress lines.
const defaultHeartbeat = 10 * time.Second

// PostProcessor swaps the finished encode into the source library.
// Implemented by postprocess.Swapper.
type PostProcessor interface {
	// Apply replaces the source file with the temp artifact and returns the
	// final path and size. The temp artifact is consumed either way.
	Apply(ctx context.Context, video *models.Video, tempPath string) (string, int64, error)
}

// startFunc spawns the encode process. Replaced in tests.
type startFunc func(ctx context.Context, args []string) (runnerHandle, error)

// Controller drives one encode at a time: it spawns the process into a
// Holder, streams progress, and finalizes the video on exit.
type Controller struct {
	cfg       config.EncoderConfig
	binary    string
	tempDir   string
	heartbeat time.Duration
	videos    repository.VideoRepository
	vmafs     repository.VmafRepository
	failures  repository.FailureRepository
	post      PostProcessor
	bus       *events.Bus
	logger    *slog.Logger

	start startFunc

	mu       sync.Mutex
	holder   *Holder
	canceled bool
}

// NewController creates an encoder controller.
func NewController(
	cfg config.EncoderConfig,
	binary, tempDir string,
	videos repository.VideoRepository,
	vmafs repository.VmafRepository,
	failures repository.FailureRepository,
	post PostProcessor,
	bus *events.Bus,
	logger *slog.Logger,
) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Controller{
		cfg:       cfg,
		binary:    binary,
		tempDir:   tempDir,
		heartbeat: defaultHeartbeat,
		videos:    videos,
		vmafs:     vmafs,
		failures:  failures,
		post:      post,
		bus:       bus,
		logger:    logger.With("component", "encoder"),
	}
	c.start = func(ctx context.Context, args []string) (runnerHandle, error) {
		return procrunner.Start(ctx, c.logger, c.binary, args...)
	}
	return c
}

// Busy reports whether an encode is in flight.
func (c *Controller) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.holder != nil && c.holder.Alive()
}

// Holder returns the current holder, live or finished. Nil when no encode has
// run yet.
func (c *Controller) Holder() *Holder {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.holder
}

// Attach adopts a holder created by a previous controller instance. The
// encode is finalized by a subsequent Resume call.
func (c *Controller) Attach(h *Holder) {
	c.mu.Lock()
	c.holder = h
	c.canceled = false
	c.mu.Unlock()
}

// tryAcquire claims the single slot with a fresh holder slot.
func (c *Controller) tryAcquire() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.holder != nil && c.holder.Alive() {
		return false
	}
	c.holder = nil
	c.canceled = false
	return true
}

// OutputPath returns where the in-flight artifact for a video is written.
// The container follows the source: mp4 stays mp4, everything else is mkv.
func (c *Controller) OutputPath(video *models.Video) string {
	return filepath.Join(c.tempDir, strconv.FormatUint(uint64(video.ID), 10)+video.OutputExtension())
}

// Encode runs the full encode for a crf_searched video and blocks until a
// terminal outcome: encoded, failed, or reset to crf_searched on cancel.
// Returns ErrBusy when an encode is already in flight.
func (c *Controller) Encode(ctx context.Context, video *models.Video) error {
	if !c.tryAcquire() {
		c.publish(events.TypeWorkerStatus, video.ID, map[string]any{"skipped": "busy"})
		return ErrBusy
	}

	vmaf, err := c.vmafs.GetChosen(ctx, video.ID)
	if err != nil {
		return fmt.Errorf("loading chosen vmaf: %w", err)
	}
	if vmaf == nil {
		return models.ErrNoChosenVmaf
	}

	outputPath := c.OutputPath(video)
	args := c.buildArgs(video, vmaf, outputPath)

	runner, err := c.start(ctx, args)
	if err != nil {
		// Nothing was mutated; the video stays crf_searched.
		c.recordFailure(ctx, video, models.FailureCommandError, nil,
			c.binary+" "+strings.Join(args, " "),
			err.Error(), nil)
		return fmt.Errorf("starting encode: %w", err)
	}

	holder := NewHolder(runner, Metadata{Video: video, Vmaf: vmaf, OutputPath: outputPath})
	c.mu.Lock()
	c.holder = holder
	c.mu.Unlock()

	if _, err := c.videos.MarkEncoding(ctx, video.ID); err != nil {
		holder.Kill()
		return fmt.Errorf("marking encoding: %w", err)
	}
	c.publishState(video.ID, models.VideoStateCrfSearched, models.VideoStateEncoding)
	c.publish(events.TypeStarted, video.ID, map[string]any{
		"crf":    vmaf.CRF,
		"output": outputPath,
	})

	return c.consume(ctx, holder)
}

// Resume finalizes an encode recovered through Attach: the holder replays its
// buffered output and Resume consumes it exactly like a fresh encode. Returns
// ErrNoHolder when there is nothing to recover.
func (c *Controller) Resume(ctx context.Context) error {
	c.mu.Lock()
	holder := c.holder
	c.mu.Unlock()
	if holder == nil {
		return ErrNoHolder
	}

	meta := holder.Metadata()
	c.logger.Info("resuming encode from live process",
		"video_id", meta.Video.ID,
		"pid", holder.OSPid(),
	)
	return c.consume(ctx, holder)
}

// Cancel kills the running encode. The consume loop observes the kill and
// resets the video to crf_searched.
func (c *Controller) Cancel() {
	c.mu.Lock()
	holder := c.holder
	if holder != nil && holder.Alive() {
		c.canceled = true
	}
	c.mu.Unlock()
	if holder != nil {
		holder.Kill()
	}
}

// buildArgs composes the encode argv through the rules engine. The chosen CRF
// and preset are fixed arguments; operator extras apply as overrides.
func (c *Controller) buildArgs(video *models.Video, vmaf *models.Vmaf, outputPath string) []string {
	base := []string{
		"encode",
		"--crf", strconv.FormatFloat(vmaf.CRF, 'f', -1, 64),
		"--preset", strconv.Itoa(c.cfg.Preset),
		"--input", video.Path,
		"--output", outputPath,
	}
	if c.tempDir != "" {
		base = append(base, "--temp-dir", c.tempDir)
	}
	return rules.BuildArgs(video, rules.StageEncode, base, c.cfg.ExtraArgs)
}

// consume drains holder events until exit, publishing debounced progress with
// a heartbeat, then finalizes the video.
func (c *Controller) consume(ctx context.Context, holder *Holder) error {
	meta := holder.Metadata()
	video := meta.Video

	sub := holder.Subscribe()
	debounce := events.NewProgressDebouncer(0, 0)
	ticker := time.NewTicker(c.heartbeat)
	defer ticker.Stop()

	var lastProgress map[string]any
	var exitCode int
	var partial string
	done := ctx.Done()

loop:
	for {
		select {
		case <-done:
			done = nil
			c.mu.Lock()
			c.canceled = true
			c.mu.Unlock()
			holder.Kill()
			// Keep draining; the kill produces the exit event.
		case <-ticker.C:
			if lastProgress != nil {
				c.publish(events.TypeProgress, video.ID, lastProgress)
			}
		case ev, ok := <-sub:
			if !ok {
				break loop
			}
			switch ev.Kind {
			case procrunner.KindPartial:
				partial = ev.Text
				continue
			case procrunner.KindExit:
				exitCode = ev.ExitCode
				if partial != "" {
					c.handleLine(video, partial, debounce, &lastProgress)
				}
				continue
			}
			line := partial + ev.Text
			partial = ""
			c.handleLine(video, line, debounce, &lastProgress)
		}
	}

	c.mu.Lock()
	canceled := c.canceled
	c.mu.Unlock()

	// The exit event itself may have been dropped on a full abandoned
	// channel; the holder always has the recorded code.
	if code, ok := holder.ExitCode(); ok {
		exitCode = code
	}

	switch {
	case canceled:
		return c.finishCanceled(ctx, video, meta.OutputPath)
	case exitCode == 0:
		return c.finishSuccess(ctx, video, meta)
	default:
		return c.finishFailure(ctx, video, holder, exitCode, meta.OutputPath)
	}
}

// handleLine dispatches one parsed output line.
func (c *Controller) handleLine(video *models.Video, line string, debounce *events.ProgressDebouncer, lastProgress *map[string]any) {
	switch ev := parser.ParseLine(line).(type) {
	case parser.Progress:
		payload := map[string]any{
			"percent":  ev.Percent,
			"fps":      ev.Fps,
			"eta":      ev.Eta,
			"eta_unit": ev.EtaUnit,
		}
		*lastProgress = payload
		if debounce.ShouldEmit(ev.Percent) {
			c.publish(events.TypeProgress, video.ID, payload)
		}

	case parser.FileProgress:
		payload := map[string]any{
			"percent": float64(ev.Percent),
			"size":    ev.Size,
			"unit":    ev.Unit,
		}
		*lastProgress = payload
		if debounce.ShouldEmit(float64(ev.Percent)) {
			c.publish(events.TypeProgress, video.ID, payload)
		}

	case parser.EncodingStart:
		c.logger.Info("encode started", "video_id", video.ID, "file", ev.Filename)

	case parser.Warning:
		c.logger.Warn("encode warning", "video_id", video.ID, "message", ev.Message)

	case parser.FfmpegError:
		c.logger.Error("ffmpeg child failed", "video_id", video.ID, "exit_code", ev.ExitCode)

	case parser.FatalError:
		c.logger.Error("encode error line", "video_id", video.ID, "message", ev.Message)

	case parser.Ignore:
		if line != "" {
			c.logger.Debug("unrecognized encode output", "line", line)
		}
	}
}

// finishSuccess swaps the artifact into place and marks the video encoded.
func (c *Controller) finishSuccess(ctx context.Context, video *models.Video, meta Metadata) error {
	finalPath, newSize, err := c.post.Apply(ctx, video, meta.OutputPath)
	if err != nil {
		c.logger.Error("post-processing failed",
			"video_id", video.ID,
			"artifact", meta.OutputPath,
			"error", err,
		)
		c.recordFailure(ctx, video, models.FailureProcessError, nil, "",
			err.Error(), map[string]any{"artifact": meta.OutputPath})
		if _, err := c.videos.MarkFailed(ctx, video.ID); err != nil {
			c.logger.Error("marking video failed after post-process error", "video_id", video.ID, "error", err)
		}
		c.publish(events.TypeFailed, video.ID, map[string]any{"kind": string(models.FailureProcessError)})
		c.publishState(video.ID, models.VideoStateEncoding, models.VideoStateFailed)
		return fmt.Errorf("post-processing: %w", err)
	}

	if _, err := c.videos.MarkEncoded(ctx, video.ID); err != nil {
		return fmt.Errorf("marking encoded: %w", err)
	}

	savings := video.Size - newSize
	c.logger.Info("encode complete",
		"video_id", video.ID,
		"path", finalPath,
		"old_size", video.Size,
		"new_size", newSize,
		"savings", savings,
	)
	c.publish(events.TypeCompleted, video.ID, map[string]any{
		"path":     finalPath,
		"new_size": newSize,
		"savings":  savings,
	})
	c.publishState(video.ID, models.VideoStateEncoding, models.VideoStateEncoded)
	return nil
}

// finishFailure records the process failure and marks the video failed.
func (c *Controller) finishFailure(ctx context.Context, video *models.Video, holder *Holder, exitCode int, outputPath string) error {
	c.removeArtifact(outputPath)
	c.recordFailure(ctx, video, models.FailureProcessError, &exitCode,
		holder.CommandLine(),
		strings.Join(holder.TailLines(), "\n"),
		nil)
	if _, err := c.videos.MarkFailed(ctx, video.ID); err != nil {
		return fmt.Errorf("marking video failed: %w", err)
	}
	c.publish(events.TypeFailed, video.ID, map[string]any{
		"kind":      string(models.FailureProcessError),
		"exit_code": exitCode,
	})
	c.publishState(video.ID, models.VideoStateEncoding, models.VideoStateFailed)
	return nil
}

// finishCanceled resets the video to crf_searched; its chosen candidate is
// intact so a later dispatch restarts the encode from scratch.
func (c *Controller) finishCanceled(ctx context.Context, video *models.Video, outputPath string) error {
	c.removeArtifact(outputPath)
	if _, err := c.videos.MarkCrfSearched(ctx, video.ID); err != nil {
		return fmt.Errorf("resetting canceled encode: %w", err)
	}
	c.logger.Info("encode canceled", "video_id", video.ID)
	c.publish(events.TypeWorkerStatus, video.ID, map[string]any{"canceled": true})
	c.publishState(video.ID, models.VideoStateEncoding, models.VideoStateCrfSearched)
	return nil
}

// removeArtifact deletes a partial temp encode, tolerating absence.
func (c *Controller) removeArtifact(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		c.logger.Warn("removing temp artifact", "path", path, "error", err)
	}
}

func (c *Controller) recordFailure(ctx context.Context, video *models.Video, kind models.FailureKind, exitCode *int, cmdLine, tail string, extra map[string]any) {
	rec := &models.FailureRecord{
		VideoID:    video.ID,
		Stage:      models.StageEncode,
		Kind:       kind,
		ExitCode:   exitCode,
		Command:    cmdLine,
		OutputTail: tail,
		Context:    models.JSONMap(extra),
	}
	if err := c.failures.Record(ctx, rec); err != nil {
		c.logger.Error("recording encode failure", "video_id", video.ID, "error", err)
	}
}

func (c *Controller) publish(eventType string, videoID uint, payload map[string]any) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(events.Event{
		Topic:   events.TopicEncodingEvents,
		Type:    eventType,
		VideoID: videoID,
		Payload: payload,
	})
}

func (c *Controller) publishState(videoID uint, from, to models.VideoState) {
	if c.bus == nil {
		return
	}
	c.bus.PublishStateChange(videoID, string(from), string(to))
}
