// Package crfsearch drives ab-av1 crf-search runs: it finds the highest CRF
// that still meets the target VMAF for a video, persisting every measured
// candidate along the way.
package crfsearch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/jmylchreest/reencodarr/internal/config"
	"github.com/jmylchreest/reencodarr/internal/events"
	"github.com/jmylchreest/reencodarr/internal/models"
	"github.com/jmylchreest/reencodarr/internal/parser"
	"github.com/jmylchreest/reencodarr/internal/procrunner"
	"github.com/jmylchreest/reencodarr/internal/repository"
	"github.com/jmylchreest/reencodarr/internal/rules"
)

// ErrBusy is returned when a search is already in flight. The worker is
// strictly single-slot.
var ErrBusy = errors.New("crf search already running")

// tailLines bounds the rolling output buffer kept for failure context.
const tailLines = 200

// CrfRange is a codec-hint search range narrower than the standard bounds.
type CrfRange struct {
	Min int
	Max int
}

// runnerHandle abstracts the process runner for testing.
type runnerHandle interface {
	Events() <-chan procrunner.Event
	Kill()
	CommandLine() string
}

// startFunc spawns the search process. Replaced in tests.
type startFunc func(ctx context.Context, args []string) (runnerHandle, error)

// Worker runs one CRF search at a time.
type Worker struct {
	cfg      config.CrfSearchConfig
	binary   string
	tempDir  string
	videos   repository.VideoRepository
	vmafs    repository.VmafRepository
	failures repository.FailureRepository
	bus      *events.Bus
	logger   *slog.Logger

	// RangeHints maps a source video codec to a narrowed CRF range tried
	// before the standard bounds.
	RangeHints map[string]CrfRange

	start startFunc

	mu       sync.Mutex
	running  bool
	runner   runnerHandle
	canceled bool
}

// NewWorker creates a CRF-search worker.
func NewWorker(
	cfg config.CrfSearchConfig,
	binary, tempDir string,
	videos repository.VideoRepository,
	vmafs repository.VmafRepository,
	failures repository.FailureRepository,
	bus *events.Bus,
	logger *slog.Logger,
) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Worker{
		cfg:      cfg,
		binary:   binary,
		tempDir:  tempDir,
		videos:   videos,
		vmafs:    vmafs,
		failures: failures,
		bus:      bus,
		logger:   logger.With("component", "crf_search"),
	}
	w.start = func(ctx context.Context, args []string) (runnerHandle, error) {
		return procrunner.Start(ctx, w.logger, w.binary, args...)
	}
	return w
}

// Busy reports whether a search is in flight.
func (w *Worker) Busy() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// tryAcquire claims the single slot.
func (w *Worker) tryAcquire() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return false
	}
	w.running = true
	w.runner = nil
	w.canceled = false
	return true
}

func (w *Worker) release() {
	w.mu.Lock()
	w.running = false
	w.runner = nil
	w.mu.Unlock()
}

func (w *Worker) setRunner(r runnerHandle) {
	w.mu.Lock()
	w.runner = r
	w.mu.Unlock()
}

func (w *Worker) wasCanceled() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.canceled
}

// Cancel kills the running search. The search loop observes the kill and
// resets the video to analyzed without recording a failure.
func (w *Worker) Cancel() {
	w.mu.Lock()
	runner := w.runner
	if w.running && runner != nil {
		w.canceled = true
	}
	w.mu.Unlock()
	if runner != nil {
		runner.Kill()
	}
}

// crfScore is one tested (crf, score) pair kept for failure context.
type crfScore struct {
	CRF   float64 `json:"crf"`
	Score float64 `json:"score"`
}

// runResult summarizes one ab-av1 crf-search process run.
type runResult struct {
	exitCode   int
	chosenCRF  *float64
	sawNoCRF   bool
	vetoed     bool
	tested     []crfScore
	tail       []string
	cmdLine    string
}

// retryAction is the cascade decision after a failed run.
type retryAction int

const (
	actionFail retryAction = iota
	actionRetryFullRange
	actionRetryLowerTarget
)

// decideRetry implements the cascade evaluated on non-zero exit: a narrowed
// range retries once at full range; the explicit no-suitable-crf error lowers
// the target while it stays at or above the floor; anything else fails.
func decideRetry(narrowed, sawNoCRF bool, target, floor int) retryAction {
	if narrowed {
		return actionRetryFullRange
	}
	if sawNoCRF && target-1 >= floor {
		return actionRetryLowerTarget
	}
	return actionFail
}

// rangeFor returns the initial CRF bounds for the video, preferring a codec
// hint when one is configured.
func (w *Worker) rangeFor(video *models.Video) (minCrf, maxCrf int, narrowed bool) {
	for codec, r := range w.RangeHints {
		if video.VideoCodecs.Contains(codec) {
			if r.Min > w.cfg.MinCrf || r.Max < w.cfg.MaxCrf {
				return r.Min, r.Max, true
			}
		}
	}
	return w.cfg.MinCrf, w.cfg.MaxCrf, false
}

// Search runs the full search cascade for the video and blocks until a
// terminal outcome: crf_searched, failed, or a reset to analyzed on cancel,
// shutdown, or a spawn error. Returns ErrBusy when a search is already in
// flight.
func (w *Worker) Search(ctx context.Context, video *models.Video) error {
	if !w.tryAcquire() {
		w.publish(events.TypeWorkerStatus, video.ID, map[string]any{"skipped": "busy"})
		return ErrBusy
	}
	defer w.release()

	target := w.cfg.TargetVmaf
	minCrf, maxCrf, narrowed := w.rangeFor(video)
	started := false

	for {
		args := w.buildArgs(video, target, minCrf, maxCrf)

		runner, err := w.start(ctx, args)
		if err != nil {
			w.recordFailure(ctx, video, models.FailureCommandError, nil,
				w.binary+" "+strings.Join(args, " "),
				err.Error(), nil)
			if started {
				// A retry iteration already moved the video to crf_searching;
				// put it back where the first-start path leaves it.
				if _, rerr := w.videos.MarkAnalyzed(ctx, video.ID); rerr != nil {
					w.logger.Error("resetting video after spawn failure",
						"video_id", video.ID, "error", rerr)
				} else {
					w.publishState(video.ID, models.VideoStateCrfSearching, models.VideoStateAnalyzed)
				}
			}
			return fmt.Errorf("starting crf search: %w", err)
		}
		w.setRunner(runner)

		if !started {
			if _, err := w.videos.MarkCrfSearching(ctx, video.ID); err != nil {
				runner.Kill()
				return fmt.Errorf("marking crf_searching: %w", err)
			}
			started = true
			w.publishState(video.ID, models.VideoStateAnalyzed, models.VideoStateCrfSearching)
		}
		w.publish(events.TypeStarted, video.ID, map[string]any{
			"target":  target,
			"min_crf": minCrf,
			"max_crf": maxCrf,
		})

		res := w.consume(ctx, video, runner, target, args)

		if w.wasCanceled() || ctx.Err() != nil {
			return w.finishCanceled(ctx, video)
		}

		if res.vetoed {
			// Size veto already finalized the video as failed.
			return nil
		}

		if res.exitCode == 0 {
			return w.finishSuccess(ctx, video, res, target)
		}

		switch decideRetry(narrowed, res.sawNoCRF, target, w.cfg.VmafFloor) {
		case actionRetryFullRange:
			w.logger.Info("retrying crf search with full range",
				"video_id", video.ID,
				"min_crf", w.cfg.MinCrf,
				"max_crf", w.cfg.MaxCrf,
			)
			minCrf, maxCrf, narrowed = w.cfg.MinCrf, w.cfg.MaxCrf, false
			w.publish(events.TypeRetrying, video.ID, map[string]any{"reason": "full_range"})
		case actionRetryLowerTarget:
			target--
			w.logger.Info("retrying crf search with lowered target",
				"video_id", video.ID,
				"target", target,
			)
			w.publish(events.TypeRetrying, video.ID, map[string]any{
				"reason": "lower_target",
				"target": target,
			})
		case actionFail:
			return w.finishFailure(ctx, video, res, target)
		}
	}
}

// buildArgs composes the crf-search argv through the rules engine.
func (w *Worker) buildArgs(video *models.Video, target, minCrf, maxCrf int) []string {
	base := []string{
		"crf-search",
		"--input", video.Path,
		"--min-vmaf", strconv.Itoa(target),
		"--min-crf", strconv.Itoa(minCrf),
		"--max-crf", strconv.Itoa(maxCrf),
	}
	if w.tempDir != "" {
		base = append(base, "--temp-dir", w.tempDir)
	}
	return rules.BuildArgs(video, rules.StageCrfSearch, base, nil)
}

// consume drains runner events until exit, persisting candidates and
// reacting to the size veto.
func (w *Worker) consume(ctx context.Context, video *models.Video, runner runnerHandle, target int, args []string) runResult {
	res := runResult{cmdLine: runner.CommandLine()}
	debounce := events.NewProgressDebouncer(0, 0)
	params := storedParams(args)
	var partial string

	for ev := range runner.Events() {
		switch ev.Kind {
		case procrunner.KindPartial:
			partial = ev.Text
			continue
		case procrunner.KindExit:
			res.exitCode = ev.ExitCode
			if partial != "" {
				w.handleLine(ctx, video, partial, target, params, debounce, &res)
			}
			continue
		}

		line := partial + ev.Text
		partial = ""
		res.tail = appendTail(res.tail, line)
		w.handleLine(ctx, video, line, target, params, debounce, &res)

		if res.vetoed {
			runner.Kill()
		}
	}
	return res
}

// handleLine dispatches one parsed line.
func (w *Worker) handleLine(ctx context.Context, video *models.Video, line string, target int, params []string, debounce *events.ProgressDebouncer, res *runResult) {
	switch ev := parser.ParseLine(line).(type) {
	case parser.EncodingSample:
		w.publishProgress(video.ID, debounce, map[string]any{
			"crf":    ev.CRF,
			"sample": ev.SampleNum,
			"total":  ev.TotalSamples,
		}, 0)

	case parser.SampleVmaf:
		res.tested = append(res.tested, crfScore{CRF: ev.CRF, Score: ev.Score})
		w.upsertVmaf(ctx, video, &models.Vmaf{
			VideoID: video.ID,
			CRF:     ev.CRF,
			Score:   ev.Score,
			Percent: ev.Percent,
			Target:  target,
			Params:  params,
			Savings: models.ComputeSavings(ev.Percent, video.Size),
		})

	case parser.CandidateVmaf:
		res.tested = append(res.tested, crfScore{CRF: ev.CRF, Score: ev.Score})
		w.upsertVmaf(ctx, video, &models.Vmaf{
			VideoID: video.ID,
			CRF:     ev.CRF,
			Score:   ev.Score,
			Percent: ev.Percent,
			Target:  target,
			Params:  params,
			Savings: models.ComputeSavings(ev.Percent, video.Size),
		})

	case parser.PredictedSize:
		size := fmt.Sprintf("%v %s", ev.PredictedSize, ev.SizeUnit)
		vmaf := &models.Vmaf{
			VideoID: video.ID,
			CRF:     ev.CRF,
			Score:   ev.Score,
			Percent: ev.Percent,
			Target:  target,
			Params:  params,
			Size:    &size,
			Savings: models.ComputeSavings(ev.Percent, video.Size),
		}
		if secs, ok := parser.DurationSeconds(ev.TimeTaken, ev.TimeUnit); ok {
			t := int(secs)
			vmaf.Time = &t
		}
		w.upsertVmaf(ctx, video, vmaf)
		// The prediction line names the selected CRF; flag it now so the
		// selection survives a non-zero exit before the success line.
		w.markChosen(ctx, video, ev.CRF, res)
		if bytes, ok := vmaf.SizeBytes(); ok && bytes > w.cfg.MaxPredictedBytes {
			w.logger.Warn("predicted encode size exceeds limit",
				"video_id", video.ID,
				"crf", ev.CRF,
				"predicted", size,
			)
		}

	case parser.Progress:
		w.publishProgress(video.ID, debounce, map[string]any{
			"fps":      ev.Fps,
			"eta":      ev.Eta,
			"eta_unit": ev.EtaUnit,
		}, ev.Percent)

	case parser.Success:
		w.handleSuccess(ctx, video, ev.CRF, res)

	case parser.Warning:
		w.logger.Warn("crf search warning", "video_id", video.ID, "message", ev.Message)

	case parser.FatalError:
		if ev.Message == parser.FatalNoSuitableCRF {
			res.sawNoCRF = true
		} else {
			w.logger.Error("crf search error line", "video_id", video.ID, "message", ev.Message)
		}

	case parser.FfmpegError:
		w.logger.Error("ffmpeg child failed", "video_id", video.ID, "exit_code", ev.ExitCode)

	case parser.Ignore:
		// Unknown output is logged and never aborts anything.
		if line != "" {
			w.logger.Debug("unrecognized crf search output", "line", line)
		}
	}
}

// handleSuccess marks the selected candidate chosen and applies the size
// veto.
func (w *Worker) handleSuccess(ctx context.Context, video *models.Video, crf float64, res *runResult) {
	vmaf := w.markChosen(ctx, video, crf, res)
	if vmaf == nil {
		return
	}
	if bytes, ok := vmaf.SizeBytes(); ok && bytes > w.cfg.MaxPredictedBytes {
		w.veto(ctx, video, vmaf, bytes, res)
	}
}

// markChosen flags the candidate at crf as the single chosen row for the
// video and remembers the selection on the run result.
func (w *Worker) markChosen(ctx context.Context, video *models.Video, crf float64, res *runResult) *models.Vmaf {
	vmaf, err := w.vmafs.GetByVideoAndCrf(ctx, video.ID, crf)
	if err != nil {
		w.logger.Error("loading selected vmaf", "video_id", video.ID, "crf", crf, "error", err)
		return nil
	}
	if vmaf == nil {
		w.logger.Warn("no recorded candidate at selected crf", "video_id", video.ID, "crf", crf)
		return nil
	}
	if err := w.vmafs.MarkChosen(ctx, vmaf.ID); err != nil {
		w.logger.Error("marking vmaf chosen", "video_id", video.ID, "error", err)
		return nil
	}
	res.chosenCRF = &crf
	return vmaf
}

// veto finalizes a size-limit failure: the chosen row stays recorded for
// audit, but the video never proceeds to encode.
func (w *Worker) veto(ctx context.Context, video *models.Video, vmaf *models.Vmaf, predicted int64, res *runResult) {
	w.recordFailure(ctx, video, models.FailureSizeLimitExceeded, nil, res.cmdLine, strings.Join(res.tail, "\n"),
		map[string]any{
			"crf":             vmaf.CRF,
			"predicted_bytes": predicted,
			"limit_bytes":     w.cfg.MaxPredictedBytes,
		})
	if _, err := w.videos.MarkFailed(ctx, video.ID); err != nil {
		w.logger.Error("marking video failed after size veto", "video_id", video.ID, "error", err)
	}
	res.vetoed = true
	w.publish(events.TypeFailed, video.ID, map[string]any{"kind": string(models.FailureSizeLimitExceeded)})
	w.publishState(video.ID, models.VideoStateCrfSearching, models.VideoStateFailed)
}

// finishSuccess handles exit 0: normal completion or the auto-select
// fallback when the Success line was missed.
func (w *Worker) finishSuccess(ctx context.Context, video *models.Video, res runResult, target int) error {
	if res.chosenCRF == nil {
		if err := w.autoSelect(ctx, video, target); err != nil {
			w.logger.Warn("auto-select found no usable candidate",
				"video_id", video.ID,
				"error", err,
			)
			return w.finishFailure(ctx, video, res, target)
		}
	}

	if _, err := w.videos.MarkCrfSearched(ctx, video.ID); err != nil {
		return fmt.Errorf("marking crf_searched: %w", err)
	}
	w.publish(events.TypeCompleted, video.ID, nil)
	w.publishState(video.ID, models.VideoStateCrfSearching, models.VideoStateCrfSearched)
	return nil
}

// autoSelect picks the best recorded candidate: lowest predicted size among
// those meeting the target, else the highest score.
func (w *Worker) autoSelect(ctx context.Context, video *models.Video, target int) error {
	candidates, err := w.vmafs.ListByVideo(ctx, video.ID)
	if err != nil {
		return fmt.Errorf("listing candidates: %w", err)
	}
	best := pickBest(candidates, float64(target))
	if best == nil {
		return errors.New("no candidates recorded")
	}

	w.logger.Info("auto-selected crf candidate",
		"video_id", video.ID,
		"crf", best.CRF,
		"score", best.Score,
	)
	return w.vmafs.MarkChosen(ctx, best.ID)
}

// pickBest returns the candidate with the lowest percent whose score meets
// the target, falling back to the highest score.
func pickBest(candidates []*models.Vmaf, target float64) *models.Vmaf {
	var meeting *models.Vmaf
	var highest *models.Vmaf
	for _, c := range candidates {
		if highest == nil || c.Score > highest.Score {
			highest = c
		}
		if c.Score >= target {
			if meeting == nil || c.Percent < meeting.Percent {
				meeting = c
			}
		}
	}
	if meeting != nil {
		return meeting
	}
	return highest
}

// finishCanceled resets the video to analyzed with no failure recorded:
// operator cancel and shutdown are not failures of the video. Finalization
// runs detached from the caller's context so shutdown cancellation cannot
// fail the reset writes.
func (w *Worker) finishCanceled(ctx context.Context, video *models.Video) error {
	ctx = context.WithoutCancel(ctx)
	if _, err := w.videos.MarkAnalyzed(ctx, video.ID); err != nil {
		return fmt.Errorf("resetting canceled crf search: %w", err)
	}
	w.logger.Info("crf search canceled", "video_id", video.ID)
	w.publish(events.TypeWorkerStatus, video.ID, map[string]any{"canceled": true})
	w.publishState(video.ID, models.VideoStateCrfSearching, models.VideoStateAnalyzed)
	return nil
}

// finishFailure records the terminal failure and marks the video failed.
func (w *Worker) finishFailure(ctx context.Context, video *models.Video, res runResult, target int) error {
	kind := models.FailureVmafCalculation
	if res.sawNoCRF {
		kind = models.FailureCrfOptimization
	}

	tested := make([]any, 0, len(res.tested))
	for _, t := range res.tested {
		tested = append(tested, map[string]any{"crf": t.CRF, "score": t.Score})
	}

	w.recordFailure(ctx, video, kind, &res.exitCode, res.cmdLine, strings.Join(res.tail, "\n"),
		map[string]any{
			"target": target,
			"tested": tested,
		})

	if _, err := w.videos.MarkFailed(ctx, video.ID); err != nil {
		return fmt.Errorf("marking video failed: %w", err)
	}
	w.publish(events.TypeFailed, video.ID, map[string]any{"kind": string(kind)})
	w.publishState(video.ID, models.VideoStateCrfSearching, models.VideoStateFailed)
	return nil
}

func (w *Worker) upsertVmaf(ctx context.Context, video *models.Video, vmaf *models.Vmaf) {
	if err := w.vmafs.Upsert(ctx, vmaf); err != nil {
		w.logger.Error("upserting vmaf candidate",
			"video_id", video.ID,
			"crf", vmaf.CRF,
			"error", err,
		)
	}
}

func (w *Worker) recordFailure(ctx context.Context, video *models.Video, kind models.FailureKind, exitCode *int, cmdLine, tail string, extra map[string]any) {
	rec := &models.FailureRecord{
		VideoID:    video.ID,
		Stage:      models.StageCrfSearch,
		Kind:       kind,
		ExitCode:   exitCode,
		Command:    cmdLine,
		OutputTail: tail,
		Context:    models.JSONMap(extra),
	}
	if err := w.failures.Record(ctx, rec); err != nil {
		w.logger.Error("recording crf search failure", "video_id", video.ID, "error", err)
	}
}

func (w *Worker) publish(eventType string, videoID uint, payload map[string]any) {
	if w.bus == nil {
		return
	}
	w.bus.Publish(events.Event{
		Topic:   events.TopicCrfSearchEvents,
		Type:    eventType,
		VideoID: videoID,
		Payload: payload,
	})
}

func (w *Worker) publishState(videoID uint, from, to models.VideoState) {
	if w.bus == nil {
		return
	}
	w.bus.PublishStateChange(videoID, string(from), string(to))
}

func (w *Worker) publishProgress(videoID uint, debounce *events.ProgressDebouncer, payload map[string]any, percent float64) {
	if w.bus == nil || !debounce.ShouldEmit(percent) {
		return
	}
	if payload == nil {
		payload = map[string]any{}
	}
	payload["percent"] = percent
	w.bus.Publish(events.Event{
		Topic:   events.TopicCrfSearchEvents,
		Type:    events.TypeProgress,
		VideoID: videoID,
		Payload: payload,
	})
}

// storedParams is the argv recorded on Vmaf rows: the crf-search subcommand
// and the --min-vmaf pair are stripped.
func storedParams(args []string) []string {
	out := make([]string, 0, len(args))
	skip := false
	for _, a := range args {
		if skip {
			skip = false
			continue
		}
		if a == "crf-search" {
			continue
		}
		if a == "--min-vmaf" {
			skip = true
			continue
		}
		out = append(out, a)
	}
	return out
}

// appendTail keeps the last tailLines lines.
func appendTail(tail []string, line string) []string {
	tail = append(tail, line)
	if len(tail) > tailLines {
		tail = tail[len(tail)-tailLines:]
	}
	return tail
}
