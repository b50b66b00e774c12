package encoder

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/jmylchreest/reencodarr/internal/config"
	"github.com/jmylchreest/reencodarr/internal/events"
	"github.com/jmylchreest/reencodarr/internal/models"
	"github.com/jmylchreest/reencodarr/internal/procrunner"
	"github.com/jmylchreest/reencodarr/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// fakeRunner feeds scripted events to the holder.
type fakeRunner struct {
	events  chan procrunner.Event
	cmdLine string
	killed  atomic.Bool
	onKill  func()
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		events:  make(chan procrunner.Event, 64),
		cmdLine: "ab-av1 encode --input /m/a.mkv",
	}
}

func (f *fakeRunner) Events() <-chan procrunner.Event { return f.events }
func (f *fakeRunner) CommandLine() string             { return f.cmdLine }
func (f *fakeRunner) PID() int                        { return 4242 }

func (f *fakeRunner) Kill() {
	if f.killed.CompareAndSwap(false, true) && f.onKill != nil {
		f.onKill()
	}
}

// emit queues lines followed by an exit event and closes the stream.
func (f *fakeRunner) emit(exitCode int, lines ...string) {
	for _, l := range lines {
		f.events <- procrunner.Event{Kind: procrunner.KindLine, Text: l}
	}
	f.events <- procrunner.Event{Kind: procrunner.KindExit, ExitCode: exitCode}
	close(f.events)
}

// fakePost records Apply calls and serves a canned result.
type fakePost struct {
	mu        sync.Mutex
	calls     []string
	finalPath string
	newSize   int64
	err       error
}

func (f *fakePost) Apply(_ context.Context, video *models.Video, tempPath string) (string, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, tempPath)
	if f.err != nil {
		return "", 0, f.err
	}
	if f.finalPath == "" {
		return video.Path, f.newSize, nil
	}
	return f.finalPath, f.newSize, nil
}

type testEnv struct {
	ctrl     *Controller
	videos   repository.VideoRepository
	vmafs    repository.VmafRepository
	failures repository.FailureRepository
	post     *fakePost
	bus      *events.Bus
}

func setup(t *testing.T) *testEnv {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.Video{}, &models.Vmaf{}, &models.FailureRecord{}, &models.Library{}))

	videos := repository.NewVideoRepository(db)
	vmafs := repository.NewVmafRepository(db)
	failures := repository.NewFailureRepository(db)
	post := &fakePost{newSize: 2 << 30}
	bus := events.NewBus(nil)

	cfg := config.EncoderConfig{Preset: 6}
	ctrl := NewController(cfg, "ab-av1", t.TempDir(), videos, vmafs, failures, post, bus, nil)

	return &testEnv{ctrl: ctrl, videos: videos, vmafs: vmafs, failures: failures, post: post, bus: bus}
}

// seedCrfSearched walks a video through the lifecycle to crf_searched with a
// chosen candidate at CRF 26.
func (e *testEnv) seedCrfSearched(t *testing.T, path string) *models.Video {
	t.Helper()
	ctx := context.Background()

	v := &models.Video{
		Path:             path,
		Size:             4 << 30,
		Width:            models.IntPtr(1920),
		Height:           models.IntPtr(1080),
		Bitrate:          models.IntPtr(8_000_000),
		MaxAudioChannels: models.IntPtr(6),
		VideoCodecs:      models.StringList{"HEVC"},
		AudioCodecs:      models.StringList{"AC-3"},
	}
	require.NoError(t, e.videos.Upsert(ctx, v))
	require.NoError(t, e.videos.UpdateMetadata(ctx, v))
	_, err := e.videos.MarkAnalyzed(ctx, v.ID)
	require.NoError(t, err)
	_, err = e.videos.MarkCrfSearching(ctx, v.ID)
	require.NoError(t, err)

	size := "1.9 GB"
	vmaf := &models.Vmaf{
		VideoID: v.ID,
		CRF:     26,
		Score:   95.5,
		Percent: 48,
		Target:  95,
		Size:    &size,
	}
	require.NoError(t, e.vmafs.Upsert(ctx, vmaf))
	stored, err := e.vmafs.GetByVideoAndCrf(ctx, v.ID, 26)
	require.NoError(t, err)
	require.NoError(t, e.vmafs.MarkChosen(ctx, stored.ID))
	got, err := e.videos.MarkCrfSearched(ctx, v.ID)
	require.NoError(t, err)
	return got
}

func TestEncode_HappyPath(t *testing.T) {
	env := setup(t)
	ctx := context.Background()
	v := env.seedCrfSearched(t, "/m/a.mkv")

	runner := newFakeRunner()
	var gotArgs []string
	env.ctrl.start = func(_ context.Context, args []string) (runnerHandle, error) {
		gotArgs = args
		runner.emit(0,
			"Encoding 42.mkv",
			"12%, 31 fps, eta 45 minutes",
			"100%, 28 fps, eta 0 minutes",
		)
		return runner, nil
	}

	require.NoError(t, env.ctrl.Encode(ctx, v))

	got, err := env.videos.GetByID(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, models.VideoStateEncoded, got.State)

	require.Len(t, env.post.calls, 1)
	wantArtifact := env.ctrl.OutputPath(v)
	assert.Equal(t, wantArtifact, env.post.calls[0])
	assert.Equal(t, fmt.Sprintf("%d.mkv", v.ID), filepath.Base(wantArtifact))

	joined := strings.Join(gotArgs, " ")
	assert.Contains(t, joined, "encode")
	assert.Contains(t, joined, "--crf 26")
	assert.Contains(t, joined, "--preset 6")
	assert.Contains(t, joined, "--input /m/a.mkv")
	assert.Contains(t, joined, "--output "+wantArtifact)
}

func TestEncode_Mp4SourceKeepsMp4Container(t *testing.T) {
	env := setup(t)
	v := env.seedCrfSearched(t, "/m/movie.mp4")
	assert.Equal(t, fmt.Sprintf("%d.mp4", v.ID), filepath.Base(env.ctrl.OutputPath(v)))

	mkv := env.seedCrfSearched(t, "/m/show.avi")
	assert.Equal(t, fmt.Sprintf("%d.mkv", mkv.ID), filepath.Base(env.ctrl.OutputPath(mkv)))
}

func TestEncode_ProcessFailure(t *testing.T) {
	env := setup(t)
	ctx := context.Background()
	v := env.seedCrfSearched(t, "/m/a.mkv")

	runner := newFakeRunner()
	env.ctrl.start = func(_ context.Context, _ []string) (runnerHandle, error) {
		runner.emit(1,
			"Encoding 1.mkv",
			"Error: ffmpeg exit code 1",
		)
		return runner, nil
	}

	require.NoError(t, env.ctrl.Encode(ctx, v))

	got, err := env.videos.GetByID(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, models.VideoStateFailed, got.State)

	recs, err := env.failures.ListByVideo(ctx, v.ID)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, models.StageEncode, recs[0].Stage)
	assert.Equal(t, models.FailureProcessError, recs[0].Kind)
	require.NotNil(t, recs[0].ExitCode)
	assert.Equal(t, 1, *recs[0].ExitCode)
	assert.Contains(t, recs[0].OutputTail, "ffmpeg exit code 1")

	assert.Empty(t, env.post.calls)
}

func TestEncode_PostProcessFailure(t *testing.T) {
	env := setup(t)
	ctx := context.Background()
	v := env.seedCrfSearched(t, "/m/a.mkv")
	env.post.err = errors.New("copy artifact into library: no space left on device")

	runner := newFakeRunner()
	env.ctrl.start = func(_ context.Context, _ []string) (runnerHandle, error) {
		runner.emit(0, "100%, 28 fps, eta 0 minutes")
		return runner, nil
	}

	err := env.ctrl.Encode(ctx, v)
	require.Error(t, err)

	got, err := env.videos.GetByID(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, models.VideoStateFailed, got.State)

	recs, err := env.failures.ListByVideo(ctx, v.ID)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, models.FailureProcessError, recs[0].Kind)
	assert.Nil(t, recs[0].ExitCode)
}

func TestEncode_SpawnFailureLeavesVideoCrfSearched(t *testing.T) {
	env := setup(t)
	ctx := context.Background()
	v := env.seedCrfSearched(t, "/m/a.mkv")

	env.ctrl.start = func(_ context.Context, _ []string) (runnerHandle, error) {
		return nil, errors.New("exec: ab-av1: not found")
	}

	err := env.ctrl.Encode(ctx, v)
	require.Error(t, err)

	got, err := env.videos.GetByID(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, models.VideoStateCrfSearched, got.State)

	recs, err := env.failures.ListByVideo(ctx, v.ID)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, models.FailureCommandError, recs[0].Kind)
}

func TestEncode_CancelResetsToCrfSearched(t *testing.T) {
	env := setup(t)
	ctx := context.Background()
	v := env.seedCrfSearched(t, "/m/a.mkv")

	runner := newFakeRunner()
	runner.onKill = func() {
		runner.events <- procrunner.Event{Kind: procrunner.KindExit, ExitCode: -1}
		close(runner.events)
	}
	env.ctrl.start = func(_ context.Context, _ []string) (runnerHandle, error) {
		runner.events <- procrunner.Event{Kind: procrunner.KindLine, Text: "12%, 31 fps, eta 45 minutes"}
		return runner, nil
	}

	done := make(chan error, 1)
	go func() { done <- env.ctrl.Encode(ctx, v) }()

	require.Eventually(t, func() bool {
		got, err := env.videos.GetByID(ctx, v.ID)
		return err == nil && got.State == models.VideoStateEncoding
	}, 2*time.Second, 10*time.Millisecond)

	env.ctrl.Cancel()
	require.NoError(t, <-done)

	got, err := env.videos.GetByID(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, models.VideoStateCrfSearched, got.State)
	require.NotNil(t, got.ChosenVmafID)

	// No failure is recorded for an operator cancel.
	recs, err := env.failures.ListByVideo(ctx, v.ID)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestEncode_BusyRejection(t *testing.T) {
	env := setup(t)
	ctx := context.Background()
	first := env.seedCrfSearched(t, "/m/a.mkv")
	second := env.seedCrfSearched(t, "/m/b.mkv")

	runner := newFakeRunner()
	env.ctrl.start = func(_ context.Context, _ []string) (runnerHandle, error) {
		return runner, nil
	}

	done := make(chan error, 1)
	go func() { done <- env.ctrl.Encode(ctx, first) }()

	require.Eventually(t, env.ctrl.Busy, 2*time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, env.ctrl.Encode(ctx, second), ErrBusy)

	runner.events <- procrunner.Event{Kind: procrunner.KindExit, ExitCode: 0}
	close(runner.events)
	require.NoError(t, <-done)
}

func TestResume_RecoversLiveEncode(t *testing.T) {
	env := setup(t)
	ctx := context.Background()
	v := env.seedCrfSearched(t, "/m/a.mkv")
	_, err := env.videos.MarkEncoding(ctx, v.ID)
	require.NoError(t, err)

	vmaf, err := env.vmafs.GetChosen(ctx, v.ID)
	require.NoError(t, err)
	require.NotNil(t, vmaf)

	// The process outlived its controller; lines emitted before the new
	// controller attaches land in the replay buffer.
	runner := newFakeRunner()
	runner.events <- procrunner.Event{Kind: procrunner.KindLine, Text: "Encoding 1.mkv"}
	runner.events <- procrunner.Event{Kind: procrunner.KindLine, Text: "40%, 30 fps, eta 20 minutes"}
	holder := NewHolder(runner, Metadata{Video: v, Vmaf: vmaf, OutputPath: env.ctrl.OutputPath(v)})

	require.Eventually(t, func() bool {
		return len(holder.TailLines()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	fresh := NewController(config.EncoderConfig{Preset: 6}, "ab-av1", t.TempDir(),
		env.videos, env.vmafs, env.failures, env.post, env.bus, nil)
	fresh.Attach(holder)
	assert.Equal(t, 4242, fresh.Holder().OSPid())

	done := make(chan error, 1)
	go func() { done <- fresh.Resume(ctx) }()

	runner.events <- procrunner.Event{Kind: procrunner.KindLine, Text: "100%, 28 fps, eta 0 minutes"}
	runner.events <- procrunner.Event{Kind: procrunner.KindExit, ExitCode: 0}
	close(runner.events)

	require.NoError(t, <-done)

	got, err := env.videos.GetByID(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, models.VideoStateEncoded, got.State)
	require.Len(t, env.post.calls, 1)
}

func TestResume_WithoutHolder(t *testing.T) {
	env := setup(t)
	assert.ErrorIs(t, env.ctrl.Resume(context.Background()), ErrNoHolder)
}

func TestHolder_ReplayAndLiveEvents(t *testing.T) {
	runner := newFakeRunner()
	runner.events <- procrunner.Event{Kind: procrunner.KindLine, Text: "one"}
	runner.events <- procrunner.Event{Kind: procrunner.KindLine, Text: "two"}
	h := NewHolder(runner, Metadata{})

	require.Eventually(t, func() bool {
		return len(h.TailLines()) == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, h.Alive())

	sub := h.Subscribe()
	assert.Equal(t, "one", (<-sub).Text)
	assert.Equal(t, "two", (<-sub).Text)

	runner.events <- procrunner.Event{Kind: procrunner.KindLine, Text: "three"}
	assert.Equal(t, "three", (<-sub).Text)

	runner.events <- procrunner.Event{Kind: procrunner.KindExit, ExitCode: 0}
	close(runner.events)

	exit := <-sub
	assert.Equal(t, procrunner.KindExit, exit.Kind)
	_, open := <-sub
	assert.False(t, open)
	assert.False(t, h.Alive())
}

func TestHolder_SubscribeAfterExit(t *testing.T) {
	runner := newFakeRunner()
	runner.emit(3, "tail line")
	h := NewHolder(runner, Metadata{})

	require.Eventually(t, func() bool { return !h.Alive() }, 2*time.Second, 10*time.Millisecond)

	sub := h.Subscribe()
	assert.Equal(t, "tail line", (<-sub).Text)
	exit := <-sub
	assert.Equal(t, procrunner.KindExit, exit.Kind)
	assert.Equal(t, 3, exit.ExitCode)
	_, open := <-sub
	assert.False(t, open)
}

func TestHolder_AbandonedFullSubscriberDoesNotBlockExit(t *testing.T) {
	runner := &fakeRunner{events: make(chan procrunner.Event)}
	h := NewHolder(runner, Metadata{})

	// A subscriber that never reads, as after a controller crash.
	_ = h.Subscribe()

	go func() {
		for i := 0; i < subscriberCapacity+50; i++ {
			runner.events <- procrunner.Event{Kind: procrunner.KindLine, Text: fmt.Sprintf("line %d", i)}
		}
		runner.events <- procrunner.Event{Kind: procrunner.KindExit, ExitCode: 3}
		close(runner.events)
	}()

	// The pump must finish even though the abandoned channel filled up.
	require.Eventually(t, func() bool {
		return !h.Alive()
	}, 2*time.Second, 10*time.Millisecond)

	code, ok := h.ExitCode()
	require.True(t, ok)
	assert.Equal(t, 3, code)

	// A fresh subscriber still gets the replay and the exit.
	sub := h.Subscribe()
	var sawExit bool
	for ev := range sub {
		if ev.Kind == procrunner.KindExit {
			sawExit = true
			assert.Equal(t, 3, ev.ExitCode)
		}
	}
	assert.True(t, sawExit)
}

func TestHolder_ReplayBufferIsBounded(t *testing.T) {
	runner := &fakeRunner{events: make(chan procrunner.Event, replayBuffer+64)}
	for i := 0; i < replayBuffer+50; i++ {
		runner.events <- procrunner.Event{Kind: procrunner.KindLine, Text: fmt.Sprintf("line %d", i)}
	}
	h := NewHolder(runner, Metadata{})

	require.Eventually(t, func() bool {
		return len(h.TailLines()) == replayBuffer
	}, 2*time.Second, 10*time.Millisecond)

	tail := h.TailLines()
	assert.Equal(t, "line 50", tail[0])
	assert.Equal(t, fmt.Sprintf("line %d", replayBuffer+49), tail[len(tail)-1])

	close(runner.events)
}
