package producer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jmylchreest/reencodarr/internal/events"
	"github.com/jmylchreest/reencodarr/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConsumer records dispatched batches and simulates worker state.
type fakeConsumer struct {
	mu        sync.Mutex
	available bool
	demand    int
	batches   [][]uint
	block     chan struct{}
	err       error
}

func newFakeConsumer(demand int) *fakeConsumer {
	return &fakeConsumer{available: true, demand: demand}
}

func (f *fakeConsumer) Available(context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.available
}

func (f *fakeConsumer) Demand() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.demand
}

func (f *fakeConsumer) Process(_ context.Context, batch []*models.Video) error {
	ids := make([]uint, len(batch))
	for i, v := range batch {
		ids[i] = v.ID
	}
	f.mu.Lock()
	f.batches = append(f.batches, ids)
	block := f.block
	err := f.err
	f.mu.Unlock()
	if block != nil {
		<-block
	}
	return err
}

func (f *fakeConsumer) setAvailable(v bool) {
	f.mu.Lock()
	f.available = v
	f.mu.Unlock()
}

func (f *fakeConsumer) batchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

func (f *fakeConsumer) lastBatch() []uint {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.batches) == 0 {
		return nil
	}
	return f.batches[len(f.batches)-1]
}

func video(id uint) *models.Video {
	v := &models.Video{}
	v.ID = id
	return v
}

// queueSource serves a mutable slice of videos, consuming dispatched ones.
type queueSource struct {
	mu     sync.Mutex
	videos []*models.Video
	err    error
}

func (q *queueSource) fn(_ context.Context, limit int) ([]*models.Video, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return nil, q.err
	}
	if limit > len(q.videos) {
		limit = len(q.videos)
	}
	out := q.videos[:limit]
	q.videos = q.videos[limit:]
	return out, nil
}

func newProducer(consumer Consumer, source Source) *Producer {
	return New("test", events.TopicAnalyzerEvents, source, consumer, events.NewBus(nil), time.Minute, nil)
}

func TestDispatch_FromStore(t *testing.T) {
	consumer := newFakeConsumer(3)
	src := &queueSource{videos: []*models.Video{video(1), video(2)}}
	p := newProducer(consumer, src.fn)

	p.dispatch(context.Background())

	require.Equal(t, 1, consumer.batchCount())
	assert.Equal(t, []uint{1, 2}, consumer.lastBatch())
}

func TestDispatch_ManualQueueWinsLIFO(t *testing.T) {
	consumer := newFakeConsumer(3)
	src := &queueSource{videos: []*models.Video{video(3)}}
	p := newProducer(consumer, src.fn)

	p.Enqueue(video(1))
	p.Enqueue(video(2))

	p.dispatch(context.Background())

	require.Equal(t, 1, consumer.batchCount())
	assert.Equal(t, []uint{2, 1, 3}, consumer.lastBatch())
}

func TestDispatch_ZeroDemandForcesSingleItem(t *testing.T) {
	consumer := newFakeConsumer(0)
	src := &queueSource{videos: []*models.Video{video(1), video(2)}}
	p := newProducer(consumer, src.fn)

	p.dispatch(context.Background())

	require.Equal(t, 1, consumer.batchCount())
	assert.Equal(t, []uint{1}, consumer.lastBatch())
}

func TestDispatch_DuplicateAcrossQueuesDropped(t *testing.T) {
	consumer := newFakeConsumer(5)
	src := &queueSource{videos: []*models.Video{video(1), video(2)}}
	p := newProducer(consumer, src.fn)
	p.Enqueue(video(1))

	p.dispatch(context.Background())

	assert.Equal(t, []uint{1, 2}, consumer.lastBatch())
}

func TestDispatch_IdleWhenNothingEligible(t *testing.T) {
	consumer := newFakeConsumer(3)
	src := &queueSource{}
	p := newProducer(consumer, src.fn)

	p.dispatch(context.Background())

	assert.Equal(t, 0, consumer.batchCount())
	assert.Equal(t, StatusIdle, p.Status())
}

func TestDispatch_UnavailableWorkerLosesNothing(t *testing.T) {
	consumer := newFakeConsumer(2)
	consumer.setAvailable(false)
	src := &queueSource{videos: []*models.Video{video(1), video(2)}}
	p := newProducer(consumer, src.fn)

	p.dispatch(context.Background())
	assert.Equal(t, 0, consumer.batchCount())
	assert.Equal(t, StatusRunning, p.Status())

	consumer.setAvailable(true)
	p.dispatch(context.Background())
	require.Equal(t, 1, consumer.batchCount())
	assert.Equal(t, []uint{1, 2}, consumer.lastBatch())
}

func TestDispatch_SourceErrorDispatchesManualOnly(t *testing.T) {
	consumer := newFakeConsumer(3)
	src := &queueSource{err: errors.New("database is locked")}
	p := newProducer(consumer, src.fn)
	p.Enqueue(video(7))

	p.dispatch(context.Background())

	require.Equal(t, 1, consumer.batchCount())
	assert.Equal(t, []uint{7}, consumer.lastBatch())
}

func TestPause_BlocksDispatch(t *testing.T) {
	consumer := newFakeConsumer(2)
	src := &queueSource{videos: []*models.Video{video(1)}}
	p := newProducer(consumer, src.fn)

	p.Pause()
	assert.Equal(t, StatusPaused, p.Status())

	p.dispatch(context.Background())
	assert.Equal(t, 0, consumer.batchCount())

	p.Resume()
	assert.Equal(t, StatusRunning, p.Status())
	p.dispatch(context.Background())
	assert.Equal(t, 1, consumer.batchCount())
}

func TestPause_MidBatchFinishesThenPauses(t *testing.T) {
	consumer := newFakeConsumer(1)
	consumer.block = make(chan struct{})
	src := &queueSource{videos: []*models.Video{video(1)}}
	p := newProducer(consumer, src.fn)

	done := make(chan struct{})
	go func() {
		p.dispatch(context.Background())
		close(done)
	}()

	require.Eventually(t, func() bool {
		return p.Status() == StatusProcessing
	}, 2*time.Second, 10*time.Millisecond)

	p.Pause()
	assert.Equal(t, StatusPausing, p.Status())

	close(consumer.block)
	<-done
	assert.Equal(t, StatusPaused, p.Status())
}

func TestRun_WakesOnStateTransition(t *testing.T) {
	consumer := newFakeConsumer(1)
	src := &queueSource{}
	bus := events.NewBus(nil)
	p := New("test", events.TopicAnalyzerEvents, src.fn, consumer, bus, time.Minute, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	// Let the loop settle into idle before eligibility appears.
	require.Eventually(t, func() bool {
		return p.Status() == StatusIdle
	}, 2*time.Second, 10*time.Millisecond)

	src.mu.Lock()
	src.videos = []*models.Video{video(9)}
	src.mu.Unlock()
	bus.PublishStateChange(9, "needs_analysis", "analyzed")

	require.Eventually(t, func() bool {
		return consumer.batchCount() == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []uint{9}, consumer.lastBatch())
}

func TestRun_PollFallback(t *testing.T) {
	consumer := newFakeConsumer(1)
	src := &queueSource{}
	// No bus: only the poll timer can trigger dispatch.
	p := New("test", events.TopicAnalyzerEvents, src.fn, consumer, nil, 20*time.Millisecond, nil)

	src.mu.Lock()
	src.videos = []*models.Video{video(4)}
	src.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	require.Eventually(t, func() bool {
		return consumer.batchCount() == 1
	}, 2*time.Second, 10*time.Millisecond)
}
