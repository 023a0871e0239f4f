package persist

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bustrack/internal/model"
)

type recordingSink struct {
	name  string
	mu    sync.Mutex
	recs  []model.PositionRecord
	err   error
	block chan struct{}
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Write(ctx context.Context, rec model.PositionRecord) error {
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, rec)
	return s.err
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.recs)
}

type writerMetrics struct {
	ok, failed, dropped atomic.Int32
}

func (m *writerMetrics) PositionPersisted(time.Duration) { m.ok.Add(1) }
func (m *writerMetrics) PositionPersistFailed()          { m.failed.Add(1) }
func (m *writerMetrics) PositionDropped()                { m.dropped.Add(1) }

func rec(busID int) model.PositionRecord {
	return model.PositionRecord{BusID: busID, Position: model.Position{Latitude: 1, Longitude: 2, Timestamp: time.Now()}}
}

func TestWriter_DrainsOnStop(t *testing.T) {
	sink := &recordingSink{name: "mem"}
	m := &writerMetrics{}
	w := NewWriter(sink, Options{Workers: 2, Queue: 16, Metrics: m})
	w.Start()

	for i := 0; i < 10; i++ {
		require.NoError(t, w.Submit(rec(i)))
	}
	require.NoError(t, w.Stop(context.Background()))

	assert.Equal(t, 10, sink.count())
	assert.Equal(t, int32(10), m.ok.Load())
	assert.ErrorIs(t, w.Submit(rec(1)), ErrStopped)
}

func TestWriter_FailureIsCountedNotReturned(t *testing.T) {
	sink := &recordingSink{name: "mem", err: errors.New("disk full")}
	m := &writerMetrics{}
	w := NewWriter(sink, Options{Workers: 1, Metrics: m})
	w.Start()

	require.NoError(t, w.Submit(rec(1)))
	require.NoError(t, w.Stop(context.Background()))
	assert.Equal(t, int32(1), m.failed.Load())
	assert.Equal(t, int32(0), m.ok.Load())
}

func TestWriter_FullQueueDrops(t *testing.T) {
	block := make(chan struct{})
	sink := &recordingSink{name: "slow", block: block}
	m := &writerMetrics{}
	w := NewWriter(sink, Options{Workers: 1, Queue: 1, Metrics: m})
	// workers not started: the queue holds exactly one record
	require.NoError(t, w.Submit(rec(1)))
	require.NoError(t, w.Submit(rec(2)))
	assert.Equal(t, int32(1), m.dropped.Load())

	close(block)
	w.Start()
	require.NoError(t, w.Stop(context.Background()))
	assert.Equal(t, 1, sink.count())
}

func TestWriter_WriteTimesOut(t *testing.T) {
	sink := &recordingSink{name: "stuck", block: make(chan struct{})}
	m := &writerMetrics{}
	w := NewWriter(sink, Options{Workers: 1, Timeout: 20 * time.Millisecond, Metrics: m})
	w.Start()
	require.NoError(t, w.Submit(rec(1)))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, w.Stop(ctx))
	assert.Equal(t, int32(1), m.failed.Load())
}

func TestMultiSink_AttemptsAllAndReportsFailure(t *testing.T) {
	good := &recordingSink{name: "good"}
	bad := &recordingSink{name: "bad", err: errors.New("boom")}

	err := MultiSink{good, bad}.Write(context.Background(), rec(7))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad: boom")
	assert.Equal(t, 1, good.count())
	assert.Equal(t, 1, bad.count())
}
