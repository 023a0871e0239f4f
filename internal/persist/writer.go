package persist

import (
	"context"
	"errors"
	"sync"
	"time"

	"bustrack/internal/logger"
	"bustrack/internal/model"
)

const (
	DefaultWorkers = 4
	DefaultQueue   = 1024
	DefaultTimeout = 5 * time.Second
)

var ErrStopped = errors.New("persist: writer stopped")

// Metrics observes writer outcomes. May be nil.
type Metrics interface {
	PositionPersisted(d time.Duration)
	PositionPersistFailed()
	PositionDropped()
}

type Options struct {
	Workers int
	Queue   int
	Timeout time.Duration
	Metrics Metrics
	Log     *logger.Logger
}

// Writer is a fire-and-forget position writer. Each write runs on a fresh
// context bounded by Timeout, detached from whatever triggered it.
type Writer struct {
	sink    Sink
	queue   chan model.PositionRecord
	workers int
	timeout time.Duration
	metrics Metrics
	log     *logger.Logger

	mu      sync.RWMutex
	stopped bool
	wg      sync.WaitGroup
}

func NewWriter(sink Sink, opts Options) *Writer {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.Queue <= 0 {
		opts.Queue = DefaultQueue
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Log == nil {
		opts.Log = logger.Discard()
	}
	return &Writer{
		sink:    sink,
		queue:   make(chan model.PositionRecord, opts.Queue),
		workers: opts.Workers,
		timeout: opts.Timeout,
		metrics: opts.Metrics,
		log:     opts.Log,
	}
}

// Start launches the workers.
func (w *Writer) Start() {
	for i := 0; i < w.workers; i++ {
		w.wg.Add(1)
		go w.run()
	}
}

// Submit enqueues rec without blocking. A full queue drops the record.
func (w *Writer) Submit(rec model.PositionRecord) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.stopped {
		return ErrStopped
	}
	select {
	case w.queue <- rec:
		return nil
	default:
		if w.metrics != nil {
			w.metrics.PositionDropped()
		}
		w.log.Warn(logger.Entry{
			Action:  "position_persist_dropped",
			Message: "persistence queue full, dropping position",
			BusID:   rec.BusID,
		})
		return nil
	}
}

// Stop closes the queue and waits for queued records to drain or ctx to end.
func (w *Writer) Stop(ctx context.Context) error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.stopped = true
	close(w.queue)
	w.mu.Unlock()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Writer) run() {
	defer w.wg.Done()
	for rec := range w.queue {
		w.write(rec)
	}
}

func (w *Writer) write(rec model.PositionRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()

	start := time.Now()
	if err := w.sink.Write(ctx, rec); err != nil {
		if w.metrics != nil {
			w.metrics.PositionPersistFailed()
		}
		w.log.Error(logger.Entry{
			Action:  "position_persist_failed",
			Message: "failed to persist position",
			BusID:   rec.BusID,
			Error:   logger.Err(err),
		})
		return
	}
	if w.metrics != nil {
		w.metrics.PositionPersisted(time.Since(start))
	}
}
