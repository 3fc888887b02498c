package audit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	errQueueFull = errors.New("audit queue full")
	errClosed    = errors.New("audit logger closed")
)

const writeTimeout = 5 * time.Second

// DropObserver is told about every entry that ended up on the fallback channel.
type DropObserver interface {
	AuditDropped(reason string)
}

type Config struct {
	// Workers is the number of background writers. Zero makes Record write
	// synchronously inside the same catch-and-log boundary.
	Workers   int
	QueueSize int
	// Fallback receives JSON lines for entries that could not be stored.
	// Defaults to stderr.
	Fallback io.Writer
	Observer DropObserver
}

type job struct {
	entry Entry
}

type worker struct {
	id         int
	workerPool chan chan job
	jobChannel chan job
	logger     *slog.Logger
}

func newWorker(id int, workerPool chan chan job, logger *slog.Logger) *worker {
	return &worker{
		id:         id,
		workerPool: workerPool,
		jobChannel: make(chan job),
		logger:     logger,
	}
}

func (w *worker) start(ctx context.Context, wg *sync.WaitGroup, process func(job)) {
	wg.Add(1)
	go func() {
		defer wg.Done()

		for {
			w.workerPool <- w.jobChannel

			select {
			case j := <-w.jobChannel:
				process(j)
			case <-ctx.Done():
				w.logger.Debug("audit worker shutting down", "worker_id", w.id)
				return
			}
		}
	}()
}

// Logger persists entries through a bounded queue drained by a worker pool.
// Failures are written to the fallback channel and never reach the caller.
type Logger struct {
	repo     RepositoryAPI
	logger   *slog.Logger
	fallback *slog.Logger
	observer DropObserver

	jobQueue   chan job
	workerPool chan chan job
	maxWorkers int
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	once       sync.Once

	mu     sync.RWMutex
	closed bool
}

func NewLogger(repo RepositoryAPI, cfg Config, logger *slog.Logger) *Logger {
	ctx, cancel := context.WithCancel(context.Background())

	fallbackOut := cfg.Fallback
	if fallbackOut == nil {
		fallbackOut = os.Stderr
	}

	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}

	maxWorkers := cfg.Workers
	if maxWorkers < 0 {
		maxWorkers = 0
	}

	l := &Logger{
		repo:       repo,
		logger:     logger,
		fallback:   slog.New(slog.NewJSONHandler(fallbackOut, &slog.HandlerOptions{Level: slog.LevelInfo})),
		observer:   cfg.Observer,
		maxWorkers: maxWorkers,
		ctx:        ctx,
		cancel:     cancel,
	}

	if maxWorkers > 0 {
		l.jobQueue = make(chan job, queueSize)
		l.workerPool = make(chan chan job, maxWorkers)
		l.startWorkerPool()
	}

	return l
}

func (l *Logger) startWorkerPool() {
	l.once.Do(func() {
		for i := 0; i < l.maxWorkers; i++ {
			w := newWorker(i, l.workerPool, l.logger)
			w.start(l.ctx, &l.wg, func(j job) {
				l.write(context.Background(), j.entry)
			})
		}

		l.wg.Add(1)
		go l.dispatch()

		l.logger.Info("audit worker pool started",
			"max_workers", l.maxWorkers,
			"queue_size", cap(l.jobQueue))
	})
}

// dispatch hands queued entries to idle workers until the queue is closed and
// drained, then stops the workers.
func (l *Logger) dispatch() {
	defer l.wg.Done()
	defer l.cancel()

	for j := range l.jobQueue {
		jobChannel := <-l.workerPool
		jobChannel <- j
	}
}

func (l *Logger) Record(ctx context.Context, entry Entry) {
	entry = normalize(entry)

	defer func() {
		if r := recover(); r != nil {
			l.drop(entry, fmt.Errorf("panic while recording: %v", r))
		}
	}()

	if l.maxWorkers == 0 {
		l.write(context.WithoutCancel(ctx), entry)
		return
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		l.drop(entry, errClosed)
		return
	}

	select {
	case l.jobQueue <- job{entry: entry}:
	default:
		l.drop(entry, errQueueFull)
	}
}

// Close stops accepting entries and waits until everything queued is written.
func (l *Logger) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	if l.jobQueue != nil {
		close(l.jobQueue)
	}
	l.mu.Unlock()

	if l.maxWorkers == 0 {
		l.cancel()
	}
	l.wg.Wait()
	l.logger.Info("audit logger closed")
}

func (l *Logger) write(ctx context.Context, entry Entry) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	if err := l.repo.Insert(ctx, ToDataModel(entry)); err != nil {
		l.drop(entry, err)
	}
}

func (l *Logger) drop(entry Entry, reason error) {
	l.logger.Warn("audit entry written to fallback", "action", entry.Action, "error", reason)
	l.fallback.Warn("audit entry not persisted",
		"reason", reason.Error(),
		"id", entry.ID,
		"actor", entry.Actor,
		"action", entry.Action,
		"target", entry.Target,
		"description", entry.Description,
		"type", string(entry.Type),
		"timestamp", entry.Timestamp)
	if l.observer != nil {
		l.observer.AuditDropped(dropReason(reason))
	}
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, errQueueFull):
		return "queue_full"
	case errors.Is(err, errClosed):
		return "closed"
	default:
		return "write_failed"
	}
}

func normalize(e Entry) Entry {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.Actor == "" {
		e.Actor = SystemActor
	}
	return e
}
