package msgq

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const defaultPollInterval = 100 * time.Millisecond

// WorkerConfig configures a WorkerPool. Zero values are filled with
// defaults: one worker, 100ms poll interval, a no-op logger.
type WorkerConfig struct {
	WorkerCount  int
	PollInterval time.Duration
	Logger       *slog.Logger
}

// WorkerPool runs long-lived workers bound to one queue. Each worker waits
// on the queue with a short timeout so the stop flag is observed, then
// dispatches the received entry: a single message by Resolve, a batch by
// BatchResolve. Handler failures are recorded in the message's completion
// slot and never kill the worker.
type WorkerPool struct {
	queue  *Queue
	config WorkerConfig

	stopping atomic.Bool
	started  atomic.Bool
	wg       sync.WaitGroup
}

// NewWorkerPool constructs a pool draining the given queue.
func NewWorkerPool(queue *Queue, config WorkerConfig) *WorkerPool {
	if config.WorkerCount < 1 {
		config.WorkerCount = 1
	}
	if config.PollInterval <= 0 {
		config.PollInterval = defaultPollInterval
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &WorkerPool{
		queue:  queue,
		config: config,
	}
}

// Start spawns the workers. Calling Start twice has no effect.
func (wp *WorkerPool) Start() {
	if !wp.started.CompareAndSwap(false, true) {
		return
	}
	for i := 0; i < wp.config.WorkerCount; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}
}

// Stop asks the workers to exit and waits for them. Workers finish the item
// in hand before exiting.
func (wp *WorkerPool) Stop() {
	if !wp.started.Load() {
		return
	}
	wp.stopping.Store(true)
	wp.wg.Wait()
}

func (wp *WorkerPool) worker(n int) {
	defer wp.wg.Done()
	log := wp.config.Logger.With("worker", n)
	for !wp.stopping.Load() {
		batch, ok := wp.queue.Get(wp.config.PollInterval)
		if !ok {
			continue
		}
		if len(batch) > 1 {
			log.Debug("resolving batch", "size", len(batch), "id", batch[0].ID())
			batch[0].BatchResolve(batch[1:])
			continue
		}
		log.Debug("resolving message", "id", batch[0].ID())
		batch[0].Resolve()
	}
}
