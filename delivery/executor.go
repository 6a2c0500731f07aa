package delivery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/communisaas/communique-core/store"
)

// DefaultStuckCutoff is how long a submission may sit in processing before
// the sweeper re-invokes it.
const DefaultStuckCutoff = 5 * time.Minute

// Executor runs delivery tasks on a bounded queue, decoupled from the intake
// request lifecycle. A full queue drops the enqueue rather than blocking the
// HTTP response; the sweeper picks the submission up later.
type Executor struct {
	worker  *Worker
	store   store.Store
	tasks   chan string
	wg      sync.WaitGroup
	log     *slog.Logger
	started sync.Once
}

// NewExecutor creates an executor with the given queue depth.
func NewExecutor(worker *Worker, st store.Store, queueDepth int, log *slog.Logger) *Executor {
	if queueDepth <= 0 {
		queueDepth = 256
	}
	return &Executor{
		worker: worker,
		store:  st,
		tasks:  make(chan string, queueDepth),
		log:    log,
	}
}

// Start launches the worker goroutines. They drain until ctx is cancelled.
func (e *Executor) Start(ctx context.Context, workers int) {
	if workers <= 0 {
		workers = 4
	}
	e.started.Do(func() {
		for i := 0; i < workers; i++ {
			e.wg.Add(1)
			go func() {
				defer e.wg.Done()
				for {
					select {
					case <-ctx.Done():
						return
					case submissionID := <-e.tasks:
						e.worker.ProcessSubmissionDelivery(ctx, submissionID, e.store)
					}
				}
			}()
		}
	})
}

// Enqueue hands a submission to the delivery workers. Never blocks.
func (e *Executor) Enqueue(submissionID string) {
	select {
	case e.tasks <- submissionID:
	default:
		e.log.Warn("delivery queue full, deferring to sweeper", "submissionId", submissionID)
	}
}

// RequeueStuck enqueues submissions stuck in processing since before the
// cutoff. Intended to run periodically, and once at startup to recover
// submissions orphaned by a crash.
func (e *Executor) RequeueStuck(ctx context.Context, cutoff time.Time) error {
	ids, err := e.store.ListStuckProcessing(ctx, cutoff)
	if err != nil {
		return err
	}
	for _, id := range ids {
		e.log.Info("requeueing stuck submission", "submissionId", id)
		e.Enqueue(id)
	}
	return nil
}

// RunSweeper periodically requeues stuck submissions until ctx is cancelled.
func (e *Executor) RunSweeper(ctx context.Context, interval, cutoffAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.RequeueStuck(ctx, time.Now().Add(-cutoffAge)); err != nil {
				e.log.Error("sweeping stuck submissions", "err", err)
			}
		}
	}
}

// Drain blocks until the delivery queue is empty or ctx expires. Workers keep
// running; this waits only for queued tasks to be picked up, so the server's
// drain sequence does not stop the process with deliveries still queued.
func (e *Executor) Drain(ctx context.Context) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for len(e.tasks) > 0 {
		select {
		case <-ctx.Done():
			e.log.Warn("drain window expired with tasks still queued", "queued", len(e.tasks))
			return
		case <-ticker.C:
		}
	}
}

// Wait blocks until all worker goroutines have exited.
func (e *Executor) Wait() {
	e.wg.Wait()
}
