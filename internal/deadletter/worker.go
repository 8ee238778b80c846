package deadletter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"catalog-cache/internal/common/logging"
)

// Rebuilder repopulates the cache entry for one key from the source of
// truth and republishes it. The engine implements this.
type Rebuilder interface {
	Rebuild(ctx context.Context, key string) error
}

// WorkerConfig tunes the retry worker.
type WorkerConfig struct {
	Interval     time.Duration // cycle period
	BatchSize    int           // max items popped per cycle
	RetryCeiling int           // attempts before permanent failure
	BackoffBase  time.Duration // base retry delay
	BackoffCap   time.Duration // retry delay upper bound
}

// Worker is the standing dead-letter processor: a periodic loop that pops
// due items, retries their rebuild, and reschedules failures with backoff.
// It is the system's self-healing path for leader failures and follower
// timeouts, independent of any caller request.
type Worker struct {
	queue     *Queue
	rebuilder Rebuilder
	config    WorkerConfig
	logger    logging.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

// NewWorker creates a worker over the given queue.
func NewWorker(queue *Queue, rebuilder Rebuilder, config WorkerConfig, logger logging.Logger) *Worker {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	if config.BatchSize < 1 {
		config.BatchSize = 20
	}
	if config.RetryCeiling < 1 {
		config.RetryCeiling = 5
	}
	return &Worker{
		queue:     queue,
		rebuilder: rebuilder,
		config:    config,
		logger:    logger,
	}
}

// Start schedules the periodic cycle. Starting a running worker is a no-op.
func (w *Worker) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}

	c := cron.New()
	spec := fmt.Sprintf("@every %s", w.config.Interval)
	if _, err := c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), w.config.Interval)
		defer cancel()
		w.ProcessOnce(ctx)
	}); err != nil {
		return err
	}

	c.Start()
	w.cron = c
	w.running = true
	w.logger.Info("dead-letter retry worker started",
		logging.Duration("interval", w.config.Interval),
		logging.Int("batch_size", w.config.BatchSize),
	)
	return nil
}

// Stop halts the schedule and waits for an in-flight cycle to finish.
func (w *Worker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	<-w.cron.Stop().Done()
	w.cron = nil
	w.running = false
	w.logger.Info("dead-letter retry worker stopped")
}

// ProcessOnce runs a single drain cycle: pop due items, retry each rebuild,
// reschedule failures. Safe to call concurrently with other workers on the
// same queue because PopDue is atomic.
func (w *Worker) ProcessOnce(ctx context.Context) {
	now := time.Now()
	items, err := w.queue.PopDue(ctx, now, w.config.BatchSize)
	if err != nil {
		w.logger.Warn("dead-letter pop failed, will retry next cycle",
			logging.Any("cause", err),
		)
		return
	}

	for _, item := range items {
		if ctx.Err() != nil {
			// Out of time: put the unprocessed item back untouched. The
			// pop already removed it, so the push must not ride the
			// expired cycle context.
			if pushErr := w.pushDetached(item); pushErr != nil {
				w.logger.Error("failed to requeue dead-letter item on shutdown", pushErr,
					logging.String("key", item.Key),
				)
			}
			continue
		}
		w.retry(ctx, item, now)
	}
}

// pushDetached pushes on a bounded context of its own, for items that must
// go back into the queue after the cycle context has expired.
func (w *Worker) pushDetached(item *Item) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return w.queue.Push(ctx, item)
}

func (w *Worker) retry(ctx context.Context, item *Item, now time.Time) {
	err := w.rebuilder.Rebuild(ctx, item.Key)
	if err == nil {
		w.logger.Info("dead-letter rebuild succeeded",
			logging.String("key", item.Key),
			logging.Int("attempts", item.Attempts),
		)
		return
	}

	item.Attempts++
	item.Reason = err.Error()

	if item.Attempts >= w.config.RetryCeiling {
		// Terminal: no further automatic retry for this key.
		w.logger.Error("dead-letter retry ceiling exceeded, dropping key", err,
			logging.String("key", item.Key),
			logging.Int("attempts", item.Attempts),
		)
		return
	}

	item.NextEligibleAt = now.Add(Backoff(item.Attempts, w.config.BackoffBase, w.config.BackoffCap))
	if pushErr := w.pushDetached(item); pushErr != nil {
		w.logger.Error("failed to reschedule dead-letter item", pushErr,
			logging.String("key", item.Key),
		)
		return
	}

	w.logger.Warn("dead-letter rebuild failed, rescheduled",
		logging.String("key", item.Key),
		logging.Int("attempts", item.Attempts),
		logging.Time("next_eligible_at", item.NextEligibleAt),
	)
}
