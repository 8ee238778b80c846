// Package engine implements the cache-fill orchestrator: the core read path
// that resolves a batch of product ids through L1, the shared L2 cache, and
// leader-elected rebuilds from the source of truth, with dead-letter retry
// for keys whose rebuild failed.
package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"catalog-cache/internal/bus"
	"catalog-cache/internal/cache"
	"catalog-cache/internal/common/errors"
	"catalog-cache/internal/common/logging"
	"catalog-cache/internal/config"
	"catalog-cache/internal/deadletter"
	"catalog-cache/internal/locks"
	"catalog-cache/internal/redis"
	"catalog-cache/internal/store"
)

// Engine owns the process-wide cache state: the L1 map, the L2 client, the
// invalidation subscription, and the dead-letter worker. Construct one per
// process at startup and inject it into callers.
type Engine struct {
	config     *config.Config
	l1         *cache.Local
	l2         *redis.Client
	locks      *locks.Manager
	bus        *bus.Bus
	queue      *deadletter.Queue
	worker     *deadletter.Worker
	src        store.Store
	logger     logging.Logger
	instanceID string
}

// Stats is a point-in-time snapshot for the ops surface.
type Stats struct {
	InstanceID      string `json:"instance_id"`
	L1Entries       int    `json:"l1_entries"`
	DeadLetterDepth int64  `json:"dead_letter_depth"`
	BreakerState    string `json:"breaker_state"`
}

// New builds an engine over the given collaborators. The lock manager spans
// the full quorum node set; l2 is the data-plane client.
func New(cfg *config.Config, l2 *redis.Client, lockManager *locks.Manager, src store.Store, logger logging.Logger) (*Engine, error) {
	if cfg == nil {
		return nil, errors.ConfigError("engine config is required")
	}
	if l2 == nil || lockManager == nil || src == nil {
		return nil, errors.ConfigError("engine requires a redis client, lock manager, and store")
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	instanceID := uuid.NewString()
	logger = logger.WithFields(logging.String("instance_id", instanceID))

	l1, err := cache.NewLocal(cfg.L1Capacity)
	if err != nil {
		return nil, errors.ConfigError("invalid L1 capacity").WithContext("capacity", cfg.L1Capacity)
	}

	e := &Engine{
		config:     cfg,
		l1:         l1,
		l2:         l2,
		locks:      lockManager,
		src:        src,
		logger:     logger,
		instanceID: instanceID,
	}

	e.bus = bus.New(l2, InvalidationChannel, l1.Evict, logger)
	e.queue = deadletter.NewQueue(l2, DeadLetterSet, logger)
	e.worker = deadletter.NewWorker(e.queue, e, deadletter.WorkerConfig{
		Interval:     cfg.DLQInterval,
		BatchSize:    cfg.DLQBatchSize,
		RetryCeiling: cfg.DLQRetryCeiling,
		BackoffBase:  cfg.DLQBackoffBase,
		BackoffCap:   cfg.DLQBackoffCap,
	}, logger)

	return e, nil
}

// Start subscribes to the invalidation bus and starts the retry worker.
// A failed bus subscription is degraded mode, not fatal: local evictions
// are missed until L2 TTLs expire, and followers time out into the
// dead-letter queue.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.bus.Run(ctx); err != nil {
		e.logger.Warn("invalidation bus unavailable, running degraded",
			logging.Any("cause", err),
		)
	}
	if err := e.worker.Start(); err != nil {
		return err
	}
	e.logger.Info("cache engine started",
		logging.Int("l1_capacity", e.config.L1Capacity),
		logging.Duration("l2_ttl", e.config.L2TTL),
	)
	return nil
}

// Stop halts the retry worker. The bus loop exits with the context passed
// to Start.
func (e *Engine) Stop() {
	e.worker.Stop()
	e.logger.Info("cache engine stopped")
}

// ResolveBatch resolves ids through L1 -> L2 -> leader/follower rebuild and
// returns records positionally aligned with the input. Keys that cannot be
// resolved come back nil; their failures are reported through the
// dead-letter queue and logs, never as an error that fails sibling keys.
// The only returned error is the caller's own context expiring.
func (e *Engine) ResolveBatch(ctx context.Context, ids []string) ([]*store.Record, error) {
	results := make([]*store.Record, len(ids))

	// L1 pass. Positions of the same id are tracked together so duplicate
	// ids in one batch resolve once.
	missing := make(map[string][]int)
	for i, id := range ids {
		if entry, found := e.l1.Get(id); found {
			results[i] = entry.Record
			continue
		}
		missing[id] = append(missing[id], i)
	}
	if len(missing) == 0 {
		return results, nil
	}

	// L2 pass: one batched read for all misses.
	missIDs := make([]string, 0, len(missing))
	keys := make([]string, 0, len(missing))
	for id := range missing {
		missIDs = append(missIDs, id)
		keys = append(keys, entryKey(id))
	}

	l2Down := false
	values, err := e.l2.MGet(ctx, keys...)
	if err != nil {
		// Shared cache unreachable: skip coordination entirely and go to
		// the source of truth for every remaining key. The lock and the
		// dead-letter queue live on the same infrastructure, so neither
		// can help here.
		l2Down = true
		e.logger.Warn("shared cache read failed, falling back to source of truth",
			logging.Int("keys", len(keys)),
			logging.Any("cause", err),
		)
	}

	unresolved := make([]string, 0, len(missIDs))
	for i, id := range missIDs {
		if l2Down || values[i] == nil {
			unresolved = append(unresolved, id)
			continue
		}
		entry, decodeErr := cache.DecodeEntry(*values[i])
		if decodeErr != nil {
			// A corrupt payload is a miss; the rebuild overwrites it.
			e.logger.Warn("discarding undecodable shared cache entry",
				logging.String("id", id),
				logging.Any("cause", decodeErr),
			)
			unresolved = append(unresolved, id)
			continue
		}
		e.l1.Set(id, entry)
		for _, pos := range missing[id] {
			results[pos] = entry.Record
		}
	}

	if len(unresolved) == 0 {
		return results, nil
	}

	// Per-key resolution is independent; cross-key ordering is not
	// guaranteed and a failure for one key never fails its siblings.
	g, gctx := errgroup.WithContext(ctx)
	for _, id := range unresolved {
		id := id
		g.Go(func() error {
			var rec *store.Record
			if l2Down {
				rec = e.fetchDirect(gctx, id)
			} else {
				rec = e.resolveMiss(gctx, id)
			}
			for _, pos := range missing[id] {
				results[pos] = rec
			}
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() != nil {
		return results, ctx.Err()
	}
	return results, nil
}

// resolveMiss elects this process leader for id or follows another
// process's rebuild. Returns nil when the key cannot be resolved in this
// call.
func (e *Engine) resolveMiss(ctx context.Context, id string) *store.Record {
	handle, err := e.locks.TryAcquire(ctx, lockKey(id))
	if err == nil {
		return e.leadRebuild(ctx, id, handle)
	}
	if ctx.Err() != nil {
		return nil
	}
	return e.follow(ctx, id)
}

// leadRebuild performs the leader path. The lock is released on every exit:
// success, not-found, and failure.
func (e *Engine) leadRebuild(ctx context.Context, id string, handle *locks.Handle) *store.Record {
	defer func() {
		// Release on a detached context so a cancelled caller still
		// returns the lease promptly instead of waiting out the TTL.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if releaseErr := handle.Release(releaseCtx); releaseErr != nil {
			// The lease expired under us or was taken over; it has
			// self-healed and needs no cleanup.
			e.logger.Debug("lock release after rebuild",
				logging.String("resource", handle.Resource()),
				logging.Any("cause", releaseErr),
			)
		}
	}()

	rec, err := e.rebuild(ctx, id)
	if err != nil {
		e.deadLetter(id, err.Error())
	}
	return rec
}

// follow waits for the leader's completion signal, then re-reads L2.
// The pre-wait read covers a leader that finished before our waiter was
// registered; the post-timeout read covers a completion signal lost on the
// wire. A key still missing after both is dead-lettered and left
// unresolved for this call.
func (e *Engine) follow(ctx context.Context, id string) *store.Record {
	if rec := e.readShared(ctx, id); rec != nil {
		return rec
	}

	if err := e.bus.Await(ctx, id, e.config.FollowerWaitTimeout); err != nil {
		if ctx.Err() != nil {
			// Caller deadline fired mid-wait: hand the key to the
			// background worker instead of resolving it here.
			e.deadLetter(id, "follower wait cancelled by caller deadline")
			return nil
		}
		if rec := e.readShared(ctx, id); rec != nil {
			return rec
		}
		e.deadLetter(id, "follower wait timed out with no shared cache entry")
		return nil
	}

	if rec := e.readShared(ctx, id); rec != nil {
		return rec
	}
	e.deadLetter(id, "leader signalled completion but shared cache entry is missing")
	return nil
}

// readShared reads one entry from L2 and promotes it to L1. Any failure is
// a miss.
func (e *Engine) readShared(ctx context.Context, id string) *store.Record {
	value, found, err := e.l2.Get(ctx, entryKey(id))
	if err != nil || !found {
		return nil
	}
	entry, err := cache.DecodeEntry(value)
	if err != nil {
		return nil
	}
	e.l1.Set(id, entry)
	return entry.Record
}

// fetchDirect is the degraded path while the shared cache is unreachable:
// read the source of truth and serve the caller without coordination.
func (e *Engine) fetchDirect(ctx context.Context, id string) *store.Record {
	rec, err := e.src.FetchByID(ctx, id)
	if err != nil {
		e.logger.Error("direct source-of-truth fetch failed", err,
			logging.String("id", id),
		)
		return nil
	}
	if rec != nil {
		e.l1.Set(id, cache.NewEntry(id, rec))
	}
	return rec
}

// rebuild fetches the authoritative record and repopulates the shared
// cache. A nil record with nil error means the source of truth confirmed
// the id does not exist; stale cache state is cleaned up and the absence
// is announced. A non-nil error means the caller must dead-letter the key;
// the record is still returned when it was fetched successfully so the
// in-flight caller is served.
func (e *Engine) rebuild(ctx context.Context, id string) (*store.Record, error) {
	rec, err := e.src.FetchByID(ctx, id)
	if err != nil {
		return nil, errors.RebuildError(id, err)
	}

	if rec == nil {
		// Legitimate absence: drop stale state everywhere and say so.
		if delErr := e.l2.Delete(ctx, entryKey(id)); delErr != nil {
			e.logger.Warn("failed to delete stale shared cache entry",
				logging.String("id", id),
				logging.Any("cause", delErr),
			)
		}
		e.publish(ctx, id)
		e.l1.Evict(id)
		return nil, nil
	}

	entry := cache.NewEntry(id, rec)
	encoded, encErr := entry.Encode()
	if encErr != nil {
		return rec, errors.RebuildError(id, encErr)
	}

	if setErr := e.l2.Set(ctx, entryKey(id), encoded, e.config.L2TTL); setErr != nil {
		// The caller is still served from the fetched record; the shared
		// cache repopulation is retried through the dead-letter queue.
		e.l1.Set(id, entry)
		return rec, errors.RebuildError(id, setErr)
	}

	e.publish(ctx, id)
	e.l1.Set(id, entry)
	return rec, nil
}

// Rebuild repopulates the cache entry for one key. It is the dead-letter
// worker's retry entry point.
func (e *Engine) Rebuild(ctx context.Context, id string) error {
	_, err := e.rebuild(ctx, id)
	return err
}

// InvalidateAndRepublish forces a rebuild and bus publish for id after a
// write to the source of truth. The writer already holds authority over
// the row, so no lock is taken.
func (e *Engine) InvalidateAndRepublish(ctx context.Context, id string) error {
	_, err := e.rebuild(ctx, id)
	return err
}

// publish announces id on the invalidation bus. Best-effort with one bounded
// retry; subscribers that still miss it converge through TTL expiry.
func (e *Engine) publish(ctx context.Context, id string) {
	err := e.bus.Publish(ctx, id)
	if err != nil {
		err = e.bus.Publish(ctx, id)
	}
	if err != nil {
		e.logger.Warn("invalidation publish failed",
			logging.String("id", id),
			logging.Any("cause", err),
		)
	}
}

// deadLetter schedules id for background retry on a detached context, so
// it works even when the caller's deadline has already fired. Best-effort:
// if the push itself fails the key is only lost until the next cache miss.
func (e *Engine) deadLetter(id, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	item := &deadletter.Item{
		Key:            id,
		Reason:         reason,
		Attempts:       0,
		NextEligibleAt: time.Now().Add(deadletter.Backoff(0, e.config.DLQBackoffBase, e.config.DLQBackoffCap)),
	}
	err := e.queue.Push(ctx, item)
	if err != nil {
		err = e.queue.Push(ctx, item)
	}
	if err != nil {
		e.logger.Error("failed to push dead-letter item", err,
			logging.String("id", id),
			logging.String("reason", reason),
		)
		return
	}
	e.logger.Warn("key dead-lettered for background retry",
		logging.String("id", id),
		logging.String("reason", reason),
	)
}

// Snapshot reports engine state for the ops surface.
func (e *Engine) Snapshot(ctx context.Context) Stats {
	depth, err := e.queue.Depth(ctx)
	if err != nil {
		depth = -1
	}
	return Stats{
		InstanceID:      e.instanceID,
		L1Entries:       e.l1.Len(),
		DeadLetterDepth: depth,
		BreakerState:    e.l2.BreakerState(),
	}
}
