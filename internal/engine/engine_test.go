package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"catalog-cache/internal/cache"
	"catalog-cache/internal/config"
	"catalog-cache/internal/locks"
	"catalog-cache/internal/redis"
	"catalog-cache/internal/store"
)

// memStore is an in-memory source of truth that counts fetches per id.
type memStore struct {
	mu      sync.Mutex
	records map[string]*store.Record
	fetches map[string]int
	delay   time.Duration
	err     error
}

func newMemStore() *memStore {
	return &memStore{
		records: make(map[string]*store.Record),
		fetches: make(map[string]int),
	}
}

func (m *memStore) put(id string, priceCents int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[id] = &store.Record{
		ID:         id,
		Name:       "Widget " + id,
		PriceCents: priceCents,
		Currency:   "USD",
		UpdatedAt:  time.Now().UTC(),
	}
}

func (m *memStore) FetchByID(ctx context.Context, id string) (*store.Record, error) {
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetches[id]++
	if m.err != nil {
		return nil, m.err
	}
	return m.records[id], nil
}

func (m *memStore) fetchCount(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fetches[id]
}

func testConfig(addr string) *config.Config {
	return &config.Config{
		RedisAddresses:      []string{addr},
		L1Capacity:          64,
		L2TTL:               time.Minute,
		LockTTL:             2 * time.Second,
		LockRetries:         1,
		LockBackoffBase:     10 * time.Millisecond,
		FollowerWaitTimeout: 2 * time.Second,
		DLQInterval:         time.Minute,
		DLQBatchSize:        10,
		DLQRetryCeiling:     3,
		DLQBackoffBase:      100 * time.Millisecond,
		DLQBackoffCap:       time.Minute,
	}
}

// newTestEngine builds and starts an engine against the given miniredis.
func newTestEngine(t *testing.T, mr *miniredis.Miniredis, src store.Store, cfg *config.Config) (*Engine, *redis.Client) {
	t.Helper()

	client, err := redis.NewClient(&redis.Config{Address: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	lockManager, err := locks.NewManager([]*redis.Client{client}, locks.ManagerConfig{
		TTL:         cfg.LockTTL,
		Retries:     cfg.LockRetries,
		BackoffBase: cfg.LockBackoffBase,
	}, nil)
	require.NoError(t, err)

	eng, err := New(cfg, client, lockManager, src, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, eng.Start(ctx))
	t.Cleanup(eng.Stop)

	return eng, client
}

func TestResolveBatch_Scenario(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	src := newMemStore()
	src.put("p1", 500)
	src.put("p2", 1000)

	cfg := testConfig(mr.Addr())
	eng, client := newTestEngine(t, mr, src, cfg)
	ctx := context.Background()

	// Warm p1 into L1.
	warm, err := eng.ResolveBatch(ctx, []string{"p1"})
	require.NoError(t, err)
	require.NotNil(t, warm[0])

	// Count bus publishes while p2 is rebuilt.
	sub := client.Subscribe(ctx, InvalidationChannel)
	defer sub.Close()
	_, err = sub.Receive(ctx)
	require.NoError(t, err)

	results, err := eng.ResolveBatch(ctx, []string{"p1", "p2"})
	require.NoError(t, err)
	require.Len(t, results, 2)

	require.NotNil(t, results[0])
	assert.Equal(t, int64(500), results[0].PriceCents)
	require.NotNil(t, results[1])
	assert.Equal(t, "p2", results[1].ID)
	assert.Equal(t, int64(1000), results[1].PriceCents)

	// p1 was served from L1: no second source-of-truth fetch.
	assert.Equal(t, 1, src.fetchCount("p1"))
	assert.Equal(t, 1, src.fetchCount("p2"))

	// L2 now holds a serialized entry for p2.
	raw, found, err := client.Get(ctx, EntryKeyPrefix+"p2")
	require.NoError(t, err)
	require.True(t, found)
	entry, err := cache.DecodeEntry(raw)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), entry.Record.PriceCents)

	// Exactly one publish named p2.
	select {
	case msg := <-sub.Channel():
		assert.Equal(t, "p2", msg.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("expected an invalidation publish for p2")
	}
}

func TestResolveBatch_L2HitSkipsSourceOfTruth(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	src := newMemStore()
	src.put("p1", 500)
	cfg := testConfig(mr.Addr())
	ctx := context.Background()

	first, _ := newTestEngine(t, mr, src, cfg)
	_, err = first.ResolveBatch(ctx, []string{"p1"})
	require.NoError(t, err)

	// A fresh process with a cold L1 resolves from L2.
	second, _ := newTestEngine(t, mr, src, testConfig(mr.Addr()))
	results, err := second.ResolveBatch(ctx, []string{"p1"})
	require.NoError(t, err)
	require.NotNil(t, results[0])
	assert.Equal(t, int64(500), results[0].PriceCents)

	assert.Equal(t, 1, src.fetchCount("p1"), "L2 hit must not refetch")
}

func TestResolveBatch_NotFound(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	src := newMemStore()
	eng, _ := newTestEngine(t, mr, src, testConfig(mr.Addr()))

	results, err := eng.ResolveBatch(context.Background(), []string{"ghost"})
	require.NoError(t, err)
	assert.Nil(t, results[0], "missing record resolves to absent, not an error")
}

func TestResolveBatch_DuplicateIDs(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	src := newMemStore()
	src.put("p1", 500)
	eng, _ := newTestEngine(t, mr, src, testConfig(mr.Addr()))

	results, err := eng.ResolveBatch(context.Background(), []string{"p1", "p1"})
	require.NoError(t, err)
	require.NotNil(t, results[0])
	require.NotNil(t, results[1])
	assert.Equal(t, 1, src.fetchCount("p1"), "duplicate ids resolve with one fetch")
}

// Single-flight: N concurrent resolvers of the same missing key perform the
// rebuild fetch at most once within one lock TTL window.
func TestResolveBatch_SingleFlight(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	src := newMemStore()
	src.put("hot", 750)
	src.delay = 100 * time.Millisecond

	engines := make([]*Engine, 3)
	for i := range engines {
		engines[i], _ = newTestEngine(t, mr, src, testConfig(mr.Addr()))
	}

	var wg sync.WaitGroup
	results := make([]*store.Record, len(engines))
	for i, eng := range engines {
		wg.Add(1)
		go func(i int, eng *Engine) {
			defer wg.Done()
			batch, err := eng.ResolveBatch(context.Background(), []string{"hot"})
			if assert.NoError(t, err) {
				results[i] = batch[0]
			}
		}(i, eng)
	}
	wg.Wait()

	assert.Equal(t, 1, src.fetchCount("hot"), "rebuild fetch must run at most once")
	for i, rec := range results {
		require.NotNil(t, rec, "engine %d should have resolved the key", i)
		assert.Equal(t, int64(750), rec.PriceCents)
	}
}

// Coherence after write: a republish makes every process converge to the
// fresh value within one bus round trip.
func TestInvalidateAndRepublish_Coherence(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	src := newMemStore()
	src.put("p1", 500)
	ctx := context.Background()

	reader, _ := newTestEngine(t, mr, src, testConfig(mr.Addr()))
	writer, _ := newTestEngine(t, mr, src, testConfig(mr.Addr()))

	warm, err := reader.ResolveBatch(ctx, []string{"p1"})
	require.NoError(t, err)
	require.Equal(t, int64(500), warm[0].PriceCents)

	// Writer persists a new price, then republishes.
	src.put("p1", 999)
	require.NoError(t, writer.InvalidateAndRepublish(ctx, "p1"))

	assert.Eventually(t, func() bool {
		results, err := reader.ResolveBatch(ctx, []string{"p1"})
		return err == nil && results[0] != nil && results[0].PriceCents == 999
	}, 3*time.Second, 20*time.Millisecond, "reader should see the fresh value after the bus round trip")
}

// Graceful degradation: with the shared cache down, resolution falls
// through to the source of truth and never errors.
func TestResolveBatch_SharedCacheDown(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	src := newMemStore()
	src.put("p1", 500)
	src.put("p2", 1000)

	eng, _ := newTestEngine(t, mr, src, testConfig(mr.Addr()))

	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	results, err := eng.ResolveBatch(ctx, []string{"p1", "p2", "ghost"})
	require.NoError(t, err)
	require.NotNil(t, results[0])
	assert.Equal(t, int64(500), results[0].PriceCents)
	require.NotNil(t, results[1])
	assert.Equal(t, int64(1000), results[1].PriceCents)
	assert.Nil(t, results[2])
}

// A follower that never hears from a leader dead-letters the key and
// reports it absent for this call.
func TestResolveBatch_FollowerTimeoutDeadLetters(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	src := newMemStore()
	src.put("stuck", 100)

	cfg := testConfig(mr.Addr())
	cfg.FollowerWaitTimeout = 200 * time.Millisecond
	eng, client := newTestEngine(t, mr, src, cfg)
	ctx := context.Background()

	// A silent holder owns the lock: the engine must take the follower
	// path and time out.
	blocker, err := locks.NewManager([]*redis.Client{client}, locks.ManagerConfig{
		TTL:     30 * time.Second,
		Retries: 1,
	}, nil)
	require.NoError(t, err)
	handle, err := blocker.TryAcquire(ctx, LockKeyPrefix+"stuck")
	require.NoError(t, err)
	defer handle.Release(ctx)

	results, err := eng.ResolveBatch(ctx, []string{"stuck"})
	require.NoError(t, err)
	assert.Nil(t, results[0])
	assert.Zero(t, src.fetchCount("stuck"), "follower must not fetch the source of truth")

	depth, err := eng.queue.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth, "timed-out follower dead-letters the key")
}

// The dead-letter worker is the self-healing path: a key parked by a failed
// rebuild is repopulated on a later cycle once the source of truth recovers.
func TestDeadLetterRetry_SelfHeals(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	src := newMemStore()
	src.put("flaky", 300)
	src.err = errors.New("source of truth unavailable")

	eng, client := newTestEngine(t, mr, src, testConfig(mr.Addr()))
	ctx := context.Background()

	// Leader rebuild fails and dead-letters the key.
	results, err := eng.ResolveBatch(ctx, []string{"flaky"})
	require.NoError(t, err)
	assert.Nil(t, results[0])

	depth, err := eng.queue.Depth(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), depth)

	// Source of truth recovers; the next worker cycle repopulates L2.
	src.mu.Lock()
	src.err = nil
	src.mu.Unlock()

	time.Sleep(300 * time.Millisecond) // past the initial backoff
	eng.worker.ProcessOnce(ctx)

	depth, err = eng.queue.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), depth)

	raw, found, err := client.Get(ctx, EntryKeyPrefix+"flaky")
	require.NoError(t, err)
	require.True(t, found)
	entry, err := cache.DecodeEntry(raw)
	require.NoError(t, err)
	assert.Equal(t, int64(300), entry.Record.PriceCents)
}

func TestInvalidateAndRepublish_NotFoundCleansStaleEntry(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	src := newMemStore()
	eng, client := newTestEngine(t, mr, src, testConfig(mr.Addr()))
	ctx := context.Background()

	// A stale entry for a product that no longer exists.
	stale := cache.NewEntry("deleted", &store.Record{ID: "deleted", Name: "Old", PriceCents: 1, Currency: "USD"})
	encoded, err := stale.Encode()
	require.NoError(t, err)
	require.NoError(t, client.Set(ctx, EntryKeyPrefix+"deleted", encoded, time.Minute))

	require.NoError(t, eng.InvalidateAndRepublish(ctx, "deleted"))

	_, found, err := client.Get(ctx, EntryKeyPrefix+"deleted")
	require.NoError(t, err)
	assert.False(t, found, "stale entry must be removed when the record is gone")
}

func TestResolveBatch_UndecodableL2EntryTriggersRebuild(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	src := newMemStore()
	src.put("p1", 500)
	eng, client := newTestEngine(t, mr, src, testConfig(mr.Addr()))
	ctx := context.Background()

	require.NoError(t, client.Set(ctx, EntryKeyPrefix+"p1", "{corrupt payload", time.Minute))

	results, err := eng.ResolveBatch(ctx, []string{"p1"})
	require.NoError(t, err)
	require.NotNil(t, results[0])
	assert.Equal(t, int64(500), results[0].PriceCents)
	assert.Equal(t, 1, src.fetchCount("p1"), "corrupt entry is treated as a miss")
}

func TestResolveBatch_CancelledContext(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	src := newMemStore()
	src.put("p1", 500)
	eng, _ := newTestEngine(t, mr, src, testConfig(mr.Addr()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = eng.ResolveBatch(ctx, []string{"p1"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSnapshot(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	src := newMemStore()
	src.put("p1", 500)
	eng, _ := newTestEngine(t, mr, src, testConfig(mr.Addr()))
	ctx := context.Background()

	_, err = eng.ResolveBatch(ctx, []string{"p1"})
	require.NoError(t, err)

	// The rebuild's own invalidation publish may evict the fresh L1 entry;
	// let it land, then repopulate from L2 so the snapshot is stable.
	time.Sleep(50 * time.Millisecond)
	_, err = eng.ResolveBatch(ctx, []string{"p1"})
	require.NoError(t, err)

	stats := eng.Snapshot(ctx)
	assert.NotEmpty(t, stats.InstanceID)
	assert.Equal(t, 1, stats.L1Entries)
	assert.Equal(t, int64(0), stats.DeadLetterDepth)
	assert.Equal(t, "closed", stats.BreakerState)
}
