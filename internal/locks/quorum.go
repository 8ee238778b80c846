// Package locks provides the quorum lock that elects exactly one leader per
// cache-miss key. It is built on the Redlock implementation from
// go-redsync/redsync/v4 spanning every configured Redis node: an acquisition
// must win a majority of nodes within the lease's validity window, and a
// release is token-checked per node so a holder can never delete a lease it
// no longer owns.
package locks

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/go-redsync/redsync/v4"
	redsyncredis "github.com/go-redsync/redsync/v4/redis"
	goredis "github.com/go-redsync/redsync/v4/redis/goredis/v8"

	commonerrors "catalog-cache/internal/common/errors"
	"catalog-cache/internal/common/logging"
	"catalog-cache/internal/redis"
)

// ErrNotAcquired reports that the quorum was not reached within the retry
// budget. It is a routing signal, not a failure: the caller becomes a
// follower for this key.
var ErrNotAcquired = errors.New("locks: quorum not acquired")

// ErrLeaseLost reports a release attempt on a lease that has already expired
// or been taken over. The current holder's lease is left untouched.
var ErrLeaseLost = errors.New("locks: lease no longer held")

// backoffShiftCap bounds the exponential growth of the retry delay.
const backoffShiftCap = 6

// ManagerConfig tunes lock acquisition.
type ManagerConfig struct {
	TTL         time.Duration // lease duration
	Retries     int           // acquisition attempts before giving up
	BackoffBase time.Duration // base delay between attempts
}

// Manager acquires quorum locks across the configured Redis nodes.
type Manager struct {
	rs     *redsync.Redsync
	config ManagerConfig
	logger logging.Logger
}

// Handle is a successfully acquired lease. It is owned by exactly one
// caller and must be released on every exit path.
type Handle struct {
	mutex    *redsync.Mutex
	resource string
}

// NewManager builds a lock manager over the given node clients. The node
// set must be the same on every process instance sharing the cluster, or
// two processes could each win a "majority" of different sets.
func NewManager(clients []*redis.Client, config ManagerConfig, logger logging.Logger) (*Manager, error) {
	if len(clients) == 0 {
		return nil, commonerrors.ConfigError("at least one redis client is required for the quorum lock")
	}
	if config.TTL <= 0 {
		return nil, commonerrors.ConfigError("lock TTL must be positive")
	}
	if config.Retries < 1 {
		config.Retries = 1
	}
	if config.BackoffBase <= 0 {
		config.BackoffBase = 50 * time.Millisecond
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	pools := make([]redsyncredis.Pool, 0, len(clients))
	for _, client := range clients {
		pools = append(pools, goredis.NewPool(client.GetGoRedisClient()))
	}

	return &Manager{
		rs:     redsync.New(pools...),
		config: config,
		logger: logger,
	}, nil
}

// TryAcquire attempts to become leader for resource. On contention it
// returns ErrNotAcquired after the retry budget is spent; on context
// cancellation it returns the context error. The in-flight lease, if any,
// self-expires.
func (m *Manager) TryAcquire(ctx context.Context, resource string) (*Handle, error) {
	mutex := m.rs.NewMutex(resource,
		redsync.WithExpiry(m.config.TTL),
		redsync.WithTries(m.config.Retries),
		redsync.WithRetryDelayFunc(m.retryDelay),
	)

	if err := mutex.LockContext(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		m.logger.Debug("quorum not reached, taking follower path",
			logging.String("resource", resource),
			logging.Any("cause", err),
		)
		return nil, ErrNotAcquired
	}

	return &Handle{mutex: mutex, resource: resource}, nil
}

// retryDelay grows exponentially with jitter so colliding processes spread
// their attempts apart.
func (m *Manager) retryDelay(tries int) time.Duration {
	shift := tries
	if shift > backoffShiftCap {
		shift = backoffShiftCap
	}
	backoff := m.config.BackoffBase * (1 << uint(shift))
	jitter := time.Duration(rand.Int63n(int64(m.config.BackoffBase)))
	return backoff + jitter
}

// Resource returns the lock's resource name.
func (h *Handle) Resource() string {
	return h.resource
}

// Validity returns how much of the lease window remains. The holder must
// finish its rebuild within this window or the lease self-expires.
func (h *Handle) Validity() time.Duration {
	return time.Until(h.mutex.Until())
}

// Release gives up the lease on exactly the nodes that granted it. The
// delete is conditional on the lease token, so releasing after expiry and
// re-acquisition by another process returns ErrLeaseLost and leaves the new
// holder's lease intact.
func (h *Handle) Release(ctx context.Context) error {
	ok, err := h.mutex.UnlockContext(ctx)
	if err != nil {
		return ErrLeaseLost
	}
	if !ok {
		return ErrLeaseLost
	}
	return nil
}
