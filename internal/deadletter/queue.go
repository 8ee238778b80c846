// Package deadletter implements the delay-scheduled retry queue for keys
// whose cache rebuild failed, and the background worker that drains it.
// The queue lives in a shared sorted set scored by next-eligible time, so
// it outlives any one process and any instance's worker can drain it.
package deadletter

import (
	"context"
	"encoding/json"
	"math/rand"
	"time"

	"catalog-cache/internal/common/errors"
	"catalog-cache/internal/common/logging"
	"catalog-cache/internal/redis"
)

// Item is one dead-lettered key awaiting retry.
type Item struct {
	Key            string    `json:"key"`
	Reason         string    `json:"reason"`
	Attempts       int       `json:"attempts"`
	NextEligibleAt time.Time `json:"next_eligible_at"`
}

// Queue is the shared delay-scheduled structure. Members are encoded items,
// scores are next-eligible unix milliseconds.
type Queue struct {
	client *redis.Client
	setKey string
	logger logging.Logger
}

// NewQueue creates a queue over the given sorted set.
func NewQueue(client *redis.Client, setKey string, logger logging.Logger) *Queue {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &Queue{
		client: client,
		setKey: setKey,
		logger: logger,
	}
}

// Push schedules item for retry at its NextEligibleAt.
func (q *Queue) Push(ctx context.Context, item *Item) error {
	member, err := json.Marshal(item)
	if err != nil {
		return errors.InternalError("failed to encode dead-letter item", err).WithContext("key", item.Key)
	}
	score := float64(item.NextEligibleAt.UnixMilli())
	return q.client.ZAdd(ctx, q.setKey, score, string(member))
}

// PopDue atomically removes and returns up to limit items whose
// next-eligible time has passed. The removal is atomic with the read, so
// two concurrent workers never receive the same item. Members that fail to
// decode are logged and dropped; they can never become processable.
func (q *Queue) PopDue(ctx context.Context, now time.Time, limit int) ([]*Item, error) {
	members, err := q.client.ZRangePop(ctx, q.setKey, float64(now.UnixMilli()), limit)
	if err != nil {
		return nil, err
	}

	items := make([]*Item, 0, len(members))
	for _, member := range members {
		var item Item
		if err := json.Unmarshal([]byte(member), &item); err != nil {
			q.logger.Error("dropping malformed dead-letter member", err,
				logging.String("set", q.setKey),
				logging.String("member", member),
			)
			continue
		}
		items = append(items, &item)
	}
	return items, nil
}

// Depth reports the number of scheduled items, for the ops surface.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.setKey)
}

// Backoff returns the delay before retry number attempts, growing
// exponentially from base up to cap, with jitter of at most a quarter of
// the delay so retries from different keys spread apart. The jitter bound
// keeps successive delays strictly increasing until the cap is reached.
func Backoff(attempts int, base, cap time.Duration) time.Duration {
	delay := base
	for i := 0; i < attempts; i++ {
		delay *= 2
		if delay >= cap {
			delay = cap
			break
		}
	}
	if delay >= cap {
		return cap
	}
	jitter := time.Duration(rand.Int63n(int64(delay/4) + 1))
	if delay+jitter > cap {
		return cap
	}
	return delay + jitter
}
