// Package redis wraps the go-redis client with the primitives the cache
// engine needs from its shared store: conditional set, batched get, pub/sub,
// and a delay-scheduled sorted set with atomic range-pop.
//
// Every networked call goes through a circuit breaker. Callers treat any
// error from this package as a soft failure: log it and fall back to the
// source of truth, never fail the request.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sony/gobreaker"
)

// Client wraps a single Redis node connection.
type Client struct {
	rdb     *redis.Client
	config  *Config
	breaker *gobreaker.CircuitBreaker
}

// Config holds connection settings for one Redis node.
type Config struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// zrangePopScript atomically removes and returns due members of a sorted set.
// Removal inside the script guarantees two concurrent workers never receive
// the same member.
var zrangePopScript = redis.NewScript(`
local members = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, m in ipairs(members) do
	redis.call('ZREM', KEYS[1], m)
end
return members
`)

// NewClient connects to a single Redis node and verifies the connection.
func NewClient(config *Config) (*Client, error) {
	if config == nil {
		return nil, fmt.Errorf("redis config is required")
	}

	if config.Address == "" {
		config.Address = "localhost:6379"
	}
	if config.PoolSize == 0 {
		config.PoolSize = 10
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     config.Address,
		Password: config.Password,
		DB:       config.DB,
		PoolSize: config.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", config.Address, err)
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "redis:" + config.Address,
		Timeout: 10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	return &Client{
		rdb:     rdb,
		config:  config,
		breaker: breaker,
	}, nil
}

// GetGoRedisClient exposes the underlying go-redis client for libraries that
// build on it directly, such as the redsync connection pool.
func (c *Client) GetGoRedisClient() *redis.Client {
	return c.rdb
}

// Address returns the node address this client is connected to.
func (c *Client) Address() string {
	return c.config.Address
}

// Close closes the underlying connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping verifies the node is reachable.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.rdb.Ping(ctx).Err()
	})
	return err
}

// BreakerState reports the circuit breaker state for the ops surface.
func (c *Client) BreakerState() string {
	return c.breaker.State().String()
}

// Get returns the value stored at key. The second return value is false when
// the key does not exist; a miss is not an error.
func (c *Client) Get(ctx context.Context, key string) (string, bool, error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		val, err := c.rdb.Get(ctx, key).Result()
		if err == redis.Nil {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return val, nil
	})
	if err != nil {
		return "", false, err
	}
	if result == nil {
		return "", false, nil
	}
	return result.(string), true, nil
}

// MGet returns the values for keys, positionally aligned with the input.
// Absent keys come back as nil pointers.
func (c *Client) MGet(ctx context.Context, keys ...string) ([]*string, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.rdb.MGet(ctx, keys...).Result()
	})
	if err != nil {
		return nil, err
	}

	raw := result.([]interface{})
	values := make([]*string, len(keys))
	for i, v := range raw {
		if s, ok := v.(string); ok {
			values[i] = &s
		}
	}
	return values, nil
}

// Set stores value at key with the given TTL.
func (c *Client) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.rdb.Set(ctx, key, value, ttl).Err()
	})
	return err
}

// SetNX stores value at key only if the key does not already exist.
// Returns true when the value was written.
func (c *Client) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.rdb.SetNX(ctx, key, value, ttl).Result()
	})
	if err != nil {
		return false, err
	}
	return result.(bool), nil
}

// Delete removes key. Deleting a missing key is not an error.
func (c *Client) Delete(ctx context.Context, key string) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.rdb.Del(ctx, key).Err()
	})
	return err
}

// Publish sends message on channel. Delivery is at-least-once to currently
// subscribed listeners only; there is no replay for late subscribers.
func (c *Client) Publish(ctx context.Context, channel, message string) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.rdb.Publish(ctx, channel, message).Err()
	})
	return err
}

// Subscribe opens a subscription on the given channels. The returned PubSub
// is long-lived and managed by the caller; it bypasses the circuit breaker.
func (c *Client) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	return c.rdb.Subscribe(ctx, channels...)
}

// ZAdd adds member to the sorted set with the given score.
func (c *Client) ZAdd(ctx context.Context, key string, score float64, member string) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.rdb.ZAdd(ctx, key, &redis.Z{Score: score, Member: member}).Err()
	})
	return err
}

// ZRangePop atomically removes and returns up to limit members of the sorted
// set whose score is at most maxScore.
func (c *Client) ZRangePop(ctx context.Context, key string, maxScore float64, limit int) ([]string, error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		return zrangePopScript.Run(ctx, c.rdb, []string{key}, maxScore, limit).Result()
	})
	if err != nil {
		return nil, err
	}

	raw, ok := result.([]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected zrangepop reply type %T", result)
	}
	members := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			members = append(members, s)
		}
	}
	return members, nil
}

// ZCard returns the cardinality of the sorted set.
func (c *Client) ZCard(ctx context.Context, key string) (int64, error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.rdb.ZCard(ctx, key).Result()
	})
	if err != nil {
		return 0, err
	}
	return result.(int64), nil
}
