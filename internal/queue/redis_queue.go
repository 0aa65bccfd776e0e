// Package queue hands Task Run ids from the intake API to workers through
// Redis. Durable state lives in Postgres; Redis only decides who runs what next.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"repro-screening/internal/config"
)

const (
	keyPrefix   = "screening:"
	defaultLane = "default"
)

// Lease describes which worker holds a Task Run and until when.
type Lease struct {
	TaskID   string
	Lane     string
	Holder   string
	Deadline time.Time
}

// RedisQueue keeps one ready list per priority lane, a sorted set of deferred
// runs keyed by due time, a sorted set of leased runs keyed by lease deadline,
// and one hash per run with its lane and current holder.
type RedisQueue struct {
	client   *redis.Client
	lanes    []string
	leaseTTL time.Duration
	holder   string
	deadKey  string
}

// NewRedisQueue builds a queue client from config.
func NewRedisQueue(cfg config.Config) *RedisQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	lanes := cfg.PriorityQueues
	if len(lanes) == 0 {
		lanes = []string{defaultLane}
	}
	ttl := cfg.VisibilityTimeout
	if ttl == 0 {
		ttl = 30 * time.Minute
	}
	dead := cfg.DLQName
	if dead == "" {
		dead = keyPrefix + "dead"
	}
	return &RedisQueue{client: client, lanes: lanes, leaseTTL: ttl, deadKey: dead}
}

// ForWorker returns a view of q that records holder on every lease it takes.
// The view shares q's connection pool.
func (q *RedisQueue) ForWorker(holder string) *RedisQueue {
	v := *q
	v.holder = holder
	return &v
}

func laneKey(lane string) string { return keyPrefix + "ready:" + lane }
func runKey(taskID string) string { return keyPrefix + "run:" + taskID }

const (
	deferredKey = keyPrefix + "deferred"
	leasedKey   = keyPrefix + "leased"
)

func lane(l string) string {
	if l == "" {
		return defaultLane
	}
	return l
}

func millis(t time.Time) string { return strconv.FormatInt(t.UnixMilli(), 10) }

// Enqueue makes a Task Run available. A runAt in the future defers it until
// PromoteScheduled sees it due.
func (q *RedisQueue) Enqueue(ctx context.Context, taskID, priority string, runAt time.Time) error {
	if runAt.After(time.Now()) {
		return q.Schedule(ctx, taskID, priority, runAt)
	}
	l := lane(priority)
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, runKey(taskID), "lane", l)
		pipe.RPush(ctx, laneKey(l), taskID)
		return nil
	})
	return err
}

// Schedule defers a Task Run until runAt, typically a retry after a lapsed lease.
func (q *RedisQueue) Schedule(ctx context.Context, taskID, priority string, runAt time.Time) error {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, runKey(taskID), "lane", lane(priority))
		pipe.ZAdd(ctx, deferredKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: taskID})
		return nil
	})
	return err
}

// PromoteScheduled moves up to limit due runs onto their lanes and reports
// how many moved.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	n, err := promoteScript.Run(ctx, q.client, []string{deferredKey}, millis(now), limit, keyPrefix, defaultLane).Int()
	if err != nil {
		return 0, fmt.Errorf("promote deferred runs: %w", err)
	}
	return n, nil
}

// DequeueWithLease takes the next Task Run, highest lane first, and leases it
// to this queue's holder. It returns "" when every lane is empty.
func (q *RedisQueue) DequeueWithLease(ctx context.Context) (string, error) {
	keys := make([]string, 0, len(q.lanes)+1)
	keys = append(keys, leasedKey)
	for _, l := range q.lanes {
		keys = append(keys, laneKey(l))
	}
	deadline := time.Now().Add(q.leaseTTL)
	id, err := leaseScript.Run(ctx, q.client, keys, millis(deadline), q.holder, keyPrefix).Text()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lease next run: %w", err)
	}
	return id, nil
}

// ExtendLease moves the lease deadline of a running Task Run to now+extension.
func (q *RedisQueue) ExtendLease(ctx context.Context, taskID string, extension time.Duration) error {
	deadline := time.Now().Add(extension)
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, leasedKey, redis.Z{Score: float64(deadline.UnixMilli()), Member: taskID})
		pipe.HSet(ctx, runKey(taskID), "lease_until", deadline.UnixMilli())
		return nil
	})
	return err
}

// Ack forgets a settled Task Run.
func (q *RedisQueue) Ack(ctx context.Context, taskID string) error {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, leasedKey, taskID)
		pipe.Del(ctx, runKey(taskID))
		return nil
	})
	return err
}

// ReclaimExpired releases up to limit leases whose deadline passed and
// returns their ids. Each lease is released to exactly one caller; the run
// hash is kept so the caller can still read the lane and last holder.
func (q *RedisQueue) ReclaimExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := reclaimScript.Run(ctx, q.client, []string{leasedKey}, millis(now), limit).StringSlice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reclaim lapsed leases: %w", err)
	}
	return ids, nil
}

// Priority returns the lane a Task Run was queued on.
func (q *RedisQueue) Priority(ctx context.Context, taskID string) string {
	l, err := q.client.HGet(ctx, runKey(taskID), "lane").Result()
	if err != nil {
		return defaultLane
	}
	return lane(l)
}

// LeaseOf reports the last lease taken on a Task Run. Holder is empty when
// the run was never leased or was leased anonymously.
func (q *RedisQueue) LeaseOf(ctx context.Context, taskID string) (Lease, error) {
	fields, err := q.client.HGetAll(ctx, runKey(taskID)).Result()
	if err != nil {
		return Lease{}, err
	}
	out := Lease{TaskID: taskID, Lane: lane(fields["lane"]), Holder: fields["holder"]}
	if ms, err := strconv.ParseInt(fields["lease_until"], 10, 64); err == nil {
		out.Deadline = time.UnixMilli(ms)
	}
	return out, nil
}

// Cancel withdraws a Task Run from every lane and set.
func (q *RedisQueue) Cancel(ctx context.Context, taskID string) error {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, l := range q.lanes {
			pipe.LRem(ctx, laneKey(l), 0, taskID)
		}
		pipe.ZRem(ctx, deferredKey, taskID)
		pipe.ZRem(ctx, leasedKey, taskID)
		pipe.Del(ctx, runKey(taskID))
		return nil
	})
	return err
}

// DLQPush records a Task Run that exhausted its lease retries.
func (q *RedisQueue) DLQPush(ctx context.Context, taskID string) error {
	return q.client.RPush(ctx, q.deadKey, taskID).Err()
}

// DLQPeek lists up to count dead-lettered Task Run ids, oldest first.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]string, error) {
	return q.client.LRange(ctx, q.deadKey, 0, count-1).Result()
}

func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}

// ReadyDepth sums the ready lanes.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	var total int64
	for _, l := range q.lanes {
		n, err := q.client.LLen(ctx, laneKey(l)).Result()
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// KEYS[1] leased set, KEYS[2..] lanes in priority order.
// ARGV deadline ms, holder, key prefix.
var leaseScript = redis.NewScript(`
for i = 2, #KEYS do
  local id = redis.call('LPOP', KEYS[i])
  if id then
    redis.call('ZADD', KEYS[1], ARGV[1], id)
    redis.call('HSET', ARGV[3] .. 'run:' .. id, 'holder', ARGV[2], 'lease_until', ARGV[1])
    return id
  end
end
return false
`)

// KEYS[1] deferred set. ARGV now ms, limit, key prefix, default lane.
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, id in ipairs(due) do
  local lane = redis.call('HGET', ARGV[3] .. 'run:' .. id, 'lane')
  if not lane then lane = ARGV[4] end
  redis.call('ZREM', KEYS[1], id)
  redis.call('RPUSH', ARGV[3] .. 'ready:' .. lane, id)
end
return #due
`)

// KEYS[1] leased set. ARGV now ms, limit.
var reclaimScript = redis.NewScript(`
local lapsed = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, id in ipairs(lapsed) do
  redis.call('ZREM', KEYS[1], id)
end
return lapsed
`)
