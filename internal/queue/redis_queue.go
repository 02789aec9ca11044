package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue holds the sites waiting for a worker run. A site is queued at
// most once; it may be queued again as soon as a worker has dequeued it.
type RedisQueue struct {
	client        *redis.Client
	readyKey      string
	pendingKey    string
	inflightKey   string
	visibilityTTL time.Duration
}

// NewRedisQueue builds a queue whose keys live under prefix.
func NewRedisQueue(client *redis.Client, prefix string, visibility time.Duration) *RedisQueue {
	if prefix == "" {
		prefix = "importqueue:"
	}
	if visibility == 0 {
		visibility = time.Minute
	}
	return &RedisQueue{
		client:        client,
		readyKey:      prefix + "ready",
		pendingKey:    prefix + "pending",
		inflightKey:   prefix + "inflight",
		visibilityTTL: visibility,
	}
}

// Enqueue schedules a run for siteID unless one is already waiting.
// It reports whether the site was newly queued.
func (q *RedisQueue) Enqueue(ctx context.Context, siteID int64) (bool, error) {
	n, err := enqueueScript.Run(ctx, q.client, []string{q.pendingKey, q.readyKey}, strconv.FormatInt(siteID, 10)).Int64()
	if err != nil {
		return false, fmt.Errorf("enqueue site %d: %w", siteID, err)
	}
	return n == 1, nil
}

// DequeueWithLease pops the next site and tracks it as in flight until Ack.
// ok is false when nothing is waiting.
func (q *RedisQueue) DequeueWithLease(ctx context.Context) (int64, bool, error) {
	res, err := dequeueScript.Run(ctx, q.client,
		[]string{q.readyKey, q.pendingKey, q.inflightKey},
		time.Now().Add(q.visibilityTTL).UnixMilli(),
	).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	raw, ok := res.(string)
	if !ok {
		return 0, false, fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	siteID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("bad site id %q in queue: %w", raw, err)
	}
	return siteID, true, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight site.
func (q *RedisQueue) ExtendLease(ctx context.Context, siteID int64, extension time.Duration) error {
	return q.client.ZAdd(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: strconv.FormatInt(siteID, 10),
	}).Err()
}

// Ack removes a site from in-flight tracking.
func (q *RedisQueue) Ack(ctx context.Context, siteID int64) error {
	return q.client.ZRem(ctx, q.inflightKey, strconv.FormatInt(siteID, 10)).Err()
}

// RequeueExpired puts back sites whose worker stopped extending its lease.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]int64, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if err := q.client.ZRem(ctx, q.inflightKey, id).Err(); err != nil {
			return out, err
		}
		siteID, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			continue
		}
		if _, err := q.Enqueue(ctx, siteID); err != nil {
			return out, err
		}
		out = append(out, siteID)
	}
	return out, nil
}

// Cancel drops a waiting or in-flight site.
func (q *RedisQueue) Cancel(ctx context.Context, siteID int64) error {
	id := strconv.FormatInt(siteID, 10)
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.readyKey, 0, id)
	pipe.SRem(ctx, q.pendingKey, id)
	pipe.ZRem(ctx, q.inflightKey, id)
	_, err := pipe.Exec(ctx)
	return err
}

// ReadyDepth returns how many sites are waiting.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.readyKey).Result()
}

var enqueueScript = redis.NewScript(`
if redis.call('SADD', KEYS[1], ARGV[1]) == 1 then
  redis.call('RPUSH', KEYS[2], ARGV[1])
  return 1
end
return 0
`)

var dequeueScript = redis.NewScript(`
local site = redis.call('LPOP', KEYS[1])
if site then
  redis.call('SREM', KEYS[2], site)
  redis.call('ZADD', KEYS[3], ARGV[1], site)
  return site
end
return nil
`)
