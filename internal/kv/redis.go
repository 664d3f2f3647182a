package kv

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisClient implements Client over github.com/redis/go-redis/v9, the
// library grounded in the retrieved pack's go-redis-work-queue and
// 0g-sandbox manifests for exactly this shared-lease/event-buffer role.
type RedisClient struct {
	rdb *redis.Client
}

func NewRedisClient(addr, password string, db int) *RedisClient {
	return &RedisClient{rdb: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

func slotKey(nodeID string, slot int) string {
	return fmt.Sprintf("slot:%s:%d", nodeID, slot)
}

func (c *RedisClient) AcquireSlotLease(ctx context.Context, nodeID string, slot int, sandboxID string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, slotKey(nodeID, slot), sandboxID, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire slot lease: %w", err)
	}
	return ok, nil
}

func (c *RedisClient) ReleaseSlotLease(ctx context.Context, nodeID string, slot int) error {
	if err := c.rdb.Del(ctx, slotKey(nodeID, slot)).Err(); err != nil {
		return fmt.Errorf("release slot lease: %w", err)
	}
	return nil
}

func (c *RedisClient) RenewSlotLease(ctx context.Context, nodeID string, slot int, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.Expire(ctx, slotKey(nodeID, slot), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("renew slot lease: %w", err)
	}
	return ok, nil
}

// rateLimitScript implements a fixed-window counter atomically: increment,
// set expiry on first hit in the window, and report whether the caller is
// within limit. Decrement-on-allow is naturally satisfied because a denied
// request still increments, but the limit check happens before the caller
// acts on an "allowed" result, so capacity is never oversold beyond limit.
var rateLimitScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {count, ttl}
`)

func (c *RedisClient) CheckRateLimit(ctx context.Context, orgID, category string, limit int, window time.Duration) (RateLimitResult, error) {
	key := fmt.Sprintf("ratelimit:%s:%s:%d", orgID, category, window/time.Second)
	res, err := rateLimitScript.Run(ctx, c.rdb, []string{key}, window.Milliseconds()).Result()
	if err != nil {
		return RateLimitResult{}, fmt.Errorf("check rate limit: %w", err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return RateLimitResult{}, fmt.Errorf("check rate limit: unexpected script result")
	}
	count := vals[0].(int64)
	ttlMs := vals[1].(int64)
	if ttlMs < 0 {
		ttlMs = window.Milliseconds()
	}

	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return RateLimitResult{
		Allowed:   count <= int64(limit),
		Remaining: remaining,
		ResetAt:   time.Now().Add(time.Duration(ttlMs) * time.Millisecond),
	}, nil
}

func execEventsKey(execID string) string   { return fmt.Sprintf("exec:%s:events", execID) }
func replayEventsKey(sandboxID string) string { return fmt.Sprintf("replay:%s:events", sandboxID) }

const eventBufferCap = 10000

func (c *RedisClient) pushEvent(ctx context.Context, key string, event ExecEvent, ttl time.Duration) error {
	raw, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	pipe := c.rdb.TxPipeline()
	pipe.RPush(ctx, key, raw)
	pipe.LTrim(ctx, key, -eventBufferCap, -1)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("push event: %w", err)
	}
	return nil
}

func (c *RedisClient) getEvents(ctx context.Context, key string, afterSeq int64) ([]ExecEvent, error) {
	raws, err := c.rdb.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("get events: %w", err)
	}
	out := make([]ExecEvent, 0, len(raws))
	for _, raw := range raws {
		var ev ExecEvent
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			return nil, fmt.Errorf("unmarshal event: %w", err)
		}
		if ev.Seq > afterSeq {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (c *RedisClient) PushExecEvent(ctx context.Context, execID string, event ExecEvent, ttl time.Duration) error {
	return c.pushEvent(ctx, execEventsKey(execID), event, ttl)
}

func (c *RedisClient) GetExecEvents(ctx context.Context, execID string, afterSeq int64) ([]ExecEvent, error) {
	return c.getEvents(ctx, execEventsKey(execID), afterSeq)
}

func (c *RedisClient) PushReplayEvent(ctx context.Context, sandboxID string, event ExecEvent, ttl time.Duration) error {
	return c.pushEvent(ctx, replayEventsKey(sandboxID), event, ttl)
}

func (c *RedisClient) GetReplayEvents(ctx context.Context, sandboxID string, afterSeq int64) ([]ExecEvent, error) {
	return c.getEvents(ctx, replayEventsKey(sandboxID), afterSeq)
}

func artifactPathsKey(sandboxID string) string { return fmt.Sprintf("artifactPaths:%s", sandboxID) }

func (c *RedisClient) AddArtifactPaths(ctx context.Context, sandboxID string, paths []string) (int, error) {
	if len(paths) == 0 {
		return 0, nil
	}
	members := make([]interface{}, len(paths))
	for i, p := range paths {
		members[i] = p
	}
	added, err := c.rdb.SAdd(ctx, artifactPathsKey(sandboxID), members...).Result()
	if err != nil {
		return 0, fmt.Errorf("add artifact paths: %w", err)
	}
	return int(added), nil
}

func (c *RedisClient) GetArtifactPaths(ctx context.Context, sandboxID string) ([]string, error) {
	paths, err := c.rdb.SMembers(ctx, artifactPathsKey(sandboxID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get artifact paths: %w", err)
	}
	return paths, nil
}

func (c *RedisClient) CountArtifactPaths(ctx context.Context, sandboxID string) (int, error) {
	n, err := c.rdb.SCard(ctx, artifactPathsKey(sandboxID)).Result()
	if err != nil {
		return 0, fmt.Errorf("count artifact paths: %w", err)
	}
	return int(n), nil
}

func (c *RedisClient) AcquireLeaderLock(ctx context.Context, workerName, instanceID string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, "leader:"+workerName, instanceID, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire leader lock: %w", err)
	}
	return ok, nil
}

func (c *RedisClient) RegisterNodeHeartbeat(ctx context.Context, nodeID string, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, "heartbeat:"+nodeID, "1", ttl).Err(); err != nil {
		return fmt.Errorf("register node heartbeat: %w", err)
	}
	return nil
}

func (c *RedisClient) HasNodeHeartbeat(ctx context.Context, nodeID string) (bool, error) {
	n, err := c.rdb.Exists(ctx, "heartbeat:"+nodeID).Result()
	if err != nil {
		return false, fmt.Errorf("has node heartbeat: %w", err)
	}
	return n > 0, nil
}

func (c *RedisClient) MarkTTLWarned(ctx context.Context, sandboxID string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, "ttl_warned:"+sandboxID, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("mark ttl warned: %w", err)
	}
	return ok, nil
}

func (c *RedisClient) Ping(ctx context.Context) (bool, error) {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return false, nil
	}
	return true, nil
}
