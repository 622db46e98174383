// Package stats counts finished shots, per process and optionally shared
// across processes through Redis.
package stats

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/go-redis/redis/v8"
)

// Counts is a snapshot of shot outcomes.
type Counts struct {
	Success int64 `json:"success"`
	Error   int64 `json:"error"`
	Total   int64 `json:"total"`
}

// Counters is the in-process tally. The zero value is ready to use.
type Counters struct {
	success atomic.Int64
	failure atomic.Int64
	total   atomic.Int64
}

// Record counts one finished shot and returns the new total.
func (c *Counters) Record(ok bool) int64 {
	if ok {
		c.success.Add(1)
	} else {
		c.failure.Add(1)
	}
	return c.total.Add(1)
}

// Snapshot returns the current counts.
func (c *Counters) Snapshot() Counts {
	return Counts{
		Success: c.success.Load(),
		Error:   c.failure.Load(),
		Total:   c.total.Load(),
	}
}

type redisClient interface {
	Incr(ctx context.Context, key string) *redis.IntCmd
	MGet(ctx context.Context, keys ...string) *redis.SliceCmd
}

// Redis keeps counts under <prefix>:success, <prefix>:error and
// <prefix>:total.
type Redis struct {
	client redisClient
	prefix string
}

// NewRedis wraps a client (usually *redis.Client).
func NewRedis(client redisClient, prefix string) *Redis {
	if prefix == "" {
		prefix = "html2image:shots"
	}
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) key(name string) string { return r.prefix + ":" + name }

// Record counts one finished shot.
func (r *Redis) Record(ctx context.Context, ok bool) error {
	outcome := "error"
	if ok {
		outcome = "success"
	}
	if err := r.client.Incr(ctx, r.key(outcome)).Err(); err != nil {
		return fmt.Errorf("incr %s: %w", r.key(outcome), err)
	}
	if err := r.client.Incr(ctx, r.key("total")).Err(); err != nil {
		return fmt.Errorf("incr %s: %w", r.key("total"), err)
	}
	return nil
}

// Snapshot reads the shared counts. Missing keys count as zero.
func (r *Redis) Snapshot(ctx context.Context) (Counts, error) {
	vals, err := r.client.MGet(ctx, r.key("success"), r.key("error"), r.key("total")).Result()
	if err != nil {
		return Counts{}, fmt.Errorf("mget %s: %w", r.prefix, err)
	}
	out := make([]int64, 3)
	for i, v := range vals {
		if i >= len(out) || v == nil {
			continue
		}
		s, ok := v.(string)
		if !ok {
			return Counts{}, fmt.Errorf("mget %s: unexpected %T", r.prefix, v)
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return Counts{}, fmt.Errorf("mget %s: %w", r.prefix, err)
		}
		out[i] = n
	}
	return Counts{Success: out[0], Error: out[1], Total: out[2]}, nil
}
