package stats

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"
)

func TestCountersConcurrent(t *testing.T) {
	t.Parallel()

	var c Counters
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(ok bool) {
			defer wg.Done()
			c.Record(ok)
		}(i%5 != 0)
	}
	wg.Wait()

	require.Equal(t, Counts{Success: 40, Error: 10, Total: 50}, c.Snapshot())
	require.EqualValues(t, 51, c.Record(true))
}

type fakeRedis struct {
	mu     sync.Mutex
	values map[string]int64
	err    error
}

func (f *fakeRedis) Incr(_ context.Context, key string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return redis.NewIntResult(0, f.err)
	}
	f.values[key]++
	return redis.NewIntResult(f.values[key], nil)
}

func (f *fakeRedis) MGet(_ context.Context, keys ...string) *redis.SliceCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return redis.NewSliceResult(nil, f.err)
	}
	out := make([]interface{}, len(keys))
	for i, k := range keys {
		if v, ok := f.values[k]; ok {
			out[i] = strconv.FormatInt(v, 10)
		}
	}
	return redis.NewSliceResult(out, nil)
}

func TestRedisCounts(t *testing.T) {
	t.Parallel()

	fake := &fakeRedis{values: map[string]int64{}}
	r := NewRedis(fake, "test")
	ctx := context.Background()

	require.NoError(t, r.Record(ctx, true))
	require.NoError(t, r.Record(ctx, true))
	require.NoError(t, r.Record(ctx, false))
	require.EqualValues(t, 2, fake.values["test:success"])

	counts, err := r.Snapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, Counts{Success: 2, Error: 1, Total: 3}, counts)
}

func TestRedisMissingKeysAreZero(t *testing.T) {
	t.Parallel()

	r := NewRedis(&fakeRedis{values: map[string]int64{}}, "")
	counts, err := r.Snapshot(context.Background())
	require.NoError(t, err)
	require.Equal(t, Counts{}, counts)
}

func TestRedisErrors(t *testing.T) {
	t.Parallel()

	boom := errors.New("connection refused")
	r := NewRedis(&fakeRedis{values: map[string]int64{}, err: boom}, "x")

	require.ErrorIs(t, r.Record(context.Background(), true), boom)
	_, err := r.Snapshot(context.Background())
	require.ErrorIs(t, err, boom)
}
