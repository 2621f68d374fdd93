package store

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/astromechza/listmap/pkg/wire"
)

// appendScript returns {seq, duplicate}. The frame list is dense, so a frame's sequence is its list index plus one.
var appendScript = redis.NewScript(`
local existing = redis.call('HGET', KEYS[2], ARGV[1])
if existing then
	return {tonumber(existing), 1}
end
local seq = redis.call('INCR', KEYS[1])
redis.call('HSET', KEYS[2], ARGV[1], seq)
redis.call('RPUSH', KEYS[3], ARGV[2])
return {seq, 0}
`)

type Redis struct {
	rdb *redis.Client
}

func OpenRedis(ctx context.Context, dsn string) (*Redis, error) {
	opts, err := redis.ParseURL(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if _, err := rdb.Ping(ctx).Result(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("could not connect to Redis: %w", err)
	}
	return &Redis{rdb: rdb}, nil
}

func redisKeys(channel string) []string {
	prefix := "listmap:{" + channel + "}:"
	return []string{prefix + "seq", prefix + "ids", prefix + "frames"}
}

func (r *Redis) Append(ctx context.Context, channel, id string, payload []byte) (uint64, bool, error) {
	raw, err := wire.Marshal(wire.Frame{ID: id, Payload: payload})
	if err != nil {
		return 0, false, err
	}
	res, err := appendScript.Run(ctx, r.rdb, redisKeys(channel), id, raw).Int64Slice()
	if err != nil {
		return 0, false, fmt.Errorf("failed to append: %w", err)
	}
	if len(res) != 2 {
		return 0, false, fmt.Errorf("unexpected append result %v", res)
	}
	return uint64(res[0]), res[1] == 1, nil
}

func (r *Redis) Since(ctx context.Context, channel string, after uint64) ([]wire.Frame, error) {
	items, err := r.rdb.LRange(ctx, redisKeys(channel)[2], int64(after), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read frames: %w", err)
	}
	out := make([]wire.Frame, 0, len(items))
	for i, item := range items {
		var f wire.Frame
		if err := wire.Unmarshal([]byte(item), &f); err != nil {
			return nil, fmt.Errorf("failed to decode frame %d: %w", after+uint64(i)+1, err)
		}
		f.Seq = after + uint64(i) + 1
		out = append(out, f)
	}
	return out, nil
}

func (r *Redis) Head(ctx context.Context, channel string) (uint64, error) {
	n, err := r.rdb.LLen(ctx, redisKeys(channel)[2]).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read head: %w", err)
	}
	return uint64(n), nil
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}
