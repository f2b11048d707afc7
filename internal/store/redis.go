package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"chat-relay/internal/conversation"
)

// appendScript bumps the sequence counter and pushes the encoded turns in one
// server-side step. Sequence numbers are patched into the JSON by the script
// so the stored record and the returned seq always agree.
//
// KEYS[1] = seq counter, KEYS[2] = turn list; ARGV = encoded turns with seq 0.
var appendScript = redis.NewScript(`
local n = #ARGV
local last = redis.call('INCRBY', KEYS[1], n)
local first = last - n + 1
for i = 1, n do
  local t = cjson.decode(ARGV[i])
  t['seq'] = first + i - 1
  redis.call('RPUSH', KEYS[2], cjson.encode(t))
end
return first
`)

// Redis stores a conversation as a list of JSON turns plus a counter key.
// Both live under the same hash tag so the script also runs on a cluster.
type Redis struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

func NewRedis(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = "chat-relay"
	}
	return &Redis{client: client, prefix: prefix, now: time.Now}
}

func (r *Redis) keys(key conversation.Key) (seq, list string) {
	base := fmt.Sprintf("%s:conv:{%s}", r.prefix, key.String())
	return base + ":seq", base + ":turns"
}

func (r *Redis) ReadRecent(ctx context.Context, key conversation.Key, limit int) ([]conversation.Turn, error) {
	if limit <= 0 {
		return nil, nil
	}
	_, list := r.keys(key)
	raw, err := r.client.LRange(ctx, list, int64(-limit), -1).Result()
	if err != nil {
		return nil, wrapUnavailable("read", err)
	}
	out := make([]conversation.Turn, 0, len(raw))
	for _, s := range raw {
		var t conversation.Turn
		if err := json.Unmarshal([]byte(s), &t); err != nil {
			return nil, wrapUnavailable("read", fmt.Errorf("decode turn: %w", err))
		}
		out = append(out, t)
	}
	return out, nil
}

func (r *Redis) Append(ctx context.Context, key conversation.Key, turns ...conversation.Turn) ([]conversation.Turn, error) {
	if len(turns) == 0 {
		return nil, nil
	}
	out := make([]conversation.Turn, len(turns))
	args := make([]any, len(turns))
	for i, t := range turns {
		t.Seq = 0
		if t.Timestamp.IsZero() {
			t.Timestamp = r.now().UTC()
		}
		data, err := json.Marshal(t)
		if err != nil {
			return nil, fmt.Errorf("encode turn: %w", err)
		}
		out[i] = t
		args[i] = string(data)
	}
	seq, list := r.keys(key)
	first, err := appendScript.Run(ctx, r.client, []string{seq, list}, args...).Int64()
	if err != nil {
		return nil, wrapUnavailable("append", err)
	}
	for i := range out {
		out[i].Seq = uint64(first) + uint64(i)
	}
	return out, nil
}

func (r *Redis) Reset(ctx context.Context, key conversation.Key) error {
	seq, list := r.keys(key)
	if err := r.client.Del(ctx, seq, list).Err(); err != nil {
		return wrapUnavailable("reset", err)
	}
	return nil
}

func (r *Redis) Close() error { return r.client.Close() }
