package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"chat-relay/internal/conversation"
)

var rootBucket = []byte("conversations")

// Bolt persists every conversation as a nested bucket under "conversations".
// Turn keys are big-endian sequence numbers, so cursor order is commit order.
// bbolt runs one write transaction at a time; an append holds it only for
// the few puts of one exchange.
type Bolt struct {
	db  *bolt.DB
	now func() time.Time
}

func OpenBolt(path string) (*Bolt, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("ensure bolt dir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(rootBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init bolt buckets: %w", err)
	}
	return &Bolt{db: db, now: time.Now}, nil
}

func (b *Bolt) Close() error { return b.db.Close() }

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}

func (b *Bolt) ReadRecent(ctx context.Context, key conversation.Key, limit int) ([]conversation.Turn, error) {
	if err := ctx.Err(); err != nil {
		return nil, wrapUnavailable("read", err)
	}
	if limit <= 0 {
		return nil, nil
	}
	var out []conversation.Turn
	err := b.db.View(func(tx *bolt.Tx) error {
		conv := tx.Bucket(rootBucket).Bucket([]byte(key.String()))
		if conv == nil {
			return nil
		}
		c := conv.Cursor()
		// newest first, reversed below
		for k, v := c.Last(); k != nil && len(out) < limit; k, v = c.Prev() {
			var t conversation.Turn
			if err := json.Unmarshal(v, &t); err != nil {
				return fmt.Errorf("decode turn %d: %w", binary.BigEndian.Uint64(k), err)
			}
			out = append(out, t)
		}
		return nil
	})
	if err != nil {
		return nil, wrapUnavailable("read", err)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (b *Bolt) Append(ctx context.Context, key conversation.Key, turns ...conversation.Turn) ([]conversation.Turn, error) {
	if err := ctx.Err(); err != nil {
		return nil, wrapUnavailable("append", err)
	}
	if len(turns) == 0 {
		return nil, nil
	}
	out := make([]conversation.Turn, len(turns))
	err := b.db.Update(func(tx *bolt.Tx) error {
		conv, err := tx.Bucket(rootBucket).CreateBucketIfNotExists([]byte(key.String()))
		if err != nil {
			return err
		}
		for i, t := range turns {
			seq, err := conv.NextSequence()
			if err != nil {
				return err
			}
			t.Seq = seq
			if t.Timestamp.IsZero() {
				t.Timestamp = b.now().UTC()
			}
			data, err := json.Marshal(t)
			if err != nil {
				return fmt.Errorf("encode turn: %w", err)
			}
			if err := conv.Put(seqKey(seq), data); err != nil {
				return err
			}
			out[i] = t
		}
		return nil
	})
	if err != nil {
		return nil, wrapUnavailable("append", err)
	}
	return out, nil
}

func (b *Bolt) Reset(ctx context.Context, key conversation.Key) error {
	if err := ctx.Err(); err != nil {
		return wrapUnavailable("reset", err)
	}
	err := b.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket(rootBucket)
		if root.Bucket([]byte(key.String())) == nil {
			return nil
		}
		return root.DeleteBucket([]byte(key.String()))
	})
	if err != nil {
		return wrapUnavailable("reset", err)
	}
	return nil
}
