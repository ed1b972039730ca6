// Package statuscache caches recent status snapshots in Redis so a freshly
// connected admin websocket client can be replayed recent history instead of
// waiting for the next broker-side push. It never backs the broker's live
// registry or connection table — those stay in-memory only, by design, so a
// broker restart always starts with an empty routing table.
package statuscache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/quaybridge/pbmapper/internal/logging"
)

const redisKey = "pbmapper:status"

// Store caches a bounded, time-limited backlog of status snapshots.
type Store struct {
	cli       *redis.Client
	retention time.Duration
	maxLen    int64
}

// New returns a Store backed by cli. retention bounds how long a snapshot
// stays replayable; maxLen bounds the list length regardless of age.
func New(cli *redis.Client, retention time.Duration, maxLen int64) *Store {
	if retention < time.Second {
		retention = time.Second
	}
	if maxLen <= 0 {
		maxLen = 200
	}
	return &Store{cli: cli, retention: retention, maxLen: maxLen}
}

// Push appends a snapshot (JSON-encoded status payload) to the backlog.
func (s *Store) Push(ctx context.Context, snapshot []byte) {
	pipe := s.cli.Pipeline()
	pipe.LPush(ctx, redisKey, snapshot)
	pipe.LTrim(ctx, redisKey, 0, s.maxLen-1)
	pipe.Expire(ctx, redisKey, s.retention)
	if _, err := pipe.Exec(ctx); err != nil {
		logging.Sugar().Warnw("statuscache push", "err", err)
	}
}

// ReadAll returns the cached backlog oldest-first.
func (s *Store) ReadAll(ctx context.Context) [][]byte {
	vals, err := s.cli.LRange(ctx, redisKey, 0, -1).Result()
	if err != nil {
		logging.Sugar().Warnw("statuscache read", "err", err)
		return nil
	}
	n := len(vals)
	out := make([][]byte, n)
	for i := 0; i < n; i++ {
		out[i] = []byte(vals[n-1-i])
	}
	return out
}
