package session

import (
	"context"
	"strconv"
)

// Store persists State between process restarts, so a restarted shard can
// resume instead of identifying again.
// Implementations must be safe for concurrent use by several engines.
type Store interface {
	// Load returns the state saved under key and whether it exists.
	Load(ctx context.Context, key string) (State, bool, error)
	Save(ctx context.Context, key string, st State) error
	Delete(ctx context.Context, key string) error
}

// Key names the stored state of one shard. Shards of different shard
// counts never share state because a resharded session cannot resume.
func Key(shardID, shardCount int) string {
	return "shard:" + strconv.Itoa(shardID) + "/" + strconv.Itoa(shardCount)
}
