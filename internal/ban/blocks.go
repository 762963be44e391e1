package ban

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	blockPrefix = "block:"

	// BlockTTL is how long a report keeps two connections apart.
	BlockTTL = 24 * time.Hour
)

// BlockStore records pairs of connections that must not be matched again.
type BlockStore struct {
	client *redis.Client
}

// NewBlockStore creates a BlockStore on the given Redis client.
func NewBlockStore(client *redis.Client) *BlockStore {
	return &BlockStore{client: client}
}

func blockKey(reporter, reported string) string {
	return blockPrefix + reporter + ":" + reported
}

// Block keeps reporter and reported apart for BlockTTL.
func (b *BlockStore) Block(ctx context.Context, reporter, reported string) error {
	if err := b.client.Set(ctx, blockKey(reporter, reported), "1", BlockTTL).Err(); err != nil {
		return fmt.Errorf("ban: block: %w", err)
	}
	return nil
}

// Blocked reports whether either connection has blocked the other.
func (b *BlockStore) Blocked(ctx context.Context, x, y string) (bool, error) {
	n, err := b.client.Exists(ctx, blockKey(x, y), blockKey(y, x)).Result()
	if err != nil {
		return false, fmt.Errorf("ban: blocked: %w", err)
	}
	return n > 0, nil
}
