// Package chat keeps the short-lived state of a text conversation: message
// validation and the last few relayed lines of each pairing, which are
// attached to a report as evidence. Nothing here outlives the pairing by
// more than HistoryTTL.
package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// MaxBufferMessages is the number of recent messages retained per pair.
	MaxBufferMessages = 5
	// HistoryTTL bounds how long an abandoned pair's lines survive.
	HistoryTTL = time.Hour

	historyPrefix = "history:"
)

// BufferedMessage is one relayed line.
type BufferedMessage struct {
	From string `json:"from"` // connection id of sender
	Text string `json:"text"`
	Ts   int64  `json:"ts"`
}

// PairKey identifies a pairing independent of which side asks.
func PairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return historyPrefix + a + ":" + b
}

// History stores the last MaxBufferMessages lines per pair in a capped
// Redis list, so either partner's gateway instance sees the whole
// conversation tail.
type History struct {
	rdb *redis.Client
}

// NewHistory creates a History on the given client.
func NewHistory(client *redis.Client) *History {
	return &History{rdb: client}
}

// Add appends a message to the pair's list, dropping the oldest beyond
// MaxBufferMessages.
func (h *History) Add(ctx context.Context, a, b string, msg BufferedMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("chat: marshal message: %w", err)
	}
	key := PairKey(a, b)

	pipe := h.rdb.TxPipeline()
	pipe.RPush(ctx, key, data)
	pipe.LTrim(ctx, key, -MaxBufferMessages, -1)
	pipe.Expire(ctx, key, HistoryTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("chat: add message: %w", err)
	}
	return nil
}

// Get returns the retained messages oldest first. A pair with no history
// yields an empty slice.
func (h *History) Get(ctx context.Context, a, b string) ([]BufferedMessage, error) {
	raw, err := h.rdb.LRange(ctx, PairKey(a, b), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("chat: read history: %w", err)
	}

	result := make([]BufferedMessage, 0, len(raw))
	for _, item := range raw {
		var msg BufferedMessage
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			continue
		}
		result = append(result, msg)
	}
	return result, nil
}

// Remove deletes the pair's history (called when the pairing ends).
func (h *History) Remove(ctx context.Context, a, b string) error {
	if err := h.rdb.Del(ctx, PairKey(a, b)).Err(); err != nil {
		return fmt.Errorf("chat: remove history: %w", err)
	}
	return nil
}
