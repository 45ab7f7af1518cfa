// ABOUTME: Redis pub/sub mirror for broadcast room events
// ABOUTME: Publishes JSON envelopes to <prefix><roomID>; Nop is used when mirroring is disabled

package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Event is the JSON body published for each mirrored room event.
type Event struct {
	RoomID  string          `json:"roomId"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
	At      time.Time       `json:"ts"`
}

// Publisher receives every event broadcast to a room.
type Publisher interface {
	Publish(ctx context.Context, roomID, eventType string, payload any) error
	Close() error
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, string, string, any) error { return nil }
func (Nop) Close() error                                         { return nil }

// redisClient is the subset of *redis.Client the mirror uses.
type redisClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

// RedisMirror publishes room events to Redis channels.
type RedisMirror struct {
	client redisClient
	prefix string
	now    func() time.Time
	logger *slog.Logger
}

// NewRedisMirror connects to addr and verifies the connection with PING.
func NewRedisMirror(ctx context.Context, addr, prefix string, logger *slog.Logger) (*RedisMirror, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	m := newRedisMirror(client, prefix, logger)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", addr, err)
	}
	m.logger.Info("redis mirror connected", "addr", addr, "prefix", prefix)
	return m, nil
}

func newRedisMirror(client redisClient, prefix string, logger *slog.Logger) *RedisMirror {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisMirror{
		client: client,
		prefix: prefix,
		now:    time.Now,
		logger: logger.With("component", "mirror"),
	}
}

// Channel returns the pub/sub channel for a room.
func (m *RedisMirror) Channel(roomID string) string {
	return m.prefix + roomID
}

// Publish marshals payload into an Event and publishes it to the room channel.
func (m *RedisMirror) Publish(ctx context.Context, roomID, eventType string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling %s payload: %w", eventType, err)
	}
	data, err := json.Marshal(Event{RoomID: roomID, Type: eventType, Payload: raw, At: m.now().UTC()})
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}

	if err := m.client.Publish(ctx, m.Channel(roomID), data).Err(); err != nil {
		return fmt.Errorf("publishing to %s: %w", m.Channel(roomID), err)
	}
	return nil
}

// Close closes the Redis client.
func (m *RedisMirror) Close() error {
	return m.client.Close()
}

var (
	_ Publisher = Nop{}
	_ Publisher = (*RedisMirror)(nil)
)
