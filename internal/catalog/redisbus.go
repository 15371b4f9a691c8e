package catalog

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	// VersionChannel carries catalog version announcements.
	VersionChannel = "aiquota:catalog:version"
	// VersionKey holds the latest announced version for late subscribers.
	VersionKey = "aiquota:catalog:version"
)

// RedisBus fans catalog versions out to every process sharing a Redis.
type RedisBus struct {
	client *redis.Client
}

// DialRedis connects using a redis:// URL and verifies the connection.
func DialRedis(ctx context.Context, rawURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// NewRedisBus wraps an open client.
func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{client: client}
}

// Close closes the underlying client.
func (b *RedisBus) Close() error {
	return b.client.Close()
}

// Publish records version and notifies subscribers.
func (b *RedisBus) Publish(ctx context.Context, version int64) error {
	pipe := b.client.TxPipeline()
	pipe.Set(ctx, VersionKey, version, 0)
	pipe.Publish(ctx, VersionChannel, strconv.FormatInt(version, 10))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish catalog version: %w", err)
	}
	return nil
}

// Latest returns the last announced version, 0 if none.
func (b *RedisBus) Latest(ctx context.Context) (int64, error) {
	v, err := b.client.Get(ctx, VersionKey).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read catalog version: %w", err)
	}
	return v, nil
}

// Run invalidates cache on every announcement until ctx is done.
func (b *RedisBus) Run(ctx context.Context, cache *Cache) error {
	sub := b.client.Subscribe(ctx, VersionChannel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", VersionChannel, err)
	}
	if v, err := b.Latest(ctx); err == nil && v > 0 {
		cache.Invalidate(v)
	}

	log.Info().Str("channel", VersionChannel).Msg("Listening for catalog versions")
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			HandleAnnouncement(cache, msg.Payload)
		}
	}
}

// HandleAnnouncement applies one version payload to cache.
func HandleAnnouncement(cache *Cache, payload string) {
	v, err := strconv.ParseInt(payload, 10, 64)
	if err != nil {
		log.Warn().Str("payload", payload).Msg("Ignoring malformed catalog version")
		return
	}
	log.Debug().Int64("version", v).Msg("Catalog version announced")
	cache.Invalidate(v)
}
