// Package redisbus implements broadcast.Broadcaster on Redis pub/sub so
// multiple server nodes can fan out to browsers connected anywhere.
// Pub/sub (rather than streams) matches the Broadcaster contract: live
// fan-out with no replay.
package redisbus

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/ben-mad-jlp/claude-mermaid-collab/broadcast"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

// Config contains configuration options for the Redis bus.
type Config struct {
	// URL is a redis connection string, e.g. redis://localhost:6379/0.
	URL string `env:"MERMAID_COLLAB_REDIS_URL,default=redis://localhost:6379/0"`
	// KeyPrefix is prepended to every channel name. Defaults to "collab:bus:".
	KeyPrefix string `env:"MERMAID_COLLAB_REDIS_PREFIX,default=collab:bus:"`
	// DialTimeout bounds initial connection establishment.
	DialTimeout time.Duration `env:"MERMAID_COLLAB_REDIS_DIAL_TIMEOUT,default=5s"`
}

// Bus is a Redis pub/sub backed broadcaster.
type Bus struct {
	client    redis.UniversalClient
	keyPrefix string
	ownsConn  bool
}

var _ broadcast.Broadcaster = (*Bus)(nil)

// New builds a Bus from explicit config.
func New(cfg Config) (*Bus, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "collab:bus:"
	}
	return &Bus{client: redis.NewClient(opts), keyPrefix: prefix, ownsConn: true}, nil
}

// NewFromEnv builds a Bus from MERMAID_COLLAB_REDIS_* environment variables.
func NewFromEnv() (*Bus, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode redis config: %w", err)
	}
	return New(cfg)
}

// NewWithClient wraps an existing client; Close will not close it.
func NewWithClient(client redis.UniversalClient, keyPrefix string) *Bus {
	if keyPrefix == "" {
		keyPrefix = "collab:bus:"
	}
	return &Bus{client: client, keyPrefix: keyPrefix}
}

func (b *Bus) channelKey(channel string) string {
	return b.keyPrefix + channel
}

func (b *Bus) Publish(ctx context.Context, channel string, data []byte) error {
	if err := b.client.Publish(ctx, b.channelKey(channel), data).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", channel, err)
	}
	return nil
}

func (b *Bus) Subscribe(ctx context.Context, channel string) (broadcast.Subscription, error) {
	ps := b.client.Subscribe(ctx, b.channelKey(channel))
	// Force the subscription onto the wire before returning so a publish
	// issued after Subscribe returns is observable.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}
	return &subscription{ps: ps, ch: ps.Channel()}, nil
}

func (b *Bus) Close() error {
	if !b.ownsConn {
		return nil
	}
	return b.client.Close()
}

type subscription struct {
	ps *redis.PubSub
	ch <-chan *redis.Message
}

func (s *subscription) Next(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg, ok := <-s.ch:
		if !ok {
			return nil, io.EOF
		}
		return []byte(msg.Payload), nil
	}
}

func (s *subscription) Close() error {
	return s.ps.Close()
}
