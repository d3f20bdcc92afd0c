package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
)

// RedisPublisher PUBLISHes JSON events on one channel.
type RedisPublisher struct {
	cfg    Config
	client *goredis.Client
	owned  bool
}

// NewRedisPublisher parses cfg.URL (redis://[:password@]host:port[/db]).
func NewRedisPublisher(cfg Config) (*RedisPublisher, error) {
	if cfg.URL == "" {
		return nil, errors.New("redis publisher requires a URL")
	}
	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("redis publisher: invalid URL: %w", err)
	}
	return &RedisPublisher{cfg: withDefaults(cfg), client: goredis.NewClient(opts), owned: true}, nil
}

// NewRedisPublisherFromClient shares an existing client. Close leaves it open.
func NewRedisPublisherFromClient(client *goredis.Client, cfg Config) *RedisPublisher {
	return &RedisPublisher{cfg: withDefaults(cfg), client: client}
}

func withDefaults(cfg Config) Config {
	if cfg.Channel == "" {
		cfg.Channel = DefaultChannel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return cfg
}

func (p *RedisPublisher) Publish(ctx context.Context, ev JobEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("redis: marshal event: %w", err)
	}
	err = retry(ctx, p.cfg.Retries, func() error {
		pubCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
		return p.client.Publish(pubCtx, p.cfg.Channel, body).Err()
	})
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	return nil
}

func (p *RedisPublisher) Close() error {
	if !p.owned {
		return nil
	}
	return p.client.Close()
}
