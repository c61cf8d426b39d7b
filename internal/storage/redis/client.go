package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/chatsync/internal/storage"
)

// Ключ preview:{id}, hash {mime, data}, с TTL.
const keyPrefix = "preview:"

type Client struct {
	cli *redis.Client
}

func New(ctx context.Context, url string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis parse url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		if closeErr := cli.Close(); closeErr != nil {
			return nil, fmt.Errorf("redis ping: %w (close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Client{cli: cli}, nil
}

// NewFromClient оборачивает уже созданный клиент (тесты, общий пул).
func NewFromClient(cli *redis.Client) *Client {
	return &Client{cli: cli}
}

func (c *Client) Close() error {
	return c.cli.Close()
}

func (c *Client) Put(ctx context.Context, p storage.Preview, ttl time.Duration) error {
	key := keyPrefix + p.ID
	pipe := c.cli.TxPipeline()
	pipe.HSet(ctx, key, "mime", p.MIME, "data", p.Data)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("previews.Put: %w", err)
	}
	return nil
}

func (c *Client) Get(ctx context.Context, id string) (*storage.Preview, error) {
	vals, err := c.cli.HGetAll(ctx, keyPrefix+id).Result()
	if errors.Is(err, redis.Nil) || (err == nil && len(vals) == 0) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("previews.Get: %w", err)
	}
	return &storage.Preview{ID: id, MIME: vals["mime"], Data: []byte(vals["data"])}, nil
}

func (c *Client) Delete(ctx context.Context, id string) error {
	if err := c.cli.Del(ctx, keyPrefix+id).Err(); err != nil {
		return fmt.Errorf("previews.Delete: %w", err)
	}
	return nil
}
