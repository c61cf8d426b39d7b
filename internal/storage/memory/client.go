package memory

import (
	"context"
	"sync"
	"time"

	"github.com/chatsync/internal/storage"
)

type item struct {
	p   storage.Preview
	exp time.Time
}

// Client хранит превью в памяти процесса. При ttl == 0 запись не истекает.
type Client struct {
	mu    sync.RWMutex
	items map[string]item
}

func New() *Client {
	return &Client{items: make(map[string]item)}
}

func (c *Client) Close() error { return nil }

func (c *Client) Put(ctx context.Context, p storage.Preview, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}
	c.items[p.ID] = item{p: p, exp: exp}
	return nil
}

func (c *Client) Get(ctx context.Context, id string) (*storage.Preview, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.items[id]
	if !ok || (!v.exp.IsZero() && time.Now().After(v.exp)) {
		return nil, storage.ErrNotFound
	}
	p := v.p
	return &p, nil
}

func (c *Client) Delete(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, id)
	return nil
}

// Len возвращает число живых превью (для диагностики утечек).
func (c *Client) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	now := time.Now()
	for _, v := range c.items {
		if v.exp.IsZero() || now.Before(v.exp) {
			n++
		}
	}
	return n
}
