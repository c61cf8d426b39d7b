package startup

import (
	"context"
	"time"

	"github.com/chatsync/internal/logger"
	redisstorage "github.com/chatsync/internal/storage/redis"
)

// ConnectRedisWithRetry подключается к Redis с повторами.
// В отличие от основной БД сервиса, Redis для шлюза необязателен: после maxWait
// возвращается ошибка, и вызывающий переключается на хранилище в памяти.
func ConnectRedisWithRetry(ctx context.Context, redisURL string, maxWait time.Duration) (*redisstorage.Client, error) {
	deadline := time.Now().Add(maxWait)
	backoff := 2 * time.Second
	for {
		dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		client, err := redisstorage.New(dialCtx, redisURL)
		cancel()
		if err == nil {
			return client, nil
		}
		if time.Now().After(deadline) {
			logger.Errorf("redis (gave up after %v): %v", maxWait, err)
			return nil, err
		}
		logger.Errorf("redis connect failed, retry in %v: %v", backoff, err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}
