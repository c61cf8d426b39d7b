package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound — превью нет (освобождено или истёк TTL).
var ErrNotFound = errors.New("preview not found")

// Preview — локальная копия вложения для отображения до подтверждения отправки.
type Preview struct {
	ID   string
	MIME string
	Data []byte
}

// PreviewStore — хранилище превью вложений, на которые указывают blob-ссылки плейсхолдеров.
// Реализации: memory.Client (по умолчанию), redis.Client (общий кеш с TTL).
type PreviewStore interface {
	Put(ctx context.Context, p Preview, ttl time.Duration) error
	Get(ctx context.Context, id string) (*Preview, error)
	Delete(ctx context.Context, id string) error
	Close() error
}
