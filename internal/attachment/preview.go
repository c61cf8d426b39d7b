package attachment

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/storage"
)

// Preview — локальная ссылка на превью изображения. Владелец — плейсхолдер сообщения;
// Release освобождает превью ровно один раз, повторные вызовы ничего не делают.
type Preview struct {
	id    string
	url   string
	store storage.PreviewStore

	once     sync.Once
	released atomic.Bool
}

// NewPreview создаёт ссылку на уже сохранённое превью.
func NewPreview(store storage.PreviewStore, id, url string) *Preview {
	return &Preview{id: id, url: url, store: store}
}

func (p *Preview) ID() string  { return p.id }
func (p *Preview) URL() string { return p.url }

// Released сообщает, было ли превью уже освобождено.
func (p *Preview) Released() bool { return p.released.Load() }

// Release удаляет превью из хранилища. Возвращает true только для вызова, который его освободил.
func (p *Preview) Release() bool {
	freed := false
	p.once.Do(func() {
		freed = true
		p.released.Store(true)
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := p.store.Delete(ctx, p.id); err != nil {
			logger.Errorf("preview release %s: %v", p.id, err)
		}
	})
	return freed
}
