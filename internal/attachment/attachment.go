// Package attachment готовит выбранный файл к отправке: определяет тип содержимого
// и для изображений создаёт локальное превью, которое показывается в плейсхолдере
// до подтверждения сервером.
package attachment

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/chatsync/internal/model"
	"github.com/chatsync/internal/storage"
)

var (
	ErrEmptyFile       = errors.New("file is empty")
	ErrFileTooLarge    = errors.New("file too large")
	ErrTypeNotAllowed  = errors.New("file type not allowed")
	ErrContentMismatch = errors.New("file content does not match type")
)

// BlockedExt — опасные расширения (исполняемые/скрипты). Остальные разрешены.
var BlockedExt = map[string]bool{
	".exe": true, ".sh": true, ".js": true, ".bat": true, ".cmd": true,
	".php": true, ".py": true, ".rb": true,
}

var imageExt = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".webp": true, ".heic": true,
}

// Payload — файл, готовый к передаче в sendFileMessage.
type Payload struct {
	FileName string
	MIME     string
	Size     int64
	Type     model.ContentType
	Data     []byte
	// Preview есть только у изображений.
	Preview *Preview
}

// Reader возвращает содержимое для multipart-запроса.
func (p *Payload) Reader() io.Reader {
	return bytes.NewReader(p.Data)
}

// Preparer превращает файл в Payload.
type Preparer struct {
	store   storage.PreviewStore
	maxSize int64
	ttl     time.Duration
	urlBase string
}

// urlBase: префикс ссылок на превью, например "/api/previews".
func NewPreparer(store storage.PreviewStore, maxSize int64, ttl time.Duration, urlBase string) *Preparer {
	return &Preparer{
		store:   store,
		maxSize: maxSize,
		ttl:     ttl,
		urlBase: strings.TrimSuffix(urlBase, "/"),
	}
}

// Prepare читает файл целиком (не больше maxSize), классифицирует его и для изображений создаёт превью.
func (p *Preparer) Prepare(ctx context.Context, fileName string, r io.Reader) (*Payload, error) {
	// В ряде клиентов пробел в имени приходит как "+".
	name := strings.TrimSpace(strings.ReplaceAll(filepath.Base(fileName), "+", " "))
	ext := strings.ToLower(filepath.Ext(name))
	if BlockedExt[ext] {
		return nil, ErrTypeNotAllowed
	}

	data, err := io.ReadAll(io.LimitReader(r, p.maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("attachment.Prepare read: %w", err)
	}
	if len(data) == 0 {
		return nil, ErrEmptyFile
	}
	if int64(len(data)) > p.maxSize {
		return nil, ErrFileTooLarge
	}

	mt := mimetype.Detect(data)
	mime := mt.String()
	isImage := strings.HasPrefix(mime, "image/")
	if imageExt[ext] && !isImage {
		return nil, ErrContentMismatch
	}

	payload := &Payload{
		FileName: name,
		MIME:     mime,
		Size:     int64(len(data)),
		Type:     Classify(mime),
		Data:     data,
	}
	if payload.Type == model.ContentTypeImage {
		prev, err := p.newPreview(ctx, mime, data)
		if err != nil {
			return nil, err
		}
		payload.Preview = prev
	}
	return payload, nil
}

// Classify сопоставляет MIME-тип с типом сообщения.
func Classify(mime string) model.ContentType {
	if strings.HasPrefix(mime, "image/") {
		return model.ContentTypeImage
	}
	return model.ContentTypeFile
}

func (p *Preparer) newPreview(ctx context.Context, mime string, data []byte) (*Preview, error) {
	id := uuid.New().String()
	if err := p.store.Put(ctx, storage.Preview{ID: id, MIME: mime, Data: data}, p.ttl); err != nil {
		return nil, fmt.Errorf("attachment.Prepare preview: %w", err)
	}
	return &Preview{
		id:    id,
		url:   p.urlBase + "/" + id,
		store: p.store,
	}, nil
}
