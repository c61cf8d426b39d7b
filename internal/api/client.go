// Package api — клиент внешнего сервиса сообщений (история, отправка, прочтение).
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/model"
)

// StatusError — сервис ответил не-2xx.
type StatusError struct {
	Op      string
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: status %d: %s", e.Op, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: status %d", e.Op, e.Code)
}

// SendRequest — тело sendMessage.
type SendRequest struct {
	Type      model.ContentType `json:"type"`
	Content   string            `json:"content"`
	ReplyToID *string           `json:"reply_to_id,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// FileUpload — файл для sendFileMessage.
type FileUpload struct {
	FileName       string
	MIME           string
	Body           io.Reader
	Caption        string
	CorrelationKey string
}

// Client вызывает REST API сервиса сообщений от имени пользователя с bearer-токеном.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// GetConversation возвращает существующий диалог. Диалоги здесь не создаются.
func (c *Client) GetConversation(ctx context.Context, conversationID string) (*model.Conversation, error) {
	var conv model.Conversation
	path := "/api/conversations/" + url.PathEscape(conversationID)
	if err := c.doJSON(ctx, "api.GetConversation", http.MethodGet, path, nil, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

// FetchHistory возвращает страницу истории (page с 1, от новых к старым).
func (c *Client) FetchHistory(ctx context.Context, conversationID string, page, pageSize int) (*model.History, error) {
	defer logger.DeferLogDuration("api.FetchHistory", time.Now())()
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("page_size", strconv.Itoa(pageSize))
	path := "/api/conversations/" + url.PathEscape(conversationID) + "/messages?" + q.Encode()
	var h model.History
	if err := c.doJSON(ctx, "api.FetchHistory", http.MethodGet, path, nil, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

func (c *Client) SendMessage(ctx context.Context, conversationID string, req SendRequest) (*model.Message, error) {
	defer logger.DeferLogDuration("api.SendMessage", time.Now())()
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("api.SendMessage marshal: %w", err)
	}
	var m model.Message
	path := "/api/conversations/" + url.PathEscape(conversationID) + "/messages"
	if err := c.doJSON(ctx, "api.SendMessage", http.MethodPost, path, bytes.NewReader(body), &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (c *Client) SendFileMessage(ctx context.Context, conversationID string, f FileUpload) (*model.Message, error) {
	defer logger.DeferLogDuration("api.SendFileMessage", time.Now())()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", f.FileName)
	if err != nil {
		return nil, fmt.Errorf("api.SendFileMessage form: %w", err)
	}
	if _, err := io.Copy(part, f.Body); err != nil {
		return nil, fmt.Errorf("api.SendFileMessage copy: %w", err)
	}
	if f.Caption != "" {
		_ = mw.WriteField("caption", f.Caption)
	}
	if f.CorrelationKey != "" {
		_ = mw.WriteField(model.MetaCorrelationKey, f.CorrelationKey)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("api.SendFileMessage close: %w", err)
	}

	path := "/api/conversations/" + url.PathEscape(conversationID) + "/messages/file"
	req, err := c.newRequest(ctx, http.MethodPost, path, &buf)
	if err != nil {
		return nil, fmt.Errorf("api.SendFileMessage: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	var m model.Message
	if err := c.do(req, "api.SendFileMessage", &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (c *Client) MarkMessageRead(ctx context.Context, messageID string) error {
	path := "/api/messages/" + url.PathEscape(messageID) + "/read"
	return c.doJSON(ctx, "api.MarkMessageRead", http.MethodPost, path, nil, nil)
}

func (c *Client) doJSON(ctx context.Context, op, method, path string, body io.Reader, out any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, op, out)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, op string, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&errResp)
		return &StatusError{Op: op, Code: resp.StatusCode, Message: errResp.Error}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s decode: %w", op, err)
	}
	return nil
}
