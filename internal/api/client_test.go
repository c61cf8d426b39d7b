package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatsync/internal/model"
)

func TestFetchHistory(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/conversations/c1/messages", r.URL.Path)
		assert.Equal(t, "2", r.URL.Query().Get("page"))
		assert.Equal(t, "10", r.URL.Query().Get("page_size"))
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(model.History{
			Messages: []model.Message{{ID: "m1", ConversationID: "c1", CreatedAt: time.Unix(1, 0)}},
			HasMore:  true,
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", "tok")
	h, err := c.FetchHistory(testContext(t), "c1", 2, 10)
	require.NoError(t, err)
	assert.True(t, h.HasMore)
	require.Len(t, h.Messages, 1)
	assert.Equal(t, "m1", h.Messages[0].ID)
}

func TestSendMessageCarriesCorrelationKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		var req SendRequest
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&req)) {
			return
		}
		assert.Equal(t, "hello", req.Content)
		assert.Equal(t, "ck-1", req.Metadata[model.MetaCorrelationKey])
		_ = json.NewEncoder(w).Encode(model.Message{ID: "m9", Content: req.Content, Status: model.MessageStatusSent, Metadata: req.Metadata})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	m, err := c.SendMessage(testContext(t), "c1", SendRequest{
		Type:     model.ContentTypeText,
		Content:  "hello",
		Metadata: map[string]string{model.MetaCorrelationKey: "ck-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "m9", m.ID)
	assert.Equal(t, "ck-1", m.CorrelationKey())
}

func TestSendFileMessageMultipart(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/conversations/c1/messages/file", r.URL.Path)
		if !assert.NoError(t, r.ParseMultipartForm(1<<20)) {
			return
		}
		f, hdr, err := r.FormFile("file")
		if !assert.NoError(t, err) {
			return
		}
		data, _ := io.ReadAll(f)
		assert.Equal(t, "a.txt", hdr.Filename)
		assert.Equal(t, "payload", string(data))
		assert.Equal(t, "look", r.FormValue("caption"))
		assert.Equal(t, "ck-2", r.FormValue(model.MetaCorrelationKey))
		_ = json.NewEncoder(w).Encode(model.Message{ID: "m10", Type: model.ContentTypeFile})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	m, err := c.SendFileMessage(testContext(t), "c1", FileUpload{
		FileName:       "a.txt",
		Body:           strings.NewReader("payload"),
		Caption:        "look",
		CorrelationKey: "ck-2",
	})
	require.NoError(t, err)
	assert.Equal(t, "m10", m.ID)
}

func TestStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":"not a member"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	err := c.MarkMessageRead(testContext(t), "m1")
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusForbidden, se.Code)
	assert.Equal(t, "not a member", se.Message)
}

func TestMarkMessageReadNoContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/messages/m1/read", r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	assert.NoError(t, NewClient(srv.URL, "").MarkMessageRead(testContext(t), "m1"))
}
