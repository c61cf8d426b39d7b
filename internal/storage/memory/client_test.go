package memory

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatsync/internal/storage"
)

func TestClientPutGetDelete(t *testing.T) {
	ctx := testContext(t)
	c := New()

	require.NoError(t, c.Put(ctx, storage.Preview{ID: "p1", MIME: "image/png", Data: []byte{1, 2}}, 0))
	got, err := c.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "image/png", got.MIME)
	assert.Equal(t, []byte{1, 2}, got.Data)
	assert.Equal(t, 1, c.Len())

	require.NoError(t, c.Delete(ctx, "p1"))
	_, err = c.Get(ctx, "p1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Equal(t, 0, c.Len())
}

func TestClientExpiry(t *testing.T) {
	ctx := testContext(t)
	c := New()

	require.NoError(t, c.Put(ctx, storage.Preview{ID: "p1"}, time.Millisecond))
	time.Sleep(5 * time.Millisecond)

	_, err := c.Get(ctx, "p1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
