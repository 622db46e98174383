package memory

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/laoshu133/html2image-cdp/internal/storage"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("content")
	uri, err := store.PutObject(context.Background(), "path/out.png", "image/png", bytes.NewReader(payload))
	require.NoError(t, err)
	assert.Equal(t, "memory://path/out.png", uri)

	payload[0] = 'C'
	data, mime, ok := store.Get("path/out.png")
	require.True(t, ok)
	assert.Equal(t, "content", string(data))
	assert.Equal(t, "image/png", mime)

	_, err = store.PutObject(context.Background(), " ", "", bytes.NewReader(nil))
	assert.Error(t, err)
}

func TestBlobStoreRemoveOlderThan(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	now := time.Unix(1_700_000_000, 0)
	store.now = func() time.Time { return now }
	_, err := store.PutObject(context.Background(), "old", "", bytes.NewReader([]byte("a")))
	require.NoError(t, err)
	now = now.Add(time.Hour)
	_, err = store.PutObject(context.Background(), "new", "", bytes.NewReader([]byte("b")))
	require.NoError(t, err)

	n, err := store.RemoveOlderThan(context.Background(), now.Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, store.Len())
}

func TestBlobStoreHandler(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	_, err := store.PutObject(context.Background(), "a/out.pdf", "application/pdf", bytes.NewReader([]byte("%PDF")))
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	store.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/a/out.pdf", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/pdf", rec.Header().Get("Content-Type"))
	body, _ := io.ReadAll(rec.Body)
	assert.Equal(t, "%PDF", string(body))

	rec = httptest.NewRecorder()
	store.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestShotStore(t *testing.T) {
	t.Parallel()

	store := NewShotStore()
	ctx := context.Background()
	require.NoError(t, store.StoreShot(ctx, storage.ShotRecord{ID: "shot_1", Status: storage.StatusSuccess}))
	require.NoError(t, store.StoreShot(ctx, storage.ShotRecord{ID: "shot_2", Status: storage.StatusError}))
	assert.Error(t, store.StoreShot(ctx, storage.ShotRecord{ID: "shot_1"}))
	assert.Error(t, store.StoreShot(ctx, storage.ShotRecord{}))

	rec, ok := store.Shot("shot_2")
	require.True(t, ok)
	assert.Equal(t, storage.StatusError, rec.Status)

	shots := store.Shots()
	require.Len(t, shots, 2)
	assert.Equal(t, "shot_1", shots[0].ID)
}
