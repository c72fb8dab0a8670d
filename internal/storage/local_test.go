package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"plantly.app/plantly-server/internal/config"
)

func TestLocalStorageRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocalStorage(LocalConfig{BasePath: t.TempDir()})
	require.NoError(t, err)

	key := "uploads/u1/leaf.jpg"
	_, err = s.Read(ctx, key)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Write(ctx, key, bytes.NewReader([]byte("jpeg")), 4, "image/jpeg"))

	rc, err := s.Read(ctx, key)
	require.NoError(t, err)
	body, err := io.ReadAll(rc)
	rc.Close()
	require.NoError(t, err)
	assert.Equal(t, "jpeg", string(body))

	require.NoError(t, s.Delete(ctx, key))
	_, err = s.Read(ctx, key)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.NoError(t, s.Delete(ctx, key), "deleting a missing key")
}

func TestLocalStorageRejectsTraversal(t *testing.T) {
	s, err := NewLocalStorage(LocalConfig{BasePath: t.TempDir()})
	require.NoError(t, err)

	err = s.Write(context.Background(), "../escape.txt", strings.NewReader("x"), 1, "")
	assert.Error(t, err)
}

func TestImageKey(t *testing.T) {
	now := time.Date(2025, 3, 9, 0, 0, 0, 0, time.UTC)
	key := ImageKey("u1", "Leaf.PNG", "", now)
	assert.True(t, strings.HasPrefix(key, "uploads/u1/2025/03/"))
	assert.True(t, strings.HasSuffix(key, ".png"))

	assert.True(t, strings.HasSuffix(ImageKey("u1", "", "image/webp", now), ".webp"))
}

func TestNewNoneBackend(t *testing.T) {
	s, err := New(context.Background(), config.StorageConfig{Backend: "none"})
	require.NoError(t, err)
	assert.Nil(t, s)
}
