package main

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exerciseStorage(t *testing.T, s Storage) {
	t.Helper()
	ctx := context.Background()

	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Set(ctx, KeyAllowedHosts, []byte(`["a.io"]`)))
	got, err := s.Get(ctx, KeyAllowedHosts)
	require.NoError(t, err)
	assert.Equal(t, `["a.io"]`, string(got))

	require.NoError(t, s.Set(ctx, KeyAllowedHosts, []byte(`[]`)))
	got, err = s.Get(ctx, KeyAllowedHosts)
	require.NoError(t, err)
	assert.Equal(t, `[]`, string(got))

	require.NoError(t, saveStringList(ctx, s, KeyAllowedURLs, nil))
	list, err := loadStringList(ctx, s, KeyAllowedURLs)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestMemoryStorage(t *testing.T) {
	exerciseStorage(t, NewMemoryStorage())

	t.Run("values are copied", func(t *testing.T) {
		s := NewMemoryStorage()
		v := []byte("abc")
		require.NoError(t, s.Set(context.Background(), "k", v))
		v[0] = 'x'
		got, _ := s.Get(context.Background(), "k")
		assert.Equal(t, "abc", string(got))
	})
}

func TestFileStorage(t *testing.T) {
	s, err := OpenStorage(context.Background(), StorageConfig{Backend: "file", Path: t.TempDir()})
	require.NoError(t, err)
	defer s.Close()
	exerciseStorage(t, s)

	t.Run("rejects path keys", func(t *testing.T) {
		assert.Error(t, s.Set(context.Background(), "../escape", []byte("x")))
		_, err := s.Get(context.Background(), "a/b")
		assert.Error(t, err)
	})

	t.Run("survives reopen", func(t *testing.T) {
		dir := t.TempDir()
		first, err := NewFileStorage(dir)
		require.NoError(t, err)
		require.NoError(t, first.Set(context.Background(), KeyHashDigest, []byte("d1")))

		second, err := NewFileStorage(dir)
		require.NoError(t, err)
		got, err := second.Get(context.Background(), KeyHashDigest)
		require.NoError(t, err)
		assert.Equal(t, "d1", string(got))
	})
}

func TestOpenStorage_Unknown(t *testing.T) {
	_, err := OpenStorage(context.Background(), StorageConfig{Backend: "etcd"})
	assert.Error(t, err)
}

func TestRedisStorage(t *testing.T) {
	addr := os.Getenv("TRACKFILTER_TEST_REDIS")
	if addr == "" {
		t.Skip("TRACKFILTER_TEST_REDIS not set")
	}
	s, err := NewRedisStorage(context.Background(), addr, "trackfilter-test:")
	require.NoError(t, err)
	defer s.Close()
	exerciseStorage(t, s)
}

func TestPostgresStorage(t *testing.T) {
	dsn := os.Getenv("TRACKFILTER_TEST_POSTGRES")
	if dsn == "" {
		t.Skip("TRACKFILTER_TEST_POSTGRES not set")
	}
	s, err := NewPostgresStorage(context.Background(), dsn)
	require.NoError(t, err)
	defer s.Close()
	exerciseStorage(t, s)
}
