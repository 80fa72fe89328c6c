package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func storeWith(entries ...BlacklistEntry) *HashStore {
	s := NewHashStore()
	s.Install(NewBlacklist(entries, "test"))
	return s
}

func TestContentFilter_Filter(t *testing.T) {
	tracker := []byte("var track = function() {};")
	store := storeWith(
		BlacklistEntry{Hash: strings.Repeat("a", 64), Marker: "0"},
		BlacklistEntry{Hash: HashBytes(tracker), Marker: "7"},
	)
	f := NewContentFilter(store, 0)
	ctx := context.Background()

	t.Run("listed body is dropped", func(t *testing.T) {
		var out bytes.Buffer
		res := f.Filter(ctx, bytes.NewReader(tracker), &out, false)
		assert.True(t, res.Found)
		assert.True(t, res.HasReplacement)
		assert.True(t, res.Blocked)
		assert.Zero(t, out.Len())
	})

	t.Run("unknown body passes verbatim", func(t *testing.T) {
		body := bytes.Repeat([]byte("0123456789"), 10000)
		var out bytes.Buffer
		res := f.Filter(ctx, iotest.OneByteReader(bytes.NewReader(body[:100])), &out, false)
		assert.False(t, res.Blocked)
		assert.Equal(t, body[:100], out.Bytes())

		out.Reset()
		res = f.Filter(ctx, bytes.NewReader(body), &out, false)
		assert.False(t, res.Found)
		assert.Equal(t, int64(len(body)), res.Bytes)
		assert.Equal(t, body, out.Bytes())
		assert.Equal(t, HashBytes(body), res.Hash)
	})

	t.Run("classifier verdict drops unknown body", func(t *testing.T) {
		var out bytes.Buffer
		res := f.Filter(ctx, strings.NewReader("hello"), &out, true)
		assert.False(t, res.Found)
		assert.True(t, res.Blocked)
		assert.Zero(t, out.Len())
	})

	t.Run("empty body", func(t *testing.T) {
		var out bytes.Buffer
		res := f.Filter(ctx, strings.NewReader(""), &out, false)
		assert.False(t, res.Blocked)
		assert.Equal(t, HashBytes(nil), res.Hash)
	})
}

func TestContentFilter_FailOpen(t *testing.T) {
	f := NewContentFilter(storeWith(), 0)

	t.Run("read error writes what arrived", func(t *testing.T) {
		r := io.MultiReader(strings.NewReader("partial"), iotest.ErrReader(errors.New("reset")))
		var out bytes.Buffer
		res := f.Filter(context.Background(), r, &out, true)
		require.Error(t, res.Err)
		assert.False(t, res.Blocked)
		assert.Equal(t, "partial", out.String())
	})

	t.Run("cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		var out bytes.Buffer
		res := f.Filter(ctx, strings.NewReader("body"), &out, true)
		assert.ErrorIs(t, res.Err, context.Canceled)
		assert.False(t, res.Blocked)
	})
}

func TestContentFilter_Oversize(t *testing.T) {
	body := bytes.Repeat([]byte("x"), 100*1024)
	f := NewContentFilter(storeWith(BlacklistEntry{Hash: HashBytes(body)}), 40*1024)

	t.Run("unknown hash streams through", func(t *testing.T) {
		var out bytes.Buffer
		res := f.Filter(context.Background(), bytes.NewReader(body), &out, false)
		assert.True(t, res.Oversize)
		assert.False(t, res.Blocked)
		assert.Empty(t, res.Hash)
		assert.Equal(t, body, out.Bytes())
		assert.Equal(t, int64(len(body)), res.Bytes)
	})

	t.Run("classifier drop still applies", func(t *testing.T) {
		var out bytes.Buffer
		res := f.Filter(context.Background(), bytes.NewReader(body), &out, true)
		assert.True(t, res.Oversize)
		assert.True(t, res.Blocked)
		assert.False(t, res.Found)
		assert.NoError(t, res.Err)
		assert.Zero(t, out.Len())
		assert.Equal(t, int64(len(body)), res.Bytes)
	})
}
