package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu      sync.Mutex
	bodies  []map[string]int
	headers []http.Header
	status  int
}

func (c *collector) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)
	var body map[string]int
	_ = json.Unmarshal(raw, &body)
	c.mu.Lock()
	c.bodies = append(c.bodies, body)
	c.headers = append(c.headers, r.Header.Clone())
	status := c.status
	c.mu.Unlock()
	if status == 0 {
		status = http.StatusNoContent
	}
	w.WriteHeader(status)
}

func TestStatsSubmitter_Submit(t *testing.T) {
	col := &collector{}
	srv := httptest.NewServer(col)
	defer srv.Close()

	s := NewStatsSubmitter(StatsConfig{SubmitURL: srv.URL, Headers: map[string]string{"Authorization": "Bearer k"}}, nil)
	require.NotNil(t, s)

	flushID, err := s.Submit(context.Background(), "1", Summary{Total: 3, Blocked: 2, BlockedDTBHash: 1})
	require.NoError(t, err)
	_, err = uuid.Parse(flushID)
	assert.NoError(t, err)

	col.mu.Lock()
	require.Len(t, col.bodies, 1)
	assert.Equal(t, 3, col.bodies[0]["total"])
	assert.Equal(t, 2, col.bodies[0]["blocked"])
	assert.Equal(t, 1, col.bodies[0]["blockedDTBhash"])
	assert.Equal(t, 0, col.bodies[0]["blockedDTBhashublock"])
	assert.Equal(t, flushID, col.headers[0].Get("X-Flush-Id"))
	assert.Equal(t, "application/json", col.headers[0].Get("Content-Type"))
	assert.Equal(t, "Bearer k", col.headers[0].Get("Authorization"))
	col.mu.Unlock()

	t.Run("rejected", func(t *testing.T) {
		col.mu.Lock()
		col.status = http.StatusBadGateway
		col.mu.Unlock()
		_, err := s.Submit(context.Background(), "1", Summary{Total: 1})
		assert.Error(t, err)
	})
}

func TestStatsSubmitter_Sink(t *testing.T) {
	col := &collector{}
	srv := httptest.NewServer(col)
	defer srv.Close()

	s := NewStatsSubmitter(StatsConfig{SubmitURL: srv.URL}, nil)
	sink := s.Sink()
	sink("1", Summary{Total: 1})
	sink("2", Summary{Total: 2})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Wait(ctx)

	col.mu.Lock()
	defer col.mu.Unlock()
	assert.Len(t, col.bodies, 2)
	assert.NotEqual(t, col.headers[0].Get("X-Flush-Id"), col.headers[1].Get("X-Flush-Id"))
}

func TestStatsSubmitter_Unconfigured(t *testing.T) {
	assert.Nil(t, NewStatsSubmitter(StatsConfig{}, nil))
}
