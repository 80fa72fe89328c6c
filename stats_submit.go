/*
File: stats_submit.go
Version: 1.0.0
Description: Posts finished page summaries to the collector. One POST per summary,
             fire-and-forget: failures are logged and counted, never retried.
*/

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

type StatsSubmitter struct {
	url     string
	headers map[string]string
	client  *http.Client
	wg      sync.WaitGroup
}

// NewStatsSubmitter returns nil when no collector is configured.
func NewStatsSubmitter(cfg StatsConfig, resolver *BootstrapResolver) *StatsSubmitter {
	if cfg.SubmitURL == "" {
		return nil
	}
	timeout := cfg.parsedTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &StatsSubmitter{
		url:     cfg.SubmitURL,
		headers: cfg.Headers,
		client:  newHTTPClient(timeout, false, resolver),
	}
}

// Submit posts sum and returns the flush id sent with it.
func (s *StatsSubmitter) Submit(ctx context.Context, pageID string, sum Summary) (string, error) {
	flushID := uuid.New().String()

	payload, err := json.Marshal(sum)
	if err != nil {
		return flushID, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return flushID, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Flush-Id", flushID)
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		metricStatsSubmissions.WithLabelValues("error").Inc()
		return flushID, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		metricStatsSubmissions.WithLabelValues("rejected").Inc()
		return flushID, fmt.Errorf("stats collector returned status %d", resp.StatusCode)
	}
	metricStatsSubmissions.WithLabelValues("ok").Inc()
	if IsDebugEnabled() {
		LogDebug("[STATS] Submitted %s for page %s: %+v", flushID, pageID, sum)
	}
	return flushID, nil
}

// Sink adapts the submitter to the stats engine. Each submission runs in its own
// goroutine so a slow collector never holds up navigation.
func (s *StatsSubmitter) Sink() SummarySink {
	return func(pageID string, sum Summary) {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if flushID, err := s.Submit(context.Background(), pageID, sum); err != nil {
				LogWarn("[STATS] Submission %s for page %s failed: %v", flushID, pageID, err)
			}
		}()
	}
}

// Wait blocks until in-flight submissions finish or ctx ends.
func (s *StatsSubmitter) Wait(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}
