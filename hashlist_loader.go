/*
File: hashlist_loader.go
Version: 1.0.0
Description: Fetches the remote content-hash blacklist, installs it and persists it.
             A digest document is compared first; the list itself is only downloaded when the
             digest changed. Any fetch or parse failure keeps the installed list.
*/

package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

var ErrFeedStatus = errors.New("unexpected feed status")

const maxDigestBytes = 4096

type HashlistLoader struct {
	cfg      HashlistConfig
	store    *HashStore
	storage  Storage
	client   *http.Client
	h3Client *http.Client

	mu   sync.Mutex
	etag string
}

func NewHashlistLoader(cfg HashlistConfig, store *HashStore, storage Storage, resolver *BootstrapResolver) *HashlistLoader {
	timeout := cfg.parsedTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HashlistLoader{
		cfg:      cfg,
		store:    store,
		storage:  storage,
		client:   newHTTPClient(timeout, cfg.Insecure, resolver),
		h3Client: newHTTP3Client(timeout, cfg.Insecure),
	}
}

// LoadPersisted installs the list saved by a previous run. A list without its
// digest is still installed but will be refreshed.
func (l *HashlistLoader) LoadPersisted(ctx context.Context) error {
	content, err := l.storage.Get(ctx, KeyHashContent)
	if errors.Is(err, ErrNotFound) {
		LogInfo("[HASHLIST] No persisted blacklist, starting empty")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load persisted blacklist: %w", err)
	}

	digest, err := l.storage.Get(ctx, KeyHashDigest)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("load persisted digest: %w", err)
	}

	entries, stats, err := ParseBlacklist(bytes.NewReader(content))
	if err != nil {
		return fmt.Errorf("parse persisted blacklist: %w", err)
	}
	l.store.Install(NewBlacklist(entries, string(digest)))
	LogInfo("[HASHLIST] Installed persisted blacklist (%d entries, %d malformed)", stats.Kept, stats.Malformed)
	return nil
}

// Refresh compares the remote digest with the installed one and downloads the
// list when they differ. It reports whether a new list was installed.
func (l *HashlistLoader) Refresh(ctx context.Context) (bool, error) {
	if l.cfg.DigestURL == "" || l.cfg.ListURL == "" {
		return false, nil
	}

	remoteDigest, _, err := l.fetch(ctx, l.cfg.DigestURL, maxDigestBytes, false)
	if err != nil {
		metricBlacklistRefresh.WithLabelValues("digest_error").Inc()
		return false, fmt.Errorf("fetch digest: %w", err)
	}
	if remoteDigest == nil {
		metricBlacklistRefresh.WithLabelValues("not_modified").Inc()
		return false, nil
	}

	installed := l.store.Snapshot()
	if installed.Digest() != "" && installed.Digest() == string(remoteDigest) {
		LogInfo("[HASHLIST] Blacklist is up to date (%d entries)", installed.Len())
		metricBlacklistRefresh.WithLabelValues("up_to_date").Inc()
		return false, nil
	}

	LogInfo("[HASHLIST] Digest changed, downloading %s", l.cfg.ListURL)
	body, etag, err := l.fetch(ctx, l.cfg.ListURL, 0, true)
	if err != nil {
		metricBlacklistRefresh.WithLabelValues("list_error").Inc()
		return false, fmt.Errorf("fetch list: %w", err)
	}
	if body == nil {
		metricBlacklistRefresh.WithLabelValues("not_modified").Inc()
		return false, nil
	}

	entries, stats, err := ParseBlacklist(bytes.NewReader(body))
	if err != nil {
		metricBlacklistRefresh.WithLabelValues("parse_error").Inc()
		return false, fmt.Errorf("parse list: %w", err)
	}

	bl := NewBlacklist(entries, string(remoteDigest))
	l.store.Install(bl)
	if etag != "" {
		l.mu.Lock()
		l.etag = etag
		l.mu.Unlock()
	}
	metricBlacklistRefresh.WithLabelValues("installed").Inc()
	LogInfo("[HASHLIST] Installed %d entries (rows: %d, blank: %d, no marker: %d, malformed: %d)",
		stats.Kept, stats.Rows, stats.Blank, stats.NoMarker, stats.Malformed)

	// the digest goes last so an interrupted save is retried on the next start
	if err := l.storage.Set(ctx, KeyHashContent, EncodeBlacklist(bl.Entries())); err != nil {
		LogWarn("[HASHLIST] Failed to persist blacklist: %v", err)
		return true, nil
	}
	if err := l.storage.Set(ctx, KeyHashDigest, remoteDigest); err != nil {
		LogWarn("[HASHLIST] Failed to persist digest: %v", err)
	}
	return true, nil
}

// fetch returns a nil body on 304 Not Modified. The ETag is returned, not stored:
// it is only remembered once the list behind it has been installed.
func (l *HashlistLoader) fetch(ctx context.Context, rawURL string, limit int64, conditional bool) ([]byte, string, error) {
	target, useH3 := splitH3(rawURL)
	client := l.client
	if useH3 {
		client = l.h3Client
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, "", err
	}
	if conditional {
		l.mu.Lock()
		if l.etag != "" {
			req.Header.Set("If-None-Match", l.etag)
		}
		l.mu.Unlock()
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return nil, "", nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("%w: %s returned %d", ErrFeedStatus, target, resp.StatusCode)
	}

	var r io.Reader = resp.Body
	if limit > 0 {
		r = io.LimitReader(resp.Body, limit)
	}
	body, err := io.ReadAll(r)
	if err != nil {
		return nil, "", err
	}
	return body, resp.Header.Get("ETag"), nil
}

// Run refreshes once and then on every refresh interval, if one is configured.
func (l *HashlistLoader) Run(ctx context.Context) {
	if _, err := l.Refresh(ctx); err != nil {
		LogWarn("[HASHLIST] Refresh failed, keeping %d installed entries: %v", l.store.Snapshot().Len(), err)
	}

	interval := l.cfg.parsedRefreshInterval
	if interval <= 0 {
		return
	}
	LogInfo("[HASHLIST] Periodic refresh every %v", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := l.Refresh(ctx); err != nil {
				LogWarn("[HASHLIST] Refresh failed, keeping %d installed entries: %v", l.store.Snapshot().Len(), err)
			}
		}
	}
}
