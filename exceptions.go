/*
File: exceptions.go
Version: 1.0.0
Description: User exception sets (allowed hosts and exact URLs) and the resolver that decides
             whether a classifier-positive request is allowed.
*/

package main

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
)

type ExceptionSet struct {
	mu    sync.RWMutex
	urls  map[string]struct{}
	hosts map[string]struct{}
}

func NewExceptionSet() *ExceptionSet {
	return &ExceptionSet{
		urls:  make(map[string]struct{}),
		hosts: make(map[string]struct{}),
	}
}

func (e *ExceptionSet) AddURL(u string) {
	e.mu.Lock()
	e.urls[u] = struct{}{}
	e.mu.Unlock()
}

// RemoveURL reports whether u was present.
func (e *ExceptionSet) RemoveURL(u string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.urls[u]
	delete(e.urls, u)
	return ok
}

func (e *ExceptionSet) AddHost(h string) {
	e.mu.Lock()
	e.hosts[h] = struct{}{}
	e.mu.Unlock()
}

func (e *ExceptionSet) RemoveHost(h string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.hosts[h]
	delete(e.hosts, h)
	return ok
}

func (e *ExceptionSet) HasHost(h string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.hosts[h]
	return ok
}

func (e *ExceptionSet) HasURL(u string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.urls[u]
	return ok
}

// Applies checks the host first, then the exact URL.
func (e *ExceptionSet) Applies(host, url string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if _, ok := e.hosts[host]; ok {
		return true
	}
	_, ok := e.urls[url]
	return ok
}

func (e *ExceptionSet) Hosts() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return sortedKeys(e.hosts)
}

func (e *ExceptionSet) URLs() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return sortedKeys(e.urls)
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Load merges persisted exceptions into the set. Missing keys are not an error.
func (e *ExceptionSet) Load(ctx context.Context, s Storage) error {
	urls, err := loadStringList(ctx, s, KeyAllowedURLs)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	hosts, err := loadStringList(ctx, s, KeyAllowedHosts)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	e.mu.Lock()
	for _, u := range urls {
		e.urls[u] = struct{}{}
	}
	for _, h := range hosts {
		e.hosts[h] = struct{}{}
	}
	e.mu.Unlock()
	LogInfo("[EXCEPTIONS] Recovered %d URLs and %d hosts from storage", len(urls), len(hosts))
	return nil
}

func (e *ExceptionSet) SaveURLs(ctx context.Context, s Storage) error {
	return saveStringList(ctx, s, KeyAllowedURLs, e.URLs())
}

func (e *ExceptionSet) SaveHosts(ctx context.Context, s Storage) error {
	return saveStringList(ctx, s, KeyAllowedHosts, e.Hosts())
}

// --- Resolver ---

const (
	resolveSpecialCase   = "special_case"
	resolveWhitelist     = "whitelist"
	resolveExceptionHost = "exception_host"
	resolveExceptionURL  = "exception_url"
	resolveBlocked       = "blocked"
)

// Resolution is the outcome for a classifier-positive request. Flag means the
// request belongs in the page's flagged list.
type Resolution struct {
	Allow  bool   `json:"allow"`
	Flag   bool   `json:"flag"`
	Reason string `json:"reason"`
}

type Resolver struct {
	cases      []SpecialCase
	whitelist  atomic.Pointer[Whitelist]
	exceptions *ExceptionSet
}

func NewResolver(whitelist *Whitelist, exceptions *ExceptionSet) *Resolver {
	r := &Resolver{cases: specialCases, exceptions: exceptions}
	r.whitelist.Store(whitelist)
	return r
}

// SetWhitelist swaps the whitelist used by later Resolve calls.
func (r *Resolver) SetWhitelist(w *Whitelist) { r.whitelist.Store(w) }

func (r *Resolver) Whitelist() *Whitelist { return r.whitelist.Load() }

// Resolve evaluates special cases, then the whitelist, then user exceptions.
func (r *Resolver) Resolve(requestURL, requestHost, pageHost string) Resolution {
	if matchSpecialCase(r.cases, requestURL, requestHost, pageHost) {
		return Resolution{Allow: true, Reason: resolveSpecialCase}
	}
	if r.whitelist.Load().Allows(requestHost) {
		return Resolution{Allow: true, Reason: resolveWhitelist}
	}
	if r.exceptions.HasHost(requestHost) {
		return Resolution{Allow: true, Flag: true, Reason: resolveExceptionHost}
	}
	if r.exceptions.HasURL(requestURL) {
		return Resolution{Allow: true, Flag: true, Reason: resolveExceptionURL}
	}
	return Resolution{Flag: true, Reason: resolveBlocked}
}
