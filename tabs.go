/*
File: tabs.go
Version: 1.0.0
Description: Per-page context store. Tracks the page host, its base domain and the list of
             flagged requests shown to the user. Sharded by page id.
*/

package main

import (
	"hash/maphash"
	"net"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/publicsuffix"
)

const (
	BaseDomainLabels = "labels"
	BaseDomainETLD1  = "etld1"

	tabShardCount = 64
)

type FlaggedRequest struct {
	URL   string `json:"url"`
	Host  string `json:"host"`
	Check bool   `json:"check"`
}

// TabContext is a point-in-time copy of a page's state.
type TabContext struct {
	PageID     string           `json:"page_id"`
	URL        string           `json:"url"`
	Host       string           `json:"host"`
	BaseDomain string           `json:"base_domain"`
	Flagged    []FlaggedRequest `json:"flagged"`
	CreatedAt  time.Time        `json:"created_at"`
}

type tabState struct {
	ctx   TabContext
	index map[string]int // flagged URL -> position
}

func (s *tabState) snapshot() TabContext {
	c := s.ctx
	c.Flagged = append([]FlaggedRequest(nil), s.ctx.Flagged...)
	return c
}

type tabShard struct {
	sync.Mutex
	tabs map[string]*tabState
}

type TabStore struct {
	shards     [tabShardCount]*tabShard
	seed       maphash.Seed
	baseDomain func(host string) string
	current    atomic.Pointer[string]
}

func NewTabStore(mode string) *TabStore {
	s := &TabStore{seed: maphash.MakeSeed(), baseDomain: baseDomainLabels}
	if mode == BaseDomainETLD1 {
		s.baseDomain = baseDomainETLD1
	}
	for i := range s.shards {
		s.shards[i] = &tabShard{tabs: make(map[string]*tabState)}
	}
	return s
}

func (s *TabStore) getShard(pageID string) *tabShard {
	return s.shards[maphash.String(s.seed, pageID)&(tabShardCount-1)]
}

// baseDomainLabels keeps the last two dot-separated labels.
func baseDomainLabels(host string) string {
	host = strings.TrimSuffix(host, ".")
	if net.ParseIP(host) != nil {
		return host
	}
	labels := strings.Split(host, ".")
	if len(labels) < 2 {
		return host
	}
	return labels[len(labels)-2] + "." + labels[len(labels)-1]
}

func baseDomainETLD1(host string) string {
	host = strings.TrimSuffix(host, ".")
	if net.ParseIP(host) != nil {
		return host
	}
	if d, err := publicsuffix.EffectiveTLDPlusOne(host); err == nil {
		return d
	}
	return baseDomainLabels(host)
}

// hostOf returns the lowercase hostname of raw, or false for URLs without one
// (local files, about: pages, garbage).
func hostOf(raw string) (string, bool) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", false
	}
	h := strings.ToLower(u.Hostname())
	return h, h != ""
}

func (s *TabStore) newState(pageID, pageURL string) (*tabState, bool) {
	host, ok := hostOf(pageURL)
	if !ok {
		return nil, false
	}
	return &tabState{
		ctx: TabContext{
			PageID:     pageID,
			URL:        pageURL,
			Host:       host,
			BaseDomain: s.baseDomain(host),
			CreatedAt:  time.Now(),
		},
		index: make(map[string]int),
	}, true
}

// Ensure returns the page context, creating it from pageURL when missing.
func (s *TabStore) Ensure(pageID, pageURL string) (TabContext, bool) {
	shard := s.getShard(pageID)
	shard.Lock()
	defer shard.Unlock()
	if st, ok := shard.tabs[pageID]; ok {
		return st.snapshot(), true
	}
	st, ok := s.newState(pageID, pageURL)
	if !ok {
		return TabContext{}, false
	}
	shard.tabs[pageID] = st
	metricTrackedTabs.Inc()
	return st.snapshot(), true
}

// Navigate replaces the context wholesale. An unusable URL leaves the page opaque.
func (s *TabStore) Navigate(pageID, pageURL string) (TabContext, bool) {
	shard := s.getShard(pageID)
	shard.Lock()
	defer shard.Unlock()
	_, existed := shard.tabs[pageID]
	st, ok := s.newState(pageID, pageURL)
	if !ok {
		if existed {
			delete(shard.tabs, pageID)
			metricTrackedTabs.Dec()
		}
		return TabContext{}, false
	}
	shard.tabs[pageID] = st
	if !existed {
		metricTrackedTabs.Inc()
	}
	return st.snapshot(), true
}

func (s *TabStore) Get(pageID string) (TabContext, bool) {
	shard := s.getShard(pageID)
	shard.Lock()
	defer shard.Unlock()
	st, ok := shard.tabs[pageID]
	if !ok {
		return TabContext{}, false
	}
	return st.snapshot(), true
}

func (s *TabStore) Drop(pageID string) bool {
	shard := s.getShard(pageID)
	shard.Lock()
	defer shard.Unlock()
	if _, ok := shard.tabs[pageID]; !ok {
		return false
	}
	delete(shard.tabs, pageID)
	metricTrackedTabs.Dec()
	return true
}

// Record adds a flagged request, or refreshes the check of one already listed.
// It returns the flagged count for the badge.
func (s *TabStore) Record(pageID, reqURL, host string, exceptionApplied bool) (int, bool) {
	shard := s.getShard(pageID)
	shard.Lock()
	defer shard.Unlock()
	st, ok := shard.tabs[pageID]
	if !ok {
		return 0, false
	}
	if i, seen := st.index[reqURL]; seen {
		st.ctx.Flagged[i].Check = exceptionApplied
		return len(st.ctx.Flagged), true
	}
	st.index[reqURL] = len(st.ctx.Flagged)
	st.ctx.Flagged = append(st.ctx.Flagged, FlaggedRequest{URL: reqURL, Host: host, Check: exceptionApplied})
	return len(st.ctx.Flagged), true
}

// SetURLCheck flips the check flag of one flagged URL.
func (s *TabStore) SetURLCheck(pageID, reqURL string, check bool) bool {
	shard := s.getShard(pageID)
	shard.Lock()
	defer shard.Unlock()
	st, ok := shard.tabs[pageID]
	if !ok {
		return false
	}
	i, ok := st.index[reqURL]
	if !ok {
		return false
	}
	st.ctx.Flagged[i].Check = check
	return true
}

// RefreshChecks recomputes the check flag of every flagged request on the page.
// It returns how many flags changed.
func (s *TabStore) RefreshChecks(pageID string, applies func(host, reqURL string) bool) int {
	shard := s.getShard(pageID)
	shard.Lock()
	defer shard.Unlock()
	st, ok := shard.tabs[pageID]
	if !ok {
		return 0
	}
	changed := 0
	for i := range st.ctx.Flagged {
		f := &st.ctx.Flagged[i]
		if check := applies(f.Host, f.URL); check != f.Check {
			f.Check = check
			changed++
		}
	}
	return changed
}

// IsFirstParty is plain substring containment of the base domain in host.
func (s *TabStore) IsFirstParty(pageID, host string) bool {
	shard := s.getShard(pageID)
	shard.Lock()
	defer shard.Unlock()
	st, ok := shard.tabs[pageID]
	if !ok || st.ctx.BaseDomain == "" {
		return false
	}
	return strings.Contains(host, st.ctx.BaseDomain)
}

func (s *TabStore) SetCurrent(pageID string) { s.current.Store(&pageID) }

func (s *TabStore) Current() string {
	if p := s.current.Load(); p != nil {
		return *p
	}
	return ""
}

func (s *TabStore) Len() int {
	n := 0
	for _, shard := range s.shards {
		shard.Lock()
		n += len(shard.tabs)
		shard.Unlock()
	}
	return n
}
