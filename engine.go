/*
File: engine.go
Version: 1.0.0
Description: The request pipeline. Ties the URL classifier, the exception resolver, the
             content filter, the page store and the stats engine together for the two
             phases of a sub-resource request: the request itself and its response body.
*/

package main

import (
	"context"
	"errors"
	"fmt"
	"hash/maphash"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

var ErrInvalidURL = errors.New("invalid url")

const pendingShardCount = 32

// RequestEvent is a sub-resource request about to be sent by a page.
type RequestEvent struct {
	RequestID string `json:"requestId"`
	PageID    string `json:"pageId"`
	URL       string `json:"url"`
	PageURL   string `json:"pageUrl,omitempty"`
}

// RequestDecision tells the host whether to cancel the request outright.
type RequestDecision struct {
	Cancel     bool   `json:"cancel"`
	Suspicious bool   `json:"suspicious"`
	Reason     string `json:"reason"`
	FirstParty bool   `json:"firstParty"`
}

// pendingRequest remembers the request-phase outcome until the body shows up.
type pendingRequest struct {
	url               string
	host              string
	tracked           bool
	classifierBlocked bool
	classified        bool // classifierBlocked comes from this request's own verdict
	created           time.Time
}

type pendingShard struct {
	sync.Mutex
	items map[string]*pendingRequest
}

type Engine struct {
	guard      *URLGuard
	resolver   *Resolver
	exceptions *ExceptionSet
	content    *ContentFilter
	tabs       *TabStore
	stats      *StatsEngine
	hub        *Hub
	storage    Storage
	workers    *semaphore.Weighted

	pending    [pendingShardCount]*pendingShard
	seed       maphash.Seed
	pendingTTL time.Duration

	filter      atomic.Bool
	saveAllowed atomic.Bool
}

type EngineDeps struct {
	Guard      *URLGuard
	Resolver   *Resolver
	Exceptions *ExceptionSet
	Content    *ContentFilter
	Tabs       *TabStore
	Stats      *StatsEngine
	Hub        *Hub
	Storage    Storage
}

func NewEngine(cfg *Config, deps EngineDeps) *Engine {
	maxInflight := int64(cfg.Workers.MaxInflight)
	if maxInflight <= 0 {
		maxInflight = 64
	}
	e := &Engine{
		guard:      deps.Guard,
		resolver:   deps.Resolver,
		exceptions: deps.Exceptions,
		content:    deps.Content,
		tabs:       deps.Tabs,
		stats:      deps.Stats,
		hub:        deps.Hub,
		storage:    deps.Storage,
		workers:    semaphore.NewWeighted(maxInflight),
		seed:       maphash.MakeSeed(),
		pendingTTL: cfg.Workers.parsedPendingTTL,
	}
	if e.pendingTTL <= 0 {
		e.pendingTTL = 2 * time.Minute
	}
	if e.hub == nil {
		e.hub = NewHub()
	}
	for i := range e.pending {
		e.pending[i] = &pendingShard{items: make(map[string]*pendingRequest)}
	}
	e.filter.Store(cfg.Server.Filter == nil || *cfg.Server.Filter)
	e.saveAllowed.Store(cfg.Server.SaveAllowed == nil || *cfg.Server.SaveAllowed)
	return e
}

// --- Settings ---

func (e *Engine) Filter() bool          { return e.filter.Load() }
func (e *Engine) SetFilter(on bool)     { e.filter.Store(on) }
func (e *Engine) SaveAllowed() bool     { return e.saveAllowed.Load() }
func (e *Engine) SetSaveAllowed(b bool) { e.saveAllowed.Store(b) }

// --- Request phase ---

// OnRequest classifies a request before it is sent. Every failure path answers
// "do not cancel".
func (e *Engine) OnRequest(ctx context.Context, ev RequestEvent) (RequestDecision, error) {
	if !e.Filter() {
		return RequestDecision{Reason: reasonDisabled}, nil
	}

	host, ok := hostOf(ev.URL)
	if !ok {
		return RequestDecision{}, fmt.Errorf("%w: %q", ErrInvalidURL, ev.URL)
	}

	var page TabContext
	tracked := false
	if ev.PageID != "" {
		if ev.PageURL != "" {
			page, tracked = e.tabs.Ensure(ev.PageID, ev.PageURL)
		} else {
			page, tracked = e.tabs.Get(ev.PageID)
		}
	}

	if tracked && e.tabs.IsFirstParty(ev.PageID, host) {
		metricRequestDecisions.WithLabelValues("first_party").Inc()
		return RequestDecision{FirstParty: true, Reason: "first_party"}, nil
	}

	verdict, err := e.classify(ctx, ev.URL)
	if err != nil {
		LogWarn("[ENGINE] Classifier slot unavailable for %s, failing open: %v", ev.URL, err)
	}

	dec := RequestDecision{Suspicious: verdict.Suspicious, Reason: verdict.Reason}
	classifierBlocked := false

	if verdict.Suspicious {
		res := e.resolver.Resolve(ev.URL, host, page.Host)
		dec.Reason = res.Reason
		if res.Flag && tracked {
			if count, ok := e.tabs.Record(ev.PageID, ev.URL, host, res.Allow); ok {
				e.hub.PublishJSON(ev.PageID, EventBadge, BadgeUpdate{PageID: ev.PageID, Count: count})
			}
		}
		classifierBlocked = !res.Allow
		if IsDebugEnabled() {
			LogDebug("[ENGINE] %s on page %s: %s (%s)", ev.URL, ev.PageID, res.Reason, verdict)
		}
	}
	metricRequestDecisions.WithLabelValues(dec.Reason).Inc()

	if ev.PageID != "" && ev.RequestID != "" {
		e.stats.Report(ev.PageID, ev.RequestID, Update{Classifier: boolPtr(classifierBlocked)})
	}

	if classifierBlocked && e.guard.Mode() == MLModeBlock {
		dec.Cancel = true
		return dec, nil
	}

	e.putPending(ev.PageID, ev.RequestID, &pendingRequest{
		url:               ev.URL,
		host:              host,
		tracked:           tracked,
		classifierBlocked: classifierBlocked,
		classified:        true,
		created:           time.Now(),
	})
	return dec, nil
}

func (e *Engine) classify(ctx context.Context, rawURL string) (Verdict, error) {
	if !e.guard.Ready() {
		return e.guard.Classify(ctx, rawURL), nil
	}
	if err := e.workers.Acquire(ctx, 1); err != nil {
		metricWorkerRejections.Inc()
		return Verdict{Reason: reasonInferenceError}, err
	}
	defer e.workers.Release(1)
	return e.guard.Classify(ctx, rawURL), nil
}

// --- Body phase ---

// FilterBody streams the response body of a request through the content filter into w.
// The body is written verbatim unless the hash is listed, or the classifier flagged the
// request and the classifier mode drops bodies.
func (e *Engine) FilterBody(ctx context.Context, pageID, requestID, rawURL string, body io.Reader, w io.Writer) ContentResult {
	if !e.Filter() {
		n, err := io.Copy(w, body)
		return ContentResult{Bytes: n, Err: err}
	}

	p, ok := e.takePending(pageID, requestID)
	if !ok {
		// body without a request-phase event: derive what we can from the URL
		p = &pendingRequest{url: rawURL}
		if host, valid := hostOf(rawURL); valid {
			p.host = host
			if pageID != "" {
				_, p.tracked = e.tabs.Get(pageID)
			}
			if p.tracked && e.tabs.IsFirstParty(pageID, host) {
				n, err := io.Copy(w, body)
				return ContentResult{Bytes: n, Err: err}
			}
		}
		// the pending entry expired or was already taken; the stats record still
		// holds the request-phase verdict
		if pageID != "" && requestID != "" {
			if rec, found := e.stats.Record(pageID, requestID); found {
				p.classifierBlocked = rec.Classifier == Detected
			}
		}
	}

	if err := e.workers.Acquire(ctx, 1); err != nil {
		metricWorkerRejections.Inc()
		metricContentDecisions.WithLabelValues("fail_open").Inc()
		LogWarn("[ENGINE] No worker for body of %s, passing through: %v", p.url, err)
		n, cerr := io.Copy(w, body)
		return ContentResult{Bytes: n, Err: errors.Join(err, cerr)}
	}
	defer e.workers.Release(1)

	drop := p.classifierBlocked && e.guard.Mode() == MLModeDrop
	res := e.content.Filter(ctx, body, w, drop)

	switch {
	case res.Err != nil && !res.Blocked:
		metricContentDecisions.WithLabelValues("fail_open").Inc()
		LogWarn("[ENGINE] Body of %s failed after %d bytes, passed through: %v", p.url, res.Bytes, res.Err)
	case res.Oversize && !res.Blocked:
		metricContentDecisions.WithLabelValues("oversize").Inc()
	case res.Found && res.HasReplacement:
		metricContentDecisions.WithLabelValues("drop_hash").Inc()
		LogInfo("[ENGINE] Blocked by content hash (replacement requested, dropped): %s", p.url)
	case res.Found:
		metricContentDecisions.WithLabelValues("drop_hash").Inc()
		LogInfo("[ENGINE] Blocked by content hash: %s", p.url)
	case res.Blocked:
		metricContentDecisions.WithLabelValues("drop_classifier").Inc()
	default:
		metricContentDecisions.WithLabelValues("pass").Inc()
	}

	if pageID != "" && requestID != "" {
		var u Update
		if p.classified {
			u.Classifier = boolPtr(p.classifierBlocked)
		}
		if res.Err == nil && !res.Oversize {
			u.Hash = boolPtr(res.Found)
		}
		if u.Classifier != nil || u.Hash != nil {
			e.stats.Report(pageID, requestID, u)
		}
	}

	// a hash hit the classifier missed still shows up in the page's list
	if res.Found && !p.classifierBlocked && p.tracked {
		check := e.exceptions.Applies(p.host, p.url)
		if count, ok := e.tabs.Record(pageID, p.url, p.host, check); ok {
			e.hub.PublishJSON(pageID, EventBadge, BadgeUpdate{PageID: pageID, Count: count})
		}
	}
	return res
}

// --- External detector ---

func (e *Engine) ExternalReport(pageID, requestID string, blocked bool) {
	if pageID == "" || requestID == "" {
		return
	}
	e.stats.Report(pageID, requestID, Update{External: boolPtr(blocked)})
}

// --- Page lifecycle ---

// OnTab creates the page context if needed; active pages become the current page.
func (e *Engine) OnTab(pageID, pageURL string, active bool) (TabContext, bool) {
	if active {
		e.tabs.SetCurrent(pageID)
	}
	return e.tabs.Ensure(pageID, pageURL)
}

// OnNavigate summarises the old page's stats and replaces its context.
func (e *Engine) OnNavigate(pageID, pageURL string) (TabContext, bool) {
	e.stats.Seal(pageID)
	ctx, ok := e.tabs.Navigate(pageID, pageURL)
	e.hub.PublishJSON(pageID, EventReset, BadgeUpdate{PageID: pageID})
	return ctx, ok
}

// OnClose forgets the page. Its unsent stats are discarded.
func (e *Engine) OnClose(pageID string) bool {
	dropped := e.stats.Discard(pageID)
	if IsDebugEnabled() && dropped > 0 {
		LogDebug("[ENGINE] Page %s closed, discarded %d stats records", pageID, dropped)
	}
	return e.tabs.Drop(pageID)
}

func (e *Engine) Flagged(pageID string) ([]FlaggedRequest, bool) {
	if pageID == "" {
		pageID = e.tabs.Current()
	}
	ctx, ok := e.tabs.Get(pageID)
	if !ok {
		return nil, false
	}
	return ctx.Flagged, true
}

// --- User exceptions ---

func (e *Engine) pageOrCurrent(pageID string) string {
	if pageID != "" {
		return pageID
	}
	return e.tabs.Current()
}

func (e *Engine) AddURLException(ctx context.Context, pageID, rawURL string) {
	e.exceptions.AddURL(rawURL)
	e.tabs.SetURLCheck(e.pageOrCurrent(pageID), rawURL, true)
	e.persistURLs(ctx)
}

func (e *Engine) DeleteURLException(ctx context.Context, pageID, rawURL string) bool {
	if !e.exceptions.RemoveURL(rawURL) {
		e.persistURLs(ctx)
		return false
	}
	host, _ := hostOf(rawURL)
	e.tabs.SetURLCheck(e.pageOrCurrent(pageID), rawURL, e.exceptions.HasHost(host))
	e.persistURLs(ctx)
	return true
}

func (e *Engine) AddHostException(ctx context.Context, pageID, host string) {
	e.exceptions.AddHost(host)
	e.tabs.RefreshChecks(e.pageOrCurrent(pageID), e.exceptions.Applies)
	e.persistHosts(ctx)
}

func (e *Engine) DeleteHostException(ctx context.Context, pageID, host string) bool {
	removed := e.exceptions.RemoveHost(host)
	if removed {
		e.tabs.RefreshChecks(e.pageOrCurrent(pageID), e.exceptions.Applies)
	}
	e.persistHosts(ctx)
	return removed
}

func (e *Engine) AllowedHosts() []string { return e.exceptions.Hosts() }
func (e *Engine) AllowedURLs() []string  { return e.exceptions.URLs() }

func (e *Engine) persistURLs(ctx context.Context) {
	if !e.SaveAllowed() || e.storage == nil {
		return
	}
	if err := e.exceptions.SaveURLs(ctx, e.storage); err != nil {
		LogWarn("[ENGINE] Failed to save URL exceptions: %v", err)
	}
}

func (e *Engine) persistHosts(ctx context.Context) {
	if !e.SaveAllowed() || e.storage == nil {
		return
	}
	if err := e.exceptions.SaveHosts(ctx, e.storage); err != nil {
		LogWarn("[ENGINE] Failed to save host exceptions: %v", err)
	}
}

// SaveExceptions persists both sets; called on shutdown.
func (e *Engine) SaveExceptions(ctx context.Context) {
	e.persistURLs(ctx)
	e.persistHosts(ctx)
}

// --- Pending request table ---

func pendingKey(pageID, requestID string) string {
	return pageID + "/" + requestID
}

func (e *Engine) pendingShard(key string) *pendingShard {
	return e.pending[maphash.String(e.seed, key)&(pendingShardCount-1)]
}

func (e *Engine) putPending(pageID, requestID string, p *pendingRequest) {
	if requestID == "" {
		return
	}
	key := pendingKey(pageID, requestID)
	shard := e.pendingShard(key)
	shard.Lock()
	shard.items[key] = p
	shard.Unlock()
}

func (e *Engine) takePending(pageID, requestID string) (*pendingRequest, bool) {
	if requestID == "" {
		return nil, false
	}
	key := pendingKey(pageID, requestID)
	shard := e.pendingShard(key)
	shard.Lock()
	defer shard.Unlock()
	p, ok := shard.items[key]
	if ok {
		delete(shard.items, key)
	}
	return p, ok
}

// PendingLen is the number of requests waiting for their body.
func (e *Engine) PendingLen() int {
	n := 0
	for _, shard := range e.pending {
		shard.Lock()
		n += len(shard.items)
		shard.Unlock()
	}
	return n
}

// RunPendingCleanup expires request-phase entries whose body never arrived
// (cancelled requests, cached responses).
func (e *Engine) RunPendingCleanup(ctx context.Context) {
	interval := e.pendingTTL / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := e.expirePending(now); n > 0 && IsDebugEnabled() {
				LogDebug("[ENGINE] Expired %d pending requests", n)
			}
		}
	}
}

func (e *Engine) expirePending(now time.Time) int {
	removed := 0
	for _, shard := range e.pending {
		shard.Lock()
		for key, p := range shard.items {
			if now.Sub(p.created) > e.pendingTTL {
				delete(shard.items, key)
				removed++
			}
		}
		shard.Unlock()
	}
	return removed
}
