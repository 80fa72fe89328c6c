/*
File: stats.go
Version: 1.0.0
Description: Multi-detector statistics. Every tracked request gets one record holding a
             tri-state flag per detector (URL classifier, content hash, external detector).
             Records are page scoped and summarised into overlap counts when the page
             navigates away.
*/

package main

import (
	"hash/maphash"
	"sync"
	"sync/atomic"
	"time"
)

const statsShardCount = 64

// Tristate is the per-detector outcome of a request.
type Tristate uint8

const (
	Unknown Tristate = iota
	Detected
	NotDetected
)

func TristateOf(detected bool) Tristate {
	if detected {
		return Detected
	}
	return NotDetected
}

func (t Tristate) String() string {
	switch t {
	case Detected:
		return "detected"
	case NotDetected:
		return "not_detected"
	default:
		return "unknown"
	}
}

// Update carries the detectors that reported. Nil fields leave the stored value alone.
type Update struct {
	Classifier *bool
	Hash       *bool
	External   *bool
}

type StatsRecord struct {
	Classifier Tristate `json:"classifier"`
	Hash       Tristate `json:"hash"`
	External   Tristate `json:"external"`
}

func (r *StatsRecord) merge(u Update) {
	if u.Classifier != nil {
		r.Classifier = TristateOf(*u.Classifier)
	}
	if u.Hash != nil {
		r.Hash = TristateOf(*u.Hash)
	}
	if u.External != nil {
		r.External = TristateOf(*u.External)
	}
}

// Summary is the submitted document. Field names are the collector's wire format:
// DTB is the URL classifier, hash the content blacklist and ublock the external detector.
type Summary struct {
	Total                int `json:"total"`
	Blocked              int `json:"blocked"`
	BlockedDTB           int `json:"blockedDTB"`
	BlockedHash          int `json:"blockedhash"`
	BlockedUblock        int `json:"blockedublock"`
	BlockedDTBUblock     int `json:"blockedDTBublock"`
	BlockedDTBHash       int `json:"blockedDTBhash"`
	BlockedHashUblock    int `json:"blockedhashublock"`
	BlockedDTBHashUblock int `json:"blockedDTBhashublock"`
}

// Summarize counts records. "Blocked" is classifier OR hash; the external detector
// is only used for the overlap columns.
func Summarize(records map[string]*StatsRecord) Summary {
	var s Summary
	for _, r := range records {
		c := r.Classifier == Detected
		h := r.Hash == Detected
		x := r.External == Detected

		s.Total++
		if c || h {
			s.Blocked++
		}
		if c {
			s.BlockedDTB++
		}
		if h {
			s.BlockedHash++
		}
		if x {
			s.BlockedUblock++
		}
		if c && x {
			s.BlockedDTBUblock++
		}
		if c && h {
			s.BlockedDTBHash++
		}
		if h && x {
			s.BlockedHashUblock++
		}
		if c && h && x {
			s.BlockedDTBHashUblock++
		}
	}
	return s
}

// LatePolicy decides where reports arriving after a navigation are counted.
type LatePolicy string

const (
	// LatePolicyAccept summarises at navigation time. Late reports start a new record
	// in the next generation of the same page id.
	LatePolicyAccept LatePolicy = "accept"
	// LatePolicyGrace seals the generation at navigation and keeps it open for
	// requests it already knows about until the grace window ends.
	LatePolicyGrace LatePolicy = "grace"
)

// SummarySink receives every finished generation.
type SummarySink func(pageID string, sum Summary)

type sealedGen struct {
	records map[string]*StatsRecord
	stop    func() bool
	done    bool
}

type pageStats struct {
	current map[string]*StatsRecord
	sealed  []*sealedGen
}

func (p *pageStats) empty() bool {
	return len(p.current) == 0 && len(p.sealed) == 0
}

type statsShard struct {
	sync.Mutex
	pages map[string]*pageStats
}

type StatsEngine struct {
	shards [statsShardCount]*statsShard
	seed   maphash.Seed
	policy LatePolicy
	grace  time.Duration
	sink   SummarySink
	closed atomic.Bool

	// afterFunc schedules the end of a grace window; replaced in tests.
	afterFunc func(d time.Duration, f func()) (stop func() bool)
}

func NewStatsEngine(policy LatePolicy, grace time.Duration, sink SummarySink) *StatsEngine {
	if policy != LatePolicyGrace {
		policy = LatePolicyAccept
	}
	if sink == nil {
		sink = func(string, Summary) {}
	}
	e := &StatsEngine{
		seed:   maphash.MakeSeed(),
		policy: policy,
		grace:  grace,
		sink:   sink,
		afterFunc: func(d time.Duration, f func()) func() bool {
			return time.AfterFunc(d, f).Stop
		},
	}
	for i := range e.shards {
		e.shards[i] = &statsShard{pages: make(map[string]*pageStats)}
	}
	return e
}

func (e *StatsEngine) Policy() LatePolicy { return e.policy }

func (e *StatsEngine) getShard(pageID string) *statsShard {
	return e.shards[maphash.String(e.seed, pageID)&(statsShardCount-1)]
}

// Report merges u into the record for (pageID, requestID). Under the grace policy a
// request id that belongs to a sealed generation is merged there instead.
func (e *StatsEngine) Report(pageID, requestID string, u Update) {
	shard := e.getShard(pageID)
	shard.Lock()
	defer shard.Unlock()

	ps := shard.pages[pageID]
	if ps == nil {
		ps = &pageStats{current: make(map[string]*StatsRecord)}
		shard.pages[pageID] = ps
	}

	if e.policy == LatePolicyGrace {
		for i := len(ps.sealed) - 1; i >= 0; i-- {
			if rec, ok := ps.sealed[i].records[requestID]; ok {
				rec.merge(u)
				metricStatsLateReports.Inc()
				return
			}
		}
	}

	rec, ok := ps.current[requestID]
	if !ok {
		rec = &StatsRecord{}
		ps.current[requestID] = rec
	}
	rec.merge(u)
}

// Record returns a copy of the live record for (pageID, requestID).
func (e *StatsEngine) Record(pageID, requestID string) (StatsRecord, bool) {
	shard := e.getShard(pageID)
	shard.Lock()
	defer shard.Unlock()
	ps := shard.pages[pageID]
	if ps == nil {
		return StatsRecord{}, false
	}
	if rec, ok := ps.current[requestID]; ok {
		return *rec, true
	}
	for i := len(ps.sealed) - 1; i >= 0; i-- {
		if rec, ok := ps.sealed[i].records[requestID]; ok {
			return *rec, true
		}
	}
	return StatsRecord{}, false
}

// Flush summarises and clears the current generation of pageID. Sealed generations
// are left to their timers. The sink is not called.
func (e *StatsEngine) Flush(pageID string) Summary {
	shard := e.getShard(pageID)
	shard.Lock()
	defer shard.Unlock()
	ps := shard.pages[pageID]
	if ps == nil {
		return Summary{}
	}
	sum := Summarize(ps.current)
	ps.current = make(map[string]*StatsRecord)
	if ps.empty() {
		delete(shard.pages, pageID)
	}
	return sum
}

// Seal ends the current generation of pageID because the page navigated away.
func (e *StatsEngine) Seal(pageID string) {
	if e.policy != LatePolicyGrace || e.grace <= 0 {
		sum := e.Flush(pageID)
		metricStatsFlushes.WithLabelValues(string(LatePolicyAccept)).Inc()
		if sum.Total > 0 {
			e.sink(pageID, sum)
		}
		return
	}

	shard := e.getShard(pageID)
	shard.Lock()
	ps := shard.pages[pageID]
	if ps == nil || len(ps.current) == 0 {
		shard.Unlock()
		return
	}
	gen := &sealedGen{records: ps.current}
	ps.current = make(map[string]*StatsRecord)
	ps.sealed = append(ps.sealed, gen)
	gen.stop = e.afterFunc(e.grace, func() { e.finalize(pageID, gen) })
	shard.Unlock()

	if IsDebugEnabled() {
		LogDebug("[STATS] Sealed %d records for page %s, grace %v", len(gen.records), pageID, e.grace)
	}
}

// finalize summarises a sealed generation once; later calls are no-ops.
func (e *StatsEngine) finalize(pageID string, gen *sealedGen) {
	shard := e.getShard(pageID)
	shard.Lock()
	if gen.done {
		shard.Unlock()
		return
	}
	gen.done = true
	if ps := shard.pages[pageID]; ps != nil {
		for i, g := range ps.sealed {
			if g == gen {
				ps.sealed = append(ps.sealed[:i], ps.sealed[i+1:]...)
				break
			}
		}
		if ps.empty() {
			delete(shard.pages, pageID)
		}
	}
	sum := Summarize(gen.records)
	shard.Unlock()

	metricStatsFlushes.WithLabelValues(string(LatePolicyGrace)).Inc()
	if sum.Total > 0 {
		e.sink(pageID, sum)
	}
}

// Discard drops the current generation without summarising it (page closed).
func (e *StatsEngine) Discard(pageID string) int {
	shard := e.getShard(pageID)
	shard.Lock()
	defer shard.Unlock()
	ps := shard.pages[pageID]
	if ps == nil {
		return 0
	}
	n := len(ps.current)
	ps.current = make(map[string]*StatsRecord)
	if ps.empty() {
		delete(shard.pages, pageID)
	}
	return n
}

// Pending is the number of sealed generations still waiting for their window.
func (e *StatsEngine) Pending() int {
	n := 0
	for _, shard := range e.shards {
		shard.Lock()
		for _, ps := range shard.pages {
			n += len(ps.sealed)
		}
		shard.Unlock()
	}
	return n
}

// Close finalizes every sealed generation immediately.
func (e *StatsEngine) Close() {
	if !e.closed.CompareAndSwap(false, true) {
		return
	}
	type pending struct {
		pageID string
		gen    *sealedGen
	}
	var all []pending
	for _, shard := range e.shards {
		shard.Lock()
		for pageID, ps := range shard.pages {
			for _, gen := range ps.sealed {
				all = append(all, pending{pageID, gen})
			}
		}
		shard.Unlock()
	}
	for _, p := range all {
		if p.gen.stop != nil {
			p.gen.stop()
		}
		e.finalize(p.pageID, p.gen)
	}
	if len(all) > 0 {
		LogInfo("[STATS] Finalized %d sealed generations on shutdown", len(all))
	}
}
