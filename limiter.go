/*
File: limiter.go
Version: 2.0.0
Description: Per-client token buckets for the control API. Short bursts above the rate are
             paced, floods are rejected. Client state lives in a sharded map and idle
             clients are cleaned up periodically.
*/

package main

import (
	"context"
	"fmt"
	"hash/maphash"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type LimitAction int

const (
	ActionAllow LimitAction = iota
	ActionDelay
	ActionDrop
)

func (a LimitAction) String() string {
	switch a {
	case ActionAllow:
		return "ALLOW"
	case ActionDelay:
		return "DELAY"
	case ActionDrop:
		return "DROP"
	default:
		return "UNKNOWN"
	}
}

const (
	limitShardCount = 64
	// beyond this the client is flooding and the request is dropped instead of paced
	maxPacingDelay = 250 * time.Millisecond
)

type ClientState struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type limiterShard struct {
	sync.Mutex
	clients map[string]*ClientState
}

type LimiterManager struct {
	shards  [limitShardCount]*limiterShard
	config  RateLimitConfig
	enabled bool
	seed    maphash.Seed
}

func NewLimiter(cfg RateLimitConfig) *LimiterManager {
	lm := &LimiterManager{config: cfg, enabled: cfg.Enabled, seed: maphash.MakeSeed()}
	for i := range lm.shards {
		lm.shards[i] = &limiterShard{clients: make(map[string]*ClientState)}
	}
	return lm
}

// StartCleanupRoutine removes idle client limiters until ctx ends.
func (lm *LimiterManager) StartCleanupRoutine(ctx context.Context) {
	if !lm.enabled {
		return
	}
	interval := lm.config.parsedCleanupInterval
	if interval <= 0 {
		interval = time.Minute
	}
	LogInfo("[LIMITER] Starting cleanup routine (Interval: %v)", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			LogInfo("[LIMITER] Stopping cleanup routine")
			return
		case now := <-ticker.C:
			lm.cleanup(now)
		}
	}
}

func (lm *LimiterManager) cleanup(now time.Time) int {
	expiration := lm.config.parsedClientExpiration
	if expiration <= 0 {
		expiration = 5 * time.Minute
	}
	removed := 0
	for _, shard := range lm.shards {
		shard.Lock()
		for key, state := range shard.clients {
			if now.Sub(state.lastSeen) > expiration {
				delete(shard.clients, key)
				removed++
			}
		}
		shard.Unlock()
	}
	if removed > 0 {
		LogDebug("[LIMITER] Cleaned up %d idle client limiters", removed)
	}
	return removed
}

func (lm *LimiterManager) getShard(key string) *limiterShard {
	return lm.shards[maphash.String(lm.seed, key)&(limitShardCount-1)]
}

// Check evaluates one request from client. It returns the action, the pacing delay
// and a reason for logging.
func (lm *LimiterManager) Check(client string) (LimitAction, time.Duration, string) {
	if !lm.enabled || client == "" {
		return ActionAllow, 0, ""
	}

	shard := lm.getShard(client)
	shard.Lock()
	state, ok := shard.clients[client]
	if !ok {
		state = &ClientState{limiter: rate.NewLimiter(rate.Limit(lm.config.ClientQPS), lm.config.ClientBurst)}
		shard.clients[client] = state
	}
	state.lastSeen = time.Now()
	reservation := state.limiter.Reserve()
	shard.Unlock()

	if !reservation.OK() {
		return ActionDrop, 0, "client burst is zero"
	}
	delay := reservation.Delay()
	if delay == 0 {
		return ActionAllow, 0, ""
	}
	if delay <= maxPacingDelay {
		return ActionDelay, delay, fmt.Sprintf("Client QPS Pacing (%s, Delay: %v)", client, delay)
	}
	reservation.Cancel()
	return ActionDrop, 0, fmt.Sprintf("Client QPS Exceeded (%s, Required Delay: %v > %v)", client, delay, maxPacingDelay)
}

// Middleware applies Check to every request, keyed by the client address.
func (lm *LimiterManager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client := r.RemoteAddr
		if host, _, err := net.SplitHostPort(client); err == nil {
			client = host
		}
		action, delay, reason := lm.Check(client)
		switch action {
		case ActionDelay:
			t := time.NewTimer(delay)
			select {
			case <-t.C:
			case <-r.Context().Done():
				t.Stop()
				return
			}
		case ActionDrop:
			LogDebug("[LIMITER] %s", reason)
			w.Header().Set("Retry-After", "1")
			jsonError(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
