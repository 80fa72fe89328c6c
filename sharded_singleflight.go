/*
File: sharded_singleflight.go
Version: 1.3.0
Description: A sharded wrapper around singleflight.Group to reduce mutex contention under high load.
             Concurrent classifications of the same URL share a single inference.
*/

package main

import (
	"context"
	"hash/maphash"
	"sync"

	"golang.org/x/sync/singleflight"
)

const shardedFlightCount = 512

type ShardedGroup struct {
	shards []*singleflight.Group
	seed   maphash.Seed
}

var sgPool = sync.Pool{
	New: func() any {
		return new(maphash.Hash)
	},
}

func NewShardedGroup() *ShardedGroup {
	sg := &ShardedGroup{
		shards: make([]*singleflight.Group, shardedFlightCount),
		seed:   maphash.MakeSeed(),
	}
	for i := 0; i < shardedFlightCount; i++ {
		sg.shards[i] = &singleflight.Group{}
	}
	return sg
}

func (g *ShardedGroup) getShard(key string) *singleflight.Group {
	h := sgPool.Get().(*maphash.Hash)
	// Reset before SetSeed, pooled hashers carry state.
	h.Reset()
	h.SetSeed(g.seed)
	h.WriteString(key)
	idx := h.Sum64() & (shardedFlightCount - 1)
	sgPool.Put(h)
	return g.shards[idx]
}

func (g *ShardedGroup) Do(key string, fn func() (interface{}, error)) (v interface{}, err error, shared bool) {
	return g.getShard(key).Do(key, fn)
}

// DoContext is Do that stops waiting when ctx ends. The shared call keeps running
// for the other waiters.
func (g *ShardedGroup) DoContext(ctx context.Context, key string, fn func() (interface{}, error)) (interface{}, error, bool) {
	ch := g.getShard(key).DoChan(key, fn)
	select {
	case res := <-ch:
		return res.Val, res.Err, res.Shared
	case <-ctx.Done():
		return nil, ctx.Err(), false
	}
}

func (g *ShardedGroup) Forget(key string) {
	g.getShard(key).Forget(key)
}
