/*
File: detector_redis.go
Version: 1.0.0
Description: Receives external detector verdicts published on a redis channel. Payloads use
             the same formats as the HTTP endpoint.
*/

package main

import (
	"context"

	"github.com/redis/go-redis/v9"
)

type DetectorSubscriber struct {
	client  *redis.Client
	channel string
	engine  *Engine
}

// NewDetectorSubscriber returns nil when no redis address is configured.
func NewDetectorSubscriber(cfg DetectorConfig, engine *Engine) *DetectorSubscriber {
	if cfg.RedisAddr == "" {
		return nil
	}
	return &DetectorSubscriber{
		client:  redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}),
		channel: cfg.Channel,
		engine:  engine,
	}
}

// Run blocks until ctx ends or the subscription channel closes.
func (d *DetectorSubscriber) Run(ctx context.Context) {
	pubsub := d.client.Subscribe(ctx, d.channel)
	defer pubsub.Close()
	LogInfo("[DETECTOR] Listening on redis channel %s", d.channel)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				LogWarn("[DETECTOR] Subscription to %s closed", d.channel)
				return
			}
			d.handle(msg.Payload)
		}
	}
}

func (d *DetectorSubscriber) handle(payload string) {
	rep, ok := ParseDetectorReport([]byte(payload))
	if !ok {
		LogDebug("[DETECTOR] Ignoring malformed report: %.200s", payload)
		return
	}
	d.engine.ExternalReport(rep.PageID, rep.RequestID, rep.Blocked)
}

func (d *DetectorSubscriber) Close() error {
	return d.client.Close()
}
