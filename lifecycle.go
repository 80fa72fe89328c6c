/*
File: lifecycle.go
Version: 1.0.0
Description: Supervised background goroutines. A panicking loop is restarted with
             exponential backoff until its context ends.
*/

package main

import (
	"context"
	"math"
	"runtime/debug"
	"time"
)

const maxRestartBackoff = 5 * time.Minute

// RunWithRecovery runs fn until ctx is cancelled. A normal return ends the loop;
// a panic restarts it after 1s, 2s, 4s ... capped at five minutes.
func RunWithRecovery(ctx context.Context, name string, fn func(ctx context.Context)) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}

		panicked := func() (p bool) {
			defer func() {
				if r := recover(); r != nil {
					LogError("[LIFECYCLE] %s panicked (attempt %d): %v\n%s", name, attempt, r, debug.Stack())
					p = true
				}
			}()
			fn(ctx)
			return false
		}()

		if !panicked || ctx.Err() != nil {
			return
		}

		attempt++
		backoff := restartBackoff(attempt)
		LogWarn("[LIFECYCLE] Restarting %s in %v (attempt %d)", name, backoff, attempt)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
	}
}

func restartBackoff(attempt int) time.Duration {
	return time.Duration(math.Min(
		float64(time.Second)*math.Pow(2, float64(attempt-1)),
		float64(maxRestartBackoff),
	))
}
