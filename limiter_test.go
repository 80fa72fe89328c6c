package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLimiter_Check(t *testing.T) {
	t.Run("disabled allows everything", func(t *testing.T) {
		lm := NewLimiter(RateLimitConfig{ClientQPS: 1, ClientBurst: 1})
		for i := 0; i < 10; i++ {
			action, _, _ := lm.Check("10.0.0.1")
			assert.Equal(t, ActionAllow, action)
		}
	})

	t.Run("burst then drop", func(t *testing.T) {
		lm := NewLimiter(RateLimitConfig{Enabled: true, ClientQPS: 1, ClientBurst: 2})
		a1, _, _ := lm.Check("10.0.0.1")
		a2, _, _ := lm.Check("10.0.0.1")
		a3, _, reason := lm.Check("10.0.0.1")
		assert.Equal(t, ActionAllow, a1)
		assert.Equal(t, ActionAllow, a2)
		assert.Equal(t, ActionDrop, a3)
		assert.Contains(t, reason, "10.0.0.1")

		other, _, _ := lm.Check("10.0.0.2")
		assert.Equal(t, ActionAllow, other)
	})

	t.Run("short overruns are paced", func(t *testing.T) {
		lm := NewLimiter(RateLimitConfig{Enabled: true, ClientQPS: 100, ClientBurst: 1})
		lm.Check("c")
		action, delay, _ := lm.Check("c")
		assert.Equal(t, ActionDelay, action)
		assert.LessOrEqual(t, delay, maxPacingDelay)
	})
}

func TestLimiter_Cleanup(t *testing.T) {
	lm := NewLimiter(RateLimitConfig{Enabled: true, ClientQPS: 10, ClientBurst: 10})
	lm.Check("a")
	lm.Check("b")
	assert.Zero(t, lm.cleanup(time.Now()))
	assert.Equal(t, 2, lm.cleanup(time.Now().Add(10*time.Minute)))
}

func TestLimitAction_String(t *testing.T) {
	assert.Equal(t, "ALLOW", ActionAllow.String())
	assert.Equal(t, "DELAY", ActionDelay.String())
	assert.Equal(t, "DROP", ActionDrop.String())
	assert.Equal(t, "UNKNOWN", LimitAction(9).String())
}
