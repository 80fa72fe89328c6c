package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "127.0.0.1:8844", cfg.Server.ListenAddr)
	assert.True(t, *cfg.Server.Filter)
	assert.True(t, *cfg.Server.SaveAllowed)
	assert.Equal(t, MLModeDrop, cfg.MLGuard.Mode)
	assert.Equal(t, mlCacheSize, cfg.MLGuard.CacheSize)
	assert.Equal(t, BaseDomainLabels, cfg.Tabs.BaseDomain)
	assert.Equal(t, string(LatePolicyAccept), cfg.Stats.LateReports)
	assert.Equal(t, 5*time.Second, cfg.Stats.parsedGraceWindow)
	assert.Equal(t, "file", cfg.Storage.Backend)
	assert.Equal(t, 64, cfg.Workers.MaxInflight)
	assert.Equal(t, 2*time.Minute, cfg.Workers.parsedPendingTTL)
	assert.Equal(t, time.Duration(0), cfg.Hashlist.parsedRefreshInterval)
}

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
server:
  listen_addr: ":9000"
  filter: false
ml_guard:
  enabled: true
  mode: BLOCK
  threshold: 0.7
hashlist:
  digest_url: https://feed.example/digest
  list_url: h3://feed.example/list
  refresh_interval: 6h
whitelist:
  matches: cloudflare
  networks: ["10.0.0.0/8", "not-a-cidr"]
tabs:
  base_domain: etld1
stats:
  late_reports: grace
  grace_window: 2s
workers:
  pending_ttl: bogus
`))
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Server.ListenAddr)
	assert.False(t, *cfg.Server.Filter)
	assert.Equal(t, MLModeBlock, cfg.MLGuard.Mode)
	assert.Equal(t, 6*time.Hour, cfg.Hashlist.parsedRefreshInterval)
	assert.Equal(t, StringOrSlice{"cloudflare"}, cfg.Whitelist.Matches)
	assert.Len(t, cfg.Whitelist.parsedNetworks, 1)
	assert.Equal(t, BaseDomainETLD1, cfg.Tabs.BaseDomain)
	assert.Equal(t, string(LatePolicyGrace), cfg.Stats.LateReports)
	assert.Equal(t, 2*time.Second, cfg.Stats.parsedGraceWindow)
	assert.Equal(t, 2*time.Minute, cfg.Workers.parsedPendingTTL)
}

func TestParseConfig_Invalid(t *testing.T) {
	tests := map[string]string{
		"mode":        "ml_guard:\n  mode: shout\n",
		"threshold":   "ml_guard:\n  threshold: 1.5\n",
		"base domain": "tabs:\n  base_domain: psl\n",
		"late policy": "stats:\n  late_reports: never\n",
		"yaml":        "server: [",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseConfig([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("storage:\n  backend: memory\n"), 0o644))
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Storage.Backend)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
