package main

import (
	"fmt"
	"math/bits"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hashOf(c byte, n int) string {
	return strings.Repeat(string(c), 63) + fmt.Sprint(n)
}

func TestBlacklistEntry_HasReplacement(t *testing.T) {
	tests := []struct {
		marker string
		want   bool
	}{
		{"", false},
		{"0", false},
		{"0.0", false},
		{" 0 ", false},
		{"7", true},
		{"-1", true},
		{"yes", true},
	}
	for _, tt := range tests {
		t.Run(tt.marker, func(t *testing.T) {
			assert.Equal(t, tt.want, BlacklistEntry{Marker: tt.marker}.HasReplacement())
		})
	}
}

func TestBlacklist_Lookup(t *testing.T) {
	t.Run("two entry scenario", func(t *testing.T) {
		bl := NewBlacklist([]BlacklistEntry{
			{Hash: hashOf('b', 2), Marker: "7"},
			{Hash: hashOf('a', 1), Marker: "0"},
		}, "")

		found, repl := bl.Lookup(hashOf('b', 2))
		assert.True(t, found)
		assert.True(t, repl)

		found, repl = bl.Lookup(hashOf('a', 1))
		assert.True(t, found)
		assert.False(t, repl)
	})

	t.Run("empty", func(t *testing.T) {
		found, _ := NewBlacklist(nil, "").Lookup(hashOf('a', 1))
		assert.False(t, found)

		var nilList *Blacklist
		found, _ = nilList.Lookup("x")
		assert.False(t, found)
	})

	t.Run("single element", func(t *testing.T) {
		bl := NewBlacklist([]BlacklistEntry{{Hash: "m"}}, "")
		for _, h := range []string{"a", "m", "z"} {
			found, _ := bl.Lookup(h)
			assert.Equal(t, h == "m", found, h)
		}
	})

	t.Run("below min and above max", func(t *testing.T) {
		bl := NewBlacklist([]BlacklistEntry{{Hash: "c"}, {Hash: "e"}, {Hash: "g"}}, "")
		for _, h := range []string{"a", "d", "f", "h", ""} {
			found, _ := bl.Lookup(h)
			assert.False(t, found, h)
		}
	})
}

func TestBlacklist_LookupMatchesMembership(t *testing.T) {
	var entries []BlacklistEntry
	members := make(map[string]bool)
	for i := 0; i < 1000; i += 3 {
		h := fmt.Sprintf("%064x", i*7919)
		entries = append(entries, BlacklistEntry{Hash: h, Marker: fmt.Sprint(i % 2)})
		members[h] = true
	}
	bl := NewBlacklist(entries, "")
	maxProbes := bits.Len(uint(bl.Len())) + 1

	for i := 0; i < 1000; i++ {
		h := fmt.Sprintf("%064x", i*7919)
		idx, probes := bl.search(h)
		assert.Equal(t, members[h], idx >= 0, h)
		assert.LessOrEqual(t, probes, maxProbes)
	}
}

func TestHashStore_Install(t *testing.T) {
	s := NewHashStore()
	assert.Equal(t, 0, s.Snapshot().Len())

	old := s.Snapshot()
	s.Install(NewBlacklist([]BlacklistEntry{{Hash: "aa"}}, "d1"))
	found, _ := s.Lookup("aa")
	assert.True(t, found)
	assert.Equal(t, "d1", s.Snapshot().Digest())

	// readers holding the old snapshot are unaffected
	found, _ = old.Lookup("aa")
	assert.False(t, found)

	s.Install(nil)
	assert.Equal(t, "d1", s.Snapshot().Digest())
}

func TestParseBlacklist(t *testing.T) {
	input := "BBBB,7\n\naaaa,0\nnocomma\n,5\ncccc,1,extra\n"
	entries, stats, err := ParseBlacklist(strings.NewReader(input))
	require.NoError(t, err)

	assert.Equal(t, []BlacklistEntry{
		{Hash: "bbbb", Marker: "7"},
		{Hash: "aaaa", Marker: "0"},
		{Hash: "nocomma"},
		{Hash: "cccc", Marker: "1"},
	}, entries)
	assert.Equal(t, ParseStats{Rows: 6, Kept: 4, Blank: 1, NoMarker: 1, Malformed: 1}, stats)
}

func TestEncodeBlacklist_RoundTripsThroughParser(t *testing.T) {
	in := []BlacklistEntry{{Hash: "aa", Marker: "0"}, {Hash: "bb", Marker: "3"}}
	out, _, err := ParseBlacklist(strings.NewReader(string(EncodeBlacklist(in))))
	require.NoError(t, err)
	assert.Equal(t, in, out)
}
