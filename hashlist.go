/*
File: hashlist.go
Version: 1.0.0
Description: Content-hash blacklist. Entries are kept sorted by hash and published as an
             immutable snapshot behind an atomic pointer, so lookups never wait on a refresh.
*/

package main

import (
	"bufio"
	"bytes"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// BlacklistEntry is one "hash,marker" row.
type BlacklistEntry struct {
	Hash   string
	Marker string
}

// HasReplacement reports whether the marker asks for replacement content.
// Empty or numeric zero means no; any other value, numeric or not, means yes.
func (e BlacklistEntry) HasReplacement() bool {
	m := strings.TrimSpace(e.Marker)
	if m == "" {
		return false
	}
	f, err := strconv.ParseFloat(m, 64)
	if err != nil {
		return true
	}
	return f != 0
}

// Blacklist is an immutable sorted snapshot.
type Blacklist struct {
	entries  []BlacklistEntry
	digest   string
	loadedAt time.Time
}

// NewBlacklist sorts a copy of entries; input order is never trusted.
func NewBlacklist(entries []BlacklistEntry, digest string) *Blacklist {
	sorted := make([]BlacklistEntry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Hash < sorted[j].Hash })
	return &Blacklist{entries: sorted, digest: digest, loadedAt: time.Now()}
}

func (bl *Blacklist) Len() int {
	if bl == nil {
		return 0
	}
	return len(bl.entries)
}

func (bl *Blacklist) Digest() string {
	if bl == nil {
		return ""
	}
	return bl.digest
}

func (bl *Blacklist) LoadedAt() time.Time {
	if bl == nil {
		return time.Time{}
	}
	return bl.loadedAt
}

func (bl *Blacklist) Entries() []BlacklistEntry {
	if bl == nil {
		return nil
	}
	return bl.entries
}

// Lookup binary-searches the snapshot for hash.
func (bl *Blacklist) Lookup(hash string) (found, hasReplacement bool) {
	idx, _ := bl.search(hash)
	if idx < 0 {
		return false, false
	}
	return true, bl.entries[idx].HasReplacement()
}

// search returns the matching index (or -1) and the number of probes made.
func (bl *Blacklist) search(hash string) (int, int) {
	if bl == nil || len(bl.entries) == 0 {
		return -1, 0
	}
	lo, hi := 0, len(bl.entries)-1
	probes := 0
	for lo <= hi {
		mid := lo + (hi-lo)/2
		probes++
		switch c := strings.Compare(bl.entries[mid].Hash, hash); {
		case c == 0:
			return mid, probes
		case c > 0:
			hi = mid - 1
		default:
			lo = mid + 1
		}
	}
	return -1, probes
}

// HashStore holds the currently installed blacklist.
type HashStore struct {
	current atomic.Pointer[Blacklist]
}

// NewHashStore starts with the empty seed list.
func NewHashStore() *HashStore {
	s := &HashStore{}
	s.current.Store(NewBlacklist(nil, ""))
	return s
}

func (s *HashStore) Install(bl *Blacklist) {
	if bl == nil {
		return
	}
	s.current.Store(bl)
	metricBlacklistEntries.Set(float64(bl.Len()))
}

func (s *HashStore) Snapshot() *Blacklist {
	return s.current.Load()
}

func (s *HashStore) Lookup(hash string) (found, hasReplacement bool) {
	return s.current.Load().Lookup(hash)
}

// --- Parsing ---

type ParseStats struct {
	Rows      int
	Kept      int
	Blank     int
	NoMarker  int
	Malformed int
}

// ParseBlacklist reads newline separated "hash,marker" rows. Blank rows and rows
// with an empty hash are skipped; rows without a comma are kept with no marker.
func ParseBlacklist(r io.Reader) ([]BlacklistEntry, ParseStats, error) {
	var stats ParseStats
	var entries []BlacklistEntry

	scanner := bufio.NewScanner(r)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		stats.Rows++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			stats.Blank++
			continue
		}

		hashPart, markerPart, hasComma := bytes.Cut(line, []byte{','})
		hash := strings.ToLower(string(bytes.TrimSpace(hashPart)))
		if hash == "" {
			stats.Malformed++
			continue
		}
		entry := BlacklistEntry{Hash: hash}
		if hasComma {
			// extra columns are ignored
			marker, _, _ := bytes.Cut(markerPart, []byte{','})
			entry.Marker = string(bytes.TrimSpace(marker))
		} else {
			stats.NoMarker++
		}
		entries = append(entries, entry)
		stats.Kept++
	}
	if err := scanner.Err(); err != nil {
		return nil, stats, err
	}
	return entries, stats, nil
}

// EncodeBlacklist writes entries back in the row format ParseBlacklist reads.
func EncodeBlacklist(entries []BlacklistEntry) []byte {
	var b bytes.Buffer
	for _, e := range entries {
		b.WriteString(e.Hash)
		b.WriteByte(',')
		b.WriteString(e.Marker)
		b.WriteByte('\n')
	}
	return b.Bytes()
}
