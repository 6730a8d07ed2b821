package snapshot

import (
	"encoding/gob"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ErrInvalidChecksum is returned by Load when a snapshot file's stored
// checksum does not match its recomputed value — the caller should fall
// back to an older snapshot file per spec §4.8.
var ErrInvalidChecksum = errors.New("snapshot: checksum mismatch")

// ErrNoSnapshot is returned by LoadLatest when no snapshot file exists for
// a market.
var ErrNoSnapshot = errors.New("snapshot: no snapshot found")

// Loader reads Snapshot records back off disk.
type Loader struct {
	dir string
}

// NewLoader creates a Loader rooted at dir.
func NewLoader(dir string) *Loader {
	return &Loader{dir: dir}
}

// Load reads and verifies a single snapshot file.
func (l *Loader) Load(path string) (*Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var snap Snapshot
	if err := gob.NewDecoder(f).Decode(&snap); err != nil {
		return nil, err
	}
	if !snap.Verify() {
		return nil, ErrInvalidChecksum
	}
	return &snap, nil
}

// LoadLatest finds and loads the highest-sequence snapshot file for a
// market. If the latest file fails checksum verification, it falls back
// to progressively older files before giving up, per spec §4.8.
func (l *Loader) LoadLatest(marketID string) (*Snapshot, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, err
	}

	prefix := "snapshot_" + marketID + "_"
	var matches []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), prefix) {
			matches = append(matches, e.Name())
		}
	}
	if len(matches) == 0 {
		return nil, ErrNoSnapshot
	}
	sort.Slice(matches, func(i, j int) bool {
		return sequenceOf(matches[i], prefix) > sequenceOf(matches[j], prefix)
	})

	var lastErr error
	for _, name := range matches {
		snap, err := l.Load(filepath.Join(l.dir, name))
		if err == nil {
			return snap, nil
		}
		lastErr = err
	}
	return nil, lastErr
}
