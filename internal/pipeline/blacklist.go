package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// Blacklist is a persistent set of absolute archive paths that enumeration
// skips. Archives whose conversion produced net growth are appended so later
// rounds stop re-trying them.
type Blacklist struct {
	path string

	mu  sync.Mutex
	set map[string]struct{}
}

// LoadBlacklist reads the JSON path list at path. A missing file yields an
// empty blacklist; an empty path disables persistence but still tracks
// in-memory additions.
func LoadBlacklist(path string) (*Blacklist, error) {
	b := &Blacklist{path: path, set: make(map[string]struct{})}
	if path == "" {
		return b, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return b, nil
		}
		return nil, fmt.Errorf("read blacklist: %w", err)
	}

	var entries []string
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse blacklist %s: %w", path, err)
	}
	for _, entry := range entries {
		if abs, absErr := filepath.Abs(entry); absErr == nil {
			b.set[abs] = struct{}{}
		}
	}
	return b, nil
}

// Contains reports whether the absolute path is blacklisted.
func (b *Blacklist) Contains(abs string) bool {
	if b == nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.set[abs]
	return ok
}

// Add records the path and rewrites the backing file when one is configured.
func (b *Blacklist) Add(abs string) error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.set[abs]; ok {
		return nil
	}
	b.set[abs] = struct{}{}

	if b.path == "" {
		return nil
	}
	entries := make([]string, 0, len(b.set))
	for entry := range b.set {
		entries = append(entries, entry)
	}
	sort.Strings(entries)

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(b.path, data, 0o644)
}
