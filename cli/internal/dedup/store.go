package dedup

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DefaultLimit is how many reported keys the state file keeps
const DefaultLimit = 10000

// stateFile is the on-disk layout of the collector state
type stateFile struct {
	LastReportedTimestamp int64    `json:"lastReportedTimestamp"`
	ReportedRecords       []string `json:"reportedRecords"`
}

// Store is the persisted set of record keys already delivered to the server.
// It keeps insertion order and evicts the oldest keys beyond its limit.
type Store struct {
	path  string
	limit int

	mu           sync.Mutex
	lastReported int64
	order        []string
	set          map[string]struct{}
}

// New returns an empty store that flushes to path
func New(path string, limit int) *Store {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Store{
		path:  path,
		limit: limit,
		set:   make(map[string]struct{}),
	}
}

// Load reads the state file at path. A missing file yields an empty store.
// On a decode error the returned store is empty but still usable, so the
// caller can log the error and carry on.
func Load(path string, limit int) (*Store, error) {
	s := New(path, limit)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return s, fmt.Errorf("read state %s: %w", path, err)
	}

	var state stateFile
	if err := json.Unmarshal(data, &state); err != nil {
		return s, fmt.Errorf("decode state %s: %w", path, err)
	}

	s.lastReported = state.LastReportedTimestamp
	s.add(state.ReportedRecords)
	return s, nil
}

// Path returns the file the store flushes to
func (s *Store) Path() string {
	return s.path
}

// Has reports whether key was delivered in an earlier batch or run
func (s *Store) Has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.set[key]
	return ok
}

// Mark records keys as delivered. It does not write to disk; call Flush.
func (s *Store) Mark(now time.Time, keys ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.add(keys)
	s.lastReported = now.Unix()
}

// Len returns the number of keys held
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

// LastReported returns the time of the last Mark, zero if never
func (s *Store) LastReported() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastReported == 0 {
		return time.Time{}
	}
	return time.Unix(s.lastReported, 0)
}

// Flush writes the store atomically (temp file + rename)
func (s *Store) Flush() error {
	s.mu.Lock()
	state := stateFile{
		LastReportedTimestamp: s.lastReported,
		ReportedRecords:       append([]string(nil), s.order...),
	}
	s.mu.Unlock()

	if state.ReportedRecords == nil {
		state.ReportedRecords = []string{}
	}

	data, err := json.Marshal(state)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace state: %w", err)
	}
	return nil
}

// add must be called with mu held (or before the store is shared)
func (s *Store) add(keys []string) {
	for _, k := range keys {
		if _, ok := s.set[k]; ok {
			continue
		}
		s.set[k] = struct{}{}
		s.order = append(s.order, k)
	}

	if over := len(s.order) - s.limit; over > 0 {
		for _, k := range s.order[:over] {
			delete(s.set, k)
		}
		s.order = append([]string(nil), s.order[over:]...)
	}
}
