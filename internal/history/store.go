package history

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ErrUnknownChannel is returned for channels outside the configured set.
var ErrUnknownChannel = errors.New("unknown channel")

// Entry is a single chat message retained in a channel's history window.
type Entry struct {
	Username string `json:"username"`
	Message  string `json:"message"`
}

// Store keeps a bounded window of recent chat entries per channel.
// The channel set is fixed at construction. Thread-safe via sync.RWMutex.
type Store struct {
	mu         sync.RWMutex
	channels   map[string]*ring
	maxEntries int
}

// NormalizeChannel strips a leading '#' and lowercases a channel name.
func NormalizeChannel(name string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(name), "#"))
}

// NewStore creates a store with an empty history for each channel, retaining
// up to maxEntries entries per channel.
func NewStore(channels []string, maxEntries int) (*Store, error) {
	if maxEntries <= 0 {
		return nil, fmt.Errorf("max entries must be positive, got %d", maxEntries)
	}
	s := &Store{
		channels:   make(map[string]*ring, len(channels)),
		maxEntries: maxEntries,
	}
	for _, ch := range channels {
		key := NormalizeChannel(ch)
		if key == "" {
			return nil, fmt.Errorf("empty channel name in %q", channels)
		}
		if _, ok := s.channels[key]; !ok {
			s.channels[key] = newRing(maxEntries)
		}
	}
	if len(s.channels) == 0 {
		return nil, errors.New("at least one channel is required")
	}
	return s, nil
}

// Append adds an entry to the channel's window, evicting the oldest entry
// once the window holds maxEntries.
func (s *Store) Append(channel string, e Entry) error {
	key := NormalizeChannel(channel)

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.channels[key]
	if !ok {
		return fmt.Errorf("append to %q: %w", key, ErrUnknownChannel)
	}
	r.add(e)
	return nil
}

// Get returns a copy of the channel's window, oldest first.
// A known channel with no entries yields an empty, non-nil slice.
func (s *Store) Get(channel string) ([]Entry, error) {
	key := NormalizeChannel(channel)

	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.channels[key]
	if !ok {
		return nil, fmt.Errorf("history for %q: %w", key, ErrUnknownChannel)
	}
	return r.snapshot(), nil
}

// Has reports whether the channel is part of the configured set.
func (s *Store) Has(channel string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.channels[NormalizeChannel(channel)]
	return ok
}

// Count returns the number of stored entries for a channel (0 if unknown).
func (s *Store) Count(channel string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.channels[NormalizeChannel(channel)]
	if !ok {
		return 0
	}
	return r.len()
}

// Total returns the number of stored entries across all channels.
func (s *Store) Total() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, r := range s.channels {
		n += r.len()
	}
	return n
}

// Channels returns the configured channel names, sorted.
func (s *Store) Channels() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.channels))
	for name := range s.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// MaxEntries returns the per-channel window size.
func (s *Store) MaxEntries() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.maxEntries
}

// Resize changes the window size, keeping the most recent entries of every
// channel that still fit.
func (s *Store) Resize(maxEntries int) error {
	if maxEntries <= 0 {
		return fmt.Errorf("max entries must be positive, got %d", maxEntries)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if maxEntries == s.maxEntries {
		return nil
	}
	for name, r := range s.channels {
		s.channels[name] = r.resized(maxEntries)
	}
	s.maxEntries = maxEntries
	return nil
}
