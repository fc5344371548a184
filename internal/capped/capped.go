// Package capped provides a bounded, id-addressed append log.
//
// A Log keeps at most Cap entries. Appending beyond capacity evicts the
// oldest entries first, so the log always holds the most recent entries in
// insertion order (oldest first). Entries are looked up and removed by their
// key, never by position.
package capped

import (
	"encoding/json"
)

// Keyed is implemented by values stored in a Log.
type Keyed interface {
	Key() string
}

// Log is a capacity-bounded FIFO log. It is not safe for concurrent use;
// owners serialize access (the repository applies updates under a
// compare-and-swap on the owning row).
type Log[T Keyed] struct {
	capacity int
	entries  []T
}

// New creates an empty log holding at most capacity entries.
func New[T Keyed](capacity int) *Log[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Log[T]{
		capacity: capacity,
		entries:  make([]T, 0, min(capacity, 16)),
	}
}

// Append adds v as the newest entry and returns the entries evicted to stay
// within capacity, oldest first.
func (l *Log[T]) Append(v T) []T {
	l.entries = append(l.entries, v)
	return l.trim()
}

// Remove deletes the entry with the given key.
func (l *Log[T]) Remove(key string) (T, bool) {
	for i, e := range l.entries {
		if e.Key() == key {
			l.entries = append(l.entries[:i], l.entries[i+1:]...)
			return e, true
		}
	}
	var zero T
	return zero, false
}

// Get returns the entry with the given key.
func (l *Log[T]) Get(key string) (T, bool) {
	for _, e := range l.entries {
		if e.Key() == key {
			return e, true
		}
	}
	var zero T
	return zero, false
}

// Len returns the number of entries.
func (l *Log[T]) Len() int {
	return len(l.entries)
}

// Cap returns the capacity.
func (l *Log[T]) Cap() int {
	return l.capacity
}

// Items returns a copy of the entries, oldest first.
func (l *Log[T]) Items() []T {
	out := make([]T, len(l.entries))
	copy(out, l.entries)
	return out
}

// MarshalJSON encodes the entries, oldest first.
func (l *Log[T]) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.entries)
}

// UnmarshalJSON decodes entries and re-applies the capacity bound.
// A log decoded into its zero value has no bound until one is set with
// New, so callers decode into a log created by New.
func (l *Log[T]) UnmarshalJSON(data []byte) error {
	var entries []T
	if err := json.Unmarshal(data, &entries); err != nil {
		return err
	}
	l.entries = entries
	if l.capacity > 0 {
		l.trim()
	}
	return nil
}

func (l *Log[T]) trim() []T {
	over := len(l.entries) - l.capacity
	if over <= 0 {
		return nil
	}
	evicted := make([]T, over)
	copy(evicted, l.entries[:over])
	remaining := make([]T, l.capacity, max(l.capacity, 16))
	copy(remaining, l.entries[over:])
	l.entries = remaining
	return evicted
}
