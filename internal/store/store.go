// Package store implements the key-value mapping at the heart of the
// server: a hash map from byte-string key to a tagged Value (string or
// list), with lazy TTL expiry and live counters.
//
// The store has exactly one owner, the event loop goroutine (see
// internal/eventloop), so this type takes no lock at all: it is read and
// mutated only from that goroutine, never concurrently.
package store

import (
	"errors"
	"time"

	"go.uber.org/zap"
)

// ErrTypeMismatch is returned when an operation expects one value kind
// (string or list) and finds the other.
var ErrTypeMismatch = errors.New("ERR Operation against a key holding the wrong kind of value")

type entry struct {
	key string
	val Value
}

// Store is the process's single key-value map.
type Store struct {
	log         *zap.Logger
	entries     map[string]*entry
	expiryCount int
	now         func() int64 // overridable for tests
}

// New constructs an empty store.
func New(log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{
		log:     log.Named("store"),
		entries: make(map[string]*entry),
		now:     nowMs,
	}
}

func nowMs() int64 { return time.Now().UnixMilli() }

// Set inserts or overwrites key with val. If a prior value of a different
// kind occupied the key it is discarded; that is not a TypeMismatch, it is
// expected SET behavior (SET always replaces whole values).
func (s *Store) Set(key string, val Value) {
	s.setEntry(key, val)
}

func (s *Store) setEntry(key string, val Value) {
	prev, existed := s.entries[key]
	if existed && prev.val.ExpireAt > 0 {
		s.expiryCount--
	}
	if !existed {
		s.entries[key] = &entry{key: key, val: val}
	} else {
		prev.val = val
	}
	if val.ExpireAt > 0 {
		s.expiryCount++
	}
}

// Get returns the value stored at key, or (Value{}, false) if absent or
// lazily expired. A lazily expired entry is deleted as a side effect.
func (s *Store) Get(key string) (Value, bool) {
	e, ok := s.entries[key]
	if !ok {
		return Value{}, false
	}
	if e.val.Expired(s.now()) {
		s.removeEntry(key, e)
		return Value{}, false
	}
	return e.val, true
}

// Exists reports whether key currently maps to a value. It does not
// trigger lazy expiry.
func (s *Store) Exists(key string) bool {
	_, ok := s.entries[key]
	return ok
}

// Delete removes key if present and reports whether a deletion occurred.
func (s *Store) Delete(key string) bool {
	e, ok := s.entries[key]
	if !ok {
		return false
	}
	s.removeEntry(key, e)
	return true
}

func (s *Store) removeEntry(key string, e *entry) {
	if e.val.ExpireAt > 0 {
		s.expiryCount--
	}
	delete(s.entries, key)
}

// LPush prepends items to the list at key, creating it if absent. Returns
// the new length, or ErrTypeMismatch if key holds a string.
func (s *Store) LPush(key string, items ...[]byte) (int, error) {
	return s.push(key, true, items)
}

// RPush appends items to the list at key, creating it if absent. Returns
// the new length, or ErrTypeMismatch if key holds a string.
func (s *Store) RPush(key string, items ...[]byte) (int, error) {
	return s.push(key, false, items)
}

func (s *Store) push(key string, left bool, items [][]byte) (int, error) {
	e, ok := s.entries[key]
	if ok && e.val.Expired(s.now()) {
		s.removeEntry(key, e)
		ok = false
	}
	if !ok {
		e = &entry{key: key, val: Value{Kind: KindList}}
		s.entries[key] = e
	} else if e.val.Kind != KindList {
		return 0, ErrTypeMismatch
	}
	if left {
		// LPUSH a b c results in list [c, b, a]: each pushed item becomes
		// the new head, in argument order.
		for _, it := range items {
			e.val.List = append([][]byte{it}, e.val.List...)
		}
	} else {
		e.val.List = append(e.val.List, items...)
	}
	return len(e.val.List), nil
}

// LRange returns the slice of items in [start,end] after Redis-style
// negative-index normalization. Missing key returns an empty, non-nil
// slice. A non-list value is a TypeMismatch.
func (s *Store) LRange(key string, start, end int) ([][]byte, error) {
	e, ok := s.entries[key]
	if !ok || e.val.Expired(s.now()) {
		return [][]byte{}, nil
	}
	if e.val.Kind != KindList {
		return nil, ErrTypeMismatch
	}
	length := len(e.val.List)
	start = normalizeIndex(start, length)
	end = normalizeIndex(end, length)
	if start < 0 {
		start = 0
	}
	// start is now >= 0, so start > end is also true whenever end is still
	// negative (i.e. end was out of range on the low side even after
	// normalization) — that falls straight into the empty-result case
	// below without needing a separate end < 0 check.
	if start > end || start >= length || length == 0 {
		return [][]byte{}, nil
	}
	if end >= length {
		end = length - 1
	}
	out := make([][]byte, end-start+1)
	copy(out, e.val.List[start:end+1])
	return out, nil
}

func normalizeIndex(i, length int) int {
	if i < 0 {
		i = length + i
	}
	return i
}

// DBSize returns the number of live entries. O(1).
func (s *Store) DBSize() int { return len(s.entries) }

// ExpiryCount returns the number of live entries with a nonzero
// expiration. O(1).
func (s *Store) ExpiryCount() int { return s.expiryCount }

// FlushAll removes every entry, resetting both counters to zero.
func (s *Store) FlushAll() {
	s.entries = make(map[string]*entry)
	s.expiryCount = 0
}

// Keys returns a snapshot slice of all live keys, for iteration by the
// snapshot codec. Lazily-expired keys are skipped but not removed (the
// caller is expected to be serializing a point-in-time view, not mutating
// the store).
func (s *Store) Keys() []string {
	now := s.now()
	keys := make([]string, 0, len(s.entries))
	for k, e := range s.entries {
		if e.val.Expired(now) {
			continue
		}
		keys = append(keys, k)
	}
	return keys
}

// Peek returns the value at key without triggering lazy expiry or
// mutating the store, for use by the snapshot writer which must not
// change store state mid-iteration.
func (s *Store) Peek(key string) (Value, bool) {
	e, ok := s.entries[key]
	if !ok {
		return Value{}, false
	}
	return e.val, true
}
