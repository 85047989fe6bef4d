package security

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
	"time"
)

// ErrKeyReused is returned when an idempotency key comes back with a
// different request body.
var ErrKeyReused = errors.New("idempotency key reused with a different request")

// IdempotencyStore maps client idempotency keys to the job they created.
type IdempotencyStore struct {
	entries  map[string]*IdempotencyEntry
	mu       sync.RWMutex
	ttl      time.Duration
	stop     chan struct{}
	stopOnce sync.Once
}

// IdempotencyEntry is the remembered outcome of a keyed request.
type IdempotencyEntry struct {
	Key         string      `json:"key"`
	Fingerprint string      `json:"fingerprint"`
	JobID       string      `json:"job_id"`
	Response    interface{} `json:"response"`
	ExpiresAt   time.Time   `json:"expires_at"`
}

// Fingerprint hashes a request body so replays can be told from key reuse.
func Fingerprint(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// NewIdempotencyStore starts a store whose entries live for ttl.
func NewIdempotencyStore(ttl time.Duration) *IdempotencyStore {
	s := &IdempotencyStore{
		entries: make(map[string]*IdempotencyEntry),
		ttl:     ttl,
		stop:    make(chan struct{}),
	}
	go s.sweepLoop()
	return s
}

// Lookup returns the live entry for key. An entry recorded for another
// fingerprint yields ErrKeyReused; an empty fingerprint matches any.
func (s *IdempotencyStore) Lookup(key, fingerprint string) (*IdempotencyEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[key]
	if !ok || time.Now().After(entry.ExpiresAt) {
		return nil, nil
	}
	if fingerprint != "" && entry.Fingerprint != "" && fingerprint != entry.Fingerprint {
		return nil, ErrKeyReused
	}
	return entry, nil
}

// Remember records the job created for key. An existing live entry wins.
func (s *IdempotencyStore) Remember(key, fingerprint, jobID string, response interface{}) *IdempotencyEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if entry, ok := s.entries[key]; ok && now.Before(entry.ExpiresAt) {
		return entry
	}
	entry := &IdempotencyEntry{
		Key:         key,
		Fingerprint: fingerprint,
		JobID:       jobID,
		Response:    response,
		ExpiresAt:   now.Add(s.ttl),
	}
	s.entries[key] = entry
	return entry
}

// Forget drops key.
func (s *IdempotencyStore) Forget(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
}

// Len counts stored entries, expired ones included until the next sweep.
func (s *IdempotencyStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Stop ends the sweeper.
func (s *IdempotencyStore) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *IdempotencyStore) sweepLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			s.sweep(now)
		case <-s.stop:
			return
		}
	}
}

func (s *IdempotencyStore) sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for key, entry := range s.entries {
		if now.After(entry.ExpiresAt) {
			delete(s.entries, key)
			n++
		}
	}
	return n
}
