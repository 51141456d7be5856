package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

type entry struct {
	data      []byte
	version   int64
	expiresAt time.Time // zero means no expiry
}

// InMemoryStore keeps checkpoints in process, serialized the same way as
// RedisStore. Used by the chat command and tests.
type InMemoryStore struct {
	mu      sync.Mutex
	entries map[string]entry
	now     func() time.Time
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		entries: make(map[string]entry),
		now:     time.Now,
	}
}

// get returns a live entry, evicting it when expired. Caller holds mu.
func (s *InMemoryStore) get(sessionID string) (entry, bool) {
	e, ok := s.entries[sessionID]
	if !ok {
		return entry{}, false
	}
	if !e.expiresAt.IsZero() && !s.now().Before(e.expiresAt) {
		delete(s.entries, sessionID)
		return entry{}, false
	}
	return e, true
}

func (s *InMemoryStore) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(ttl)
}

func (s *InMemoryStore) Load(_ context.Context, sessionID string) (*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.get(sessionID)
	if !ok {
		return nil, ErrNotFound
	}
	var checkpoint Checkpoint
	if err := json.Unmarshal(e.data, &checkpoint); err != nil {
		return nil, fmt.Errorf("failed to parse session data: %w", err)
	}
	return &checkpoint, nil
}

func (s *InMemoryStore) Save(_ context.Context, checkpoint *Checkpoint, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var current int64
	if e, ok := s.get(checkpoint.SessionID); ok {
		current = e.version
	}
	if current != checkpoint.Version {
		return ErrConflict
	}

	checkpoint.Version++
	data, err := json.Marshal(checkpoint)
	if err != nil {
		checkpoint.Version--
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	s.entries[checkpoint.SessionID] = entry{data: data, version: checkpoint.Version, expiresAt: s.expiry(ttl)}
	return nil
}

func (s *InMemoryStore) Delete(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, sessionID)
	return nil
}

func (s *InMemoryStore) Touch(_ context.Context, sessionID string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.get(sessionID)
	if !ok {
		return ErrNotFound
	}
	e.expiresAt = s.expiry(ttl)
	s.entries[sessionID] = e
	return nil
}

func (s *InMemoryStore) Ping(context.Context) error { return nil }

func (s *InMemoryStore) Close() error { return nil }
