package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jeefy/askrelay/internal/models"
)

// memoryStore is the in-memory implementation of Store used for testing and
// local development. Its contents do not survive a restart.
type memoryStore struct {
	mu      sync.RWMutex
	entries map[int64]*models.LogEntry
	ids     []int64
	nextID  int64
	closed  bool
}

// NewMemory returns a new in-memory Store.
func NewMemory() Store {
	return &memoryStore{
		entries: make(map[int64]*models.LogEntry),
		ids:     []int64{},
		nextID:  1,
	}
}

var errClosed = errors.New("store closed")

func (s *memoryStore) Create(ctx context.Context, question, requester string) (int64, error) {
	if question == "" {
		return 0, errors.New("empty question")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, errClosed
	}
	id := s.nextID
	s.nextID++
	s.entries[id] = &models.LogEntry{
		ID:        id,
		Question:  question,
		Requester: normalizeRequester(requester),
		CreatedAt: time.Now().UTC(),
	}
	s.ids = append(s.ids, id)
	return id, nil
}

func (s *memoryStore) SetAnswer(ctx context.Context, id int64, answer string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed
	}
	e, ok := s.entries[id]
	if !ok {
		return ErrNotFound
	}
	if e.Answer != nil {
		return ErrAnswerAlreadySet
	}
	a := answer
	e.Answer = &a
	return nil
}

func (s *memoryStore) Get(ctx context.Context, id int64) (*models.LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneEntry(e), nil
}

func (s *memoryStore) List(ctx context.Context, offset, limit int) ([]*models.LogEntry, error) {
	offset, limit = normalizePage(offset, limit)
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*models.LogEntry{}
	for i := len(s.ids) - 1 - offset; i >= 0 && len(out) < limit; i-- {
		out = append(out, cloneEntry(s.entries[s.ids[i]]))
	}
	return out, nil
}

func (s *memoryStore) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ids), nil
}

func (s *memoryStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errClosed
	}
	return nil
}

func (s *memoryStore) SchemaVersion(ctx context.Context) (int, error) {
	return latestVersion(), nil
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func cloneEntry(e *models.LogEntry) *models.LogEntry {
	if e == nil {
		return nil
	}
	c := *e
	if e.Answer != nil {
		a := *e.Answer
		c.Answer = &a
	}
	return &c
}
