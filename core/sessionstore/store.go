// Package sessionstore persists Session records. The engine only ever goes
// through the Repository interface.
package sessionstore

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/kilianp07/cpsim/core/model"
)

// ErrNotFound is returned when no session has the requested id.
var ErrNotFound = errors.New("session not found")

// Filter narrows List. Zero fields match everything.
type Filter struct {
	ChargePointID string
	State         model.ChargePointState
	ConnectedOnly bool
}

// Match reports whether s passes the filter.
func (f Filter) Match(s *model.Session) bool {
	if f.ChargePointID != "" && s.ChargePointID != f.ChargePointID {
		return false
	}
	if f.State != "" && s.State != f.State {
		return false
	}
	if f.ConnectedOnly && !s.Connected {
		return false
	}
	return true
}

// Repository is CRUD over sessions keyed by id.
type Repository interface {
	Save(ctx context.Context, s *model.Session) error
	Get(ctx context.Context, id string) (*model.Session, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, f Filter) ([]*model.Session, error)
}

// MemoryStore keeps copies of sessions in a map.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]*model.Session
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: map[string]*model.Session{}}
}

func (s *MemoryStore) Save(_ context.Context, sess *model.Session) error {
	if sess == nil || sess.ID == "" {
		return errors.New("session id is required")
	}
	c := sess.Clone()
	s.mu.Lock()
	s.data[c.ID] = c
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*model.Session, error) {
	s.mu.RLock()
	sess, ok := s.data[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return sess.Clone(), nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[id]; !ok {
		return ErrNotFound
	}
	delete(s.data, id)
	return nil
}

func (s *MemoryStore) List(_ context.Context, f Filter) ([]*model.Session, error) {
	s.mu.RLock()
	res := make([]*model.Session, 0, len(s.data))
	for _, sess := range s.data {
		if f.Match(sess) {
			res = append(res, sess.Clone())
		}
	}
	s.mu.RUnlock()
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res, nil
}
