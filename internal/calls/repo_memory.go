package calls

import (
	"context"
	"sort"
	"sync"
)

// MemoryRepo keeps sessions in a map. Useful for tests and single-process dev runs.
type MemoryRepo struct {
	mu       sync.Mutex
	sessions map[string]Session
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{sessions: map[string]Session{}} }

func (r *MemoryRepo) Create(ctx context.Context, s Session) (Session, error) {
	if s.SessionID == "" {
		return Session{}, ErrInvalidSession
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[s.SessionID]; ok {
		return Session{}, ErrAlreadyExists
	}
	s.Version = 1
	r.sessions[s.SessionID] = s.Clone()
	return s, nil
}

func (r *MemoryRepo) Load(ctx context.Context, sessionID string) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return Session{}, ErrNotFound
	}
	return s.Clone(), nil
}

func (r *MemoryRepo) Save(ctx context.Context, s Session) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.sessions[s.SessionID]
	if !ok {
		return Session{}, ErrNotFound
	}
	if cur.Version != s.Version {
		return Session{}, ErrConflict
	}
	s.Version++
	r.sessions[s.SessionID] = s.Clone()
	return s, nil
}

func (r *MemoryRepo) List(ctx context.Context, f ListFilter) ([]Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		if f.Match(s) {
			out = append(out, s.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (r *MemoryRepo) FindByProviderCallID(ctx context.Context, providerCallID string) (Session, error) {
	if providerCallID == "" {
		return Session{}, ErrNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		if s.ProviderCallID == providerCallID {
			return s.Clone(), nil
		}
	}
	return Session{}, ErrNotFound
}
