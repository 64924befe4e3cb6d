package auth

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory UserStore for tests and static deployments.
type MemoryStore struct {
	mu    sync.RWMutex
	users map[string]*User
	rules map[string][]*AclRule
}

var _ UserStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users: make(map[string]*User),
		rules: make(map[string][]*AclRule),
	}
}

func (s *MemoryStore) GetUser(_ context.Context, username string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[username]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

func (s *MemoryStore) PutUser(_ context.Context, u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *u
	s.users[u.Username] = &cp
	return nil
}

func (s *MemoryStore) DeleteUser(_ context.Context, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.users, username)
	delete(s.rules, username)
	return nil
}

func (s *MemoryStore) Rules(_ context.Context, username string) ([]*AclRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*AclRule, 0, len(s.rules[username]))
	for _, r := range s.rules[username] {
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) AllRules(_ context.Context) ([]*AclRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*AclRule
	for _, list := range s.rules {
		for _, r := range list {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) PutRule(_ context.Context, r *AclRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.rules[r.Username]
	for i, cand := range list {
		if cand.TopicPattern == r.TopicPattern {
			cp := *r
			list[i] = &cp
			return nil
		}
	}
	cp := *r
	s.rules[r.Username] = append(list, &cp)
	return nil
}

func (s *MemoryStore) DeleteRule(_ context.Context, username, pattern string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.rules[username]
	for i, r := range list {
		if r.TopicPattern == pattern {
			s.rules[username] = append(list[:i], list[i+1:]...)
			return nil
		}
	}
	return nil
}
