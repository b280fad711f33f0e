package state

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"linkroute/internal/domain"
)

// MemoryStore keeps rule sets in process memory for single-instance mode.
// Params: encoded rule sets keyed by account id.
// Returns: backend implementation without external dependencies.
type MemoryStore struct {
	mu       sync.RWMutex
	sets     map[string][]byte
	versions map[string]uint64
}

// NewMemoryStore creates in-memory backend.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sets: make(map[string][]byte), versions: make(map[string]uint64)}
}

// Load returns a decoded copy of one stored set.
// Params: account id.
// Returns: rule set or ErrNotFound.
func (s *MemoryStore) Load(_ context.Context, accountID string) (domain.AccountRuleSet, error) {
	s.mu.RLock()
	body, ok := s.sets[accountID]
	s.mu.RUnlock()
	if !ok {
		return domain.AccountRuleSet{}, ErrNotFound
	}
	return domain.DecodeRuleSet(body)
}

// LoadAll returns all stored sets ordered by account id.
func (s *MemoryStore) LoadAll(_ context.Context) ([]domain.AccountRuleSet, error) {
	s.mu.RLock()
	ids := make([]string, 0, len(s.sets))
	for id := range s.sets {
		ids = append(ids, id)
	}
	bodies := make([][]byte, 0, len(ids))
	sort.Strings(ids)
	for _, id := range ids {
		bodies = append(bodies, s.sets[id])
	}
	s.mu.RUnlock()

	out := make([]domain.AccountRuleSet, 0, len(bodies))
	for i, body := range bodies {
		set, err := domain.DecodeRuleSet(body)
		if err != nil {
			return nil, fmt.Errorf("account %q: %w", ids[i], err)
		}
		out = append(out, set)
	}
	return out, nil
}

// Save stores encoded set when it follows the stored version.
// Params: context (honored for cancellation) and rule set.
// Returns: encode, context, or ErrConflict error.
func (s *MemoryStore) Save(ctx context.Context, set domain.AccountRuleSet) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := domain.EncodeRuleSet(set)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if stored, ok := s.versions[set.AccountID]; ok && stored+1 != set.Version {
		return conflictError(set.AccountID, stored, set.Version)
	}
	s.sets[set.AccountID] = body
	s.versions[set.AccountID] = set.Version
	return nil
}

// Close is a no-op for memory backend.
func (s *MemoryStore) Close() error {
	return nil
}
