package rulestore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"linkroute/internal/clock"
	"linkroute/internal/domain"
	"linkroute/internal/pattern"
)

var (
	// ErrPersist indicates the durable backend rejected a rule set write.
	ErrPersist = errors.New("persist rule set")
	// ErrInvalidAccount indicates an empty account id on a write.
	ErrInvalidAccount = errors.New("account id is required")
)

// Persister writes committed rule sets to durable storage.
// Params: full replacement rule set for one account.
// Returns: error when the write is not confirmed.
type Persister interface {
	Save(ctx context.Context, set domain.AccountRuleSet) error
}

// Store owns per-account rule sets with serialized writers and lock-free readers.
// Params: optional persister and clock for rule timestamps.
// Returns: rule store shared by resolution and authoring.
type Store struct {
	persist Persister
	clock   clock.Clock
	slots   sync.Map
}

// accountSlot holds the published set of one account and its writer lock.
type accountSlot struct {
	mu      sync.Mutex
	current atomic.Pointer[domain.AccountRuleSet]
}

// New creates an empty rule store.
// Params: persister (nil keeps rules in memory only) and clock (nil uses RealClock).
// Returns: initialized store.
func New(persist Persister, clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Store{persist: persist, clock: clk}
}

// Snapshot returns a point-in-time copy of one account's rules.
// Params: account id; unknown ids yield an empty set.
// Returns: deep copy that callers may modify freely.
func (s *Store) Snapshot(accountID string) domain.AccountRuleSet {
	accountID = strings.TrimSpace(accountID)
	value, ok := s.slots.Load(accountID)
	if !ok {
		return domain.AccountRuleSet{AccountID: accountID}
	}
	return value.(*accountSlot).load(accountID).Clone()
}

// Accounts lists account ids holding at least one rule.
// Params: none.
// Returns: sorted account ids.
func (s *Store) Accounts() []string {
	ids := make([]string, 0)
	s.slots.Range(func(key, value any) bool {
		if !value.(*accountSlot).load(key.(string)).IsEmpty() {
			ids = append(ids, key.(string))
		}
		return true
	})
	sort.Strings(ids)
	return ids
}

// SetNoMatchRule replaces the account fallback rule.
// Params: context for persistence, account id, and decision.
// Returns: ErrInvalidDecision, ErrPersist, or nil; identical decisions are no-ops.
func (s *Store) SetNoMatchRule(ctx context.Context, accountID string, decision domain.RouteDecision) error {
	normalized, err := decision.Normalize()
	if err != nil {
		return err
	}
	return s.commit(ctx, accountID, func(set *domain.AccountRuleSet) bool {
		if set.NoMatchRule != nil && set.NoMatchRule.Decision() == normalized {
			return false
		}
		set.NoMatchRule = &domain.NoMatchRule{
			Mode:      normalized.Mode,
			Target:    normalized.Target,
			CreatedAt: s.clock.Now(),
		}
		return true
	})
}

// ClearNoMatchRule removes the account fallback rule.
// Params: context for persistence and account id.
// Returns: whether a rule was removed, or ErrPersist.
func (s *Store) ClearNoMatchRule(ctx context.Context, accountID string) (bool, error) {
	removed := false
	err := s.commit(ctx, accountID, func(set *domain.AccountRuleSet) bool {
		if set.NoMatchRule == nil {
			return false
		}
		set.NoMatchRule = nil
		removed = true
		return true
	})
	return removed && err == nil, err
}

// InsertDomainRule adds a rule in specificity order.
// Params: context for persistence, account id, raw pattern, and decision.
// Returns: ErrInvalidPattern, ErrInvalidDecision, ErrPersist, or nil.
func (s *Store) InsertDomainRule(ctx context.Context, accountID, rawPattern string, decision domain.RouteDecision) error {
	p, err := pattern.Normalize(rawPattern)
	if err != nil {
		return err
	}
	normalized, err := decision.Normalize()
	if err != nil {
		return err
	}
	return s.commit(ctx, accountID, func(set *domain.AccountRuleSet) bool {
		rule := domain.DomainRule{
			Pattern:   p.Value,
			Mode:      normalized.Mode,
			Target:    normalized.Target,
			CreatedAt: s.clock.Now(),
		}
		rules := set.DomainRules
		for i := range rules {
			if rules[i].Pattern != p.Value {
				continue
			}
			if rules[i].SameAs(rule) {
				return false
			}
			rules = append(rules[:i:i], rules[i+1:]...)
			break
		}
		set.DomainRules = insertRanked(rules, rule, p)
		return true
	})
}

// RemoveDomainRule deletes the rule with the given pattern.
// Params: context for persistence, account id, and raw pattern.
// Returns: whether a rule was removed, ErrInvalidPattern, or ErrPersist.
func (s *Store) RemoveDomainRule(ctx context.Context, accountID, rawPattern string) (bool, error) {
	p, err := pattern.Normalize(rawPattern)
	if err != nil {
		return false, err
	}
	removed := false
	err = s.commit(ctx, accountID, func(set *domain.AccountRuleSet) bool {
		for i := range set.DomainRules {
			if set.DomainRules[i].Pattern == p.Value {
				set.DomainRules = append(set.DomainRules[:i:i], set.DomainRules[i+1:]...)
				removed = true
				return true
			}
		}
		return false
	})
	return removed && err == nil, err
}

// Hydrate installs sets loaded from the backend at startup without persisting them.
// Params: persisted rule sets.
// Returns: number of stored rules dropped because their pattern no longer normalizes.
// Domain rules are stably re-sorted by specificity; a set older than the published one is skipped.
func (s *Store) Hydrate(sets []domain.AccountRuleSet) int {
	dropped := 0
	for _, set := range sets {
		accountID := strings.TrimSpace(set.AccountID)
		if accountID == "" {
			continue
		}
		slot := s.slot(accountID)
		slot.mu.Lock()
		if current := slot.current.Load(); current == nil || set.Version >= current.Version {
			published, n := canonical(set, accountID)
			slot.current.Store(&published)
			dropped += n
		}
		slot.mu.Unlock()
	}
	return dropped
}

// Apply installs a replica update written by another instance.
// Params: rule set read from the shared backend.
// Returns: whether the set was applied (stale or equal versions are ignored) and dropped rule count.
func (s *Store) Apply(set domain.AccountRuleSet) (bool, int) {
	accountID := strings.TrimSpace(set.AccountID)
	if accountID == "" {
		return false, 0
	}
	slot := s.slot(accountID)
	slot.mu.Lock()
	defer slot.mu.Unlock()
	if current := slot.current.Load(); current != nil && set.Version <= current.Version {
		return false, 0
	}
	published, dropped := canonical(set, accountID)
	slot.current.Store(&published)
	return true, dropped
}

// commit runs one serialized read-modify-persist-publish cycle.
// Params: account id and mutation over a private copy (returns false for no-op).
// Returns: ErrInvalidAccount, ErrPersist, or nil.
func (s *Store) commit(ctx context.Context, accountID string, mutate func(set *domain.AccountRuleSet) bool) error {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return ErrInvalidAccount
	}
	slot := s.slot(accountID)
	slot.mu.Lock()
	defer slot.mu.Unlock()

	current := slot.load(accountID)
	next := current.Clone()
	if !mutate(&next) {
		return nil
	}
	next.AccountID = accountID
	next.Version = current.Version + 1
	next.UpdatedAt = s.clock.Now()

	if s.persist != nil {
		if err := s.persist.Save(ctx, next.Clone()); err != nil {
			return fmt.Errorf("%w: account %q: %w", ErrPersist, accountID, err)
		}
	}
	slot.current.Store(&next)
	return nil
}

// slot returns the account slot, creating it on first write.
func (s *Store) slot(accountID string) *accountSlot {
	if value, ok := s.slots.Load(accountID); ok {
		return value.(*accountSlot)
	}
	value, _ := s.slots.LoadOrStore(accountID, &accountSlot{})
	return value.(*accountSlot)
}

// load returns published set or an empty one.
func (a *accountSlot) load(accountID string) domain.AccountRuleSet {
	if current := a.current.Load(); current != nil {
		return *current
	}
	return domain.AccountRuleSet{AccountID: accountID}
}

// insertRanked places rule before the first existing rule of equal or lower rank.
// Params: rules in evaluation order, new rule, and its normalized pattern.
// Returns: new slice; ties resolve most-recently-inserted-first.
func insertRanked(rules []domain.DomainRule, rule domain.DomainRule, p pattern.Pattern) []domain.DomainRule {
	idx := len(rules)
	for i := range rules {
		if pattern.Compare(p, rankOf(rules[i])) >= 0 {
			idx = i
			break
		}
	}
	out := make([]domain.DomainRule, 0, len(rules)+1)
	out = append(out, rules[:idx]...)
	out = append(out, rule)
	out = append(out, rules[idx:]...)
	return out
}

// canonical copies set, re-normalizes stored patterns, and restores specificity order.
// Params: externally sourced set and trimmed account id.
// Returns: private copy safe to publish and count of rules dropped as invalid or duplicate.
func canonical(set domain.AccountRuleSet, accountID string) (domain.AccountRuleSet, int) {
	out := set.Clone()
	out.AccountID = accountID
	rules := make([]domain.DomainRule, 0, len(out.DomainRules))
	seen := make(map[string]struct{}, len(out.DomainRules))
	for _, rule := range out.DomainRules {
		p, err := pattern.Normalize(rule.Pattern)
		if err != nil {
			continue
		}
		if _, dup := seen[p.Value]; dup {
			continue
		}
		seen[p.Value] = struct{}{}
		rule.Pattern = p.Value
		rules = append(rules, rule)
	}
	dropped := len(out.DomainRules) - len(rules)
	if out.DomainRules == nil {
		rules = nil
	}
	out.DomainRules = rules
	sort.SliceStable(out.DomainRules, func(i, j int) bool {
		return pattern.Compare(rankOf(out.DomainRules[i]), rankOf(out.DomainRules[j])) > 0
	})
	return out, dropped
}

// rankOf classifies stored pattern; stored patterns are already normalized.
func rankOf(rule domain.DomainRule) pattern.Pattern {
	return pattern.Pattern{Value: rule.Pattern, Kind: pattern.Classify(rule.Pattern)}
}
