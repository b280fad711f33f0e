package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// DomainRule routes links whose URL matches pattern.
// Params: hostname or URL-prefix pattern plus decision fields.
// Returns: one entry of an account's ordered rule list.
type DomainRule struct {
	Pattern   string         `json:"pattern"`
	Mode      WindowOpenMode `json:"mode"`
	Target    string         `json:"target,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Decision returns rule decision fields.
// Params: none.
// Returns: route decision of the rule.
func (r DomainRule) Decision() RouteDecision {
	return RouteDecision{Mode: r.Mode, Target: r.Target}
}

// SameAs reports whether rule has identical pattern, mode, and target.
// Params: other rule.
// Returns: true for equal triples.
func (r DomainRule) SameAs(other DomainRule) bool {
	return r.Pattern == other.Pattern && r.Mode == other.Mode && r.Target == other.Target
}

// NoMatchRule is the account fallback when no domain rule matches.
type NoMatchRule struct {
	Mode      WindowOpenMode `json:"mode"`
	Target    string         `json:"target,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Decision returns rule decision fields.
// Params: none.
// Returns: route decision of the rule.
func (r NoMatchRule) Decision() RouteDecision {
	return RouteDecision{Mode: r.Mode, Target: r.Target}
}

// AccountRuleSet holds all link routing rules of one account.
// Params: account id, commit version, domain rules in evaluation order, and optional fallback.
// Returns: immutable value once published by the rule store.
type AccountRuleSet struct {
	AccountID   string       `json:"account_id"`
	Version     uint64       `json:"version"`
	DomainRules []DomainRule `json:"domain_rules"`
	NoMatchRule *NoMatchRule `json:"no_match_rule,omitempty"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// IsEmpty reports whether set has no rules.
// Params: none.
// Returns: true when set is equivalent to an absent set.
func (s AccountRuleSet) IsEmpty() bool {
	return len(s.DomainRules) == 0 && s.NoMatchRule == nil
}

// Clone returns deep copy without shared slices or pointers.
// Params: none.
// Returns: independent rule set copy.
func (s AccountRuleSet) Clone() AccountRuleSet {
	out := s
	if s.DomainRules != nil {
		out.DomainRules = make([]DomainRule, len(s.DomainRules))
		copy(out.DomainRules, s.DomainRules)
	}
	if s.NoMatchRule != nil {
		fallback := *s.NoMatchRule
		out.NoMatchRule = &fallback
	}
	return out
}

// EncodeRuleSet serializes rule set for persistence backends.
// Params: rule set value.
// Returns: JSON payload or encode error.
func EncodeRuleSet(set AccountRuleSet) ([]byte, error) {
	body, err := json.Marshal(set)
	if err != nil {
		return nil, fmt.Errorf("encode rule set %q: %w", set.AccountID, err)
	}
	return body, nil
}

// DecodeRuleSet deserializes and validates one persisted rule set.
// Params: JSON payload.
// Returns: validated rule set or decode/validation error.
func DecodeRuleSet(raw []byte) (AccountRuleSet, error) {
	var set AccountRuleSet
	if err := json.Unmarshal(raw, &set); err != nil {
		return AccountRuleSet{}, fmt.Errorf("decode rule set: %w", err)
	}
	if err := set.Validate(); err != nil {
		return AccountRuleSet{}, err
	}
	return set, nil
}

// Validate checks structural rule set contract.
// Params: decoded rule set fields.
// Returns: validation error naming the offending entry.
func (s AccountRuleSet) Validate() error {
	if strings.TrimSpace(s.AccountID) == "" {
		return errors.New("account_id is required")
	}
	for i, rule := range s.DomainRules {
		if strings.TrimSpace(rule.Pattern) == "" {
			return fmt.Errorf("domain_rules[%d]: %w: empty pattern", i, ErrInvalidPattern)
		}
		if _, err := rule.Decision().Normalize(); err != nil {
			return fmt.Errorf("domain_rules[%d]: %w", i, err)
		}
	}
	if s.NoMatchRule != nil {
		if _, err := s.NoMatchRule.Decision().Normalize(); err != nil {
			return fmt.Errorf("no_match_rule: %w", err)
		}
	}
	return nil
}
