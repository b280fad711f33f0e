package engine

import (
	"linkroute/internal/domain"
	"linkroute/internal/pattern"
)

// RuleSource provides point-in-time rule sets.
// Params: account id.
// Returns: immutable snapshot; unknown accounts yield an empty set.
type RuleSource interface {
	Snapshot(accountID string) domain.AccountRuleSet
}

// Engine resolves link-open requests against stored rules.
// Params: rule source for snapshots.
// Returns: stateless resolver safe for concurrent use.
type Engine struct {
	rules RuleSource
}

// New creates resolution engine.
// Params: rule source (usually *rulestore.Store).
// Returns: engine instance.
func New(rules RuleSource) *Engine {
	return &Engine{rules: rules}
}

// Resolve decides where one link opens.
// Params: link-open request.
// Returns: decided outcome from a domain or no-match rule, or needs-user-choice.
func (e *Engine) Resolve(request domain.LinkOpenRequest) domain.Outcome {
	if request.IsCommandTrigger {
		return domain.NeedsUserChoice(domain.ReasonCommandTrigger)
	}

	set := e.rules.Snapshot(request.AccountID)
	if rule, ok := FirstMatch(set.DomainRules, request.TargetURL); ok {
		return domain.Decided(rule.Decision(), domain.SourceDomainRule, rule.Pattern)
	}
	if set.NoMatchRule != nil {
		return domain.Decided(set.NoMatchRule.Decision(), domain.SourceNoMatchRule, "")
	}
	return domain.NeedsUserChoice(domain.ReasonNoRule)
}

// FirstMatch returns the first rule in stored order whose pattern matches URL.
// Params: rules in evaluation order and raw target URL.
// Returns: matching rule and true; false when URL is malformed or nothing matches.
func FirstMatch(rules []domain.DomainRule, targetURL string) (domain.DomainRule, bool) {
	if len(rules) == 0 {
		return domain.DomainRule{}, false
	}
	target := pattern.ParseTarget(targetURL)
	if !target.Valid() {
		return domain.DomainRule{}, false
	}
	for _, rule := range rules {
		p := pattern.Pattern{Value: rule.Pattern, Kind: pattern.Classify(rule.Pattern)}
		if target.Matches(p) {
			return rule, true
		}
	}
	return domain.DomainRule{}, false
}
