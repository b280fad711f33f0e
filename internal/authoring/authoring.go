package authoring

import (
	"context"
	"fmt"
	"strings"

	"linkroute/internal/domain"
	"linkroute/internal/pattern"
)

// RuleWriter is the write side of the rule store.
// Params: account id, pattern, and decision.
// Returns: validation or persistence error.
type RuleWriter interface {
	SetNoMatchRule(ctx context.Context, accountID string, decision domain.RouteDecision) error
	InsertDomainRule(ctx context.Context, accountID, rawPattern string, decision domain.RouteDecision) error
}

// Author turns interactive choices into stored rules.
type Author struct {
	rules RuleWriter
}

// New creates rule author.
// Params: rule writer (usually *rulestore.Store).
// Returns: author instance.
func New(rules RuleWriter) *Author {
	return &Author{rules: rules}
}

// Remember persists a user choice according to its scope.
// Params: context bounding the persistence call and remember request.
// Returns: ErrInvalidScope/ErrInvalidDecision/ErrInvalidPattern, a persistence error, or nil after the write is confirmed.
func (a *Author) Remember(ctx context.Context, request domain.RememberRequest) error {
	scope, err := domain.ParseRememberScope(string(request.Scope))
	if err != nil {
		return err
	}
	decision, err := request.Decision()
	if err != nil {
		return err
	}

	switch scope {
	case domain.ScopeNone:
		return nil
	case domain.ScopeAccount:
		return a.rules.SetNoMatchRule(ctx, request.AccountID, decision)
	case domain.ScopeDomain:
		p, err := DomainPattern(request)
		if err != nil {
			return err
		}
		return a.rules.InsertDomainRule(ctx, request.AccountID, p, decision)
	default:
		return fmt.Errorf("%w: %q", domain.ErrInvalidScope, request.Scope)
	}
}

// DomainPattern picks the pattern for a domain-scoped choice.
// Params: remember request; a user-edited pattern wins over the source URL host.
// Returns: normalized pattern or error wrapping domain.ErrInvalidPattern.
func DomainPattern(request domain.RememberRequest) (string, error) {
	if edited := strings.TrimSpace(request.Pattern); edited != "" {
		p, err := pattern.Normalize(edited)
		if err != nil {
			return "", err
		}
		return p.Value, nil
	}
	p, err := pattern.HostPattern(request.SourceURL)
	if err != nil {
		return "", err
	}
	return p.Value, nil
}
