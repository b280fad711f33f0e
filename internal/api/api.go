package api

import (
	"context"
	"errors"
	"net/http"

	"linkroute/internal/domain"
	"linkroute/internal/rulestore"
)

// Error codes returned to UI callers.
const (
	CodeInvalidPattern  = "invalid_pattern"
	CodeInvalidDecision = "invalid_decision"
	CodeInvalidScope    = "invalid_scope"
	CodePersistFailed   = "persist_failed"
	CodeBadRequest      = "bad_request"
	CodeNotFound        = "not_found"
)

// Router is the service surface shared by HTTP and NATS transports.
// Params: decoded UI requests.
// Returns: outcomes, rule sets, and typed errors.
type Router interface {
	Resolve(ctx context.Context, request domain.LinkOpenRequest) domain.Outcome
	Remember(ctx context.Context, request domain.RememberRequest) error
	Rules(accountID string) domain.AccountRuleSet
	RemoveDomainRule(ctx context.Context, accountID, pattern string) (bool, error)
	ClearNoMatchRule(ctx context.Context, accountID string) (bool, error)
}

// ErrorReply is the JSON body of a failed call.
type ErrorReply struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// classify maps router errors to HTTP status and error code.
// Params: error from decode or router call.
// Returns: status and code; unknown errors are treated as bad requests.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrInvalidPattern):
		return http.StatusUnprocessableEntity, CodeInvalidPattern
	case errors.Is(err, domain.ErrInvalidDecision):
		return http.StatusUnprocessableEntity, CodeInvalidDecision
	case errors.Is(err, domain.ErrInvalidScope):
		return http.StatusUnprocessableEntity, CodeInvalidScope
	case errors.Is(err, rulestore.ErrPersist):
		return http.StatusServiceUnavailable, CodePersistFailed
	default:
		return http.StatusBadRequest, CodeBadRequest
	}
}

// rulesView returns set with non-nil rule list for stable JSON.
func rulesView(set domain.AccountRuleSet, accountID string) domain.AccountRuleSet {
	set.AccountID = accountID
	if set.DomainRules == nil {
		set.DomainRules = []domain.DomainRule{}
	}
	return set
}
