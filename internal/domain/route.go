package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidPattern indicates a rule pattern that cannot be used or derived.
	ErrInvalidPattern = errors.New("invalid pattern")
	// ErrInvalidDecision indicates an unknown window open mode or a missing target.
	ErrInvalidDecision = errors.New("invalid route decision")
	// ErrInvalidScope indicates an unsupported remember scope.
	ErrInvalidScope = errors.New("invalid remember scope")
)

// WindowOpenMode identifies where a link is opened.
// Params: closed set of mode constants.
// Returns: mode used by rules and decisions.
type WindowOpenMode string

const (
	// ModeAppWindow opens the link inside the aggregator's own window.
	ModeAppWindow WindowOpenMode = "app_window"
	// ModeSystemBrowser opens the link in the platform default browser.
	ModeSystemBrowser WindowOpenMode = "system_browser"
	// ModeCustomProvider hands the link to a registered link-handling application.
	ModeCustomProvider WindowOpenMode = "custom_provider"
	// ModeServiceRunningTab opens the link in the running tab of a service.
	ModeServiceRunningTab WindowOpenMode = "service_running_tab"
	// ModeServiceWindow opens the link in a dedicated window of a service.
	ModeServiceWindow WindowOpenMode = "service_window"
)

// ParseWindowOpenMode normalizes and validates mode name.
// Params: raw mode name from transport or config.
// Returns: known mode or ErrInvalidDecision.
func ParseWindowOpenMode(value string) (WindowOpenMode, error) {
	mode := WindowOpenMode(strings.ToLower(strings.TrimSpace(value)))
	switch mode {
	case ModeAppWindow, ModeSystemBrowser, ModeCustomProvider, ModeServiceRunningTab, ModeServiceWindow:
		return mode, nil
	default:
		return "", fmt.Errorf("%w: unsupported mode %q", ErrInvalidDecision, value)
	}
}

// RequiresTarget reports whether mode needs provider or service id.
// Params: none.
// Returns: true for custom provider and service modes.
func (m WindowOpenMode) RequiresTarget() bool {
	switch m {
	case ModeCustomProvider, ModeServiceRunningTab, ModeServiceWindow:
		return true
	default:
		return false
	}
}

// RouteDecision is the resolved instruction for where a link opens.
// Params: mode and optional provider/service target.
// Returns: value handed to the external executor.
type RouteDecision struct {
	Mode   WindowOpenMode `json:"mode"`
	Target string         `json:"target,omitempty"`
}

// NewRouteDecision builds a validated decision from raw mode and target.
// Params: mode name and target id.
// Returns: normalized decision or ErrInvalidDecision.
func NewRouteDecision(mode, target string) (RouteDecision, error) {
	parsed, err := ParseWindowOpenMode(mode)
	if err != nil {
		return RouteDecision{}, err
	}
	return RouteDecision{Mode: parsed, Target: target}.Normalize()
}

// Normalize validates decision and drops targets that mode does not use.
// Params: none.
// Returns: normalized copy or ErrInvalidDecision.
func (d RouteDecision) Normalize() (RouteDecision, error) {
	mode, err := ParseWindowOpenMode(string(d.Mode))
	if err != nil {
		return RouteDecision{}, err
	}
	target := strings.TrimSpace(d.Target)
	if !mode.RequiresTarget() {
		return RouteDecision{Mode: mode}, nil
	}
	if target == "" {
		return RouteDecision{}, fmt.Errorf("%w: mode %s requires target", ErrInvalidDecision, mode)
	}
	return RouteDecision{Mode: mode, Target: target}, nil
}

// String renders decision as mode or mode/target.
// Params: none.
// Returns: compact human-readable form.
func (d RouteDecision) String() string {
	if d.Target == "" {
		return string(d.Mode)
	}
	return string(d.Mode) + "/" + d.Target
}

// LinkOpenRequest describes one link activation.
// Params: target URL, owning account, optional service, and command-trigger flag.
// Returns: immutable input for resolution.
type LinkOpenRequest struct {
	TargetURL        string `json:"target_url"`
	AccountID        string `json:"account_id"`
	ServiceID        string `json:"service_id,omitempty"`
	IsCommandTrigger bool   `json:"is_command_trigger"`
}

// DecodeLinkOpenRequest decodes one request from JSON.
// Params: JSON document bytes.
// Returns: request or decode error; a malformed target URL is not an error.
func DecodeLinkOpenRequest(raw []byte) (LinkOpenRequest, error) {
	var request LinkOpenRequest
	if err := json.Unmarshal(raw, &request); err != nil {
		return LinkOpenRequest{}, fmt.Errorf("decode link open request: %w", err)
	}
	if strings.TrimSpace(request.AccountID) == "" {
		return LinkOpenRequest{}, errors.New("account_id is required")
	}
	return request, nil
}

// OutcomeKind tells whether resolution produced a decision.
type OutcomeKind string

const (
	// OutcomeDecided carries a decision from a stored rule.
	OutcomeDecided OutcomeKind = "decided"
	// OutcomeNeedsUserChoice asks the UI to collect a choice.
	OutcomeNeedsUserChoice OutcomeKind = "needs_user_choice"
)

// RuleSource names the rule kind that produced a decision.
type RuleSource string

const (
	// SourceDomainRule marks decisions from a matching domain rule.
	SourceDomainRule RuleSource = "domain_rule"
	// SourceNoMatchRule marks decisions from the account fallback rule.
	SourceNoMatchRule RuleSource = "no_match_rule"
)

const (
	// ReasonCommandTrigger marks explicit ask-me activations.
	ReasonCommandTrigger = "command_trigger"
	// ReasonNoRule marks accounts without an applicable rule.
	ReasonNoRule = "no_rule"
)

// Outcome is the result of automatic resolution.
// Params: kind plus decision metadata or the reason a choice is needed.
// Returns: value for the UI layer.
type Outcome struct {
	Kind     OutcomeKind    `json:"outcome"`
	Decision *RouteDecision `json:"decision,omitempty"`
	Source   RuleSource     `json:"source,omitempty"`
	Pattern  string         `json:"pattern,omitempty"`
	Reason   string         `json:"reason,omitempty"`
}

// Decided builds decided outcome.
// Params: decision, rule source, and matched pattern (empty for no-match rule).
// Returns: decided outcome.
func Decided(decision RouteDecision, source RuleSource, pattern string) Outcome {
	return Outcome{Kind: OutcomeDecided, Decision: &decision, Source: source, Pattern: pattern}
}

// NeedsUserChoice builds outcome that asks the user.
// Params: reason constant.
// Returns: needs-user-choice outcome.
func NeedsUserChoice(reason string) Outcome {
	return Outcome{Kind: OutcomeNeedsUserChoice, Reason: reason}
}

// IsDecided reports whether outcome carries a decision.
func (o Outcome) IsDecided() bool {
	return o.Kind == OutcomeDecided && o.Decision != nil
}

// RememberScope selects what a user's choice is persisted as.
type RememberScope string

const (
	// ScopeNone uses the choice once.
	ScopeNone RememberScope = "none"
	// ScopeAccount stores the choice as the account no-match rule.
	ScopeAccount RememberScope = "account"
	// ScopeDomain stores the choice as a hostname rule for the source URL.
	ScopeDomain RememberScope = "domain"
)

// ParseRememberScope normalizes scope name; empty means none.
// Params: raw scope name.
// Returns: known scope or ErrInvalidScope.
func ParseRememberScope(value string) (RememberScope, error) {
	scope := RememberScope(strings.ToLower(strings.TrimSpace(value)))
	switch scope {
	case "":
		return ScopeNone, nil
	case ScopeNone, ScopeAccount, ScopeDomain:
		return scope, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidScope, value)
	}
}

// RememberRequest carries one interactive choice to persist.
// Params: account, scope, decision, source URL, and optional user-edited pattern.
// Returns: input for rule authoring.
type RememberRequest struct {
	AccountID string         `json:"account_id"`
	Scope     RememberScope  `json:"scope"`
	Mode      WindowOpenMode `json:"mode"`
	Target    string         `json:"target,omitempty"`
	SourceURL string         `json:"source_url,omitempty"`
	Pattern   string         `json:"pattern,omitempty"`
}

// Decision returns the normalized decision carried by request.
// Params: none.
// Returns: decision or ErrInvalidDecision.
func (r RememberRequest) Decision() (RouteDecision, error) {
	return RouteDecision{Mode: r.Mode, Target: r.Target}.Normalize()
}

// DecodeRememberRequest decodes one remember request from JSON.
// Params: JSON document bytes.
// Returns: request with parsed scope or decode/scope error.
func DecodeRememberRequest(raw []byte) (RememberRequest, error) {
	var request RememberRequest
	if err := json.Unmarshal(raw, &request); err != nil {
		return RememberRequest{}, fmt.Errorf("decode remember request: %w", err)
	}
	if strings.TrimSpace(request.AccountID) == "" {
		return RememberRequest{}, errors.New("account_id is required")
	}
	scope, err := ParseRememberScope(string(request.Scope))
	if err != nil {
		return RememberRequest{}, err
	}
	request.Scope = scope
	return request, nil
}
