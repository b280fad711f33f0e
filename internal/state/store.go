package state

import (
	"context"
	"errors"
	"fmt"

	"linkroute/internal/domain"
)

var (
	// ErrNotFound indicates an account without a persisted rule set.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates a write based on an outdated stored version.
	ErrConflict = errors.New("rule set version conflict")
)

// Backend persists account rule sets.
// Params: whole-set load/save operations keyed by account id.
// Returns: backend persistence behavior.
// Save is conditional: it succeeds only when no set is stored for the account
// or the stored version is exactly one below the written one, else ErrConflict.
type Backend interface {
	Load(ctx context.Context, accountID string) (domain.AccountRuleSet, error)
	LoadAll(ctx context.Context) ([]domain.AccountRuleSet, error)
	Save(ctx context.Context, set domain.AccountRuleSet) error
	Close() error
}

func conflictError(accountID string, stored, next uint64) error {
	return fmt.Errorf("%w: account %q stored version %d, writing %d", ErrConflict, accountID, stored, next)
}
