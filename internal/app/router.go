package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"linkroute/internal/authoring"
	"linkroute/internal/clock"
	"linkroute/internal/config"
	"linkroute/internal/domain"
	"linkroute/internal/engine"
	"linkroute/internal/rulestore"
	"linkroute/internal/state"

	"golang.org/x/sync/errgroup"
)

const seedWorkers = 4

// Router coordinates resolution, rule authoring, and rule administration.
// Params: rule store, engine, author, logger, and persistence timeout.
// Returns: transport-facing service surface.
type Router struct {
	backend        state.Backend
	store          *rulestore.Store
	engine         *engine.Engine
	author         *authoring.Author
	logger         *slog.Logger
	persistTimeout time.Duration
}

// NewRouter creates router over a rule store persisted through backend.
// Params: persistence backend (nil keeps rules in memory only), logger, clock, and per-write timeout.
// Returns: initialized router.
func NewRouter(backend state.Backend, logger *slog.Logger, clk clock.Clock, persistTimeout time.Duration) *Router {
	var persister rulestore.Persister
	if backend != nil {
		persister = backend
	}
	store := rulestore.New(persister, clk)
	return &Router{
		backend:        backend,
		store:          store,
		engine:         engine.New(store),
		author:         authoring.New(store),
		logger:         logger,
		persistTimeout: persistTimeout,
	}
}

// Store exposes the rule store for hydration and replica updates.
func (r *Router) Store() *rulestore.Store {
	return r.store
}

// Resolve decides where one link opens.
// Params: context (unused by resolution) and link-open request.
// Returns: decided or needs-user-choice outcome.
func (r *Router) Resolve(_ context.Context, request domain.LinkOpenRequest) domain.Outcome {
	outcome := r.engine.Resolve(request)
	if outcome.IsDecided() {
		r.logger.Debug("link resolved",
			"account_id", request.AccountID,
			"source", string(outcome.Source),
			"pattern", outcome.Pattern,
			"mode", string(outcome.Decision.Mode),
			"target", outcome.Decision.Target,
		)
	} else {
		r.logger.Debug("link needs user choice", "account_id", request.AccountID, "reason", outcome.Reason)
	}
	return outcome
}

// Remember persists a user choice.
// Params: context and remember request.
// Returns: validation or persistence error.
func (r *Router) Remember(ctx context.Context, request domain.RememberRequest) error {
	ctx, cancel := r.writeContext(ctx)
	defer cancel()
	err := r.retryOnConflict(ctx, request.AccountID, func() error {
		return r.author.Remember(ctx, request)
	})
	if err != nil {
		r.logWriteError("remember failed", request.AccountID, err, "scope", string(request.Scope), "mode", string(request.Mode))
		return err
	}
	if request.Scope != domain.ScopeNone && request.Scope != "" {
		r.logger.Info("choice remembered",
			"account_id", request.AccountID,
			"scope", string(request.Scope),
			"mode", string(request.Mode),
			"target", request.Target,
		)
	}
	return nil
}

// Rules returns the current rule set of an account.
func (r *Router) Rules(accountID string) domain.AccountRuleSet {
	return r.store.Snapshot(accountID)
}

// RemoveDomainRule deletes one domain rule.
// Params: context, account id, and pattern.
// Returns: whether a rule was removed, or validation/persistence error.
func (r *Router) RemoveDomainRule(ctx context.Context, accountID, pattern string) (bool, error) {
	ctx, cancel := r.writeContext(ctx)
	defer cancel()
	var removed bool
	err := r.retryOnConflict(ctx, accountID, func() error {
		var err error
		removed, err = r.store.RemoveDomainRule(ctx, accountID, pattern)
		return err
	})
	if err != nil {
		r.logWriteError("remove domain rule failed", accountID, err, "pattern", pattern)
		return false, err
	}
	if removed {
		r.logger.Info("domain rule removed", "account_id", accountID, "pattern", pattern)
	}
	return removed, nil
}

// ClearNoMatchRule deletes the account fallback rule.
// Params: context and account id.
// Returns: whether a rule was removed, or persistence error.
func (r *Router) ClearNoMatchRule(ctx context.Context, accountID string) (bool, error) {
	ctx, cancel := r.writeContext(ctx)
	defer cancel()
	var removed bool
	err := r.retryOnConflict(ctx, accountID, func() error {
		var err error
		removed, err = r.store.ClearNoMatchRule(ctx, accountID)
		return err
	})
	if err != nil {
		r.logWriteError("clear no-match rule failed", accountID, err)
		return false, err
	}
	if removed {
		r.logger.Info("no-match rule cleared", "account_id", accountID)
	}
	return removed, nil
}

// Hydrate loads every persisted rule set into memory.
// Params: context and backend.
// Returns: load error.
func (r *Router) Hydrate(ctx context.Context, backend state.Backend) error {
	sets, err := backend.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("load rule sets: %w", err)
	}
	if dropped := r.store.Hydrate(sets); dropped > 0 {
		r.logger.Warn("stored rules dropped", "rules", dropped, "reason", "invalid or duplicate pattern")
	}
	r.logger.Info("rule sets loaded", "accounts", len(sets))
	return nil
}

// ApplyReplica installs a rule set written by another instance.
// Params: rule set from the replica watcher.
// Returns: none; stale versions are skipped.
func (r *Router) ApplyReplica(set domain.AccountRuleSet) {
	applied, dropped := r.store.Apply(set)
	if dropped > 0 {
		r.logger.Warn("replica rules dropped", "account_id", set.AccountID, "version", set.Version, "rules", dropped)
	}
	if applied {
		r.logger.Debug("replica rule set applied", "account_id", set.AccountID, "version", set.Version)
	}
}

// Seed writes configured rules for accounts that have no stored set yet.
// Params: context and account seeds from config.
// Returns: number of seeded accounts or first write error.
// An account written first by another instance is reloaded instead of seeded.
func (r *Router) Seed(ctx context.Context, seeds []config.AccountSeed) (int, error) {
	var seeded atomic.Int64
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(seedWorkers)
	for _, seed := range seeds {
		if r.store.Snapshot(seed.AccountID).Version != 0 {
			continue
		}
		seed := seed
		group.Go(func() error {
			err := r.seedAccount(groupCtx, seed)
			if errors.Is(err, state.ErrConflict) {
				r.logger.Info("account seeded by another instance", "account_id", seed.AccountID)
				return r.refresh(groupCtx, seed.AccountID)
			}
			if err != nil {
				return err
			}
			seeded.Add(1)
			r.logger.Info("account rules seeded", "account_id", seed.AccountID, "domain_rules", len(seed.Domain), "no_match", seed.NoMatch != nil)
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return 0, err
	}
	return int(seeded.Load()), nil
}

func (r *Router) seedAccount(ctx context.Context, seed config.AccountSeed) error {
	ctx, cancel := r.writeContext(ctx)
	defer cancel()
	if seed.NoMatch != nil {
		decision, err := seed.NoMatch.Decision()
		if err != nil {
			return fmt.Errorf("seed account %q no_match: %w", seed.AccountID, err)
		}
		if err := r.store.SetNoMatchRule(ctx, seed.AccountID, decision); err != nil {
			return fmt.Errorf("seed account %q no_match: %w", seed.AccountID, err)
		}
	}
	for i, rule := range seed.Domain {
		decision, err := rule.Decision()
		if err != nil {
			return fmt.Errorf("seed account %q domain[%d]: %w", seed.AccountID, i, err)
		}
		if err := r.store.InsertDomainRule(ctx, seed.AccountID, rule.Pattern, decision); err != nil {
			return fmt.Errorf("seed account %q domain[%d]: %w", seed.AccountID, i, err)
		}
	}
	return nil
}

// retryOnConflict reloads the account from the backend and runs write once more
// when another instance stored a newer version first.
func (r *Router) retryOnConflict(ctx context.Context, accountID string, write func() error) error {
	err := write()
	if !errors.Is(err, state.ErrConflict) || r.backend == nil {
		return err
	}
	if refreshErr := r.refresh(ctx, accountID); refreshErr != nil {
		r.logger.Warn("rule set reload failed", "account_id", accountID, "error", refreshErr.Error())
		return err
	}
	return write()
}

// refresh installs the stored set of one account when it is newer than the published one.
func (r *Router) refresh(ctx context.Context, accountID string) error {
	if r.backend == nil {
		return nil
	}
	set, err := r.backend.Load(ctx, strings.TrimSpace(accountID))
	if errors.Is(err, state.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reload account %q: %w", accountID, err)
	}
	r.ApplyReplica(set)
	return nil
}

func (r *Router) writeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.persistTimeout > 0 {
		return context.WithTimeout(ctx, r.persistTimeout)
	}
	return context.WithCancel(ctx)
}

// logWriteError logs persistence failures as errors and caller mistakes as warnings.
func (r *Router) logWriteError(msg, accountID string, err error, attrs ...any) {
	args := append([]any{"account_id", accountID, "error", err.Error()}, attrs...)
	if errors.Is(err, rulestore.ErrPersist) {
		r.logger.Error(msg, args...)
		return
	}
	r.logger.Warn(msg, args...)
}
