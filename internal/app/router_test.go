package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"linkroute/internal/clock"
	"linkroute/internal/config"
	"linkroute/internal/domain"
	"linkroute/internal/logging"
	"linkroute/internal/rulestore"
	"linkroute/internal/state"
)

var testNow = clock.Fixed(time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC))

type slowBackend struct {
	*state.MemoryStore
	delay time.Duration
}

func (b slowBackend) Save(ctx context.Context, set domain.AccountRuleSet) error {
	select {
	case <-time.After(b.delay):
		return b.MemoryStore.Save(ctx, set)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestRouterRememberPersistsThroughBackend(t *testing.T) {
	t.Parallel()

	backend := state.NewMemoryStore()
	router := NewRouter(backend, logging.Discard(), testNow, time.Second)
	err := router.Remember(context.Background(), domain.RememberRequest{
		AccountID: "acc",
		Scope:     domain.ScopeDomain,
		Mode:      domain.ModeServiceRunningTab,
		Target:    "svc1",
		SourceURL: "https://mail.example.com/inbox",
	})
	if err != nil {
		t.Fatalf("remember: %v", err)
	}

	stored, err := backend.Load(context.Background(), "acc")
	if err != nil {
		t.Fatalf("backend load: %v", err)
	}
	if stored.Version != 1 || len(stored.DomainRules) != 1 || stored.DomainRules[0].Pattern != "mail.example.com" {
		t.Fatalf("unexpected stored set %+v", stored)
	}
	if !stored.DomainRules[0].CreatedAt.Equal(time.Time(testNow)) {
		t.Fatalf("expected clock stamp, got %s", stored.DomainRules[0].CreatedAt)
	}

	outcome := router.Resolve(context.Background(), domain.LinkOpenRequest{TargetURL: "https://mail.example.com/x", AccountID: "acc"})
	if !outcome.IsDecided() || outcome.Decision.Target != "svc1" {
		t.Fatalf("unexpected outcome %+v", outcome)
	}
}

func TestRouterPersistTimeoutIsPersistenceFailure(t *testing.T) {
	t.Parallel()

	backend := slowBackend{MemoryStore: state.NewMemoryStore(), delay: time.Second}
	router := NewRouter(backend, logging.Discard(), testNow, 20*time.Millisecond)
	err := router.Remember(context.Background(), domain.RememberRequest{
		AccountID: "acc",
		Scope:     domain.ScopeAccount,
		Mode:      domain.ModeSystemBrowser,
	})
	if !errors.Is(err, rulestore.ErrPersist) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected persistence timeout, got %v", err)
	}
	if !router.Rules("acc").IsEmpty() {
		t.Fatalf("timed out write must not publish")
	}
}

func TestRouterHydrateAndSeed(t *testing.T) {
	t.Parallel()

	backend := state.NewMemoryStore()
	existing := domain.AccountRuleSet{
		AccountID: "existing",
		Version:   7,
		DomainRules: []domain.DomainRule{
			{Pattern: "example.com", Mode: domain.ModeSystemBrowser},
			{Pattern: "https://example.com/app/", Mode: domain.ModeAppWindow},
		},
	}
	if err := backend.Save(context.Background(), existing); err != nil {
		t.Fatalf("prepare backend: %v", err)
	}

	router := NewRouter(backend, logging.Discard(), testNow, time.Second)
	if err := router.Hydrate(context.Background(), backend); err != nil {
		t.Fatalf("hydrate: %v", err)
	}
	hydrated := router.Rules("existing")
	if hydrated.Version != 7 || hydrated.DomainRules[0].Pattern != "https://example.com/app/" {
		t.Fatalf("hydrate must keep version and re-sort rules: %+v", hydrated)
	}

	seeded, err := router.Seed(context.Background(), []config.AccountSeed{
		{AccountID: "existing", NoMatch: &config.RuleSeed{Mode: "app_window"}},
		{
			AccountID: "fresh",
			NoMatch:   &config.RuleSeed{Mode: "service_window", Target: "svc2"},
			Domain: []config.RuleSeed{
				{Pattern: "example.com", Mode: "system_browser"},
				{Pattern: "https://example.com/app/", Mode: "service_running_tab", Target: "svc1"},
			},
		},
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if seeded != 1 {
		t.Fatalf("expected only fresh account seeded, got %d", seeded)
	}
	if router.Rules("existing").NoMatchRule != nil {
		t.Fatalf("seed must not touch accounts with stored rules")
	}
	fresh := router.Rules("fresh")
	if fresh.Version != 3 || fresh.DomainRules[0].Pattern != "https://example.com/app/" || fresh.NoMatchRule == nil {
		t.Fatalf("unexpected seeded set %+v", fresh)
	}
	if stored, err := backend.Load(context.Background(), "fresh"); err != nil || stored.Version != 3 {
		t.Fatalf("seeded set must be persisted: %+v err=%v", stored, err)
	}
}

func TestRouterApplyReplicaIgnoresStale(t *testing.T) {
	t.Parallel()

	router := NewRouter(nil, logging.Discard(), testNow, 0)
	router.ApplyReplica(domain.AccountRuleSet{AccountID: "acc", Version: 2, NoMatchRule: &domain.NoMatchRule{Mode: domain.ModeAppWindow}})
	router.ApplyReplica(domain.AccountRuleSet{AccountID: "acc", Version: 1})
	set := router.Rules("acc")
	if set.Version != 2 || set.NoMatchRule == nil {
		t.Fatalf("stale replica must be ignored: %+v", set)
	}
}

func TestRouterRemoveAndClear(t *testing.T) {
	t.Parallel()

	router := NewRouter(state.NewMemoryStore(), logging.Discard(), testNow, time.Second)
	ctx := context.Background()
	if err := router.Remember(ctx, domain.RememberRequest{AccountID: "acc", Scope: domain.ScopeDomain, Mode: domain.ModeSystemBrowser, Pattern: "example.com"}); err != nil {
		t.Fatalf("remember domain: %v", err)
	}
	if err := router.Remember(ctx, domain.RememberRequest{AccountID: "acc", Scope: domain.ScopeAccount, Mode: domain.ModeAppWindow}); err != nil {
		t.Fatalf("remember account: %v", err)
	}

	if removed, err := router.RemoveDomainRule(ctx, "acc", "example.com"); err != nil || !removed {
		t.Fatalf("remove: removed=%v err=%v", removed, err)
	}
	if removed, err := router.RemoveDomainRule(ctx, "acc", "example.com"); err != nil || removed {
		t.Fatalf("second remove: removed=%v err=%v", removed, err)
	}
	if _, err := router.RemoveDomainRule(ctx, "acc", "bad/pattern"); !errors.Is(err, domain.ErrInvalidPattern) {
		t.Fatalf("expected invalid pattern, got %v", err)
	}
	if removed, err := router.ClearNoMatchRule(ctx, "acc"); err != nil || !removed {
		t.Fatalf("clear: removed=%v err=%v", removed, err)
	}
	if !router.Rules("acc").IsEmpty() {
		t.Fatalf("expected empty set")
	}
}

func TestRoutersSharingBackendConvergeAfterConflict(t *testing.T) {
	t.Parallel()

	backend := state.NewMemoryStore()
	first := NewRouter(backend, logging.Discard(), testNow, time.Second)
	second := NewRouter(backend, logging.Discard(), testNow, time.Second)
	ctx := context.Background()

	if err := first.Remember(ctx, domain.RememberRequest{AccountID: "acc", Scope: domain.ScopeDomain, Mode: domain.ModeAppWindow, Pattern: "a.example.com"}); err != nil {
		t.Fatalf("first remember: %v", err)
	}
	// second still holds version 0 and must not overwrite version 1.
	if err := second.Remember(ctx, domain.RememberRequest{AccountID: "acc", Scope: domain.ScopeDomain, Mode: domain.ModeSystemBrowser, Pattern: "b.example.com"}); err != nil {
		t.Fatalf("second remember: %v", err)
	}

	stored, err := backend.Load(ctx, "acc")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if stored.Version != 2 || len(stored.DomainRules) != 2 {
		t.Fatalf("expected both rules stored at version 2, got %+v", stored)
	}
	assertSameRules(t, second.Rules("acc"), stored)

	if removed, err := first.RemoveDomainRule(ctx, "acc", "a.example.com"); err != nil || !removed {
		t.Fatalf("remove on stale router: removed=%v err=%v", removed, err)
	}
	stored, _ = backend.Load(ctx, "acc")
	if stored.Version != 3 || len(stored.DomainRules) != 1 || stored.DomainRules[0].Pattern != "b.example.com" {
		t.Fatalf("unexpected stored set after remove %+v", stored)
	}
	assertSameRules(t, first.Rules("acc"), stored)
}

func TestRouterSeedSkipsAccountStoredByAnotherInstance(t *testing.T) {
	t.Parallel()

	backend := state.NewMemoryStore()
	first := NewRouter(backend, logging.Discard(), testNow, time.Second)
	second := NewRouter(backend, logging.Discard(), testNow, time.Second)
	ctx := context.Background()

	if _, err := first.Seed(ctx, []config.AccountSeed{{AccountID: "acc", NoMatch: &config.RuleSeed{Mode: "app_window"}}}); err != nil {
		t.Fatalf("first seed: %v", err)
	}
	seeded, err := second.Seed(ctx, []config.AccountSeed{{AccountID: "acc", NoMatch: &config.RuleSeed{Mode: "system_browser"}}})
	if err != nil {
		t.Fatalf("second seed: %v", err)
	}
	if seeded != 0 {
		t.Fatalf("account stored elsewhere must not count as seeded, got %d", seeded)
	}
	set := second.Rules("acc")
	if set.Version != 1 || set.NoMatchRule == nil || set.NoMatchRule.Mode != domain.ModeAppWindow {
		t.Fatalf("second router must adopt stored set, got %+v", set)
	}
}

func assertSameRules(t *testing.T, got, want domain.AccountRuleSet) {
	t.Helper()
	if got.Version != want.Version || len(got.DomainRules) != len(want.DomainRules) {
		t.Fatalf("memory %+v diverged from storage %+v", got, want)
	}
	for i := range want.DomainRules {
		if !got.DomainRules[i].SameAs(want.DomainRules[i]) {
			t.Fatalf("rule %d: memory %+v, storage %+v", i, got.DomainRules[i], want.DomainRules[i])
		}
	}
}
